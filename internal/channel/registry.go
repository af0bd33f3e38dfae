package channel

import "time"

// Registry is the in-memory channel table described by spec.md §4.4.
//
// It is deliberately NOT safe for concurrent use: spec.md's single-threaded
// invariant confines every method call to the Broker's run loop, serialized
// naturally by its ROUTER socket. Do not add a mutex here — if a second
// caller ever needs this registry, that is a design error upstream, not a
// reason to paper over it with locking.
type Registry struct {
	channels map[string]*Channel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*Channel)}
}

// Register inserts a new channel, or accepts re-registration of an
// existing one with an identical schema hash (producer restart is
// transparent). A differing schema hash is rejected without touching the
// existing entry, per spec.md's idempotent re-registration law.
func (r *Registry) Register(name string, entry Channel) bool {
	existing, ok := r.channels[name]
	if !ok {
		if entry.LastHeartbeat.IsZero() {
			entry.LastHeartbeat = time.Now()
		}
		c := entry
		r.channels[name] = &c
		return true
	}

	if existing.Schema.HashHex != entry.Schema.HashHex {
		return false
	}

	consumers := existing.Consumers
	c := entry
	c.Consumers = consumers
	if c.LastHeartbeat.IsZero() {
		c.LastHeartbeat = existing.LastHeartbeat
	}
	r.channels[name] = &c
	return true
}

// Find looks up a channel by name, returning a copy.
func (r *Registry) Find(name string) (Channel, bool) {
	c, ok := r.channels[name]
	if !ok {
		return Channel{}, false
	}
	return *c, true
}

// FindMutable returns a pointer for in-place field updates (e.g. recording
// the producer's ZMQ identity after REG_REQ). Returns nil if not found.
func (r *Registry) FindMutable(name string) *Channel {
	return r.channels[name]
}

// Deregister removes a channel, requiring the caller's pid to match the
// registered producer.
func (r *Registry) Deregister(name string, producerPID uint64) bool {
	c, ok := r.channels[name]
	if !ok || c.ProducerPID != producerPID {
		return false
	}
	delete(r.channels, name)
	return true
}

// RegisterConsumer appends a consumer entry to channel name.
func (r *Registry) RegisterConsumer(name string, entry ConsumerEntry) bool {
	c, ok := r.channels[name]
	if !ok {
		return false
	}
	c.Consumers = append(c.Consumers, entry)
	return true
}

// DeregisterConsumer removes the consumer entry matching consumerPID.
func (r *Registry) DeregisterConsumer(name string, consumerPID uint64) bool {
	c, ok := r.channels[name]
	if !ok {
		return false
	}
	for i, ce := range c.Consumers {
		if ce.ConsumerPID == consumerPID {
			c.Consumers = append(c.Consumers[:i], c.Consumers[i+1:]...)
			return true
		}
	}
	return false
}

// FindConsumers returns the consumer entries for a channel (nil if not found).
func (r *Registry) FindConsumers(name string) []ConsumerEntry {
	c, ok := r.channels[name]
	if !ok {
		return nil
	}
	return c.Consumers
}

// UpdateHeartbeat refreshes last_heartbeat and promotes PendingReady to
// Ready on first heartbeat, per spec.md §3/§4.4.
func (r *Registry) UpdateHeartbeat(name string) bool {
	c, ok := r.channels[name]
	if !ok {
		return false
	}
	c.LastHeartbeat = time.Now()
	if c.Status == StatusPendingReady {
		c.Status = StatusReady
	}
	return true
}

// FindTimedOut returns names of channels whose last_heartbeat predates
// now-timeout, regardless of PendingReady/Ready status (a PendingReady
// channel uses its registration time as the heartbeat baseline so it gets
// the same grace period).
func (r *Registry) FindTimedOut(timeout time.Duration) []string {
	now := time.Now()
	var out []string
	for name, c := range r.channels {
		if now.Sub(c.LastHeartbeat) >= timeout {
			out = append(out, name)
		}
	}
	return out
}

// ListChannels returns all channel names.
func (r *Registry) ListChannels() []string {
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	return names
}

// Size returns the number of registered channels.
func (r *Registry) Size() int { return len(r.channels) }

// All returns the live map for liveness-sweep iteration. Callers must not
// add/remove entries while iterating (single-threaded invariant).
func (r *Registry) All() map[string]*Channel { return r.channels }
