// Package broker implements spec.md §4.4: a single-process registry of
// named channels, reachable over one ZMQ ROUTER socket, with heartbeat
// sweep and NOTIFY push. The registry itself (internal/channel.Registry)
// is accessed only from Run's goroutine — no mutex — per spec.md's
// "Single-threaded invariant".
package broker

import (
	"context"
	"sync/atomic"
	"time"

	zmq4 "github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"github.com/Qing-LAB/pylabhub-sub002/internal/channel"
	"github.com/Qing-LAB/pylabhub-sub002/internal/guard"
	"github.com/Qing-LAB/pylabhub-sub002/internal/hostproc"
	"github.com/Qing-LAB/pylabhub-sub002/internal/metrics"
	"github.com/Qing-LAB/pylabhub-sub002/internal/zmqutil"
)

// Config is the broker's runtime configuration, per spec.md §6.
type Config struct {
	Endpoint         string
	PollTimeout      time.Duration
	HeartbeatTimeout time.Duration
	Curve            *zmqutil.Keypair
}

// Broker owns one bound ROUTER socket and the in-memory channel registry.
type Broker struct {
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Registry
	guard   *guard.ResourceGuard

	registry *channel.Registry
	sock     *zmq4.Socket

	faulted atomic.Bool
}

// New constructs a Broker. The ROUTER socket is bound in Run, not here,
// so Config.Endpoint can be adjusted by tests before Run is called.
func New(cfg Config, log *zap.Logger, reg *metrics.Registry, rg *guard.ResourceGuard) *Broker {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 100 * time.Millisecond
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 10 * time.Second
	}
	return &Broker{
		cfg:      cfg,
		log:      log,
		metrics:  reg,
		guard:    rg,
		registry: channel.NewRegistry(),
	}
}

// Run binds the ROUTER socket and services requests until ctx is
// cancelled, polling at Config.PollTimeout so the shutdown flag and the
// heartbeat sweep are both checked promptly, per spec.md §4.4/§5.
func (b *Broker) Run(ctx context.Context) error {
	zctx, err := zmqutil.Acquire()
	if err != nil {
		return err
	}
	defer zmqutil.Release()

	sock, err := zctx.NewSocket(zmq4.ROUTER)
	if err != nil {
		return err
	}
	defer sock.Close()
	b.sock = sock

	if b.cfg.Curve != nil {
		if err := zmqutil.ApplyServer(sock, *b.cfg.Curve); err != nil {
			return err
		}
	}
	if err := sock.Bind(b.cfg.Endpoint); err != nil {
		return err
	}
	b.log.Info("broker listening", zap.String("endpoint", b.cfg.Endpoint))

	poller := zmq4.NewPoller()
	poller.Add(sock, zmq4.POLLIN)

	for {
		select {
		case <-ctx.Done():
			b.log.Info("broker shutting down")
			return nil
		default:
		}

		polled, err := poller.Poll(b.cfg.PollTimeout)
		if err != nil {
			b.log.Error("poll failed", zap.Error(err))
			continue
		}
		for range polled {
			msg, err := zmqutil.RecvFrom(sock)
			if err != nil {
				b.log.Warn("recv failed", zap.Error(err))
				continue
			}
			b.safeDispatch(msg)
		}

		b.sweepHeartbeats()
		b.sweepConsumerLiveness()
	}
}

// sweepConsumerLiveness drops consumer entries whose pid has died and
// tells the owning producer, per spec.md §4.4's CONSUMER_DIED_NOTIFY.
// The broker tracks producer heartbeats itself (sweepHeartbeats); a dead
// consumer is instead detected directly via is_process_alive, since
// spec.md §4.3 says consumers only report liveness up through the
// DataBlock, not to the broker.
func (b *Broker) sweepConsumerLiveness() {
	for name, ch := range b.registry.All() {
		for _, c := range ch.Consumers {
			if hostproc.IsProcessAlive(int32(c.ConsumerPID)) {
				continue
			}
			b.registry.DeregisterConsumer(name, c.ConsumerPID)
			b.notifyProducer(*ch, TypeConsumerDiedNotify, "consumer liveness check failed")
			b.log.Warn("dropped dead consumer", zap.String("channel", name), zap.Uint64("consumer_pid", c.ConsumerPID))
		}
	}
}

func (b *Broker) sweepHeartbeats() {
	timedOut := b.registry.FindTimedOut(b.cfg.HeartbeatTimeout)
	for _, name := range timedOut {
		entry, ok := b.registry.Find(name)
		if !ok {
			continue
		}
		b.notifyConsumers(entry, TypeChannelClosingNotify, "heartbeat timeout")
		b.registry.Deregister(name, entry.ProducerPID)
		if b.metrics != nil {
			b.metrics.ChannelTimeout.Inc()
		}
		b.log.Warn("channel closed: heartbeat timeout", zap.String("channel", name))
	}
}

func (b *Broker) notifyConsumers(ch channel.Channel, msgType, reason string) {
	body, err := marshalNotify(ClosingNotify{ChannelName: ch.Name, Reason: reason})
	if err != nil {
		b.log.Error("marshal notify failed", zap.Error(err))
		return
	}
	for _, c := range ch.Consumers {
		if c.ZMQIdentity == "" {
			continue
		}
		if err := zmqutil.SendTo(b.sock, c.ZMQIdentity, msgType, body); err != nil {
			b.log.Warn("notify send failed", zap.String("identity", c.ZMQIdentity), zap.Error(err))
		}
	}
}

func (b *Broker) notifyProducer(ch channel.Channel, msgType, reason string) {
	if ch.ProducerZMQIdentity == "" {
		return
	}
	body, err := marshalNotify(ClosingNotify{ChannelName: ch.Name, Reason: reason})
	if err != nil {
		b.log.Error("marshal notify failed", zap.Error(err))
		return
	}
	if err := zmqutil.SendTo(b.sock, ch.ProducerZMQIdentity, msgType, body); err != nil {
		b.log.Warn("producer notify send failed", zap.Error(err))
	}
}

// safeDispatch wraps dispatch with a top-level recover, per SPEC_FULL.md
// §7: a handler panic logs at error level and sets the fault flag instead
// of taking down the broker's single request-processing goroutine.
func (b *Broker) safeDispatch(msg zmqutil.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.faulted.Store(true)
			b.log.Error("recovered panic in dispatch",
				zap.Any("panic", r), zap.String("type", msg.Type), zap.String("identity", msg.Identity))
		}
	}()
	b.dispatch(msg)
}

// Faulted reports whether the broker's run loop recovered from a panic
// and set its fault flag, per SPEC_FULL.md §7's goroutine-top-level
// recover() contract.
func (b *Broker) Faulted() bool { return b.faulted.Load() }
