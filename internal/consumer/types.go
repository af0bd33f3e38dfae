// Package consumer implements spec.md §4.3: a service mirroring Producer,
// owning a DataBlock attachment and the consumer-side P2C sockets, with
// Queue mode (synchronous pull) and Real-time mode (installed read
// handler).
package consumer

import (
	"github.com/Qing-LAB/pylabhub-sub002/internal/channel"
	"github.com/Qing-LAB/pylabhub-sub002/internal/config"
	"github.com/Qing-LAB/pylabhub-sub002/internal/datablock"
)

// OnMessageFunc handles a user-typed control message received on the
// ctrl DEALER from the producer.
type OnMessageFunc func(msgType string, body []byte)

// OnDataFunc handles a raw data-socket payload, for patterns where the
// channel carries no shared memory (has_shared_memory=false) and data
// travels purely over ZMQ.
type OnDataFunc func(payload []byte)

// Config is everything Start needs to attach to a DataBlock and connect
// the P2C sockets learned from the broker's DISC_ACK.
type Config struct {
	ChannelName      string
	Pattern          channel.Pattern
	ProducerCtrlEndpoint string
	ProducerDataEndpoint string
	ProducerPublicKey    string
	ConsumerHostname string

	HasSharedMemory bool
	Policy          channel.BufferPolicy
	DataBlock       config.ChannelConfig
	SharedSecret    uint64

	OnMessage     OnMessageFunc
	OnData        OnDataFunc
	OnPythonError config.OnPythonError
}

// ReadCtx bundles everything a pull job or real-time read handler needs.
type ReadCtx struct {
	slot       *datablock.ReadHandle
	block      *datablock.Block
	sendCtrl   func(msgType string, body []byte) error
	shutdown   func() bool
}

// Buffer returns the committed payload bytes for this read.
func (r *ReadCtx) Buffer() []byte { return r.slot.Buffer() }

// ChecksumValid reports whether the slot's checksum matched on read.
func (r *ReadCtx) ChecksumValid() bool { return r.slot.ChecksumValid() }

// SlotID returns the committed slot's monotonic id.
func (r *ReadCtx) SlotID() uint64 { return r.slot.SlotID() }

// FlexZone returns the DataBlock's shared flex-zone bytes.
func (r *ReadCtx) FlexZone() []byte { return r.block.FlexZone() }

// SendCtrl sends a ctrl-socket message to the producer.
func (r *ReadCtx) SendCtrl(msgType string, body []byte) error { return r.sendCtrl(msgType, body) }

// ShuttingDown reports whether the service has begun shutdown.
func (r *ReadCtx) ShuttingDown() bool { return r.shutdown() }

// PullJob is a queue-mode unit of work.
type PullJob func(ctx *ReadCtx) error

// ReadHandler is a real-time-mode read handler, called once per acquired
// slot after the optional checksum policy has been applied.
type ReadHandler func(ctx *ReadCtx)
