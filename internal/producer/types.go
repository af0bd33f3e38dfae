// Package producer implements spec.md §4.2: a service owning one
// DataBlock and one set of P2C ZMQ sockets, presenting Queue mode (async
// job submission) and Real-time mode (continuous handler loop).
package producer

import (
	"time"

	"github.com/Qing-LAB/pylabhub-sub002/internal/channel"
	"github.com/Qing-LAB/pylabhub-sub002/internal/config"
	"github.com/Qing-LAB/pylabhub-sub002/internal/datablock"
)

// OnMessageFunc handles a user-typed control message received on the
// ctrl ROUTER, per spec.md §4.2's "forwarded to the script's
// on_message(sender, data) hook".
type OnMessageFunc func(sender string, msgType string, body []byte)

// Config is everything Start needs to create the DataBlock, bind the P2C
// sockets and register with the broker.
type Config struct {
	ChannelName      string
	SchemaHash       string
	SchemaVersion    uint32
	Pattern          channel.Pattern
	CtrlEndpoint     string
	DataEndpoint     string
	ProducerHostname string
	PublicKey        string

	DataBlock config.ChannelConfig
	SharedSecret uint64

	HeartbeatInterval time.Duration
	RegisterTimeout   time.Duration

	OnMessage     OnMessageFunc
	OnPythonError config.OnPythonError
}

// WriteCtx bundles everything a write job or real-time handler needs, per
// spec.md §9's "handlers receive a bundle providing: typed flex-zone
// accessor, the current slot span, a send-ctrl function, and a shutdown
// atomic".
type WriteCtx struct {
	slot     *datablock.WriteHandle
	block    *datablock.Block
	sendCtrl func(identity, msgType string, body []byte) error
	shutdown func() bool
}

// Buffer returns the mutable slot span for this write.
func (w *WriteCtx) Buffer() []byte { return w.slot.Buffer() }

// FlexZone returns the DataBlock's shared flex-zone bytes.
func (w *WriteCtx) FlexZone() []byte { return w.block.FlexZone() }

// WriteFlexZone updates the flex zone and its digest.
func (w *WriteCtx) WriteFlexZone(pid uint32, data []byte) error { return w.block.WriteFlexZone(pid, data) }

// SendCtrl asks the peer goroutine to send a ctrl-socket frame to identity.
func (w *WriteCtx) SendCtrl(identity, msgType string, body []byte) error {
	return w.sendCtrl(identity, msgType, body)
}

// ShuttingDown reports whether the service has begun shutdown.
func (w *WriteCtx) ShuttingDown() bool { return w.shutdown() }

// Job is a queue-mode unit of work, per spec.md §4.2's "callable receiving
// a typed write context".
type Job func(ctx *WriteCtx) (commit bool, length int, err error)

// Handler is a real-time-mode write handler: called once per acquired
// slot, returns whether to commit (and how many bytes) or discard.
type Handler func(ctx *WriteCtx) (commit bool, length int)
