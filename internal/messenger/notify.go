package messenger

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/Qing-LAB/pylabhub-sub002/internal/broker"
	"github.com/Qing-LAB/pylabhub-sub002/internal/zmqutil"
)

// handleUnsolicited demultiplexes a NOTIFY message by type and dispatches
// to the registered per-channel callback, per spec.md §4.5. Callbacks run
// synchronously on the worker goroutine; per spec.md §9's reentrancy
// warning, a callback must never call back into a Messenger method that
// would block on this same goroutine (RegisterChannel, ConnectChannel,
// ...) — doing so deadlocks.
func (m *Messenger) handleUnsolicited(msg zmqutil.Message) {
	var notify broker.ClosingNotify
	if err := json.Unmarshal(msg.Body, &notify); err != nil {
		m.log.Warn("malformed notify", zap.String("type", msg.Type), zap.Error(err))
		return
	}

	switch msg.Type {
	case broker.TypeChannelClosingNotify:
		m.callbacksMu.Lock()
		cb, ok := m.onChannelClosing[notify.ChannelName]
		fallback := m.globalClosing
		m.callbacksMu.Unlock()
		if ok {
			cb(notify.ChannelName)
		} else if fallback != nil {
			fallback(notify.ChannelName)
		}
	case broker.TypeConsumerDiedNotify:
		m.callbacksMu.Lock()
		cb, ok := m.onConsumerDied[notify.ChannelName]
		m.callbacksMu.Unlock()
		if ok {
			cb(notify.ChannelName, notify.ConsumerPID)
		}
	case broker.TypeChannelErrorNotify, broker.TypeChannelEventNotify:
		m.callbacksMu.Lock()
		cb, ok := m.onChannelError[notify.ChannelName]
		m.callbacksMu.Unlock()
		if ok {
			cb(notify.ChannelName, notify.Reason)
		}
	default:
		m.log.Debug("unhandled notify type", zap.String("type", msg.Type))
	}
}
