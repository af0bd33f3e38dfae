package messenger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Qing-LAB/pylabhub-sub002/internal/broker"
	"github.com/Qing-LAB/pylabhub-sub002/internal/herr"
	"github.com/Qing-LAB/pylabhub-sub002/internal/zmqutil"
)

// ackErr unmarshals msg's body as a broker.Ack and turns OK=false into an
// error carrying the broker's message, per spec.md §7's "replies always
// carry a success boolean and an optional error message".
func ackErr(op string, msg zmqutil.Message) error {
	var ack broker.Ack
	if err := json.Unmarshal(msg.Body, &ack); err != nil {
		return herr.Wrap(herr.KindProtocol, op, err)
	}
	if !ack.OK {
		return herr.Wrap(herr.KindProtocol, op, fmt.Errorf("%s", ack.Message))
	}
	return nil
}

// RegisterChannel sends REG_REQ and waits for REG_ACK/SCHEMA_MISMATCH.
func (m *Messenger) RegisterChannel(req broker.RegRequest) error {
	msg, err := m.send(broker.TypeRegReq, req)
	if err != nil {
		return err
	}
	if msg.Type == broker.TypeSchemaMismatch {
		return herr.Wrap(herr.KindProtocol, "RegisterChannel", herr.ErrSchemaMismatch)
	}
	return ackErr("RegisterChannel", msg)
}

// Heartbeat sends HEARTBEAT_REQ. req carries the producer's own liveness
// plus, when available, the consumer heartbeat age surfaced from its
// DataBlock header (spec.md's on-demand consumer liveness reporting).
func (m *Messenger) Heartbeat(req broker.HeartbeatRequest) error {
	msg, err := m.send(broker.TypeHeartbeatReq, req)
	if err != nil {
		return err
	}
	return ackErr("Heartbeat", msg)
}

// DeregisterChannel sends DEREG_REQ.
func (m *Messenger) DeregisterChannel(channelName string, producerPID uint64) error {
	msg, err := m.send(broker.TypeDeregReq, broker.DeregRequest{ChannelName: channelName, ProducerPID: producerPID})
	if err != nil {
		return err
	}
	return ackErr("DeregisterChannel", msg)
}

// RegisterConsumer sends REGCON_REQ.
func (m *Messenger) RegisterConsumer(channelName string, consumerPID uint64, hostname string) error {
	msg, err := m.send(broker.TypeRegConReq, broker.RegConRequest{ChannelName: channelName, ConsumerPID: consumerPID, ConsumerHostname: hostname})
	if err != nil {
		return err
	}
	return ackErr("RegisterConsumer", msg)
}

// DeregisterConsumer sends DEREGCON_REQ.
func (m *Messenger) DeregisterConsumer(channelName string, consumerPID uint64) error {
	msg, err := m.send(broker.TypeDeregConReq, broker.DeregConRequest{ChannelName: channelName, ConsumerPID: consumerPID})
	if err != nil {
		return err
	}
	return ackErr("DeregisterConsumer", msg)
}

// ReportChecksumError sends the fire-and-forget REPORT_CSUM_ERROR.
func (m *Messenger) ReportChecksumError(channelName string, consumerPID, slotID uint64) error {
	_, err := m.send(broker.TypeReportChecksumError, broker.ChecksumErrorReport{
		ChannelName: channelName, ConsumerPID: consumerPID, SlotID: slotID,
	})
	return err
}

// ConnectChannel implements spec.md §4.5's discovery retry: send DISC_REQ,
// and on CHANNEL_NOT_READY (or NOT_FOUND, since the producer may not have
// registered yet) retry with geometric back-off until timeout elapses. A
// zero timeout performs exactly one attempt, per spec.md §8's boundary
// behavior.
func (m *Messenger) ConnectChannel(channelName string, timeout time.Duration) (broker.DiscAck, error) {
	deadline := time.Now().Add(timeout)
	backoff := 10 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond

	for {
		msg, err := m.send(broker.TypeDiscReq, broker.DiscRequest{ChannelName: channelName})
		if err != nil {
			return broker.DiscAck{}, err
		}

		switch msg.Type {
		case broker.TypeDiscAck:
			var ack broker.DiscAck
			if err := json.Unmarshal(msg.Body, &ack); err != nil {
				return broker.DiscAck{}, herr.Wrap(herr.KindProtocol, "ConnectChannel", err)
			}
			return ack, nil
		case broker.TypeChannelNotReady, broker.TypeNotFound:
			if timeout <= 0 || time.Now().After(deadline) {
				return broker.DiscAck{}, herr.Wrap(herr.KindTransient, "ConnectChannel", herr.ErrChannelNotReady)
			}
			remaining := time.Until(deadline)
			if backoff > remaining {
				backoff = remaining
			}
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		default:
			return broker.DiscAck{}, herr.Wrap(herr.KindProtocol, "ConnectChannel", herr.ErrChannelNotFound)
		}
	}
}

// OnChannelClosing registers a per-channel CHANNEL_CLOSING_NOTIFY callback.
func (m *Messenger) OnChannelClosing(channelName string, cb func(channel string)) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.onChannelClosing[channelName] = cb
}

// OnGlobalChannelClosing registers a fallback invoked for channels with no
// specific callback registered, per spec.md §4.5.
func (m *Messenger) OnGlobalChannelClosing(cb func(channel string)) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.globalClosing = cb
}

// OnConsumerDied registers a per-channel CONSUMER_DIED_NOTIFY callback.
func (m *Messenger) OnConsumerDied(channelName string, cb func(channel string, consumerPID uint64)) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.onConsumerDied[channelName] = cb
}

// OnChannelError registers a per-channel CHANNEL_ERROR_NOTIFY/CHANNEL_EVENT_NOTIFY callback.
func (m *Messenger) OnChannelError(channelName string, cb func(channel, reason string)) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.onChannelError[channelName] = cb
}
