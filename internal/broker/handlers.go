package broker

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Qing-LAB/pylabhub-sub002/internal/channel"
	"github.com/Qing-LAB/pylabhub-sub002/internal/zmqutil"
)

func marshalNotify(v any) ([]byte, error) { return json.Marshal(v) }

// dispatch routes one decoded ctrl message to its handler and writes the
// reply, per spec.md §4.4's request/reply table. REPORT_CSUM_ERROR gets no
// reply: handleChecksumReport logs it, counts it and forwards a
// CHANNEL_ERROR_NOTIFY to the channel's producer.
func (b *Broker) dispatch(msg zmqutil.Message) {
	reqID := uuid.NewString()
	b.log.Debug("request received", zap.String("request_id", reqID), zap.String("type", msg.Type), zap.String("identity", msg.Identity))

	switch msg.Type {
	case TypeRegReq:
		b.handleRegReq(msg)
	case TypeHeartbeatReq:
		b.handleHeartbeatReq(msg)
	case TypeDiscReq:
		b.handleDiscReq(msg)
	case TypeRegConReq:
		b.handleRegConReq(msg)
	case TypeDeregConReq:
		b.handleDeregConReq(msg)
	case TypeDeregReq:
		b.handleDeregReq(msg)
	case TypeReportChecksumError:
		b.handleChecksumReport(msg)
	default:
		b.log.Warn("unknown request type", zap.String("type", msg.Type), zap.String("identity", msg.Identity))
		b.reply(msg.Identity, TypeRegAck, Ack{OK: false, Message: fmt.Sprintf("unknown type %q", msg.Type)})
	}
}

func (b *Broker) reply(identity, msgType string, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		b.log.Error("marshal reply failed", zap.Error(err))
		return
	}
	if err := zmqutil.SendTo(b.sock, identity, msgType, data); err != nil {
		b.log.Warn("send reply failed", zap.String("identity", identity), zap.Error(err))
	}
}

func (b *Broker) handleRegReq(msg zmqutil.Message) {
	if b.guard != nil {
		if !b.guard.AllowRegister() {
			b.reply(msg.Identity, TypeRegAck, Ack{OK: false, Message: "rate limited"})
			return
		}
		if reject, reason := b.guard.ShouldRejectForLoad(); reject {
			b.reply(msg.Identity, TypeRegAck, Ack{OK: false, Message: reason})
			return
		}
	}

	var req RegRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		b.reply(msg.Identity, TypeRegAck, Ack{OK: false, Message: "malformed json"})
		return
	}

	entry := channel.Channel{
		Name:                 req.ChannelName,
		Schema:               channel.Schema{HashHex: req.SchemaHash, Version: req.SchemaVersion},
		ProducerPID:          req.ProducerPID,
		ProducerHostname:     req.ProducerHostname,
		HasSharedMemory:      req.HasSharedMemory,
		Pattern:              channel.Pattern(req.Pattern),
		ProducerCtrlEndpoint: req.CtrlEndpoint,
		ProducerDataEndpoint: req.DataEndpoint,
		ProducerPublicKey:    req.PublicKey,
		Policy:               channel.BufferPolicy(req.Policy),
		Sync:                 channel.SyncPolicy(req.Sync),
		Checksum:             channel.ChecksumEnforcement(req.Checksum),
		Capacity:             req.Capacity,
		SlotBytes:            req.SlotBytes,
		FlexZoneBytes:        req.FlexZoneBytes,
		Status:               channel.StatusPendingReady,
		ProducerZMQIdentity:  msg.Identity,
	}

	if !b.registry.Register(req.ChannelName, entry) {
		if b.metrics != nil {
			b.metrics.SchemaMismatch.Inc()
		}
		b.reply(msg.Identity, TypeSchemaMismatch, Ack{OK: false, Message: "schema_hash mismatch on re-registration"})
		return
	}

	if b.metrics != nil {
		b.metrics.RegRequests.Inc()
		b.metrics.ChannelsRegistered.Set(float64(b.registry.Size()))
	}
	b.log.Info("channel registered", zap.String("channel", req.ChannelName), zap.Uint64("producer_pid", req.ProducerPID))
	b.reply(msg.Identity, TypeRegAck, Ack{OK: true})
}

func (b *Broker) handleHeartbeatReq(msg zmqutil.Message) {
	if b.guard != nil {
		if !b.guard.AllowHeartbeat() {
			b.reply(msg.Identity, TypeHeartbeatAck, Ack{OK: false, Message: "rate limited"})
			return
		}
		if reject, reason := b.guard.ShouldRejectForLoad(); reject {
			b.reply(msg.Identity, TypeHeartbeatAck, Ack{OK: false, Message: reason})
			return
		}
	}

	var req HeartbeatRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		b.reply(msg.Identity, TypeHeartbeatAck, Ack{OK: false, Message: "malformed json"})
		return
	}

	if !b.registry.UpdateHeartbeat(req.ChannelName) {
		b.reply(msg.Identity, TypeHeartbeatAck, Ack{OK: false, Message: "channel not found"})
		return
	}
	if req.ConsumerHeartbeatPID != 0 {
		b.log.Debug("consumer heartbeat surfaced",
			zap.String("channel", req.ChannelName),
			zap.Uint64("consumer_pid", req.ConsumerHeartbeatPID),
			zap.Int64("age_ms", req.ConsumerHeartbeatAgeMS))
	}
	if b.metrics != nil {
		b.metrics.HeartbeatAcks.Inc()
	}
	b.reply(msg.Identity, TypeHeartbeatAck, Ack{OK: true})
}

func (b *Broker) handleDiscReq(msg zmqutil.Message) {
	var req DiscRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		b.reply(msg.Identity, TypeNotFound, Ack{OK: false, Message: "malformed json"})
		return
	}

	ch, ok := b.registry.Find(req.ChannelName)
	if !ok {
		b.reply(msg.Identity, TypeNotFound, Ack{OK: false, Message: "channel not found"})
		return
	}
	if ch.Status != channel.StatusReady {
		b.reply(msg.Identity, TypeChannelNotReady, Ack{OK: false, Message: "channel not ready"})
		return
	}

	b.reply(msg.Identity, TypeDiscAck, DiscAck{
		Ack:                  Ack{OK: true},
		ChannelName:          ch.Name,
		SchemaHash:           ch.Schema.HashHex,
		SchemaVersion:        ch.Schema.Version,
		HasSharedMemory:      ch.HasSharedMemory,
		Pattern:              string(ch.Pattern),
		ProducerCtrlEndpoint: ch.ProducerCtrlEndpoint,
		ProducerDataEndpoint: ch.ProducerDataEndpoint,
		ProducerPublicKey:    ch.ProducerPublicKey,
		Policy:               string(ch.Policy),
		Sync:                 string(ch.Sync),
		Checksum:             string(ch.Checksum),
		Capacity:             ch.Capacity,
		SlotBytes:            ch.SlotBytes,
		FlexZoneBytes:        ch.FlexZoneBytes,
	})
}

func (b *Broker) handleRegConReq(msg zmqutil.Message) {
	var req RegConRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		b.reply(msg.Identity, TypeRegConAck, Ack{OK: false, Message: "malformed json"})
		return
	}

	ok := b.registry.RegisterConsumer(req.ChannelName, channel.ConsumerEntry{
		ConsumerPID:      req.ConsumerPID,
		ConsumerHostname: req.ConsumerHostname,
		ZMQIdentity:      msg.Identity,
	})
	if !ok {
		b.reply(msg.Identity, TypeRegConAck, Ack{OK: false, Message: "channel not found"})
		return
	}
	if b.metrics != nil {
		b.metrics.ConsumersAttached.Set(float64(countConsumers(b.registry)))
	}
	b.reply(msg.Identity, TypeRegConAck, Ack{OK: true})
}

func (b *Broker) handleDeregConReq(msg zmqutil.Message) {
	var req DeregConRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		b.reply(msg.Identity, TypeDeregConAck, Ack{OK: false, Message: "malformed json"})
		return
	}

	ok := b.registry.DeregisterConsumer(req.ChannelName, req.ConsumerPID)
	if b.metrics != nil {
		b.metrics.ConsumersAttached.Set(float64(countConsumers(b.registry)))
	}
	b.reply(msg.Identity, TypeDeregConAck, Ack{OK: ok})
}

func (b *Broker) handleDeregReq(msg zmqutil.Message) {
	var req DeregRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		b.reply(msg.Identity, TypeDeregAck, Ack{OK: false, Message: "malformed json"})
		return
	}

	ch, ok := b.registry.Find(req.ChannelName)
	if ok {
		b.notifyConsumers(ch, TypeChannelClosingNotify, "producer stopped")
	}

	if !b.registry.Deregister(req.ChannelName, req.ProducerPID) {
		b.reply(msg.Identity, TypeDeregAck, Ack{OK: false, Message: "channel not found or pid mismatch"})
		return
	}
	if b.metrics != nil {
		b.metrics.ChannelsRegistered.Set(float64(b.registry.Size()))
	}
	b.reply(msg.Identity, TypeDeregAck, Ack{OK: true})
}

func (b *Broker) handleChecksumReport(msg zmqutil.Message) {
	var report ChecksumErrorReport
	if err := json.Unmarshal(msg.Body, &report); err != nil {
		b.log.Warn("malformed REPORT_CSUM_ERROR", zap.Error(err))
		return
	}
	if b.metrics != nil {
		b.metrics.ChecksumFailures.Inc()
	}
	b.log.Warn("slot checksum error reported",
		zap.String("channel", report.ChannelName),
		zap.Uint64("consumer_pid", report.ConsumerPID),
		zap.Uint64("slot_id", report.SlotID))

	if ch, ok := b.registry.Find(report.ChannelName); ok {
		b.notifyProducer(ch, TypeChannelErrorNotify, "consumer reported checksum error")
	}
}

func countConsumers(r *channel.Registry) int {
	total := 0
	for _, c := range r.All() {
		total += len(c.Consumers)
	}
	return total
}
