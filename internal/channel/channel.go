// Package channel defines the wire-shared data model from spec.md §3:
// Channel, ConsumerEntry, ChannelPattern and the buffer/ring policies a
// channel's DataBlock enforces. Producer, Consumer, Broker and Messenger
// all import this package so the broker's JSON wire format and the
// DataBlock's in-memory policy enums never drift apart.
package channel

import "time"

// Pattern is the P2C socket topology a channel uses, per spec.md §3/§6.
type Pattern string

const (
	PatternPubSub Pattern = "pubsub"
	PatternPipeline Pattern = "pipeline"
	PatternBidir    Pattern = "bidir"
)

// Status is a channel's broker-side lifecycle state, per spec.md §3/§4.4.
type Status string

const (
	StatusPendingReady Status = "pending_ready"
	StatusReady        Status = "ready"
	StatusClosing      Status = "closing"
)

// BufferPolicy selects the DataBlock's slot management strategy. RingBuffer
// is the policy spec.md documents in depth; Single and DoubleBuffer are
// supplemented from original_source/cpp/src/include/utils/data_block.hpp
// as capacity-driven special cases of the same acquire/commit/release state
// machine (capacity 1 and 2 respectively) — see SPEC_FULL.md §3.1.
type BufferPolicy string

const (
	PolicySingle       BufferPolicy = "single"
	PolicyDoubleBuffer BufferPolicy = "double_buffer"
	PolicyRingBuffer   BufferPolicy = "ring_buffer"
)

// SyncPolicy is the ring-wrap behavior consumers are held to.
type SyncPolicy string

const (
	SingleReader SyncPolicy = "single_reader"
	LatestOnly   SyncPolicy = "latest_only"
)

// ChecksumEnforcement is a channel's slot-checksum validation policy.
type ChecksumEnforcement string

const (
	ChecksumStrict ChecksumEnforcement = "strict"
	ChecksumPass   ChecksumEnforcement = "pass"
	ChecksumOff    ChecksumEnforcement = "off"
)

// Schema identifies the payload layout a channel's producer commits to.
// schema_hash is a 32-byte digest per spec.md §3; we carry it hex-encoded
// on the wire (64 chars), matching original_source's ChannelEntry.schema_hash.
type Schema struct {
	Hash    [32]byte `json:"-"`
	HashHex string   `json:"schema_hash"`
	Version uint32   `json:"schema_version"`
}

// ConsumerEntry is held inside a Channel per spec.md §3.
type ConsumerEntry struct {
	ConsumerPID      uint64 `json:"consumer_pid"`
	ConsumerHostname string `json:"consumer_hostname"`
	// ZMQIdentity is the broker-facing ZMQ ROUTER identity bytes, captured
	// at first contact (REGCON_REQ), used to push unsolicited NOTIFYs.
	ZMQIdentity string `json:"-"`
}

// Channel is the unit of discovery, per spec.md §3.
type Channel struct {
	Name             string
	Schema           Schema
	ProducerPID      uint64
	ProducerHostname string
	HasSharedMemory  bool
	Pattern          Pattern
	ProducerCtrlEndpoint string
	ProducerDataEndpoint string
	ProducerPublicKey    string // CurveZMQ Z85 public key

	Policy     BufferPolicy
	Sync       SyncPolicy
	Checksum   ChecksumEnforcement
	Capacity   int
	SlotBytes  int
	FlexZoneBytes int

	Status        Status
	LastHeartbeat time.Time

	Consumers []ConsumerEntry

	// ProducerZMQIdentity is the broker ROUTER identity captured from
	// REG_REQ, used to push CHANNEL_ERROR_NOTIFY/CHANNEL_EVENT_NOTIFY back
	// to the producer.
	ProducerZMQIdentity string
}

// SameSchema reports whether other has the identical schema hash,
// governing spec.md's idempotent re-registration law.
func (c Channel) SameSchema(other Schema) bool {
	return c.Schema.HashHex == other.HashHex
}
