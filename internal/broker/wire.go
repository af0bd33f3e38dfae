package broker

// Message type strings, per spec.md §4.4/§6 exactly — the broker's
// protocol types are wire constants, not implementation detail.
const (
	TypeRegReq        = "REG_REQ"
	TypeRegAck        = "REG_ACK"
	TypeSchemaMismatch = "SCHEMA_MISMATCH"

	TypeHeartbeatReq = "HEARTBEAT_REQ"
	TypeHeartbeatAck = "HEARTBEAT_ACK"

	TypeDiscReq         = "DISC_REQ"
	TypeDiscAck         = "DISC_ACK"
	TypeChannelNotReady = "CHANNEL_NOT_READY"
	TypeNotFound        = "NOT_FOUND"

	TypeRegConReq = "REGCON_REQ"
	TypeRegConAck = "REGCON_ACK"

	TypeDeregConReq = "DEREGCON_REQ"
	TypeDeregConAck = "DEREGCON_ACK"

	TypeDeregReq = "DEREG_REQ"
	TypeDeregAck = "DEREG_ACK"

	TypeReportChecksumError = "REPORT_CSUM_ERROR"

	TypeChannelClosingNotify = "CHANNEL_CLOSING_NOTIFY"
	TypeConsumerDiedNotify   = "CONSUMER_DIED_NOTIFY"
	TypeChannelErrorNotify   = "CHANNEL_ERROR_NOTIFY"
	TypeChannelEventNotify   = "CHANNEL_EVENT_NOTIFY"
)

// RegRequest is the REG_REQ body.
type RegRequest struct {
	ChannelName      string `json:"channel_name"`
	SchemaHash       string `json:"schema_hash"`
	SchemaVersion    uint32 `json:"schema_version"`
	ProducerPID      uint64 `json:"producer_pid"`
	ProducerHostname string `json:"producer_hostname"`
	HasSharedMemory  bool   `json:"has_shared_memory"`
	Pattern          string `json:"pattern"`
	CtrlEndpoint     string `json:"ctrl_endpoint"`
	DataEndpoint     string `json:"data_endpoint"`
	PublicKey        string `json:"public_key"`
	Policy           string `json:"policy"`
	Sync             string `json:"sync"`
	Checksum         string `json:"checksum"`
	Capacity         int    `json:"capacity"`
	SlotBytes        int    `json:"slot_bytes"`
	FlexZoneBytes    int    `json:"flex_zone_bytes"`
}

// Ack is the common success/error envelope every broker reply carries,
// per spec.md §7's "Broker/Messenger replies always carry a success
// boolean and an optional error message".
type Ack struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// HeartbeatRequest is the HEARTBEAT_REQ body. ConsumerHeartbeatPID/
// ConsumerHeartbeatAgeMS surface the DataBlock header's consumer
// heartbeat slot up to the broker on demand, per spec.md's consumer
// liveness mechanism; both are zero when no consumer has attached yet.
type HeartbeatRequest struct {
	ChannelName            string `json:"channel_name"`
	ProducerPID            uint64 `json:"producer_pid"`
	ConsumerHeartbeatPID   uint64 `json:"consumer_heartbeat_pid,omitempty"`
	ConsumerHeartbeatAgeMS int64  `json:"consumer_heartbeat_age_ms,omitempty"`
}

// DiscRequest is the DISC_REQ body.
type DiscRequest struct {
	ChannelName string `json:"channel_name"`
}

// DiscAck is the DISC_ACK body: everything a consumer needs to attach.
type DiscAck struct {
	Ack
	ChannelName          string `json:"channel_name"`
	SchemaHash           string `json:"schema_hash"`
	SchemaVersion        uint32 `json:"schema_version"`
	HasSharedMemory      bool   `json:"has_shared_memory"`
	Pattern              string `json:"pattern"`
	ProducerCtrlEndpoint string `json:"producer_ctrl_endpoint"`
	ProducerDataEndpoint string `json:"producer_data_endpoint"`
	ProducerPublicKey    string `json:"producer_public_key"`
	Policy               string `json:"policy"`
	Sync                 string `json:"sync"`
	Checksum             string `json:"checksum"`
	Capacity             int    `json:"capacity"`
	SlotBytes            int    `json:"slot_bytes"`
	FlexZoneBytes        int    `json:"flex_zone_bytes"`
}

// RegConRequest is the REGCON_REQ body.
type RegConRequest struct {
	ChannelName      string `json:"channel_name"`
	ConsumerPID      uint64 `json:"consumer_pid"`
	ConsumerHostname string `json:"consumer_hostname"`
}

// DeregConRequest is the DEREGCON_REQ body.
type DeregConRequest struct {
	ChannelName string `json:"channel_name"`
	ConsumerPID uint64 `json:"consumer_pid"`
}

// DeregRequest is the DEREG_REQ body.
type DeregRequest struct {
	ChannelName string `json:"channel_name"`
	ProducerPID uint64 `json:"producer_pid"`
}

// ChecksumErrorReport is the REPORT_CSUM_ERROR body (no reply expected).
type ChecksumErrorReport struct {
	ChannelName string `json:"channel_name"`
	ConsumerPID uint64 `json:"consumer_pid"`
	SlotID      uint64 `json:"slot_id"`
}

// ClosingNotify is the CHANNEL_CLOSING_NOTIFY / CONSUMER_DIED_NOTIFY /
// CHANNEL_ERROR_NOTIFY / CHANNEL_EVENT_NOTIFY body.
type ClosingNotify struct {
	ChannelName string `json:"channel_name"`
	Reason      string `json:"reason,omitempty"`
	ConsumerPID uint64 `json:"consumer_pid,omitempty"`
}
