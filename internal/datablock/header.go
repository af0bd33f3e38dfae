// Package datablock implements spec.md §4.1: a cross-process ring of
// fixed-stride slots plus a shared flex zone, guarded by a robust
// management mutex, with per-slot acquisition state, checksums and crash
// recovery. It is the hardest ~35% of the hub, per SPEC_FULL.md's budget
// table, and is built directly on internal/shm's mapped-segment and
// robust-mutex primitives.
package datablock

import (
	"encoding/binary"
	"unsafe"

	"github.com/Qing-LAB/pylabhub-sub002/internal/shm"
)

// MagicNumber is the 64-bit constant "PLHDB01\0" (ASCII) identifying a
// pylabhub DataBlock segment and encoding the header version, per
// spec.md §6.
var MagicNumber = binary.LittleEndian.Uint64([]byte("PLHDB01\x00"))

// InitState is the three-phase creation gate from spec.md §4.1.
type InitState uint32

const (
	StateAllocated       InitState = 0
	StateMutexReady      InitState = 1
	StateFullyInitialized InitState = 2
)

// Header is mapped directly onto the first HeaderSize bytes of the
// segment via unsafe.Pointer — it must stay a flat, pointer-free struct
// so it remains valid shared-memory layout across processes.
type Header struct {
	MagicNumber   uint64
	SharedSecret  uint64
	Version       uint32
	HeaderSize    uint32
	InitState     uint32 // atomic: InitState
	ActiveConsumers uint32 // atomic

	WriteIndex    uint64 // atomic; producer-owned
	CommitIndex   uint64 // atomic; producer-owned, release semantics
	CurrentSlotID uint64 // atomic; monotonic slot id counter

	// ConsumerHeartbeatNanos/ConsumerHeartbeatPID are the consumer
	// liveness slot from spec.md: the consumer stamps these periodically,
	// and the producer's broker-facing side reports them up on demand
	// (see Block.ConsumerHeartbeat).
	ConsumerHeartbeatNanos int64  // atomic; UnixNano of last consumer heartbeat
	ConsumerHeartbeatPID   uint32 // atomic; pid that wrote it
	_pad2                  uint32

	Capacity      uint32
	SlotBytes     uint32
	FlexZoneBytes uint32
	_pad0         uint32

	FlexZoneChecksum [32]byte

	Mutex shm.MutexWord
	_pad1 [4]byte
}

// HeaderSize is sizeof(Header), rounded up to a 64-byte boundary so the
// slot metadata table that follows it stays cache-line aligned.
func HeaderSize() int {
	raw := int(unsafe.Sizeof(Header{}))
	const align = 64
	return (raw + align - 1) / align * align
}

// headerAt casts the first HeaderSize bytes of buf to *Header. Callers
// must ensure buf is at least HeaderSize() bytes.
func headerAt(buf []byte) *Header {
	return (*Header)(unsafe.Pointer(&buf[0]))
}
