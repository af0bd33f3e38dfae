package datablock

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/Qing-LAB/pylabhub-sub002/internal/channel"
	"github.com/Qing-LAB/pylabhub-sub002/internal/herr"
	"github.com/Qing-LAB/pylabhub-sub002/internal/hostproc"
	"github.com/Qing-LAB/pylabhub-sub002/internal/shm"
)

// Config mirrors spec.md §6's per-channel creation keys that affect the
// DataBlock's byte layout and policy.
type Config struct {
	SharedSecret  uint64
	Capacity      int
	SlotBytes     int
	FlexZoneBytes int
	Policy        channel.BufferPolicy
	Sync          channel.SyncPolicy
	Checksum      channel.ChecksumEnforcement
}

// Block is one open DataBlock segment — either the producer's created
// instance or a consumer's attached instance. Both share the same
// acquire/commit/release/recover logic; only Create vs Attach differs.
type Block struct {
	seg    *shm.Segment
	cfg    Config
	mutex  *shm.RobustMutex
	alive  func(pid int32) bool

	headerOff   int
	slotMetaOff int
	slotDataOff int
	flexOff     int

	pid uint32
}

// TotalSize computes the segment size for cfg: HeaderSize() (64-byte
// aligned) + capacity*SlotMetaSize() + capacity*slot_bytes +
// flex_zone_bytes. The flex zone is not padded.
func TotalSize(cfg Config) int {
	return HeaderSize() + cfg.Capacity*SlotMetaSize() + cfg.Capacity*cfg.SlotBytes + cfg.FlexZoneBytes
}

// Create implements the producer's creation protocol (spec.md §4.1):
// allocate the segment, construct the management mutex, initialize slot
// metadata and the flex zone, then publish init_state=FullyInitialized
// last with release ordering.
func Create(name string, cfg Config, pid uint32) (*Block, error) {
	if cfg.Capacity <= 0 {
		return nil, herr.Wrap(herr.KindFatal, "datablock.Create", fmt.Errorf("capacity must be > 0"))
	}
	size := TotalSize(cfg)
	seg, err := shm.Create(name, size)
	if err != nil {
		return nil, herr.Wrap(herr.KindFatal, "datablock.Create", err)
	}

	b := newBlock(seg, cfg, pid)

	hdr := headerAt(seg.Bytes)
	atomic.StoreUint32(&hdr.InitState, uint32(StateAllocated))

	// Step: construct the management mutex in place.
	b.mutex = shm.NewRobustMutex(seg.Bytes, b.headerOff+mutexFieldOffset(), hostproc.IsProcessAlive)
	atomic.StoreUint32(&hdr.InitState, uint32(StateMutexReady))

	// Step: initialize per-slot metadata to Free and zero the flex zone.
	for i := 0; i < cfg.Capacity; i++ {
		meta := b.slotMeta(i)
		atomic.StoreUint64(&meta.SlotID, 0)
		atomic.StoreUint32(&meta.State, uint32(SlotFree))
		atomic.StoreUint32(&meta.HolderPID, 0)
		atomic.StoreUint64(&meta.HolderToken, 0)
		meta.CommittedLen = 0
	}
	for i := range seg.Bytes[b.flexOff:] {
		seg.Bytes[b.flexOff+i] = 0
	}

	// Step: write identifying fields last, then publish FullyInitialized.
	hdr.SharedSecret = cfg.SharedSecret
	hdr.Version = 1
	hdr.Capacity = uint32(cfg.Capacity)
	hdr.SlotBytes = uint32(cfg.SlotBytes)
	hdr.FlexZoneBytes = uint32(cfg.FlexZoneBytes)
	hdr.HeaderSize = uint32(HeaderSize())
	atomic.StoreUint64(&hdr.MagicNumber, MagicNumber)

	atomic.StoreUint32(&hdr.InitState, uint32(StateFullyInitialized))

	return b, nil
}

// Attach implements the consumer's attach protocol (spec.md §4.1): open
// the segment, poll init_state with bounded back-off, validate magic and
// secret, then increment active_consumer_count.
func Attach(name string, sharedSecret uint64, timeout time.Duration) (*Block, error) {
	seg, err := shm.Open(name)
	if err != nil {
		return nil, herr.Wrap(herr.KindTransient, "datablock.Attach", err)
	}

	cfg := Config{} // filled in from the header once it is readable
	b := newBlock(seg, cfg, 0)
	b.mutex = shm.NewRobustMutex(seg.Bytes, b.headerOff+mutexFieldOffset(), hostproc.IsProcessAlive)

	hdr := headerAt(seg.Bytes)

	deadline := time.Now().Add(timeout)
	backoff := time.Millisecond
	for atomic.LoadUint32(&hdr.InitState) != uint32(StateFullyInitialized) {
		if timeout > 0 && time.Now().After(deadline) {
			seg.Close()
			return nil, herr.Wrap(herr.KindTransient, "datablock.Attach", herr.ErrNotInitialized)
		}
		time.Sleep(backoff)
		if backoff < 20*time.Millisecond {
			backoff *= 2
		}
	}

	if atomic.LoadUint64(&hdr.MagicNumber) != MagicNumber {
		seg.Close()
		return nil, herr.Wrap(herr.KindIntegrity, "datablock.Attach", herr.ErrBadMagic)
	}
	if hdr.SharedSecret != sharedSecret {
		seg.Close()
		return nil, herr.Wrap(herr.KindIntegrity, "datablock.Attach", herr.ErrBadSecret)
	}

	b.cfg.Capacity = int(hdr.Capacity)
	b.cfg.SlotBytes = int(hdr.SlotBytes)
	b.cfg.FlexZoneBytes = int(hdr.FlexZoneBytes)
	b.recomputeOffsets()

	atomic.AddUint32(&hdr.ActiveConsumers, 1)
	return b, nil
}

func newBlock(seg *shm.Segment, cfg Config, pid uint32) *Block {
	b := &Block{seg: seg, cfg: cfg, pid: pid, alive: hostproc.IsProcessAlive}
	b.recomputeOffsets()
	return b
}

func (b *Block) recomputeOffsets() {
	b.headerOff = 0
	b.slotMetaOff = HeaderSize()
	b.slotDataOff = b.slotMetaOff + b.cfg.Capacity*SlotMetaSize()
	b.flexOff = b.slotDataOff + b.cfg.Capacity*b.cfg.SlotBytes
}

// mutexFieldOffset returns the byte offset of Header.Mutex within Header,
// used to construct the RobustMutex over the mapped bytes.
func mutexFieldOffset() int {
	var h Header
	return int(unsafe.Offsetof(h.Mutex))
}

func (b *Block) header() *Header { return headerAt(b.seg.Bytes) }

func (b *Block) slotMeta(idx int) *SlotMeta {
	return slotMetaAt(b.seg.Bytes, b.slotMetaOff+idx*SlotMetaSize())
}

func (b *Block) slotData(idx int) []byte {
	start := b.slotDataOff + idx*b.cfg.SlotBytes
	return b.seg.Bytes[start : start+b.cfg.SlotBytes]
}

// Capacity returns the ring's slot count.
func (b *Block) Capacity() int { return b.cfg.Capacity }

// SlotBytes returns the fixed payload stride.
func (b *Block) SlotBytes() int { return b.cfg.SlotBytes }

// ActiveConsumers returns the current active_consumer_count.
func (b *Block) ActiveConsumers() uint32 {
	return atomic.LoadUint32(&b.header().ActiveConsumers)
}

// CorruptSlot overwrites a committed slot's raw payload bytes directly,
// bypassing Commit's checksum update. Exposed for integration tests that
// simulate memory corruption or a torn write without reaching into this
// package's internals.
func (b *Block) CorruptSlot(index int, data []byte) {
	copy(b.slotData(index), data)
}

// ConfigurePolicy applies the buffer, ring-wrap and checksum-enforcement
// policy a consumer learned out of band (the broker's DISC_ACK), since
// the header itself carries no policy bits — only the producer's
// process-local Config knows them at creation time. Must be called once,
// before the first AcquireRead.
func (b *Block) ConfigurePolicy(policy channel.BufferPolicy, sync channel.SyncPolicy, checksum channel.ChecksumEnforcement) {
	b.cfg.Policy = policy
	b.cfg.Sync = sync
	b.cfg.Checksum = checksum
}

// UpdateConsumerHeartbeat stamps the header's consumer heartbeat slot with
// the calling consumer's pid and the current time, per spec.md's
// header-based consumer liveness mechanism.
func (b *Block) UpdateConsumerHeartbeat(pid uint32) {
	hdr := b.header()
	atomic.StoreInt64(&hdr.ConsumerHeartbeatNanos, time.Now().UnixNano())
	atomic.StoreUint32(&hdr.ConsumerHeartbeatPID, pid)
}

// ConsumerHeartbeat reports the pid and age of the last consumer
// heartbeat written to the header, for the producer's broker-facing side
// to surface on demand. A zero pid means no consumer has heartbeat yet.
func (b *Block) ConsumerHeartbeat() (pid uint32, age time.Duration) {
	hdr := b.header()
	pid = atomic.LoadUint32(&hdr.ConsumerHeartbeatPID)
	if pid == 0 {
		return 0, 0
	}
	nanos := atomic.LoadInt64(&hdr.ConsumerHeartbeatNanos)
	return pid, time.Since(time.Unix(0, nanos))
}

// Detach decrements active_consumer_count and closes the mapping. Call
// only from a consumer's Block (the one returned by Attach). Removing the
// segment itself is left to the producer (shm.Unlink).
func (b *Block) Detach() error {
	atomic.AddUint32(&b.header().ActiveConsumers, ^uint32(0))
	return b.seg.Close()
}

// Close tears down the producer's own mapping without unlinking — call
// shm.Unlink separately to remove the segment's name.
func (b *Block) Close() error { return b.seg.Close() }
