package datablock

import (
	"sync/atomic"
	"time"

	"github.com/Qing-LAB/pylabhub-sub002/internal/channel"
	"github.com/Qing-LAB/pylabhub-sub002/internal/herr"
)

// WriteHandle is returned by AcquireWrite and represents exclusive
// ownership of one slot until Commit or Discard releases it.
type WriteHandle struct {
	block *Block
	index int
	slotID uint64
	pid   uint32
	token uint64
}

// ReadHandle is returned by AcquireRead and represents a consumer's
// exclusive read of one committed slot until Release.
type ReadHandle struct {
	block   *Block
	index   int
	slotID  uint64
	pid     uint32
	length  int
	checksumOK bool
}

var tokenCounter uint64

func nextToken(pid uint32) uint64 {
	n := atomic.AddUint64(&tokenCounter, 1)
	return uint64(pid)<<32 | (n & 0xffffffff)
}

// AcquireWrite selects the next ring slot (write_index % capacity),
// recovers it if its holder has crashed, and transitions it Free ->
// WriteLocked for pid. Sync governs what happens when the target slot is
// not Free: Single-reader blocks until the consumer releases it or
// timeout elapses; Latest-only steals the slot immediately (the consumer
// detects the gap via its own skip-to-latest logic on next read). The
// Single and DoubleBuffer buffer policies always steal regardless of
// Sync: both exist for low-latency real-time channels where the whole
// point is that the writer never blocks on a slow consumer.
func (b *Block) AcquireWrite(pid uint32, timeout time.Duration) (*WriteHandle, error) {
	hdr := b.header()
	if atomic.LoadUint32(&hdr.InitState) != uint32(StateFullyInitialized) {
		return nil, herr.Wrap(herr.KindFatal, "AcquireWrite", herr.ErrNotInitialized)
	}

	deadline := time.Now().Add(timeout)
	backoff := time.Microsecond * 100

	for {
		wi := atomic.LoadUint64(&hdr.WriteIndex)
		idx := int(wi % uint64(b.cfg.Capacity))
		meta := b.slotMeta(idx)

		b.maybeRecover(meta, pid)

		state := SlotState(atomic.LoadUint32(&meta.State))
		switch state {
		case SlotFree:
			token := nextToken(pid)
			if atomic.CompareAndSwapUint32(&meta.State, uint32(SlotFree), uint32(SlotWriteLocked)) {
				atomic.StoreUint32(&meta.HolderPID, pid)
				atomic.StoreUint64(&meta.HolderToken, token)
				slotID := atomic.LoadUint64(&hdr.CommitIndex)
				atomic.StoreUint64(&meta.SlotID, slotID)
				atomic.StoreUint64(&hdr.WriteIndex, wi+1)
				return &WriteHandle{block: b, index: idx, slotID: slotID, pid: pid, token: token}, nil
			}
		case SlotCommitted, SlotReadLocked:
			if b.cfg.Sync == channel.LatestOnly || b.cfg.Policy == channel.PolicySingle || b.cfg.Policy == channel.PolicyDoubleBuffer {
				token := nextToken(pid)
				if atomic.CompareAndSwapUint32(&meta.State, uint32(state), uint32(SlotWriteLocked)) {
					atomic.StoreUint32(&meta.HolderPID, pid)
					atomic.StoreUint64(&meta.HolderToken, token)
					slotID := atomic.LoadUint64(&hdr.CommitIndex)
					atomic.StoreUint64(&meta.SlotID, slotID)
					atomic.StoreUint64(&hdr.WriteIndex, wi+1)
					return &WriteHandle{block: b, index: idx, slotID: slotID, pid: pid, token: token}, nil
				}
			}
			// Single-reader: fall through to backoff/retry below.
		case SlotWriteLocked:
			// Another writer (or a recovered-but-not-yet-cleared slot);
			// retry below.
		}

		if timeout > 0 && time.Now().After(deadline) {
			return nil, herr.Wrap(herr.KindTransient, "AcquireWrite", herr.ErrTimeout)
		}
		time.Sleep(backoff)
		if backoff < 2*time.Millisecond {
			backoff *= 2
		}
	}
}

// Buffer returns the mutable payload span for this write slot.
func (h *WriteHandle) Buffer() []byte { return h.block.slotData(h.index) }

// SlotID returns the slot id assigned at acquisition.
func (h *WriteHandle) SlotID() uint64 { return h.slotID }

// Index returns the zero-based ring index.
func (h *WriteHandle) Index() int { return h.index }

// Commit publishes length bytes of the slot's buffer: computes the
// checksum, transitions WriteLocked -> Committed, and advances
// commit_index by one with release semantics, per spec.md §4.1.
func (h *WriteHandle) Commit(length int) error {
	if length > h.block.cfg.SlotBytes {
		return herr.Wrap(herr.KindProtocol, "Commit", herr.ErrSizeOverflow)
	}
	meta := h.block.slotMeta(h.index)
	if atomic.LoadUint32(&meta.HolderPID) != h.pid || atomic.LoadUint64(&meta.HolderToken) != h.token {
		return herr.Wrap(herr.KindIntegrity, "Commit", herr.ErrPidMismatch)
	}

	sum := checksum(h.block.slotData(h.index)[:length])
	meta.Checksum = sum
	meta.CommittedLen = uint32(length)

	if !atomic.CompareAndSwapUint32(&meta.State, uint32(SlotWriteLocked), uint32(SlotCommitted)) {
		return herr.Wrap(herr.KindIntegrity, "Commit", herr.ErrAbandonedHolder)
	}

	hdr := h.block.header()
	atomic.StoreUint64(&hdr.CommitIndex, h.slotID+1)
	atomic.AddUint64(&hdr.CurrentSlotID, 1)
	return nil
}

// Discard abandons the write without publishing, returning the slot to
// Free. Used by the real-time-mode handler loop when a handler declines
// to commit.
func (h *WriteHandle) Discard() error {
	meta := h.block.slotMeta(h.index)
	if atomic.LoadUint32(&meta.HolderPID) != h.pid || atomic.LoadUint64(&meta.HolderToken) != h.token {
		return herr.Wrap(herr.KindIntegrity, "Discard", herr.ErrPidMismatch)
	}
	atomic.StoreUint32(&meta.HolderPID, 0)
	atomic.StoreUint64(&meta.HolderToken, 0)
	atomic.StoreUint32(&meta.State, uint32(SlotFree))
	return nil
}

// AcquireRead transitions the next committed slot Committed -> ReadLocked
// for a consumer tracking lastConsumedID locally. Sync selects the ring
// policy: Single-reader requires strictly sequential consumption (no
// skipping); Latest-only jumps ahead to commit_index-1 when the consumer
// has fallen more than capacity slots behind. The Single and DoubleBuffer
// buffer policies always jump to the newest commit as soon as the
// consumer is behind at all, since their single/double slot has likely
// already been overwritten by the time the consumer gets to it.
func (b *Block) AcquireRead(pid uint32, lastConsumedID *uint64, timeout time.Duration) (*ReadHandle, error) {
	hdr := b.header()
	if atomic.LoadUint32(&hdr.InitState) != uint32(StateFullyInitialized) {
		return nil, herr.Wrap(herr.KindFatal, "AcquireRead", herr.ErrNotInitialized)
	}

	deadline := time.Now().Add(timeout)
	backoff := time.Microsecond * 100

	for {
		commitIdx := atomic.LoadUint64(&hdr.CommitIndex)
		last := *lastConsumedID

		switch {
		case b.cfg.Policy == channel.PolicySingle || b.cfg.Policy == channel.PolicyDoubleBuffer:
			if commitIdx > 0 && last < commitIdx-1 {
				last = commitIdx - 1
			}
		case b.cfg.Sync == channel.LatestOnly:
			if commitIdx > uint64(b.cfg.Capacity) && commitIdx-last > uint64(b.cfg.Capacity) {
				last = commitIdx - 1
			}
		}

		if last >= commitIdx {
			if timeout > 0 && time.Now().After(deadline) {
				return nil, herr.Wrap(herr.KindTransient, "AcquireRead", herr.ErrTimeout)
			}
			time.Sleep(backoff)
			if backoff < 2*time.Millisecond {
				backoff *= 2
			}
			continue
		}

		candidate := last
		idx := int(candidate % uint64(b.cfg.Capacity))
		meta := b.slotMeta(idx)

		b.maybeRecover(meta, pid)

		if SlotState(atomic.LoadUint32(&meta.State)) != SlotCommitted || atomic.LoadUint64(&meta.SlotID) != candidate {
			if timeout > 0 && time.Now().After(deadline) {
				return nil, herr.Wrap(herr.KindTransient, "AcquireRead", herr.ErrNoSlot)
			}
			time.Sleep(backoff)
			continue
		}

		if !atomic.CompareAndSwapUint32(&meta.State, uint32(SlotCommitted), uint32(SlotReadLocked)) {
			continue
		}
		atomic.StoreUint32(&meta.HolderPID, pid)

		length := int(meta.CommittedLen)
		ok := true
		if b.cfg.Checksum != channel.ChecksumOff {
			sum := checksum(b.slotData(idx)[:length])
			ok = sum == meta.Checksum
		}

		*lastConsumedID = candidate + 1
		return &ReadHandle{block: b, index: idx, slotID: candidate, pid: pid, length: length, checksumOK: ok}, nil
	}
}

// Buffer returns the committed payload bytes for this read slot.
func (h *ReadHandle) Buffer() []byte { return h.block.slotData(h.index)[:h.length] }

// ChecksumValid reports whether the slot's checksum matched at acquire
// time (always true if the channel's checksum enforcement is Off).
func (h *ReadHandle) ChecksumValid() bool { return h.checksumOK }

// SlotID returns the committed slot's monotonic id.
func (h *ReadHandle) SlotID() uint64 { return h.slotID }

// Release returns the slot ReadLocked -> Free. Refuses on holder mismatch
// by returning ErrPidMismatch (it does not panic), per spec.md §4.1.
func (h *ReadHandle) Release() error {
	meta := h.block.slotMeta(h.index)
	if atomic.LoadUint32(&meta.HolderPID) != h.pid {
		return herr.Wrap(herr.KindIntegrity, "Release", herr.ErrPidMismatch)
	}
	atomic.StoreUint32(&meta.HolderPID, 0)
	atomic.StoreUint32(&meta.State, uint32(SlotFree))
	return nil
}

// maybeRecover clears a WriteLocked/ReadLocked slot whose holder pid has
// died, under the block's management mutex, per spec.md §4.1 Recovery.
// Returns true if it performed a recovery.
func (b *Block) maybeRecover(meta *SlotMeta, callerPID uint32) bool {
	state := SlotState(atomic.LoadUint32(&meta.State))
	if state != SlotWriteLocked && state != SlotReadLocked {
		return false
	}
	holder := atomic.LoadUint32(&meta.HolderPID)
	if holder == 0 || b.isAlive(holder) {
		return false
	}

	_, ok := b.mutex.Lock(callerPID, 200*time.Millisecond)
	if !ok {
		return false
	}
	defer b.mutex.Unlock(callerPID)

	// Re-check under the mutex: another thread may have already
	// recovered this slot.
	state = SlotState(atomic.LoadUint32(&meta.State))
	holder = atomic.LoadUint32(&meta.HolderPID)
	if (state != SlotWriteLocked && state != SlotReadLocked) || holder == 0 || b.isAlive(holder) {
		return false
	}

	atomic.StoreUint32(&meta.HolderPID, 0)
	atomic.StoreUint64(&meta.HolderToken, 0)
	atomic.StoreUint32(&meta.State, uint32(SlotFree))
	return true
}

func (b *Block) isAlive(pid uint32) bool {
	return b.alive(int32(pid))
}
