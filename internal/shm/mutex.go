package shm

import (
	"sync/atomic"
	"time"
	"unsafe"
)

// MutexWord is the process-shared, robust management mutex embedded in
// every DataBlock header, per spec.md §4.1/§5: "Robust process-shared
// mutex inside each DataBlock for management operations". Go has no
// pthread_mutex_t with PTHREAD_MUTEX_ROBUST, so the primitive is rebuilt
// directly on top of an atomic word living in the mapped segment bytes —
// the same technique this package already uses for slot state words —
// plus an explicit liveness check standing in for the kernel's automatic
// "EOWNERDEAD" robust-mutex wakeup. See DESIGN.md for why this is one of
// the few places the implementation is standard-library only.
type MutexWord struct {
	// OwnerPID is 0 when unlocked, otherwise the pid currently holding
	// the mutex.
	OwnerPID uint32
	// Generation increments on every successful acquisition; used so a
	// recovered (abandoned) lock can be told apart from a fresh one.
	Generation uint32
}

// RobustMutex guards management operations (init-phase transitions, slot
// recovery) with a cross-process spinlock-with-backoff. Never taken on
// the data-path slot acquire/commit/release fast path.
type RobustMutex struct {
	word  *MutexWord
	alive func(pid int32) bool
}

// NewRobustMutex wraps the MutexWord stored at the given offset inside
// buf. alive reports whether a pid names a live process (datablock passes
// internal/hostproc.IsProcessAlive); with nil, a held lock is never stolen.
func NewRobustMutex(buf []byte, offset int, alive func(pid int32) bool) *RobustMutex {
	word := (*MutexWord)(unsafe.Pointer(&buf[offset]))
	return &RobustMutex{word: word, alive: alive}
}

// MutexWordSize is the number of bytes a MutexWord occupies in the header.
const MutexWordSize = int(unsafe.Sizeof(MutexWord{}))

func (m *RobustMutex) ownerPtr() *uint32 { return &m.word.OwnerPID }
func (m *RobustMutex) genPtr() *uint32   { return &m.word.Generation }

// TryLock attempts to acquire the mutex for pid without blocking. It
// returns (true, abandoned) on success; abandoned is true when the lock
// was stolen from a dead holder (the caller should clear any
// half-updated shared state before proceeding, per spec.md §4.1's
// "abandoned indication").
func (m *RobustMutex) TryLock(pid uint32) (ok bool, abandoned bool) {
	ownerPtr := m.ownerPtr()
	if atomic.CompareAndSwapUint32(ownerPtr, 0, pid) {
		atomic.AddUint32(m.genPtr(), 1)
		return true, false
	}

	holder := atomic.LoadUint32(ownerPtr)
	if holder == 0 {
		// Raced with another unlock; retry once more.
		if atomic.CompareAndSwapUint32(ownerPtr, 0, pid) {
			atomic.AddUint32(m.genPtr(), 1)
			return true, false
		}
		return false, false
	}

	aliveFn := m.alive
	if aliveFn == nil {
		return false, false
	}
	if aliveFn(int32(holder)) {
		return false, false
	}

	// Holder is dead: steal the lock. Robust-mutex semantics — the next
	// acquirer is told the state may be half-updated.
	if atomic.CompareAndSwapUint32(ownerPtr, holder, pid) {
		atomic.AddUint32(m.genPtr(), 1)
		return true, true
	}
	return false, false
}

// Lock blocks (with bounded exponential backoff) until the mutex is
// acquired or timeout elapses.
func (m *RobustMutex) Lock(pid uint32, timeout time.Duration) (abandoned bool, ok bool) {
	deadline := time.Now().Add(timeout)
	backoff := time.Microsecond * 50
	const maxBackoff = 5 * time.Millisecond
	for {
		if locked, ab := m.TryLock(pid); locked {
			return ab, true
		}
		if timeout > 0 && time.Now().After(deadline) {
			return false, false
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Unlock releases the mutex. Unlock is a no-op (not an error) if pid does
// not currently hold it — that case means the holder was already
// recovered by another thread's TryLock steal.
func (m *RobustMutex) Unlock(pid uint32) {
	atomic.CompareAndSwapUint32(m.ownerPtr(), pid, 0)
}

// Owner returns the current holder pid, 0 if unlocked.
func (m *RobustMutex) Owner() uint32 { return atomic.LoadUint32(m.ownerPtr()) }
