package shm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRobustMutex_BasicLockUnlock(t *testing.T) {
	buf := make([]byte, MutexWordSize)
	m := NewRobustMutex(buf, 0, nil)

	ok, ab := m.TryLock(100)
	require.True(t, ok)
	assert.False(t, ab)
	assert.Equal(t, uint32(100), m.Owner())

	ok, _ = m.TryLock(200)
	assert.False(t, ok, "second holder must not acquire while pid 100 holds it")

	m.Unlock(100)
	assert.Equal(t, uint32(0), m.Owner())

	ok, ab = m.TryLock(200)
	require.True(t, ok)
	assert.False(t, ab)
}

func TestRobustMutex_RecoversFromDeadHolder(t *testing.T) {
	buf := make([]byte, MutexWordSize)
	dead := map[uint32]bool{111: true}
	alive := func(pid int32) bool { return !dead[uint32(pid)] }

	m := NewRobustMutex(buf, 0, alive)

	ok, ab := m.TryLock(111)
	require.True(t, ok)
	assert.False(t, ab)

	// pid 111 "crashes" without unlocking; a new acquirer should steal
	// the lock and be told it was abandoned.
	ok, ab = m.TryLock(222)
	require.True(t, ok)
	assert.True(t, ab)
	assert.Equal(t, uint32(222), m.Owner())
}

func TestRobustMutex_LockTimesOutWhenHeldByLiveHolder(t *testing.T) {
	buf := make([]byte, MutexWordSize)
	m := NewRobustMutex(buf, 0, func(pid int32) bool { return true })

	ok, _ := m.TryLock(1)
	require.True(t, ok)

	start := time.Now()
	ab, ok := m.Lock(2, 20*time.Millisecond)
	assert.False(t, ok)
	assert.False(t, ab)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
