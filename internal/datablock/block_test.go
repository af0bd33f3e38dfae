package datablock

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Qing-LAB/pylabhub-sub002/internal/channel"
	"github.com/Qing-LAB/pylabhub-sub002/internal/herr"
	"github.com/Qing-LAB/pylabhub-sub002/internal/shm"
)

func testChannelName(t *testing.T) string {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return fmt.Sprintf("test.%s.%d", name, time.Now().UnixNano())
}

func newTestBlock(t *testing.T, cfg Config) (*Block, string) {
	t.Helper()
	name := testChannelName(t)
	if cfg.Capacity == 0 {
		cfg.Capacity = 4
	}
	if cfg.SlotBytes == 0 {
		cfg.SlotBytes = 64
	}
	if cfg.Checksum == "" {
		cfg.Checksum = channel.ChecksumStrict
	}
	if cfg.Sync == "" {
		cfg.Sync = channel.SingleReader
	}
	b, err := Create(name, cfg, 1000)
	require.NoError(t, err)
	t.Cleanup(func() {
		b.Close()
		shm.Unlink(name)
	})
	return b, name
}

func TestBlock_CreateAttachRoundTrip(t *testing.T) {
	b, name := newTestBlock(t, Config{Capacity: 4, SlotBytes: 64})
	assert.Equal(t, 4, b.Capacity())
	assert.Equal(t, 64, b.SlotBytes())

	consumer, err := Attach(name, 0, time.Second)
	require.NoError(t, err)
	defer consumer.Detach()

	assert.Equal(t, 4, consumer.Capacity())
	assert.Equal(t, 64, consumer.SlotBytes())
	assert.Equal(t, uint32(1), b.ActiveConsumers())

	require.NoError(t, consumer.Detach())
	assert.Equal(t, uint32(0), b.ActiveConsumers())
}

func TestBlock_AttachRejectsBadSecret(t *testing.T) {
	b, name := newTestBlock(t, Config{SharedSecret: 42})
	_ = b

	_, err := Attach(name, 99, time.Second)
	require.Error(t, err)
	assert.True(t, herr.Is(err, herr.KindIntegrity))
}

func TestBlock_WriteCommitReadRelease_RoundTrip(t *testing.T) {
	b, _ := newTestBlock(t, Config{Capacity: 4, SlotBytes: 64})

	wh, err := b.AcquireWrite(1000, time.Second)
	require.NoError(t, err)
	payload := []byte("hello pylabhub")
	copy(wh.Buffer(), payload)
	require.NoError(t, wh.Commit(len(payload)))

	var lastID uint64
	rh, err := b.AcquireRead(2000, &lastID, time.Second)
	require.NoError(t, err)
	assert.True(t, rh.ChecksumValid())
	assert.Equal(t, payload, rh.Buffer())
	assert.Equal(t, uint64(1), lastID)
	require.NoError(t, rh.Release())
}

func TestBlock_SlotIDMonotonic(t *testing.T) {
	b, _ := newTestBlock(t, Config{Capacity: 2, SlotBytes: 16, Sync: channel.SingleReader})

	var lastID uint64
	for i := 0; i < 5; i++ {
		wh, err := b.AcquireWrite(1000, time.Second)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), wh.SlotID())
		require.NoError(t, wh.Commit(0))

		rh, err := b.AcquireRead(2000, &lastID, time.Second)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), rh.SlotID())
		require.NoError(t, rh.Release())
	}
}

func TestBlock_SingleReaderBlocksWhenFull(t *testing.T) {
	b, _ := newTestBlock(t, Config{Capacity: 1, SlotBytes: 16, Sync: channel.SingleReader})

	wh, err := b.AcquireWrite(1000, time.Second)
	require.NoError(t, err)
	require.NoError(t, wh.Commit(0))

	_, err = b.AcquireWrite(1000, 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, herr.Is(err, herr.KindTransient))
}

func TestBlock_LatestOnlyStealsWhenFull(t *testing.T) {
	b, _ := newTestBlock(t, Config{Capacity: 1, SlotBytes: 16, Sync: channel.LatestOnly})

	wh, err := b.AcquireWrite(1000, time.Second)
	require.NoError(t, err)
	require.NoError(t, wh.Commit(0))

	wh2, err := b.AcquireWrite(1000, 50*time.Millisecond)
	require.NoError(t, err, "latest_only must steal a Committed slot instead of blocking")
	require.NoError(t, wh2.Commit(0))
}

func TestBlock_CrashRecoveryOnDeadWriter(t *testing.T) {
	b, _ := newTestBlock(t, Config{Capacity: 1, SlotBytes: 16, Sync: channel.SingleReader})

	// Simulate pid 5555 acquiring the only slot and crashing before commit.
	deadPID := uint32(5555)
	_, err := b.AcquireWrite(deadPID, time.Second)
	require.NoError(t, err)

	b.alive = func(pid int32) bool { return pid != int32(deadPID) }

	wh, err := b.AcquireWrite(1000, time.Second)
	require.NoError(t, err, "a dead writer's slot must be recovered, not block forever")
	require.NoError(t, wh.Commit(0))
}

func TestBlock_CommitRejectsOversizePayload(t *testing.T) {
	b, _ := newTestBlock(t, Config{Capacity: 2, SlotBytes: 8})

	wh, err := b.AcquireWrite(1000, time.Second)
	require.NoError(t, err)
	err = wh.Commit(9)
	require.Error(t, err)
	assert.True(t, herr.Is(err, herr.KindProtocol))
}

func TestBlock_ChecksumFailureDetected(t *testing.T) {
	b, _ := newTestBlock(t, Config{Capacity: 2, SlotBytes: 16, Checksum: channel.ChecksumStrict})

	wh, err := b.AcquireWrite(1000, time.Second)
	require.NoError(t, err)
	copy(wh.Buffer(), []byte("original"))
	require.NoError(t, wh.Commit(8))

	// Corrupt the committed bytes directly, simulating memory corruption
	// or a torn write, without going through Commit's checksum update.
	copy(b.slotData(wh.Index()), []byte("corrupt!"))

	var lastID uint64
	rh, err := b.AcquireRead(2000, &lastID, time.Second)
	require.NoError(t, err)
	assert.False(t, rh.ChecksumValid())
}

func TestBlock_SinglePolicyAlwaysStealsAndReadsLatest(t *testing.T) {
	b, _ := newTestBlock(t, Config{Capacity: 1, SlotBytes: 16, Policy: channel.PolicySingle, Sync: channel.SingleReader})

	wh, err := b.AcquireWrite(1000, time.Second)
	require.NoError(t, err)
	copy(wh.Buffer(), []byte("v1"))
	require.NoError(t, wh.Commit(2))

	// Single-reader sync would normally block here; PolicySingle must
	// steal the committed slot immediately regardless of Sync.
	wh2, err := b.AcquireWrite(1000, 50*time.Millisecond)
	require.NoError(t, err, "single buffer policy must overwrite without waiting for a reader")
	copy(wh2.Buffer(), []byte("v2"))
	require.NoError(t, wh2.Commit(2))

	var lastID uint64
	rh, err := b.AcquireRead(2000, &lastID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(rh.Buffer()), "single buffer policy must always deliver the newest commit")
}

func TestBlock_DoubleBufferPolicyAlwaysReadsLatest(t *testing.T) {
	b, _ := newTestBlock(t, Config{Capacity: 2, SlotBytes: 16, Policy: channel.PolicyDoubleBuffer, Sync: channel.SingleReader})

	for i := 0; i < 3; i++ {
		wh, err := b.AcquireWrite(1000, time.Second)
		require.NoError(t, err)
		copy(wh.Buffer(), []byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, wh.Commit(2))
	}

	var lastID uint64
	rh, err := b.AcquireRead(2000, &lastID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(rh.Buffer()), "double buffer policy must skip stale commits to the newest one")
}

func TestBlock_ConsumerHeartbeat(t *testing.T) {
	b, _ := newTestBlock(t, Config{Capacity: 2, SlotBytes: 16})

	pid, age := b.ConsumerHeartbeat()
	assert.Equal(t, uint32(0), pid, "no heartbeat written yet")
	assert.Zero(t, age)

	b.UpdateConsumerHeartbeat(4242)
	pid, age = b.ConsumerHeartbeat()
	assert.Equal(t, uint32(4242), pid)
	assert.GreaterOrEqual(t, age, time.Duration(0))
	assert.Less(t, age, time.Second)
}

func TestBlock_FlexZoneContentEqualityAcceptance(t *testing.T) {
	b, _ := newTestBlock(t, Config{Capacity: 2, SlotBytes: 16, FlexZoneBytes: 32})

	require.NoError(t, b.WriteFlexZone(1000, []byte("state-v1")))
	snap := b.AcceptSnapshot()
	assert.True(t, snap.IsAccepted(b))

	require.NoError(t, b.WriteFlexZone(1000, []byte("state-v2")))
	assert.False(t, snap.IsAccepted(b), "changed content must not be accepted")

	// Roll back to the original bytes: content equality must accept this
	// even though the digest was recomputed in between.
	require.NoError(t, b.WriteFlexZone(1000, []byte("state-v1")))
	assert.True(t, snap.IsAccepted(b), "bit-identical rollback must be accepted")
}
