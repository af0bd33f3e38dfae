package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_IdempotentReRegistration(t *testing.T) {
	r := NewRegistry()

	schemaA := Schema{HashHex: "00000000000000000000000000000000000000000000000000000000000000"}
	schemaB := Schema{HashHex: "11111111111111111111111111111111111111111111111111111111111111"}

	ok := r.Register("t.schema", Channel{Name: "t.schema", Schema: schemaA, ProducerPID: 1})
	require.True(t, ok)

	r.RegisterConsumer("t.schema", ConsumerEntry{ConsumerPID: 99})

	ok = r.Register("t.schema", Channel{Name: "t.schema", Schema: schemaB, ProducerPID: 2})
	assert.False(t, ok, "differing schema_hash must be rejected")

	c, found := r.Find("t.schema")
	require.True(t, found)
	assert.Equal(t, uint64(1), c.ProducerPID, "first registration must be untouched")
	assert.Len(t, c.Consumers, 1, "consumer list survives a rejected re-registration")

	ok = r.Register("t.schema", Channel{Name: "t.schema", Schema: schemaA, ProducerPID: 3})
	assert.True(t, ok, "identical schema_hash re-registration succeeds")

	c, _ = r.Find("t.schema")
	assert.Equal(t, uint64(3), c.ProducerPID, "re-registration updates producer pid")
	assert.Len(t, c.Consumers, 1, "consumer list preserved across re-registration")
}

func TestRegistry_HeartbeatMonotonicity(t *testing.T) {
	r := NewRegistry()
	r.Register("t.hb", Channel{Name: "t.hb", Status: StatusPendingReady})

	r.UpdateHeartbeat("t.hb")
	c1, _ := r.Find("t.hb")
	assert.Equal(t, StatusReady, c1.Status, "first heartbeat promotes PendingReady to Ready")

	time.Sleep(time.Millisecond)
	r.UpdateHeartbeat("t.hb")
	c2, _ := r.Find("t.hb")
	assert.True(t, !c2.LastHeartbeat.Before(c1.LastHeartbeat))
}

func TestRegistry_DeregisterRequiresMatchingPID(t *testing.T) {
	r := NewRegistry()
	r.Register("t.dereg", Channel{Name: "t.dereg", ProducerPID: 7})

	assert.False(t, r.Deregister("t.dereg", 8), "wrong pid must not deregister")
	assert.True(t, r.Deregister("t.dereg", 7))
	_, found := r.Find("t.dereg")
	assert.False(t, found)
}

func TestRegistry_FindTimedOut(t *testing.T) {
	r := NewRegistry()
	r.Register("t.timeout", Channel{Name: "t.timeout"})

	timedOut := r.FindTimedOut(time.Hour)
	assert.Empty(t, timedOut)

	// Force an old heartbeat directly via the mutable pointer.
	c := r.FindMutable("t.timeout")
	c.LastHeartbeat = time.Now().Add(-time.Hour)

	timedOut = r.FindTimedOut(time.Minute)
	assert.Equal(t, []string{"t.timeout"}, timedOut)
}

func TestRegistry_ConsumerLifecycle(t *testing.T) {
	r := NewRegistry()
	r.Register("t.consumers", Channel{Name: "t.consumers"})

	assert.True(t, r.RegisterConsumer("t.consumers", ConsumerEntry{ConsumerPID: 1}))
	assert.True(t, r.RegisterConsumer("t.consumers", ConsumerEntry{ConsumerPID: 2}))
	assert.Len(t, r.FindConsumers("t.consumers"), 2)

	assert.True(t, r.DeregisterConsumer("t.consumers", 1))
	assert.False(t, r.DeregisterConsumer("t.consumers", 1), "already removed")
	assert.Len(t, r.FindConsumers("t.consumers"), 1)
}
