package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	zmq4 "github.com/pebbe/zmq4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Qing-LAB/pylabhub-sub002/internal/guard"
	"github.com/Qing-LAB/pylabhub-sub002/internal/zmqutil"
)

// testClient dials a broker over inproc and exchanges one request/reply
// round trip per call, mirroring how Messenger's worker goroutine talks
// to the broker (spec.md §4.5), simplified to synchronous calls here.
type testClient struct {
	t    *testing.T
	sock *zmq4.Socket
}

func newTestClient(t *testing.T, endpoint string) *testClient {
	t.Helper()
	zctx, err := zmqutil.Acquire()
	require.NoError(t, err)
	sock, err := zctx.NewSocket(zmq4.DEALER)
	require.NoError(t, err)
	require.NoError(t, sock.SetRcvtimeo(2*time.Second))
	require.NoError(t, sock.Connect(endpoint))
	t.Cleanup(func() {
		sock.Close()
		zmqutil.Release()
	})
	return &testClient{t: t, sock: sock}
}

func (c *testClient) roundTrip(msgType string, body any) zmqutil.Message {
	c.t.Helper()
	data, err := json.Marshal(body)
	require.NoError(c.t, err)
	require.NoError(c.t, zmqutil.Send(c.sock, msgType, data))
	msg, err := zmqutil.Recv(c.sock)
	require.NoError(c.t, err)
	return msg
}

func startTestBroker(t *testing.T, endpoint string) *Broker {
	t.Helper()
	b := New(Config{Endpoint: endpoint, PollTimeout: 20 * time.Millisecond, HeartbeatTimeout: time.Hour}, zap.NewNop(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Give the ROUTER socket time to bind before clients connect.
	time.Sleep(50 * time.Millisecond)
	return b
}

func TestBroker_SchemaMismatchOnReRegistration(t *testing.T) {
	endpoint := fmt.Sprintf("inproc://pylabhub-test-%d", time.Now().UnixNano())
	startTestBroker(t, endpoint)
	client := newTestClient(t, endpoint)

	reg := RegRequest{ChannelName: "t.schema", SchemaHash: "00", ProducerPID: 1, Capacity: 4, SlotBytes: 64}
	msg := client.roundTrip(TypeRegReq, reg)
	require.Equal(t, TypeRegAck, msg.Type)
	var ack Ack
	require.NoError(t, json.Unmarshal(msg.Body, &ack))
	require.True(t, ack.OK)

	reg2 := reg
	reg2.SchemaHash = "11"
	msg2 := client.roundTrip(TypeRegReq, reg2)
	require.Equal(t, TypeSchemaMismatch, msg2.Type)
}

func TestBroker_DiscoveryNotReadyThenReady(t *testing.T) {
	endpoint := fmt.Sprintf("inproc://pylabhub-test-%d", time.Now().UnixNano())
	startTestBroker(t, endpoint)
	client := newTestClient(t, endpoint)

	reg := RegRequest{ChannelName: "t.disc", SchemaHash: "ab", ProducerPID: 7, Capacity: 4, SlotBytes: 64}
	msg := client.roundTrip(TypeRegReq, reg)
	require.Equal(t, TypeRegAck, msg.Type)

	discMsg := client.roundTrip(TypeDiscReq, DiscRequest{ChannelName: "t.disc"})
	require.Equal(t, TypeChannelNotReady, discMsg.Type, "channel must stay PendingReady until its first heartbeat")

	hbMsg := client.roundTrip(TypeHeartbeatReq, HeartbeatRequest{ChannelName: "t.disc", ProducerPID: 7})
	require.Equal(t, TypeHeartbeatAck, hbMsg.Type)

	discMsg2 := client.roundTrip(TypeDiscReq, DiscRequest{ChannelName: "t.disc"})
	require.Equal(t, TypeDiscAck, discMsg2.Type)
}

func TestBroker_DiscoveryNotFound(t *testing.T) {
	endpoint := fmt.Sprintf("inproc://pylabhub-test-%d", time.Now().UnixNano())
	startTestBroker(t, endpoint)
	client := newTestClient(t, endpoint)

	msg := client.roundTrip(TypeDiscReq, DiscRequest{ChannelName: "t.never-registered"})
	require.Equal(t, TypeNotFound, msg.Type)
}

func TestBroker_DeregisterRequiresMatchingPID(t *testing.T) {
	endpoint := fmt.Sprintf("inproc://pylabhub-test-%d", time.Now().UnixNano())
	startTestBroker(t, endpoint)
	client := newTestClient(t, endpoint)

	reg := RegRequest{ChannelName: "t.dereg", SchemaHash: "cd", ProducerPID: 3, Capacity: 4, SlotBytes: 64}
	client.roundTrip(TypeRegReq, reg)

	badMsg := client.roundTrip(TypeDeregReq, DeregRequest{ChannelName: "t.dereg", ProducerPID: 99})
	var badAck Ack
	require.NoError(t, json.Unmarshal(badMsg.Body, &badAck))
	require.False(t, badAck.OK)

	goodMsg := client.roundTrip(TypeDeregReq, DeregRequest{ChannelName: "t.dereg", ProducerPID: 3})
	var goodAck Ack
	require.NoError(t, json.Unmarshal(goodMsg.Body, &goodAck))
	require.True(t, goodAck.OK)
}

func TestBroker_RejectsRegistrationUnderGoroutineLoad(t *testing.T) {
	endpoint := fmt.Sprintf("inproc://pylabhub-test-%d", time.Now().UnixNano())
	// A test process already runs far more than one goroutine, so this
	// guard's goroutine-limit branch of ShouldRejectForLoad trips on the
	// very first check without needing to wait on the CPU sampler.
	rg := guard.New(guard.Config{MaxGoroutines: 1}, zerolog.Nop())

	b := New(Config{Endpoint: endpoint, PollTimeout: 20 * time.Millisecond, HeartbeatTimeout: time.Hour}, zap.NewNop(), nil, rg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(50 * time.Millisecond)

	client := newTestClient(t, endpoint)
	reg := RegRequest{ChannelName: "t.overload", SchemaHash: "ab", ProducerPID: 1, Capacity: 4, SlotBytes: 64}
	msg := client.roundTrip(TypeRegReq, reg)
	require.Equal(t, TypeRegAck, msg.Type)
	var ack Ack
	require.NoError(t, json.Unmarshal(msg.Body, &ack))
	require.False(t, ack.OK, "registration must be rejected when the guard reports the process overloaded")
	require.Equal(t, "goroutine limit exceeded", ack.Message)
}

func TestBroker_SafeDispatchRecoversPanic(t *testing.T) {
	b := New(Config{Endpoint: "inproc://unused", PollTimeout: 20 * time.Millisecond}, zap.NewNop(), nil, nil)
	b.registry = nil // Find on a nil registry panics; exercises safeDispatch's recover directly.

	require.False(t, b.Faulted())
	require.NotPanics(t, func() {
		b.safeDispatch(zmqutil.Message{Type: TypeDiscReq, Identity: "c1", Body: []byte(`{"channel_name":"x"}`)})
	}, "a handler panic must be recovered, not crash the dispatch goroutine")
	require.True(t, b.Faulted(), "a recovered dispatch panic must set the fault flag")
}
