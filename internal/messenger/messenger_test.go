package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Qing-LAB/pylabhub-sub002/internal/broker"
	"github.com/Qing-LAB/pylabhub-sub002/internal/herr"
	"github.com/Qing-LAB/pylabhub-sub002/internal/zmqutil"
)

func startBrokerAndMessenger(t *testing.T) *Messenger {
	t.Helper()
	endpoint := fmt.Sprintf("inproc://pylabhub-msg-test-%d", time.Now().UnixNano())

	b := broker.New(broker.Config{Endpoint: endpoint, PollTimeout: 20 * time.Millisecond, HeartbeatTimeout: time.Hour}, zap.NewNop(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	time.Sleep(50 * time.Millisecond)

	m, err := New(Config{BrokerEndpoint: endpoint, RequestTimeout: time.Second}, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() {
		m.Shutdown()
		cancel()
		<-done
	})
	return m
}

func TestMessenger_RegisterAndConnectChannel(t *testing.T) {
	m := startBrokerAndMessenger(t)

	require.NoError(t, m.RegisterChannel(broker.RegRequest{
		ChannelName: "t.msg", SchemaHash: "ab", ProducerPID: 42, Capacity: 4, SlotBytes: 64,
	}))
	require.NoError(t, m.Heartbeat(broker.HeartbeatRequest{ChannelName: "t.msg", ProducerPID: 42}))

	ack, err := m.ConnectChannel("t.msg", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "t.msg", ack.ChannelName)
}

func TestMessenger_ConnectChannelZeroTimeoutSingleAttempt(t *testing.T) {
	m := startBrokerAndMessenger(t)

	start := time.Now()
	_, err := m.ConnectChannel("t.never-registered", 0)
	require.Error(t, err)
	assert.True(t, herr.Is(err, herr.KindTransient))
	assert.Less(t, time.Since(start), 200*time.Millisecond, "timeout=0 must not retry")
}

func TestMessenger_NotifyDispatchToRegisteredCallback(t *testing.T) {
	m := startBrokerAndMessenger(t)

	fired := make(chan string, 1)
	m.OnChannelClosing("t.notify", func(channel string) { fired <- channel })

	body, err := json.Marshal(broker.ClosingNotify{ChannelName: "t.notify", Reason: "test"})
	require.NoError(t, err)
	m.handleUnsolicited(zmqutil.Message{Type: broker.TypeChannelClosingNotify, Body: body})

	select {
	case ch := <-fired:
		assert.Equal(t, "t.notify", ch)
	case <-time.After(time.Second):
		t.Fatal("callback did not fire")
	}
}

func TestMessenger_NotifyFallsBackToGlobalClosing(t *testing.T) {
	m := startBrokerAndMessenger(t)

	fired := make(chan string, 1)
	m.OnGlobalChannelClosing(func(channel string) { fired <- channel })

	body, err := json.Marshal(broker.ClosingNotify{ChannelName: "t.other"})
	require.NoError(t, err)
	m.handleUnsolicited(zmqutil.Message{Type: broker.TypeChannelClosingNotify, Body: body})

	select {
	case ch := <-fired:
		assert.Equal(t, "t.other", ch)
	case <-time.After(time.Second):
		t.Fatal("global fallback did not fire")
	}
}
