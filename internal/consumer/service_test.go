package consumer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Qing-LAB/pylabhub-sub002/internal/broker"
	"github.com/Qing-LAB/pylabhub-sub002/internal/channel"
	"github.com/Qing-LAB/pylabhub-sub002/internal/config"
	"github.com/Qing-LAB/pylabhub-sub002/internal/messenger"
	"github.com/Qing-LAB/pylabhub-sub002/internal/producer"
)

func startTestBrokerAndMessenger(t *testing.T) *messenger.Messenger {
	t.Helper()
	endpoint := fmt.Sprintf("inproc://pylabhub-consumer-test-%d", time.Now().UnixNano())

	b := broker.New(broker.Config{Endpoint: endpoint, PollTimeout: 20 * time.Millisecond, HeartbeatTimeout: time.Hour}, zap.NewNop(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	time.Sleep(50 * time.Millisecond)

	m, err := messenger.New(messenger.Config{BrokerEndpoint: endpoint, RequestTimeout: time.Second}, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() {
		m.Shutdown()
		cancel()
		<-done
	})
	return m
}

func TestService_PullReceivesProducerCommit(t *testing.T) {
	msn := startTestBrokerAndMessenger(t)
	tag := time.Now().UnixNano()
	channelName := fmt.Sprintf("t.consumer.%s.%d", t.Name(), tag)
	ctrlEP := fmt.Sprintf("inproc://cctrl-%d", tag)
	dataEP := fmt.Sprintf("inproc://cdata-%d", tag)

	dbCfg := config.ChannelConfig{
		Capacity:            4,
		SlotBytes:           64,
		ConsumerSyncPolicy:  config.SingleReader,
		EnforceSlotChecksum: config.ChecksumStrict,
	}

	prod := producer.New(producer.Config{
		ChannelName:      channelName,
		SchemaHash:       "ab",
		Pattern:          channel.PatternPipeline,
		CtrlEndpoint:     ctrlEP,
		DataEndpoint:     dataEP,
		ProducerHostname: "localhost",
		DataBlock:        dbCfg,
		SharedSecret:     0xc0ffee,
		RegisterTimeout:  time.Second,
	}, 2001, msn, nil, zap.NewNop())
	require.NoError(t, prod.Start(context.Background()))
	t.Cleanup(func() { prod.Stop() })

	cons := New(Config{
		ChannelName:          channelName,
		Pattern:              channel.PatternPipeline,
		ProducerCtrlEndpoint: ctrlEP,
		ProducerDataEndpoint: dataEP,
		ConsumerHostname:     "localhost",
		HasSharedMemory:      true,
		DataBlock:            dbCfg,
		SharedSecret:         0xc0ffee,
	}, 2002, msn, zap.NewNop())
	require.NoError(t, cons.Start(context.Background()))
	t.Cleanup(func() { cons.Stop() })

	require.NoError(t, prod.SyncedWrite(func(ctx *producer.WriteCtx) (bool, int, error) {
		n := copy(ctx.Buffer(), []byte("payload"))
		return true, n, nil
	}))

	var got string
	err := cons.Pull(2*time.Second, func(ctx *ReadCtx) error {
		got = string(ctx.Buffer())
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "payload", got)
}

func TestService_RealTimeModeChecksumPassDeliversValidSlot(t *testing.T) {
	msn := startTestBrokerAndMessenger(t)
	tag := time.Now().UnixNano()
	channelName := fmt.Sprintf("t.consumer.%s.%d", t.Name(), tag)
	ctrlEP := fmt.Sprintf("inproc://cctrl2-%d", tag)
	dataEP := fmt.Sprintf("inproc://cdata2-%d", tag)

	dbCfg := config.ChannelConfig{
		Capacity:            4,
		SlotBytes:           64,
		ConsumerSyncPolicy:  config.SingleReader,
		EnforceSlotChecksum: config.ChecksumStrict,
	}

	prod := producer.New(producer.Config{
		ChannelName:      channelName,
		Pattern:          channel.PatternPipeline,
		CtrlEndpoint:     ctrlEP,
		DataEndpoint:     dataEP,
		ProducerHostname: "localhost",
		DataBlock:        dbCfg,
		SharedSecret:     0xc0ffee,
		RegisterTimeout:  time.Second,
	}, 2003, msn, nil, zap.NewNop())
	require.NoError(t, prod.Start(context.Background()))
	t.Cleanup(func() { prod.Stop() })

	consDBCfg := dbCfg
	consDBCfg.OnChecksumFail = config.ChecksumFailPass
	cons := New(Config{
		ChannelName:          channelName,
		Pattern:              channel.PatternPipeline,
		ProducerCtrlEndpoint: ctrlEP,
		ProducerDataEndpoint: dataEP,
		ConsumerHostname:     "localhost",
		HasSharedMemory:      true,
		DataBlock:            consDBCfg,
		SharedSecret:         0xc0ffee,
	}, 2004, msn, zap.NewNop())
	require.NoError(t, cons.Start(context.Background()))
	t.Cleanup(func() { cons.Stop() })

	require.NoError(t, prod.SyncedWrite(func(ctx *producer.WriteCtx) (bool, int, error) {
		n := copy(ctx.Buffer(), []byte("x"))
		return true, n, nil
	}))

	delivered := make(chan bool, 1)
	cons.SetReadHandler(func(ctx *ReadCtx) {
		select {
		case delivered <- ctx.ChecksumValid():
		default:
		}
	})

	select {
	case valid := <-delivered:
		require.True(t, valid) // commit path always writes a correct checksum; this exercises the pass-through plumbing
	case <-time.After(2 * time.Second):
		t.Fatal("handler never fired")
	}

	cons.RemoveReadHandler()
}

func TestService_QueuePullJobPanicIsRecovered(t *testing.T) {
	msn := startTestBrokerAndMessenger(t)
	tag := time.Now().UnixNano()
	channelName := fmt.Sprintf("t.consumer.%s.%d", t.Name(), tag)
	ctrlEP := fmt.Sprintf("inproc://cctrl3-%d", tag)
	dataEP := fmt.Sprintf("inproc://cdata3-%d", tag)

	dbCfg := config.ChannelConfig{
		Capacity:            4,
		SlotBytes:           64,
		ConsumerSyncPolicy:  config.SingleReader,
		EnforceSlotChecksum: config.ChecksumStrict,
	}

	prod := producer.New(producer.Config{
		ChannelName:      channelName,
		Pattern:          channel.PatternPipeline,
		CtrlEndpoint:     ctrlEP,
		DataEndpoint:     dataEP,
		ProducerHostname: "localhost",
		DataBlock:        dbCfg,
		SharedSecret:     0xc0ffee,
		RegisterTimeout:  time.Second,
	}, 2005, msn, nil, zap.NewNop())
	require.NoError(t, prod.Start(context.Background()))
	t.Cleanup(func() { prod.Stop() })

	cons := New(Config{
		ChannelName:          channelName,
		Pattern:              channel.PatternPipeline,
		ProducerCtrlEndpoint: ctrlEP,
		ProducerDataEndpoint: dataEP,
		ConsumerHostname:     "localhost",
		HasSharedMemory:      true,
		DataBlock:            dbCfg,
		SharedSecret:         0xc0ffee,
	}, 2006, msn, zap.NewNop())
	require.NoError(t, cons.Start(context.Background()))
	t.Cleanup(func() { cons.Stop() })

	require.NoError(t, prod.SyncedWrite(func(ctx *producer.WriteCtx) (bool, int, error) {
		n := copy(ctx.Buffer(), []byte("payload"))
		return true, n, nil
	}))

	err := cons.Pull(2*time.Second, func(ctx *ReadCtx) error {
		panic("boom")
	})
	require.Error(t, err, "a panicking pull job must surface as an error, not crash the read goroutine")
	require.True(t, cons.Faulted())

	require.NoError(t, prod.SyncedWrite(func(ctx *producer.WriteCtx) (bool, int, error) {
		n := copy(ctx.Buffer(), []byte("payload2"))
		return true, n, nil
	}))

	// The read goroutine must still be alive and servicing pulls.
	var got string
	err = cons.Pull(2*time.Second, func(ctx *ReadCtx) error {
		got = string(ctx.Buffer())
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "payload2", got)
}

func TestService_RealTimeModeChecksumPassDeliversCorruptSlotAsInvalid(t *testing.T) {
	msn := startTestBrokerAndMessenger(t)
	tag := time.Now().UnixNano()
	channelName := fmt.Sprintf("t.consumer.%s.%d", t.Name(), tag)
	ctrlEP := fmt.Sprintf("inproc://cctrl4-%d", tag)
	dataEP := fmt.Sprintf("inproc://cdata4-%d", tag)

	dbCfg := config.ChannelConfig{
		Capacity:            4,
		SlotBytes:           64,
		ConsumerSyncPolicy:  config.SingleReader,
		EnforceSlotChecksum: config.ChecksumStrict,
	}

	prod := producer.New(producer.Config{
		ChannelName:      channelName,
		Pattern:          channel.PatternPipeline,
		CtrlEndpoint:     ctrlEP,
		DataEndpoint:     dataEP,
		ProducerHostname: "localhost",
		DataBlock:        dbCfg,
		SharedSecret:     0xc0ffee,
		RegisterTimeout:  time.Second,
	}, 2007, msn, nil, zap.NewNop())
	require.NoError(t, prod.Start(context.Background()))
	t.Cleanup(func() { prod.Stop() })

	consDBCfg := dbCfg
	consDBCfg.OnChecksumFail = config.ChecksumFailPass
	cons := New(Config{
		ChannelName:          channelName,
		Pattern:              channel.PatternPipeline,
		ProducerCtrlEndpoint: ctrlEP,
		ProducerDataEndpoint: dataEP,
		ConsumerHostname:     "localhost",
		HasSharedMemory:      true,
		DataBlock:            consDBCfg,
		SharedSecret:         0xc0ffee,
	}, 2008, msn, zap.NewNop())
	require.NoError(t, cons.Start(context.Background()))
	t.Cleanup(func() { cons.Stop() })

	require.NoError(t, prod.SyncedWrite(func(ctx *producer.WriteCtx) (bool, int, error) {
		n := copy(ctx.Buffer(), []byte("original"))
		return true, n, nil
	}))

	// Corrupt the committed slot bytes directly, bypassing Commit's
	// checksum update, matching datablock.TestBlock_ChecksumFailureDetected.
	cons.block.CorruptSlot(0, []byte("corruptd"))

	delivered := make(chan bool, 1)
	cons.SetReadHandler(func(ctx *ReadCtx) {
		select {
		case delivered <- ctx.ChecksumValid():
		default:
		}
	})
	t.Cleanup(cons.RemoveReadHandler)

	select {
	case valid := <-delivered:
		require.False(t, valid)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never fired")
	}
}
