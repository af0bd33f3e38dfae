package producer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	zmq4 "github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"github.com/Qing-LAB/pylabhub-sub002/internal/broker"
	"github.com/Qing-LAB/pylabhub-sub002/internal/channel"
	"github.com/Qing-LAB/pylabhub-sub002/internal/config"
	"github.com/Qing-LAB/pylabhub-sub002/internal/datablock"
	"github.com/Qing-LAB/pylabhub-sub002/internal/herr"
	"github.com/Qing-LAB/pylabhub-sub002/internal/messenger"
	"github.com/Qing-LAB/pylabhub-sub002/internal/metrics"
	"github.com/Qing-LAB/pylabhub-sub002/internal/shm"
	"github.com/Qing-LAB/pylabhub-sub002/internal/zmqutil"
)

// Service owns one DataBlock and the producer-side P2C sockets, per
// spec.md §4.2.
type Service struct {
	cfg Config
	pid uint32
	log *zap.Logger
	msn *messenger.Messenger
	met *metrics.Registry

	block    *datablock.Block
	ctrlSock *zmq4.Socket
	dataSock *zmq4.Socket

	ctrlOut chan ctrlSend // requests posted to the peer goroutine
	jobs    chan jobReq

	handler   atomic.Pointer[Handler]
	triggerCh chan struct{}

	faulted    atomic.Bool // shutdown signal, read by shuttingDown
	panicFault atomic.Bool // set when a job/handler invocation panics and is recovered

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ctrlSend struct {
	identity, msgType string
	body              []byte
	done              chan error
}

type jobReq struct {
	job  Job
	done chan error // nil for fire-and-forget Push
}

// New constructs a Service. Start performs all I/O (socket binds, segment
// creation, broker registration).
func New(cfg Config, pid uint32, msn *messenger.Messenger, met *metrics.Registry, log *zap.Logger) *Service {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 3 * time.Second
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = 5 * time.Second
	}
	if cfg.OnPythonError == "" {
		cfg.OnPythonError = config.OnErrorContinue
	}
	return &Service{
		cfg:       cfg,
		pid:       pid,
		log:       log,
		msn:       msn,
		met:       met,
		ctrlOut:   make(chan ctrlSend, 64),
		jobs:      make(chan jobReq, 256),
		triggerCh: make(chan struct{}, 1),
	}
}

// Start implements spec.md §4.2's lifecycle: create the DataBlock, bind
// the ctrl ROUTER (and, for PubSub/Pipeline, the data socket), register
// with the broker, then spawn the peer and write goroutines.
func (s *Service) Start(ctx context.Context) error {
	dbCfg := datablock.Config{
		SharedSecret:  s.cfg.SharedSecret,
		Capacity:      s.cfg.DataBlock.Capacity,
		SlotBytes:     s.cfg.DataBlock.SlotBytes,
		FlexZoneBytes: s.cfg.DataBlock.FlexZoneBytes,
		Policy:        bufferPolicyForCapacity(s.cfg.DataBlock.Capacity),
		Sync:          channel.SyncPolicy(s.cfg.DataBlock.ConsumerSyncPolicy),
		Checksum:      channel.ChecksumEnforcement(s.cfg.DataBlock.EnforceSlotChecksum),
	}
	block, err := datablock.Create(s.cfg.ChannelName, dbCfg, s.pid)
	if err != nil {
		return herr.Wrap(herr.KindFatal, "producer.Start", err)
	}
	s.block = block

	zctx, err := zmqutil.Acquire()
	if err != nil {
		return herr.Wrap(herr.KindFatal, "producer.Start", err)
	}

	ctrlSock, err := zctx.NewSocket(zmq4.ROUTER)
	if err != nil {
		zmqutil.Release()
		return herr.Wrap(herr.KindFatal, "producer.Start", err)
	}
	if err := ctrlSock.Bind(s.cfg.CtrlEndpoint); err != nil {
		ctrlSock.Close()
		zmqutil.Release()
		return herr.Wrap(herr.KindFatal, "producer.Start", err)
	}
	s.ctrlSock = ctrlSock

	if s.cfg.Pattern != channel.PatternBidir {
		dataSock, err := zctx.NewSocket(dataSocketType(s.cfg.Pattern))
		if err != nil {
			return herr.Wrap(herr.KindFatal, "producer.Start", err)
		}
		if err := dataSock.Bind(s.cfg.DataEndpoint); err != nil {
			return herr.Wrap(herr.KindFatal, "producer.Start", err)
		}
		s.dataSock = dataSock
	}

	if err := s.msn.RegisterChannel(broker.RegRequest{
		ChannelName:      s.cfg.ChannelName,
		SchemaHash:       s.cfg.SchemaHash,
		SchemaVersion:    s.cfg.SchemaVersion,
		ProducerPID:      uint64(s.pid),
		ProducerHostname: s.cfg.ProducerHostname,
		HasSharedMemory:  true,
		Pattern:          string(s.cfg.Pattern),
		CtrlEndpoint:     s.cfg.CtrlEndpoint,
		DataEndpoint:     s.cfg.DataEndpoint,
		PublicKey:        s.cfg.PublicKey,
		Policy:           string(dbCfg.Policy),
		Sync:             string(dbCfg.Sync),
		Checksum:         string(dbCfg.Checksum),
		Capacity:         dbCfg.Capacity,
		SlotBytes:        dbCfg.SlotBytes,
		FlexZoneBytes:    dbCfg.FlexZoneBytes,
	}); err != nil {
		return herr.Wrap(herr.KindTransient, "producer.Start", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(3)
	go s.peerLoop(runCtx)
	go s.writeLoop(runCtx)
	go s.heartbeatLoop(runCtx)

	s.log.Info("producer started", zap.String("channel", s.cfg.ChannelName), zap.Uint32("pid", s.pid))
	return nil
}

// Stop implements spec.md §4.2's stop(): signal the goroutines, wait for
// them to exit, send DEREG_REQ, then tear down.
func (s *Service) Stop() error {
	s.faulted.Store(true)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	err := s.msn.DeregisterChannel(s.cfg.ChannelName, uint64(s.pid))

	if s.dataSock != nil {
		s.dataSock.Close()
	}
	if s.ctrlSock != nil {
		s.ctrlSock.Close()
	}
	zmqutil.Release()

	if s.block != nil {
		s.block.Close()
	}
	shm.Unlink(s.cfg.ChannelName)

	return err
}

func (s *Service) shuttingDown() bool { return s.faulted.Load() }

// Faulted reports whether a write job or handler invocation panicked and
// was recovered, per SPEC_FULL.md §7's goroutine-top-level recover()
// contract.
func (s *Service) Faulted() bool { return s.panicFault.Load() }

// handlePanic recovers a panic raised inside a write job or handler: it
// logs at error level, sets the panic fault flag, and, per on_python_error,
// cancels the service's run context so the process can be restarted
// rather than keep serving a possibly-corrupt state.
func (s *Service) handlePanic(op string, r any) error {
	s.panicFault.Store(true)
	s.log.Error("recovered panic", zap.String("op", op), zap.Any("panic", r))
	if s.cfg.OnPythonError == config.OnErrorStop && s.cancel != nil {
		s.cancel()
	}
	return herr.Wrap(herr.KindFatal, op, fmt.Errorf("panic: %v", r))
}

func (s *Service) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req := broker.HeartbeatRequest{ChannelName: s.cfg.ChannelName, ProducerPID: uint64(s.pid)}
			if s.block != nil {
				if pid, age := s.block.ConsumerHeartbeat(); pid != 0 {
					req.ConsumerHeartbeatPID = uint64(pid)
					req.ConsumerHeartbeatAgeMS = age.Milliseconds()
				}
			}
			if err := s.msn.Heartbeat(req); err != nil {
				s.log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func dataSocketType(p channel.Pattern) zmq4.Type {
	switch p {
	case channel.PatternPipeline:
		return zmq4.PUSH
	default:
		return zmq4.XPUB
	}
}

// bufferPolicyForCapacity derives the DataBlock policy from capacity, per
// SPEC_FULL.md §3.1's capacity-driven Single/DoubleBuffer/RingBuffer port.
func bufferPolicyForCapacity(capacity int) channel.BufferPolicy {
	switch capacity {
	case 1:
		return channel.PolicySingle
	case 2:
		return channel.PolicyDoubleBuffer
	default:
		return channel.PolicyRingBuffer
	}
}
