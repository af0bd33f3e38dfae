package consumer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	zmq4 "github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"github.com/Qing-LAB/pylabhub-sub002/internal/channel"
	"github.com/Qing-LAB/pylabhub-sub002/internal/config"
	"github.com/Qing-LAB/pylabhub-sub002/internal/datablock"
	"github.com/Qing-LAB/pylabhub-sub002/internal/herr"
	"github.com/Qing-LAB/pylabhub-sub002/internal/messenger"
	"github.com/Qing-LAB/pylabhub-sub002/internal/zmqutil"
)

// Service mirrors producer.Service, per spec.md §4.3: owns a DataBlock
// attachment (if any) and the consumer-side P2C sockets.
type Service struct {
	cfg Config
	pid uint32
	log *zap.Logger
	msn *messenger.Messenger

	block    *datablock.Block
	ctrlSock *zmq4.Socket
	dataSock *zmq4.Socket

	lastConsumedID uint64

	ctrlOut chan ctrlSend
	jobs    chan pullReq
	wake    chan struct{} // data-socket frame arrival wakes the shm read loop early

	handler atomic.Pointer[ReadHandler]

	faulted    atomic.Bool // shutdown signal, read by shuttingDown
	panicFault atomic.Bool // set when a pull job/handler invocation panics and is recovered

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// consumerHeartbeatInterval is how often heartbeatLoop stamps the
// DataBlock header's consumer heartbeat slot, per spec.md's header-based
// consumer liveness mechanism.
const consumerHeartbeatInterval = 2 * time.Second

type ctrlSend struct {
	msgType string
	body    []byte
	done    chan error
}

type pullReq struct {
	job  PullJob
	done chan error
}

// New constructs a Service. Start performs all I/O (socket connects,
// segment attach, broker registration).
func New(cfg Config, pid uint32, msn *messenger.Messenger, log *zap.Logger) *Service {
	if cfg.OnPythonError == "" {
		cfg.OnPythonError = config.OnErrorContinue
	}
	return &Service{
		cfg:     cfg,
		pid:     pid,
		log:     log,
		msn:     msn,
		ctrlOut: make(chan ctrlSend, 64),
		jobs:    make(chan pullReq, 256),
		wake:    make(chan struct{}, 1),
	}
}

// Start implements spec.md §4.3's lifecycle: attach the DataBlock (when
// the channel has shared memory), connect the ctrl DEALER and data socket
// to the producer's endpoints, perform the HELLO/HELLO_ACK handshake,
// register with the broker, then spawn the ctrl and data goroutines and,
// with a DataBlock attached, the shm read and heartbeat goroutines.
func (s *Service) Start(ctx context.Context) error {
	if s.cfg.HasSharedMemory {
		block, err := datablock.Attach(s.cfg.ChannelName, s.cfg.SharedSecret, 5*time.Second)
		if err != nil {
			return herr.Wrap(herr.KindFatal, "consumer.Start", err)
		}
		block.ConfigurePolicy(
			s.cfg.Policy,
			channel.SyncPolicy(s.cfg.DataBlock.ConsumerSyncPolicy),
			channel.ChecksumEnforcement(s.cfg.DataBlock.EnforceSlotChecksum),
		)
		s.block = block
	}

	zctx, err := zmqutil.Acquire()
	if err != nil {
		return herr.Wrap(herr.KindFatal, "consumer.Start", err)
	}

	ctrlSock, err := zctx.NewSocket(zmq4.DEALER)
	if err != nil {
		zmqutil.Release()
		return herr.Wrap(herr.KindFatal, "consumer.Start", err)
	}
	if err := ctrlSock.Connect(s.cfg.ProducerCtrlEndpoint); err != nil {
		ctrlSock.Close()
		zmqutil.Release()
		return herr.Wrap(herr.KindFatal, "consumer.Start", err)
	}
	s.ctrlSock = ctrlSock

	if s.cfg.Pattern != channel.PatternBidir {
		dataSock, err := zctx.NewSocket(dataSocketType(s.cfg.Pattern))
		if err != nil {
			return herr.Wrap(herr.KindFatal, "consumer.Start", err)
		}
		if s.cfg.Pattern == channel.PatternPubSub {
			if err := dataSock.SetSubscribe(s.cfg.ChannelName); err != nil {
				return herr.Wrap(herr.KindFatal, "consumer.Start", err)
			}
		}
		if err := dataSock.Connect(s.cfg.ProducerDataEndpoint); err != nil {
			return herr.Wrap(herr.KindFatal, "consumer.Start", err)
		}
		s.dataSock = dataSock
	}

	if err := zmqutil.Send(s.ctrlSock, "HELLO", nil); err != nil {
		return herr.Wrap(herr.KindFatal, "consumer.Start", err)
	}
	if err := s.ctrlSock.SetRcvtimeo(5 * time.Second); err != nil {
		return herr.Wrap(herr.KindFatal, "consumer.Start", err)
	}
	ack, err := zmqutil.Recv(s.ctrlSock)
	if err != nil || ack.Type != "HELLO_ACK" {
		return herr.Wrap(herr.KindTransient, "consumer.Start", herr.ErrTimeout)
	}
	if err := s.ctrlSock.SetRcvtimeo(0); err != nil {
		return herr.Wrap(herr.KindFatal, "consumer.Start", err)
	}

	if err := s.msn.RegisterConsumer(s.cfg.ChannelName, uint64(s.pid), s.cfg.ConsumerHostname); err != nil {
		return herr.Wrap(herr.KindTransient, "consumer.Start", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.ctrlLoop(runCtx)
	go s.dataLoop(runCtx)
	if s.block != nil {
		s.wg.Add(2)
		go s.readLoop(runCtx)
		go s.heartbeatLoop(runCtx)
	}

	s.log.Info("consumer started", zap.String("channel", s.cfg.ChannelName), zap.Uint32("pid", s.pid))
	return nil
}

// Stop implements spec.md §4.3's stop(): say BYE, signal goroutines, wait
// for them to exit, send DEREGCON_REQ, then close the sockets and detach.
func (s *Service) Stop() error {
	if s.ctrlSock != nil {
		_ = s.sendCtrl("BYE", nil)
	}
	s.faulted.Store(true)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	err := s.msn.DeregisterConsumer(s.cfg.ChannelName, uint64(s.pid))

	if s.dataSock != nil {
		s.dataSock.Close()
	}
	if s.ctrlSock != nil {
		s.ctrlSock.Close()
	}
	zmqutil.Release()

	if s.block != nil {
		s.block.Detach()
	}

	return err
}

func (s *Service) shuttingDown() bool { return s.faulted.Load() }

// Faulted reports whether a pull job or handler invocation panicked and
// was recovered, per SPEC_FULL.md §7's goroutine-top-level recover()
// contract.
func (s *Service) Faulted() bool { return s.panicFault.Load() }

// handlePanic recovers a panic raised inside a pull job or read handler:
// it logs at error level, sets the panic fault flag, and, per
// on_python_error, cancels the service's run context.
func (s *Service) handlePanic(op string, r any) error {
	s.panicFault.Store(true)
	s.log.Error("recovered panic", zap.String("op", op), zap.Any("panic", r))
	if s.cfg.OnPythonError == config.OnErrorStop && s.cancel != nil {
		s.cancel()
	}
	return herr.Wrap(herr.KindFatal, op, fmt.Errorf("panic: %v", r))
}

// heartbeatLoop periodically stamps the DataBlock header's consumer
// heartbeat slot, per spec.md's header-based consumer liveness mechanism.
func (s *Service) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(consumerHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.block.UpdateConsumerHeartbeat(s.pid)
		}
	}
}

func dataSocketType(p channel.Pattern) zmq4.Type {
	switch p {
	case channel.PatternPipeline:
		return zmq4.PULL
	default:
		return zmq4.SUB
	}
}
