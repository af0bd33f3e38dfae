// Package messenger implements spec.md §4.5: the process-global broker
// client. One worker goroutine owns the broker DEALER socket exclusively;
// every public method either enqueues a fire-and-forget command or
// enqueues and blocks on a future, mirroring the teacher's session
// worker-goroutine-plus-channel idiom generalized from raw frames to a
// typed command queue.
package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	zmq4 "github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"github.com/Qing-LAB/pylabhub-sub002/internal/broker"
	"github.com/Qing-LAB/pylabhub-sub002/internal/herr"
	"github.com/Qing-LAB/pylabhub-sub002/internal/zmqutil"
)

// Config is the Messenger's connection to the broker.
type Config struct {
	BrokerEndpoint string
	Curve          *zmqutil.Keypair
	ServerPublic   string
	RequestTimeout time.Duration
	QueueDepth     int
}

// command is one unit of work handed to the worker goroutine.
type command struct {
	msgType string
	body    any
	reply   chan result
}

type result struct {
	msg zmqutil.Message
	err error
}

// Messenger is a process-global singleton; use Get() to obtain the shared
// instance once Init has been called at process start.
type Messenger struct {
	cfg Config
	log *zap.Logger

	sock  *zmq4.Socket
	queue chan command

	// callbacksMu guards the notification callback maps only; it is held
	// briefly and never across socket I/O, per spec.md §5's "process-local
	// shared mutex inside Messenger for connection state".
	callbacksMu      sync.Mutex
	onChannelClosing map[string]func(channel string)
	onConsumerDied   map[string]func(channel string, consumerPID uint64)
	onChannelError   map[string]func(channel, reason string)
	globalClosing    func(channel string)

	cancel context.CancelFunc
	done   chan struct{}
}

var (
	once     sync.Once
	instance *Messenger
	initErr  error
)

// Init constructs the singleton Messenger and starts its worker goroutine.
// Subsequent calls are no-ops; callers that need a fresh connection (e.g.
// tests) should construct a Messenger directly with New instead of Init/Get.
func Init(cfg Config, log *zap.Logger) error {
	once.Do(func() {
		instance, initErr = New(cfg, log)
	})
	return initErr
}

// Get returns the process-global Messenger. Panics if Init has not
// succeeded — callers are expected to call Init once at startup, per
// spec.md §9's "named lifecycle modules with explicit startup/shutdown".
func Get() *Messenger {
	if instance == nil {
		panic("messenger: Get called before a successful Init")
	}
	return instance
}

// New constructs an independent Messenger without touching the package
// singleton, for tests and for hosts that need more than one broker
// connection.
func New(cfg Config, log *zap.Logger) (*Messenger, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}

	zctx, err := zmqutil.Acquire()
	if err != nil {
		return nil, herr.Wrap(herr.KindFatal, "messenger.New", err)
	}
	sock, err := zctx.NewSocket(zmq4.DEALER)
	if err != nil {
		zmqutil.Release()
		return nil, herr.Wrap(herr.KindFatal, "messenger.New", err)
	}
	if cfg.Curve != nil && cfg.ServerPublic != "" {
		if err := zmqutil.ApplyClient(sock, *cfg.Curve, cfg.ServerPublic); err != nil {
			sock.Close()
			zmqutil.Release()
			return nil, herr.Wrap(herr.KindFatal, "messenger.New", err)
		}
	}
	if err := sock.Connect(cfg.BrokerEndpoint); err != nil {
		sock.Close()
		zmqutil.Release()
		return nil, herr.Wrap(herr.KindFatal, "messenger.New", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Messenger{
		cfg:              cfg,
		log:              log,
		sock:             sock,
		queue:            make(chan command, cfg.QueueDepth),
		onChannelClosing: make(map[string]func(channel string)),
		onConsumerDied:   make(map[string]func(channel string, consumerPID uint64)),
		onChannelError:   make(map[string]func(channel, reason string)),
		cancel:           cancel,
		done:             make(chan struct{}),
	}
	go m.run(ctx)
	return m, nil
}

// Shutdown stops the worker goroutine and releases the broker socket.
func (m *Messenger) Shutdown() {
	m.cancel()
	<-m.done
	m.sock.Close()
	zmqutil.Release()
}

// run is the sole owner of m.sock: every send/recv happens here.
func (m *Messenger) run(ctx context.Context) {
	defer close(m.done)
	poller := zmq4.NewPoller()
	poller.Add(m.sock, zmq4.POLLIN)

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-m.queue:
			m.execute(cmd)
		default:
		}

		polled, err := poller.Poll(50 * time.Millisecond)
		if err != nil {
			continue
		}
		for range polled {
			msg, err := zmqutil.Recv(m.sock)
			if err != nil {
				m.log.Warn("messenger recv failed", zap.Error(err))
				continue
			}
			m.handleUnsolicited(msg)
		}
	}
}

func (m *Messenger) execute(cmd command) {
	data, err := json.Marshal(cmd.body)
	if err != nil {
		cmd.reply <- result{err: herr.Wrap(herr.KindProtocol, "messenger.execute", err)}
		return
	}
	if err := zmqutil.Send(m.sock, cmd.msgType, data); err != nil {
		cmd.reply <- result{err: herr.Wrap(herr.KindTransient, "messenger.execute", err)}
		return
	}
	if cmd.msgType == broker.TypeReportChecksumError {
		// The broker never replies to this type: done once sent.
		cmd.reply <- result{}
		return
	}

	deadline := time.Now().Add(m.cfg.RequestTimeout)
	poller := zmq4.NewPoller()
	poller.Add(m.sock, zmq4.POLLIN)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			cmd.reply <- result{err: herr.Wrap(herr.KindTransient, "messenger.execute", herr.ErrTimeout)}
			return
		}
		polled, err := poller.Poll(remaining)
		if err != nil || len(polled) == 0 {
			continue
		}
		msg, err := zmqutil.Recv(m.sock)
		if err != nil {
			cmd.reply <- result{err: herr.Wrap(herr.KindTransient, "messenger.execute", err)}
			return
		}
		if isNotifyType(msg.Type) {
			m.handleUnsolicited(msg)
			continue
		}
		cmd.reply <- result{msg: msg}
		return
	}
}

func isNotifyType(t string) bool {
	switch t {
	case broker.TypeChannelClosingNotify, broker.TypeConsumerDiedNotify,
		broker.TypeChannelErrorNotify, broker.TypeChannelEventNotify:
		return true
	default:
		return false
	}
}

// send enqueues a request and blocks for its reply.
func (m *Messenger) send(msgType string, body any) (zmqutil.Message, error) {
	cmd := command{msgType: msgType, body: body, reply: make(chan result, 1)}
	select {
	case m.queue <- cmd:
	default:
		return zmqutil.Message{}, herr.Wrap(herr.KindTransient, "messenger.send", fmt.Errorf("command queue full"))
	}
	r := <-cmd.reply
	return r.msg, r.err
}
