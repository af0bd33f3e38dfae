package producer

import (
	"context"
	"sync"
	"time"

	zmq4 "github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"github.com/Qing-LAB/pylabhub-sub002/internal/zmqutil"
)

// peerLoop is the ctrl-ROUTER-owning goroutine, per spec.md §4.2's "the
// peer thread is the sole owner of the ctrl socket after start(); other
// threads post via an internal lock-free queue handled inside the peer
// loop". identities is only ever touched from this goroutine.
func (s *Service) peerLoop(ctx context.Context) {
	defer s.wg.Done()

	identities := make(map[string]struct{})
	var idMu sync.Mutex // guards only the small identities set

	poller := zmq4.NewPoller()
	poller.Add(s.ctrlSock, zmq4.POLLIN)

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.ctrlOut:
			err := zmqutil.SendTo(s.ctrlSock, req.identity, req.msgType, req.body)
			if req.done != nil {
				req.done <- err
			}
			continue
		default:
		}

		polled, err := poller.Poll(50 * time.Millisecond)
		if err != nil {
			s.log.Warn("ctrl poll error", zap.Error(err))
			continue
		}
		if len(polled) == 0 {
			continue
		}

		msg, err := zmqutil.RecvFrom(s.ctrlSock)
		if err != nil {
			s.log.Warn("ctrl recv error", zap.Error(err))
			continue
		}

		switch msg.Type {
		case "HELLO":
			idMu.Lock()
			identities[msg.Identity] = struct{}{}
			idMu.Unlock()
			if err := zmqutil.SendTo(s.ctrlSock, msg.Identity, "HELLO_ACK", nil); err != nil {
				s.log.Warn("HELLO_ACK send failed", zap.Error(err))
			}
		case "BYE":
			idMu.Lock()
			delete(identities, msg.Identity)
			idMu.Unlock()
		default:
			if s.cfg.OnMessage != nil {
				s.invokeOnMessage(msg.Identity, msg.Type, msg.Body)
			}
		}
	}
}

// invokeOnMessage recovers a panic from the user-supplied OnMessage hook
// so a bad callback cannot take down the peer goroutine, per SPEC_FULL.md
// §7's goroutine-top-level recover() contract.
func (s *Service) invokeOnMessage(sender, msgType string, body []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.handlePanic("producer OnMessage", r)
		}
	}()
	s.cfg.OnMessage(sender, msgType, body)
}

// sendCtrl enqueues a ctrl-socket send for the peer goroutine to perform,
// per spec.md §4.2's internal lock-free queue. Blocks until the peer
// goroutine has attempted the send.
func (s *Service) sendCtrl(identity, msgType string, body []byte) error {
	done := make(chan error, 1)
	req := ctrlSend{identity: identity, msgType: msgType, body: body, done: done}
	select {
	case s.ctrlOut <- req:
	default:
		return errCtrlQueueFull
	}
	return <-done
}
