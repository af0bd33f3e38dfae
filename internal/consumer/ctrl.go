package consumer

import (
	"context"
	"time"

	zmq4 "github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"github.com/Qing-LAB/pylabhub-sub002/internal/zmqutil"
)

// ctrlLoop is the ctrl-DEALER-owning goroutine, mirroring
// producer.peerLoop: sole owner of the socket, drains an internal send
// queue, and forwards user-typed messages to Config.OnMessage.
func (s *Service) ctrlLoop(ctx context.Context) {
	defer s.wg.Done()

	poller := zmq4.NewPoller()
	poller.Add(s.ctrlSock, zmq4.POLLIN)

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.ctrlOut:
			err := zmqutil.Send(s.ctrlSock, req.msgType, req.body)
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

		msg, err := zmqutil.Recv(s.ctrlSock)
		if err != nil {
			s.log.Warn("ctrl recv error", zap.Error(err))
			continue
		}

		if msg.Type == "HELLO_ACK" {
			continue // handshake reply already consumed during Start
		}
		if s.cfg.OnMessage != nil {
			s.invokeOnMessage(msg.Type, msg.Body)
		}
	}
}

// invokeOnMessage recovers a panic from the user-supplied OnMessage hook
// so a bad callback cannot take down the ctrl goroutine, per SPEC_FULL.md
// §7's goroutine-top-level recover() contract.
func (s *Service) invokeOnMessage(msgType string, body []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.handlePanic("consumer OnMessage", r)
		}
	}()
	s.cfg.OnMessage(msgType, body)
}

// sendCtrl enqueues a ctrl-socket send for the ctrl goroutine to perform.
func (s *Service) sendCtrl(msgType string, body []byte) error {
	done := make(chan error, 1)
	select {
	case s.ctrlOut <- ctrlSend{msgType: msgType, body: body, done: done}:
	default:
		return errCtrlQueueFull
	}
	return <-done
}
