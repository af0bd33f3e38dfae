package producer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Qing-LAB/pylabhub-sub002/internal/channel"
	"github.com/Qing-LAB/pylabhub-sub002/internal/herr"
	"github.com/Qing-LAB/pylabhub-sub002/internal/zmqutil"
)

// SetWriteHandler installs a real-time handler, taking the write loop out
// of Queue mode, per spec.md §4.2. Installing nil returns to Queue mode.
// writeLoop picks up the change on its next iteration; queued jobs are
// not run while a handler is installed.
func (s *Service) SetWriteHandler(h Handler) {
	if h == nil {
		s.handler.Store(nil)
		return
	}
	s.handler.Store(&h)
}

// RemoveWriteHandler returns the producer to Queue mode.
func (s *Service) RemoveWriteHandler() { s.handler.Store(nil) }

// TriggerWrite wakes an event-triggered (interval_ms == -1) real-time
// handler for one cycle, per spec.md §4.2.
func (s *Service) TriggerWrite() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// Push submits an async queue-mode job; the write goroutine runs it on
// its next cycle. Returns an error only if the queue is full.
func (s *Service) Push(job Job) error {
	select {
	case s.jobs <- jobReq{job: job}:
		return nil
	default:
		return herr.Wrap(herr.KindTransient, "Push", herr.ErrNoSlot)
	}
}

// SyncedWrite submits a queue-mode job and blocks until it has run.
func (s *Service) SyncedWrite(job Job) error {
	done := make(chan error, 1)
	s.jobs <- jobReq{job: job, done: done}
	return <-done
}

// writeLoop is the data-socket-and-slot-acquisition-owning goroutine, per
// spec.md §4.2: Queue mode sleeps for jobs; Real-time mode loops at the
// configured cadence, acquiring a slot, calling the handler, and
// committing or discarding.
func (s *Service) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := time.Duration(s.cfg.DataBlock.IntervalMS) * time.Millisecond
	var ticker *time.Ticker
	if h := s.handler.Load(); h != nil && s.cfg.DataBlock.IntervalMS > 0 {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	for {
		h := s.handler.Load()

		if h == nil {
			select {
			case <-ctx.Done():
				return
			case req := <-s.jobs:
				s.runJob(req)
			case <-time.After(50 * time.Millisecond):
				// Re-check for a newly installed real-time handler.
			}
			continue
		}

		// Real-time mode.
		switch s.cfg.DataBlock.IntervalMS {
		case -1:
			select {
			case <-ctx.Done():
				return
			case <-s.triggerCh:
				s.runHandlerCycle(*h)
			}
		case 0:
			select {
			case <-ctx.Done():
				return
			default:
				s.runHandlerCycle(*h)
			}
		default:
			if ticker == nil {
				ticker = time.NewTicker(interval)
				defer ticker.Stop()
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runHandlerCycle(*h)
			}
		}
	}
}

func (s *Service) runJob(req jobReq) {
	handle, err := s.block.AcquireWrite(s.pid, 5*time.Second)
	if err != nil {
		s.log.Warn("AcquireWrite failed", zap.Error(err))
		if req.done != nil {
			req.done <- err
		}
		return
	}

	wctx := &WriteCtx{slot: handle, block: s.block, sendCtrl: s.sendCtrl, shutdown: s.shuttingDown}

	var commit bool
	var length int
	var jobErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				jobErr = s.handlePanic("producer write job", r)
				commit = false
			}
		}()
		commit, length, jobErr = req.job(wctx)
	}()

	var err2 error
	if commit {
		err2 = handle.Commit(length)
		if err2 == nil {
			s.publishData(handle.Buffer()[:length])
		}
	} else {
		err2 = handle.Discard()
	}

	final := jobErr
	if final == nil {
		final = err2
	}
	if req.done != nil {
		req.done <- final
	} else if final != nil {
		s.log.Warn("queued write job failed", zap.Error(final))
	}
}

func (s *Service) runHandlerCycle(h Handler) {
	handle, err := s.block.AcquireWrite(s.pid, 200*time.Millisecond)
	if err != nil {
		return
	}
	wctx := &WriteCtx{slot: handle, block: s.block, sendCtrl: s.sendCtrl, shutdown: s.shuttingDown}

	var commit bool
	var length int
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.handlePanic("producer write handler", r)
				commit = false
			}
		}()
		commit, length = h(wctx)
	}()

	if commit {
		if err := handle.Commit(length); err != nil {
			s.log.Warn("handler commit failed", zap.Error(err))
			return
		}
		s.publishData(handle.Buffer()[:length])
	} else {
		if err := handle.Discard(); err != nil {
			s.log.Warn("handler discard failed", zap.Error(err))
		}
	}
}

// publishData sends the committed payload on the data socket for
// PubSub/Pipeline patterns, per spec.md §4.2's "['A', payload]". Bidir
// channels carry data over the ctrl socket instead, via WriteCtx.SendCtrl,
// so there is nothing to publish here.
func (s *Service) publishData(payload []byte) {
	if s.dataSock == nil {
		return
	}
	var err error
	if s.cfg.Pattern == channel.PatternPubSub {
		err = zmqutil.SendPubData(s.dataSock, s.cfg.ChannelName, payload)
	} else {
		err = zmqutil.SendPipelineData(s.dataSock, payload)
	}
	if err != nil {
		s.log.Warn("data publish failed", zap.Error(err))
	}
}
