package consumer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Qing-LAB/pylabhub-sub002/internal/config"
	"github.com/Qing-LAB/pylabhub-sub002/internal/herr"
)

// SetReadHandler installs a real-time read handler, taking the shm loop
// out of Queue mode, per spec.md §4.3.
func (s *Service) SetReadHandler(h ReadHandler) {
	if h == nil {
		s.handler.Store(nil)
		return
	}
	s.handler.Store(&h)
}

// RemoveReadHandler returns the consumer to Queue mode.
func (s *Service) RemoveReadHandler() { s.handler.Store(nil) }

// Pull submits a synchronous queue-mode job; blocks until it has run
// against the next available committed slot, per spec.md §4.3's
// "caller invokes pull(job) synchronously; the shm thread sleeps".
func (s *Service) Pull(timeout time.Duration, job PullJob) error {
	done := make(chan error, 1)
	req := pullReq{job: job, done: done}
	select {
	case s.jobs <- req:
	default:
		return herr.Wrap(herr.KindTransient, "Pull", herr.ErrNoSlot)
	}
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return herr.Wrap(herr.KindTransient, "Pull", herr.ErrTimeout)
	}
}

// readLoop is the shm-ring-owning goroutine, per spec.md §4.3: Queue mode
// sleeps for jobs; Real-time mode loops acquire-read -> checksum policy
// -> handler -> release, waking early whenever the data socket signals a
// new commit.
func (s *Service) readLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		h := s.handler.Load()

		if h == nil {
			select {
			case <-ctx.Done():
				return
			case req := <-s.jobs:
				s.runPullJob(req)
			case <-s.wake:
				// No queue-mode job waiting; nothing to do until one arrives.
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.runHandlerCycle(*h)
		case <-time.After(50 * time.Millisecond):
			s.runHandlerCycle(*h)
		}
	}
}

func (s *Service) runPullJob(req pullReq) {
	handle, err := s.block.AcquireRead(s.pid, &s.lastConsumedID, 5*time.Second)
	if err != nil {
		req.done <- err
		return
	}
	if !handle.ChecksumValid() {
		s.reportChecksumError(handle.SlotID())
	}
	if !s.checksumAccepted(handle.ChecksumValid()) {
		handle.Release()
		req.done <- herr.Wrap(herr.KindIntegrity, "Pull", herr.ErrChecksumMismatch)
		return
	}

	rctx := &ReadCtx{slot: handle, block: s.block, sendCtrl: s.sendCtrl, shutdown: s.shuttingDown}

	var jobErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				jobErr = s.handlePanic("consumer pull job", r)
			}
		}()
		jobErr = req.job(rctx)
	}()

	if err := handle.Release(); err != nil {
		s.log.Warn("read release failed", zap.Error(err))
	}
	req.done <- jobErr
}

func (s *Service) runHandlerCycle(h ReadHandler) {
	handle, err := s.block.AcquireRead(s.pid, &s.lastConsumedID, 200*time.Millisecond)
	if err != nil {
		return
	}
	if !handle.ChecksumValid() {
		s.reportChecksumError(handle.SlotID())
	}
	if !s.checksumAccepted(handle.ChecksumValid()) {
		handle.Release()
		return
	}

	rctx := &ReadCtx{slot: handle, block: s.block, sendCtrl: s.sendCtrl, shutdown: s.shuttingDown}
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.handlePanic("consumer read handler", r)
			}
		}()
		h(rctx)
	}()

	if err := handle.Release(); err != nil {
		s.log.Warn("read release failed", zap.Error(err))
	}
}

// reportChecksumError fires REPORT_CSUM_ERROR at the broker so it can
// surface the bad slot to the producer via CHANNEL_ERROR_NOTIFY, per
// spec.md §4.4.
func (s *Service) reportChecksumError(slotID uint64) {
	if err := s.msn.ReportChecksumError(s.cfg.ChannelName, uint64(s.pid), slotID); err != nil {
		s.log.Warn("REPORT_CSUM_ERROR send failed", zap.Error(err))
	}
}

// checksumAccepted applies the on_checksum_fail policy (spec.md §6): skip
// (the default) drops the slot on mismatch (the read handler is not
// called; Pull returns ErrChecksumMismatch), pass delivers it with
// ChecksumValid()==false for the caller to decide.
func (s *Service) checksumAccepted(valid bool) bool {
	if valid {
		return true
	}
	return s.cfg.DataBlock.OnChecksumFail == config.ChecksumFailPass
}
