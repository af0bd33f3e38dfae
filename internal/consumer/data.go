package consumer

import (
	"context"
	"time"

	zmq4 "github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"github.com/Qing-LAB/pylabhub-sub002/internal/channel"
	"github.com/Qing-LAB/pylabhub-sub002/internal/zmqutil"
)

// dataLoop is the data-socket-owning goroutine, per spec.md §4.3's "data
// thread". For has_shared_memory channels, the payload already lives in
// the DataBlock; arrival of a data-socket frame only wakes the shm read
// loop early instead of waiting for its next poll interval. For
// channels with no shared memory, the frame itself carries the payload
// and is handed to Config.OnData.
func (s *Service) dataLoop(ctx context.Context) {
	defer s.wg.Done()
	if s.dataSock == nil {
		return
	}

	poller := zmq4.NewPoller()
	poller.Add(s.dataSock, zmq4.POLLIN)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		polled, err := poller.Poll(50 * time.Millisecond)
		if err != nil {
			s.log.Warn("data poll error", zap.Error(err))
			continue
		}
		if len(polled) == 0 {
			continue
		}

		var payload []byte
		if s.cfg.Pattern == channel.PatternPubSub {
			_, payload, err = zmqutil.RecvPubData(s.dataSock)
		} else {
			payload, err = zmqutil.RecvPipelineData(s.dataSock)
		}
		if err != nil {
			s.log.Warn("data recv error", zap.Error(err))
			continue
		}

		if s.cfg.HasSharedMemory {
			select {
			case s.wake <- struct{}{}:
			default:
			}
			continue
		}
		if s.cfg.OnData != nil {
			s.invokeOnData(payload)
		}
	}
}

// invokeOnData recovers a panic from the user-supplied OnData hook so a
// bad callback cannot take down the data goroutine, per SPEC_FULL.md §7's
// goroutine-top-level recover() contract.
func (s *Service) invokeOnData(payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.handlePanic("consumer OnData", r)
		}
	}()
	s.cfg.OnData(payload)
}
