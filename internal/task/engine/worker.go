package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync/atomic"
	"time"

	"wadispatch/pkg/logx"
)

func (s *Service) worker(ctx context.Context, queue <-chan queuedTask) {
	for {
		select {
		case <-ctx.Done():
			return
		case qt := <-queue:
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, qt)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	log := s.log.With(logx.String("task", qt.task.Name), logx.String("id", qt.task.ID))
	log.Debug("task.started", logx.Duration("queue_delay", queueDelay))
	s.emit("task.started", TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start})

	var (
		err      error
		attempts int
	)
	for attempts = 1; ; attempts++ {
		err = s.runOnce(ctx, qt, log)
		if err == nil || IsNoRetry(err) || attempts > qt.opt.RetryMax {
			break
		}
		delay := backoffDelay(qt.opt, attempts, err)
		log.Debug("task retry scheduled", logx.Int("attempt", attempts+1), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			err = ctx.Err()
		case <-t.C:
			continue
		}
		break
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error, ev.Error = err.Error(), err.Error()
		log.Warn("task.failed", logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.emit("task.failed", ev)
	} else {
		log.Debug("task.completed", logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.emit("task.finished", ev)
	}

	if qt.state != nil {
		qt.state.release()
	}
	cfg := s.config()
	if ctx.Err() == nil {
		s.circuits.record(qt.task.Name, cfg, time.Now(), err)
	}
	s.record(cfg, item)
}

func (s *Service) runOnce(ctx context.Context, qt queuedTask, log logx.Logger) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(ctx)
}

// backoffDelay doubles from RetryBase per retry, prefers an explicit
// RetryAfter hint, and applies symmetric jitter. The result never exceeds
// RetryMaxDelay.
func backoffDelay(opt TaskOptions, retry int, err error) time.Duration {
	d := opt.RetryBase
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
			d *= 2
		}
	}
	if opt.RetryJitter > 0 && d > 0 {
		d = time.Duration(float64(d) * (1 + (rand.Float64()*2-1)*opt.RetryJitter))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
