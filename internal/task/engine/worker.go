package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"gamenight/internal/eventbus"
	logx "gamenight/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	// Per-worker RNG keeps retry jitter off the global lock.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, t, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	name := qt.task.Name

	s.log.Debug("task.started", logx.String("task", name), logx.Duration("queue_delay", queueDelay))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskStarted, Time: start, Data: TaskEvent{ID: qt.task.ID, Name: name, Started: start, QueueDelay: queueDelay}})

	var (
		err      error
		attempts int
	)
	maxAttempts := 1 + qt.opt.RetryMax
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = s.runAttempt(ctx, qt)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelayWithHint(qt.opt, attempt, err, rng)
		s.log.Debug("task retry scheduled", logx.String("task", name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = ErrStopping
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: name, Started: start, Duration: dur, QueueDelay: queueDelay, Attempts: attempts}
	ev := TaskEvent{ID: qt.task.ID, Name: name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", name), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFailed, Data: ev})
	} else {
		s.log.Debug("task.completed", logx.String("task", name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFinished, Data: ev})
	}
	s.record(item)

	if qt.task.Done != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("task.done_panic", logx.String("task", name), logx.Any("panic", r))
				}
			}()
			qt.task.Done(err)
		}()
	}
}

// runAttempt converts panics to errors so one bad task cannot kill a worker.
func (s *Service) runAttempt(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return applyJitter(min(ra.RetryAfter(), opt.RetryMaxDelay), opt, rng)
	}
	return backoffDelay(opt, retry, rng)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	return applyJitter(min(d, opt.RetryMaxDelay), opt, rng)
}

func applyJitter(d time.Duration, opt TaskOptions, rng *rand.Rand) time.Duration {
	if opt.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
