package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gamenight/internal/eventbus"
	"gamenight/internal/storage"
	"gamenight/internal/task/engine"
	logx "gamenight/pkg/logx"
)

// Handle registers the handler for a job kind. Register before Start so
// persisted jobs of that kind can be restored.
func (s *Service) Handle(kind string, h Handler) {
	s.hmu.Lock()
	s.handlers[strings.TrimSpace(kind)] = h
	s.hmu.Unlock()
}

func (s *Service) hasHandler(kind string) bool {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	return s.handlers[kind] != nil
}

func (s *Service) handler(kind string) Handler {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	return s.handlers[kind]
}

// Schedule persists a one-shot job and arms its timer. The returned handle
// identifies the job for Cancel and Pending.
func (s *Service) Schedule(ctx context.Context, kind string, fireAt time.Time, payload string) (string, error) {
	kind = strings.TrimSpace(kind)
	if !s.hasHandler(kind) {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	j := storage.Job{
		Handle:    uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		FireAt:    fireAt.UTC(),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertJob(ctx, j); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}

	s.tmu.Lock()
	if s.started {
		s.armLocked(j)
	}
	s.tmu.Unlock()

	s.log.Debug("job.armed", logx.String("handle", j.Handle), logx.String("kind", kind), logx.Time("fire_at", j.FireAt))
	s.publish(eventbus.TypeJobArmed, j)
	return j.Handle, nil
}

// Cancel removes a job. It returns ErrJobNotFound when neither the store nor
// the timer table knows the handle.
func (s *Service) Cancel(ctx context.Context, handle string) error {
	if strings.TrimSpace(handle) == "" {
		return ErrJobNotFound
	}
	s.tmu.Lock()
	a, wasArmed := s.pending[handle]
	if wasArmed {
		a.timer.Stop()
		delete(s.pending, handle)
	}
	s.tmu.Unlock()

	deleted, err := s.store.DeleteJob(ctx, handle)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", handle, err)
	}
	if !deleted && !wasArmed {
		return ErrJobNotFound
	}

	j := storage.Job{Handle: handle}
	if wasArmed {
		j = a.job
	}
	s.log.Debug("job.cancelled", logx.String("handle", handle))
	s.publish(eventbus.TypeJobCancelled, j)
	return nil
}

// Pending reports whether the job is armed, running, or persisted awaiting Start.
func (s *Service) Pending(ctx context.Context, handle string) (bool, error) {
	if strings.TrimSpace(handle) == "" {
		return false, nil
	}
	s.tmu.Lock()
	_, ok := s.pending[handle]
	s.tmu.Unlock()
	if ok {
		return true, nil
	}
	_, err := s.store.GetJob(ctx, handle)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// armLocked must be called with s.tmu held.
func (s *Service) armLocked(j storage.Job) {
	if prev, ok := s.pending[j.Handle]; ok {
		prev.timer.Stop()
	}
	a := &armed{job: j}
	a.timer = time.AfterFunc(max(time.Until(j.FireAt), 0), func() { s.fire(a) })
	s.pending[j.Handle] = a
}

func (s *Service) fire(a *armed) {
	s.tmu.Lock()
	// Cancelled or replaced while the timer was in flight.
	if s.pending[a.job.Handle] != a || a.firing {
		s.tmu.Unlock()
		return
	}
	a.firing = true
	s.tmu.Unlock()

	h := s.handler(a.job.Kind)
	if h == nil {
		s.log.Error("job kind lost its handler", logx.String("handle", a.job.Handle), logx.String("kind", a.job.Kind))
		s.forget(a)
		return
	}
	payload := a.job.Payload
	err := s.engine.Enqueue(engine.Task{
		ID:      a.job.Handle,
		Name:    "job." + a.job.Kind,
		Timeout: s.cfg.JobTimeout,
		Run:     func(ctx context.Context) error { return h(ctx, payload) },
		Done:    func(err error) { s.finish(a, err) },
	})
	if err == nil {
		return
	}

	s.reportEnqueueError(a.job.Kind, err)
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if s.pending[a.job.Handle] != a {
		return
	}
	a.firing = false
	if errors.Is(err, engine.ErrQueueFull) {
		a.timer = time.AfterFunc(s.cfg.RequeueDelay, func() { s.fire(a) })
	}
	// Any other error means the engine is stopping; the row stays for the next Start.
}

// finish runs after the final attempt. The row is removed either way: a
// failed job is recovered by the owner re-arming from its own record.
func (s *Service) finish(a *armed, runErr error) {
	s.forget(a)
	if runErr != nil {
		s.log.Warn("job.failed", logx.String("handle", a.job.Handle), logx.String("kind", a.job.Kind), logx.Err(runErr))
	}
}

func (s *Service) forget(a *armed) {
	s.tmu.Lock()
	if s.pending[a.job.Handle] == a {
		delete(s.pending, a.job.Handle)
	}
	s.tmu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.store.DeleteJob(ctx, a.job.Handle); err != nil {
		s.log.Warn("job row cleanup failed", logx.String("handle", a.job.Handle), logx.Err(err))
	}
}
