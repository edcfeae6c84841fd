package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"gamenight/internal/eventbus"
	logx "gamenight/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("task did not finish")
		return nil
	}
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, RetryMax: 3})
	var calls atomic.Int32
	done := make(chan error, 1)
	err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
		Done: func(err error) { done <- err },
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("final err=%v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls=%d, want 3", calls.Load())
	}
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, RetryMax: 5})
	perm := errors.New("permanent")
	var calls atomic.Int32
	done := make(chan error, 1)
	_ = s.Enqueue(Task{
		Name: "perm",
		Run: func(ctx context.Context) error {
			calls.Add(1)
			return NoRetry(perm)
		},
		Done: func(err error) { done <- err },
	})
	err := waitDone(t, done)
	if !errors.Is(err, perm) || IsNoRetry(err) {
		t.Fatalf("err=%v, want unwrapped permanent error", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d, want 1", calls.Load())
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1})
	done := make(chan error, 1)
	_ = s.Enqueue(Task{
		Name: "panics",
		Opt:  TaskOptions{RetryMax: -1},
		Run:  func(ctx context.Context) error { panic("boom") },
		Done: func(err error) { done <- err },
	})
	if err := waitDone(t, done); err == nil {
		t.Fatalf("expected error from panic")
	}
	if h := s.Snapshot().History; len(h) != 1 || h[0].Error == "" {
		t.Fatalf("history=%+v", h)
	}
}

func TestEnqueueStates(t *testing.T) {
	t.Parallel()

	off := New(Config{}, logx.Nop(), nil)
	if err := off.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err=%v", err)
	}
	stopped := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := stopped.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped err=%v", err)
	}
	if err := stopped.Enqueue(Task{Name: "x"}); err == nil {
		t.Fatalf("nil Run should be rejected")
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	release := make(chan struct{})
	started := make(chan struct{})
	block := func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}
	defer close(release)

	_ = s.Enqueue(Task{Name: "a", Run: block})
	<-started
	_ = s.Enqueue(Task{Name: "b", Run: block})
	if err := s.Enqueue(Task{Name: "c", Run: block}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err=%v, want ErrQueueFull", err)
	}
	if s.Snapshot().Dropped != 1 {
		t.Fatalf("dropped=%d", s.Snapshot().Dropped)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}
	rng := rand.New(rand.NewSource(1))
	cases := []struct {
		retry    int
		min, max time.Duration
	}{
		{1, 80 * time.Millisecond, 120 * time.Millisecond},
		{2, 160 * time.Millisecond, 240 * time.Millisecond},
		{10, 800 * time.Millisecond, time.Second},
	}
	for _, tc := range cases {
		d := backoffDelay(opt, tc.retry, rng)
		if d < tc.min || d > tc.max {
			t.Fatalf("retry %d: delay %s outside [%s,%s]", tc.retry, d, tc.min, tc.max)
		}
	}

	hinted := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("429"), 5*time.Second), rng)
	if hinted > time.Second {
		t.Fatalf("hint should be capped, got %s", hinted)
	}
}
