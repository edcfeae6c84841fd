package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("fails", func(ctx context.Context) error { return errors.New("boom") })
	s.Go0("waits", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || err.Error() != "fails: boom" {
		t.Fatalf("Wait err=%v", err)
	}
	if s.Counters().Active != 0 {
		t.Fatalf("active=%d", s.Counters().Active)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	s.Go0("panics", func(ctx context.Context) { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatalf("expected panic to surface as error")
	}
}

func TestGoRestartRetriesUntilMax(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s := NewSupervisor(context.Background())
	s.GoRestart("flaky", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("nope")
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithMaxRestarts(3), WithFatalOnFinalError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatalf("expected final error")
	}
	if got := runs.Load(); got != 4 {
		t.Fatalf("runs=%d, want 4", got)
	}
}

func TestStopCancelsContext(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	s.Go0("loop", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Context().Err() == nil {
		t.Fatalf("context should be cancelled")
	}
}
