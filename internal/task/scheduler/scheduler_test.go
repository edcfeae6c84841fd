package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamenight/internal/eventbus"
	"gamenight/internal/storage"
	"gamenight/internal/task/engine"
	logx "gamenight/pkg/logx"
)

type harness struct {
	sched *Service
	eng   *engine.Service
	store *storage.Memory
	fired chan string
}

func newHarness(t *testing.T, store *storage.Memory) *harness {
	t.Helper()
	if store == nil {
		store = storage.NewMemory()
	}
	bus := eventbus.New()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2, RetryMax: 1}, logx.Nop(), bus)
	eng.Start(context.Background())

	h := &harness{
		sched: New(Config{RequeueDelay: 10 * time.Millisecond}, eng, store, logx.Nop(), bus),
		eng:   eng,
		store: store,
		fired: make(chan string, 16),
	}
	h.sched.Handle("test.fire", func(ctx context.Context, payload string) error {
		h.fired <- payload
		return nil
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.sched.Stop(ctx)
		eng.Stop(ctx)
	})
	return h
}

func (h *harness) waitFired(t *testing.T) string {
	t.Helper()
	select {
	case p := <-h.fired:
		return p
	case <-time.After(3 * time.Second):
		t.Fatalf("job did not fire")
		return ""
	}
}

func TestScheduleFiresAndCleansUp(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.sched.Start(ctx))

	handle, err := h.sched.Schedule(ctx, "test.fire", time.Now().Add(20*time.Millisecond), "event-1")
	require.NoError(t, err)
	ok, err := h.sched.Pending(ctx, handle)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, "event-1", h.waitFired(t))
	require.Eventually(t, func() bool {
		ok, _ := h.sched.Pending(ctx, handle)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	_, err = h.store.GetJob(ctx, handle)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCancelPreventsFiring(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.sched.Start(ctx))

	handle, err := h.sched.Schedule(ctx, "test.fire", time.Now().Add(50*time.Millisecond), "never")
	require.NoError(t, err)
	require.NoError(t, h.sched.Cancel(ctx, handle))
	assert.ErrorIs(t, h.sched.Cancel(ctx, handle), ErrJobNotFound)

	select {
	case p := <-h.fired:
		t.Fatalf("cancelled job fired with %q", p)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestStartRestoresPersistedJobs(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.InsertJob(ctx, storage.Job{Handle: "overdue", Kind: "test.fire", Payload: "late", FireAt: time.Now().Add(-time.Hour)}))
	require.NoError(t, store.InsertJob(ctx, storage.Job{Handle: "orphan", Kind: "unknown.kind", Payload: "x", FireAt: time.Now()}))

	h := newHarness(t, store)
	require.NoError(t, h.sched.Start(ctx))

	assert.Equal(t, "late", h.waitFired(t))
	_, err := store.GetJob(ctx, "orphan")
	assert.NoError(t, err, "jobs without a handler stay in the store")
}

func TestScheduleBeforeStartIsPersisted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	handle, err := h.sched.Schedule(ctx, "test.fire", time.Now(), "queued")
	require.NoError(t, err)

	ok, err := h.sched.Pending(ctx, handle)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, h.sched.Start(ctx))
	assert.Equal(t, "queued", h.waitFired(t))
}

func TestScheduleUnknownKind(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, err := h.sched.Schedule(context.Background(), "nope", time.Now(), "")
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestAddCronRuns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	var runs atomic.Int32
	require.NoError(t, h.sched.AddCron("sweep", "@every 1s", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))
	assert.Error(t, h.sched.AddCron("bad", "not a spec", 0, func(context.Context) error { return nil }))
	require.NoError(t, h.sched.Start(context.Background()))

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Len(t, h.sched.Snapshot().Cron, 1)
	assert.True(t, h.sched.RemoveCron("sweep"))
	assert.False(t, h.sched.RemoveCron("sweep"))
}
