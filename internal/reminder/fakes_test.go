package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gamenight/internal/notifier"
	"gamenight/internal/storage"
	"gamenight/internal/task/scheduler"
	kit "gamenight/internal/transport"
	logx "gamenight/pkg/logx"
)

type fakeJob struct {
	handle string
	fireAt time.Time
	event  string
}

type fakeScheduler struct {
	mu        sync.Mutex
	seq       int
	jobs      map[string]fakeJob
	cancelled []string
	failNext  error
	cancelErr error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: map[string]fakeJob{}}
}

func (f *fakeScheduler) Schedule(_ context.Context, kind string, fireAt time.Time, payload string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind != JobKind {
		return "", scheduler.ErrUnknownKind
	}
	if err := f.failNext; err != nil {
		f.failNext = nil
		return "", err
	}
	f.seq++
	h := fmt.Sprintf("job-%d", f.seq)
	f.jobs[h] = fakeJob{handle: h, fireAt: fireAt, event: payload}
	return h, nil
}

func (f *fakeScheduler) Cancel(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	if _, ok := f.jobs[handle]; !ok {
		return scheduler.ErrJobNotFound
	}
	delete(f.jobs, handle)
	f.cancelled = append(f.cancelled, handle)
	return nil
}

func (f *fakeScheduler) Pending(_ context.Context, handle string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.jobs[handle]
	return ok, nil
}

// consume simulates the scheduler firing and removing a job.
func (f *fakeScheduler) consume(handle string) {
	f.mu.Lock()
	delete(f.jobs, handle)
	f.mu.Unlock()
}

func (f *fakeScheduler) forEvent(id string) []fakeJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeJob
	for _, j := range f.jobs {
		if j.event == id {
			out = append(out, j)
		}
	}
	return out
}

type fakeNotifier struct {
	mu         sync.Mutex
	pre        []string
	final      []string
	recipients [][]int64
}

func (f *fakeNotifier) NotifyPreReminder(_ context.Context, ev storage.Event, _ storage.Subject) notifier.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pre = append(f.pre, ev.ID)
	return notifier.Report{Sent: 1}
}

func (f *fakeNotifier) NotifyFinal(_ context.Context, ev storage.Event, _ storage.Subject, recipients []int64) notifier.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.final = append(f.final, ev.ID)
	f.recipients = append(f.recipients, recipients)
	return notifier.Report{Sent: 1 + len(recipients)}
}

type fakeConv struct {
	mu        sync.Mutex
	replies   []string
	edits     []string
	retracted []kit.MessageRef
	answer    string
	answered  bool
	awaitErr  error
	seq       int
}

func (c *fakeConv) Reply(_ context.Context, text string) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.replies = append(c.replies, text)
	return kit.MessageRef{ChatID: -1, MessageID: c.seq}, nil
}

func (c *fakeConv) Edit(_ context.Context, _ kit.MessageRef, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edits = append(c.edits, text)
	return nil
}

func (c *fakeConv) Retract(_ context.Context, ref kit.MessageRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retracted = append(c.retracted, ref)
	return nil
}

func (c *fakeConv) AwaitReply(_ context.Context, _ time.Duration) (string, bool, error) {
	return c.answer, c.answered, c.awaitErr
}

// failingEvents wraps a store and fails handle swaps on demand.
type failingEvents struct {
	storage.EventStore
	swapErr error
}

func (f *failingEvents) SwapJobHandle(ctx context.Context, id, old, handle string) (storage.Event, error) {
	if f.swapErr != nil {
		return storage.Event{}, f.swapErr
	}
	return f.EventStore.SwapJobHandle(ctx, id, old, handle)
}

// hookScheduler runs onPending once, before answering the first Pending call.
type hookScheduler struct {
	*fakeScheduler
	once      sync.Once
	onPending func(handle string)
}

func (h *hookScheduler) Pending(ctx context.Context, handle string) (bool, error) {
	h.once.Do(func() { h.onPending(handle) })
	return h.fakeScheduler.Pending(ctx, handle)
}

// hookNotifier runs onPre while the pre-reminder is being delivered.
type hookNotifier struct {
	*fakeNotifier
	onPre func(ev storage.Event)
}

func (h *hookNotifier) NotifyPreReminder(ctx context.Context, ev storage.Event, sub storage.Subject) notifier.Report {
	h.onPre(ev)
	return h.fakeNotifier.NotifyPreReminder(ctx, ev, sub)
}

var errBoom = errors.New("boom")

type fixture struct {
	svc   *Service
	store *storage.Memory
	sched *fakeScheduler
	notif *fakeNotifier
	now   time.Time
	chess storage.Subject
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	chess, err := store.UpsertSubject(ctx, "Chess")
	if err != nil {
		t.Fatalf("seed subject: %v", err)
	}
	f := &fixture{
		store: store,
		sched: newFakeScheduler(),
		notif: &fakeNotifier{},
		// A Friday.
		now:   time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC),
		chess: chess,
	}
	f.svc = New(cfg, Deps{
		Events:    store,
		Catalog:   store,
		Scheduler: f.sched,
		Notifier:  f.notif,
		Now:       func() time.Time { return f.now },
	}, logx.Nop(), nil)
	return f
}

func (f *fixture) schedule(t *testing.T, start time.Time) storage.Event {
	t.Helper()
	p := Proposal{Subject: f.chess, StartTime: start, CreatorID: 7, Chat: kit.ChatTarget{ChatID: -100}}
	ev, err := f.svc.Confirm(context.Background(), p)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	return ev
}
