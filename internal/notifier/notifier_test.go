package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamenight/internal/eventbus"
	"gamenight/internal/storage"
	kit "gamenight/internal/transport"
	logx "gamenight/pkg/logx"
)

type fakeSender struct {
	mu       sync.Mutex
	chats    []string
	direct   map[int64]int
	failChat error
	failUser map[int64]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{direct: map[int64]int{}, failUser: map[int64]error{}}
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, text)
	if f.failChat != nil {
		return kit.MessageRef{}, f.failChat
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.chats)}, nil
}

func (f *fakeSender) SendDirect(_ context.Context, userID int64, _ string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.direct[userID]++
	if err := f.failUser[userID]; err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: userID, MessageID: 1}, nil
}

func (f *fakeSender) directCalls(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.direct[id]
}

func newTestService(sender Sender, bus eventbus.Bus) *Service {
	s := New(Config{RatePerSec: 1000, RetryMax: 2, DirectMessages: true}, sender, logx.Nop(), bus)
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func testEvent() (storage.Event, storage.Subject) {
	start := time.Date(2026, 3, 6, 19, 30, 0, 0, time.UTC)
	return storage.Event{ID: "ev-1", SubjectID: "sub-1", CreatorID: 7, ChatID: -100, StartTime: start},
		storage.Subject{ID: "sub-1", Name: "Dune <Imperium>"}
}

func TestRecipients(t *testing.T) {
	t.Parallel()

	friday := storage.WeekdayMask(1 << 4)
	owners := []storage.Ownership{
		{UserID: 1, Interested: true},
		{UserID: 2, Interested: false},
		{UserID: 3, Interested: true, Days: friday},
		{UserID: 4, Interested: true, Days: storage.WeekdayMask(1)},
		{UserID: 1, Interested: true},
	}
	got := Recipients(owners, []int64{5, 3, 2}, time.Friday)
	assert.Equal(t, []int64{1, 3, 5, 2}, got)

	assert.Empty(t, Recipients(nil, nil, time.Monday))
}

func TestNotifyFinalIsolatesFailures(t *testing.T) {
	t.Parallel()

	sender := newFakeSender()
	sender.failUser[2] = fmt.Errorf("send: %w", kit.ErrRecipientUnavailable)
	sender.failUser[3] = errors.New("flaky network")

	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	s := newTestService(sender, bus)
	ev, sub := testEvent()
	rep := s.NotifyFinal(context.Background(), ev, sub, []int64{1, 2, 3, 4})

	assert.Equal(t, 3, rep.Sent)
	assert.Equal(t, 2, rep.Failed)
	require.Len(t, rep.Failures, 2)
	assert.Equal(t, int64(2), rep.Failures[0].ID)
	assert.ErrorIs(t, rep.Failures[0].Err, kit.ErrRecipientUnavailable)
	assert.Equal(t, int64(3), rep.Failures[1].ID)

	assert.Equal(t, 1, sender.directCalls(2), "refusals are not retried")
	assert.Equal(t, 3, sender.directCalls(3), "transient errors use every attempt")
	assert.Equal(t, 1, sender.directCalls(4))
	require.Len(t, sender.chats, 1)
	assert.Contains(t, sender.chats[0], "which is now!")

	failed := 0
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.TypeNotifyFailed {
			failed++
		}
	}
	assert.Equal(t, 2, failed)
}

func TestNotifyFinalWithoutDirectMessages(t *testing.T) {
	t.Parallel()

	sender := newFakeSender()
	s := New(Config{RatePerSec: 1000}, sender, logx.Nop(), nil)
	ev, sub := testEvent()

	rep := s.NotifyFinal(context.Background(), ev, sub, []int64{1, 2})
	assert.Equal(t, 1, rep.Sent)
	assert.Zero(t, sender.directCalls(1))
}

func TestNotifyPreReminder(t *testing.T) {
	t.Parallel()

	sender := newFakeSender()
	s := newTestService(sender, nil)
	ev, sub := testEvent()

	rep := s.NotifyPreReminder(context.Background(), ev, sub)
	assert.Equal(t, Report{Sent: 1}, rep)
	require.Len(t, sender.chats, 1)
	text := sender.chats[0]
	assert.Contains(t, text, "1-day reminder")
	assert.Contains(t, text, "Friday, 06 March 2026 19:30:00 UTC")
	assert.Contains(t, text, "Dune &lt;Imperium&gt;")
	assert.Contains(t, text, `tg://user?id=7`)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	sender := newFakeSender()
	sender.failChat = errors.New("bad gateway")
	s := New(Config{RatePerSec: 1000, BreakerFailures: 2, BreakerCooldown: time.Minute}, sender, logx.Nop(), nil)
	s.sleep = func(context.Context, time.Duration) error { return nil }
	ev, sub := testEvent()

	for range 2 {
		rep := s.NotifyPreReminder(context.Background(), ev, sub)
		assert.Equal(t, 1, rep.Failed)
	}
	calls := len(sender.chats)

	rep := s.NotifyPreReminder(context.Background(), ev, sub)
	require.Len(t, rep.Failures, 1)
	assert.True(t, strings.Contains(rep.Failures[0].Err.Error(), "open"))
	assert.Equal(t, calls, len(sender.chats), "open breaker short-circuits the transport")
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestNoSender(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil, logx.Nop(), nil)
	ev, sub := testEvent()
	rep := s.NotifyPreReminder(context.Background(), ev, sub)
	require.Len(t, rep.Failures, 1)
	assert.ErrorIs(t, rep.Failures[0].Err, ErrNoSender)
}
