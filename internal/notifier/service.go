package notifier

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"gamenight/internal/eventbus"
	"gamenight/internal/storage"
	kit "gamenight/internal/transport"
	logx "gamenight/pkg/logx"
)

var ErrNoSender = errors.New("notifier has no sender")

// Service fans reminder messages out through a Sender. It is safe for
// concurrent use; firings for different events may overlap.
type Service struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	sender  Sender
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[kit.MessageRef]

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}

	trip := cfg.BreakerFailures
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		sender: sender,
		// Burst equals the per-second rate so a short fan-out is not throttled.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		breaker: gobreaker.NewCircuitBreaker[kit.MessageRef](gobreaker.Settings{
			Name:        "chat-api",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= trip },
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, kit.ErrRecipientUnavailable) || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit breaker state changed", logx.String("breaker", name), logx.String("from", from.String()), logx.String("to", to.String()))
			},
		}),
		sleep: sleepCtx,
	}
}

// Recipients resolves who gets the final reminder: interested owners whose
// day preference allows today, then confirmed attendees. Each user appears once.
func Recipients(owners []storage.Ownership, attendees []int64, today time.Weekday) []int64 {
	seen := make(map[int64]struct{}, len(owners)+len(attendees))
	out := make([]int64, 0, len(owners)+len(attendees))
	add := func(id int64) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, o := range owners {
		if o.Interested && o.Days.Allows(today) {
			add(o.UserID)
		}
	}
	for _, id := range attendees {
		add(id)
	}
	return out
}

// NotifyPreReminder posts the day-ahead reminder to the event's chat.
func (s *Service) NotifyPreReminder(ctx context.Context, ev storage.Event, sub storage.Subject) Report {
	var rep Report
	err := s.deliver(ctx, func(c context.Context) (kit.MessageRef, error) {
		return s.sender.SendText(c, chatOf(ev), PreReminderText(ev, sub), htmlOpts)
	})
	s.account(&rep, StagePre, ChannelChat, ev, ev.ChatID, err)
	return rep
}

// NotifyFinal posts the start announcement to the event's chat and privately
// messages each recipient. Every target is attempted.
func (s *Service) NotifyFinal(ctx context.Context, ev storage.Event, sub storage.Subject, recipients []int64) Report {
	var (
		mu  sync.Mutex
		rep Report
		g   errgroup.Group
	)
	g.SetLimit(s.cfg.Workers)

	record := func(channel string, id int64, err error) {
		mu.Lock()
		s.account(&rep, StageFinal, channel, ev, id, err)
		mu.Unlock()
	}

	g.Go(func() error {
		err := s.deliver(ctx, func(c context.Context) (kit.MessageRef, error) {
			return s.sender.SendText(c, chatOf(ev), FinalText(ev, sub, len(recipients)), htmlOpts)
		})
		record(ChannelChat, ev.ChatID, err)
		return nil
	})
	if s.cfg.DirectMessages {
		text := DirectText(ev, sub)
		for _, uid := range recipients {
			g.Go(func() error {
				err := s.deliver(ctx, func(c context.Context) (kit.MessageRef, error) {
					return s.sender.SendDirect(c, uid, text, htmlOpts)
				})
				record(ChannelDirect, uid, err)
				return nil
			})
		}
	}
	_ = g.Wait()

	sort.Slice(rep.Failures, func(i, j int) bool { return rep.Failures[i].ID < rep.Failures[j].ID })
	return rep
}

func (s *Service) account(rep *Report, stage, channel string, ev storage.Event, id int64, err error) {
	ne := NotificationEvent{Stage: stage, Channel: channel, EventID: ev.ID, At: time.Now()}
	if channel == ChannelDirect {
		ne.UserID = id
	} else {
		ne.ChatID = id
	}
	if err == nil {
		rep.Sent++
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifySent, Data: ne})
		return
	}
	rep.Failed++
	rep.Failures = append(rep.Failures, Failure{Channel: channel, ID: id, Err: err})
	ne.Error = err.Error()
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyFailed, Data: ne})
	s.log.Warn("notify failed",
		logx.String("event_id", ev.ID),
		logx.String("stage", stage),
		logx.String("channel", channel),
		logx.Int64("target", id),
		logx.Err(err),
	)
}

// deliver sends once through the limiter and breaker, retrying transient
// failures with backoff. Refusals and an open breaker are not retried.
func (s *Service) deliver(ctx context.Context, send func(ctx context.Context) (kit.MessageRef, error)) error {
	if s.sender == nil {
		return ErrNoSender
	}
	maxAttempts := 1 + s.cfg.RetryMax
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if werr := s.limiter.Wait(ctx); werr != nil {
			return werr
		}
		_, err = s.breaker.Execute(func() (kit.MessageRef, error) {
			callCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
			defer cancel()
			return send(callCtx)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, kit.ErrRecipientUnavailable) ||
			errors.Is(err, gobreaker.ErrOpenState) ||
			errors.Is(err, gobreaker.ErrTooManyRequests) ||
			ctx.Err() != nil {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		s.log.Debug("notify send failed", logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))
		if serr := s.sleep(ctx, retryDelay(s.cfg, attempt)); serr != nil {
			return err
		}
	}
	return err
}

func chatOf(ev storage.Event) kit.ChatTarget {
	return kit.ChatTarget{ChatID: ev.ChatID, ThreadID: ev.ThreadID}
}

// retryDelay is base*2^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(min(d, cfg.RetryMaxDelay)) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
