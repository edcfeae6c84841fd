package reminder

import (
	"context"
	"errors"
	"time"

	"gamenight/internal/eventbus"
	"gamenight/internal/task/scheduler"
	logx "gamenight/pkg/logx"
)

type Service struct {
	cfg Config
	loc *time.Location
	log logx.Logger
	bus eventbus.Bus
	d   Deps
}

func New(cfg Config, d Deps, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Warn("invalid reminder timezone, using UTC", logx.String("tz", cfg.Timezone), logx.Err(err))
		loc = time.UTC
	}
	return &Service{cfg: cfg, loc: loc, log: log, bus: bus, d: d}
}

func (s *Service) Config() Config { return s.cfg }

func (s *Service) now() time.Time { return s.d.Now().UTC() }

// firstFireAt is when the first job of a new event should run.
func (s *Service) firstFireAt(start time.Time) time.Time {
	lead := s.cfg.FirstFireLead
	if lead > s.cfg.Threshold {
		if at := start.Add(-lead); at.After(s.now()) {
			return at
		}
	}
	return start
}

// cancelJob cancels a handle, treating an unknown one as done.
func (s *Service) cancelJob(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}
	err := s.d.Scheduler.Cancel(ctx, handle)
	if err == nil || errors.Is(err, scheduler.ErrJobNotFound) {
		return nil
	}
	return err
}

func (s *Service) publish(typ string, ev ReminderEvent) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}
