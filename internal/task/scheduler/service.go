package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"gamenight/internal/eventbus"
	"gamenight/internal/storage"
	"gamenight/internal/task/engine"
	logx "gamenight/pkg/logx"
)

func New(cfg Config, eng *engine.Service, store storage.JobStore, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = 5 * time.Second
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		engine: eng,
		store:  store,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		handlers:    map[string]Handler{},
		pending:     map[string]*armed{},
		lastEnqWarn: map[string]time.Time{},
	}
}

// Start begins cron triggering and re-arms every persisted job. Jobs whose
// fire time passed while the process was down fire right away.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return nil
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		if err := s.addCronLocked(&s.defs[i]); err != nil {
			s.log.Error("cron register failed", logx.String("name", s.defs[i].name), logx.String("spec", s.defs[i].spec), logx.Err(err))
		}
	}
	s.c.Start()
	crons := len(s.defs)
	s.mu.Unlock()

	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return err
	}

	s.tmu.Lock()
	s.started = true
	restored, overdue := 0, 0
	now := time.Now()
	for _, j := range jobs {
		if _, ok := s.pending[j.Handle]; ok {
			continue
		}
		if !s.hasHandler(j.Kind) {
			s.log.Warn("persisted job has no handler; leaving it in store", logx.String("handle", j.Handle), logx.String("kind", j.Kind))
			continue
		}
		if !j.FireAt.After(now) {
			overdue++
		}
		s.armLocked(j)
		restored++
	}
	s.tmu.Unlock()

	s.log.Info("scheduler started",
		logx.String("tz", loc.String()),
		logx.Int("cron", crons),
		logx.Int("jobs_restored", restored),
		logx.Int("jobs_overdue", overdue),
	)
	return nil
}

// Stop halts cron and every in-memory timer. Persisted jobs stay in the store
// and are re-armed by the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.tmu.Lock()
	for _, a := range s.pending {
		a.timer.Stop()
	}
	s.pending = map[string]*armed{}
	s.started = false
	s.tmu.Unlock()

	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	if s.c != nil {
		for _, d := range s.defs {
			e := s.c.Entry(d.entryID)
			snap.Cron = append(snap.Cron, CronInfo{Name: d.name, Spec: d.spec, Next: e.Next, Prev: e.Prev})
		}
	}
	s.mu.Unlock()

	s.tmu.Lock()
	for _, a := range s.pending {
		if a.firing {
			snap.Firing++
		} else {
			snap.Armed++
		}
	}
	s.tmu.Unlock()
	return snap
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

func (s *Service) publish(typ string, j storage.Job) {
	s.bus.Publish(eventbus.Event{Type: typ, Data: JobEvent{Handle: j.Handle, Kind: j.Kind, FireAt: j.FireAt}})
}
