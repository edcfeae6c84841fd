package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"gamenight/internal/task/engine"
	logx "gamenight/pkg/logx"
)

// AddCron registers a recurring job. Specs are standard 5 or 6 field cron
// expressions or descriptors such as "@every 10m". A run is skipped while the
// previous one is still queued or running. Registering an existing name
// replaces it.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeCronLocked(name)
	s.defs = append(s.defs, cronDef{name: name, spec: spec, timeout: timeout, job: job, inflight: &atomic.Bool{}})
	if s.c == nil {
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	s.log.Debug("cron registered", logx.String("name", name), logx.String("spec", spec), logx.Time("next", s.c.Entry(d.entryID).Next))
	return nil
}

// RemoveCron unregisters a recurring job and reports whether it existed.
func (s *Service) RemoveCron(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeCronLocked(strings.TrimSpace(name))
}

func (s *Service) removeCronLocked(name string) bool {
	n := 0
	removed := false
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *cronDef) error {
	name, timeout, run, inflight := d.name, d.timeout, d.job, d.inflight
	eid, err := s.c.AddJob(d.spec, cron.FuncJob(func() {
		if !inflight.CompareAndSwap(false, true) {
			s.log.Debug("cron trigger skipped: previous run in flight", logx.String("name", name))
			return
		}
		err := s.engine.Enqueue(engine.Task{
			Name:    name,
			Timeout: timeout,
			Run:     run,
			Done:    func(error) { inflight.Store(false) },
		})
		if err != nil {
			inflight.Store(false)
			s.reportEnqueueError(name, err)
		}
	}))
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}
