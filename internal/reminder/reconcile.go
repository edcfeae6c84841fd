package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gamenight/internal/eventbus"
	"gamenight/internal/storage"
	logx "gamenight/pkg/logx"
)

// List returns live events ordered by start time.
func (s *Service) List(ctx context.Context) ([]Listing, error) {
	events, err := s.d.Events.ListEvents(ctx)
	if err != nil {
		return nil, depErr("list events", err)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].StartTime.Before(events[j].StartTime) })

	subjects := map[string]storage.Subject{}
	out := make([]Listing, 0, len(events))
	for _, ev := range events {
		sub, ok := subjects[ev.SubjectID]
		if !ok {
			sub, err = s.d.Catalog.GetSubject(ctx, ev.SubjectID)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				sub = storage.Subject{ID: ev.SubjectID, Name: ev.SubjectID}
			case err != nil:
				return nil, depErr("get subject", err)
			}
			subjects[ev.SubjectID] = sub
		}
		out = append(out, Listing{Event: ev, Subject: sub})
	}
	return out, nil
}

// Rearm arms a fresh job for an event, replacing any handle it had. It is the
// manual retry for events left unscheduled.
func (s *Service) Rearm(ctx context.Context, eventID string) (storage.Event, error) {
	id := cleanID(eventID)
	for attempt := 0; ; attempt++ {
		ev, err := s.d.Events.GetEvent(ctx, id)
		if err != nil {
			return storage.Event{}, storeErr("get event "+id, err)
		}
		updated, err := s.rearm(ctx, ev)
		if errors.Is(err, storage.ErrHandleMoved) && attempt < rearmAttempts-1 {
			continue
		}
		return updated, err
	}
}

const rearmAttempts = 3

// rearm replaces ev.JobHandle with a fresh job. The swap only lands while the
// stored handle still equals ev.JobHandle; otherwise the new job is withdrawn
// and the result wraps storage.ErrHandleMoved.
func (s *Service) rearm(ctx context.Context, ev storage.Event) (storage.Event, error) {
	log := s.log.With(logx.String("event_id", ev.ID))
	old := ev.JobHandle

	handle, err := s.d.Scheduler.Schedule(ctx, JobKind, s.firstFireAt(ev.StartTime), ev.ID)
	if err != nil {
		return ev, &UnscheduledError{EventID: ev.ID, Err: err}
	}
	updated, err := s.d.Events.SwapJobHandle(ctx, ev.ID, old, handle)
	if err != nil {
		if cerr := s.cancelJob(ctx, handle); cerr != nil {
			log.Warn("cancel new job failed", logx.String("handle", handle), logx.Err(cerr))
		}
		if errors.Is(err, storage.ErrHandleMoved) {
			return ev, fmt.Errorf("write job handle: %w", err)
		}
		return ev, storeErr("write job handle", err)
	}
	if err := s.cancelJob(ctx, old); err != nil {
		log.Warn("cancel previous job failed", logx.String("handle", old), logx.Err(err))
	}

	log.Info("reminder.rearmed", logx.String("old_handle", old), logx.String("handle", handle))
	s.publish(eventbus.TypeRearmed, reminderEvent(updated))
	return updated, nil
}

// Reconcile compares events with the scheduler. Events without a handle are
// reported for a manual rearm; events whose handle is no longer pending lost
// their job (exhausted retries, a crash between writes) and are re-armed.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	events, err := s.d.Events.ListEvents(ctx)
	if err != nil {
		return ReconcileReport{}, depErr("list events", err)
	}

	var rep ReconcileReport
	for _, ev := range events {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Checked++
		if ev.JobHandle == "" {
			rep.Unscheduled = append(rep.Unscheduled, ev.ID)
			s.log.Warn("reminder.unscheduled", logx.String("event_id", ev.ID), logx.Time("start", ev.StartTime))
			s.publish(eventbus.TypeUnscheduled, reminderEvent(ev))
			continue
		}
		ok, err := s.d.Scheduler.Pending(ctx, ev.JobHandle)
		if err != nil {
			rep.Failed++
			s.log.Warn("pending check failed", logx.String("event_id", ev.ID), logx.Err(err))
			continue
		}
		if ok {
			continue
		}
		_, err = s.rearm(ctx, ev)
		if errors.Is(err, storage.ErrHandleMoved) {
			// A firing or a manual rearm replaced the handle after the listing.
			s.log.Debug("reconcile skipped moved handle", logx.String("event_id", ev.ID))
			continue
		}
		if err != nil {
			rep.Failed++
			s.log.Warn("reconcile rearm failed", logx.String("event_id", ev.ID), logx.Err(err))
			continue
		}
		rep.Rearmed = append(rep.Rearmed, ev.ID)
	}

	if len(rep.Unscheduled) > 0 || len(rep.Rearmed) > 0 || rep.Failed > 0 {
		s.log.Info("reminder.reconciled",
			logx.Int("checked", rep.Checked),
			logx.Int("unscheduled", len(rep.Unscheduled)),
			logx.Int("rearmed", len(rep.Rearmed)),
			logx.Int("failed", rep.Failed),
		)
	}
	return rep, nil
}
