package reminder

import (
	"context"
	"errors"
	"fmt"

	"gamenight/internal/eventbus"
	"gamenight/internal/notifier"
	"gamenight/internal/storage"
	"gamenight/internal/task/engine"
	logx "gamenight/pkg/logx"
)

// Fire is the deferred job handler. The payload is the event id; everything
// else is reloaded so a job restored after a restart sees current state.
//
// A returned error marks the attempt failed and leaves re-delivery to the
// task engine's retry policy.
func (s *Service) Fire(ctx context.Context, payload string) error {
	id := cleanID(payload)
	log := s.log.With(logx.String("event_id", id))

	ev, err := s.d.Events.GetEvent(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		log.Info("reminder.stale_job", logx.String("reason", "event gone"))
		return nil
	}
	if err != nil {
		return depErr("reload event", err)
	}

	sub, err := s.d.Catalog.GetSubject(ctx, ev.SubjectID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Error("reminder.integrity", logx.String("subject_id", ev.SubjectID))
		return engine.NoRetry(fmt.Errorf("%w: event %s references missing subject %s", ErrIntegrity, ev.ID, ev.SubjectID))
	}
	if err != nil {
		return depErr("reload subject", err)
	}

	remaining := ev.StartTime.Sub(s.now())
	log = log.With(logx.String("subject", sub.Name), logx.Duration("remaining", remaining))
	if remaining > s.cfg.Threshold {
		return s.firePre(ctx, log, ev, sub)
	}
	return s.fireFinal(ctx, log, ev, sub)
}

func (s *Service) firePre(ctx context.Context, log logx.Logger, ev storage.Event, sub storage.Subject) error {
	rep := s.d.Notifier.NotifyPreReminder(ctx, ev, sub)

	// Same target time: the next firing is the final one.
	handle, err := s.d.Scheduler.Schedule(ctx, JobKind, ev.StartTime, ev.ID)
	if err != nil {
		return depErr("re-arm", err)
	}
	updated, err := s.d.Events.SwapJobHandle(ctx, ev.ID, ev.JobHandle, handle)
	if err != nil {
		if cerr := s.cancelJob(ctx, handle); cerr != nil {
			log.Warn("cancel re-armed job failed", logx.String("handle", handle), logx.Err(cerr))
		}
		switch {
		case errors.Is(err, storage.ErrNotFound):
			log.Info("reminder.cancelled_during_fire")
			return nil
		case errors.Is(err, storage.ErrHandleMoved):
			// Re-armed by someone else while we were firing; their job wins.
			log.Info("reminder.rearmed_during_fire")
			return nil
		}
		return depErr("write job handle", err)
	}
	// The handle we replaced is either this job or a live duplicate.
	if err := s.cancelJob(ctx, ev.JobHandle); err != nil {
		log.Warn("cancel replaced job failed", logx.String("handle", ev.JobHandle), logx.Err(err))
	}
	ev = updated

	log.Info("reminder.pre_fired", logx.String("handle", handle), logx.Int("sent", rep.Sent), logx.Int("failed", rep.Failed))
	e := reminderEvent(ev)
	e.Sent, e.Failed = rep.Sent, rep.Failed
	s.publish(eventbus.TypePreReminderFired, e)
	return nil
}

func (s *Service) fireFinal(ctx context.Context, log logx.Logger, ev storage.Event, sub storage.Subject) error {
	owners, err := s.d.Catalog.ListOwners(ctx, sub.ID)
	if err != nil {
		return depErr("list owners", err)
	}
	today := s.now().In(s.loc).Weekday()
	recipients := notifier.Recipients(owners, ev.Attendees, today)
	rep := s.d.Notifier.NotifyFinal(ctx, ev, sub, recipients)

	if _, err := s.d.Events.SoftDeleteEvent(ctx, ev.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return depErr("delete fired event", err)
	}

	log.Info("reminder.final_fired",
		logx.Int("recipients", len(recipients)),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.String("weekday", today.String()),
	)
	e := reminderEvent(ev)
	e.Sent, e.Failed = rep.Sent, rep.Failed
	s.publish(eventbus.TypeFinalFired, e)
	return nil
}
