package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gamenight/internal/eventbus"
	"gamenight/internal/storage"
	logx "gamenight/pkg/logx"
)

func cleanID(id string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(id), `"`))
}

// Cancel removes a scheduled event. The armed job is cancelled best effort:
// a failure is logged and reported in Removal.JobCancelErr, and a job that
// survives it finds no record when it fires.
func (s *Service) Cancel(ctx context.Context, eventID string) (Removal, error) {
	id := cleanID(eventID)
	if id == "" {
		return Removal{}, fmt.Errorf("%w: event id is empty", ErrInvalidInput)
	}
	ev, err := s.d.Events.GetEvent(ctx, id)
	if err != nil {
		return Removal{}, storeErr("get event "+id, err)
	}
	log := s.log.With(logx.String("event_id", id))

	sub, err := s.d.Catalog.GetSubject(ctx, ev.SubjectID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Error("event references missing subject", logx.String("subject_id", ev.SubjectID))
		sub = storage.Subject{ID: ev.SubjectID, Name: ev.SubjectID}
	case err != nil:
		return Removal{}, depErr("get subject", err)
	}

	rm := Removal{Subject: sub}
	if err := s.cancelJob(ctx, ev.JobHandle); err != nil {
		log.Warn("cancel job failed", logx.String("handle", ev.JobHandle), logx.Err(err))
		rm.JobCancelErr = err
	}

	deleted, err := s.d.Events.SoftDeleteEvent(ctx, id)
	if err != nil {
		return rm, storeErr("delete event "+id, err)
	}
	rm.Event = deleted

	log.Info("reminder.cancelled", logx.String("subject", sub.Name), logx.Time("start", deleted.StartTime))
	s.publish(eventbus.TypeEventCancelled, reminderEvent(deleted))
	return rm, nil
}
