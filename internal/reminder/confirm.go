package reminder

import (
	"context"
	"fmt"
	"strings"

	"gamenight/internal/eventbus"
	"gamenight/internal/storage"
	kit "gamenight/internal/transport"
	logx "gamenight/pkg/logx"
)

// treatTimeoutAsConfirm is the confirmation policy: silence, or anything but
// the cancel keyword, confirms the proposal.
func treatTimeoutAsConfirm(reply string, timedOut bool, keyword string) bool {
	if timedOut {
		return true
	}
	return !strings.EqualFold(strings.TrimSpace(reply), strings.TrimSpace(keyword))
}

// RunConfirmation posts the prompt and waits for the requester's answer. On
// cancel the prompt is retracted and a cancellation reply is sent. The prompt
// reference is returned so the caller can edit it once the event is stored.
func (s *Service) RunConfirmation(ctx context.Context, conv Conversation, p Proposal) (Decision, kit.MessageRef, error) {
	prompt, err := conv.Reply(ctx, PromptText(p, s.cfg.ConfirmWindow, s.cfg.CancelKeyword))
	if err != nil {
		return DecisionCancel, kit.MessageRef{}, depErr("send confirmation prompt", err)
	}

	reply, ok, err := conv.AwaitReply(ctx, s.cfg.ConfirmWindow)
	if err != nil {
		return DecisionCancel, prompt, fmt.Errorf("await confirmation: %w", err)
	}
	if treatTimeoutAsConfirm(reply, !ok, s.cfg.CancelKeyword) {
		return DecisionConfirm, prompt, nil
	}

	if err := conv.Retract(ctx, prompt); err != nil {
		s.log.Warn("retract prompt failed", logx.Err(err))
	}
	if _, err := conv.Reply(ctx, CancelledText(p)); err != nil {
		s.log.Warn("send cancel reply failed", logx.Err(err))
	}
	s.log.Info("reminder.proposal_cancelled", logx.String("subject", p.Subject.Name), logx.Int64("creator", p.CreatorID))
	return DecisionCancel, prompt, nil
}

// Confirm stores the event and arms its first job. When arming fails the
// record stays with an empty handle and an *UnscheduledError is returned.
func (s *Service) Confirm(ctx context.Context, p Proposal) (storage.Event, error) {
	ev, err := s.d.Events.InsertEvent(ctx, storage.Event{
		SubjectID: p.Subject.ID,
		CreatorID: p.CreatorID,
		ChatID:    p.Chat.ChatID,
		ThreadID:  p.Chat.ThreadID,
		StartTime: p.StartTime.UTC(),
	})
	if err != nil {
		return storage.Event{}, depErr("insert event", err)
	}
	log := s.log.With(logx.String("event_id", ev.ID), logx.String("subject", p.Subject.Name))

	handle, err := s.d.Scheduler.Schedule(ctx, JobKind, s.firstFireAt(ev.StartTime), ev.ID)
	if err != nil {
		log.Error("reminder.arm_failed", logx.Err(err))
		s.publish(eventbus.TypeUnscheduled, reminderEvent(ev))
		return ev, &UnscheduledError{EventID: ev.ID, Err: err}
	}

	updated, err := s.d.Events.SwapJobHandle(ctx, ev.ID, "", handle)
	if err != nil {
		// The record does not know this job; drop it so the two stay in step.
		if cerr := s.cancelJob(ctx, handle); cerr != nil {
			log.Warn("cancel orphan job failed", logx.String("handle", handle), logx.Err(cerr))
		}
		log.Error("reminder.handle_write_failed", logx.Err(err))
		s.publish(eventbus.TypeUnscheduled, reminderEvent(ev))
		return ev, &UnscheduledError{EventID: ev.ID, Err: err}
	}

	log.Info("reminder.created", logx.Time("start", updated.StartTime), logx.String("handle", handle))
	s.publish(eventbus.TypeEventCreated, reminderEvent(updated))
	return updated, nil
}

// Schedule runs the whole command: validate, confirm with the requester,
// persist and arm. Decision reports whether the requester cancelled.
func (s *Service) Schedule(ctx context.Context, conv Conversation, req ScheduleRequest) (storage.Event, Decision, error) {
	p, err := s.Propose(ctx, req.SubjectName, req.TimeText, req.CreatorID, req.Chat)
	if err != nil {
		return storage.Event{}, DecisionCancel, err
	}
	p.CreatorName = req.CreatorName

	decision, prompt, err := s.RunConfirmation(ctx, conv, p)
	if err != nil || decision == DecisionCancel {
		return storage.Event{}, decision, err
	}

	ev, err := s.Confirm(ctx, p)
	if err != nil {
		return ev, DecisionConfirm, err
	}
	if err := conv.Edit(ctx, prompt, ScheduledText(p)); err != nil {
		s.log.Debug("edit prompt failed, replying instead", logx.Err(err))
		if _, err := conv.Reply(ctx, ScheduledText(p)); err != nil {
			s.log.Warn("send scheduled reply failed", logx.Err(err))
		}
	}
	return ev, DecisionConfirm, nil
}

func reminderEvent(ev storage.Event) ReminderEvent {
	return ReminderEvent{EventID: ev.ID, SubjectID: ev.SubjectID, StartTime: ev.StartTime, JobHandle: ev.JobHandle}
}
