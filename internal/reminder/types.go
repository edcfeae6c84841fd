package reminder

import (
	"context"
	"time"

	"gamenight/internal/notifier"
	"gamenight/internal/storage"
	kit "gamenight/internal/transport"
)

// JobKind is the deferred job kind that carries an event id.
const JobKind = "reminder.fire"

type Config struct {
	// Threshold splits firings: more than this before start is a pre-reminder,
	// anything later is the final reminder.
	Threshold time.Duration
	// ConfirmWindow is how long the requester has to cancel a proposal.
	ConfirmWindow time.Duration
	CancelKeyword string
	// FirstFireLead arms the first job this long before start. It only applies
	// when it exceeds Threshold; zero keeps a single job at the start time.
	FirstFireLead time.Duration
	// ReconcileSpec is the cron spec of the consistency sweep.
	ReconcileSpec string
	// Timezone decides "today" for owners' weekday preferences.
	Timezone string
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 24 * time.Hour
	}
	if c.ConfirmWindow <= 0 {
		c.ConfirmWindow = 10 * time.Second
	}
	if c.CancelKeyword == "" {
		c.CancelKeyword = "no"
	}
	if c.FirstFireLead < 0 {
		c.FirstFireLead = 0
	}
	if c.ReconcileSpec == "" {
		c.ReconcileSpec = "@every 10m"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	return c
}

// Scheduler arms one-shot jobs. Cancel of an unknown handle returns
// scheduler.ErrJobNotFound, which callers treat as success.
type Scheduler interface {
	Schedule(ctx context.Context, kind string, fireAt time.Time, payload string) (string, error)
	Cancel(ctx context.Context, handle string) error
	Pending(ctx context.Context, handle string) (bool, error)
}

type Notifier interface {
	NotifyPreReminder(ctx context.Context, ev storage.Event, sub storage.Subject) notifier.Report
	NotifyFinal(ctx context.Context, ev storage.Event, sub storage.Subject, recipients []int64) notifier.Report
}

// Conversation is the chat the schedule command came from.
type Conversation interface {
	Reply(ctx context.Context, text string) (kit.MessageRef, error)
	Edit(ctx context.Context, ref kit.MessageRef, text string) error
	Retract(ctx context.Context, ref kit.MessageRef) error
	// AwaitReply returns the requester's next message in this chat. ok is
	// false when the timeout passed without one.
	AwaitReply(ctx context.Context, timeout time.Duration) (text string, ok bool, err error)
}

// Deps are the collaborators a Service needs. Now defaults to time.Now.
type Deps struct {
	Events    storage.EventStore
	Catalog   storage.Catalog
	Scheduler Scheduler
	Notifier  Notifier
	Now       func() time.Time
}

// Proposal is a validated but not yet persisted schedule.
type Proposal struct {
	Subject     storage.Subject
	StartTime   time.Time
	CreatorID   int64
	CreatorName string
	Chat        kit.ChatTarget
}

type Decision int

const (
	DecisionConfirm Decision = iota
	DecisionCancel
)

func (d Decision) String() string {
	if d == DecisionCancel {
		return "cancel"
	}
	return "confirm"
}

type ScheduleRequest struct {
	SubjectName string
	TimeText    string
	CreatorID   int64
	CreatorName string
	Chat        kit.ChatTarget
}

// Removal describes a cancelled event. JobCancelErr is set when the armed
// job could not be cancelled; the event is deleted regardless.
type Removal struct {
	Event        storage.Event
	Subject      storage.Subject
	JobCancelErr error
}

type Listing struct {
	Event   storage.Event
	Subject storage.Subject
}

type ReconcileReport struct {
	Checked     int
	Unscheduled []string
	Rearmed     []string
	Failed      int
}

// ReminderEvent is the payload of reminder.* bus events.
type ReminderEvent struct {
	EventID   string    `json:"event_id"`
	SubjectID string    `json:"subject_id"`
	StartTime time.Time `json:"start_time"`
	JobHandle string    `json:"job_handle,omitempty"`
	Sent      int       `json:"sent,omitempty"`
	Failed    int       `json:"failed,omitempty"`
}
