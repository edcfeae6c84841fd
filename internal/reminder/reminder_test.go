package reminder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamenight/internal/storage"
	"gamenight/internal/task/engine"
	kit "gamenight/internal/transport"
)

func TestTreatTimeoutAsConfirm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		reply    string
		timedOut bool
		want     bool
	}{
		{name: "timeout", timedOut: true, want: true},
		{name: "keyword", reply: "no", want: false},
		{name: "keyword any case", reply: "  No ", want: false},
		{name: "other reply", reply: "nope", want: true},
		{name: "yes", reply: "yes", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, treatTimeoutAsConfirm(tt.reply, tt.timedOut, "no"))
		})
	}
}

func TestProposeValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	chat := kit.ChatTarget{ChatID: -100}

	_, err := f.svc.Propose(ctx, "", "10/03/2026 20:00", 1, chat)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Propose(ctx, "Go", "10/03/2026 20:00", 1, chat)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Propose(ctx, "chess", "whenever", 1, chat)
	assert.ErrorIs(t, err, ErrInvalidTimeFormat)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Propose(ctx, "chess", "01/03/2026 20:00", 1, chat)
	assert.ErrorIs(t, err, ErrInvalidTimeFormat, "past times are rejected")
	assert.ErrorIs(t, err, ErrStartInPast)

	p, err := f.svc.Propose(ctx, `"CHESS"`, "10/03/2026 20:00", 1, chat)
	require.NoError(t, err)
	assert.Equal(t, f.chess.ID, p.Subject.ID)
	assert.Equal(t, time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC), p.StartTime)
}

func TestScheduleCancelledByKeyword(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	conv := &fakeConv{answer: "NO", answered: true}
	_, decision, err := f.svc.Schedule(context.Background(), conv, ScheduleRequest{
		SubjectName: "Chess", TimeText: "10/03/2026 20:00", CreatorID: 7, CreatorName: "ann",
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionCancel, decision)

	events, err := f.store.ListEvents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Len(t, conv.retracted, 1)
	require.Len(t, conv.replies, 2)
	assert.Contains(t, conv.replies[1], "Cancelled")
	assert.Empty(t, f.sched.jobs)
}

func TestScheduleConfirmedOnTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	conv := &fakeConv{}
	ev, decision, err := f.svc.Schedule(context.Background(), conv, ScheduleRequest{
		SubjectName: "Chess", TimeText: "2026-03-10T20:00:00Z", CreatorID: 7, Chat: kit.ChatTarget{ChatID: -100, ThreadID: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionConfirm, decision)

	start := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)
	stored, err := f.store.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, start, stored.StartTime)
	assert.Equal(t, 3, stored.ThreadID)

	jobs := f.sched.forEvent(ev.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, stored.JobHandle, jobs[0].handle)
	assert.Equal(t, start, jobs[0].fireAt)
	require.Len(t, conv.edits, 1)
	assert.Contains(t, conv.edits[0], "you have scheduled a game of 'Chess'")
}

func TestAwaitErrorAbortsSchedule(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	conv := &fakeConv{awaitErr: context.Canceled}
	_, _, err := f.svc.Schedule(context.Background(), conv, ScheduleRequest{SubjectName: "Chess", TimeText: "10/03/2026 20:00"})
	assert.ErrorIs(t, err, context.Canceled)
	events, _ := f.store.ListEvents(context.Background())
	assert.Empty(t, events)
}

func TestConfirmArmFailureLeavesUnscheduled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.sched.failNext = errBoom
	ev, err := f.svc.Confirm(context.Background(), Proposal{Subject: f.chess, StartTime: f.now.Add(48 * time.Hour)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnscheduled)
	assert.ErrorIs(t, err, ErrDependency)
	var ue *UnscheduledError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, ev.ID, ue.EventID)

	stored, err := f.store.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.JobHandle)

	rep, err := f.svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{ev.ID}, rep.Unscheduled)

	rearmed, err := f.svc.Rearm(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, rearmed.JobHandle)
}

func TestFirstFireLead(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Threshold: 23 * time.Hour, FirstFireLead: 24 * time.Hour})
	start := f.now.Add(72 * time.Hour)
	ev := f.schedule(t, start)
	assert.Equal(t, start.Add(-24*time.Hour), f.sched.jobs[ev.JobHandle].fireAt)

	soon := f.schedule(t, f.now.Add(2*time.Hour))
	assert.Equal(t, f.now.Add(2*time.Hour), f.sched.jobs[soon.JobHandle].fireAt, "lead past now falls back to start")
}

func TestFirePreReminderRearms(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	start := f.now.Add(30 * time.Hour)
	ev := f.schedule(t, start)
	old := ev.JobHandle
	f.sched.consume(old)

	require.NoError(t, f.svc.Fire(context.Background(), ev.ID))

	stored, err := f.store.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.NotEqual(t, old, stored.JobHandle)
	assert.Equal(t, start, stored.StartTime)
	assert.Equal(t, []string{ev.ID}, f.notif.pre)
	assert.Empty(t, f.notif.final)

	jobs := f.sched.forEvent(ev.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, start, jobs[0].fireAt)
}

func TestFireFinalDeletesAndFiltersRecipients(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	friday, err := storage.ParseWeekdayMask("0000100")
	require.NoError(t, err)
	monday, err := storage.ParseWeekdayMask("1000000")
	require.NoError(t, err)
	require.NoError(t, f.store.UpsertOwnership(ctx, storage.Ownership{SubjectID: f.chess.ID, UserID: 1, Interested: true}))
	require.NoError(t, f.store.UpsertOwnership(ctx, storage.Ownership{SubjectID: f.chess.ID, UserID: 2, Interested: true, Days: friday}))
	require.NoError(t, f.store.UpsertOwnership(ctx, storage.Ownership{SubjectID: f.chess.ID, UserID: 3, Interested: true, Days: monday}))
	require.NoError(t, f.store.UpsertOwnership(ctx, storage.Ownership{SubjectID: f.chess.ID, UserID: 4, Interested: false}))

	ev := f.schedule(t, f.now.Add(time.Hour))
	_, err = f.svc.ToggleSignup(ctx, ev.ID, 9)
	require.NoError(t, err)
	f.now = ev.StartTime.Add(time.Minute)
	f.sched.consume(ev.JobHandle)

	require.NoError(t, f.svc.Fire(ctx, ev.ID))

	_, err = f.store.GetEvent(ctx, ev.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	require.Len(t, f.notif.recipients, 1)
	assert.ElementsMatch(t, []int64{1, 2, 9}, f.notif.recipients[0])
	assert.Empty(t, f.sched.forEvent(ev.ID))

	// A second firing for a deleted event is a silent no-op.
	require.NoError(t, f.svc.Fire(ctx, ev.ID))
	assert.Len(t, f.notif.final, 1)
}

func TestFireBoundary(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ev := f.schedule(t, f.now.Add(24*time.Hour))
	require.NoError(t, f.svc.Fire(context.Background(), ev.ID))
	assert.Len(t, f.notif.final, 1, "exactly the threshold is final")
	assert.Empty(t, f.notif.pre)
}

func TestFireMissingSubjectIsIntegrityFault(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ev, err := f.store.InsertEvent(context.Background(), storage.Event{SubjectID: "ghost", StartTime: f.now.Add(time.Hour)})
	require.NoError(t, err)

	err = f.svc.Fire(context.Background(), ev.ID)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.True(t, engine.IsNoRetry(err))
	assert.Empty(t, f.notif.final)
}

func TestFirePreCancelledDuringFire(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ev := f.schedule(t, f.now.Add(48*time.Hour))
	f.sched.consume(ev.JobHandle)
	f.svc.d.Events = &failingEvents{EventStore: f.store, swapErr: storage.ErrNotFound}

	require.NoError(t, f.svc.Fire(context.Background(), ev.ID))
	assert.Empty(t, f.sched.forEvent(ev.ID), "the re-armed job is withdrawn")
}

func TestFirePersistenceFailureIsReturned(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ev := f.schedule(t, f.now.Add(48*time.Hour))
	f.sched.consume(ev.JobHandle)
	f.svc.d.Events = &failingEvents{EventStore: f.store, swapErr: errBoom}

	err := f.svc.Fire(context.Background(), ev.ID)
	assert.ErrorIs(t, err, ErrDependency)
	assert.ErrorIs(t, err, errBoom)
}

func TestCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	ev := f.schedule(t, f.now.Add(48*time.Hour))

	rm, err := f.svc.Cancel(ctx, `"`+ev.ID+`"`)
	require.NoError(t, err)
	assert.Equal(t, "Chess", rm.Subject.Name)
	assert.NoError(t, rm.JobCancelErr)
	assert.Equal(t, []string{ev.JobHandle}, f.sched.cancelled)

	_, err = f.svc.Cancel(ctx, ev.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelToleratesJobCancelFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ev := f.schedule(t, f.now.Add(48*time.Hour))
	f.sched.cancelErr = errBoom

	rm, err := f.svc.Cancel(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, rm.JobCancelErr, errBoom)
	assert.True(t, rm.Event.Deleted)

	// The surviving job fires into a deleted record.
	require.NoError(t, f.svc.Fire(context.Background(), ev.ID))
	assert.Empty(t, f.notif.pre)
	assert.Empty(t, f.notif.final)
}

func TestToggleSignupIsSelfInverse(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	ev := f.schedule(t, f.now.Add(48*time.Hour))

	on, err := f.svc.ToggleSignup(ctx, ev.ID, 42)
	require.NoError(t, err)
	assert.True(t, on)
	off, err := f.svc.ToggleSignup(ctx, ev.ID, 42)
	require.NoError(t, err)
	assert.False(t, off)

	stored, err := f.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Attendees)

	_, err = f.svc.ToggleSignup(ctx, "missing", 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReconcileRearmsLostJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	kept := f.schedule(t, f.now.Add(48*time.Hour))
	lost := f.schedule(t, f.now.Add(72*time.Hour))
	f.sched.consume(lost.JobHandle)

	rep, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Checked)
	assert.Equal(t, []string{lost.ID}, rep.Rearmed)

	stored, err := f.store.GetEvent(ctx, lost.ID)
	require.NoError(t, err)
	assert.NotEqual(t, lost.JobHandle, stored.JobHandle)
	ok, _ := f.sched.Pending(ctx, stored.JobHandle)
	assert.True(t, ok)

	unchanged, err := f.store.GetEvent(ctx, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, kept.JobHandle, unchanged.JobHandle)
}

func TestReconcileYieldsToConcurrentFiring(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	ev := f.schedule(t, f.now.Add(48*time.Hour))
	// The job fires after the sweep listed events but before it checks Pending.
	f.svc.d.Scheduler = &hookScheduler{fakeScheduler: f.sched, onPending: func(h string) {
		f.sched.consume(h)
		require.NoError(t, f.svc.Fire(ctx, ev.ID))
	}}

	rep, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Rearmed)
	assert.Zero(t, rep.Failed)

	stored, err := f.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	jobs := f.sched.forEvent(ev.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, stored.JobHandle, jobs[0].handle)
	assert.Equal(t, ev.StartTime, jobs[0].fireAt)
}

func TestFirePreYieldsToConcurrentRearm(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	ev := f.schedule(t, f.now.Add(48*time.Hour))
	f.sched.consume(ev.JobHandle)
	var rearmed storage.Event
	f.svc.d.Notifier = &hookNotifier{fakeNotifier: f.notif, onPre: func(storage.Event) {
		var err error
		rearmed, err = f.svc.Rearm(ctx, ev.ID)
		require.NoError(t, err)
	}}

	require.NoError(t, f.svc.Fire(ctx, ev.ID))

	stored, err := f.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, rearmed.JobHandle, stored.JobHandle)
	jobs := f.sched.forEvent(ev.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, stored.JobHandle, jobs[0].handle)
}

func TestFirePreWithdrawsReplacedJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ev := f.schedule(t, f.now.Add(48*time.Hour))
	// A duplicate firing while the recorded job is still queued.
	require.NoError(t, f.svc.Fire(context.Background(), ev.ID))

	jobs := f.sched.forEvent(ev.ID)
	require.Len(t, jobs, 1)
	assert.NotEqual(t, ev.JobHandle, jobs[0].handle)
	assert.Contains(t, f.sched.cancelled, ev.JobHandle)
}

func TestSignupDuringPreReminderSurvives(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	ev := f.schedule(t, f.now.Add(48*time.Hour))
	f.sched.consume(ev.JobHandle)
	f.svc.d.Notifier = &hookNotifier{fakeNotifier: f.notif, onPre: func(storage.Event) {
		on, err := f.svc.ToggleSignup(ctx, ev.ID, 42)
		require.NoError(t, err)
		assert.True(t, on)
	}}

	require.NoError(t, f.svc.Fire(ctx, ev.ID))

	stored, err := f.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, stored.Attendees)
	assert.NotEqual(t, ev.JobHandle, stored.JobHandle)
	assert.Equal(t, []string{ev.ID}, f.notif.pre)
}

func TestListOrdersByStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	late := f.schedule(t, f.now.Add(72*time.Hour))
	early := f.schedule(t, f.now.Add(2*time.Hour))

	list, err := f.svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, early.ID, list[0].Event.ID)
	assert.Equal(t, late.ID, list[1].Event.ID)
	assert.Equal(t, "Chess", list[0].Subject.Name)
}

func TestParseStartTime(t *testing.T) {
	t.Parallel()

	want := time.Date(2026, 4, 3, 18, 30, 0, 0, time.UTC)
	for _, in := range []string{
		"03/04/2026 18:30",
		"3/4/2026 18:30",
		"03.04.2026 18:30",
		"2026-04-03 18:30",
		"2026-04-03T18:30:00Z",
		"2026-04-03T20:30:00+02:00",
		"Friday, 03 April 2026 18:30:00 UTC",
		`"3 April 2026 18:30"`,
	} {
		got, err := ParseStartTime(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), "%s parsed as %s", in, got)
	}

	_, err := ParseStartTime("")
	assert.ErrorIs(t, err, ErrInvalidTimeFormat)
	_, err = ParseStartTime("tomorrow-ish")
	assert.ErrorIs(t, err, ErrInvalidTimeFormat)
}
