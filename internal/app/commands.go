package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gamenight/internal/notifier"
	"gamenight/internal/reminder"
	kit "gamenight/internal/transport"
	"gamenight/internal/transport/telegram/router"
	logx "gamenight/pkg/logx"
	"gamenight/pkg/tgui"
)

// nameBook remembers how users presented themselves so listings can show a
// name instead of a bare id. It is process-local; unknown ids fall back to
// the id itself.
type nameBook struct {
	mu    sync.RWMutex
	names map[int64]string
}

func newNameBook() *nameBook { return &nameBook{names: map[int64]string{}} }

func (b *nameBook) note(id int64, name string) {
	if id == 0 || name == "" {
		return
	}
	b.mu.Lock()
	b.names[id] = name
	b.mu.Unlock()
}

func (b *nameBook) lookup(id int64) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n, ok := b.names[id]; ok {
		return n
	}
	return fmt.Sprint(id)
}

type scheduleCommands struct {
	rem   *reminder.Service
	names *nameBook
}

func newScheduleCommands(rem *reminder.Service) *scheduleCommands {
	return &scheduleCommands{rem: rem, names: newNameBook()}
}

func (c *scheduleCommands) commands() []router.Command {
	return []router.Command{
		{
			Route:       "schedule",
			Description: "list upcoming games",
			Usage:       "/schedule",
			Handle:      c.list,
		},
		{
			Route:       "schedule list",
			Description: "list upcoming games",
			Usage:       "/schedule list",
			Handle:      c.list,
		},
		{
			Route:       "schedule add",
			Description: "schedule a game ahead of time",
			Usage:       `/schedule add "<game>" <time>`,
			Access:      router.AccessOwnerOnly,
			Handle:      c.add,
		},
		{
			Route:       "schedule remove",
			Description: "remove a scheduled game",
			Usage:       "/schedule remove <id>",
			Access:      router.AccessOwnerOnly,
			Handle:      c.remove,
		},
		{
			Route:       "schedule signup",
			Aliases:     []string{"signup", "addme", "isinterested"},
			Description: "toggle your attendance for a scheduled game",
			Usage:       "/schedule signup <id>",
			Handle:      c.signup,
		},
		{
			Route:       "schedule rearm",
			Description: "retry arming the reminder of a game",
			Usage:       "/schedule rearm <id>",
			Access:      router.AccessOwnerOnly,
			Handle:      c.rearm,
		},
		{
			Route:       "schedule check",
			Description: "compare scheduled games with armed reminders",
			Usage:       "/schedule check",
			Access:      router.AccessOwnerOnly,
			Handle:      c.check,
		},
	}
}

func (c *scheduleCommands) add(ctx context.Context, req *router.Request) error {
	name := req.DisplayName()
	c.names.note(req.FromID, name)
	if len(req.Args) < 2 {
		return req.Reply(ctx, `Usage: /schedule add "<game>" <time>`)
	}

	ev, _, err := c.rem.Schedule(ctx, req.Conversation(), reminder.ScheduleRequest{
		SubjectName: req.Args[0],
		TimeText:    strings.Join(req.Args[1:], " "),
		CreatorID:   req.FromID,
		CreatorName: name,
		Chat:        req.Chat,
	})
	var unscheduled *reminder.UnscheduledError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &unscheduled):
		req.Logger.Error("schedule stored without reminder", logx.String("event_id", ev.ID), logx.Err(err))
		return req.Reply(ctx, fmt.Sprintf("%s, the game was saved but I couldn't set up its reminder. "+
			"A moderator can retry with /schedule rearm %s", name, unscheduled.EventID))
	case errors.Is(err, reminder.ErrNotFound):
		return req.Reply(ctx, fmt.Sprintf("Sorry %s, that game doesn't exist on the curated list", name))
	case errors.Is(err, reminder.ErrStartInPast):
		return req.Reply(ctx, fmt.Sprintf("Sorry %s, but that time has already passed", name))
	case errors.Is(err, reminder.ErrInvalidTimeFormat):
		return req.Reply(ctx, fmt.Sprintf("Sorry %s, but I couldn't understand that date format", name))
	case errors.Is(err, reminder.ErrInvalidInput):
		return req.Reply(ctx, `Usage: /schedule add "<game>" <time>`)
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		req.Logger.Error("schedule failed", logx.Err(err))
		return req.Reply(ctx, "Sorry, something went wrong while scheduling that game. Please try again.")
	}
}

func (c *scheduleCommands) remove(ctx context.Context, req *router.Request) error {
	name := req.DisplayName()
	if len(req.Args) < 1 {
		return req.Reply(ctx, "Usage: /schedule remove <id>")
	}
	rm, err := c.rem.Cancel(ctx, req.Args[0])
	switch {
	case errors.Is(err, reminder.ErrNotFound), errors.Is(err, reminder.ErrInvalidInput):
		return req.Reply(ctx, fmt.Sprintf("Sorry %s, I couldn't find a scheduled game by that id", name))
	case err != nil:
		req.Logger.Error("remove failed", logx.Err(err))
		return req.Reply(ctx, "Sorry, something went wrong while removing that game. Please try again.")
	}

	text := fmt.Sprintf("Has deleted the scheduled game of '%s' that should have started at %s",
		rm.Subject.Name, notifier.FormatStartTime(rm.Event.StartTime))
	if rm.JobCancelErr != nil {
		text += "\n\nThe pending reminder could not be cancelled; it will find nothing to send."
	}
	return req.Reply(ctx, text)
}

func (c *scheduleCommands) list(ctx context.Context, req *router.Request) error {
	c.names.note(req.FromID, req.DisplayName())
	items, err := c.rem.List(ctx)
	if err != nil {
		req.Logger.Error("list failed", logx.Err(err))
		return req.Reply(ctx, "Sorry, I couldn't load the scheduled games right now.")
	}
	_, err = req.Adapter.SendText(ctx, req.Chat, c.listText(items), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

func (c *scheduleCommands) listText(items []reminder.Listing) string {
	plural := "s"
	if len(items) == 1 {
		plural = ""
	}
	var d tgui.Doc
	d.Line(tgui.B("Upcoming scheduled games"))
	d.Linef("In total, there are %d scheduled game%s:", len(items), plural)
	for _, it := range items {
		d.Line("")
		d.Linef("<b>%s - %s</b> (%s)", tgui.Label(it.Subject.Name), notifier.FormatStartTime(it.Event.StartTime), tgui.Code(it.Event.ID))
		if it.Event.JobHandle == "" {
			d.Line(tgui.I("Reminder not armed."))
		}
		if len(it.Event.Attendees) == 0 {
			d.Line("No players signed up yet.")
			continue
		}
		d.Line("With the following players signed up:")
		for _, id := range it.Event.Attendees {
			d.Line(" " + tgui.Mention(id, c.names.lookup(id)))
		}
	}
	return d.String()
}

func (c *scheduleCommands) signup(ctx context.Context, req *router.Request) error {
	name := req.DisplayName()
	c.names.note(req.FromID, name)
	if len(req.Args) < 1 {
		return req.Reply(ctx, "Usage: /schedule signup <id>")
	}
	attending, err := c.rem.ToggleSignup(ctx, req.Args[0], req.FromID)
	switch {
	case errors.Is(err, reminder.ErrNotFound), errors.Is(err, reminder.ErrInvalidInput):
		return req.Reply(ctx, fmt.Sprintf("Sorry %s, but I couldn't find a scheduled game with that ID", name))
	case err != nil:
		req.Logger.Error("signup failed", logx.Err(err))
		return req.Reply(ctx, "Sorry, something went wrong while updating the attendance list. Please try again.")
	case attending:
		return req.Reply(ctx, fmt.Sprintf("%s, you have been added to the scheduled game's attendance list", name))
	default:
		return req.Reply(ctx, fmt.Sprintf("%s, I have removed you from the scheduled game's attendance list", name))
	}
}

func (c *scheduleCommands) rearm(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 1 {
		return req.Reply(ctx, "Usage: /schedule rearm <id>")
	}
	ev, err := c.rem.Rearm(ctx, req.Args[0])
	switch {
	case errors.Is(err, reminder.ErrNotFound):
		return req.Reply(ctx, fmt.Sprintf("Sorry %s, I couldn't find a scheduled game by that id", req.DisplayName()))
	case err != nil:
		req.Logger.Error("rearm failed", logx.Err(err))
		return req.Reply(ctx, "Arming the reminder failed again; check the logs and retry later.")
	}
	return req.Reply(ctx, fmt.Sprintf("Reminder for %s is armed for %s", ev.ID, notifier.FormatStartTime(ev.StartTime)))
}

func (c *scheduleCommands) check(ctx context.Context, req *router.Request) error {
	rep, err := c.rem.Reconcile(ctx)
	if err != nil {
		req.Logger.Error("reconcile failed", logx.Err(err))
		return req.Reply(ctx, "Sorry, the check could not complete.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Checked %d scheduled game(s).", rep.Checked)
	if len(rep.Rearmed) > 0 {
		fmt.Fprintf(&b, "\nRe-armed: %s", strings.Join(rep.Rearmed, ", "))
	}
	if len(rep.Unscheduled) > 0 {
		fmt.Fprintf(&b, "\nWithout a reminder (use /schedule rearm <id>): %s", strings.Join(rep.Unscheduled, ", "))
	}
	if rep.Failed > 0 {
		fmt.Fprintf(&b, "\n%d check(s) failed; see the logs.", rep.Failed)
	}
	return req.Reply(ctx, b.String())
}
