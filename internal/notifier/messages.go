package notifier

import (
	"time"

	"gamenight/internal/storage"
	kit "gamenight/internal/transport"
	"gamenight/pkg/tgui"
)

const startTimeLayout = "Monday, 02 January 2006 15:04:05"

var htmlOpts = &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}

// FormatStartTime renders t in UTC the way every reminder shows it.
func FormatStartTime(t time.Time) string {
	return t.UTC().Format(startTimeLayout) + " UTC"
}

func PreReminderText(ev storage.Event, sub storage.Subject) string {
	name := tgui.Label(sub.Name)
	at := FormatStartTime(ev.StartTime)

	var d tgui.Doc
	d.Linef("<b>Scheduled '%s' game starting at %s</b>", name, at).Line("")
	d.Linef("%s has scheduled a game of '%s' to be started at %s", tgui.Mention(ev.CreatorID, "The organiser"), name, at)
	d.Line("This is your 1-day reminder that the game is happening.").Line("")
	d.Line("I will automatically remind everyone who owns the game again on the start time.").Line("")
	d.Line("No further action is required from here.")
	if n := len(ev.Attendees); n > 0 {
		d.Line("").Linef("Signed up so far: %d", n)
	}
	return d.String()
}

func FinalText(ev storage.Event, sub storage.Subject, recipients int) string {
	name := tgui.Label(sub.Name)

	var d tgui.Doc
	d.Linef("<b>Scheduled '%s' game starting at %s - which is now!</b>", name, FormatStartTime(ev.StartTime)).Line("")
	d.Linef("%s has scheduled a game of '%s' to be started now", tgui.Mention(ev.CreatorID, "The organiser"), name)
	d.Line("This is your reminder that the game is happening and it's time to go play! Enjoy.")
	if recipients > 0 {
		d.Line("").Linef("Reminded %d player(s).", recipients)
	}
	return d.String()
}

// DirectText is the private copy of the final reminder.
func DirectText(ev storage.Event, sub storage.Subject) string {
	var d tgui.Doc
	d.Linef("<b>'%s' is starting now</b>", tgui.Label(sub.Name)).Line("")
	d.Linef("A game you own was scheduled for %s. Time to go play!", FormatStartTime(ev.StartTime))
	return d.String()
}
