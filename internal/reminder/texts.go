package reminder

import (
	"fmt"
	"time"

	"gamenight/internal/notifier"
)

func addressee(name string) string {
	if name == "" {
		return "Hey"
	}
	return name
}

func PromptText(p Proposal, window time.Duration, keyword string) string {
	return fmt.Sprintf("%s, you're about to schedule a game for '%s' ahead of time.\nThe scheduled time is %s.\n\n"+
		"If this time is not correct, reply with '%s' within the next %s and this game will be deleted.",
		addressee(p.CreatorName), p.Subject.Name, notifier.FormatStartTime(p.StartTime), keyword, windowText(window))
}

func CancelledText(p Proposal) string {
	return fmt.Sprintf("Cancelled. %s has deleted the scheduled game of '%s'.", addressee(p.CreatorName), p.Subject.Name)
}

func ScheduledText(p Proposal) string {
	return fmt.Sprintf("%s, you have scheduled a game of '%s' to be started at %s\n"+
		"I will automatically remind everyone who owns the game exactly 1 day ahead of time and on the start time.\n\n"+
		"No further action is required from you from here.",
		addressee(p.CreatorName), p.Subject.Name, notifier.FormatStartTime(p.StartTime))
}

func windowText(d time.Duration) string {
	if d%time.Second == 0 {
		if n := int(d / time.Second); n == 1 {
			return "second"
		} else if n > 1 {
			return fmt.Sprintf("%d seconds", n)
		}
	}
	return d.String()
}
