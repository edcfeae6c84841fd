package reminder

import (
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Day-first layouts win over dateparse, which reads 03/04 as March 4th.
var dayFirstLayouts = []string{
	"02/01/2006 15:04",
	"02/01/2006 15:04:05",
	"2/1/2006 15:04",
	"02-01-2006 15:04",
	"02.01.2006 15:04",
	"02/01/2006",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2 January 2006 15:04",
	"2 Jan 2006 15:04",
	"Monday, 02 January 2006 15:04:05",
}

// ParseStartTime reads a start time typed by a user. Input without an offset
// is taken as UTC. The result is always UTC.
func ParseStartTime(text string) (time.Time, error) {
	s := strings.TrimSpace(strings.Trim(strings.TrimSpace(text), `"`))
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidTimeFormat)
	}
	s = strings.TrimSuffix(s, " UTC")

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range dayFirstLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	return t.UTC(), nil
}
