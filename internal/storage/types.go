package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("record not found")
	// ErrHandleMoved means the stored job handle no longer matches the one
	// the caller expected to replace.
	ErrHandleMoved = errors.New("job handle moved")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps, lost on restart (tests, dry runs)
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgxpool default
}

// Event is a scheduled play session. StartTime never changes after insert.
type Event struct {
	ID        string
	SubjectID string
	CreatorID int64
	ChatID    int64
	ThreadID  int
	StartTime time.Time

	// JobHandle is the armed deferred job; empty means unscheduled.
	JobHandle string
	Attendees []int64

	Deleted   bool
	DeletedAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (e Event) Clone() Event {
	e.Attendees = append([]int64(nil), e.Attendees...)
	return e
}

func (e Event) HasAttendee(userID int64) bool {
	for _, id := range e.Attendees {
		if id == userID {
			return true
		}
	}
	return false
}

type Subject struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

type Ownership struct {
	SubjectID  string
	UserID     int64
	Interested bool
	Days       WeekdayMask
}

// WeekdayMask is a 7-bit day preference. Bit 0 is Monday, bit 6 is Sunday.
// Zero means no preference.
type WeekdayMask uint8

const AllDays WeekdayMask = 0x7f

// ParseWeekdayMask reads a Monday-first string of 0/1 characters, e.g. "1111100".
func ParseWeekdayMask(s string) (WeekdayMask, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if len(s) != 7 {
		return 0, fmt.Errorf("weekday mask %q: want 7 characters", s)
	}
	var m WeekdayMask
	for i, c := range s {
		switch c {
		case '1':
			m |= 1 << i
		case '0':
		default:
			return 0, fmt.Errorf("weekday mask %q: invalid character %q", s, c)
		}
	}
	return m, nil
}

// Allows reports whether the owner wants notifications on wd.
func (m WeekdayMask) Allows(wd time.Weekday) bool {
	if m&AllDays == 0 {
		return true
	}
	idx := (int(wd) + 6) % 7
	return m&(1<<idx) != 0
}

func (m WeekdayMask) String() string {
	var b strings.Builder
	for i := 0; i < 7; i++ {
		if m&(1<<i) != 0 {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// Job is a persisted one-shot deferred job.
type Job struct {
	Handle    string
	Kind      string
	Payload   string
	FireAt    time.Time
	CreatedAt time.Time
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// toggleAttendee adds userID to ids, or removes it when already present.
func toggleAttendee(ids []int64, userID int64) ([]int64, bool) {
	out := make([]int64, 0, len(ids)+1)
	found := false
	for _, id := range ids {
		if id == userID {
			found = true
			continue
		}
		out = append(out, id)
	}
	if !found {
		out = append(out, userID)
	}
	return out, !found
}
