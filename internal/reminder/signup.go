package reminder

import (
	"context"
	"fmt"

	logx "gamenight/pkg/logx"
)

// ToggleSignup flips the user's attendance and reports whether they are now
// attending.
func (s *Service) ToggleSignup(ctx context.Context, eventID string, userID int64) (bool, error) {
	id := cleanID(eventID)
	if id == "" {
		return false, fmt.Errorf("%w: event id is empty", ErrInvalidInput)
	}
	_, attending, err := s.d.Events.ToggleAttendee(ctx, id, userID)
	if err != nil {
		return false, storeErr("toggle attendee on "+id, err)
	}

	s.log.Debug("reminder.signup", logx.String("event_id", id), logx.Int64("user", userID), logx.Bool("attending", attending))
	return attending, nil
}
