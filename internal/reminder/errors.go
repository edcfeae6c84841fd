package reminder

import (
	"errors"
	"fmt"

	"gamenight/internal/storage"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTimeFormat = fmt.Errorf("%w: invalid time", ErrInvalidInput)
	ErrStartInPast       = fmt.Errorf("%w: start time is in the past", ErrInvalidTimeFormat)
	ErrIntegrity         = errors.New("integrity fault")
	ErrDependency        = errors.New("dependency failure")
	ErrUnscheduled       = errors.New("event has no armed job")
)

// UnscheduledError is returned when an event was stored but no job could be
// armed for it. It matches ErrUnscheduled and ErrDependency.
type UnscheduledError struct {
	EventID string
	Err     error
}

func (e *UnscheduledError) Error() string {
	return fmt.Sprintf("event %s is unscheduled: %v", e.EventID, e.Err)
}

func (e *UnscheduledError) Unwrap() []error {
	return []error{ErrUnscheduled, ErrDependency, e.Err}
}

func depErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrDependency, err)
}

// storeErr maps a storage error: missing rows become ErrNotFound, anything
// else is a dependency failure.
func storeErr(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return depErr(op, err)
}
