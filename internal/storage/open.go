package storage

import (
	"context"
	"errors"
	"strings"

	logx "gamenight/pkg/logx"
)

// EventStore holds scheduled events. Reads never return soft-deleted rows.
type EventStore interface {
	InsertEvent(ctx context.Context, e Event) (Event, error)
	GetEvent(ctx context.Context, id string) (Event, error)
	FindEventsBySubject(ctx context.Context, subjectID string) ([]Event, error)
	ListEvents(ctx context.Context) ([]Event, error)
	// SwapJobHandle replaces the job handle only while it still equals old.
	// It returns ErrNotFound when the event is gone or soft-deleted and
	// ErrHandleMoved when another writer replaced the handle first.
	SwapJobHandle(ctx context.Context, id, old, handle string) (Event, error)
	// ToggleAttendee adds or removes userID in one step and reports whether
	// the user is attending afterwards.
	ToggleAttendee(ctx context.Context, id string, userID int64) (Event, bool, error)
	SoftDeleteEvent(ctx context.Context, id string) (Event, error)
}

// Catalog holds subjects and who owns them.
type Catalog interface {
	UpsertSubject(ctx context.Context, name string) (Subject, error)
	FindSubjectByName(ctx context.Context, name string) (Subject, error)
	GetSubject(ctx context.Context, id string) (Subject, error)
	UpsertOwnership(ctx context.Context, o Ownership) error
	ListOwners(ctx context.Context, subjectID string) ([]Ownership, error)
}

// JobStore persists deferred jobs so timers survive restarts.
type JobStore interface {
	InsertJob(ctx context.Context, j Job) error
	DeleteJob(ctx context.Context, handle string) (bool, error)
	GetJob(ctx context.Context, handle string) (Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
}

type Store interface {
	EventStore
	Catalog
	JobStore
	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "none":
		return nil, ErrDisabled
	case "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
