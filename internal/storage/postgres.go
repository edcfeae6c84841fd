package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "gamenight/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pcfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	st := &postgresStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	log.Info("storage opened")
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return err
	}
	// No arguments: pgx uses the simple protocol, which accepts several statements.
	_, err = s.pool.Exec(ctx, string(b))
	return err
}

func (s *postgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *postgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func scanPGEvent(row pgx.Row) (Event, error) {
	var (
		e         Event
		deletedAt *time.Time
	)
	err := row.Scan(&e.ID, &e.SubjectID, &e.CreatorID, &e.ChatID, &e.ThreadID, &e.StartTime,
		&e.JobHandle, &e.Attendees, &e.Deleted, &deletedAt, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, err
	}
	e.StartTime = e.StartTime.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if deletedAt != nil {
		e.DeletedAt = deletedAt.UTC()
	}
	return e, nil
}

func (s *postgresStore) InsertEvent(ctx context.Context, e Event) (Event, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Attendees == nil {
		e.Attendees = []int64{}
	}
	now := time.Now().UTC()
	out, err := scanPGEvent(s.pool.QueryRow(ctx, `
		INSERT INTO events (id, subject_id, creator_id, chat_id, thread_id, start_time,
		                    job_handle, attendees, deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9, $9)
		RETURNING `+eventColumns,
		e.ID, e.SubjectID, e.CreatorID, e.ChatID, e.ThreadID, e.StartTime.UTC(), e.JobHandle, e.Attendees, now,
	))
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}
	return out, nil
}

func (s *postgresStore) GetEvent(ctx context.Context, id string) (Event, error) {
	return scanPGEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1 AND NOT deleted`, id))
}

func (s *postgresStore) FindEventsBySubject(ctx context.Context, subjectID string) ([]Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE subject_id = $1 AND NOT deleted ORDER BY start_time, id`, subjectID)
}

func (s *postgresStore) ListEvents(ctx context.Context) ([]Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE NOT deleted ORDER BY start_time, id`)
}

func (s *postgresStore) queryEvents(ctx context.Context, q string, args ...any) ([]Event, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanPGEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *postgresStore) SwapJobHandle(ctx context.Context, id, old, handle string) (Event, error) {
	e, err := scanPGEvent(s.pool.QueryRow(ctx, `
		UPDATE events SET job_handle = $1, updated_at = $2
		WHERE id = $3 AND NOT deleted AND job_handle = $4
		RETURNING `+eventColumns,
		handle, time.Now().UTC(), id, old,
	))
	if errors.Is(err, ErrNotFound) {
		if _, gerr := s.GetEvent(ctx, id); gerr != nil {
			return Event{}, gerr
		}
		return Event{}, ErrHandleMoved
	}
	return e, err
}

func (s *postgresStore) ToggleAttendee(ctx context.Context, id string, userID int64) (Event, bool, error) {
	// The row lock taken by UPDATE serializes concurrent toggles.
	e, err := scanPGEvent(s.pool.QueryRow(ctx, `
		UPDATE events SET
			attendees = CASE WHEN $1 = ANY(attendees)
				THEN array_remove(attendees, $1)
				ELSE array_append(attendees, $1) END,
			updated_at = $2
		WHERE id = $3 AND NOT deleted
		RETURNING `+eventColumns,
		userID, time.Now().UTC(), id,
	))
	if err != nil {
		return Event{}, false, err
	}
	return e, slices.Contains(e.Attendees, userID), nil
}

func (s *postgresStore) SoftDeleteEvent(ctx context.Context, id string) (Event, error) {
	return scanPGEvent(s.pool.QueryRow(ctx, `
		UPDATE events SET deleted = TRUE, deleted_at = $1, updated_at = $1
		WHERE id = $2 AND NOT deleted
		RETURNING `+eventColumns,
		time.Now().UTC(), id,
	))
}

func scanPGSubject(row pgx.Row) (Subject, error) {
	var sub Subject
	err := row.Scan(&sub.ID, &sub.Name, &sub.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subject{}, ErrNotFound
	}
	if err != nil {
		return Subject{}, err
	}
	sub.CreatedAt = sub.CreatedAt.UTC()
	return sub, nil
}

func (s *postgresStore) UpsertSubject(ctx context.Context, name string) (Subject, error) {
	key := nameKey(name)
	if key == "" {
		return Subject{}, ErrNotFound
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subjects (id, name, name_key, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (name_key) DO NOTHING`,
		uuid.NewString(), strings.TrimSpace(name), key, time.Now().UTC(),
	)
	if err != nil {
		return Subject{}, fmt.Errorf("upsert subject: %w", err)
	}
	return s.FindSubjectByName(ctx, name)
}

func (s *postgresStore) FindSubjectByName(ctx context.Context, name string) (Subject, error) {
	return scanPGSubject(s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM subjects WHERE name_key = $1`, nameKey(name)))
}

func (s *postgresStore) GetSubject(ctx context.Context, id string) (Subject, error) {
	return scanPGSubject(s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM subjects WHERE id = $1`, id))
}

func (s *postgresStore) UpsertOwnership(ctx context.Context, o Ownership) error {
	if _, err := s.GetSubject(ctx, o.SubjectID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ownerships (subject_id, user_id, interested, days) VALUES ($1, $2, $3, $4)
		ON CONFLICT (subject_id, user_id) DO UPDATE SET interested = EXCLUDED.interested, days = EXCLUDED.days`,
		o.SubjectID, o.UserID, o.Interested, int16(o.Days),
	)
	return err
}

func (s *postgresStore) ListOwners(ctx context.Context, subjectID string) ([]Ownership, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT subject_id, user_id, interested, days FROM ownerships WHERE subject_id = $1 ORDER BY user_id`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close()

	var out []Ownership
	for rows.Next() {
		var (
			o    Ownership
			days int16
		)
		if err := rows.Scan(&o.SubjectID, &o.UserID, &o.Interested, &days); err != nil {
			return nil, err
		}
		o.Days = WeekdayMask(days)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *postgresStore) InsertJob(ctx context.Context, j Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (handle, kind, payload, fire_at, created_at) VALUES ($1, $2, $3, $4, $5)`,
		j.Handle, j.Kind, j.Payload, j.FireAt.UTC(), j.CreatedAt.UTC(),
	)
	return err
}

func (s *postgresStore) DeleteJob(ctx context.Context, handle string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE handle = $1`, handle)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanPGJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(&j.Handle, &j.Kind, &j.Payload, &j.FireAt, &j.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.FireAt = j.FireAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	return j, nil
}

func (s *postgresStore) GetJob(ctx context.Context, handle string) (Job, error) {
	return scanPGJob(s.pool.QueryRow(ctx,
		`SELECT handle, kind, payload, fire_at, created_at FROM jobs WHERE handle = $1`, handle))
}

func (s *postgresStore) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT handle, kind, payload, fire_at, created_at FROM jobs ORDER BY fire_at, handle`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanPGJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
