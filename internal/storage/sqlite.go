package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "gamenight/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

const eventColumns = `id, subject_id, creator_id, chat_id, thread_id, start_time, job_handle, attendees, deleted, deleted_at, created_at, updated_at`

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	log.Info("storage opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEvent(row rowScanner) (Event, error) {
	var (
		e                  Event
		start, created, up int64
		deleted            int
		deletedAt          sql.NullInt64
		attendees          string
	)
	err := row.Scan(&e.ID, &e.SubjectID, &e.CreatorID, &e.ChatID, &e.ThreadID, &start,
		&e.JobHandle, &attendees, &deleted, &deletedAt, &created, &up)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, err
	}
	if err := json.Unmarshal([]byte(attendees), &e.Attendees); err != nil {
		return Event{}, fmt.Errorf("decode attendees of %s: %w", e.ID, err)
	}
	e.StartTime = time.UnixMilli(start).UTC()
	e.CreatedAt = time.UnixMilli(created).UTC()
	e.UpdatedAt = time.UnixMilli(up).UTC()
	e.Deleted = deleted != 0
	if deletedAt.Valid {
		e.DeletedAt = time.UnixMilli(deletedAt.Int64).UTC()
	}
	return e, nil
}

func encodeAttendees(ids []int64) (string, error) {
	if ids == nil {
		ids = []int64{}
	}
	b, err := json.Marshal(ids)
	return string(b), err
}

func (s *sqliteStore) InsertEvent(ctx context.Context, e Event) (Event, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	att, err := encodeAttendees(e.Attendees)
	if err != nil {
		return Event{}, err
	}
	now := time.Now().UnixMilli()
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO events(id, subject_id, creator_id, chat_id, thread_id, start_time, job_handle, attendees, deleted, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,0,?,?)
		 RETURNING `+eventColumns,
		e.ID, e.SubjectID, e.CreatorID, e.ChatID, e.ThreadID, e.StartTime.UnixMilli(), e.JobHandle, att, now, now,
	)
	out, err := scanSQLiteEvent(row)
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) GetEvent(ctx context.Context, id string) (Event, error) {
	return scanSQLiteEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ? AND deleted = 0`, id))
}

func (s *sqliteStore) FindEventsBySubject(ctx context.Context, subjectID string) ([]Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE subject_id = ? AND deleted = 0 ORDER BY start_time, id`, subjectID)
}

func (s *sqliteStore) ListEvents(ctx context.Context) ([]Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE deleted = 0 ORDER BY start_time, id`)
}

func (s *sqliteStore) queryEvents(ctx context.Context, q string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SwapJobHandle(ctx context.Context, id, old, handle string) (Event, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE events SET job_handle = ?, updated_at = ?
		 WHERE id = ? AND deleted = 0 AND job_handle = ?
		 RETURNING `+eventColumns,
		handle, time.Now().UnixMilli(), id, old,
	)
	e, err := scanSQLiteEvent(row)
	if errors.Is(err, ErrNotFound) {
		return Event{}, s.swapMiss(ctx, id)
	}
	return e, err
}

// swapMiss tells a missing event apart from a handle another writer moved.
func (s *sqliteStore) swapMiss(ctx context.Context, id string) error {
	if _, err := s.GetEvent(ctx, id); err != nil {
		return err
	}
	return ErrHandleMoved
}

func (s *sqliteStore) ToggleAttendee(ctx context.Context, id string, userID int64) (Event, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT attendees FROM events WHERE id = ? AND deleted = 0`, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, false, ErrNotFound
	}
	if err != nil {
		return Event{}, false, err
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return Event{}, false, fmt.Errorf("decode attendees of %s: %w", id, err)
	}
	ids, attending := toggleAttendee(ids, userID)
	att, err := encodeAttendees(ids)
	if err != nil {
		return Event{}, false, err
	}
	e, err := scanSQLiteEvent(tx.QueryRowContext(ctx,
		`UPDATE events SET attendees = ?, updated_at = ?
		 WHERE id = ? AND deleted = 0
		 RETURNING `+eventColumns,
		att, time.Now().UnixMilli(), id,
	))
	if err != nil {
		return Event{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Event{}, false, err
	}
	return e, attending, nil
}

func (s *sqliteStore) SoftDeleteEvent(ctx context.Context, id string) (Event, error) {
	now := time.Now().UnixMilli()
	row := s.db.QueryRowContext(ctx,
		`UPDATE events SET deleted = 1, deleted_at = ?, updated_at = ?
		 WHERE id = ? AND deleted = 0
		 RETURNING `+eventColumns,
		now, now, id,
	)
	return scanSQLiteEvent(row)
}

func scanSQLiteSubject(row rowScanner) (Subject, error) {
	var (
		sub     Subject
		created int64
	)
	err := row.Scan(&sub.ID, &sub.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Subject{}, ErrNotFound
	}
	if err != nil {
		return Subject{}, err
	}
	sub.CreatedAt = time.UnixMilli(created).UTC()
	return sub, nil
}

func (s *sqliteStore) UpsertSubject(ctx context.Context, name string) (Subject, error) {
	key := nameKey(name)
	if key == "" {
		return Subject{}, ErrNotFound
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subjects(id, name, name_key, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(name_key) DO NOTHING`,
		uuid.NewString(), strings.TrimSpace(name), key, time.Now().UnixMilli(),
	)
	if err != nil {
		return Subject{}, fmt.Errorf("upsert subject: %w", err)
	}
	return s.FindSubjectByName(ctx, name)
}

func (s *sqliteStore) FindSubjectByName(ctx context.Context, name string) (Subject, error) {
	return scanSQLiteSubject(s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM subjects WHERE name_key = ?`, nameKey(name)))
}

func (s *sqliteStore) GetSubject(ctx context.Context, id string) (Subject, error) {
	return scanSQLiteSubject(s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM subjects WHERE id = ?`, id))
}

func (s *sqliteStore) UpsertOwnership(ctx context.Context, o Ownership) error {
	if _, err := s.GetSubject(ctx, o.SubjectID); err != nil {
		return err
	}
	interested := 0
	if o.Interested {
		interested = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ownerships(subject_id, user_id, interested, days) VALUES(?,?,?,?)
		 ON CONFLICT(subject_id, user_id) DO UPDATE SET interested = excluded.interested, days = excluded.days`,
		o.SubjectID, o.UserID, interested, int(o.Days),
	)
	return err
}

func (s *sqliteStore) ListOwners(ctx context.Context, subjectID string) ([]Ownership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject_id, user_id, interested, days FROM ownerships WHERE subject_id = ? ORDER BY user_id`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close()

	var out []Ownership
	for rows.Next() {
		var (
			o          Ownership
			interested int
			days       int
		)
		if err := rows.Scan(&o.SubjectID, &o.UserID, &interested, &days); err != nil {
			return nil, err
		}
		o.Interested = interested != 0
		o.Days = WeekdayMask(days)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *sqliteStore) InsertJob(ctx context.Context, j Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(handle, kind, payload, fire_at, created_at) VALUES(?,?,?,?,?)`,
		j.Handle, j.Kind, j.Payload, j.FireAt.UnixMilli(), j.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) DeleteJob(ctx context.Context, handle string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE handle = ?`, handle)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanSQLiteJob(row rowScanner) (Job, error) {
	var (
		j             Job
		fire, created int64
	)
	err := row.Scan(&j.Handle, &j.Kind, &j.Payload, &fire, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.FireAt = time.UnixMilli(fire).UTC()
	j.CreatedAt = time.UnixMilli(created).UTC()
	return j, nil
}

func (s *sqliteStore) GetJob(ctx context.Context, handle string) (Job, error) {
	return scanSQLiteJob(s.db.QueryRowContext(ctx,
		`SELECT handle, kind, payload, fire_at, created_at FROM jobs WHERE handle = ?`, handle))
}

func (s *sqliteStore) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT handle, kind, payload, fire_at, created_at FROM jobs ORDER BY fire_at, handle`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
