// Package storage persists scheduled events, the subject catalog and
// deferred jobs.
//
// It supports:
//   - an in-memory backend for tests
//   - SQLite through modernc.org/sqlite (pure Go, no cgo)
//   - PostgreSQL through pgx
//
// All backends share the same soft-delete semantics: a deleted event stays
// in the table but is invisible to every read and update.
package storage
