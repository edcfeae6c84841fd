// Package reminder schedules game sessions and drives their reminders.
//
// An event moves through these states:
//
//	proposed -> armed -> (re-armed)* -> fired-final -> deleted
//	proposed -> cancelled (never stored)
//
// The record store is the source of truth. Deferred jobs carry only the
// event id and every firing reloads the record, so a job that outlives its
// event is a logged no-op.
package reminder
