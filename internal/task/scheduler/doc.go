// Package scheduler triggers work on the task engine.
//
// It owns two kinds of triggers:
//   - durable one-shot jobs, persisted in a storage.JobStore and re-armed on Start
//   - recurring cron entries (robfig/cron), kept in memory
//
// Execution, retries and timeouts belong to the engine; the scheduler only
// decides when something is due.
package scheduler
