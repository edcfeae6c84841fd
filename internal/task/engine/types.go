package engine

import (
	"context"
	"time"
)

// Config controls the task execution engine.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	HistorySize int
	RetryMax    int
}

type TaskOptions struct {
	// RetryMax < 0 disables retries; 0 uses the engine default.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	switch {
	case o.RetryMax < 0:
		o.RetryMax = 0
	case o.RetryMax == 0:
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// TaskEvent is published on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine.
//
// Done, when set, runs once after the final attempt with the final error
// (nil on success). It is not called for tasks that were never accepted.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	Done    func(err error)
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool          `json:"enabled"`
	Running  bool          `json:"running"`
	Workers  int           `json:"workers"`
	QueueLen int           `json:"queue_len"`
	QueueCap int           `json:"queue_cap"`
	InFlight int           `json:"in_flight"`
	Dropped  uint64        `json:"dropped"`
	RetryMax int           `json:"retry_max"`
	History  []HistoryItem `json:"history"`
}
