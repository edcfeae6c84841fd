package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"gamenight/internal/eventbus"
	"gamenight/internal/storage"
	"gamenight/internal/task/engine"
	logx "gamenight/pkg/logx"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrUnknownKind = errors.New("no handler registered for job kind")
)

// Config controls the scheduler.
type Config struct {
	Timezone string // IANA TZ for cron entries, e.g. "Europe/Berlin"

	// JobTimeout bounds a single handler attempt. 0 uses the engine default.
	JobTimeout time.Duration
	// RequeueDelay is how long a due job waits before retrying when the engine queue is full.
	RequeueDelay time.Duration
}

// Handler runs a due job. payload is whatever was passed to Schedule.
type Handler func(ctx context.Context, payload string) error

// JobEvent is published when a deferred job is armed or cancelled.
type JobEvent struct {
	Handle string    `json:"handle"`
	Kind   string    `json:"kind"`
	FireAt time.Time `json:"fire_at"`
}

type cronDef struct {
	name     string
	spec     string
	timeout  time.Duration
	job      func(ctx context.Context) error
	entryID  cron.EntryID
	inflight *atomic.Bool
}

// armed is one in-memory timer for a persisted job. A job stays armed while
// its handler runs so Pending keeps reporting it.
type armed struct {
	job    storage.Job
	timer  *time.Timer
	firing bool
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine *engine.Service
	store  storage.JobStore

	parser cron.Parser
	c      *cron.Cron
	defs   []cronDef

	hmu      sync.RWMutex
	handlers map[string]Handler

	tmu     sync.Mutex
	started bool
	pending map[string]*armed

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type CronInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

type Snapshot struct {
	Timezone string     `json:"timezone"`
	Armed    int        `json:"armed"`
	Firing   int        `json:"firing"`
	Cron     []CronInfo `json:"cron"`
}
