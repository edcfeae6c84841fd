package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gamenight/internal/eventbus"
	rtsup "gamenight/internal/runtime/supervisor"
	logx "gamenight/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	inFlight atomic.Int32

	hmu     sync.Mutex
	history []HistoryItem

	idSeq   atomic.Uint64
	dropped atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{cfg: cfg, log: log, bus: bus}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Running reports whether workers are accepting tasks.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q != nil && !s.stopping
}

// Supervisor returns the worker supervisor, nil if not started.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled || s.q != nil {
		s.mu.Unlock()
		return
	}
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopping = false
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))),
		rtsup.WithCancelOnError(false),
	)
	queue, stopCh, sup := s.q, s.stopCh, s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop halts the workers. Tasks still queued are discarded without calling Done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.q == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()
	err := sup.Wait(ctx)

	s.mu.Lock()
	s.q, s.stopCh, s.sup, s.stopping = nil, nil, nil, false
	s.mu.Unlock()

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("task engine stop timed out", logx.Err(err))
		return
	}
	s.log.Info("task engine stopped")
}

// Enqueue adds a task without blocking and fails with ErrQueueFull when the queue is full.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until the task is accepted, ctx is done, or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	cfg, q, stopCh, stopping := s.cfg, s.q, s.stopCh, s.stopping
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case q == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: t.Opt.withDefaults(cfg)}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			s.onQueueFull(now, t, q)
			return ErrQueueFull
		}
	}
	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q, stopping := s.cfg, s.q, s.stopping
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:  cfg.Enabled,
		Running:  q != nil && !stopping,
		Workers:  cfg.Workers,
		InFlight: int(s.inFlight.Load()),
		Dropped:  s.dropped.Load(),
		RetryMax: cfg.RetryMax,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}

func (s *Service) onQueueFull(now time.Time, t Task, q chan queuedTask) {
	total := s.dropped.Add(1)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskDropped, Time: now, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"}})

	prev := s.lastQueueFullWarnAt.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return
	}
	if s.lastQueueFullWarnAt.CompareAndSwap(prev, now.UnixNano()) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped", total),
		)
	}
}
