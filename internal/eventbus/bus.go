package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the reminder pipeline.
const (
	TypeEventCreated     = "reminder.created"
	TypeEventCancelled   = "reminder.cancelled"
	TypePreReminderFired = "reminder.pre_fired"
	TypeFinalFired       = "reminder.final_fired"
	TypeUnscheduled      = "reminder.unscheduled"
	TypeRearmed          = "reminder.rearmed"

	TypeJobArmed     = "scheduler.armed"
	TypeJobCancelled = "scheduler.cancelled"

	TypeTaskStarted  = "task.started"
	TypeTaskFailed   = "task.failed"
	TypeTaskFinished = "task.finished"
	TypeTaskDropped  = "task.dropped"

	TypeNotifySent   = "notifier.sent"
	TypeNotifyFailed = "notifier.failed"

	TypeConfigReloaded = "config.reloaded"
)

// Event is a small in-memory signal. Publish never blocks; a subscriber
// whose buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends are non-blocking, so holding the read lock keeps unsubscribe
	// from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
