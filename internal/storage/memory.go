package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local Store.
type Memory struct {
	mu sync.RWMutex

	events   map[string]Event
	subjects map[string]Subject // by id
	byName   map[string]string  // name key -> subject id
	owners   map[string]map[int64]Ownership
	jobs     map[string]Job
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		events:   map[string]Event{},
		subjects: map[string]Subject{},
		byName:   map[string]string{},
		owners:   map[string]map[int64]Ownership{},
		jobs:     map[string]Job{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) InsertEvent(_ context.Context, e Event) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := m.now()
	e.StartTime = e.StartTime.UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	e.Deleted, e.DeletedAt = false, time.Time{}
	e = e.Clone()
	m.events[e.ID] = e
	return e.Clone(), nil
}

func (m *Memory) GetEvent(_ context.Context, id string) (Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok || e.Deleted {
		return Event{}, ErrNotFound
	}
	return e.Clone(), nil
}

func (m *Memory) FindEventsBySubject(_ context.Context, subjectID string) ([]Event, error) {
	return m.filterEvents(func(e Event) bool { return e.SubjectID == subjectID }), nil
}

func (m *Memory) ListEvents(context.Context) ([]Event, error) {
	return m.filterEvents(func(Event) bool { return true }), nil
}

func (m *Memory) filterEvents(keep func(Event) bool) []Event {
	m.mu.RLock()
	out := make([]Event, 0, len(m.events))
	for _, e := range m.events {
		if !e.Deleted && keep(e) {
			out = append(out, e.Clone())
		}
	}
	m.mu.RUnlock()
	sortEvents(out)
	return out
}

func sortEvents(evs []Event) {
	sort.Slice(evs, func(i, j int) bool {
		if !evs[i].StartTime.Equal(evs[j].StartTime) {
			return evs[i].StartTime.Before(evs[j].StartTime)
		}
		return evs[i].ID < evs[j].ID
	})
}

func (m *Memory) SwapJobHandle(_ context.Context, id, old, handle string) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.events[id]
	if !ok || cur.Deleted {
		return Event{}, ErrNotFound
	}
	if cur.JobHandle != old {
		return Event{}, ErrHandleMoved
	}
	cur.JobHandle = handle
	cur.UpdatedAt = m.now()
	m.events[id] = cur
	return cur.Clone(), nil
}

func (m *Memory) ToggleAttendee(_ context.Context, id string, userID int64) (Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.events[id]
	if !ok || cur.Deleted {
		return Event{}, false, ErrNotFound
	}
	var attending bool
	cur.Attendees, attending = toggleAttendee(cur.Attendees, userID)
	cur.UpdatedAt = m.now()
	m.events[id] = cur
	return cur.Clone(), attending, nil
}

func (m *Memory) SoftDeleteEvent(_ context.Context, id string) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.events[id]
	if !ok || cur.Deleted {
		return Event{}, ErrNotFound
	}
	now := m.now()
	cur.Deleted, cur.DeletedAt, cur.UpdatedAt = true, now, now
	m.events[id] = cur
	return cur.Clone(), nil
}

func (m *Memory) UpsertSubject(_ context.Context, name string) (Subject, error) {
	key := nameKey(name)
	if key == "" {
		return Subject{}, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byName[key]; ok {
		return m.subjects[id], nil
	}
	s := Subject{ID: uuid.NewString(), Name: strings.TrimSpace(name), CreatedAt: m.now()}
	m.subjects[s.ID] = s
	m.byName[key] = s.ID
	return s, nil
}

func (m *Memory) FindSubjectByName(_ context.Context, name string) (Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[nameKey(name)]
	if !ok {
		return Subject{}, ErrNotFound
	}
	return m.subjects[id], nil
}

func (m *Memory) GetSubject(_ context.Context, id string) (Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subjects[id]
	if !ok {
		return Subject{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) UpsertOwnership(_ context.Context, o Ownership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subjects[o.SubjectID]; !ok {
		return ErrNotFound
	}
	byUser := m.owners[o.SubjectID]
	if byUser == nil {
		byUser = map[int64]Ownership{}
		m.owners[o.SubjectID] = byUser
	}
	byUser[o.UserID] = o
	return nil
}

func (m *Memory) ListOwners(_ context.Context, subjectID string) ([]Ownership, error) {
	m.mu.RLock()
	out := make([]Ownership, 0, len(m.owners[subjectID]))
	for _, o := range m.owners[subjectID] {
		out = append(out, o)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) InsertJob(_ context.Context, j Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = m.now()
	}
	j.FireAt = j.FireAt.UTC()
	m.jobs[j.Handle] = j
	return nil
}

func (m *Memory) DeleteJob(_ context.Context, handle string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[handle]; !ok {
		return false, nil
	}
	delete(m.jobs, handle)
	return true, nil
}

func (m *Memory) GetJob(_ context.Context, handle string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[handle]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j, nil
}

func (m *Memory) ListJobs(context.Context) ([]Job, error) {
	m.mu.RLock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}
