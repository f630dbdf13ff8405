package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore guarda despertares no processo. Não sobrevive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	wakeups map[string]Wakeup
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{wakeups: make(map[string]Wakeup)}
}

func (m *MemoryStore) Put(_ context.Context, w Wakeup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wakeups[w.ExecutionID] = w
	return nil
}

func (m *MemoryStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]Wakeup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []Wakeup
	for _, w := range m.wakeups {
		if !w.DueAt.After(now) {
			due = append(due, w)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, w := range due {
		delete(m.wakeups, w.ExecutionID)
	}
	return due, nil
}

func (m *MemoryStore) Get(_ context.Context, executionID string) (*Wakeup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wakeups[executionID]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (m *MemoryStore) Remove(_ context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.wakeups, executionID)
	return nil
}

func (m *MemoryStore) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.wakeups), nil
}
