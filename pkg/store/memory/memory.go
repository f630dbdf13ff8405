// Package memory implementa store.Store em memória. Serve para testes e execução local;
// não sobrevive a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
	"github.com/raywall/fast-webhook-pipeline/pkg/store"
)

type Store struct {
	mu          sync.RWMutex
	executions  map[string]domain.Execution
	attempts    map[string][]domain.StepAttempt
	deadLetters map[string]domain.DLQItem
	leases      map[string]lease
}

type lease struct {
	owner string
	until time.Time
}

func New() *Store {
	return &Store{
		executions:  make(map[string]domain.Execution),
		attempts:    make(map[string][]domain.StepAttempt),
		deadLetters: make(map[string]domain.DLQItem),
		leases:      make(map[string]lease),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) CreateExecution(_ context.Context, exec *domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return store.ErrDuplicate
	}
	if exec.SourceDLQItemID != "" {
		for _, e := range s.executions {
			if e.SourceDLQItemID == exec.SourceDLQItemID {
				return store.ErrDuplicate
			}
		}
	}
	s.executions[exec.ID] = clone(*exec)
	return nil
}

func (s *Store) UpdateExecution(_ context.Context, exec *domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.executions[exec.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.Closed() {
		return store.ErrTerminalExecution
	}
	s.executions[exec.ID] = clone(*exec)
	return nil
}

func (s *Store) ClaimExecution(_ context.Context, id, owner string, now, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[id]; !ok {
		return store.ErrNotFound
	}
	if current, ok := s.leases[id]; ok && current.owner != owner && current.until.After(now) {
		return store.ErrLeaseHeld
	}
	s.leases[id] = lease{owner: owner, until: until}
	return nil
}

func (s *Store) ReleaseExecution(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.leases[id]; ok && current.owner == owner {
		delete(s.leases, id)
	}
	return nil
}

func (s *Store) GetExecution(_ context.Context, id string) (*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := clone(exec)
	return &c, nil
}

func (s *Store) ListExecutions(_ context.Context, f store.ExecutionFilter) ([]domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Execution, 0)
	for _, e := range s.executions {
		if !matches(e, f) {
			continue
		}
		out = append(out, clone(e))
	}

	// Mais recentes primeiro
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(e domain.Execution, f store.ExecutionFilter) bool {
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.PipelineID != "" && e.PipelineID != f.PipelineID {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if e.Status == st {
			return true
		}
	}
	return false
}

func (s *Store) AppendAttempt(_ context.Context, a domain.StepAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts[a.ExecutionID] = append(s.attempts[a.ExecutionID], a)
	return nil
}

func (s *Store) ListAttempts(_ context.Context, executionID string) ([]domain.StepAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.attempts[executionID]
	out := make([]domain.StepAttempt, len(list))
	copy(out, list)
	return out, nil
}

func (s *Store) PutDeadLetter(_ context.Context, item domain.DLQItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.deadLetters {
		if existing.ExecutionID == item.ExecutionID {
			return store.ErrDuplicate
		}
	}
	s.deadLetters[item.ID] = item
	return nil
}

func (s *Store) GetDeadLetter(_ context.Context, id string) (*domain.DLQItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.deadLetters[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &item, nil
}

func (s *Store) ListDeadLetters(_ context.Context, f store.DeadLetterFilter) ([]domain.DLQItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.DLQItem, 0)
	for _, item := range s.deadLetters {
		if f.TenantID != "" && item.TenantID != f.TenantID {
			continue
		}
		if f.PipelineID != "" && item.PipelineID != f.PipelineID {
			continue
		}
		if !f.IncludeRetried && !item.CanRetry() {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) MarkRetried(_ context.Context, id, executionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.deadLetters[id]
	if !ok {
		return store.ErrNotFound
	}
	if !item.CanRetry() {
		return store.ErrAlreadyRetried
	}
	item.RetriedAt = &at
	item.RetryExecutionID = executionID
	s.deadLetters[id] = item
	return nil
}

func (s *Store) DeleteDeadLetter(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deadLetters[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.deadLetters, id)
	return nil
}

func (s *Store) PipelineStats(ctx context.Context, pipelineID string, since time.Time) (*domain.PipelineStats, error) {
	execs, err := s.ListExecutions(ctx, store.ExecutionFilter{PipelineID: pipelineID, Since: since})
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	var attempts []domain.StepAttempt
	for _, e := range execs {
		attempts = append(attempts, s.attempts[e.ID]...)
	}
	s.mu.RUnlock()

	return store.ComputeStats(pipelineID, execs, attempts), nil
}

func clone(e domain.Execution) domain.Execution {
	c := e
	c.Attempts = nil
	if e.TriggerPayload != nil {
		c.TriggerPayload = append([]byte(nil), e.TriggerPayload...)
	}
	return c
}
