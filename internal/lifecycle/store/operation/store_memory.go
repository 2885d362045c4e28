package operation

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"rollcall/internal/lifecycle/models"
	"rollcall/pkg/platform/sentinel"
)

// InMemoryStore keeps ledger entries in a map guarded by a mutex.
// Every read and write copies the entry so callers never alias stored state.
type InMemoryStore struct {
	mu  sync.RWMutex
	ops map[string]*models.Operation
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{ops: make(map[string]*models.Operation)}
}

func (s *InMemoryStore) Create(_ context.Context, op *models.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[op.ID]; ok {
		return fmt.Errorf("operation %s: %w", op.ID, sentinel.ErrConflict)
	}
	s.ops[op.ID] = op.Clone()
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id string) (*models.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, fmt.Errorf("operation %s: %w", id, sentinel.ErrNotFound)
	}
	return op.Clone(), nil
}

func (s *InMemoryStore) CompareAndSwap(_ context.Context, op *models.Operation, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.ops[op.ID]
	if !ok {
		return fmt.Errorf("operation %s: %w", op.ID, sentinel.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("operation %s version %d: %w", op.ID, expectedVersion, sentinel.ErrConflict)
	}
	s.ops[op.ID] = op.Clone()
	return nil
}

func (s *InMemoryStore) ListByStatus(_ context.Context, statuses []models.OperationStatus, updatedBefore time.Time, limit int) ([]*models.Operation, error) {
	s.mu.RLock()
	var out []*models.Operation
	for _, op := range s.ops {
		if !slices.Contains(statuses, op.Status) {
			continue
		}
		if !updatedBefore.IsZero() && !op.UpdatedAt.Before(updatedBefore) {
			continue
		}
		out = append(out, op.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *models.Operation) int {
		if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
