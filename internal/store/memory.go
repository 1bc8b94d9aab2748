package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/netshift/settlement-engine/internal/model"
)

// MemoryStore implements Store with an in-memory map. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	settlements map[string]*model.Settlement
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settlements: make(map[string]*model.Settlement),
	}
}

func (s *MemoryStore) CreateSettlement(_ context.Context, st *model.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.settlements[st.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, st.ID)
	}
	st.Version = 1
	s.settlements[st.ID] = clone(st)
	return nil
}

func (s *MemoryStore) GetSettlement(_ context.Context, id string) (*model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.settlements[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clone(st), nil
}

func (s *MemoryStore) UpdateSettlement(_ context.Context, st *model.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.settlements[st.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, st.ID)
	}
	if cur.Version != st.Version {
		return fmt.Errorf("%w: %s at version %d, update based on %d", ErrVersionConflict, st.ID, cur.Version, st.Version)
	}
	st.Version++
	s.settlements[st.ID] = clone(st)
	return nil
}

func (s *MemoryStore) ListSettlements(_ context.Context) ([]model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Settlement, 0, len(s.settlements))
	for _, st := range s.settlements {
		out = append(out, *clone(st))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status model.Status) ([]model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Settlement
	for _, st := range s.settlements {
		if st.Status == status {
			out = append(out, *clone(st))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
