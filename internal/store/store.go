// Package store defines the persistence interface for settlements.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/netshift/settlement-engine/internal/model"
)

var (
	// ErrNotFound is returned when a settlement does not exist.
	ErrNotFound = errors.New("store: settlement not found")

	// ErrAlreadyExists is returned when creating a settlement twice.
	ErrAlreadyExists = errors.New("store: settlement already exists")

	// ErrVersionConflict is returned when an update was based on a stale read.
	ErrVersionConflict = errors.New("store: settlement version conflict")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// CreateSettlement persists a new settlement at version 1.
	CreateSettlement(ctx context.Context, s *model.Settlement) error

	// GetSettlement retrieves a settlement by its ID.
	GetSettlement(ctx context.Context, id string) (*model.Settlement, error)

	// UpdateSettlement replaces a settlement if its Version matches the
	// stored one, then bumps s.Version.
	UpdateSettlement(ctx context.Context, s *model.Settlement) error

	// ListSettlements returns all settlements, newest first.
	ListSettlements(ctx context.Context) ([]model.Settlement, error)

	// ListByStatus returns settlements in the given status, oldest first.
	ListByStatus(ctx context.Context, status model.Status) ([]model.Settlement, error)
}

// clone deep-copies a settlement so stored state never aliases caller state.
func clone(s *model.Settlement) *model.Settlement {
	c := *s
	c.Obligations = slices.Clone(s.Obligations)
	c.RecipientPreferences = slices.Clone(s.RecipientPreferences)
	c.NetPayments = slices.Clone(s.NetPayments)
	c.Orders = slices.Clone(s.Orders)
	c.Failures = slices.Clone(s.Failures)
	c.Rates = maps.Clone(s.Rates)
	c.ComputedAt = cloneTime(s.ComputedAt)
	c.ExecutedAt = cloneTime(s.ExecutedAt)
	c.FinishedAt = cloneTime(s.FinishedAt)
	return &c
}

func cloneTime[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
