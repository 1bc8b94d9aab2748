package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/netshift/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) CreateSettlement(ctx context.Context, st *model.Settlement) error {
	if err := s.primary.CreateSettlement(ctx, st); err != nil {
		return err
	}
	s.cache(ctx, st)
	return nil
}

// UpdateSettlement drops the cached copy before writing so a failed write
// never leaves a stale version behind.
func (s *CachedStore) UpdateSettlement(ctx context.Context, st *model.Settlement) error {
	s.rdb.Del(ctx, settlementKey(st.ID))
	if err := s.primary.UpdateSettlement(ctx, st); err != nil {
		return err
	}
	s.cache(ctx, st)
	return nil
}

func (s *CachedStore) GetSettlement(ctx context.Context, id string) (*model.Settlement, error) {
	data, err := s.rdb.Get(ctx, settlementKey(id)).Bytes()
	if err == nil {
		var st model.Settlement
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	st, err := s.primary.GetSettlement(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, st)
	return st, nil
}

// Lists always hit the primary.

func (s *CachedStore) ListSettlements(ctx context.Context) ([]model.Settlement, error) {
	return s.primary.ListSettlements(ctx)
}

func (s *CachedStore) ListByStatus(ctx context.Context, status model.Status) ([]model.Settlement, error) {
	return s.primary.ListByStatus(ctx, status)
}

func (s *CachedStore) cache(ctx context.Context, st *model.Settlement) {
	if data, err := json.Marshal(st); err == nil {
		s.rdb.Set(ctx, settlementKey(st.ID), data, s.ttl)
	}
}

func settlementKey(id string) string { return fmt.Sprintf("settlement:%s", id) }
