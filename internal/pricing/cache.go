package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/netshift/settlement-engine/internal/model"
)

// Cached is a Redis read-through cache in front of a PriceFunc. Prices are
// kept for ttl so a burst of computations prices each unit once.
type Cached struct {
	source PriceFunc
	rdb    *redis.Client
	ttl    time.Duration
}

// NewCached wraps source.
func NewCached(source PriceFunc, rdb *redis.Client, ttl time.Duration) *Cached {
	return &Cached{source: source, rdb: rdb, ttl: ttl}
}

// Price implements PriceFunc. Redis errors fall through to the source.
func (c *Cached) Price(ctx context.Context, unit model.UnitID) (decimal.Decimal, error) {
	key := priceKey(unit)
	if s, err := c.rdb.Get(ctx, key).Result(); err == nil {
		if p, err := decimal.NewFromString(s); err == nil {
			return p, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		slog.Warn("price cache read failed", "unit", unit, "error", err)
	}

	p, err := c.source(ctx, unit)
	if err != nil {
		return decimal.Zero, err
	}
	if err := c.rdb.Set(ctx, key, p.String(), c.ttl).Err(); err != nil {
		slog.Warn("price cache write failed", "unit", unit, "error", err)
	}
	return p, nil
}

func priceKey(unit model.UnitID) string { return fmt.Sprintf("price:usd:%s", unit) }
