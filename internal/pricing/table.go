// Package pricing supplies USD rates for units: a static fallback table, an
// HTTP price oracle, and a Redis cache in front of the oracle.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/netshift/settlement-engine/internal/asset"
	"github.com/netshift/settlement-engine/internal/model"
)

var (
	// ErrUnknownUnit is returned when a source has no price for a unit.
	ErrUnknownUnit = errors.New("pricing: unknown unit")

	// ErrInvalidTable is returned when a fallback table cannot be parsed.
	ErrInvalidTable = errors.New("pricing: invalid price table")
)

// PriceFunc returns the USD price of one unit.
type PriceFunc func(ctx context.Context, unit model.UnitID) (decimal.Decimal, error)

// Table is a static USD price table.
type Table map[model.UnitID]decimal.Decimal

// Stablecoins are always priced at 1 USD unless overridden.
var Stablecoins = Table{
	"usdc": decimal.NewFromInt(1),
	"usdt": decimal.NewFromInt(1),
	"dai":  decimal.NewFromInt(1),
}

// ParseTable parses "eth:3000,sol:150" into a Table layered over the
// stablecoin defaults.
func ParseTable(s string) (Table, error) {
	t := make(Table, len(Stablecoins))
	for u, p := range Stablecoins {
		t[u] = p
	}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		unit, price, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTable, entry)
		}
		p, err := decimal.NewFromString(strings.TrimSpace(price))
		if err != nil || !p.IsPositive() {
			return nil, fmt.Errorf("%w: price for %q", ErrInvalidTable, unit)
		}
		t[asset.Unit(model.UnitID(unit))] = p
	}
	return t, nil
}

// Price implements PriceFunc.
func (t Table) Price(_ context.Context, unit model.UnitID) (decimal.Decimal, error) {
	if p, ok := t[asset.Unit(unit)]; ok {
		return p, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownUnit, unit)
}
