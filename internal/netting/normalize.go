package netting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/netshift/settlement-engine/internal/metrics"
	"github.com/netshift/settlement-engine/internal/model"
)

// Normalize values every obligation in USD. Each distinct unit is priced
// once, in first-appearance order. A failed or non-positive oracle price
// falls back to the fallback table; a unit missing from both is reported
// together with every other unpriced unit.
//
// ValueUSD is rounded once, here, to USDScale places (half-up).
func Normalize(ctx context.Context, obligations []model.Obligation, price PriceFunc, fallback map[model.UnitID]decimal.Decimal) ([]model.NormalizedObligation, map[model.UnitID]decimal.Decimal, error) {
	var units []model.UnitID
	seen := make(map[model.UnitID]bool)
	for _, o := range obligations {
		if !seen[o.Unit] {
			seen[o.Unit] = true
			units = append(units, o.Unit)
		}
	}

	rates, err := ResolveRates(ctx, units, price, fallback)
	if err != nil {
		return nil, nil, err
	}

	out := make([]model.NormalizedObligation, len(obligations))
	for i, o := range obligations {
		rate := rates[o.Unit]
		out[i] = model.NormalizedObligation{
			Obligation: o,
			Rate:       rate,
			ValueUSD:   o.Amount.Mul(rate).Round(USDScale),
		}
	}
	return out, rates, nil
}

// ResolveRates prices each unit through the oracle, then the fallback table.
func ResolveRates(ctx context.Context, units []model.UnitID, price PriceFunc, fallback map[model.UnitID]decimal.Decimal) (map[model.UnitID]decimal.Decimal, error) {
	rates := make(map[model.UnitID]decimal.Decimal, len(units))
	var missing []string

	for _, unit := range units {
		if _, ok := rates[unit]; ok {
			continue
		}
		if price != nil {
			rate, err := price(ctx, unit)
			if err == nil && rate.IsPositive() {
				rates[unit] = rate
				continue
			}
			slog.Warn("price lookup failed, using fallback rate",
				"unit", unit,
				"err", err,
				"rate", rate.String(),
			)
		}
		if rate, ok := fallback[unit]; ok && rate.IsPositive() {
			if price != nil {
				metrics.PriceFallbacks.WithLabelValues(string(unit)).Inc()
			}
			rates[unit] = rate
			continue
		}
		missing = append(missing, string(unit))
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnpricedUnit, strings.Join(missing, ", "))
	}
	return rates, nil
}
