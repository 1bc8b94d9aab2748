// Package netting reduces bilateral obligations to a minimal set of net
// payments: normalize to USD, aggregate per-party balances, then greedily
// match debtors with creditors.
//
// All monetary values use shopspring/decimal.
// Output is deterministic for a given input: aggregation is insertion
// ordered and every sort is stable.
package netting

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/netshift/settlement-engine/internal/model"
)

// Epsilon is the settlement tolerance shared by aggregation and matching.
// A balance within ±Epsilon is settled; a remainder below Epsilon is spent.
var Epsilon = decimal.New(1, -2)

// USDScale is the number of decimal places USD values are rounded to.
const USDScale int32 = 2

var (
	// ErrNoObligations is returned when there is nothing to net.
	ErrNoObligations = errors.New("netting: no obligations")

	// ErrUnpricedUnit is returned when neither the price oracle nor the
	// fallback table knows a unit.
	ErrUnpricedUnit = errors.New("netting: no rate for unit")

	// ErrConservation is returned when balances do not sum to zero.
	ErrConservation = errors.New("netting: balances do not conserve value")
)

// PriceFunc returns the USD rate of one unit of the given asset.
type PriceFunc func(ctx context.Context, unit model.UnitID) (decimal.Decimal, error)

// Result is the output of a netting run.
type Result struct {
	Normalized     []model.NormalizedObligation     `json:"normalized"`
	Balances       []model.PartyBalance             `json:"balances"`
	NetPayments    []model.NetPayment               `json:"net_payments"`
	BeforeGraph    model.Graph                      `json:"before_graph"`
	AfterGraph     model.Graph                      `json:"after_graph"`
	OriginalCount  int                              `json:"original_count"`
	OptimizedCount int                              `json:"optimized_count"`
	Rates          map[model.UnitID]decimal.Decimal `json:"rates"`
}

// Compute runs the full pipeline: validate, normalize, aggregate, check
// conservation, match.
func Compute(ctx context.Context, obligations []model.Obligation, price PriceFunc, fallback map[model.UnitID]decimal.Decimal) (*Result, error) {
	if len(obligations) == 0 {
		return nil, ErrNoObligations
	}
	for i, o := range obligations {
		if err := o.Validate(); err != nil {
			return nil, fmt.Errorf("obligation %d: %w", i, err)
		}
	}

	normalized, rates, err := Normalize(ctx, obligations, price, fallback)
	if err != nil {
		return nil, err
	}

	balances := Aggregate(normalized)
	if err := CheckConservation(balances); err != nil {
		return nil, err
	}

	payments := Match(balances)

	return &Result{
		Normalized:     normalized,
		Balances:       balances,
		NetPayments:    payments,
		BeforeGraph:    beforeGraph(normalized),
		AfterGraph:     afterGraph(payments),
		OriginalCount:  len(obligations),
		OptimizedCount: len(payments),
		Rates:          rates,
	}, nil
}

// CheckConservation verifies that balances sum to zero within Epsilon.
func CheckConservation(balances []model.PartyBalance) error {
	sum := decimal.Zero
	for _, b := range balances {
		sum = sum.Add(b.NetUSD)
	}
	if sum.Abs().GreaterThan(Epsilon) {
		return fmt.Errorf("%w: sum=%s", ErrConservation, sum)
	}
	return nil
}

func beforeGraph(normalized []model.NormalizedObligation) model.Graph {
	g := model.Graph{Edges: make([]model.Edge, 0, len(normalized))}
	seen := make(map[model.PartyID]bool)
	for _, n := range normalized {
		for _, p := range []model.PartyID{n.From, n.To} {
			if !seen[p] {
				seen[p] = true
				g.Nodes = append(g.Nodes, p)
			}
		}
		g.Edges = append(g.Edges, model.Edge{From: n.From, To: n.To, ValueUSD: n.ValueUSD, Unit: n.Unit})
	}
	return g
}

func afterGraph(payments []model.NetPayment) model.Graph {
	g := model.Graph{Nodes: []model.PartyID{}, Edges: make([]model.Edge, 0, len(payments))}
	seen := make(map[model.PartyID]bool)
	for _, p := range payments {
		for _, party := range []model.PartyID{p.From, p.To} {
			if !seen[party] {
				seen[party] = true
				g.Nodes = append(g.Nodes, party)
			}
		}
		g.Edges = append(g.Edges, model.Edge{From: p.From, To: p.To, ValueUSD: p.ValueUSD})
	}
	return g
}
