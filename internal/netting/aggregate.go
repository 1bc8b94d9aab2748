package netting

import (
	"github.com/shopspring/decimal"

	"github.com/netshift/settlement-engine/internal/model"
)

// Aggregate reduces normalized obligations to one signed balance per party:
// the payer is debited and the payee credited by ValueUSD. Parties are
// returned in order of first appearance.
func Aggregate(normalized []model.NormalizedObligation) []model.PartyBalance {
	index := make(map[model.PartyID]int)
	var balances []model.PartyBalance

	add := func(party model.PartyID, delta decimal.Decimal) {
		i, ok := index[party]
		if !ok {
			i = len(balances)
			index[party] = i
			balances = append(balances, model.PartyBalance{Party: party, NetUSD: decimal.Zero})
		}
		balances[i].NetUSD = balances[i].NetUSD.Add(delta)
	}

	for _, n := range normalized {
		add(n.From, n.ValueUSD.Neg())
		add(n.To, n.ValueUSD)
	}
	return balances
}
