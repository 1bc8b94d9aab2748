package netting

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/netshift/settlement-engine/internal/model"
)

// position is a party's outstanding magnitude during matching.
type position struct {
	party     model.PartyID
	remaining decimal.Decimal
}

// Match pairs net debtors with net creditors, largest first.
//
// This is a greedy heuristic, not a minimum-transaction solver. It emits at
// most debtors+creditors-1 payments, every one strictly positive, and never
// matches a party to itself since aggregation gives each party one sign.
// Ties are broken by balance order so the output is deterministic.
func Match(balances []model.PartyBalance) []model.NetPayment {
	var debtors, creditors []position
	negEpsilon := Epsilon.Neg()

	for _, b := range balances {
		switch {
		case b.NetUSD.LessThan(negEpsilon):
			debtors = append(debtors, position{party: b.Party, remaining: b.NetUSD.Abs()})
		case b.NetUSD.GreaterThan(Epsilon):
			creditors = append(creditors, position{party: b.Party, remaining: b.NetUSD})
		}
	}

	byMagnitude := func(list []position) func(i, j int) bool {
		return func(i, j int) bool { return list[i].remaining.GreaterThan(list[j].remaining) }
	}
	sort.SliceStable(debtors, byMagnitude(debtors))
	sort.SliceStable(creditors, byMagnitude(creditors))

	payments := make([]model.NetPayment, 0)
	i, j := 0, 0
	for i < len(debtors) && j < len(creditors) {
		debtor := &debtors[i]
		creditor := &creditors[j]

		amount := decimal.Min(debtor.remaining, creditor.remaining)
		if amount.IsPositive() {
			payments = append(payments, model.NetPayment{
				From:     debtor.party,
				To:       creditor.party,
				ValueUSD: amount,
			})
		}

		debtor.remaining = debtor.remaining.Sub(amount)
		creditor.remaining = creditor.remaining.Sub(amount)

		if debtor.remaining.LessThan(Epsilon) {
			i++
		}
		if creditor.remaining.LessThan(Epsilon) {
			j++
		}
	}
	return payments
}
