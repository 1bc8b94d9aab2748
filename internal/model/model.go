// Package model defines the core domain types shared across the settlement engine.
// Monetary values are shopspring/decimal, never float64.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PartyID, UnitID and ChainID are plain value identifiers.
type (
	PartyID string
	UnitID  string
	ChainID string
)

var (
	// ErrSelfPayment is returned for an obligation whose payer is its payee.
	ErrSelfPayment = errors.New("model: obligation payer and payee must differ")

	// ErrNonPositiveAmount is returned for an obligation with amount <= 0.
	ErrNonPositiveAmount = errors.New("model: obligation amount must be positive")

	// ErrMissingField is returned when a required identifier is empty.
	ErrMissingField = errors.New("model: required field missing")
)

// Obligation is a single declared debt from one party to another.
// Immutable once submitted.
type Obligation struct {
	From      PartyID         `json:"from"`
	To        PartyID         `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	Unit      UnitID          `json:"unit"`
	Reference string          `json:"reference,omitempty"`
}

// Validate enforces the creation-time invariants of an obligation.
func (o Obligation) Validate() error {
	switch {
	case o.From == "":
		return fmt.Errorf("%w: from", ErrMissingField)
	case o.To == "":
		return fmt.Errorf("%w: to", ErrMissingField)
	case o.Unit == "":
		return fmt.Errorf("%w: unit", ErrMissingField)
	case o.From == o.To:
		return fmt.Errorf("%w: %s", ErrSelfPayment, o.From)
	case !o.Amount.IsPositive():
		return fmt.Errorf("%w: %s", ErrNonPositiveAmount, o.Amount)
	}
	return nil
}

// NormalizedObligation is an Obligation valued in USD at normalization time.
// ValueUSD is a snapshot, not a live price.
type NormalizedObligation struct {
	Obligation
	Rate     decimal.Decimal `json:"rate"`
	ValueUSD decimal.Decimal `json:"value_usd"`
}

// PartyBalance is a signed net position: negative = net debtor.
type PartyBalance struct {
	Party  PartyID         `json:"party"`
	NetUSD decimal.Decimal `json:"net_usd"`
}

// NetPayment is one transfer produced by matching.
type NetPayment struct {
	From     PartyID         `json:"from"`
	To       PartyID         `json:"to"`
	ValueUSD decimal.Decimal `json:"value_usd"`
}

// Edge is a directed, USD-valued edge of a debt graph.
type Edge struct {
	From     PartyID         `json:"from"`
	To       PartyID         `json:"to"`
	ValueUSD decimal.Decimal `json:"value_usd"`
	Unit     UnitID          `json:"unit,omitempty"`
}

// Graph is the before/after debt graph returned by netting.
type Graph struct {
	Nodes []PartyID `json:"nodes"`
	Edges []Edge    `json:"edges"`
}

// RecipientPreference says how and where a creditor wants to be paid.
type RecipientPreference struct {
	Party          PartyID `json:"party"`
	ReceiveUnit    UnitID  `json:"receive_unit"`
	ReceiveChain   ChainID `json:"receive_chain"`
	ReceiveAddress string  `json:"receive_address"`
	RefundAddress  string  `json:"refund_address"`
	Memo           string  `json:"memo,omitempty"`
}

// DepositAsset is the asset payers fund their orders with.
type DepositAsset struct {
	Unit  UnitID  `json:"unit"`
	Chain ChainID `json:"chain"`
}

// OrderStatus is the closed set of order states the engine understands.
type OrderStatus string

const (
	OrderWaiting    OrderStatus = "waiting"
	OrderConfirming OrderStatus = "confirming"
	OrderExchanging OrderStatus = "exchanging"
	OrderCompleted  OrderStatus = "completed"
	OrderFailed     OrderStatus = "failed"
)

// Terminal reports whether no further transition can occur.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderFailed
}

// Order is an exchange order created for one net payment.
type Order struct {
	Recipient       PartyID         `json:"recipient"`
	Payer           PartyID         `json:"payer"`
	ExternalOrderID string          `json:"external_order_id"`
	Status          OrderStatus     `json:"status"`
	DepositAddress  string          `json:"deposit_address"`
	DepositMemo     string          `json:"deposit_memo,omitempty"`
	DepositAmount   decimal.Decimal `json:"deposit_amount"`
	DepositUnit     UnitID          `json:"deposit_unit"`
	SettleAmount    decimal.Decimal `json:"settle_amount"`
	SettleUnit      UnitID          `json:"settle_unit"`
	QuoteID         string          `json:"quote_id"`
	QuoteExpiresAt  time.Time       `json:"quote_expires_at"`
	IdempotencyKey  string          `json:"idempotency_key"`
	SettleTxHash    string          `json:"settle_tx_hash,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	FailureReason   string          `json:"failure_reason,omitempty"`
}

// FailureStage names the orchestration step a recipient failed at.
type FailureStage string

const (
	StageAddress FailureStage = "address"
	StageBounds  FailureStage = "bounds"
	StageQuote   FailureStage = "quote"
	StageOrder   FailureStage = "order"
)

// FailureRecord reports a net payment that did not become an Order.
type FailureRecord struct {
	Recipient PartyID      `json:"recipient"`
	Payer     PartyID      `json:"payer"`
	Stage     FailureStage `json:"stage"`
	Reason    string       `json:"reason"`
	Retryable bool         `json:"retryable"`
}

// Status is the settlement lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusReady     Status = "ready"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the settlement can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Settlement is the aggregate root of one netting run. It exclusively owns
// its obligations, net payments, orders and failures.
type Settlement struct {
	ID                   string                     `json:"id"`
	Name                 string                     `json:"name,omitempty"`
	Status               Status                     `json:"status"`
	Obligations          []Obligation               `json:"obligations"`
	RecipientPreferences []RecipientPreference      `json:"recipient_preferences"`
	DepositAsset         DepositAsset               `json:"deposit_asset"`
	NetPayments          []NetPayment               `json:"net_payments"`
	Orders               []Order                    `json:"orders"`
	Failures             []FailureRecord            `json:"failures"`
	OriginalCount        int                        `json:"original_count"`
	OptimizedCount       int                        `json:"optimized_count"`
	Rates                map[UnitID]decimal.Decimal `json:"rates,omitempty"`
	Version              int64                      `json:"version"`
	CreatedAt            time.Time                  `json:"created_at"`
	UpdatedAt            time.Time                  `json:"updated_at"`
	ComputedAt           *time.Time                 `json:"computed_at,omitempty"`
	ExecutedAt           *time.Time                 `json:"executed_at,omitempty"`
	FinishedAt           *time.Time                 `json:"finished_at,omitempty"`
}

// Preference returns the recipient preference for party, if any.
func (s *Settlement) Preference(party PartyID) (RecipientPreference, bool) {
	for _, p := range s.RecipientPreferences {
		if p.Party == party {
			return p, true
		}
	}
	return RecipientPreference{}, false
}

// PendingPayments returns the net payments that have no order yet.
// A (payer, recipient) pair appears at most once in a matcher output.
func (s *Settlement) PendingPayments() []NetPayment {
	done := make(map[[2]PartyID]bool, len(s.Orders))
	for _, o := range s.Orders {
		done[[2]PartyID{o.Payer, o.Recipient}] = true
	}
	var pending []NetPayment
	for _, p := range s.NetPayments {
		if !done[[2]PartyID{p.From, p.To}] {
			pending = append(pending, p)
		}
	}
	return pending
}
