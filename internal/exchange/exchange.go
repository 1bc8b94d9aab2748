// Package exchange defines the fixed-rate exchange collaborator the engine
// drives, its error taxonomy, and an HTTP client for a SideShift-style API.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/netshift/settlement-engine/internal/limits"
	"github.com/netshift/settlement-engine/internal/model"
)

var (
	// ErrForbidden is a definitive compliance denial for the caller.
	ErrForbidden = errors.New("exchange: caller not permitted")

	// ErrInvalidAddress is returned by address validators.
	ErrInvalidAddress = errors.New("exchange: invalid address")

	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("exchange: temporarily unavailable")
)

// Error is a failed exchange call. StatusCode is 0 for transport failures.
type Error struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode == 0 && e.Err != nil:
		return fmt.Sprintf("exchange %s: %v", e.Op, e.Err)
	case e.Message != "":
		return fmt.Sprintf("exchange %s: %d %s", e.Op, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("exchange %s: status %d", e.Op, e.StatusCode)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt: rate limiting,
// server errors and transport failures. Client errors, compliance denials,
// cancelled contexts and an open breaker are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrForbidden) || errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// Pair identifies a deposit → settle conversion.
type Pair struct {
	DepositUnit  model.UnitID
	DepositChain model.ChainID
	SettleUnit   model.UnitID
	SettleChain  model.ChainID
}

// Quote is a fixed-rate quote. It must be turned into an order before
// ExpiresAt.
type Quote struct {
	ID            string          `json:"id"`
	DepositAmount decimal.Decimal `json:"depositAmount"`
	SettleAmount  decimal.Decimal `json:"settleAmount"`
	Rate          decimal.Decimal `json:"rate"`
	ExpiresAt     time.Time       `json:"expiresAt"`
}

// OrderRequest creates an order from a quote.
type OrderRequest struct {
	QuoteID        string
	SettleAddress  string
	SettleMemo     string
	RefundAddress  string
	IdempotencyKey string
}

// Receipt describes a created order.
type Receipt struct {
	ID             string          `json:"id"`
	DepositAddress string          `json:"depositAddress"`
	DepositMemo    string          `json:"depositMemo,omitempty"`
	DepositAmount  decimal.Decimal `json:"depositAmount"`
	SettleAmount   decimal.Decimal `json:"settleAmount"`
	Status         string          `json:"status"`
	ExpiresAt      time.Time       `json:"expiresAt"`
}

// OrderState is the externally reported state of an order.
type OrderState struct {
	Status       string `json:"status"`
	SettleTxHash string `json:"settleHash,omitempty"`
}

// Client is the exchange collaborator.
type Client interface {
	// CheckPermission returns nil when callerIP may create orders and
	// ErrForbidden on a definitive denial.
	CheckPermission(ctx context.Context, callerIP string) error
	PairBounds(ctx context.Context, pair Pair, amount decimal.Decimal) (limits.Bounds, error)
	RequestQuote(ctx context.Context, pair Pair, depositAmount decimal.Decimal) (*Quote, error)
	CreateOrder(ctx context.Context, req OrderRequest) (*Receipt, error)
	OrderStatus(ctx context.Context, orderID string) (*OrderState, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// AddressValidator checks a recipient address before any quote is spent.
type AddressValidator interface {
	ValidateAddress(ctx context.Context, unit model.UnitID, chain model.ChainID, address, memo string) error
}

// ValidatorFunc adapts a function to AddressValidator.
type ValidatorFunc func(ctx context.Context, unit model.UnitID, chain model.ChainID, address, memo string) error

func (f ValidatorFunc) ValidateAddress(ctx context.Context, unit model.UnitID, chain model.ChainID, address, memo string) error {
	return f(ctx, unit, chain, address, memo)
}

type callerIPKey struct{}

// WithCallerIP attaches the end user's IP to ctx; the client forwards it on
// every call that the exchange geo-checks.
func WithCallerIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, callerIPKey{}, ip)
}

// CallerIP returns the IP attached by WithCallerIP.
func CallerIP(ctx context.Context) string {
	ip, _ := ctx.Value(callerIPKey{}).(string)
	return ip
}
