// Package exchangetest provides an in-memory exchange for tests.
package exchangetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/netshift/settlement-engine/internal/exchange"
	"github.com/netshift/settlement-engine/internal/limits"
	"github.com/netshift/settlement-engine/internal/model"
)

// Fake implements exchange.Client. Zero value is not usable; use New.
//
// Quotes settle at a 1:1 rate. Orders created with an idempotency key that
// was already seen return the original receipt.
type Fake struct {
	mu sync.Mutex

	// PermissionErr is returned by CheckPermission when set.
	PermissionErr error
	// Bounds is returned by PairBounds for every pair.
	Bounds limits.Bounds
	// BoundsErr is returned by PairBounds when set.
	BoundsErr error
	// QuoteErrs fails RequestQuote for a settle unit. Each entry is consumed
	// once and the last one sticks; a nil entry lets the call through.
	QuoteErrs map[model.UnitID][]error
	// OrderErrs fails CreateOrder for a settle address, same consumption rule.
	OrderErrs map[string][]error
	// Statuses holds the external status reported per order id.
	Statuses map[string]string
	// StatusErrs fails OrderStatus for an order id.
	StatusErrs map[string]error
	// QuoteTTL is how long a quote stays valid. Zero means 15 minutes; a
	// negative value hands out quotes that have already expired.
	QuoteTTL time.Duration

	PermissionCalls int
	BoundsCalls     int
	QuoteCalls      int
	OrderCalls      int
	StatusCalls     int
	CallerIPs       []string
	Cancelled       []string

	seq    int
	quotes map[string]quote
	byKey  map[string]*exchange.Receipt
}

type quote struct {
	amount decimal.Decimal
}

// New returns a Fake that allows every caller with bounds [1, 100000].
func New() *Fake {
	return &Fake{
		Bounds:     limits.Bounds{Min: decimal.NewFromInt(1), Max: decimal.NewFromInt(100000), Rate: decimal.NewFromInt(1)},
		QuoteErrs:  map[model.UnitID][]error{},
		OrderErrs:  map[string][]error{},
		Statuses:   map[string]string{},
		StatusErrs: map[string]error{},
		quotes:     map[string]quote{},
		byKey:      map[string]*exchange.Receipt{},
	}
}

func pop(m map[string][]error, key string) error {
	errs := m[key]
	if len(errs) == 0 {
		return nil
	}
	if len(errs) > 1 {
		m[key] = errs[1:]
	}
	return errs[0]
}

func (f *Fake) CheckPermission(ctx context.Context, callerIP string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PermissionCalls++
	f.CallerIPs = append(f.CallerIPs, callerIP)
	return f.PermissionErr
}

func (f *Fake) PairBounds(ctx context.Context, pair exchange.Pair, amount decimal.Decimal) (limits.Bounds, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BoundsCalls++
	if f.BoundsErr != nil {
		return limits.Bounds{}, f.BoundsErr
	}
	return f.Bounds, nil
}

func (f *Fake) RequestQuote(ctx context.Context, pair exchange.Pair, depositAmount decimal.Decimal) (*exchange.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.QuoteCalls++

	if errs := f.QuoteErrs[pair.SettleUnit]; len(errs) > 0 {
		if len(errs) > 1 {
			f.QuoteErrs[pair.SettleUnit] = errs[1:]
		}
		if errs[0] != nil {
			return nil, errs[0]
		}
	}

	ttl := f.QuoteTTL
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	f.seq++
	id := fmt.Sprintf("quote-%d", f.seq)
	f.quotes[id] = quote{amount: depositAmount}
	return &exchange.Quote{
		ID:            id,
		DepositAmount: depositAmount,
		SettleAmount:  depositAmount,
		Rate:          decimal.NewFromInt(1),
		ExpiresAt:     time.Now().Add(ttl),
	}, nil
}

func (f *Fake) CreateOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OrderCalls++

	if err := pop(f.OrderErrs, req.SettleAddress); err != nil {
		return nil, err
	}
	if r, ok := f.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		cp := *r
		return &cp, nil
	}
	q, ok := f.quotes[req.QuoteID]
	if !ok {
		return nil, &exchange.Error{Op: "create_order", StatusCode: 400, Message: "unknown quote"}
	}

	f.seq++
	id := fmt.Sprintf("order-%d", f.seq)
	r := &exchange.Receipt{
		ID:             id,
		DepositAddress: "deposit-" + id,
		DepositAmount:  q.amount,
		SettleAmount:   q.amount,
		Status:         "waiting",
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	f.Statuses[id] = "waiting"
	if req.IdempotencyKey != "" {
		f.byKey[req.IdempotencyKey] = r
	}
	cp := *r
	return &cp, nil
}

func (f *Fake) OrderStatus(ctx context.Context, orderID string) (*exchange.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StatusCalls++
	if err := f.StatusErrs[orderID]; err != nil {
		return nil, err
	}
	st, ok := f.Statuses[orderID]
	if !ok {
		return nil, &exchange.Error{Op: "order_status", StatusCode: 404, Message: "order not found"}
	}
	state := &exchange.OrderState{Status: st}
	if st == "settled" {
		state.SettleTxHash = "0xsettled-" + orderID
	}
	return state, nil
}

func (f *Fake) CancelOrder(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Statuses[orderID]; !ok {
		return &exchange.Error{Op: "cancel_order", StatusCode: 404, Message: "order not found"}
	}
	f.Statuses[orderID] = "cancelled"
	f.Cancelled = append(f.Cancelled, orderID)
	return nil
}

// SetStatus changes the external status of every order in ids.
func (f *Fake) SetStatus(status string, ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.Statuses[id] = status
	}
}

// FailQuote queues errors for quotes settling into unit.
func (f *Fake) FailQuote(unit model.UnitID, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.QuoteErrs[unit] = append(f.QuoteErrs[unit], errs...)
}

// FailOrder queues errors for orders settling to address.
func (f *Fake) FailOrder(address string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OrderErrs[address] = append(f.OrderErrs[address], errs...)
}

// Calls returns a snapshot of the call counters.
func (f *Fake) Calls() (permission, bounds, quotes, orders, statuses int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PermissionCalls, f.BoundsCalls, f.QuoteCalls, f.OrderCalls, f.StatusCalls
}

// Validator rejects the addresses in Invalid and accepts the rest.
type Validator struct {
	Invalid map[string]bool
}

func (v Validator) ValidateAddress(_ context.Context, _ model.UnitID, _ model.ChainID, address, _ string) error {
	if v.Invalid[address] {
		return fmt.Errorf("%w: %s", exchange.ErrInvalidAddress, address)
	}
	return nil
}

// Transient is a retryable upstream error.
func Transient(op string) error {
	return &exchange.Error{Op: op, StatusCode: 503, Message: "upstream busy"}
}

// Rejected is a non-retryable client error.
func Rejected(op, msg string) error {
	return &exchange.Error{Op: op, StatusCode: 400, Message: msg}
}

var _ exchange.Client = (*Fake)(nil)
var _ exchange.AddressValidator = Validator{}
