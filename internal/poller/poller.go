// Package poller converges exchange order statuses.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/netshift/settlement-engine/internal/exchange"
	"github.com/netshift/settlement-engine/internal/metrics"
	"github.com/netshift/settlement-engine/internal/model"
	"github.com/netshift/settlement-engine/internal/retry"
	"github.com/netshift/settlement-engine/internal/throttle"
)

var errEmptyState = errors.New("poller: exchange returned no order state")

// Result is the outcome of one polling pass.
type Result struct {
	Orders      []model.Order
	AllTerminal bool
	AnyFailed   bool
}

var externalStatus = map[string]model.OrderStatus{
	"waiting":    model.OrderWaiting,
	"pending":    model.OrderConfirming,
	"review":     model.OrderConfirming,
	"processing": model.OrderExchanging,
	"settling":   model.OrderExchanging,
	"settled":    model.OrderCompleted,
	"refund":     model.OrderFailed,
	"refunding":  model.OrderFailed,
	"refunded":   model.OrderFailed,
	"expired":    model.OrderFailed,
	"failed":     model.OrderFailed,
	"cancelled":  model.OrderFailed,
}

// MapStatus maps an exchange status onto the closed order status set.
// Unknown values report ok=false.
func MapStatus(external string) (model.OrderStatus, bool) {
	s, ok := externalStatus[strings.ToLower(strings.TrimSpace(external))]
	return s, ok
}

// Poller reads order statuses from the exchange.
type Poller struct {
	client    exchange.Client
	scheduler throttle.Scheduler
	policy    retry.Policy
	now       func() time.Time
}

// New creates a Poller. A zero policy uses retry.Default.
func New(client exchange.Client, scheduler throttle.Scheduler, policy retry.Policy) *Poller {
	if policy.MaxAttempts == 0 {
		policy = retry.Default(exchange.IsRetryable)
	}
	if policy.Retryable == nil {
		policy.Retryable = exchange.IsRetryable
	}
	return &Poller{client: client, scheduler: scheduler, policy: policy, now: time.Now}
}

// Poll refreshes every non-terminal order and returns updated copies. A read
// that fails leaves that order's status as it was. The input slice is not
// modified.
func (p *Poller) Poll(ctx context.Context, orders []model.Order) (*Result, error) {
	out := make([]model.Order, len(orders))
	copy(out, orders)

	for i := range out {
		o := &out[i]
		if o.Status.Terminal() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		state, err := retry.DoValue(ctx, p.policy, func(ctx context.Context) (*exchange.OrderState, error) {
			var st *exchange.OrderState
			err := p.scheduler.Do(ctx, throttle.Reads, func(ctx context.Context) error {
				start := time.Now()
				var err error
				st, err = p.client.OrderStatus(ctx, o.ExternalOrderID)
				metrics.ObserveExchange(string(throttle.Reads), start, err)
				return err
			})
			return st, err
		})
		if err == nil && state == nil {
			err = errEmptyState
		}
		if err != nil {
			slog.Warn("order status read failed, keeping previous status",
				"order_id", o.ExternalOrderID,
				"recipient", o.Recipient,
				"status", o.Status,
				"error", err,
			)
			continue
		}

		next, ok := MapStatus(state.Status)
		if !ok {
			slog.Warn("unknown exchange order status",
				"order_id", o.ExternalOrderID,
				"external_status", state.Status,
			)
			continue
		}
		if state.SettleTxHash != "" {
			o.SettleTxHash = state.SettleTxHash
		}
		if next != o.Status {
			slog.Info("order status changed",
				"order_id", o.ExternalOrderID,
				"from", o.Status,
				"to", next,
			)
			metrics.OrderStatusChanges.WithLabelValues(string(next)).Inc()
			o.Status = next
			o.UpdatedAt = p.now().UTC()
			if next == model.OrderFailed {
				o.FailureReason = "exchange status " + state.Status
			}
		}
	}

	res := &Result{Orders: out, AllTerminal: true}
	for _, o := range out {
		if !o.Status.Terminal() {
			res.AllTerminal = false
		}
		if o.Status == model.OrderFailed {
			res.AnyFailed = true
		}
	}
	return res, nil
}
