// Package lifecycle owns the settlement status and its legal transitions:
//
//	draft → ready → executing → {completed | failed}
//
// Terminal settlements are never rewritten. Recomputing a ready settlement
// is allowed; recomputing after execution started is not.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/netshift/settlement-engine/internal/model"
	"github.com/netshift/settlement-engine/internal/netting"
)

var (
	// ErrInvalidTransition is returned for a transition the machine does not allow.
	ErrInvalidTransition = errors.New("lifecycle: invalid status transition")

	// ErrTerminal is returned when a terminal settlement is asked to change.
	ErrTerminal = errors.New("lifecycle: settlement is in a terminal status")

	// ErrNoOrders is returned when execution produced no order at all.
	ErrNoOrders = errors.New("lifecycle: execution produced no orders")

	// ErrNoPayments is returned when a settlement with nothing to pay is executed.
	ErrNoPayments = errors.New("lifecycle: settlement has no net payments")
)

var transitions = map[model.Status][]model.Status{
	model.StatusDraft:     {model.StatusReady},
	model.StatusReady:     {model.StatusReady, model.StatusExecuting},
	model.StatusExecuting: {model.StatusExecuting, model.StatusCompleted, model.StatusFailed},
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to model.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func check(s *model.Settlement, to model.Status) error {
	if s.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, s.Status)
	}
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, s.Status, to)
	}
	return nil
}

// MarkReady stores a netting result and moves the settlement to ready.
func MarkReady(s *model.Settlement, res *netting.Result, now time.Time) error {
	if err := check(s, model.StatusReady); err != nil {
		return err
	}
	s.NetPayments = res.NetPayments
	s.OriginalCount = res.OriginalCount
	s.OptimizedCount = res.OptimizedCount
	s.Rates = make(map[model.UnitID]decimal.Decimal, len(res.Rates))
	for unit, rate := range res.Rates {
		s.Rates[unit] = rate
	}
	s.Orders = nil
	s.Failures = nil
	s.Status = model.StatusReady
	s.ComputedAt = &now
	s.UpdatedAt = now
	return nil
}

// MarkExecuting stores the orders of a first execution. With no order the
// settlement is left in ready and ErrNoOrders is returned.
func MarkExecuting(s *model.Settlement, orders []model.Order, failures []model.FailureRecord, now time.Time) error {
	if err := check(s, model.StatusExecuting); err != nil {
		return err
	}
	if s.Status != model.StatusReady {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, s.Status, model.StatusExecuting)
	}
	if len(orders) == 0 {
		return ErrNoOrders
	}
	s.Orders = append([]model.Order(nil), orders...)
	s.Failures = append([]model.FailureRecord(nil), failures...)
	s.Status = model.StatusExecuting
	s.ExecutedAt = &now
	s.UpdatedAt = now
	return nil
}

// AppendOrders adds orders from a retry of the failed subset. Failures
// replace the previous failure list since they describe the latest attempt.
func AppendOrders(s *model.Settlement, orders []model.Order, failures []model.FailureRecord, now time.Time) error {
	if s.Status != model.StatusExecuting {
		if s.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrTerminal, s.Status)
		}
		return fmt.Errorf("%w: append orders in %s", ErrInvalidTransition, s.Status)
	}
	s.Orders = append(s.Orders, orders...)
	s.Failures = append([]model.FailureRecord(nil), failures...)
	s.UpdatedAt = now
	return nil
}

// Converge moves an executing settlement to completed when every order
// completed, or to failed as soon as any order failed. It reports whether
// the status changed; terminal settlements are a no-op.
func Converge(s *model.Settlement, now time.Time) (bool, error) {
	if s.Status.Terminal() {
		return false, nil
	}
	if s.Status != model.StatusExecuting {
		return false, fmt.Errorf("%w: converge in %s", ErrInvalidTransition, s.Status)
	}

	next := Evaluate(s.Orders)
	if next == model.StatusExecuting {
		return false, nil
	}
	s.Status = next
	s.FinishedAt = &now
	s.UpdatedAt = now
	return true, nil
}

// Evaluate derives the settlement status implied by an order list.
func Evaluate(orders []model.Order) model.Status {
	if len(orders) == 0 {
		return model.StatusExecuting
	}
	allCompleted := true
	for _, o := range orders {
		if o.Status == model.OrderFailed {
			return model.StatusFailed
		}
		if o.Status != model.OrderCompleted {
			allCompleted = false
		}
	}
	if allCompleted {
		return model.StatusCompleted
	}
	return model.StatusExecuting
}
