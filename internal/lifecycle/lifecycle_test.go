package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/netshift/settlement-engine/internal/model"
	"github.com/netshift/settlement-engine/internal/netting"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func result() *netting.Result {
	return &netting.Result{
		NetPayments:    []model.NetPayment{{From: "a", To: "b", ValueUSD: decimal.NewFromInt(10)}},
		OriginalCount:  2,
		OptimizedCount: 1,
		Rates:          map[model.UnitID]decimal.Decimal{"usdc": decimal.NewFromInt(1)},
	}
}

func order(status model.OrderStatus) model.Order {
	return model.Order{Recipient: "b", Payer: "a", Status: status}
}

func readySettlement(t *testing.T) *model.Settlement {
	t.Helper()
	s := &model.Settlement{ID: "s1", Status: model.StatusDraft}
	if err := MarkReady(s, result(), now); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	return s
}

func TestMarkReady_FromDraft(t *testing.T) {
	s := readySettlement(t)
	if s.Status != model.StatusReady {
		t.Errorf("expected ready, got %s", s.Status)
	}
	if s.OriginalCount != 2 || s.OptimizedCount != 1 || len(s.NetPayments) != 1 {
		t.Errorf("result not stored: %+v", s)
	}
	if !s.Rates["usdc"].Equal(decimal.NewFromInt(1)) {
		t.Errorf("rate snapshot not stored: %v", s.Rates)
	}
	if s.ComputedAt == nil || !s.ComputedAt.Equal(now) {
		t.Errorf("computed_at not set")
	}
}

func TestMarkReady_RecomputeWhileReady(t *testing.T) {
	s := readySettlement(t)
	res := result()
	res.OptimizedCount = 5
	if err := MarkReady(s, res, now); err != nil {
		t.Fatalf("recompute in ready should be allowed: %v", err)
	}
	if s.OptimizedCount != 5 {
		t.Errorf("recompute not stored")
	}
}

func TestMarkReady_RejectedOnceExecuting(t *testing.T) {
	s := readySettlement(t)
	if err := MarkExecuting(s, []model.Order{order(model.OrderWaiting)}, nil, now); err != nil {
		t.Fatalf("MarkExecuting: %v", err)
	}
	if err := MarkReady(s, result(), now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestMarkReady_RejectedWhenTerminal(t *testing.T) {
	s := &model.Settlement{Status: model.StatusCompleted}
	if err := MarkReady(s, result(), now); !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal, got %v", err)
	}
}

func TestMarkExecuting_RequiresOrders(t *testing.T) {
	s := readySettlement(t)
	err := MarkExecuting(s, nil, []model.FailureRecord{{Recipient: "b"}}, now)
	if !errors.Is(err, ErrNoOrders) {
		t.Fatalf("expected ErrNoOrders, got %v", err)
	}
	if s.Status != model.StatusReady {
		t.Errorf("settlement must stay ready, got %s", s.Status)
	}
}

func TestMarkExecuting_FromDraftRejected(t *testing.T) {
	s := &model.Settlement{Status: model.StatusDraft}
	err := MarkExecuting(s, []model.Order{order(model.OrderWaiting)}, nil, now)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestMarkExecuting_TwiceRejected(t *testing.T) {
	s := readySettlement(t)
	orders := []model.Order{order(model.OrderWaiting)}
	if err := MarkExecuting(s, orders, nil, now); err != nil {
		t.Fatalf("MarkExecuting: %v", err)
	}
	if err := MarkExecuting(s, orders, nil, now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second execute should be rejected, got %v", err)
	}
	if len(s.Orders) != 1 {
		t.Errorf("orders overwritten: %d", len(s.Orders))
	}
}

func TestAppendOrders(t *testing.T) {
	s := readySettlement(t)
	_ = MarkExecuting(s, []model.Order{order(model.OrderWaiting)}, []model.FailureRecord{{Recipient: "c"}}, now)

	if err := AppendOrders(s, []model.Order{{Recipient: "c", Status: model.OrderWaiting}}, nil, now); err != nil {
		t.Fatalf("AppendOrders: %v", err)
	}
	if len(s.Orders) != 2 {
		t.Errorf("expected 2 orders, got %d", len(s.Orders))
	}
	if len(s.Failures) != 0 {
		t.Errorf("failures should reflect latest attempt, got %v", s.Failures)
	}

	ready := readySettlement(t)
	if err := AppendOrders(ready, nil, nil, now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition in ready, got %v", err)
	}
}

func TestConverge_CompletedExactlyOnce(t *testing.T) {
	s := readySettlement(t)
	_ = MarkExecuting(s, []model.Order{order(model.OrderCompleted), order(model.OrderCompleted)}, nil, now)

	changed, err := Converge(s, now)
	if err != nil || !changed {
		t.Fatalf("expected transition, got changed=%v err=%v", changed, err)
	}
	if s.Status != model.StatusCompleted {
		t.Errorf("expected completed, got %s", s.Status)
	}

	changed, err = Converge(s, now.Add(time.Minute))
	if err != nil || changed {
		t.Errorf("repeated converge must be a no-op, got changed=%v err=%v", changed, err)
	}
	if !s.FinishedAt.Equal(now) {
		t.Errorf("finished_at rewritten")
	}
}

func TestConverge_AnyFailureFails(t *testing.T) {
	s := readySettlement(t)
	_ = MarkExecuting(s, []model.Order{order(model.OrderExchanging), order(model.OrderFailed)}, nil, now)

	changed, _ := Converge(s, now)
	if !changed || s.Status != model.StatusFailed {
		t.Errorf("expected failed, got %s", s.Status)
	}
}

func TestConverge_StillInFlight(t *testing.T) {
	s := readySettlement(t)
	_ = MarkExecuting(s, []model.Order{order(model.OrderCompleted), order(model.OrderConfirming)}, nil, now)

	changed, err := Converge(s, now)
	if err != nil || changed {
		t.Errorf("expected no change, got changed=%v err=%v", changed, err)
	}
	if s.Status != model.StatusExecuting {
		t.Errorf("expected executing, got %s", s.Status)
	}
}

func TestConverge_NotExecuting(t *testing.T) {
	s := readySettlement(t)
	if _, err := Converge(s, now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	legal := [][2]model.Status{
		{model.StatusDraft, model.StatusReady},
		{model.StatusReady, model.StatusExecuting},
		{model.StatusExecuting, model.StatusCompleted},
		{model.StatusExecuting, model.StatusFailed},
	}
	for _, tr := range legal {
		if !CanTransition(tr[0], tr[1]) {
			t.Errorf("%s → %s should be legal", tr[0], tr[1])
		}
	}
	illegal := [][2]model.Status{
		{model.StatusDraft, model.StatusExecuting},
		{model.StatusCompleted, model.StatusReady},
		{model.StatusFailed, model.StatusExecuting},
		{model.StatusExecuting, model.StatusReady},
	}
	for _, tr := range illegal {
		if CanTransition(tr[0], tr[1]) {
			t.Errorf("%s → %s should be illegal", tr[0], tr[1])
		}
	}
}
