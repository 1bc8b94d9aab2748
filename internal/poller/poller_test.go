package poller

import (
	"context"
	"testing"
	"time"

	"github.com/netshift/settlement-engine/internal/exchange"
	"github.com/netshift/settlement-engine/internal/exchange/exchangetest"
	"github.com/netshift/settlement-engine/internal/model"
	"github.com/netshift/settlement-engine/internal/retry"
	"github.com/netshift/settlement-engine/internal/throttle"
)

func newPoller(fake *exchangetest.Fake) *Poller {
	policy := retry.Default(exchange.IsRetryable)
	policy.Sleep = func(context.Context, time.Duration) error { return nil }
	return New(fake, throttle.Noop{}, policy)
}

func orders(ids ...string) []model.Order {
	out := make([]model.Order, len(ids))
	for i, id := range ids {
		out[i] = model.Order{ExternalOrderID: id, Recipient: model.PartyID("r-" + id), Status: model.OrderWaiting}
	}
	return out
}

func TestMapStatus(t *testing.T) {
	cases := map[string]model.OrderStatus{
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
		" Settled ":  model.OrderCompleted,
	}
	for in, want := range cases {
		got, ok := MapStatus(in)
		if !ok || got != want {
			t.Errorf("MapStatus(%q) = %s, %v; want %s", in, got, ok, want)
		}
	}
	if _, ok := MapStatus("teleporting"); ok {
		t.Error("unknown status must not map")
	}
}

func TestPoll_AllCompleted(t *testing.T) {
	fake := exchangetest.New()
	fake.SetStatus("settled", "o1", "o2")
	p := newPoller(fake)

	res, err := p.Poll(context.Background(), orders("o1", "o2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.AllTerminal || res.AnyFailed {
		t.Errorf("expected all terminal without failure, got %+v", res)
	}
	for _, o := range res.Orders {
		if o.Status != model.OrderCompleted || o.SettleTxHash == "" {
			t.Errorf("unexpected order %+v", o)
		}
	}
}

func TestPoll_OneFailed(t *testing.T) {
	fake := exchangetest.New()
	fake.SetStatus("settled", "o1")
	fake.SetStatus("refunded", "o2")
	fake.SetStatus("processing", "o3")
	p := newPoller(fake)

	res, err := p.Poll(context.Background(), orders("o1", "o2", "o3"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.AllTerminal {
		t.Error("o3 is still exchanging")
	}
	if !res.AnyFailed {
		t.Error("expected AnyFailed")
	}
	if res.Orders[1].FailureReason == "" {
		t.Error("failed order should carry a reason")
	}
	if res.Orders[2].Status != model.OrderExchanging {
		t.Errorf("expected exchanging, got %s", res.Orders[2].Status)
	}
}

func TestPoll_ReadErrorKeepsStatus(t *testing.T) {
	fake := exchangetest.New()
	fake.SetStatus("settled", "o1")
	fake.StatusErrs["o1"] = exchangetest.Transient("order_status")
	p := newPoller(fake)

	in := orders("o1")
	in[0].Status = model.OrderConfirming
	res, err := p.Poll(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Orders[0].Status != model.OrderConfirming {
		t.Errorf("expected confirming to be kept, got %s", res.Orders[0].Status)
	}
	if fake.StatusCalls != 4 {
		t.Errorf("expected the transient read to be retried, got %d calls", fake.StatusCalls)
	}
}

func TestPoll_UnknownStatusKeepsPrevious(t *testing.T) {
	fake := exchangetest.New()
	fake.SetStatus("mystery", "o1")
	res, err := newPoller(fake).Poll(context.Background(), orders("o1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Orders[0].Status != model.OrderWaiting {
		t.Errorf("expected waiting, got %s", res.Orders[0].Status)
	}
}

func TestPoll_SkipsTerminalAndDoesNotMutateInput(t *testing.T) {
	fake := exchangetest.New()
	fake.SetStatus("settled", "o2")
	in := orders("o1", "o2")
	in[0].Status = model.OrderCompleted

	res, err := newPoller(fake).Poll(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.StatusCalls != 1 {
		t.Errorf("terminal orders must not be read, got %d calls", fake.StatusCalls)
	}
	if in[1].Status != model.OrderWaiting {
		t.Error("input slice was modified")
	}
	if !res.AllTerminal {
		t.Error("expected all terminal")
	}
}

func TestPoll_EmptyIsTerminal(t *testing.T) {
	res, err := newPoller(exchangetest.New()).Poll(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.AllTerminal || res.AnyFailed {
		t.Errorf("unexpected result %+v", res)
	}
}

// emptyStatus answers every status read with neither a state nor an error.
type emptyStatus struct {
	*exchangetest.Fake
}

func (emptyStatus) OrderStatus(context.Context, string) (*exchange.OrderState, error) {
	return nil, nil
}

func TestPoll_EmptyStateKeepsStatus(t *testing.T) {
	policy := retry.Default(exchange.IsRetryable)
	policy.Sleep = func(context.Context, time.Duration) error { return nil }
	p := New(emptyStatus{exchangetest.New()}, throttle.Noop{}, policy)

	in := orders("o1", "o2")
	in[1].Status = model.OrderExchanging
	res, err := p.Poll(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Orders[0].Status != model.OrderWaiting || res.Orders[1].Status != model.OrderExchanging {
		t.Errorf("expected previous statuses, got %s and %s", res.Orders[0].Status, res.Orders[1].Status)
	}
	if res.AllTerminal {
		t.Error("no order reached a terminal status")
	}
}
