package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/netshift/settlement-engine/internal/model"
)

func newSettlement(id string, status model.Status, created time.Time) *model.Settlement {
	return &model.Settlement{
		ID:     id,
		Status: status,
		Obligations: []model.Obligation{
			{From: "alice", To: "bob", Amount: decimal.NewFromInt(10), Unit: "usdc"},
		},
		Rates:     map[model.UnitID]decimal.Decimal{"usdc": decimal.NewFromInt(1)},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestMemoryStore_CreateGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	st := newSettlement("s1", model.StatusDraft, time.Now())

	if err := s.CreateSettlement(ctx, st); err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.Version != 1 {
		t.Errorf("expected version 1, got %d", st.Version)
	}
	if err := s.CreateSettlement(ctx, st); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	got, err := s.GetSettlement(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "s1" || len(got.Obligations) != 1 {
		t.Errorf("unexpected settlement %+v", got)
	}
	if _, err := s.GetSettlement(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	st := newSettlement("s1", model.StatusDraft, time.Now())
	_ = s.CreateSettlement(ctx, st)

	st.Obligations[0].From = "mallory"
	got, _ := s.GetSettlement(ctx, "s1")
	got.Rates["eth"] = decimal.NewFromInt(3000)

	again, _ := s.GetSettlement(ctx, "s1")
	if again.Obligations[0].From != "alice" {
		t.Error("caller mutation leaked into the store")
	}
	if _, ok := again.Rates["eth"]; ok {
		t.Error("returned map aliases stored state")
	}
}

func TestMemoryStore_OptimisticVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.CreateSettlement(ctx, newSettlement("s1", model.StatusDraft, time.Now()))

	a, _ := s.GetSettlement(ctx, "s1")
	b, _ := s.GetSettlement(ctx, "s1")

	a.Status = model.StatusReady
	if err := s.UpdateSettlement(ctx, a); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("expected version 2, got %d", a.Version)
	}

	b.Name = "stale"
	if err := s.UpdateSettlement(ctx, b); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}

	missing := newSettlement("ghost", model.StatusDraft, time.Now())
	if err := s.UpdateSettlement(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_Lists(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = s.CreateSettlement(ctx, newSettlement("old", model.StatusExecuting, t0))
	_ = s.CreateSettlement(ctx, newSettlement("mid", model.StatusDraft, t0.Add(time.Hour)))
	_ = s.CreateSettlement(ctx, newSettlement("new", model.StatusExecuting, t0.Add(2*time.Hour)))

	all, _ := s.ListSettlements(ctx)
	if len(all) != 3 || all[0].ID != "new" || all[2].ID != "old" {
		t.Errorf("expected newest first, got %v", ids(all))
	}

	executing, _ := s.ListByStatus(ctx, model.StatusExecuting)
	if len(executing) != 2 || executing[0].ID != "old" || executing[1].ID != "new" {
		t.Errorf("expected oldest executing first, got %v", ids(executing))
	}
}

func ids(list []model.Settlement) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ID
	}
	return out
}
