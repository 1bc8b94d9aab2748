package pricing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/netshift/settlement-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestParseTable(t *testing.T) {
	tbl, err := ParseTable(" ETH:3000, sol:150.5 ,,")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tbl["eth"].Equal(d(3000)) || !tbl["sol"].Equal(d(150.5)) {
		t.Errorf("unexpected table %v", tbl)
	}
	if !tbl["usdc"].Equal(d(1)) {
		t.Error("stablecoin defaults missing")
	}
}

func TestParseTable_OverridesStablecoin(t *testing.T) {
	tbl, err := ParseTable("usdt:0.998")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tbl["usdt"].Equal(d(0.998)) {
		t.Errorf("expected override, got %s", tbl["usdt"])
	}
}

func TestParseTable_Invalid(t *testing.T) {
	for _, in := range []string{"eth", "eth:abc", "eth:-1", "eth:0"} {
		if _, err := ParseTable(in); !errors.Is(err, ErrInvalidTable) {
			t.Errorf("%q: expected ErrInvalidTable, got %v", in, err)
		}
	}
}

func TestTable_Price(t *testing.T) {
	tbl := Table{"eth": d(3000)}
	p, err := tbl.Price(context.Background(), "ETH")
	if err != nil || !p.Equal(d(3000)) {
		t.Errorf("expected 3000, got %s %v", p, err)
	}
	if _, err := tbl.Price(context.Background(), "doge"); !errors.Is(err, ErrUnknownUnit) {
		t.Errorf("expected ErrUnknownUnit, got %v", err)
	}
}

func TestOracle_Price(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/simple/price" || r.URL.Query().Get("ids") != "ethereum" {
			t.Errorf("unexpected request %s", r.URL)
		}
		w.Write([]byte(`{"ethereum":{"usd":3012.57}}`))
	}))
	defer srv.Close()

	p, err := NewOracle(srv.URL, nil).Price(context.Background(), "eth")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Equal(decimal.RequireFromString("3012.57")) {
		t.Errorf("expected 3012.57, got %s", p)
	}
}

func TestOracle_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ids") == "solana" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	o := NewOracle(srv.URL, nil)
	if _, err := o.Price(context.Background(), "sol"); err == nil {
		t.Error("expected error on 429")
	}
	if _, err := o.Price(context.Background(), "eth"); !errors.Is(err, ErrUnknownUnit) {
		t.Errorf("expected ErrUnknownUnit for empty body, got %v", err)
	}
	if _, err := o.Price(context.Background(), "notacoin"); !errors.Is(err, ErrUnknownUnit) {
		t.Errorf("expected ErrUnknownUnit for unmapped unit, got %v", err)
	}
}

func TestCached_ReadThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	calls := 0
	source := func(context.Context, model.UnitID) (decimal.Decimal, error) {
		calls++
		return d(3000), nil
	}
	c := NewCached(source, rdb, time.Minute)
	for i := 0; i < 3; i++ {
		p, err := c.Price(ctx, "eth")
		if err != nil || !p.Equal(d(3000)) {
			t.Fatalf("unexpected price %s %v", p, err)
		}
	}
	if calls != 1 {
		t.Errorf("expected one source call, got %d", calls)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := c.Price(ctx, "eth"); err != nil {
		t.Fatalf("price after expiry: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected a refetch after the ttl, got %d calls", calls)
	}
}

func TestCached_SourceErrorNotCached(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	source := func(context.Context, model.UnitID) (decimal.Decimal, error) {
		return decimal.Zero, ErrUnknownUnit
	}
	c := NewCached(source, rdb, time.Minute)
	if _, err := c.Price(context.Background(), "doge"); !errors.Is(err, ErrUnknownUnit) {
		t.Errorf("expected source error, got %v", err)
	}
	if mr.Exists(priceKey("doge")) {
		t.Error("failed lookup must not be cached")
	}
}
