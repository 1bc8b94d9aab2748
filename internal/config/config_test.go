package config

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/netshift/settlement-engine/internal/throttle"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromLookup_Defaults(t *testing.T) {
	cfg, err := FromLookup(env(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" || cfg.FanOut != 4 || cfg.RetryAttempts != 4 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.Deposit.Unit != "usdc" || cfg.Deposit.Chain != "ethereum" {
		t.Errorf("unexpected deposit asset %+v", cfg.Deposit)
	}
	if cfg.Throttle[throttle.Orders].Spacing != time.Second {
		t.Errorf("unexpected orders spacing %v", cfg.Throttle[throttle.Orders].Spacing)
	}
	if !cfg.FallbackPrices["usdc"].Equal(decimal.NewFromInt(1)) {
		t.Error("stablecoin fallback missing")
	}
	if cfg.TrustProxyHeaders {
		t.Error("proxy headers must not be trusted by default")
	}
}

func TestFromLookup_Overrides(t *testing.T) {
	cfg, err := FromLookup(env(map[string]string{
		"PORT":                       "9000",
		"DEPOSIT_ASSET":              "USDT-Tron",
		"FALLBACK_PRICES":            "eth:3000,sol:150",
		"THROTTLE_QUOTES_SPACING":    "2s",
		"THROTTLE_READS_CONCURRENCY": "3",
		"POLL_INTERVAL":              "0s",
		"EXECUTION_FAN_OUT":          "8",
		"TRUST_PROXY_HEADERS":        "true",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9000" || cfg.FanOut != 8 || cfg.PollInterval != 0 || !cfg.TrustProxyHeaders {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Deposit.Unit != "usdt" || cfg.Deposit.Chain != "tron" {
		t.Errorf("unexpected deposit %+v", cfg.Deposit)
	}
	if !cfg.FallbackPrices["sol"].Equal(decimal.NewFromInt(150)) {
		t.Errorf("unexpected fallback table %v", cfg.FallbackPrices)
	}
	if cfg.Throttle[throttle.Quotes].Spacing != 2*time.Second || cfg.Throttle[throttle.Reads].Concurrency != 3 {
		t.Errorf("unexpected throttle %+v", cfg.Throttle)
	}
}

func TestFromLookup_CollectsErrors(t *testing.T) {
	_, err := FromLookup(env(map[string]string{
		"RETRY_ATTEMPTS":      "many",
		"POLL_INTERVAL":       "soon",
		"DEPOSIT_ASSET":       "usdc",
		"FALLBACK_PRICES":     "eth",
		"TRUST_PROXY_HEADERS": "maybe",
	}))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"RETRY_ATTEMPTS", "POLL_INTERVAL", "DEPOSIT_ASSET", "FALLBACK_PRICES", "TRUST_PROXY_HEADERS"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error does not mention %s: %v", key, err)
		}
	}
}
