// Package config loads service configuration from the environment. A .env
// file in the working directory is read first when present; real
// environment variables win over it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/netshift/settlement-engine/internal/asset"
	"github.com/netshift/settlement-engine/internal/model"
	"github.com/netshift/settlement-engine/internal/pricing"
	"github.com/netshift/settlement-engine/internal/throttle"
)

// Config is the full service configuration.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	// TrustProxyHeaders makes X-Forwarded-For and X-Real-IP the caller
	// address. Only safe behind a proxy that overwrites them.
	TrustProxyHeaders bool

	ExchangeURL     string
	ExchangeSecret  string
	AffiliateID     string
	ExchangeTimeout time.Duration

	Throttle       map[throttle.Class]throttle.Limit
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	FanOut         int

	PollInterval time.Duration
	Deposit      model.DepositAsset

	PriceOracleURL string
	FallbackPrices pricing.Table
	PriceCacheTTL  time.Duration
	StoreCacheTTL  time.Duration
	LockExpiry     time.Duration

	LogFormat string
	LogLevel  string
}

// Load reads .env (if any) and then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	return FromLookup(os.Getenv)
}

// FromLookup builds a Config from an environment lookup function.
func FromLookup(getenv func(string) string) (Config, error) {
	p := parser{getenv: getenv}
	cfg := Config{
		Port:        p.str("PORT", "8080"),
		DatabaseURL: p.str("DATABASE_URL", ""),
		RedisURL:    p.str("REDIS_URL", ""),

		TrustProxyHeaders: p.boolean("TRUST_PROXY_HEADERS", false),

		ExchangeURL:     p.str("EXCHANGE_URL", "https://sideshift.ai/api"),
		ExchangeSecret:  p.str("EXCHANGE_SECRET", ""),
		AffiliateID:     p.str("EXCHANGE_AFFILIATE_ID", ""),
		ExchangeTimeout: p.duration("EXCHANGE_TIMEOUT", 10*time.Second),

		RetryAttempts:  p.integer("RETRY_ATTEMPTS", 4),
		RetryBaseDelay: p.duration("RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:  p.duration("RETRY_MAX_DELAY", 8*time.Second),
		FanOut:         p.integer("EXECUTION_FAN_OUT", 4),

		PollInterval: p.duration("POLL_INTERVAL", 30*time.Second),

		PriceOracleURL: p.str("PRICE_ORACLE_URL", ""),
		PriceCacheTTL:  p.duration("PRICE_CACHE_TTL", time.Minute),
		StoreCacheTTL:  p.duration("STORE_CACHE_TTL", 30*time.Second),
		LockExpiry:     p.duration("LOCK_EXPIRY", 2*time.Minute),

		LogFormat: p.str("LOG_FORMAT", "json"),
		LogLevel:  p.str("LOG_LEVEL", "info"),
	}

	defaults := throttle.DefaultLimits()
	cfg.Throttle = make(map[throttle.Class]throttle.Limit, len(throttle.Classes))
	for _, class := range throttle.Classes {
		prefix := "THROTTLE_" + envName(class)
		cfg.Throttle[class] = throttle.Limit{
			Spacing:     p.duration(prefix+"_SPACING", defaults[class].Spacing),
			Concurrency: int64(p.integer(prefix+"_CONCURRENCY", int(defaults[class].Concurrency))),
		}
	}

	deposit, err := asset.ParseWithChain(p.str("DEPOSIT_ASSET", "usdc-ethereum"))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("DEPOSIT_ASSET: %w", err))
	}
	cfg.Deposit = model.DepositAsset{Unit: deposit.Unit, Chain: deposit.Chain}

	table, err := pricing.ParseTable(p.str("FALLBACK_PRICES", ""))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("FALLBACK_PRICES: %w", err))
	}
	cfg.FallbackPrices = table

	if cfg.RetryAttempts < 1 {
		p.errs = append(p.errs, errors.New("RETRY_ATTEMPTS must be at least 1"))
	}
	if cfg.FanOut < 1 {
		p.errs = append(p.errs, errors.New("EXECUTION_FAN_OUT must be at least 1"))
	}
	if cfg.PollInterval < 0 {
		p.errs = append(p.errs, errors.New("POLL_INTERVAL must not be negative"))
	}

	if len(p.errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(p.errs...))
	}
	return cfg, nil
}

func envName(c throttle.Class) string {
	switch c {
	case throttle.Quotes:
		return "QUOTES"
	case throttle.Orders:
		return "ORDERS"
	default:
		return "READS"
	}
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v := p.getenv(key); v != "" {
		return v
	}
	return def
}

func (p *parser) boolean(key string, def bool) bool {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (p *parser) integer(key string, def int) int {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
