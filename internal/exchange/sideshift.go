package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/netshift/settlement-engine/internal/limits"
)

// Config configures the SideShift-style REST client.
type Config struct {
	BaseURL     string
	Secret      string
	AffiliateID string
	Timeout     time.Duration

	// BreakerFailures consecutive retryable failures open the breaker for
	// BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// SideShift talks to a SideShift v2 compatible API. Every call goes through
// one circuit breaker so a failing exchange is not hammered by retries from
// many recipients at once.
type SideShift struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// Option customizes a SideShift client.
type Option func(*SideShift)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *SideShift) { s.http = c }
}

// NewSideShift creates a client.
func NewSideShift(cfg Config, opts ...Option) *SideShift {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	s := &SideShift{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "exchange",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Client errors say nothing about the exchange's health.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("exchange circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SideShift) CheckPermission(ctx context.Context, callerIP string) error {
	var out struct {
		CreateShift bool `json:"createShift"`
	}
	err := s.do(WithCallerIP(ctx, callerIP), "permissions", http.MethodGet, "/v2/permissions", nil, &out, nil)
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: %s", ErrForbidden, e.Message)
		}
		return err
	}
	if !out.CreateShift {
		return ErrForbidden
	}
	return nil
}

func (s *SideShift) PairBounds(ctx context.Context, pair Pair, amount decimal.Decimal) (limits.Bounds, error) {
	path := fmt.Sprintf("/v2/pair/%s-%s/%s-%s?amount=%s",
		url.PathEscape(string(pair.DepositUnit)), url.PathEscape(string(pair.DepositChain)),
		url.PathEscape(string(pair.SettleUnit)), url.PathEscape(string(pair.SettleChain)),
		url.QueryEscape(amount.String()),
	)
	var out limits.Bounds
	if err := s.do(ctx, "pair", http.MethodGet, path, nil, &out, nil); err != nil {
		return limits.Bounds{}, err
	}
	return out, nil
}

func (s *SideShift) RequestQuote(ctx context.Context, pair Pair, depositAmount decimal.Decimal) (*Quote, error) {
	body := map[string]any{
		"depositCoin":    pair.DepositUnit,
		"depositNetwork": pair.DepositChain,
		"settleCoin":     pair.SettleUnit,
		"settleNetwork":  pair.SettleChain,
		"depositAmount":  depositAmount,
		"affiliateId":    s.cfg.AffiliateID,
	}
	var q Quote
	if err := s.do(ctx, "quote", http.MethodPost, "/v2/quotes", body, &q, nil); err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *SideShift) CreateOrder(ctx context.Context, req OrderRequest) (*Receipt, error) {
	body := map[string]any{
		"quoteId":       req.QuoteID,
		"settleAddress": req.SettleAddress,
		"affiliateId":   s.cfg.AffiliateID,
	}
	if req.SettleMemo != "" {
		body["settleMemo"] = req.SettleMemo
	}
	if req.RefundAddress != "" {
		body["refundAddress"] = req.RefundAddress
	}
	header := http.Header{}
	if req.IdempotencyKey != "" {
		header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	var r Receipt
	if err := s.do(ctx, "create_order", http.MethodPost, "/v2/shifts/fixed", body, &r, header); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SideShift) OrderStatus(ctx context.Context, orderID string) (*OrderState, error) {
	var st OrderState
	if err := s.do(ctx, "order_status", http.MethodGet, "/v2/shifts/"+url.PathEscape(orderID), nil, &st, nil); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *SideShift) CancelOrder(ctx context.Context, orderID string) error {
	return s.do(ctx, "cancel_order", http.MethodPost, "/v2/cancel-order", map[string]string{"orderId": orderID}, nil, nil)
}

func (s *SideShift) do(ctx context.Context, op, method, path string, in, out any, header http.Header) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.roundTrip(ctx, op, method, path, in, out, header)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	}
	return err
}

func (s *SideShift) roundTrip(ctx context.Context, op, method, path string, in, out any, header http.Header) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("exchange %s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("exchange %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.cfg.Secret != "" {
		req.Header.Set("x-sideshift-secret", s.cfg.Secret)
	}
	if ip := CallerIP(ctx); ip != "" {
		req.Header.Set("x-user-ip", ip)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(data, &apiErr)
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: apiErr.Error.Message}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("exchange %s: decode response: %w", op, err)
	}
	return nil
}
