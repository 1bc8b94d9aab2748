// Package orchestrator turns net payments into exchange orders.
//
// A batch runs one compliance check, then processes every recipient
// independently: address precondition, pair bounds, fixed-rate quote and
// order creation. A failure at any step is recorded against that recipient
// only. External calls go through a shared throttle.Scheduler and are
// retried when the error is transient.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/netshift/settlement-engine/internal/exchange"
	"github.com/netshift/settlement-engine/internal/metrics"
	"github.com/netshift/settlement-engine/internal/model"
	"github.com/netshift/settlement-engine/internal/retry"
	"github.com/netshift/settlement-engine/internal/throttle"
)

// DepositScale is the precision of computed deposit amounts.
const DepositScale int32 = 8

var (
	// ErrComplianceDenied means the exchange refused the caller outright.
	ErrComplianceDenied = errors.New("orchestrator: exchange not available in caller's jurisdiction")

	// ErrAllOrdersFailed means no recipient got an order.
	ErrAllOrdersFailed = errors.New("orchestrator: all orders failed")

	// ErrMissingDepositRate means the batch has no rate for the deposit unit.
	ErrMissingDepositRate = errors.New("orchestrator: no rate for deposit unit")

	// ErrQuoteExpired means the quote lapsed before its order could be placed.
	ErrQuoteExpired = errors.New("orchestrator: quote expired before order creation")
)

// idempotencySpace namespaces order idempotency keys.
var idempotencySpace = uuid.MustParse("6f1c2b8e-4d0a-5c7e-9b3f-2a8d1e6c4b90")

// Batch is one execution request.
type Batch struct {
	SettlementID string
	Payments     []model.NetPayment
	Preferences  []model.RecipientPreference
	Deposit      model.DepositAsset
	// Rates is the USD rate snapshot taken at compute time.
	Rates    map[model.UnitID]decimal.Decimal
	CallerIP string
}

// Result holds the orders created and the recipients that failed.
// Orders are in completion order.
type Result struct {
	Orders   []model.Order
	Failures []model.FailureRecord
}

// Config tunes an Orchestrator.
type Config struct {
	// FanOut bounds recipients processed at once.
	FanOut int
	Retry  retry.Policy
}

// Orchestrator executes batches against an exchange.
type Orchestrator struct {
	client    exchange.Client
	validator exchange.AddressValidator
	scheduler throttle.Scheduler
	cfg       Config
	now       func() time.Time
}

// New creates an Orchestrator. A zero Retry policy uses retry.Default with
// exchange.IsRetryable.
func New(client exchange.Client, validator exchange.AddressValidator, scheduler throttle.Scheduler, cfg Config) *Orchestrator {
	if cfg.FanOut < 1 {
		cfg.FanOut = 4
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Default(exchange.IsRetryable)
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = exchange.IsRetryable
	}
	if validator == nil {
		validator = exchange.Structural{}
	}
	return &Orchestrator{
		client:    client,
		validator: validator,
		scheduler: scheduler,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Execute runs the batch. It returns ErrComplianceDenied before any quote is
// requested when the caller is refused, and ErrAllOrdersFailed together with
// the populated Result when no order could be created.
func (o *Orchestrator) Execute(ctx context.Context, b Batch) (*Result, error) {
	log := slog.With("settlement_id", b.SettlementID)

	if err := o.checkPermission(ctx, b.CallerIP); err != nil {
		if errors.Is(err, exchange.ErrForbidden) {
			metrics.ComplianceDenials.Inc()
			log.Warn("compliance gate denied batch", "caller_ip", b.CallerIP)
			return nil, fmt.Errorf("%w: %w", ErrComplianceDenied, err)
		}
		log.Warn("compliance check failed, proceeding", "error", err)
	}

	depositRate, ok := b.Rates[b.Deposit.Unit]
	if !ok || !depositRate.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrMissingDepositRate, b.Deposit.Unit)
	}

	prefs := make(map[model.PartyID]model.RecipientPreference, len(b.Preferences))
	for _, p := range b.Preferences {
		prefs[p.Party] = p
	}

	var (
		mu  sync.Mutex
		res = &Result{}
	)
	ctx = exchange.WithCallerIP(ctx, b.CallerIP)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.FanOut)

	for _, p := range b.Payments {
		g.Go(func() error {
			order, fail := o.processRecipient(gctx, b, p, prefs, depositRate)

			mu.Lock()
			defer mu.Unlock()
			if fail != nil {
				metrics.OrderFailures.WithLabelValues(string(fail.Stage)).Inc()
				log.Warn("recipient failed",
					"payer", p.From,
					"recipient", p.To,
					"stage", fail.Stage,
					"reason", fail.Reason,
				)
				res.Failures = append(res.Failures, *fail)
				return nil
			}
			metrics.OrdersCreated.Inc()
			res.Orders = append(res.Orders, *order)
			return nil
		})
	}
	// Workers never return errors; failures are collected per recipient.
	_ = g.Wait()

	log.Info("batch executed",
		"payments", len(b.Payments),
		"orders", len(res.Orders),
		"failures", len(res.Failures),
	)
	if len(res.Orders) == 0 && len(b.Payments) > 0 {
		return res, ErrAllOrdersFailed
	}
	return res, nil
}

func (o *Orchestrator) checkPermission(ctx context.Context, callerIP string) error {
	return o.call(ctx, throttle.Reads, func(ctx context.Context) error {
		return o.client.CheckPermission(ctx, callerIP)
	})
}

func (o *Orchestrator) processRecipient(ctx context.Context, b Batch, p model.NetPayment, prefs map[model.PartyID]model.RecipientPreference, depositRate decimal.Decimal) (*model.Order, *model.FailureRecord) {
	fail := func(stage model.FailureStage, err error) *model.FailureRecord {
		return &model.FailureRecord{
			Recipient: p.To,
			Payer:     p.From,
			Stage:     stage,
			Reason:    err.Error(),
			Retryable: errors.Is(err, retry.ErrExhausted) || exchange.IsRetryable(err),
		}
	}

	pref, ok := prefs[p.To]
	if !ok {
		return nil, fail(model.StageAddress, fmt.Errorf("%w: no receive preference for %s", exchange.ErrInvalidAddress, p.To))
	}
	if err := o.validator.ValidateAddress(ctx, pref.ReceiveUnit, pref.ReceiveChain, pref.ReceiveAddress, pref.Memo); err != nil {
		return nil, fail(model.StageAddress, err)
	}

	amount := p.ValueUSD.DivRound(depositRate, DepositScale)
	pair := exchange.Pair{
		DepositUnit:  b.Deposit.Unit,
		DepositChain: b.Deposit.Chain,
		SettleUnit:   pref.ReceiveUnit,
		SettleChain:  pref.ReceiveChain,
	}

	err := o.call(ctx, throttle.Reads, func(ctx context.Context) error {
		bounds, err := o.client.PairBounds(ctx, pair, amount)
		if err != nil {
			return err
		}
		return bounds.Check(amount)
	})
	if err != nil {
		return nil, fail(model.StageBounds, err)
	}

	var quote *exchange.Quote
	err = o.call(ctx, throttle.Quotes, func(ctx context.Context) error {
		q, err := o.client.RequestQuote(ctx, pair, amount)
		quote = q
		return err
	})
	if err != nil {
		return nil, fail(model.StageQuote, err)
	}

	created := o.now().UTC()
	key := IdempotencyKey(b.SettlementID, p.From, p.To, created)
	var receipt *exchange.Receipt
	err = o.call(ctx, throttle.Orders, func(ctx context.Context) error {
		// Checked inside the slot: the wait for it can outlast the quote.
		if !quote.ExpiresAt.IsZero() && o.now().After(quote.ExpiresAt) {
			return fmt.Errorf("%w: %s at %s", ErrQuoteExpired, quote.ID, quote.ExpiresAt.Format(time.RFC3339))
		}
		r, err := o.client.CreateOrder(ctx, exchange.OrderRequest{
			QuoteID:        quote.ID,
			SettleAddress:  pref.ReceiveAddress,
			SettleMemo:     pref.Memo,
			RefundAddress:  pref.RefundAddress,
			IdempotencyKey: key,
		})
		receipt = r
		return err
	})
	if errors.Is(err, ErrQuoteExpired) {
		rec := fail(model.StageQuote, err)
		rec.Retryable = true
		return nil, rec
	}
	if err != nil {
		return nil, fail(model.StageOrder, err)
	}

	depositAmount := receipt.DepositAmount
	if depositAmount.IsZero() {
		depositAmount = amount
	}
	settleAmount := receipt.SettleAmount
	if settleAmount.IsZero() {
		settleAmount = quote.SettleAmount
	}
	return &model.Order{
		Recipient:       p.To,
		Payer:           p.From,
		ExternalOrderID: receipt.ID,
		Status:          model.OrderWaiting,
		DepositAddress:  receipt.DepositAddress,
		DepositMemo:     receipt.DepositMemo,
		DepositAmount:   depositAmount,
		DepositUnit:     b.Deposit.Unit,
		SettleAmount:    settleAmount,
		SettleUnit:      pref.ReceiveUnit,
		QuoteID:         quote.ID,
		QuoteExpiresAt:  quote.ExpiresAt,
		IdempotencyKey:  key,
		CreatedAt:       created,
		UpdatedAt:       created,
	}, nil
}

// call runs fn under the class's throttle, retrying transient errors. Every
// attempt takes its own throttle slot.
func (o *Orchestrator) call(ctx context.Context, class throttle.Class, fn func(context.Context) error) error {
	policy := o.cfg.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.ExchangeRetries.WithLabelValues(string(class)).Inc()
		slog.Debug("retrying exchange call",
			"class", class,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}
	return retry.Do(ctx, policy, func(ctx context.Context) error {
		return o.scheduler.Do(ctx, class, func(ctx context.Context) error {
			start := time.Now()
			err := fn(ctx)
			metrics.ObserveExchange(string(class), start, err)
			return err
		})
	})
}

// IdempotencyKey derives the order key for one recipient attempt. The same
// inputs always produce the same key, so a replayed create is deduplicated
// by the exchange.
func IdempotencyKey(settlementID string, payer, recipient model.PartyID, created time.Time) string {
	name := fmt.Sprintf("%s|%s|%s|%d", settlementID, payer, recipient, created.UnixNano())
	return uuid.NewSHA1(idempotencySpace, []byte(name)).String()
}
