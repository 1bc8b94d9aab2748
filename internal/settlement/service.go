// Package settlement is the service layer around the netting engine: it
// loads a settlement, runs one engine step under the settlement's lock,
// persists the result and publishes the change.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/netshift/settlement-engine/internal/asset"
	"github.com/netshift/settlement-engine/internal/exchange"
	"github.com/netshift/settlement-engine/internal/lifecycle"
	"github.com/netshift/settlement-engine/internal/lock"
	"github.com/netshift/settlement-engine/internal/metrics"
	"github.com/netshift/settlement-engine/internal/model"
	"github.com/netshift/settlement-engine/internal/netting"
	"github.com/netshift/settlement-engine/internal/orchestrator"
	"github.com/netshift/settlement-engine/internal/poller"
	"github.com/netshift/settlement-engine/internal/retry"
	"github.com/netshift/settlement-engine/internal/store"
	"github.com/netshift/settlement-engine/internal/throttle"
)

var (
	// ErrInvalidRequest is returned for malformed input.
	ErrInvalidRequest = errors.New("settlement: invalid request")

	// ErrNothingToRetry is returned when every net payment already has an order.
	ErrNothingToRetry = errors.New("settlement: no failed payments to retry")

	// ErrOrderNotFound is returned when cancelling an unknown order.
	ErrOrderNotFound = errors.New("settlement: order not found")

	// ErrOrderTerminal is returned when cancelling a finished order.
	ErrOrderTerminal = errors.New("settlement: order already finished")
)

// Executor turns net payments into exchange orders.
type Executor interface {
	Execute(ctx context.Context, b orchestrator.Batch) (*orchestrator.Result, error)
}

// StatusPoller refreshes order statuses.
type StatusPoller interface {
	Poll(ctx context.Context, orders []model.Order) (*poller.Result, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store     store.Store
	Locker    lock.Locker
	Executor  Executor
	Poller    StatusPoller
	Exchange  exchange.Client
	Scheduler throttle.Scheduler
	Price     netting.PriceFunc
	Fallback  map[model.UnitID]decimal.Decimal
	Hub       *Hub
	Deposit   model.DepositAsset
}

// Service runs settlement operations. Every mutating operation re-reads the
// settlement under its lock, so concurrent requests for the same settlement
// are applied one at a time.
type Service struct {
	store     store.Store
	locker    lock.Locker
	executor  Executor
	poller    StatusPoller
	exchange  exchange.Client
	scheduler throttle.Scheduler
	price     netting.PriceFunc
	fallback  map[model.UnitID]decimal.Decimal
	hub       *Hub
	deposit   model.DepositAsset
	now       func() time.Time
}

// NewService creates a Service. A nil Locker uses an in-process lock and a
// nil Scheduler runs exchange calls unthrottled.
func NewService(d Deps) *Service {
	if d.Locker == nil {
		d.Locker = lock.NewMemory()
	}
	if d.Scheduler == nil {
		d.Scheduler = throttle.Noop{}
	}
	if d.Deposit.Unit == "" {
		d.Deposit = model.DepositAsset{Unit: "usdc", Chain: "ethereum"}
	}
	return &Service{
		store:     d.Store,
		locker:    d.Locker,
		executor:  d.Executor,
		poller:    d.Poller,
		exchange:  d.Exchange,
		scheduler: d.Scheduler,
		price:     d.Price,
		fallback:  d.Fallback,
		hub:       d.Hub,
		deposit:   d.Deposit,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateRequest is the input of Create.
type CreateRequest struct {
	Name                 string                      `json:"name"`
	Obligations          []model.Obligation          `json:"obligations"`
	RecipientPreferences []model.RecipientPreference `json:"recipient_preferences"`
	// DepositAsset is "{unit}-{chain}"; empty uses the service default.
	DepositAsset string `json:"deposit_asset,omitempty"`
}

// Create validates obligations and stores a draft settlement.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Settlement, error) {
	if len(req.Obligations) == 0 {
		return nil, netting.ErrNoObligations
	}
	obligations := asset.NormalizeObligations(req.Obligations)
	for i, o := range obligations {
		if err := o.Validate(); err != nil {
			return nil, fmt.Errorf("obligation %d: %w", i, err)
		}
	}

	deposit := s.deposit
	if req.DepositAsset != "" {
		a, err := asset.ParseWithChain(req.DepositAsset)
		if err != nil {
			return nil, err
		}
		deposit = model.DepositAsset{Unit: a.Unit, Chain: a.Chain}
	}

	now := s.now()
	st := &model.Settlement{
		ID:                   uuid.NewString(),
		Name:                 req.Name,
		Status:               model.StatusDraft,
		Obligations:          obligations,
		RecipientPreferences: asset.NormalizePreferences(req.RecipientPreferences),
		DepositAsset:         deposit,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.CreateSettlement(ctx, st); err != nil {
		return nil, err
	}
	metrics.SettlementTransitions.WithLabelValues(string(model.StatusDraft)).Inc()
	slog.Info("settlement created",
		"settlement_id", st.ID,
		"obligations", len(st.Obligations),
		"deposit", asset.Asset{Unit: deposit.Unit, Chain: deposit.Chain}.String(),
	)
	s.hub.publishSettlement("settlement_created", st)
	return st, nil
}

// Get returns one settlement.
func (s *Service) Get(ctx context.Context, id string) (*model.Settlement, error) {
	return s.store.GetSettlement(ctx, id)
}

// List returns every settlement, newest first.
func (s *Service) List(ctx context.Context) ([]model.Settlement, error) {
	return s.store.ListSettlements(ctx)
}

// ListByStatus returns the settlements in status, oldest first.
func (s *Service) ListByStatus(ctx context.Context, status model.Status) ([]model.Settlement, error) {
	return s.store.ListByStatus(ctx, status)
}

// UpdatePreferences replaces the recipient preferences. Only draft and
// ready settlements accept changes.
func (s *Service) UpdatePreferences(ctx context.Context, id string, prefs []model.RecipientPreference) (*model.Settlement, error) {
	seen := make(map[model.PartyID]bool, len(prefs))
	for _, p := range prefs {
		if p.Party == "" {
			return nil, fmt.Errorf("%w: preference without party", ErrInvalidRequest)
		}
		if seen[p.Party] {
			return nil, fmt.Errorf("%w: duplicate preference for %s", ErrInvalidRequest, p.Party)
		}
		seen[p.Party] = true
	}

	var out *model.Settlement
	err := s.mutate(ctx, id, func(st *model.Settlement) (bool, error) {
		if st.Status.Terminal() {
			return false, fmt.Errorf("%w: %s", lifecycle.ErrTerminal, st.Status)
		}
		if st.Status != model.StatusDraft && st.Status != model.StatusReady {
			return false, fmt.Errorf("%w: preferences are fixed once %s", lifecycle.ErrInvalidTransition, st.Status)
		}
		st.RecipientPreferences = asset.NormalizePreferences(prefs)
		st.UpdatedAt = s.now()
		out = st
		return true, nil
	})
	return out, err
}

// Compute nets the obligations and moves the settlement to ready. A ready
// settlement may be recomputed; the new result replaces the old one.
func (s *Service) Compute(ctx context.Context, id string) (*netting.Result, *model.Settlement, error) {
	var (
		res *netting.Result
		out *model.Settlement
	)
	err := s.mutate(ctx, id, func(st *model.Settlement) (bool, error) {
		if st.Status.Terminal() {
			return false, fmt.Errorf("%w: %s", lifecycle.ErrTerminal, st.Status)
		}
		if !lifecycle.CanTransition(st.Status, model.StatusReady) {
			return false, fmt.Errorf("%w: compute in %s", lifecycle.ErrInvalidTransition, st.Status)
		}

		r, err := netting.Compute(ctx, st.Obligations, s.price, s.fallback)
		if err != nil {
			return false, err
		}
		// Deposit amounts are derived from the deposit unit's rate, so it
		// belongs in the snapshot even when no obligation uses it.
		if _, ok := r.Rates[st.DepositAsset.Unit]; !ok {
			extra, err := netting.ResolveRates(ctx, []model.UnitID{st.DepositAsset.Unit}, s.price, s.fallback)
			if err != nil {
				return false, err
			}
			r.Rates[st.DepositAsset.Unit] = extra[st.DepositAsset.Unit]
		}

		if err := lifecycle.MarkReady(st, r, s.now()); err != nil {
			return false, err
		}
		res, out = r, st
		return true, nil
	})
	if err != nil {
		return nil, nil, err
	}

	if res.OriginalCount > 0 {
		reduction := 1 - float64(res.OptimizedCount)/float64(res.OriginalCount)
		metrics.NettingReduction.Observe(reduction)
	}
	metrics.SettlementTransitions.WithLabelValues(string(model.StatusReady)).Inc()
	slog.Info("settlement computed",
		"settlement_id", id,
		"original", res.OriginalCount,
		"optimized", res.OptimizedCount,
	)
	s.hub.publishSettlement("settlement_computed", out)
	return res, out, nil
}

// Execute creates exchange orders for every net payment of a ready
// settlement. When no order could be created the settlement stays ready,
// its failures are recorded and orchestrator.ErrAllOrdersFailed is returned
// together with the result.
func (s *Service) Execute(ctx context.Context, id, callerIP string) (*orchestrator.Result, *model.Settlement, error) {
	var (
		res     *orchestrator.Result
		out     *model.Settlement
		execErr error
	)
	err := s.mutate(ctx, id, func(st *model.Settlement) (bool, error) {
		if st.Status.Terminal() {
			return false, fmt.Errorf("%w: %s", lifecycle.ErrTerminal, st.Status)
		}
		if st.Status != model.StatusReady {
			return false, fmt.Errorf("%w: execute in %s", lifecycle.ErrInvalidTransition, st.Status)
		}
		if len(st.NetPayments) == 0 {
			return false, lifecycle.ErrNoPayments
		}

		r, err := s.executor.Execute(ctx, s.batch(st, st.NetPayments, callerIP))
		if errors.Is(err, orchestrator.ErrAllOrdersFailed) {
			st.Failures = r.Failures
			st.UpdatedAt = s.now()
			res, out, execErr = r, st, err
			return true, nil
		}
		if err != nil {
			return false, err
		}

		if err := lifecycle.MarkExecuting(st, r.Orders, r.Failures, s.now()); err != nil {
			return false, err
		}
		res, out = r, st
		return true, nil
	})
	if err != nil {
		return nil, nil, err
	}
	if execErr != nil {
		slog.Warn("settlement execution produced no orders",
			"settlement_id", id,
			"failures", len(res.Failures),
		)
		s.hub.publishSettlement("settlement_execution_failed", out)
		return res, out, execErr
	}

	metrics.SettlementTransitions.WithLabelValues(string(model.StatusExecuting)).Inc()
	slog.Info("settlement executing",
		"settlement_id", id,
		"orders", len(res.Orders),
		"failures", len(res.Failures),
	)
	s.hub.publishSettlement("settlement_executing", out)
	return res, out, nil
}

// RetryFailed executes the net payments of an executing settlement that
// have no order yet. New orders are appended; the failure list is replaced
// by this attempt's failures.
func (s *Service) RetryFailed(ctx context.Context, id, callerIP string) (*orchestrator.Result, *model.Settlement, error) {
	var (
		res     *orchestrator.Result
		out     *model.Settlement
		execErr error
	)
	err := s.mutate(ctx, id, func(st *model.Settlement) (bool, error) {
		if st.Status.Terminal() {
			return false, fmt.Errorf("%w: %s", lifecycle.ErrTerminal, st.Status)
		}
		if st.Status != model.StatusExecuting {
			return false, fmt.Errorf("%w: retry in %s", lifecycle.ErrInvalidTransition, st.Status)
		}
		pending := st.PendingPayments()
		if len(pending) == 0 {
			return false, ErrNothingToRetry
		}

		r, err := s.executor.Execute(ctx, s.batch(st, pending, callerIP))
		if err != nil && !errors.Is(err, orchestrator.ErrAllOrdersFailed) {
			return false, err
		}
		if err := lifecycle.AppendOrders(st, r.Orders, r.Failures, s.now()); err != nil {
			return false, err
		}
		res, out, execErr = r, st, err
		return true, nil
	})
	if err != nil {
		return nil, nil, err
	}
	slog.Info("settlement retry executed",
		"settlement_id", id,
		"orders", len(res.Orders),
		"failures", len(res.Failures),
	)
	s.hub.publishSettlement("settlement_retried", out)
	return res, out, execErr
}

// PollResult is the outcome of Poll.
type PollResult struct {
	Settlement  *model.Settlement `json:"settlement"`
	AllTerminal bool              `json:"all_terminal"`
	AnyFailed   bool              `json:"any_failed"`
	Changed     bool              `json:"changed"`
}

// Poll refreshes order statuses and converges the settlement. Polling a
// terminal settlement changes nothing.
func (s *Service) Poll(ctx context.Context, id string) (*PollResult, error) {
	out := &PollResult{}
	err := s.mutate(ctx, id, func(st *model.Settlement) (bool, error) {
		out.Settlement = st
		if st.Status.Terminal() {
			out.AllTerminal = true
			out.AnyFailed = st.Status == model.StatusFailed
			return false, nil
		}
		if st.Status != model.StatusExecuting {
			return false, fmt.Errorf("%w: poll in %s", lifecycle.ErrInvalidTransition, st.Status)
		}

		r, err := s.poller.Poll(ctx, st.Orders)
		if err != nil {
			return false, err
		}
		dirty := ordersChanged(st.Orders, r.Orders)
		st.Orders = r.Orders
		out.AllTerminal, out.AnyFailed = r.AllTerminal, r.AnyFailed

		changed, err := lifecycle.Converge(st, s.now())
		if err != nil {
			return false, err
		}
		out.Changed = changed
		if dirty && !changed {
			st.UpdatedAt = s.now()
		}
		return dirty || changed, nil
	})
	if err != nil {
		return nil, err
	}
	if out.Changed {
		s.finished(out.Settlement)
	} else if out.Settlement.Status == model.StatusExecuting {
		s.hub.publishSettlement("settlement_polled", out.Settlement)
	}
	return out, nil
}

// CancelOrder cancels one order at the exchange and marks it failed. The
// settlement converges to failed in the same step.
func (s *Service) CancelOrder(ctx context.Context, id, orderID string) (*model.Settlement, error) {
	var (
		out     *model.Settlement
		changed bool
	)
	err := s.mutate(ctx, id, func(st *model.Settlement) (bool, error) {
		if st.Status.Terminal() {
			return false, fmt.Errorf("%w: %s", lifecycle.ErrTerminal, st.Status)
		}
		if st.Status != model.StatusExecuting {
			return false, fmt.Errorf("%w: cancel in %s", lifecycle.ErrInvalidTransition, st.Status)
		}
		idx := -1
		for i, o := range st.Orders {
			if o.ExternalOrderID == orderID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return false, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		if st.Orders[idx].Status.Terminal() {
			return false, fmt.Errorf("%w: %s is %s", ErrOrderTerminal, orderID, st.Orders[idx].Status)
		}

		err := s.scheduler.Do(ctx, throttle.Orders, func(ctx context.Context) error {
			return s.exchange.CancelOrder(ctx, orderID)
		})
		if err != nil {
			return false, err
		}

		now := s.now()
		st.Orders[idx].Status = model.OrderFailed
		st.Orders[idx].FailureReason = "cancelled"
		st.Orders[idx].UpdatedAt = now
		c, err := lifecycle.Converge(st, now)
		if err != nil {
			return false, err
		}
		out, changed = st, c
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("order cancelled", "settlement_id", id, "order_id", orderID)
	if changed {
		s.finished(out)
	}
	return out, nil
}

func (s *Service) finished(st *model.Settlement) {
	metrics.SettlementTransitions.WithLabelValues(string(st.Status)).Inc()
	slog.Info("settlement finished",
		"settlement_id", st.ID,
		"status", st.Status,
	)
	s.hub.publishSettlement("settlement_"+string(st.Status), st)
}

func (s *Service) batch(st *model.Settlement, payments []model.NetPayment, callerIP string) orchestrator.Batch {
	return orchestrator.Batch{
		SettlementID: st.ID,
		Payments:     payments,
		Preferences:  st.RecipientPreferences,
		Deposit:      st.DepositAsset,
		Rates:        st.Rates,
		CallerIP:     callerIP,
	}
}

// mutate loads id under its lock, applies fn and stores the result when fn
// reports a change. Once fn has run its effects may already exist at the
// exchange, so the write is detached from ctx's cancellation.
func (s *Service) mutate(ctx context.Context, id string, fn func(*model.Settlement) (bool, error)) error {
	return s.locker.WithLock(ctx, "settlement:"+id, func(ctx context.Context) error {
		st, err := s.store.GetSettlement(ctx, id)
		if err != nil {
			return err
		}
		dirty, err := fn(st)
		if err != nil || !dirty {
			return err
		}
		return s.store.UpdateSettlement(context.WithoutCancel(ctx), st)
	})
}

func ordersChanged(before, after []model.Order) bool {
	if len(before) != len(after) {
		return true
	}
	for i := range before {
		if before[i].Status != after[i].Status || before[i].SettleTxHash != after[i].SettleTxHash {
			return true
		}
	}
	return false
}

// retryable reports whether the HTTP layer should suggest a retry.
func retryable(err error) bool {
	return errors.Is(err, retry.ErrExhausted) || exchange.IsRetryable(err)
}
