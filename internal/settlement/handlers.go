package settlement

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/netshift/settlement-engine/internal/asset"
	"github.com/netshift/settlement-engine/internal/exchange"
	"github.com/netshift/settlement-engine/internal/lifecycle"
	"github.com/netshift/settlement-engine/internal/lock"
	"github.com/netshift/settlement-engine/internal/model"
	"github.com/netshift/settlement-engine/internal/netting"
	"github.com/netshift/settlement-engine/internal/orchestrator"
	"github.com/netshift/settlement-engine/internal/store"
)

// API exposes a Service over HTTP.
type API struct {
	svc *Service
}

// NewAPI creates the HTTP handlers for svc.
func NewAPI(svc *Service) *API {
	return &API{svc: svc}
}

// Routes mounts the settlement endpoints on r.
func (a *API) Routes(r chi.Router) {
	r.Get("/settlements", a.List)
	r.Post("/settlements", a.Create)
	r.Route("/settlements/{settlementID}", func(r chi.Router) {
		r.Get("/", a.Get)
		r.Put("/preferences", a.UpdatePreferences)
		r.Post("/compute", a.Compute)
		r.Post("/execute", a.Execute)
		r.Post("/retry", a.Retry)
		r.Post("/poll", a.Poll)
		r.Post("/orders/{orderID}/cancel", a.CancelOrder)
	})
}

// ComputeResponse is the body returned from POST /settlements/{id}/compute.
type ComputeResponse struct {
	Settlement *model.Settlement `json:"settlement"`
	Result     *netting.Result   `json:"result"`
}

// ExecuteResponse is the body returned from execute and retry.
type ExecuteResponse struct {
	Settlement *model.Settlement     `json:"settlement"`
	Orders     []model.Order         `json:"orders"`
	Failures   []model.FailureRecord `json:"failures"`
}

// Create handles POST /api/v1/settlements
func (a *API) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	st, err := a.svc.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// List handles GET /api/v1/settlements
// Optional ?status= filter.
func (a *API) List(w http.ResponseWriter, r *http.Request) {
	var (
		list []model.Settlement
		err  error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		list, err = a.svc.ListByStatus(r.Context(), model.Status(status))
	} else {
		list, err = a.svc.List(r.Context())
	}
	if err != nil {
		writeError(w, "failed to list settlements", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []model.Settlement{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Get handles GET /api/v1/settlements/{settlementID}
func (a *API) Get(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.Get(r.Context(), chi.URLParam(r, "settlementID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// UpdatePreferences handles PUT /api/v1/settlements/{settlementID}/preferences
func (a *API) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var prefs []model.RecipientPreference
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	st, err := a.svc.UpdatePreferences(r.Context(), chi.URLParam(r, "settlementID"), prefs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Compute handles POST /api/v1/settlements/{settlementID}/compute
func (a *API) Compute(w http.ResponseWriter, r *http.Request) {
	res, st, err := a.svc.Compute(r.Context(), chi.URLParam(r, "settlementID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ComputeResponse{Settlement: st, Result: res})
}

// Execute handles POST /api/v1/settlements/{settlementID}/execute
// 403 when the exchange refuses the caller, 422 with the failures when no
// order could be created.
func (a *API) Execute(w http.ResponseWriter, r *http.Request) {
	res, st, err := a.svc.Execute(r.Context(), chi.URLParam(r, "settlementID"), callerIP(r))
	a.writeExecution(w, res, st, err)
}

// Retry handles POST /api/v1/settlements/{settlementID}/retry
func (a *API) Retry(w http.ResponseWriter, r *http.Request) {
	res, st, err := a.svc.RetryFailed(r.Context(), chi.URLParam(r, "settlementID"), callerIP(r))
	a.writeExecution(w, res, st, err)
}

func (a *API) writeExecution(w http.ResponseWriter, res *orchestrator.Result, st *model.Settlement, err error) {
	if errors.Is(err, orchestrator.ErrAllOrdersFailed) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":    "all orders failed",
			"failures": res.Failures,
		})
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExecuteResponse{Settlement: st, Orders: res.Orders, Failures: res.Failures})
}

// Poll handles POST /api/v1/settlements/{settlementID}/poll
func (a *API) Poll(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.Poll(r.Context(), chi.URLParam(r, "settlementID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelOrder handles POST /api/v1/settlements/{settlementID}/orders/{orderID}/cancel
func (a *API) CancelOrder(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.CancelOrder(r.Context(), chi.URLParam(r, "settlementID"), chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// StatusFor maps a service error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, netting.ErrNoObligations),
		errors.Is(err, model.ErrSelfPayment),
		errors.Is(err, model.ErrNonPositiveAmount),
		errors.Is(err, model.ErrMissingField),
		errors.Is(err, asset.ErrInvalidAsset),
		errors.Is(err, asset.ErrMissingChain):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrComplianceDenied):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrTerminal),
		errors.Is(err, lifecycle.ErrNoPayments),
		errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, ErrNothingToRetry),
		errors.Is(err, ErrOrderTerminal):
		return http.StatusConflict
	case errors.Is(err, netting.ErrUnpricedUnit),
		errors.Is(err, netting.ErrConservation),
		errors.Is(err, orchestrator.ErrAllOrdersFailed),
		errors.Is(err, orchestrator.ErrMissingDepositRate),
		errors.Is(err, lifecycle.ErrNoOrders):
		return http.StatusUnprocessableEntity
	case errors.Is(err, lock.ErrNotAcquired),
		errors.Is(err, exchange.ErrUnavailable):
		return http.StatusServiceUnavailable
	case retryable(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

// callerIP is the address the compliance gate is asked about. It is the
// connection's peer unless the server was started with TRUST_PROXY_HEADERS,
// in which case middleware.RealIP has already replaced RemoteAddr with the
// forwarded address. Only enable that behind a proxy that overwrites
// X-Forwarded-For and X-Real-IP.
func callerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
