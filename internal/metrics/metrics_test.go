package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/v1/settlements/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"a", "b", "c"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/settlements/"+id, nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/settlements/{id}", "418"))
	if got != 3 {
		t.Errorf("expected 3 requests under the route pattern, got %v", got)
	}
}

func TestObserveExchange_Outcome(t *testing.T) {
	before := testutil.CollectAndCount(ExchangeLatency)
	ObserveExchange("quotes-test", time.Now(), nil)
	ObserveExchange("quotes-test", time.Now(), errors.New("boom"))
	if after := testutil.CollectAndCount(ExchangeLatency); after != before+2 {
		t.Errorf("expected two new series, got %d -> %d", before, after)
	}
}
