package settlement_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/netshift/settlement-engine/internal/exchange"
	"github.com/netshift/settlement-engine/internal/lifecycle"
	"github.com/netshift/settlement-engine/internal/lock"
	"github.com/netshift/settlement-engine/internal/netting"
	"github.com/netshift/settlement-engine/internal/orchestrator"
	"github.com/netshift/settlement-engine/internal/retry"
	"github.com/netshift/settlement-engine/internal/settlement"
	"github.com/netshift/settlement-engine/internal/store"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("obligation 0: %w", netting.ErrNoObligations), http.StatusBadRequest},
		{orchestrator.ErrComplianceDenied, http.StatusForbidden},
		{fmt.Errorf("get: %w", store.ErrNotFound), http.StatusNotFound},
		{lifecycle.ErrTerminal, http.StatusConflict},
		{store.ErrVersionConflict, http.StatusConflict},
		{settlement.ErrNothingToRetry, http.StatusConflict},
		{netting.ErrUnpricedUnit, http.StatusUnprocessableEntity},
		{orchestrator.ErrMissingDepositRate, http.StatusUnprocessableEntity},
		{lock.ErrNotAcquired, http.StatusServiceUnavailable},
		{exchange.ErrUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: %w", retry.ErrExhausted, &exchange.Error{Op: "quote", StatusCode: 502}), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := settlement.StatusFor(tc.err); got != tc.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
