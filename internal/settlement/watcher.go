package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/netshift/settlement-engine/internal/metrics"
	"github.com/netshift/settlement-engine/internal/model"
)

// Watcher polls every executing settlement on a fixed interval. It only
// reports what the exchange says; a settlement whose orders never finish
// stays executing.
type Watcher struct {
	svc      *Service
	interval time.Duration
}

// NewWatcher creates a Watcher. An interval <= 0 disables it.
func NewWatcher(svc *Service, interval time.Duration) *Watcher {
	return &Watcher{svc: svc, interval: interval}
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	if w.interval <= 0 {
		slog.Info("poll watcher disabled")
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick polls each executing settlement once and returns how many reached a
// terminal status.
func (w *Watcher) Tick(ctx context.Context) int {
	executing, err := w.svc.ListByStatus(ctx, model.StatusExecuting)
	if err != nil {
		slog.Error("poll watcher: list executing settlements", "err", err)
		return 0
	}

	finished := 0
	for _, st := range executing {
		if ctx.Err() != nil {
			break
		}
		res, err := w.svc.Poll(ctx, st.ID)
		if err != nil {
			slog.Warn("poll watcher: poll failed", "settlement_id", st.ID, "err", err)
			continue
		}
		if res.Changed {
			finished++
		}
	}
	metrics.ExecutingSettlements.Set(float64(len(executing) - finished))
	return finished
}
