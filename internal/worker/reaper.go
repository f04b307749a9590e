package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/suporterfid/smartreader-gateway/internal/events"
	"github.com/suporterfid/smartreader-gateway/internal/metrics"
	"github.com/suporterfid/smartreader-gateway/internal/store"
)

// reapResponseText is persisted on every command the Reaper times
// out.
const reapResponseText = "Command processing timed out"

// Reaper is the stale-command reaper: on a fixed cadence it
// transitions any PROCESSING command older than the configured
// threshold to FAILED. Its UPDATE is guarded by `WHERE
// status='PROCESSING'`, so a Response Correlator update racing the
// same command wins or loses atomically.
type Reaper struct {
	store     *store.Store
	threshold time.Duration
	interval  time.Duration
	logger    *slog.Logger
	bus       *events.Bus
}

// NewReaper creates a Reaper. threshold is T_reap (default 30s);
// interval is the tick cadence (default 10s).
func NewReaper(st *store.Store, threshold, interval time.Duration, logger *slog.Logger, bus *events.Bus) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{store: st, threshold: threshold, interval: interval, logger: logger.With("component", "reaper"), bus: bus}
}

// Start runs the reaper until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	runTicker(ctx, r.interval, r.logger, "reaper", r.tick)
}

func (r *Reaper) tick(_ context.Context) {
	metrics.ReaperTicksTotal.Inc()

	cutoff := time.Now().Add(-r.threshold)
	n, err := r.store.ReapStale(cutoff, reapResponseText)
	if err != nil {
		r.logger.Error("reap stale commands failed", "error", err)
		return
	}
	if n == 0 {
		return
	}

	r.logger.Info("reaped stale commands", "count", n)
	metrics.CommandsReapedTotal.Add(float64(n))
	metrics.CommandsResolvedTotal.WithLabelValues(string(store.StatusFailed)).Add(float64(n))
	if r.bus != nil {
		r.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceReaper,
			Kind:      events.KindCommandReaped,
			Data:      map[string]any{"count": n},
		})
	}
}
