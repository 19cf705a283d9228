package refdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fjordbank/payguard/internal/metrics"
)

// Refresher periodically reloads one book from its source. Rules typically
// refresh every few minutes, rates and limits daily.
type Refresher struct {
	name     string
	interval time.Duration
	reload   func(ctx context.Context) error
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewRefresher creates a refresher that calls reload every interval.
func NewRefresher(name string, interval time.Duration, reload func(ctx context.Context) error, logger *slog.Logger) *Refresher {
	return &Refresher{
		name:     name,
		interval: interval,
		reload:   reload,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the refresh loop is active.
func (r *Refresher) Running() bool {
	return r.running.Load()
}

// Start runs an immediate reload and then the periodic loop. Call in a
// goroutine.
func (r *Refresher) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	r.safeReload(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeReload(ctx)
		}
	}
}

// ReloadNow runs one reload outside the periodic schedule.
func (r *Refresher) ReloadNow(ctx context.Context) {
	r.safeReload(ctx)
}

// Stop signals the refresher to stop.
func (r *Refresher) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Refresher) safeReload(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in refresher", "name", r.name, "panic", fmt.Sprint(rec))
		}
	}()
	if err := r.reload(ctx); err != nil {
		// Keep serving the previous snapshot on failure.
		metrics.RefreshesTotal.WithLabelValues(r.name, "error").Inc()
		r.logger.Warn("refresh failed", "name", r.name, "error", err)
		return
	}
	metrics.RefreshesTotal.WithLabelValues(r.name, "ok").Inc()
	r.logger.Debug("refreshed", "name", r.name)
}
