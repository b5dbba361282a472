package commission

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/atelier/internal/metrics"
)

// Timer periodically applies due timeouts and retries pending settlements.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new expiry sweeper.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	metrics.SweepRunning.Set(1)
	defer func() {
		t.running.Store(false)
		metrics.SweepRunning.Set(0)
	}()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in commission timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	report, err := t.service.SweepExpired(ctx)
	if err != nil {
		t.logger.Warn("sweep finished with errors", "error", err)
	}
	if report == nil {
		return
	}
	if report.Tickets+report.Uploads+report.Resolutions+report.Abandoned+report.Settlements > 0 {
		t.logger.Info("sweep applied timeouts",
			"tickets", report.Tickets,
			"uploads", report.Uploads,
			"resolutions", report.Resolutions,
			"abandoned", report.Abandoned,
			"settlements", report.Settlements)
	}
}
