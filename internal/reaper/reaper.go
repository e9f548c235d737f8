package reaper

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/tow-dispatch/internal/lifecycle"
	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/observability"
)

const DefaultInterval = 60 * time.Second

// Lifecycle is the part of the lifecycle service the reaper drives.
type Lifecycle interface {
	ExpireStale(ctx context.Context) ([]lifecycle.SweepItem, error)
	RetryPending(ctx context.Context) ([]lifecycle.SweepItem, error)
}

// DriverCounter feeds the driver status gauges after each sweep.
type DriverCounter interface {
	CountByStatus() map[models.DriverStatus]int
}

// Reaper periodically expires unanswered assignments and, when enabled,
// offers pending requests to drivers that became free.
type Reaper struct {
	Lifecycle    Lifecycle
	Drivers      DriverCounter
	Interval     time.Duration
	RetryPending bool
	Log          logrus.FieldLogger
}

func New(l Lifecycle, drivers DriverCounter, interval time.Duration, retry bool, log logrus.FieldLogger) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reaper{Lifecycle: l, Drivers: drivers, Interval: interval, RetryPending: retry, Log: log}
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	r.Log.WithField("interval", r.Interval.String()).Info("expiry reaper started")
	for {
		select {
		case <-ctx.Done():
			r.Log.Info("expiry reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Per-request failures are logged and do not stop the pass.
func (r *Reaper) Sweep(ctx context.Context) {
	start := time.Now()
	defer func() { observability.SweepDuration.Observe(time.Since(start).Seconds()) }()

	expired, err := r.Lifecycle.ExpireStale(ctx)
	if err != nil {
		r.Log.WithError(err).Error("expiry sweep failed")
	}
	r.report("assignment expired", expired)

	if r.RetryPending {
		retried, err := r.Lifecycle.RetryPending(ctx)
		if err != nil {
			r.Log.WithError(err).Error("pending retry failed")
		}
		r.report("pending request assigned", retried)
	}

	if r.Drivers != nil {
		for status, n := range r.Drivers.CountByStatus() {
			observability.Drivers.WithLabelValues(string(status)).Set(float64(n))
		}
	}
}

func (r *Reaper) report(msg string, items []lifecycle.SweepItem) {
	for _, it := range items {
		entry := r.Log.WithFields(logrus.Fields{
			"request_id":      it.RequestID,
			"expired_driver":  it.ExpiredDriver,
			"assigned_driver": it.AssignedDriver,
		})
		if it.Err != nil {
			entry.WithError(it.Err).Warn("sweep item failed")
			continue
		}
		entry.Info(msg)
	}
}
