package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"paidinbox/internal/store"
)

// Thresholds are the health-snapshot breach limits of spec §4.H. A value
// <= 0 disables that particular check.
type Thresholds struct {
	DeliveryPendingMax  int64
	DeliveryFailedMax   int64
	IndexerLagBlocksMax float64
}

// HealthSnapshot aggregates delivery-job stats and indexer lag per chainKey,
// the inputs the threshold evaluation in Check runs against.
type HealthSnapshot struct {
	DeliveryJobs store.JobStats
	IndexerLag   map[string]float64 // indexer_lag_blocks{chain_key="..."} gauge key -> lag in blocks
}

// HealthMonitor aggregates store.JobStats and indexer lag gauges into a
// HealthSnapshot and, on a fixed cadence, pushes an Alert onto the shared
// AlertExporter queue for every breached threshold. Grounded on the
// teacher's HealthChecker ticker loop (core/fault_tolerance.go), generalized
// from a binary up/down check to a threshold-evaluated metrics snapshot.
type HealthMonitor struct {
	store      store.Store
	fabric     *Fabric
	alerts     *AlertExporter
	thresholds Thresholds
	interval   time.Duration

	stop chan struct{}
	done chan struct{}
}

func NewHealthMonitor(s store.Store, fabric *Fabric, alerts *AlertExporter, thresholds Thresholds, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{store: s, fabric: fabric, alerts: alerts, thresholds: thresholds, interval: interval}
}

// Snapshot aggregates the current delivery-job stats and indexer lag gauges.
func (h *HealthMonitor) Snapshot(ctx context.Context) (HealthSnapshot, error) {
	stats, err := h.store.JobStats(ctx)
	if err != nil {
		return HealthSnapshot{}, err
	}
	lag := map[string]float64{}
	for key, value := range h.fabric.GaugesWithPrefix("indexer_lag_blocks") {
		lag[key] = value
	}
	return HealthSnapshot{DeliveryJobs: stats, IndexerLag: lag}, nil
}

// Check evaluates the current snapshot against the configured thresholds and
// pushes an Alert for every breach. Send is left to AlertExporter, which
// already skips the webhook POST when nothing is pending.
func (h *HealthMonitor) Check(ctx context.Context) error {
	snap, err := h.Snapshot(ctx)
	if err != nil {
		return err
	}

	if h.thresholds.DeliveryPendingMax > 0 && snap.DeliveryJobs.Pending > h.thresholds.DeliveryPendingMax {
		h.alerts.Push(Alert{
			Name: "delivery_jobs_pending_high", Severity: "warning",
			Message: fmt.Sprintf("delivery jobs pending %d exceeds threshold %d", snap.DeliveryJobs.Pending, h.thresholds.DeliveryPendingMax),
			FiredAt: time.Now().UTC(),
		})
	}
	if h.thresholds.DeliveryFailedMax > 0 && snap.DeliveryJobs.Failed > h.thresholds.DeliveryFailedMax {
		h.alerts.Push(Alert{
			Name: "delivery_jobs_failed_high", Severity: "warning",
			Message: fmt.Sprintf("delivery jobs failed %d exceeds threshold %d", snap.DeliveryJobs.Failed, h.thresholds.DeliveryFailedMax),
			FiredAt: time.Now().UTC(),
		})
	}
	if h.thresholds.IndexerLagBlocksMax > 0 {
		for key, lag := range snap.IndexerLag {
			if lag > h.thresholds.IndexerLagBlocksMax {
				h.alerts.Push(Alert{
					Name: "indexer_lag_high", Severity: "warning",
					Message: fmt.Sprintf("indexer lag %v blocks exceeds threshold %v", lag, h.thresholds.IndexerLagBlocksMax),
					Labels:  map[string]string{"gauge": key},
					FiredAt: time.Now().UTC(),
				})
			}
		}
	}
	return nil
}

// Run drives Check on a fixed cadence until ctx is cancelled or Stop is
// called. Check failures are logged and never stop the loop.
func (h *HealthMonitor) Run(ctx context.Context) {
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			if err := h.Check(ctx); err != nil {
				logrus.WithError(err).Warn("health monitor check failed")
			}
		}
	}
}

func (h *HealthMonitor) Stop() {
	if h.stop == nil {
		return
	}
	close(h.stop)
	<-h.done
}
