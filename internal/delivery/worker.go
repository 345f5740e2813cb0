// Package delivery implements the Delivery Worker of spec §4.E: a tick loop
// that claims due jobs, invokes the notification sink, and applies the
// retry/backoff/dead-letter policy. Grounded on the teacher's HealthChecker
// ticker loop (core/fault_tolerance.go).
package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"paidinbox/internal/lockrate"
	"paidinbox/internal/observability"
	"paidinbox/internal/store"
	"paidinbox/internal/types"
)

// backoffLadder is the fixed retry schedule from spec §4.E step 4.
var backoffLadder = []time.Duration{
	1 * time.Second, 2 * time.Second, 5 * time.Second,
	15 * time.Second, 30 * time.Second, 60 * time.Second,
}

// Sink is the notification sink contract of spec §6: transport, auth, and
// provider quirks belong to the implementation; reason is opaque.
type Sink interface {
	Send(ctx context.Context, channel, destination string, payload []byte) (ok bool, reason string, err error)
}

// Config parameterizes one Worker's tick behavior.
type Config struct {
	WorkerID       string
	Distributed    bool
	BatchSize      int
	ClaimLockTTL   time.Duration
	PollInterval   time.Duration
}

// Worker runs the single-flight tick loop described in spec §4.E.
type Worker struct {
	store  store.Store
	sink   Sink
	mutex  *lockrate.Mutex
	fabric *observability.Fabric
	tracer *observability.Tracer
	cfg    Config

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func New(s store.Store, sink Sink, mutex *lockrate.Mutex, fabric *observability.Fabric, tracer *observability.Tracer, cfg Config) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	return &Worker{store: s, sink: sink, mutex: mutex, fabric: fabric, tracer: tracer, cfg: cfg}
}

// Run drives Tick on a fixed interval with single-flight semantics until ctx
// is cancelled or Stop is called. Graceful stop awaits the in-flight tick.
func (w *Worker) Run(ctx context.Context) {
	w.mu.Lock()
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.mu.Unlock()
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.tickOnce(ctx)
		}
	}
}

// Stop signals Run to exit after the current tick finishes.
func (w *Worker) Stop() {
	w.mu.Lock()
	stop, done := w.stop, w.done
	w.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (w *Worker) tickOnce(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if err := w.Tick(ctx); err != nil {
		logrus.WithError(err).Warn("delivery worker tick failed")
	}
}

// Tick implements spec §4.E's single tick. It never returns a caller-visible
// error to the request path — background workers absorb and retry.
func (w *Worker) Tick(ctx context.Context) (err error) {
	_, finish := w.tracer.StartSpan("", "delivery.tick")
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		finish(status, nil)
	}()

	stats, err := w.store.JobStats(ctx)
	if err != nil {
		return err
	}
	w.fabric.SetGauge("delivery_jobs_pending", nil, float64(stats.Pending))
	w.fabric.SetGauge("delivery_jobs_processing", nil, float64(stats.Processing))
	w.fabric.SetGauge("delivery_jobs_done", nil, float64(stats.Done))
	w.fabric.SetGauge("delivery_jobs_failed", nil, float64(stats.Failed))
	w.fabric.SetGauge("delivery_jobs_dead_letter", nil, float64(stats.DeadLetter))

	var claimToken string
	if w.cfg.Distributed {
		claimToken, err = w.mutex.TryAcquire(ctx, "delivery:claim", w.cfg.ClaimLockTTL)
		if err != nil {
			return err
		}
		if claimToken == "" {
			w.fabric.IncCounter("delivery_tick_skipped_total", map[string]string{"reason": "lock_miss"}, 1)
			return nil
		}
		defer w.mutex.Release(ctx, "delivery:claim", claimToken)
	}

	jobs, err := w.store.ClaimDueDeliveryJobs(ctx, w.cfg.WorkerID, w.cfg.BatchSize, w.cfg.ClaimLockTTL)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		w.processJob(ctx, job)
	}
	return nil
}

func (w *Worker) processJob(ctx context.Context, job *types.DeliveryJob) {
	ok, reason, err := w.sink.Send(ctx, job.Channel, job.Destination, job.Payload)
	if err != nil {
		reason = err.Error()
		ok = false
	}

	if ok {
		if err := w.store.MarkJobDone(ctx, job.ID); err != nil {
			logrus.WithError(err).WithField("job_id", job.ID).Warn("failed to mark delivery job done")
			return
		}
		w.fabric.IncCounter("delivery_jobs_total", map[string]string{"channel": job.Channel, "outcome": "done"}, 1)
		return
	}

	if job.Attempts >= job.MaxAttempts {
		if err := w.store.MarkJobDeadLetter(ctx, job.ID, reason); err != nil {
			logrus.WithError(err).WithField("job_id", job.ID).Warn("failed to mark delivery job dead-lettered")
			return
		}
		w.fabric.IncCounter("delivery_jobs_total", map[string]string{"channel": job.Channel, "outcome": "dead_letter"}, 1)
		return
	}

	idx := job.Attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffLadder) {
		idx = len(backoffLadder) - 1
	}
	nextAttemptAt := time.Now().UTC().Add(backoffLadder[idx])
	if err := w.store.MarkJobRetry(ctx, job.ID, reason, nextAttemptAt); err != nil {
		logrus.WithError(err).WithField("job_id", job.ID).Warn("failed to mark delivery job for retry")
		return
	}
	w.fabric.IncCounter("delivery_jobs_total", map[string]string{"channel": job.Channel, "outcome": "retry"}, 1)
}

// DeadLettered lists dead-lettered jobs for operational visibility —
// supplemented per SPEC_FULL.md §6, since reopening one is a manual
// operator action rather than an automatic requeue.
func (w *Worker) DeadLettered(ctx context.Context, limit int) ([]*types.DeliveryJob, error) {
	return w.store.ListDeadLettered(ctx, limit)
}
