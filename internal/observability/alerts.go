package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Alert is a single pending notification waiting to be exported to the
// configured webhook.
type Alert struct {
	Name      string            `json:"name"`
	Severity  string            `json:"severity"`
	Message   string            `json:"message"`
	Labels    map[string]string `json:"labels,omitempty"`
	FiredAt   time.Time         `json:"firedAt"`
}

// AlertExporter periodically POSTs pending alerts to a webhook. Export
// failures are logged and never affect request processing — the alert
// stays queued and is retried on the next tick.
type AlertExporter struct {
	webhookURL string
	bearer     string
	interval   time.Duration
	client     *http.Client

	mu      sync.Mutex
	pending []Alert

	stop chan struct{}
	done chan struct{}
}

func NewAlertExporter(webhookURL, bearer string, interval time.Duration) *AlertExporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &AlertExporter{
		webhookURL: webhookURL,
		bearer:     bearer,
		interval:   interval,
		client:     &http.Client{Timeout: 10 * time.Second},
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Push queues an alert for the next export tick.
func (e *AlertExporter) Push(a Alert) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, a)
}

// Pending returns a snapshot of alerts still waiting to be exported.
func (e *AlertExporter) Pending() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, len(e.pending))
	copy(out, e.pending)
	return out
}

// Run drives the periodic export loop until Stop is called or ctx is done.
func (e *AlertExporter) Run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.exportOnce(ctx)
		}
	}
}

func (e *AlertExporter) Stop() {
	close(e.stop)
	<-e.done
}

func (e *AlertExporter) exportOnce(ctx context.Context) {
	if e.webhookURL == "" {
		return
	}
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	body, err := json.Marshal(batch)
	if err != nil {
		logrus.WithError(err).Warn("alert export: failed to marshal batch")
		e.requeue(batch)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.webhookURL, bytes.NewReader(body))
	if err != nil {
		logrus.WithError(err).Warn("alert export: failed to build request")
		e.requeue(batch)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if e.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+e.bearer)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		logrus.WithError(err).Warn("alert export: webhook request failed")
		e.requeue(batch)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logrus.WithField("status", resp.StatusCode).Warn("alert export: webhook rejected batch")
		e.requeue(batch)
	}
}

func (e *AlertExporter) requeue(batch []Alert) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(batch, e.pending...)
}
