package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Span is one flat entry in the bounded span buffer of spec §4.H.
type Span struct {
	ID       string
	TraceID  string
	Name     string
	Status   string
	Start    time.Time
	End      time.Time
	Duration time.Duration
	Tags     map[string]string
}

// Tracer owns the bounded span buffer; once full, the oldest span is
// evicted to admit a new one.
type Tracer struct {
	mu       sync.Mutex
	maxSpans int
	spans    []Span
}

func NewTracer(maxSpans int) *Tracer {
	if maxSpans <= 0 {
		maxSpans = 1000
	}
	return &Tracer{maxSpans: maxSpans}
}

// StartSpan begins a span under traceID (a new one is minted when empty)
// and returns a finish func that records status and tags.
func (t *Tracer) StartSpan(traceID, name string) (string, func(status string, tags map[string]string)) {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	id := uuid.NewString()
	start := time.Now().UTC()
	return traceID, func(status string, tags map[string]string) {
		end := time.Now().UTC()
		t.record(Span{
			ID: id, TraceID: traceID, Name: name, Status: status,
			Start: start, End: end, Duration: end.Sub(start), Tags: tags,
		})
	}
}

func (t *Tracer) record(s Span) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = append(t.spans, s)
	if len(t.spans) > t.maxSpans {
		t.spans = t.spans[len(t.spans)-t.maxSpans:]
	}
}

// Snapshot returns a copy of every span currently buffered.
func (t *Tracer) Snapshot() []Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Span, len(t.spans))
	copy(out, t.spans)
	return out
}

// SpanExporter periodically POSTs the tracer's buffered spans to a
// configured endpoint. Export failures are logged and never affect request
// processing — spans stay in the tracer's own bounded buffer regardless.
type SpanExporter struct {
	tracer   *Tracer
	url      string
	interval time.Duration
	client   *http.Client

	stop chan struct{}
	done chan struct{}
}

func NewSpanExporter(tracer *Tracer, url string, interval, timeout time.Duration) *SpanExporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SpanExporter{
		tracer: tracer, url: url, interval: interval,
		client: &http.Client{Timeout: timeout},
	}
}

// Run drives the periodic export loop until ctx is cancelled or Stop is
// called.
func (e *SpanExporter) Run(ctx context.Context) {
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
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

func (e *SpanExporter) Stop() {
	if e.stop == nil {
		return
	}
	close(e.stop)
	<-e.done
}

func (e *SpanExporter) exportOnce(ctx context.Context) {
	if e.url == "" {
		return
	}
	spans := e.tracer.Snapshot()
	if len(spans) == 0 {
		return
	}

	body, err := json.Marshal(spans)
	if err != nil {
		logrus.WithError(err).Warn("span export: failed to marshal snapshot")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		logrus.WithError(err).Warn("span export: failed to build request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		logrus.WithError(err).Warn("span export: request failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logrus.WithField("status", resp.StatusCode).Warn("span export: endpoint rejected batch")
	}
}
