package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartSpanRecordsOnFinish(t *testing.T) {
	tr := NewTracer(10)
	traceID, finish := tr.StartSpan("", "send_message")
	require.NotEmpty(t, traceID)
	finish("ok", map[string]string{"channel": "email"})

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "send_message", snap[0].Name)
	require.Equal(t, "ok", snap[0].Status)
	require.Equal(t, traceID, snap[0].TraceID)
}

func TestTracerReusesSuppliedTraceID(t *testing.T) {
	tr := NewTracer(10)
	traceID, finish := tr.StartSpan("trace-123", "enqueue_job")
	require.Equal(t, "trace-123", traceID)
	finish("ok", nil)

	snap := tr.Snapshot()
	require.Equal(t, "trace-123", snap[0].TraceID)
}

func TestTracerBufferIsBoundedAndEvictsOldest(t *testing.T) {
	tr := NewTracer(2)
	for i := 0; i < 5; i++ {
		_, finish := tr.StartSpan("", "op")
		finish("ok", nil)
	}

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
}

func TestSpanExporterPostsSnapshotToConfiguredEndpoint(t *testing.T) {
	received := make(chan []Span, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var spans []Span
		require.NoError(t, json.NewDecoder(r.Body).Decode(&spans))
		received <- spans
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewTracer(10)
	_, finish := tr.StartSpan("", "orchestrator.send")
	finish("ok", nil)

	exp := NewSpanExporter(tr, srv.URL, time.Minute, time.Second)
	exp.exportOnce(context.Background())

	select {
	case spans := <-received:
		require.Len(t, spans, 1)
		require.Equal(t, "orchestrator.send", spans[0].Name)
	case <-time.After(time.Second):
		t.Fatal("export endpoint was never called")
	}
}

func TestSpanExporterWithoutURLConfiguredIsNoop(t *testing.T) {
	tr := NewTracer(10)
	_, finish := tr.StartSpan("", "op")
	finish("ok", nil)

	exp := NewSpanExporter(tr, "", time.Minute, time.Second)
	exp.exportOnce(context.Background())
}
