package observability

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server exposes the observability fabric's HTTP surface: /metrics renders
// both the hand-rolled domain series and the standard Go/process
// collectors, /snapshot dumps the buffered spans, /alerts lists pending
// webhook exports, and /alert-hook lets an operator push one in manually.
type Server struct {
	fabric   *Fabric
	tracer   *Tracer
	alerts   *AlertExporter
	registry *prometheus.Registry
}

func NewServer(fabric *Fabric, tracer *Tracer, alerts *AlertExporter) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return &Server{fabric: fabric, tracer: tracer, alerts: alerts, registry: reg}
}

// Router builds the mux.Router serving the endpoints described above.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	r.HandleFunc("/alert-hook", s.handleAlertHook).Methods(http.MethodPost)
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		logrus.WithFields(logrus.Fields{"method": req.Method, "path": req.URL.Path}).Debug("observability request")
		next.ServeHTTP(w, req)
	})
}

// handleMetrics writes the domain series followed by a standard
// promhttp-rendered block of Go/process collector output.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	var b strings.Builder
	b.WriteString(s.fabric.Render())
	w.Write([]byte(b.String()))

	promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.tracer.Snapshot())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.alerts.Pending())
}

func (s *Server) handleAlertHook(w http.ResponseWriter, r *http.Request) {
	var a Alert
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		http.Error(w, "invalid alert payload", http.StatusBadRequest)
		return
	}
	s.alerts.Push(a)
	w.WriteHeader(http.StatusAccepted)
}
