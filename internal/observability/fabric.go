// Package observability implements the in-process metrics/tracing/alerting
// fabric of spec §4.H: counters, gauges, histograms keyed by a canonical
// label set, a bounded span buffer, and a periodic alert exporter. The
// domain metrics use a hand-rolled Prometheus 0.0.4 text exposition because
// spec §4.H pins an exact canonicalization algorithm (label keys sorted
// lexicographically, values escaped) that must hold regardless of which
// labels show up at runtime — client_golang's own registry is still wired
// in (see server.go) for the Go/process collectors, which don't need that
// dynamic-label treatment.
package observability

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Fabric is the three in-process registries from spec §4.H.
type Fabric struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]*histogramBucket
}

type histogramBucket struct {
	count uint64
	sum   float64
}

func NewFabric() *Fabric {
	return &Fabric{
		counters:   map[string]float64{},
		gauges:     map[string]float64{},
		histograms: map[string]*histogramBucket{},
	}
}

// CanonicalKey renders name{k1="v1",k2="v2"} with keys sorted
// lexicographically and values escaped per spec §4.H.
func CanonicalKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, escapeLabelValue(labels[k])))
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}

func escapeLabelValue(v string) string {
	v = strings.ReplaceAll(v, `"`, `\"`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	return v
}

// IncCounter adds delta (typically 1) to the cumulative counter identified
// by name+labels.
func (f *Fabric) IncCounter(name string, labels map[string]string, delta float64) {
	key := CanonicalKey(name, labels)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[key] += delta
}

// SetGauge overwrites the last-write gauge value for name+labels.
func (f *Fabric) SetGauge(name string, labels map[string]string, value float64) {
	key := CanonicalKey(name, labels)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gauges[key] = value
}

// ObserveHistogram adds one observation to the count+sum histogram for
// name+labels (no buckets — spec §4.H only needs count+sum aggregation).
func (f *Fabric) ObserveHistogram(name string, labels map[string]string, value float64) {
	key := CanonicalKey(name, labels)
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.histograms[key]
	if !ok {
		h = &histogramBucket{}
		f.histograms[key] = h
	}
	h.count++
	h.sum += value
}

// GaugesWithPrefix returns every gauge whose canonical key starts with name,
// keyed by that canonical key. Used by the health monitor to read back
// dynamically-labeled gauges (e.g. per chainKey) without knowing label
// values ahead of time.
func (f *Fabric) GaugesWithPrefix(name string) map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]float64{}
	for k, v := range f.gauges {
		if k == name || strings.HasPrefix(k, name+"{") {
			out[k] = v
		}
	}
	return out
}

// Render produces a Prometheus 0.0.4 text exposition of every registered
// series. Series are rendered in sorted-key order for determinism.
func (f *Fabric) Render() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var b strings.Builder
	for _, key := range sortedKeys(f.counters) {
		fmt.Fprintf(&b, "%s %v\n", key, f.counters[key])
	}
	for _, key := range sortedKeys(f.gauges) {
		fmt.Fprintf(&b, "%s %v\n", key, f.gauges[key])
	}
	for _, key := range sortedHistogramKeys(f.histograms) {
		h := f.histograms[key]
		name, labels := key, ""
		if i := strings.IndexByte(key, '{'); i >= 0 {
			name, labels = key[:i], key[i:]
		}
		fmt.Fprintf(&b, "%s_count%s %d\n", name, labels, h.count)
		fmt.Fprintf(&b, "%s_sum%s %v\n", name, labels, h.sum)
	}
	return b.String()
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedHistogramKeys(m map[string]*histogramBucket) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
