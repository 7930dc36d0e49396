package metrics

import (
	"fmt"
	"math"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
)

// PrometheusConfig configures the Prometheus exporter.
type PrometheusConfig struct {
	// Namespace is an optional prefix prepended to all metric names
	// (e.g. "eth62" turns "eth62.peers_ready" into "eth62_eth62_peers_ready").
	Namespace string
	// EnableRuntime adds goroutine and heap gauges to every scrape.
	EnableRuntime bool
	// Path is the HTTP path to serve metrics on (default "/metrics").
	Path string
}

// DefaultPrometheusConfig returns a config with sensible defaults.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		EnableRuntime: true,
		Path:          "/metrics",
	}
}

// CustomCollector produces metric lines computed at scrape time, such as
// per-state peer counts.
type CustomCollector interface {
	Collect() []MetricLine
}

// MetricLine represents a single Prometheus data point with optional labels.
type MetricLine struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// PrometheusExporter formats a Registry in the Prometheus text exposition
// format and serves it over HTTP.
type PrometheusExporter struct {
	mu         sync.RWMutex
	config     PrometheusConfig
	registry   *Registry
	collectors map[string]CustomCollector
}

// NewPrometheusExporter creates a new exporter that reads from the given registry.
func NewPrometheusExporter(registry *Registry, config PrometheusConfig) *PrometheusExporter {
	if config.Path == "" {
		config.Path = "/metrics"
	}
	return &PrometheusExporter{
		config:     config,
		registry:   registry,
		collectors: make(map[string]CustomCollector),
	}
}

// RegisterCollector adds a named custom collector, replacing any collector
// with the same name.
func (pe *PrometheusExporter) RegisterCollector(name string, c CustomCollector) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.collectors[name] = c
}

// Handler returns an http.Handler that serves the configured path.
func (pe *PrometheusExporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(pe.config.Path, pe.handleMetrics)
	return mux
}

func (pe *PrometheusExporter) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(pe.Render()))
}

// Render returns the full exposition text for one scrape.
func (pe *PrometheusExporter) Render() string {
	var b strings.Builder
	pe.writeRegistryMetrics(&b)
	if pe.config.EnableRuntime {
		pe.writeRuntimeMetrics(&b)
	}
	pe.writeCustomCollectors(&b)
	return b.String()
}

func (pe *PrometheusExporter) writeRegistryMetrics(b *strings.Builder) {
	pe.registry.Each(
		func(c *Counter) {
			name := pe.promName(c.Name())
			writeHeader(b, name, "counter", c.Name())
			fmt.Fprintf(b, "%s %d\n", name, c.Value())
		},
		func(g *Gauge) {
			name := pe.promName(g.Name())
			writeHeader(b, name, "gauge", g.Name())
			fmt.Fprintf(b, "%s %d\n", name, g.Value())
		},
		func(h *Histogram) {
			name := pe.promName(h.Name())
			s := h.Snapshot()
			writeHeader(b, name, "summary", h.Name())
			fmt.Fprintf(b, "%s_count %d\n", name, s.Count)
			fmt.Fprintf(b, "%s_sum %s\n", name, formatFloat(s.Sum))
			if s.Count > 0 {
				fmt.Fprintf(b, "%s_min %s\n", name, formatFloat(s.Min))
				fmt.Fprintf(b, "%s_max %s\n", name, formatFloat(s.Max))
			}
		},
	)
}

func (pe *PrometheusExporter) writeRuntimeMetrics(b *strings.Builder) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	name := pe.promName("go_goroutines")
	writeHeader(b, name, "gauge", "Number of active goroutines")
	fmt.Fprintf(b, "%s %d\n", name, runtime.NumGoroutine())

	name = pe.promName("go_memstats_heap_alloc_bytes")
	writeHeader(b, name, "gauge", "Bytes of allocated heap objects")
	fmt.Fprintf(b, "%s %d\n", name, m.HeapAlloc)
}

func (pe *PrometheusExporter) writeCustomCollectors(b *strings.Builder) {
	pe.mu.RLock()
	names := make([]string, 0, len(pe.collectors))
	for k := range pe.collectors {
		names = append(names, k)
	}
	sort.Strings(names)
	collectors := make([]CustomCollector, 0, len(names))
	for _, k := range names {
		collectors = append(collectors, pe.collectors[k])
	}
	pe.mu.RUnlock()

	for _, c := range collectors {
		for _, line := range c.Collect() {
			name := pe.promName(line.Name)
			if len(line.Labels) > 0 {
				fmt.Fprintf(b, "%s{%s} %s\n", name, formatLabels(line.Labels), formatFloat(line.Value))
			} else {
				fmt.Fprintf(b, "%s %s\n", name, formatFloat(line.Value))
			}
		}
	}
}

// promName converts a dot-separated metric name to Prometheus format:
// dots and dashes become underscores, and the namespace prefix is prepended.
func (pe *PrometheusExporter) promName(name string) string {
	sanitized := strings.NewReplacer(".", "_", "-", "_").Replace(name)
	if pe.config.Namespace != "" {
		return pe.config.Namespace + "_" + sanitized
	}
	return sanitized
}

// formatLabels renders labels as key="value" pairs in key order.
func formatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return strings.Join(parts, ",")
}

// formatFloat formats a float64 for Prometheus output, handling special values.
func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case math.IsNaN(v):
		return "NaN"
	}
	return fmt.Sprintf("%g", v)
}

func writeHeader(b *strings.Builder, name, metricType, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, metricType)
}
