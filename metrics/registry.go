package metrics

import (
	"sort"
	"sync"
)

// Registry holds all registered metrics, keyed by name. Metrics are created
// on first access (get-or-create semantics) so callers never need to check
// for nil.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// DefaultRegistry is the process-wide registry used by the metrics declared
// in standard.go.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// getOrCreate implements the read-lock fast path and the double-checked
// write-lock slow path shared by all metric kinds.
func getOrCreate[M any](r *Registry, m map[string]*M, name string, create func(string) *M) *M {
	r.mu.RLock()
	v, ok := m[name]
	r.mu.RUnlock()
	if ok {
		return v
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok = m[name]; ok {
		return v
	}
	v = create(name)
	m[name] = v
	return v
}

// Counter returns the Counter registered under name, creating it if needed.
func (r *Registry) Counter(name string) *Counter {
	return getOrCreate(r, r.counters, name, NewCounter)
}

// Gauge returns the Gauge registered under name, creating it if needed.
func (r *Registry) Gauge(name string) *Gauge {
	return getOrCreate(r, r.gauges, name, NewGauge)
}

// Histogram returns the Histogram registered under name, creating it if
// needed.
func (r *Registry) Histogram(name string) *Histogram {
	return getOrCreate(r, r.histograms, name, NewHistogram)
}

// Each calls the matching callback for every metric, in name order within
// each kind. Nil callbacks skip that kind.
func (r *Registry) Each(counter func(*Counter), gauge func(*Gauge), hist func(*Histogram)) {
	r.mu.RLock()
	counters := sortedValues(r.counters)
	gauges := sortedValues(r.gauges)
	hists := sortedValues(r.histograms)
	r.mu.RUnlock()

	if counter != nil {
		for _, c := range counters {
			counter(c)
		}
	}
	if gauge != nil {
		for _, g := range gauges {
			gauge(g)
		}
	}
	if hist != nil {
		for _, h := range hists {
			hist(h)
		}
	}
}

// Snapshot returns a point-in-time copy of every metric value keyed by
// name: int64 for counters and gauges, HistogramSnapshot for histograms.
func (r *Registry) Snapshot() map[string]interface{} {
	snap := make(map[string]interface{})
	r.Each(
		func(c *Counter) { snap[c.Name()] = c.Value() },
		func(g *Gauge) { snap[g.Name()] = g.Value() },
		func(h *Histogram) { snap[h.Name()] = h.Snapshot() },
	)
	return snap
}

func sortedValues[V any](m map[string]*V) []*V {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*V, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}
