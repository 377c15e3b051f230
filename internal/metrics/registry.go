// Package metrics provides the per-manager Prometheus counter/gauge set the
// pool engine updates on every admission, selection, and removal, plus a
// text-exposition renderer for managers that don't run behind promhttp.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds one manager's labeled metric vectors: requests, hits,
// misses, additions, evictions, removals (all counters) and size (a gauge).
// Each manager owns its own prometheus.Registry so that multiple pool
// engines coexist in one process without colliding collector names.
type Registry struct {
	resourceType string
	managerName  string

	promReg *prometheus.Registry

	requests  prometheus.Counter
	hits      prometheus.Counter
	misses    prometheus.Counter
	additions prometheus.Counter
	evictions prometheus.Counter
	removals  prometheus.Counter
	size      prometheus.Gauge

	mu        sync.Mutex
	sizeValue float64
}

// NewRegistry builds a Registry labeled with the given resource type (the
// adapter's type tag) and manager name.
func NewRegistry(resourceType, managerName string) *Registry {
	labels := prometheus.Labels{"resource_type": resourceType, "manager": managerName}
	promReg := prometheus.NewRegistry()

	r := &Registry{
		resourceType: resourceType,
		managerName:  managerName,
		promReg:      promReg,
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "serverless_manager_pool_requests_total",
			Help:        "Total acquisition attempts.",
			ConstLabels: labels,
		}),
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "serverless_manager_pool_hits_total",
			Help:        "Acquisitions satisfied by creation or pool selection.",
			ConstLabels: labels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "serverless_manager_pool_misses_total",
			Help:        "Acquisitions that found no usable resource.",
			ConstLabels: labels,
		}),
		additions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "serverless_manager_pool_additions_total",
			Help:        "Resources admitted to the pool.",
			ConstLabels: labels,
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "serverless_manager_pool_evictions_total",
			Help:        "Resources removed by the idle-eviction timer.",
			ConstLabels: labels,
		}),
		removals: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "serverless_manager_pool_removals_total",
			Help:        "Resources removed from the pool for any reason.",
			ConstLabels: labels,
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "serverless_manager_pool_size",
			Help:        "Current pool size.",
			ConstLabels: labels,
		}),
	}

	promReg.MustRegister(r.requests, r.hits, r.misses, r.additions, r.evictions, r.removals, r.size)
	return r
}

// Registerer exposes the underlying prometheus.Registry so a caller can
// merge it into an http.Handler (e.g. promhttp.HandlerFor) alongside other
// managers' registries.
func (r *Registry) Registerer() *prometheus.Registry { return r.promReg }

func (r *Registry) IncRequests() { r.requests.Inc() }
func (r *Registry) IncHits()     { r.hits.Inc() }
func (r *Registry) IncMisses()   { r.misses.Inc() }
func (r *Registry) IncAdditions() {
	r.additions.Inc()
}
func (r *Registry) IncEvictions() { r.evictions.Inc() }
func (r *Registry) IncRemovals()  { r.removals.Inc() }

func (r *Registry) SetSize(n int) {
	r.mu.Lock()
	r.sizeValue = float64(n)
	r.mu.Unlock()
	r.size.Set(float64(n))
}

// Text renders the manager's current counter/gauge values in the line-based
// exposition format: a HELP and TYPE comment per metric, then the labeled
// sample line.
func (r *Registry) Text() string {
	mfs, err := r.promReg.Gather()
	if err != nil {
		return ""
	}
	sort.Slice(mfs, func(i, j int) bool { return mfs[i].GetName() < mfs[j].GetName() })

	var b strings.Builder
	for _, mf := range mfs {
		fmt.Fprintf(&b, "# HELP %s %s\n", mf.GetName(), mf.GetHelp())
		fmt.Fprintf(&b, "# TYPE %s %s\n", mf.GetName(), strings.ToLower(mf.GetType().String()))
		for _, m := range mf.GetMetric() {
			var v float64
			switch {
			case m.Counter != nil:
				v = m.Counter.GetValue()
			case m.Gauge != nil:
				v = m.Gauge.GetValue()
			}
			fmt.Fprintf(&b, "%s{resource_type=%q,manager=%q} %v\n", mf.GetName(), r.resourceType, r.managerName, v)
		}
	}
	return b.String()
}
