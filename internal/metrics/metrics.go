// Package metrics exposes the Prometheus counters/gauges SPEC_FULL.md §10
// names for nfosync's domain stack: sidecars applied, cache size, retry
// queue depth, and server call outcomes. Grounded in the pack's direct
// prometheus.NewCounterVec style (no custom wrapper) rather than a bespoke
// metrics abstraction.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric nfosync records. The zero value is not
// usable; construct with New.
type Registry struct {
	SidecarsApplied *prometheus.CounterVec
	CacheSize       prometheus.Gauge
	RetryQueueDepth prometheus.Gauge
	ServerCalls     *prometheus.CounterVec
	RepairSweeps    prometheus.Counter
}

// New builds a Registry and registers every metric against reg.
func New(reg *prometheus.Registry) *Registry {
	m := &Registry{
		SidecarsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nfosync_sidecars_applied_total",
			Help: "Sidecar apply outcomes by action (applied, skipped, deferred, failed, noop).",
		}, []string{"action"}),
		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nfosync_cache_entries",
			Help: "Number of entries currently held in the path cache.",
		}),
		RetryQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nfosync_retry_queue_depth",
			Help: "Number of paths currently pending in the watch-mode retry queue.",
		}),
		ServerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nfosync_server_calls_total",
			Help: "Media server API calls by outcome (ok, client_error, transport_error).",
		}, []string{"outcome"}),
		RepairSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nfosync_repair_sweeps_total",
			Help: "Completed cache repair sweeps.",
		}),
	}
	reg.MustRegister(m.SidecarsApplied, m.CacheSize, m.RetryQueueDepth, m.ServerCalls, m.RepairSweeps)
	return m
}

// Handler builds an HTTP handler serving reg's metrics through
// promhttp.HandlerFor rather than a hand-rolled exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
