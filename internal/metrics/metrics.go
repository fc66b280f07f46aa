// Package metrics holds the prometheus collectors for projmem.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "projmem"

// Metrics is a private registry plus the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	cacheLookups     *prometheus.CounterVec
	diskReads        prometheus.Counter
	saves            *prometheus.CounterVec
	backupFallbacks  prometheus.Counter
	providerRequests *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	providerTokens   *prometheus.CounterVec
}

// New builds a registry with process and Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_cache_lookups_total",
			Help:      "Project record lookups by cache result.",
		}, []string{"result"}),
		diskReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_disk_reads_total",
			Help:      "Record file reads from the storage root.",
		}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_writes_total",
			Help:      "Record writes by operation and outcome.",
		}, []string{"op", "outcome"}),
		backupFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_backup_fallbacks_total",
			Help:      "Loads served from the backup file after the primary was unusable.",
		}),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Provider completion requests by provider and outcome.",
		}, []string{"provider", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Provider completion latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"provider"}),
		providerTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_tokens_total",
			Help:      "Tokens reported by providers.",
		}, []string{"provider", "kind"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cacheLookups,
		m.diskReads,
		m.saves,
		m.backupFallbacks,
		m.providerRequests,
		m.providerLatency,
		m.providerTokens,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheLookups.WithLabelValues("hit").Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheLookups.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) DiskRead() {
	if m != nil {
		m.diskReads.Inc()
	}
}

func (m *Metrics) BackupFallback() {
	if m != nil {
		m.backupFallbacks.Inc()
	}
}

// Write records a save, metadata update or delete.
func (m *Metrics) Write(op string, ok bool) {
	if m != nil {
		m.saves.WithLabelValues(op, outcome(ok)).Inc()
	}
}

// ProviderRequest records one completion call.
func (m *Metrics) ProviderRequest(provider string, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(provider, outcome(ok)).Inc()
	m.providerLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// ProviderTokens records reported token usage.
func (m *Metrics) ProviderTokens(provider string, prompt, completion int) {
	if m == nil {
		return
	}
	m.providerTokens.WithLabelValues(provider, "prompt").Add(float64(prompt))
	m.providerTokens.WithLabelValues(provider, "completion").Add(float64(completion))
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
