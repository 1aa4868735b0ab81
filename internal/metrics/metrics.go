// Package metrics exposes Prometheus instrumentation for the credential flow.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FlowMetrics holds metrics for the credential derivation flow
type FlowMetrics struct {
	derivations        prometheus.Counter
	derivationFailures prometheus.Counter
	exchangeLatency    prometheus.Histogram
	exchangeFailures   prometheus.Counter
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	invalidations      prometheus.Counter
	mismatchWarnings   prometheus.Counter
}

var (
	metricsOnce   sync.Once
	globalMetrics *FlowMetrics
)

// NewFlowMetrics creates flow metrics (singleton to avoid duplicate registration)
func NewFlowMetrics() *FlowMetrics {
	metricsOnce.Do(func() {
		globalMetrics = &FlowMetrics{
			derivations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "console_access_engine_derivations_total",
				Help: "Total number of access grant derivations",
			}),
			derivationFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "console_access_engine_derivation_failures_total",
				Help: "Total number of failed access grant derivations",
			}),
			exchangeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "console_access_engine_exchange_duration_seconds",
				Help:    "Latency of gateway credential exchanges",
				Buckets: prometheus.DefBuckets,
			}),
			exchangeFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "console_access_engine_exchange_failures_total",
				Help: "Total number of failed gateway credential exchanges",
			}),
			cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "console_access_engine_session_cache_hits_total",
				Help: "Total number of session credential cache hits",
			}),
			cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "console_access_engine_session_cache_misses_total",
				Help: "Total number of session credential cache misses",
			}),
			invalidations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "console_access_engine_session_invalidations_total",
				Help: "Total number of session credential invalidations",
			}),
			mismatchWarnings: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "console_access_engine_passphrase_mismatch_warnings_total",
				Help: "Total number of passphrase mismatch warnings raised",
			}),
		}

		prometheus.MustRegister(
			globalMetrics.derivations,
			globalMetrics.derivationFailures,
			globalMetrics.exchangeLatency,
			globalMetrics.exchangeFailures,
			globalMetrics.cacheHits,
			globalMetrics.cacheMisses,
			globalMetrics.invalidations,
			globalMetrics.mismatchWarnings,
		)
	})

	return globalMetrics
}

// RecordDerivation records a completed derivation attempt.
func (m *FlowMetrics) RecordDerivation(err error) {
	m.derivations.Inc()
	if err != nil {
		m.derivationFailures.Inc()
	}
}

// RecordExchange records a gateway exchange and its duration.
func (m *FlowMetrics) RecordExchange(duration time.Duration, err error) {
	m.exchangeLatency.Observe(duration.Seconds())
	if err != nil {
		m.exchangeFailures.Inc()
	}
}

// RecordCacheHit records a session cache hit.
func (m *FlowMetrics) RecordCacheHit() {
	m.cacheHits.Inc()
}

// RecordCacheMiss records a session cache miss.
func (m *FlowMetrics) RecordCacheMiss() {
	m.cacheMisses.Inc()
}

// RecordInvalidation records a session invalidation.
func (m *FlowMetrics) RecordInvalidation() {
	m.invalidations.Inc()
}

// RecordMismatchWarning records a passphrase mismatch warning.
func (m *FlowMetrics) RecordMismatchWarning() {
	m.mismatchWarnings.Inc()
}
