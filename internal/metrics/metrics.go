// Package metrics holds the Prometheus collectors of a client session.
//
// A nil *Metrics is valid and records nothing, so components take one
// unconditionally and tests pass nil.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sandmeta"

type Metrics struct {
	requests        *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	retries         *prometheus.CounterVec
	forwards        prometheus.Counter
	duration        *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	revocations     prometheus.Counter
	cacheHits       prometheus.Counter
	resolverRetries prometheus.Counter
	fragmentFetches prometheus.Counter
	noTrace         *prometheus.CounterVec
}

// New registers the client collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Metadata requests completed, by op and status",
		}, []string{"op", "status"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_attempts_total",
			Help:      "Sends of metadata requests to a replica, by op",
		}, []string{"op"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_retries_total",
			Help:      "Resends after a timeout or transport failure, by op",
		}, []string{"op"}),
		forwards: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_forwards_total",
			Help:      "Replies redirecting a request to another replica",
		}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of metadata requests including retries",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"op"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Metadata requests waiting for a reply",
		}),
		revocations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_revocations_total",
			Help:      "Directory content leases revoked ahead of a mutation",
		}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookup_cache_hits_total",
			Help:      "Lookups answered from trusted cached bindings",
		}),
		resolverRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "path_resolver_retries_total",
			Help:      "Path constructions restarted after a concurrent change",
		}),
		fragmentFetches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readdir_fragment_fetches_total",
			Help:      "Directory fragments fetched from a replica",
		}),
		noTrace: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_trace_replies_total",
			Help:      "Mutation replies without a trace, by fallback outcome",
		}, []string{"op", "outcome"}),
	}
}

func (m *Metrics) RecordRequest(op, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, status).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) RecordAttempt(op string, retry bool) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(op).Inc()
	if retry {
		m.retries.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) RecordForward() {
	if m == nil {
		return
	}
	m.forwards.Inc()
}

// InFlight adjusts the in-flight gauge by delta.
func (m *Metrics) InFlight(delta int) {
	if m == nil {
		return
	}
	m.inFlight.Add(float64(delta))
}

func (m *Metrics) RecordRevocations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.revocations.Add(float64(n))
}

func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) RecordResolverRetry() {
	if m == nil {
		return
	}
	m.resolverRetries.Inc()
}

func (m *Metrics) RecordFragmentFetch() {
	if m == nil {
		return
	}
	m.fragmentFetches.Inc()
}

// RecordNoTrace counts a traceless mutation reply and how its fallback ended.
func (m *Metrics) RecordNoTrace(op, outcome string) {
	if m == nil {
		return
	}
	m.noTrace.WithLabelValues(op, outcome).Inc()
}
