package evidenceapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline outcome metrics. Registered once on the default registry; the
// HTTP surface serves them at /metrics.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "semgate_requests_total",
		Help: "Assembly requests by outcome.",
	}, []string{"outcome"})

	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "semgate_cache_lookups_total",
		Help: "Evidence cache lookups by result.",
	}, []string{"result"})

	fallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "semgate_fallback_answers_total",
		Help: "Answers produced by the deterministic fallback composer.",
	})

	withheldTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "semgate_items_excluded_total",
		Help: "Evidence items excluded from answers by reason class.",
	}, []string{"class"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "semgate_request_duration_seconds",
		Help:    "End-to-end assembly latency.",
		Buckets: prometheus.DefBuckets,
	})
)
