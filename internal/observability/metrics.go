package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openaem_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "openaem_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// deep links handed to the reporter, labelled by outcome
	DeeplinkCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openaem_deeplinks_total",
			Help: "Total campaign deep links processed",
		},
		[]string{"outcome"},
	)

	// app events recorded, labelled by outcome (attributed/ignored)
	EventCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openaem_events_total",
			Help: "Total app events recorded",
		},
		[]string{"outcome"},
	)

	// postback attempts labelled by outcome
	PostbackCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openaem_postbacks_total",
			Help: "Total aggregation postbacks attempted",
		},
		[]string{"outcome"},
	)

	PostbackLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "openaem_postback_duration_seconds",
			Help:    "Duration of aggregation postback requests",
			Buckets: prometheus.DefBuckets,
		},
	)

	// invocations held by the reporter
	PendingInvocations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "openaem_invocations",
			Help: "Number of attribution invocations currently tracked",
		},
	)

	// configuration fetches labelled by outcome
	ConfigLoadCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openaem_config_loads_total",
			Help: "Total conversion configuration loads",
		},
		[]string{"source", "outcome"},
	)

	// graph API calls per path template and status
	GraphRequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openaem_graph_requests_total",
			Help: "Total Graph API requests",
		},
		[]string{"path", "status"},
	)

	// rate limit hits per graph path
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openaem_ratelimit_hits_total",
			Help: "Total rate limit hits per key",
		},
		[]string{"key"},
	)

	// rate limit requests per graph path
	RateLimitRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openaem_ratelimit_requests_total",
			Help: "Total rate limit requests per key",
		},
		[]string{"key"},
	)

	// SKAdNetwork conversion value updates, fine or coarse
	SKANUpdateCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openaem_skan_updates_total",
			Help: "Total SKAdNetwork conversion value updates",
		},
		[]string{"kind"},
	)

	// number of errors persisting reporter state
	PersistErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "openaem_persist_errors_total",
			Help: "Total state persistence errors",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		DeeplinkCount,
		EventCount,
		PostbackCount,
		PostbackLatency,
		PendingInvocations,
		ConfigLoadCount,
		GraphRequestCount,
		RateLimitHits,
		RateLimitRequests,
		SKANUpdateCount,
		PersistErrors,
	)
}
