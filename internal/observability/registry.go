package observability

import "time"

// MetricsRegistry provides an interface for recording application metrics.
// Components receive it by injection instead of touching the Prometheus
// collectors directly.
type MetricsRegistry interface {
	// HTTP Request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Attribution metrics
	IncrementDeeplinks(outcome string)
	IncrementEvents(outcome string)
	SetInvocations(n int)

	// Postback metrics
	IncrementPostbacks(outcome string)
	RecordPostbackLatency(duration time.Duration)

	// Configuration metrics
	IncrementConfigLoads(source, outcome string)

	// Graph API metrics
	IncrementGraphRequests(path, status string)

	// Rate limiting metrics
	IncrementRateLimitRequests(key string)
	IncrementRateLimitHits(key string)

	// SKAdNetwork metrics
	IncrementSKANUpdates(kind string)

	// Persistence metrics
	IncrementPersistErrors()
}

// PrometheusRegistry implements MetricsRegistry using the global Prometheus metrics
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a new PrometheusRegistry
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementDeeplinks(outcome string) {
	DeeplinkCount.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRegistry) IncrementEvents(outcome string) {
	EventCount.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRegistry) SetInvocations(n int) {
	PendingInvocations.Set(float64(n))
}

func (r *PrometheusRegistry) IncrementPostbacks(outcome string) {
	PostbackCount.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRegistry) RecordPostbackLatency(duration time.Duration) {
	PostbackLatency.Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementConfigLoads(source, outcome string) {
	ConfigLoadCount.WithLabelValues(source, outcome).Inc()
}

func (r *PrometheusRegistry) IncrementGraphRequests(path, status string) {
	GraphRequestCount.WithLabelValues(path, status).Inc()
}

func (r *PrometheusRegistry) IncrementRateLimitRequests(key string) {
	RateLimitRequests.WithLabelValues(key).Inc()
}

func (r *PrometheusRegistry) IncrementRateLimitHits(key string) {
	RateLimitHits.WithLabelValues(key).Inc()
}

func (r *PrometheusRegistry) IncrementSKANUpdates(kind string) {
	SKANUpdateCount.WithLabelValues(kind).Inc()
}

func (r *PrometheusRegistry) IncrementPersistErrors() {
	PersistErrors.Inc()
}

// NoOpRegistry implements MetricsRegistry with no-op methods
type NoOpRegistry struct{}

// NewNoOpRegistry creates a new NoOpRegistry
func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (r *NoOpRegistry) IncrementDeeplinks(outcome string)                                     {}
func (r *NoOpRegistry) IncrementEvents(outcome string)                                        {}
func (r *NoOpRegistry) SetInvocations(n int)                                                  {}
func (r *NoOpRegistry) IncrementPostbacks(outcome string)                                     {}
func (r *NoOpRegistry) RecordPostbackLatency(duration time.Duration)                          {}
func (r *NoOpRegistry) IncrementConfigLoads(source, outcome string)                           {}
func (r *NoOpRegistry) IncrementGraphRequests(path, status string)                            {}
func (r *NoOpRegistry) IncrementRateLimitRequests(key string)                                 {}
func (r *NoOpRegistry) IncrementRateLimitHits(key string)                                     {}
func (r *NoOpRegistry) IncrementSKANUpdates(kind string)                                      {}
func (r *NoOpRegistry) IncrementPersistErrors()                                               {}
