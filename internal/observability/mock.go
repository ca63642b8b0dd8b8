package observability

import (
	"sync"
	"time"
)

// MockMetricsRegistry counts every call so tests can assert on what a
// component reported.
type MockMetricsRegistry struct {
	mu          sync.Mutex
	counts      map[string]int
	invocations int
}

// NewMockMetricsRegistry returns an empty mock.
func NewMockMetricsRegistry() *MockMetricsRegistry {
	return &MockMetricsRegistry{counts: make(map[string]int)}
}

func (m *MockMetricsRegistry) inc(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[name]++
}

// Count returns how often the metric with the given name and label was hit,
// e.g. Count("postbacks:sent").
func (m *MockMetricsRegistry) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

// Invocations returns the last value passed to SetInvocations.
func (m *MockMetricsRegistry) Invocations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invocations
}

func (m *MockMetricsRegistry) IncrementRequests(endpoint, method, status string) {
	m.inc("requests:" + endpoint + ":" + status)
}
func (m *MockMetricsRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (m *MockMetricsRegistry) IncrementDeeplinks(outcome string)                                   { m.inc("deeplinks:" + outcome) }
func (m *MockMetricsRegistry) IncrementEvents(outcome string)                                      { m.inc("events:" + outcome) }

func (m *MockMetricsRegistry) SetInvocations(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invocations = n
}

func (m *MockMetricsRegistry) IncrementPostbacks(outcome string)            { m.inc("postbacks:" + outcome) }
func (m *MockMetricsRegistry) RecordPostbackLatency(duration time.Duration) {}
func (m *MockMetricsRegistry) IncrementConfigLoads(source, outcome string) {
	m.inc("config_loads:" + source + ":" + outcome)
}
func (m *MockMetricsRegistry) IncrementGraphRequests(path, status string) {
	m.inc("graph:" + path + ":" + status)
}
func (m *MockMetricsRegistry) IncrementRateLimitRequests(key string) { m.inc("ratelimit_requests:" + key) }
func (m *MockMetricsRegistry) IncrementRateLimitHits(key string)     { m.inc("ratelimit_hits:" + key) }
func (m *MockMetricsRegistry) IncrementSKANUpdates(kind string)      { m.inc("skan:" + kind) }
func (m *MockMetricsRegistry) IncrementPersistErrors()               { m.inc("persist_errors") }
