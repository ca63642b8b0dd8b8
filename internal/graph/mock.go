package graph

import (
	"context"
	"sync"
)

// Call records a request seen by MockRequester.
type Call struct {
	Method string
	Path   string
	Params map[string]any
}

// Responder produces the result for a mocked endpoint.
type Responder func(params map[string]any) (map[string]any, error)

// MockRequester answers requests from per-endpoint responders and records
// every call. Endpoints without a responder return an empty result.
type MockRequester struct {
	mu         sync.Mutex
	responders map[string]Responder
	calls      []Call
}

// NewMockRequester returns a MockRequester with no responders.
func NewMockRequester() *MockRequester {
	return &MockRequester{responders: make(map[string]Responder)}
}

// On registers r for requests whose Endpoint is endpoint.
func (m *MockRequester) On(endpoint string, r Responder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responders[endpoint] = r
}

// Calls returns the calls made to endpoint, or all calls for "".
func (m *MockRequester) Calls(endpoint string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		if endpoint == "" || Endpoint(c.Path) == endpoint {
			out = append(out, c)
		}
	}
	return out
}

func (m *MockRequester) Get(ctx context.Context, p string, params map[string]any) (map[string]any, error) {
	return m.handle("GET", p, params)
}

func (m *MockRequester) Post(ctx context.Context, p string, params map[string]any) (map[string]any, error) {
	return m.handle("POST", p, params)
}

func (m *MockRequester) handle(method, p string, params map[string]any) (map[string]any, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: method, Path: p, Params: params})
	r := m.responders[Endpoint(p)]
	m.mu.Unlock()
	if r == nil {
		return map[string]any{}, nil
	}
	return r(params)
}
