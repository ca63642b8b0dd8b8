package reporter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/openaem/internal/aem"
	"github.com/patrickwarner/openaem/internal/analytics"
	"github.com/patrickwarner/openaem/internal/codec"
	"github.com/patrickwarner/openaem/internal/db"
	"github.com/patrickwarner/openaem/internal/graph"
	"github.com/patrickwarner/openaem/internal/observability"
)

const (
	purchase   = "Purchase"
	testDelay  = 30
	testToken  = "test_token_1234"
	testConfig = "acs_config_1"
)

var (
	testStart  = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	testSecret = base64.RawURLEncoding.EncodeToString([]byte("aem shared secret"))
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// defaultConfig is a one day DEFAULT configuration where Purchase gives
// conversion value 5 at priority 2.
func defaultConfig(validFrom time.Time) string {
	return fmt.Sprintf(`{
		"default_currency": "USD",
		"cutoff_time": 1,
		"valid_from": %d,
		"config_mode": "DEFAULT",
		"conversion_value_rules": [
			{"conversion_value": 5, "priority": 2, "events": [{"event_name": "Purchase"}]}
		]
	}`, validFrom.Unix())
}

// brandConfig is a BRAND configuration for businessID where a Purchase of at
// least 20 USD gives conversion value 3.
func brandConfig(validFrom time.Time, businessID string) string {
	return fmt.Sprintf(`{
		"default_currency": "USD",
		"cutoff_time": 1,
		"valid_from": %d,
		"config_mode": "BRAND",
		"advertiser_id": %q,
		"param_rule": "{\"value\":{\"gt\":10}}",
		"conversion_value_rules": [
			{"conversion_value": 3, "priority": 1, "events": [
				{"event_name": "Purchase", "values": [{"currency": "USD", "amount": 20}]}]}
		]
	}`, validFrom.Unix(), businessID)
}

func configsResponse(t *testing.T, configs ...string) graph.Responder {
	return func(map[string]any) (map[string]any, error) {
		var data []any
		for _, c := range configs {
			data = append(data, decodeJSON(t, c))
		}
		return map[string]any{"data": data}, nil
	}
}

func decodeJSON(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

// deeplink builds an app link URL carrying data as al_applink_data.
func deeplink(t *testing.T, data map[string]any) string {
	t.Helper()
	b, err := json.Marshal(data)
	require.NoError(t, err)
	return "fb123://open?" + url.Values{appLinkDataKey: {string(b)}}.Encode()
}

func campaignLink(t *testing.T, campaignID string, extra map[string]any) string {
	data := map[string]any{
		"campaign_ids":  campaignID,
		"acs_token":     testToken,
		"acs_config_id": testConfig,
		"shared_secret": testSecret,
	}
	for k, v := range extra {
		data[k] = v
	}
	return deeplink(t, data)
}

type fakeSKAN struct {
	cutoff bool
	events map[string]bool
}

func (f *fakeSKAN) ShouldCutoff() bool                 { return f.cutoff }
func (f *fakeSKAN) IsReportingEvent(event string) bool { return f.events[event] }

type fixture struct {
	reporter *Reporter
	clock    *testClock
	store    *db.MemoryStore
	graph    *graph.MockRequester
	auditor  *analytics.MockAuditor
	metrics  *observability.MockMetricsRegistry
}

type fixtureOption func(*Options, *Deps)

func newFixture(t *testing.T, store *db.MemoryStore, configs []string, opts ...fixtureOption) *fixture {
	t.Helper()
	if store == nil {
		store = db.NewMemoryStore()
	}
	f := &fixture{
		clock:   &testClock{t: testStart},
		store:   store,
		graph:   graph.NewMockRequester(),
		auditor: analytics.NewMockAuditor(),
		metrics: observability.NewMockMetricsRegistry(),
	}
	f.graph.On(configsPath, configsResponse(t, configs...))
	o := Options{
		AppID: "123",
		Now:   f.clock.now,
		Delay: func() int { return testDelay },
	}
	d := Deps{
		Graph:   f.graph,
		Store:   store,
		Auditor: f.auditor,
		Metrics: f.metrics,
	}
	for _, opt := range opts {
		opt(&o, &d)
	}
	f.reporter = New(o, d)
	t.Cleanup(f.reporter.Close)
	return f
}

// enable enables the reporter and waits for the initial configuration load.
func (f *fixture) enable() {
	f.reporter.Enable(context.Background())
	f.reporter.Drain()
}

func (f *fixture) only(t *testing.T) *aem.Invocation {
	t.Helper()
	snap := f.reporter.Snapshot()
	require.Len(t, snap, 1)
	return snap[0]
}

// postbacks decodes the reports of every aem_conversions POST.
func (f *fixture) postbacks(t *testing.T) [][]map[string]any {
	t.Helper()
	var out [][]map[string]any
	for _, call := range f.graph.Calls(conversionsPath) {
		raw, ok := call.Params[conversionsParam].(string)
		require.True(t, ok)
		var reports []map[string]any
		require.NoError(t, json.Unmarshal([]byte(raw), &reports))
		out = append(out, reports)
	}
	return out
}

func storedInvocations(t *testing.T, store *db.MemoryStore) []*aem.Invocation {
	t.Helper()
	data, err := store.Load(context.Background(), db.KeyInvocations)
	require.NoError(t, err)
	var out []*aem.Invocation
	_, err = codec.Decode(data, &out)
	require.NoError(t, err)
	return out
}

func ptr(v float64) *float64 { return &v }
