package skadnetwork

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/openaem/internal/analytics"
	"github.com/patrickwarner/openaem/internal/codec"
	"github.com/patrickwarner/openaem/internal/db"
	"github.com/patrickwarner/openaem/internal/graph"
	"github.com/patrickwarner/openaem/internal/observability"
)

const configJSON = `{"data":[{
  "timer_buckets": 1,
  "timer_interval": 1000,
  "cutoff_time": 2,
  "default_currency": "usd",
  "conversion_value_rules": [
    {"conversion_value": 2, "events": [{"event_name": "fb_test"}]},
    {"conversion_value": 5, "events": [{"event_name": "fb_mobile_purchase", "values": [{"currency": "USD", "amount": 100}]}]},
    {"conversion_value": 8, "events": [{"event_name": "fb_mobile_purchase", "values": [{"currency": "USD", "amount": 300}]}]}
  ],
  "coarse_cv_configs": [
    {"coarse_cv_value": "low", "events": [{"event_name": "fb_test"}]},
    {"coarse_cv_value": "high", "events": [{"event_name": "fb_mobile_purchase", "values": [{"currency": "USD", "amount": 300}]}]}
  ]
}]}`

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func decodeJSON(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func configResponder(t *testing.T) graph.Responder {
	return func(map[string]any) (map[string]any, error) {
		return decodeJSON(t, configJSON), nil
	}
}

type fixture struct {
	reporter *Reporter
	store    *db.MemoryStore
	graph    *graph.MockRequester
	updater  *MockUpdater
	auditor  *analytics.MockAuditor
	metrics  *observability.MockMetricsRegistry
}

func newFixture(t *testing.T, store *db.MemoryStore, now time.Time) *fixture {
	t.Helper()
	if store == nil {
		store = db.NewMemoryStore()
	}
	f := &fixture{
		store:   store,
		graph:   graph.NewMockRequester(),
		updater: &MockUpdater{},
		auditor: analytics.NewMockAuditor(),
		metrics: observability.NewMockMetricsRegistry(),
	}
	f.graph.On(configEndpoint, configResponder(t))
	f.reporter = New(Options{AppID: "app", Now: func() time.Time { return now }}, Deps{
		Graph:   f.graph,
		Store:   store,
		Auditor: f.auditor,
		Updater: f.updater,
		Metrics: f.metrics,
	})
	t.Cleanup(f.reporter.Close)
	return f
}

func seedState(t *testing.T, store *db.MemoryStore, st State) {
	t.Helper()
	data, err := codec.Encode(stateSchemaVersion, st)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), db.KeySKANState, data))
}

func ptr(f float64) *float64 { return &f }
