package reporter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/openaem/internal/aem"
	"github.com/patrickwarner/openaem/internal/db"
	"github.com/patrickwarner/openaem/internal/graph"
)

func TestReporter_EndToEndPostback(t *testing.T) {
	f := newFixture(t, nil, []string{defaultConfig(testStart.Add(-time.Hour))})
	f.enable()
	r := f.reporter

	r.HandleURL(campaignLink(t, "abc123", nil))
	r.RecordAndUpdateEvent(purchase, "USD", ptr(9.99), nil)
	r.Drain()

	inv := f.only(t)
	assert.Equal(t, "abc123", inv.CampaignID)
	assert.Equal(t, testStart, inv.Timestamp)
	assert.Equal(t, 5, inv.ConversionValue)
	assert.Equal(t, []string{purchase}, inv.RecordedEvents)
	assert.Equal(t, map[string]map[string]float64{purchase: {"USD": 9.99}}, inv.RecordedValues)
	assert.Equal(t, aem.StateAccumulating, r.InvocationStates()["abc123"])

	// still inside the window: nothing is sent
	r.Flush()
	r.Drain()
	assert.Empty(t, f.graph.Calls(conversionsPath))

	f.clock.advance(24*time.Hour + time.Minute)
	expectedHMAC, err := inv.HMAC(testDelay, aem.DigestSHA256)
	require.NoError(t, err)

	r.Flush()
	r.Drain()

	batches := f.postbacks(t)
	require.Len(t, batches, 1, "exactly one postback POST")
	require.Len(t, batches[0], 1)
	report := batches[0][0]
	assert.Equal(t, "abc123", report[paramCampaignID])
	assert.EqualValues(t, 5, report[paramConversion])
	assert.EqualValues(t, testDelay, report[paramConsumption])
	assert.Equal(t, testToken, report[paramToken])
	assert.Equal(t, testConfig, report[paramConfigID])
	assert.Equal(t, delayFlowServer, report[paramDelayFlow])
	assert.Equal(t, expectedHMAC, report[paramHMAC])
	assert.Equal(t, false, report[paramFiltering])

	assert.Empty(t, r.Snapshot(), "a sent invocation leaves active storage")
	assert.Empty(t, storedInvocations(t, f.store))

	rows := f.auditor.PostbackRows()
	require.Len(t, rows, 1)
	assert.Equal(t, "sent", rows[0].Outcome)
	assert.Equal(t, 5, rows[0].ConversionValue)
	assert.Equal(t, 1, rows[0].Attempts)
	assert.NotEmpty(t, rows[0].BatchID)
	assert.Equal(t, 1, f.metrics.Count("postbacks:sent"))
}

func TestReporter_HandleURL(t *testing.T) {
	t.Run("tracks a new campaign and persists it", func(t *testing.T) {
		f := newFixture(t, nil, []string{defaultConfig(testStart.Add(-time.Hour))})
		f.enable()
		f.reporter.HandleURL(campaignLink(t, "c1", map[string]any{"advertiser_id": "B1"}))
		f.reporter.Drain()

		stored := storedInvocations(t, f.store)
		require.Len(t, stored, 1)
		assert.Equal(t, "c1", stored[0].CampaignID)
		assert.Equal(t, "B1", stored[0].BusinessID)
		assert.Equal(t, 1, f.metrics.Count("deeplinks:tracked"))

		calls := f.graph.Calls(configsPath)
		require.Len(t, calls, 2, "a new deeplink forces a config refresh")
		assert.Equal(t, `["B1"]`, calls[1].Params[paramBusinessIDs])
	})

	t.Run("ignores a campaign already tracked", func(t *testing.T) {
		f := newFixture(t, nil, []string{defaultConfig(testStart.Add(-time.Hour))})
		f.enable()
		f.reporter.HandleURL(campaignLink(t, "c1", nil))
		f.clock.advance(time.Hour)
		f.reporter.HandleURL(campaignLink(t, "c1", nil))
		f.reporter.Drain()

		assert.Equal(t, testStart, f.only(t).Timestamp)
		assert.Equal(t, 1, f.metrics.Count("deeplinks:duplicate"))
	})

	t.Run("sends a debug postback for a test deeplink", func(t *testing.T) {
		f := newFixture(t, nil, []string{defaultConfig(testStart.Add(-time.Hour))})
		f.enable()
		f.reporter.HandleURL(campaignLink(t, "c1", map[string]any{"test_deeplink": true}))
		f.reporter.Drain()

		assert.Empty(t, f.reporter.Snapshot())
		batches := f.postbacks(t)
		require.Len(t, batches, 1)
		assert.EqualValues(t, 0, batches[0][0][paramConversion])
		assert.Equal(t, testToken, batches[0][0][paramToken])
		assert.Equal(t, 1, f.metrics.Count("postbacks:debug"))
	})

	t.Run("rejects links without app link data", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		f.enable()
		for _, link := range []string{
			"fb123://open",
			"fb123://open?al_applink_data=not-json",
			deeplink(t, map[string]any{"campaign_ids": "c1"}),
		} {
			_, err := f.reporter.ParseURL(link)
			assert.ErrorIs(t, err, ErrInvalidAppLink, link)
			f.reporter.HandleURL(link)
		}
		f.reporter.Drain()
		assert.Empty(t, f.reporter.Snapshot())
		assert.Equal(t, 3, f.metrics.Count("deeplinks:invalid"))
	})

	t.Run("is ignored while disabled", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		f.reporter.HandleURL(campaignLink(t, "c1", nil))
		f.reporter.Drain()
		assert.Empty(t, f.reporter.Snapshot())
		assert.Empty(t, f.graph.Calls(""))
	})
}

func TestReporter_BroadcastsToActiveInvocations(t *testing.T) {
	f := newFixture(t, nil, []string{defaultConfig(testStart.Add(-time.Hour))})
	f.enable()
	f.reporter.HandleURL(campaignLink(t, "expired", nil))
	f.reporter.Drain()
	f.clock.advance(25 * time.Hour)
	f.reporter.HandleURL(campaignLink(t, "older", nil))
	f.clock.advance(time.Minute)
	f.reporter.HandleURL(campaignLink(t, "newer", nil))
	f.reporter.RecordAndUpdateEvent(purchase, "USD", ptr(4), nil)
	f.reporter.Drain()

	byCampaign := map[string]*aem.Invocation{}
	for _, inv := range f.reporter.Snapshot() {
		byCampaign[inv.CampaignID] = inv
	}
	require.Len(t, byCampaign, 3)

	for _, id := range []string{"older", "newer"} {
		inv := byCampaign[id]
		assert.Equal(t, 5, inv.ConversionValue, id)
		assert.Equal(t, []string{purchase}, inv.RecordedEvents, id)
		assert.Equal(t, map[string]map[string]float64{purchase: {"USD": 4}}, inv.RecordedValues, id)
	}
	assert.Equal(t, -1, byCampaign["expired"].ConversionValue)
	assert.Empty(t, byCampaign["expired"].RecordedEvents)

	assert.Equal(t, 2, f.metrics.Count("events:converted"))
	assert.Equal(t, 1, f.metrics.Count("events:attributed"))

	stored := storedInvocations(t, f.store)
	require.Len(t, stored, 3)
	for _, inv := range stored {
		if inv.CampaignID != "expired" {
			assert.Equal(t, 5, inv.ConversionValue, inv.CampaignID)
		}
	}
}

func TestReporter_DoubleCountingSkipsOnlySKANInvocations(t *testing.T) {
	skan := &fakeSKAN{events: map[string]bool{purchase: true}}
	f := newFixture(t, nil, []string{defaultConfig(testStart.Add(-time.Hour))},
		func(_ *Options, d *Deps) { d.SKAN = skan })
	f.enable()
	f.reporter.HandleURL(campaignLink(t, "skan", map[string]any{"has_skan": true}))
	f.reporter.HandleURL(campaignLink(t, "plain", nil))
	f.reporter.RecordAndUpdateEvent(purchase, "", nil, nil)
	f.reporter.Drain()

	for _, inv := range f.reporter.Snapshot() {
		if inv.CampaignID == "skan" {
			assert.Equal(t, -1, inv.ConversionValue)
		} else {
			assert.Equal(t, 5, inv.ConversionValue)
		}
	}
	assert.Equal(t, 1, f.metrics.Count("events:double_counted"))
}

func TestReporter_IgnoresUnknownEvents(t *testing.T) {
	f := newFixture(t, nil, []string{defaultConfig(testStart.Add(-time.Hour))})
	f.enable()
	f.reporter.HandleURL(campaignLink(t, "c1", nil))
	f.reporter.RecordAndUpdateEvent("fb_mobile_search", "", nil, nil)
	f.reporter.RecordAndUpdateEvent("", "", nil, nil)
	f.reporter.Drain()

	inv := f.only(t)
	assert.Empty(t, inv.RecordedEvents)
	assert.Equal(t, -1, inv.ConversionValue)
	assert.Equal(t, 1, f.metrics.Count("events:unattributed"))
}

func TestReporter_SKANDoubleCounting(t *testing.T) {
	tests := []struct {
		name       string
		skan       *fakeSKAN
		attributed bool
	}{
		{"reported by skadnetwork", &fakeSKAN{events: map[string]bool{purchase: true}}, false},
		{"skadnetwork cut off", &fakeSKAN{cutoff: true, events: map[string]bool{purchase: true}}, true},
		{"event not in skadnetwork config", &fakeSKAN{events: map[string]bool{}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, []string{defaultConfig(testStart.Add(-time.Hour))},
				func(_ *Options, d *Deps) { d.SKAN = tt.skan })
			f.enable()
			f.reporter.HandleURL(campaignLink(t, "c1", map[string]any{"has_skan": true}))
			f.reporter.RecordAndUpdateEvent(purchase, "", nil, nil)
			f.reporter.Drain()

			inv := f.only(t)
			if tt.attributed {
				assert.Equal(t, 5, inv.ConversionValue)
			} else {
				assert.Equal(t, -1, inv.ConversionValue)
				assert.Equal(t, 1, f.metrics.Count("events:double_counted"))
			}
		})
	}
}

func TestReporter_PersistsAcrossRestart(t *testing.T) {
	store := db.NewMemoryStore()
	first := newFixture(t, store, []string{defaultConfig(testStart.Add(-time.Hour))})
	first.enable()
	first.reporter.HandleURL(campaignLink(t, "c1", nil))
	first.reporter.RecordAndUpdateEvent(purchase, "USD", ptr(12.5), nil)
	first.reporter.Drain()
	first.reporter.Close()

	second := newFixture(t, store, nil)
	second.enable()

	inv := second.only(t)
	assert.Equal(t, "c1", inv.CampaignID)
	assert.Equal(t, 5, inv.ConversionValue)
	assert.Equal(t, 2, inv.Priority)
	assert.Equal(t, map[string]map[string]float64{purchase: {"USD": 12.5}}, inv.RecordedValues)
	assert.Equal(t, testStart, inv.Timestamp)

	require.Len(t, second.reporter.Configurations(), 1)
	assert.Empty(t, second.graph.Calls(configsPath), "cached configurations are still fresh")
}

func TestReporter_CorruptBlobStartsEmpty(t *testing.T) {
	store := db.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), db.KeyInvocations, []byte("not cbor")))
	f := newFixture(t, store, []string{defaultConfig(testStart.Add(-time.Hour))})
	f.enable()

	assert.Empty(t, f.reporter.Snapshot())
	assert.Equal(t, 1, f.metrics.Count("persist_errors"))

	f.reporter.HandleURL(campaignLink(t, "c1", nil))
	f.reporter.Drain()
	assert.Len(t, storedInvocations(t, store), 1)
}

func TestReporter_PostbackRetries(t *testing.T) {
	f := newFixture(t, nil, []string{defaultConfig(testStart.Add(-time.Hour))},
		func(o *Options, _ *Deps) {
			o.MaxRetries = 2
			o.RetryBackoff = time.Minute
		})
	f.graph.On(conversionsPath, func(map[string]any) (map[string]any, error) {
		return nil, graph.ErrNetwork
	})
	f.enable()
	r := f.reporter
	r.HandleURL(campaignLink(t, "c1", nil))
	r.RecordAndUpdateEvent(purchase, "", nil, nil)
	r.Drain()

	f.clock.advance(25 * time.Hour)
	r.Flush()
	r.Drain()

	inv := f.only(t)
	assert.Equal(t, 1, inv.PostbackAttempts)
	assert.Equal(t, f.clock.now().Add(time.Minute), inv.NextPostbackAt)
	assert.Equal(t, aem.StatePostbackPending, r.InvocationStates()["c1"])
	assert.Equal(t, 1, f.metrics.Count("postbacks:failed"))

	// past the aggregation delay but inside the backoff
	f.clock.advance(5 * time.Second)
	r.Flush()
	r.Drain()
	assert.Len(t, f.graph.Calls(conversionsPath), 1)

	f.clock.advance(time.Minute)
	r.Flush()
	r.Drain()
	assert.Len(t, f.graph.Calls(conversionsPath), 2)
	assert.Empty(t, r.Snapshot(), "dropped after MaxRetries failures")
	assert.Equal(t, 1, f.metrics.Count("postbacks:dropped"))

	rows := f.auditor.PostbackRows()
	require.Len(t, rows, 2)
	assert.Equal(t, "failed", rows[0].Outcome)
	assert.Equal(t, "dropped", rows[1].Outcome)
}

func TestReporter_RetriesForeverWithoutLimit(t *testing.T) {
	f := newFixture(t, nil, []string{defaultConfig(testStart.Add(-time.Hour))})
	failing := true
	f.graph.On(conversionsPath, func(map[string]any) (map[string]any, error) {
		if failing {
			return nil, errors.New("offline")
		}
		return map[string]any{"success": true}, nil
	})
	f.enable()
	r := f.reporter
	r.HandleURL(campaignLink(t, "c1", nil))
	r.RecordAndUpdateEvent(purchase, "", nil, nil)
	r.Drain()
	f.clock.advance(25 * time.Hour)

	for i := 0; i < 5; i++ {
		r.Flush()
		r.Drain()
		f.clock.advance(10 * time.Second)
	}
	assert.Equal(t, 5, f.only(t).PostbackAttempts)

	failing = false
	r.Flush()
	r.Drain()
	assert.Empty(t, r.Snapshot())
	assert.Len(t, f.graph.Calls(conversionsPath), 6)
}

func TestReporter_SignatureFailureSkipsCycle(t *testing.T) {
	f := newFixture(t, nil, []string{defaultConfig(testStart.Add(-time.Hour))})
	f.enable()
	r := f.reporter
	r.HandleURL(deeplink(t, map[string]any{"campaign_ids": "c1", "acs_token": testToken}))
	r.RecordAndUpdateEvent(purchase, "", nil, nil)
	r.Drain()
	f.clock.advance(25 * time.Hour)

	r.Flush()
	r.Drain()

	assert.Empty(t, f.graph.Calls(conversionsPath))
	inv := f.only(t)
	assert.False(t, inv.IsAggregated)
	assert.Zero(t, inv.PostbackAttempts)
	assert.Equal(t, 1, f.metrics.Count("postbacks:signature_error"))
}

func TestReporter_ClearCacheKeepsLatestDefaultConfig(t *testing.T) {
	f := newFixture(t, nil, []string{
		defaultConfig(testStart.Add(-2 * time.Hour)),
		defaultConfig(testStart.Add(-time.Hour)),
	})
	f.enable()

	configs := f.reporter.Configurations()
	require.Len(t, configs, 1)
	assert.Equal(t, testStart.Add(-time.Hour).Unix(), configs[0].ValidFrom)
}

func TestReporter_ClearCacheKeepsConfigInUse(t *testing.T) {
	older := defaultConfig(testStart.Add(-2 * time.Hour))
	f := newFixture(t, nil, []string{older})
	f.enable()
	f.reporter.HandleURL(campaignLink(t, "c1", nil))
	f.reporter.RecordAndUpdateEvent(purchase, "", nil, nil)
	f.reporter.Drain()

	f.graph.On(configsPath, configsResponse(t, older, defaultConfig(testStart.Add(-time.Hour))))
	f.reporter.LoadConfiguration(true, nil)
	f.reporter.ClearCache()
	f.reporter.Drain()
	f.reporter.ClearCache()
	f.reporter.Drain()

	assert.Len(t, f.reporter.Configurations(), 2)
	assert.Equal(t, testStart.Add(-2*time.Hour).Unix(), f.only(t).ConfigID)
}

func TestReporter_RuleMatchInServer(t *testing.T) {
	ruleMatch := func(o *Options, _ *Deps) { o.RuleMatchInServer = true }
	configs := []string{brandConfig(testStart.Add(-time.Hour), "B1")}

	t.Run("uses the in-segment value of a valid match", func(t *testing.T) {
		f := newFixture(t, nil, configs, ruleMatch)
		f.graph.On(attributionPath, func(map[string]any) (map[string]any, error) {
			return map[string]any{"data": []any{map[string]any{
				"success":               true,
				"is_valid_match":        true,
				"matched_advertiser_id": "B1",
				"in_segment_value":      25.0,
			}}}, nil
		})
		f.enable()
		f.reporter.HandleURL(campaignLink(t, "c1", map[string]any{"advertiser_id": "B1"}))
		f.reporter.RecordAndUpdateEvent(purchase, "EUR", ptr(1), map[string]any{
			"fb_content": `[{"id":"sku","item_price":25}]`,
		})
		f.reporter.Drain()

		inv := f.only(t)
		assert.Equal(t, 3, inv.ConversionValue)
		assert.Equal(t, map[string]map[string]float64{purchase: {"USD": 25}}, inv.RecordedValues)

		calls := f.graph.Calls(attributionPath)
		require.Len(t, calls, 1)
		assert.Equal(t, `["B1"]`, calls[0].Params[paramBusinessIDs])
		assert.Equal(t, `[{"id":"sku","item_price":25}]`, calls[0].Params[paramContentData])
	})

	t.Run("drops the event on an invalid match", func(t *testing.T) {
		f := newFixture(t, nil, configs, ruleMatch)
		f.graph.On(attributionPath, func(map[string]any) (map[string]any, error) {
			return map[string]any{"data": []any{map[string]any{
				"success":        true,
				"is_valid_match": false,
			}}}, nil
		})
		f.enable()
		f.reporter.HandleURL(campaignLink(t, "c1", map[string]any{"advertiser_id": "B1"}))
		f.reporter.RecordAndUpdateEvent(purchase, "USD", ptr(50), map[string]any{"value": 50})
		f.reporter.Drain()

		assert.Empty(t, f.only(t).RecordedEvents)
		assert.Equal(t, 1, f.metrics.Count("events:unmatched"))
	})

	t.Run("falls back to local matching when the server declines", func(t *testing.T) {
		f := newFixture(t, nil, configs, ruleMatch)
		f.graph.On(attributionPath, func(map[string]any) (map[string]any, error) {
			return map[string]any{"data": []any{map[string]any{"success": false}}}, nil
		})
		f.enable()
		f.reporter.HandleURL(campaignLink(t, "c1", map[string]any{"advertiser_id": "B1"}))
		f.reporter.RecordAndUpdateEvent(purchase, "USD", ptr(50), map[string]any{"value": 50})
		f.reporter.Drain()

		inv := f.only(t)
		assert.Equal(t, 3, inv.ConversionValue)
		assert.Equal(t, map[string]map[string]float64{purchase: {"USD": 50}}, inv.RecordedValues)
	})
}

func TestReporter_CatalogFiltering(t *testing.T) {
	catalog := func(o *Options, _ *Deps) {
		o.ConversionFiltering = true
		o.CatalogMatching = true
	}
	for _, belongs := range []bool{true, false} {
		f := newFixture(t, nil, []string{defaultConfig(testStart.Add(-time.Hour))}, catalog)
		f.graph.On(conversionFilterPath, func(map[string]any) (map[string]any, error) {
			return map[string]any{"data": []any{map[string]any{"content_id_belongs_to_catalog_id": belongs}}}, nil
		})
		f.enable()
		// 13 % 8 == 5 % 8, so Purchase is an optimized event for this campaign
		f.reporter.HandleURL(campaignLink(t, "13", map[string]any{"catalog_id": "cat1"}))
		f.reporter.RecordAndUpdateEvent(purchase, "", nil, map[string]any{"fb_content_id": `["sku"]`})
		f.reporter.Drain()

		calls := f.graph.Calls(conversionFilterPath)
		require.Len(t, calls, 1)
		assert.Equal(t, "cat1", calls[0].Params[paramCatalogID])
		assert.Equal(t, `["sku"]`, calls[0].Params[paramContentIDs])

		inv := f.only(t)
		if belongs {
			assert.Equal(t, 5, inv.ConversionValue)
			assert.Equal(t, 2+32, inv.Priority, "boosted priority")
		} else {
			assert.Equal(t, -1, inv.ConversionValue)
			assert.Equal(t, 1, f.metrics.Count("events:filtered"))
		}
	}
}

func TestReporter_ConfigFetchFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.graph.On(configsPath, func(map[string]any) (map[string]any, error) {
		return nil, graph.ErrNetwork
	})
	f.enable()

	var got error
	f.reporter.LoadConfiguration(false, func(err error) { got = err })
	f.reporter.Drain()
	assert.ErrorIs(t, got, graph.ErrNetwork)
	assert.Equal(t, 2, f.metrics.Count("config_loads:aem:network_error"))
}

func TestReporter_DropsInvalidConfigs(t *testing.T) {
	f := newFixture(t, nil, []string{
		`{"default_currency": "USD", "cutoff_time": 1, "config_mode": "DEFAULT"}`,
		defaultConfig(testStart.Add(-time.Hour)),
	})
	f.enable()
	assert.Len(t, f.reporter.Configurations(), 1)
	assert.Equal(t, 1, f.metrics.Count("config_loads:aem:parse_error"))
}

func TestReporter_TimerStopsOnDisable(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.enable()
	f.reporter.Start(context.Background(), 10*time.Millisecond)
	assert.True(t, f.reporter.TimerRunning())

	f.reporter.Disable()
	f.reporter.Drain()
	assert.False(t, f.reporter.TimerRunning())

	f.reporter.HandleURL(campaignLink(t, "c1", nil))
	f.reporter.Drain()
	assert.Empty(t, f.reporter.Snapshot())
}

func TestReporter_ConcurrentEventsSerialize(t *testing.T) {
	f := newFixture(t, nil, []string{defaultConfig(testStart.Add(-time.Hour))})
	f.enable()
	f.reporter.HandleURL(campaignLink(t, "c1", nil))
	f.reporter.Drain()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.reporter.RecordAndUpdateEvent(purchase, "usd", ptr(1), nil)
		}()
	}
	wg.Wait()
	f.reporter.Drain()

	inv := f.only(t)
	assert.Equal(t, []string{purchase}, inv.RecordedEvents)
	assert.Equal(t, 50.0, inv.RecordedValues[purchase]["USD"])
}
