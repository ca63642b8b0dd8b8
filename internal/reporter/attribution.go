package reporter

import (
	"encoding/json"
	"strconv"

	"go.uber.org/zap"

	"github.com/patrickwarner/openaem/internal/aem"
)

const inSegmentCurrency = "USD"

// RecordAndUpdateEvent offers an app event to every invocation still inside
// its window and updates their conversion values. It never blocks on the
// network and reports nothing back to the caller.
func (r *Reporter) RecordAndUpdateEvent(event, currency string, value *float64, params map[string]any) {
	if event == "" {
		return
	}
	r.queue.Async(func() {
		if !r.enabled {
			return
		}
		r.loadConfiguration(false, func(error) {
			if !r.enabled || r.configs.Len() == 0 || len(r.invocations) == 0 {
				return
			}
			businessIDs := aem.BusinessIDsInOrder(r.invocations)
			if r.opts.RuleMatchInServer && businessIDs[0] != "" {
				r.loadRuleMatch(businessIDs, event, currency, value, params)
				return
			}
			r.attributeLocally(event, currency, value, params)
		})
	})
}

// attributeLocally broadcasts the event to the active invocations. An
// invocation SKAdNetwork already counts the event for is skipped. The set is
// persisted once when any invocation changed.
func (r *Reporter) attributeLocally(event, currency string, value *float64, params map[string]any) {
	changed, pending := false, false
	for _, inv := range r.invocations {
		if inv.IsOutOfWindow(r.configs) {
			continue
		}
		if r.isDoubleCounting(inv, event) {
			r.deps.Metrics.IncrementEvents("double_counted")
			continue
		}
		if r.reportsAtCatalogLevel(inv, event) {
			r.attributeAtCatalogLevel(inv, event, currency, value, params, false)
			pending = true
			continue
		}
		if r.updateAttributedInvocation(inv, event, currency, value, params, r.opts.ConversionFiltering, false) {
			changed = true
		}
	}
	switch {
	case changed:
		r.deps.Metrics.IncrementEvents("attributed")
		r.saveInvocations()
	case !pending:
		r.deps.Metrics.IncrementEvents("unattributed")
	}
}

func (r *Reporter) isDoubleCounting(inv *aem.Invocation, event string) bool {
	return inv.HasSKAN && r.deps.SKAN != nil &&
		!r.deps.SKAN.ShouldCutoff() && r.deps.SKAN.IsReportingEvent(event)
}

// attributeWithInvocation applies the event to one invocation chosen by the
// server and persists the result.
func (r *Reporter) attributeWithInvocation(inv *aem.Invocation, event, currency string, value *float64,
	params map[string]any, ruleMatchInServer bool) {
	if r.reportsAtCatalogLevel(inv, event) {
		r.attributeAtCatalogLevel(inv, event, currency, value, params, ruleMatchInServer)
		return
	}
	r.applySingle(inv, event, currency, value, params, r.opts.ConversionFiltering, ruleMatchInServer)
}

func (r *Reporter) attributeAtCatalogLevel(inv *aem.Invocation, event, currency string, value *float64,
	params map[string]any, ruleMatchInServer bool) {
	contentIDs, _ := aem.ContentIDsJSON(params)
	r.loadCatalogOptimization(inv, contentIDs, func() {
		r.applySingle(inv, event, currency, value, params, true, ruleMatchInServer)
	})
}

func (r *Reporter) applySingle(inv *aem.Invocation, event, currency string, value *float64,
	params map[string]any, boost, ruleMatchInServer bool) {
	if !r.updateAttributedInvocation(inv, event, currency, value, params, boost, ruleMatchInServer) {
		r.deps.Metrics.IncrementEvents("unattributed")
		return
	}
	r.deps.Metrics.IncrementEvents("attributed")
	r.saveInvocations()
}

func (r *Reporter) reportsAtCatalogLevel(inv *aem.Invocation, event string) bool {
	return r.opts.ConversionFiltering && r.opts.CatalogMatching &&
		inv.CatalogID != "" && inv.IsOptimizedEvent(event, r.configs)
}

// updateAttributedInvocation records the event and recomputes the
// conversion value. It reports whether the invocation changed.
func (r *Reporter) updateAttributedInvocation(inv *aem.Invocation, event, currency string, value *float64,
	params map[string]any, boost, ruleMatchInServer bool) bool {
	attributed := inv.AttributeEvent(event, currency, value, params, r.configs, true, ruleMatchInServer)
	updated := inv.UpdateConversionValue(r.configs, event, boost)
	if updated {
		r.deps.Metrics.IncrementEvents("converted")
		r.deps.Logger.Debug("aem conversion value updated",
			zap.String("campaign_id", inv.CampaignID),
			zap.String("event", event),
			zap.Int("conversion_value", inv.ConversionValue),
			zap.Int("priority", inv.Priority))
	}
	return attributed || updated
}

// loadCatalogOptimization asks whether the event's content belongs to the
// campaign catalog and runs then only when it does.
func (r *Reporter) loadCatalogOptimization(inv *aem.Invocation, contentIDs string, then func()) {
	params := map[string]any{paramCatalogID: inv.CatalogID}
	if contentIDs != "" {
		params[paramContentIDs] = contentIDs
	}
	path := r.opts.AppID + "/" + conversionFilterPath
	r.queue.Detach(func() func() {
		resp, err := r.deps.Graph.Get(r.ctx, path, params)
		return func() {
			if err != nil {
				r.deps.Logger.Warn("aem conversion filter request failed", zap.Error(err))
				return
			}
			if !r.enabled {
				return
			}
			first := firstDataEntry(resp)
			if !asBool(first["content_id_belongs_to_catalog_id"]) {
				r.deps.Metrics.IncrementEvents("filtered")
				return
			}
			then()
		}
	})
}

// loadRuleMatch delegates advertiser rule matching to the server. A failed
// lookup falls back to local attribution; an invalid match drops the event.
func (r *Reporter) loadRuleMatch(businessIDs []string, event, currency string, value *float64, params map[string]any) {
	encoded, _ := json.Marshal(businessIDs)
	req := map[string]any{paramBusinessIDs: string(encoded)}
	if content, ok := aem.ContentJSON(params); ok {
		req[paramContentData] = content
	}
	path := r.opts.AppID + "/" + attributionPath
	r.queue.Detach(func() func() {
		resp, err := r.deps.Graph.Get(r.ctx, path, req)
		return func() {
			if err != nil || resp == nil {
				r.deps.Logger.Warn("aem attribution request failed", zap.Error(err))
				return
			}
			if !r.enabled {
				return
			}
			result := firstDataEntry(resp)
			success, ok := result["success"]
			if !ok {
				return
			}
			if !asBool(success) {
				r.attributeLocally(event, currency, value, params)
				return
			}
			matchedID, _ := result["matched_advertiser_id"].(string)
			matched := aem.MatchedInvocation(r.invocations, matchedID)
			if !asBool(result["is_valid_match"]) || matched == nil {
				r.deps.Metrics.IncrementEvents("unmatched")
				return
			}
			if matched.BusinessID != "" {
				currency = inSegmentCurrency
				value = nil
				if v, ok := aem.ToFloat(result["in_segment_value"]); ok {
					value = &v
				}
			}
			r.attributeWithInvocation(matched, event, currency, value, params, true)
		}
	})
}

func firstDataEntry(resp map[string]any) map[string]any {
	data, _ := resp["data"].([]any)
	if len(data) == 0 {
		return nil
	}
	entry, _ := data[0].(map[string]any)
	return entry
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, _ := strconv.ParseBool(b)
		return parsed
	default:
		f, ok := aem.ToFloat(v)
		return ok && f != 0
	}
}
