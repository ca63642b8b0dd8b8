package aem

import (
	"encoding/json"
	"strconv"

	"github.com/patrickwarner/openaem/internal/rules"
)

// Event parameter keys with special handling.
const (
	KeyContent   = "fb_content"
	KeyContentID = "fb_content_id"
	KeyItemPrice = "item_price"
	KeyQuantity  = "quantity"
	KeyID        = "id"
)

// InSegmentValue sums item_price × quantity over the fb_content items the
// rule matches. A missing price counts as zero and a missing quantity as one.
func InSegmentValue(params map[string]any, rule rules.Rule) float64 {
	if rule == nil || params == nil {
		return 0
	}
	items, _ := params[KeyContent].([]any)
	total := 0.0
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if !rule.Match(map[string]any{KeyContent: []any{entry}}) {
			continue
		}
		price, _ := toFloat(entry[KeyItemPrice])
		quantity, ok := toFloat(entry[KeyQuantity])
		if !ok {
			quantity = 1
		}
		total += price * quantity
	}
	return total
}

// ContentJSON returns the raw fb_content parameter.
func ContentJSON(params map[string]any) (string, bool) {
	s, ok := params[KeyContent].(string)
	return s, ok
}

// ContentIDsJSON returns a JSON array of the ids found in fb_content,
// falling back to the fb_content_id parameter.
func ContentIDsJSON(params map[string]any) (string, bool) {
	if raw, ok := params[KeyContent].(string); ok {
		var items []map[string]any
		if err := json.Unmarshal([]byte(raw), &items); err == nil {
			ids := make([]string, 0, len(items))
			for _, item := range items {
				switch id := item[KeyID].(type) {
				case string:
					ids = append(ids, id)
				case float64:
					ids = append(ids, strconv.FormatFloat(id, 'f', -1, 64))
				}
			}
			if b, err := json.Marshal(ids); err == nil {
				return string(b), true
			}
		}
	}
	s, ok := params[KeyContentID].(string)
	return s, ok
}

// BusinessIDsInOrder lists business ids newest first, "" for general
// invocations.
func BusinessIDsInOrder(invocations []*Invocation) []string {
	ids := make([]string, 0, len(invocations))
	for idx := len(invocations) - 1; idx >= 0; idx-- {
		ids = append(ids, invocations[idx].BusinessID)
	}
	return ids
}

// MatchedInvocation returns the newest invocation for businessID, where ""
// selects general invocations.
func MatchedInvocation(invocations []*Invocation, businessID string) *Invocation {
	for idx := len(invocations) - 1; idx >= 0; idx-- {
		if invocations[idx].BusinessID == businessID {
			return invocations[idx]
		}
	}
	return nil
}
