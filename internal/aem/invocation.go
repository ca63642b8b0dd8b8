package aem

import (
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	secondsInDay           = 24 * 60 * 60
	catalogOptimizationMod = 8
	boostPriority          = 32
)

var errInvalidAppLink = errors.New("aem: applink data missing campaign_ids or acs_token")

// Invocation is the attribution state for one campaign deeplink. The zero
// values of optional fields mean "absent".
type Invocation struct {
	CampaignID                    string                        `json:"campaign_id"`
	ACSToken                      string                        `json:"acs_token"`
	ACSSharedSecret               string                        `json:"acs_shared_secret,omitempty"`
	ACSConfigID                   string                        `json:"acs_config_id,omitempty"`
	BusinessID                    string                        `json:"business_id,omitempty"`
	CatalogID                     string                        `json:"catalog_id,omitempty"`
	IsTestMode                    bool                          `json:"is_test_mode"`
	HasSKAN                       bool                          `json:"has_skan"`
	IsConversionFilteringEligible bool                          `json:"is_conversion_filtering_eligible"`
	IsAggregated                  bool                          `json:"is_aggregated"`
	Timestamp                     time.Time                     `json:"timestamp"`
	ConfigMode                    string                        `json:"config_mode"`
	ConfigID                      int64                         `json:"config_id"`
	RecordedEvents                []string                      `json:"recorded_events,omitempty"`
	RecordedValues                map[string]map[string]float64 `json:"recorded_values,omitempty"`
	ConversionValue               int                           `json:"conversion_value"`
	Priority                      int                           `json:"priority"`
	ConversionTimestamp           time.Time                     `json:"conversion_timestamp,omitempty"`

	PostbackAttempts int       `json:"postback_attempts,omitempty"`
	NextPostbackAt   time.Time `json:"next_postback_at,omitempty"`
	PostbackSent     bool      `json:"postback_sent,omitempty"`

	now func() time.Time
}

// NewInvocation returns an invocation with the documented defaults: no
// configuration bound, no conversion and nothing pending aggregation.
func NewInvocation(campaignID, acsToken string, created time.Time) *Invocation {
	return &Invocation{
		CampaignID:                    campaignID,
		ACSToken:                      acsToken,
		IsConversionFilteringEligible: true,
		IsAggregated:                  true,
		Timestamp:                     created,
		ConfigMode:                    ModeDefault,
		ConfigID:                      -1,
		ConversionValue:               -1,
		Priority:                      -1,
	}
}

// ParseInvocation reads the decoded al_applink_data object of a deeplink.
func ParseInvocation(data map[string]any, created time.Time) (*Invocation, error) {
	campaignID, _ := data["campaign_ids"].(string)
	token, _ := data["acs_token"].(string)
	if campaignID == "" || token == "" {
		return nil, errInvalidAppLink
	}
	inv := NewInvocation(campaignID, token, created)
	inv.ACSSharedSecret, _ = data["shared_secret"].(string)
	if id, ok := data["acs_config_id"].(string); ok {
		inv.ACSConfigID = id
	} else {
		inv.ACSConfigID, _ = data["config_id"].(string)
	}
	inv.BusinessID, _ = data["advertiser_id"].(string)
	inv.CatalogID, _ = data["catalog_id"].(string)
	inv.IsTestMode = truthy(data["test_deeplink"])
	inv.HasSKAN = truthy(data["has_skan"])
	return inv, nil
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, _ := strconv.ParseBool(b)
		return parsed
	default:
		f, ok := toFloat(v)
		return ok && f != 0
	}
}

// WithClock overrides the time source; used by reporters and tests.
func (i *Invocation) WithClock(now func() time.Time) *Invocation {
	i.now = now
	return i
}

func (i *Invocation) clock() time.Time {
	if i.now != nil {
		return i.now()
	}
	return time.Now()
}

// HasRecordedEvent reports whether event has been attributed before.
func (i *Invocation) HasRecordedEvent(event string) bool {
	return slices.Contains(i.RecordedEvents, event)
}

// AttributeEvent records event against the invocation when the bound
// configuration knows it and the window is still open. With
// shouldUpdateCache unset it only reports whether the event would be
// attributed. Values are summed per event and currency.
func (i *Invocation) AttributeEvent(event, currency string, value *float64, params map[string]any,
	configs Configs, shouldUpdateCache, ruleMatchInServer bool) bool {
	cfg := i.FindConfiguration(configs)
	if cfg == nil || i.isOutOfWindow(cfg) || !cfg.HasEvent(event) {
		return false
	}

	var processed map[string]any
	if !ruleMatchInServer {
		processed = ProcessedParameters(params)
		if cfg.MatchingRule != nil && !cfg.MatchingRule.Match(processed) {
			return false
		}
	}

	attributed := false
	if !i.HasRecordedEvent(event) {
		if shouldUpdateCache {
			i.RecordedEvents = append(i.RecordedEvents, event)
		}
		attributed = true
	}

	valueCurrency := cfg.DefaultCurrency
	if c := strings.ToUpper(currency); c != "" && cfg.HasCurrency(c) {
		valueCurrency = c
	}

	if !ruleMatchInServer && cfg.Mode == ModeCPAS {
		v := InSegmentValue(processed, cfg.MatchingRule)
		value = &v
	}

	if value != nil && *value > 0 {
		if shouldUpdateCache {
			if i.RecordedValues == nil {
				i.RecordedValues = make(map[string]map[string]float64)
			}
			if i.RecordedValues[event] == nil {
				i.RecordedValues[event] = make(map[string]float64)
			}
			i.RecordedValues[event][valueCurrency] += *value
		}
		attributed = true
	}
	return attributed
}

// UpdateConversionValue walks the bound configuration's rules, highest
// priority first, and picks the last matched rule whose effective priority
// is at least the best seen so far. The winner is applied once. It reports
// whether the conversion value or priority changed, or whether a boosted
// match refreshed the conversion timestamp.
func (i *Invocation) UpdateConversionValue(configs Configs, event string, shouldBoostPriority bool) bool {
	cfg := i.FindConfiguration(configs)
	if cfg == nil || i.isOutOfWindow(cfg) {
		return false
	}

	var winner *ConversionRule
	winnerPriority, winnerBoosted := i.Priority, false
	for idx := range cfg.Rules {
		rule := &cfg.Rules[idx]
		priority := rule.Priority
		boosted := false
		if i.IsConversionFilteringEligible && shouldBoostPriority &&
			rule.ContainsEvent(event) && i.isOptimizedEvent(event, cfg) {
			priority += boostPriority
			boosted = true
		}
		if priority < winnerPriority {
			continue
		}
		if !rule.IsMatched(i.RecordedEvents, i.RecordedValues) {
			continue
		}
		winner, winnerPriority, winnerBoosted = rule, priority, boosted
	}
	if winner == nil {
		return false
	}
	if winner.ConversionValue == i.ConversionValue && winnerPriority == i.Priority && !winnerBoosted {
		return false
	}
	i.ConversionValue = winner.ConversionValue
	i.Priority = winnerPriority
	i.ConversionTimestamp = i.clock()
	i.IsAggregated = false
	return true
}

// IsOptimizedEvent reports whether a catalog campaign optimises for event.
func (i *Invocation) IsOptimizedEvent(event string, configs Configs) bool {
	if i.CatalogID == "" {
		return false
	}
	cfg := i.FindConfiguration(configs)
	return cfg != nil && i.isOptimizedEvent(event, cfg)
}

// isOptimizedEvent matches the campaign id against each rule's conversion
// value modulo 8.
func (i *Invocation) isOptimizedEvent(event string, cfg *Configuration) bool {
	campaign, err := strconv.Atoi(i.CampaignID)
	if err != nil {
		return false
	}
	for _, rule := range cfg.Rules {
		if campaign%catalogOptimizationMod == rule.ConversionValue%catalogOptimizationMod && rule.ContainsEvent(event) {
			return true
		}
	}
	return false
}

// IsOutOfWindow reports whether the attribution window has closed: no
// configuration is bound, the cutoff elapsed since the deeplink, or more
// than a day passed since the last conversion.
func (i *Invocation) IsOutOfWindow(configs Configs) bool {
	return i.isOutOfWindow(i.FindConfiguration(configs))
}

func (i *Invocation) isOutOfWindow(cfg *Configuration) bool {
	if cfg == nil {
		return true
	}
	now := i.clock()
	cutoff := time.Duration(cfg.CutoffDays) * secondsInDay * time.Second
	if now.Sub(i.Timestamp) > cutoff {
		return true
	}
	if !i.ConversionTimestamp.IsZero() && now.Sub(i.ConversionTimestamp) > secondsInDay*time.Second {
		return true
	}
	return false
}

// FindConfiguration returns the configuration this invocation is bound to,
// binding the newest eligible one on first use.
func (i *Invocation) FindConfiguration(configs Configs) *Configuration {
	mode := ModeDefault
	if i.BusinessID != "" {
		mode = ModeBrand
	}
	list := configs.List(mode)
	if len(list) == 0 {
		return nil
	}
	if i.ConfigID > 0 {
		for _, c := range list {
			if c.IsSame(i.ConfigID, i.BusinessID) {
				return c
			}
		}
		return nil
	}
	for idx := len(list) - 1; idx >= 0; idx-- {
		c := list[idx]
		bindTime := i.Timestamp
		if c.ValidFromIsRuntime {
			bindTime = i.clock()
		}
		if c.ValidFrom <= bindTime.Unix() && c.IsSameBusinessID(i.BusinessID) {
			i.SetConfiguration(c)
			return c
		}
	}
	return nil
}

// SetConfiguration binds the invocation to c.
func (i *Invocation) SetConfiguration(c *Configuration) {
	i.ConfigID = c.ValidFrom
	i.ConfigMode = c.Mode
}

// Clone returns a deep copy safe to hand outside the reporter queue.
func (i *Invocation) Clone() *Invocation {
	c := *i
	c.RecordedEvents = slices.Clone(i.RecordedEvents)
	if i.RecordedValues != nil {
		c.RecordedValues = make(map[string]map[string]float64, len(i.RecordedValues))
		for ev, m := range i.RecordedValues {
			inner := make(map[string]float64, len(m))
			for k, v := range m {
				inner[k] = v
			}
			c.RecordedValues[ev] = inner
		}
	}
	return &c
}

// ProcessedParameters decodes fb_content and fb_content_id when they arrive
// as JSON strings so rules can address their fields.
func ProcessedParameters(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	for _, key := range []string{KeyContent, KeyContentID} {
		s, ok := out[key].(string)
		if !ok {
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			out[key] = decoded
		}
	}
	return out
}
