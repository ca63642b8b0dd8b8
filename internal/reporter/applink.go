package reporter

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/patrickwarner/openaem/internal/aem"
)

const (
	appLinkDataKey       = "al_applink_data"
	conversionsPath      = "aem_conversions"
	conversionsParam     = "aem_conversions"
	delayFlowServer      = "server"
	paramCampaignID      = "campaign_id"
	paramConversion      = "conversion_data"
	paramConsumption     = "consumption_hour"
	paramToken           = "token"
	paramDelayFlow       = "delay_flow"
	paramConfigID        = "config_id"
	paramHMAC            = "hmac"
	paramBusinessID      = "advertiser_id"
	paramFiltering       = "is_conversion_filtering"
	paramBusinessIDs     = "advertiser_ids"
	paramContentData     = "fb_content_data"
	paramContentIDs      = "fb_content_ids"
	paramCatalogID       = "catalog_id"
	paramFields          = "fields"
	configsPath          = "aem_conversion_configs"
	attributionPath      = "aem_attribution"
	conversionFilterPath = "aem_conversion_filter"
)

// ErrInvalidAppLink marks a deeplink without usable AEM app link data.
var ErrInvalidAppLink = errors.New("reporter: invalid app link")

// ParseURL extracts the invocation carried in the al_applink_data query
// parameter of a deeplink.
func (r *Reporter) ParseURL(rawURL string) (*aem.Invocation, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAppLink, err)
	}
	payload := u.Query().Get(appLinkDataKey)
	if payload == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidAppLink, appLinkDataKey)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAppLink, err)
	}
	inv, err := aem.ParseInvocation(data, r.opts.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAppLink, err)
	}
	return inv.WithClock(r.opts.Now), nil
}

// HandleURL tracks the campaign a deeplink was opened from. Test deeplinks
// send a debug postback and are not stored; campaigns already tracked are
// ignored.
func (r *Reporter) HandleURL(rawURL string) {
	inv, err := r.ParseURL(rawURL)
	if err != nil {
		r.deps.Metrics.IncrementDeeplinks("invalid")
		r.deps.Logger.Debug("ignoring deeplink", zap.Error(err))
		return
	}
	r.queue.Async(func() {
		if !r.enabled {
			r.deps.Metrics.IncrementDeeplinks("disabled")
			return
		}
		if inv.IsTestMode {
			r.deps.Metrics.IncrementDeeplinks("test")
			r.sendDebugPostback(inv)
			return
		}
		for _, existing := range r.invocations {
			if existing.CampaignID == inv.CampaignID {
				r.deps.Metrics.IncrementDeeplinks("duplicate")
				return
			}
		}
		r.invocations = append(r.invocations, inv)
		r.saveInvocations()
		r.deps.Metrics.IncrementDeeplinks("tracked")
		r.deps.Logger.Info("tracking aem campaign",
			zap.String("campaign_id", inv.CampaignID),
			zap.String("business_id", inv.BusinessID))
		r.loadConfiguration(true, nil)
	})
}

func (r *Reporter) sendDebugPostback(inv *aem.Invocation) {
	report := []map[string]any{{
		paramCampaignID:  inv.CampaignID,
		paramConversion:  0,
		paramConsumption: 0,
		paramToken:       inv.ACSToken,
		paramDelayFlow:   delayFlowServer,
	}}
	body, err := json.Marshal(report)
	if err != nil {
		r.deps.Logger.Error("encode aem debug postback", zap.Error(err))
		return
	}
	path := r.opts.AppID + "/" + conversionsPath
	campaign := inv.CampaignID
	r.queue.Detach(func() func() {
		_, err := r.deps.Graph.Post(r.ctx, path, map[string]any{conversionsParam: string(body)})
		return func() {
			if err != nil {
				r.deps.Metrics.IncrementPostbacks("debug_failed")
				r.deps.Logger.Warn("aem debug postback failed", zap.String("campaign_id", campaign), zap.Error(err))
				return
			}
			r.deps.Metrics.IncrementPostbacks("debug")
		}
	})
}
