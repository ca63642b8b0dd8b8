package reporter

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/patrickwarner/openaem/internal/aem"
	"github.com/patrickwarner/openaem/internal/db"
)

// LoadConfiguration refreshes the cached configurations when needed and
// calls done with the outcome once they are usable.
func (r *Reporter) LoadConfiguration(forced bool, done func(error)) {
	r.queue.Async(func() { r.loadConfiguration(forced, done) })
}

func (r *Reporter) configFresh() bool {
	return !r.configRefreshedAt.IsZero() && r.opts.Now().Sub(r.configRefreshedAt) < r.opts.ConfigRefresh
}

// shouldRefresh reports whether a fetch is needed: when forced, when any
// business invocation exists, when the cache expired or when it is empty.
func (r *Reporter) shouldRefresh(forced bool) bool {
	if forced {
		return true
	}
	for _, inv := range r.invocations {
		if inv.BusinessID != "" {
			return true
		}
	}
	return !r.configFresh() || r.configs.Len() == 0
}

func (r *Reporter) runCompletions(err error) {
	pending := r.completions
	r.completions = nil
	for _, fn := range pending {
		fn(err)
	}
}

func (r *Reporter) loadConfiguration(forced bool, done func(error)) {
	if done != nil {
		r.completions = append(r.completions, done)
	}
	if !r.shouldRefresh(forced) {
		r.runCompletions(nil)
		return
	}
	if r.fetching {
		return
	}
	r.fetching = true

	path := r.opts.AppID + "/" + configsPath
	params := r.configRequestParams()
	r.queue.Detach(func() func() {
		resp, err := r.deps.Graph.Get(r.ctx, path, params)
		return func() {
			r.fetching = false
			if err != nil {
				r.deps.Metrics.IncrementConfigLoads("aem", "network_error")
				r.deps.Logger.Warn("fetch aem configs", zap.Error(err))
				r.runCompletions(err)
				return
			}
			r.configRefreshedAt = r.opts.Now()
			r.save(db.KeyConfigRefresh, r.configRefreshedAt)
			r.addConfigurations(resp)
			r.deps.Metrics.IncrementConfigLoads("aem", "success")
			r.runCompletions(nil)
		}
	})
}

func (r *Reporter) configRequestParams() map[string]any {
	ids := make([]string, 0, len(r.invocations))
	for _, inv := range r.invocations {
		if inv.BusinessID != "" {
			ids = append(ids, inv.BusinessID)
		}
	}
	encoded, _ := json.Marshal(ids)
	return map[string]any{
		paramBusinessIDs: string(encoded),
		paramFields:      "",
	}
}

// addConfigurations parses every entry of the response data. Invalid
// entries are dropped without affecting the rest.
func (r *Reporter) addConfigurations(resp map[string]any) {
	items, _ := resp["data"].([]any)
	added := false
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		cfg, err := aem.ParseConfiguration(m)
		if err != nil {
			r.deps.Metrics.IncrementConfigLoads("aem", "parse_error")
			r.deps.Logger.Warn("dropping aem config", zap.Error(err))
			continue
		}
		if r.configs.Add(cfg) {
			added = true
		}
	}
	if added {
		r.saveConfigurations()
	}
}

// ClearCache drops aggregated invocations whose window has closed and
// configurations no invocation is bound to. The newest DEFAULT
// configuration is always kept.
func (r *Reporter) ClearCache() {
	r.queue.Async(r.clearCache)
}

func (r *Reporter) clearCache() {
	r.clearInvocations()
	r.clearConfigurations()
}

func (r *Reporter) clearInvocations() {
	kept := r.invocations[:0]
	removed := 0
	for _, inv := range r.invocations {
		if inv.IsAggregated && inv.IsOutOfWindow(r.configs) {
			removed++
			continue
		}
		kept = append(kept, inv)
	}
	for i := len(kept); i < len(r.invocations); i++ {
		r.invocations[i] = nil
	}
	r.invocations = kept
	if removed > 0 {
		r.deps.Logger.Debug("cleared aem invocations", zap.Int("removed", removed))
		r.saveInvocations()
	}
}

func (r *Reporter) clearConfigurations() {
	changed := false
	cleared := aem.Configs{}
	for mode, list := range r.configs {
		var last *aem.Configuration
		if mode == aem.ModeDefault && len(list) > 0 {
			last = list[len(list)-1]
			list = list[:len(list)-1]
		}
		var kept []*aem.Configuration
		for _, cfg := range list {
			if !r.configInUse(cfg) {
				changed = true
				continue
			}
			kept = append(kept, cfg)
		}
		if last != nil {
			kept = append(kept, last)
		}
		cleared[mode] = kept
	}
	r.configs = cleared
	if changed {
		r.saveConfigurations()
	}
}

func (r *Reporter) configInUse(cfg *aem.Configuration) bool {
	for _, inv := range r.invocations {
		if cfg.IsSame(inv.ConfigID, inv.BusinessID) {
			return true
		}
	}
	return false
}
