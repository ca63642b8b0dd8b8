package skadnetwork

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openaem/internal/analytics"
	"github.com/patrickwarner/openaem/internal/codec"
	"github.com/patrickwarner/openaem/internal/db"
	"github.com/patrickwarner/openaem/internal/graph"
	"github.com/patrickwarner/openaem/internal/observability"
	"github.com/patrickwarner/openaem/internal/serial"
)

const configEndpoint = "ios_skadnetwork_conversion_config"

// Options tunes a Reporter.
type Options struct {
	AppID         string
	ConfigRefresh time.Duration
	Now           func() time.Time
}

// Deps are the collaborators of a Reporter. Graph and Store are required.
// Updater is used for devices that take coarse values, FineUpdater for the
// rest; when FineUpdater is nil the Updater is used if it implements it.
type Deps struct {
	Graph       graph.Requester
	Store       db.BlobStore
	Auditor     analytics.Auditor
	Updater     Updater
	FineUpdater FineUpdater
	Logger      *zap.Logger
	Metrics     observability.MetricsRegistry
}

type persistedConfig struct {
	Raw         map[string]any `json:"raw"`
	RefreshedAt time.Time      `json:"refreshed_at"`
}

// Reporter owns the device conversion state. Every field below queue is
// only touched from tasks running on it.
type Reporter struct {
	opts   Options
	deps   Deps
	queue  *serial.Queue
	ctx    context.Context
	cancel context.CancelFunc

	enabled           bool
	config            *Configuration
	configRefreshedAt time.Time
	fetching          bool
	completions       []func()
	state             State
	inflight          bool
	stopTimer         chan struct{}
}

// New builds a disabled reporter; call Enable to load state.
func New(opts Options, deps Deps) *Reporter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ConfigRefresh <= 0 {
		opts.ConfigRefresh = defaultConfigRefresh
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewNoOpRegistry()
	}
	if deps.Auditor == nil {
		deps.Auditor = analytics.Nop{}
	}
	if deps.Updater == nil {
		deps.Updater = LogUpdater{Logger: deps.Logger}
	}
	if deps.FineUpdater == nil {
		if fu, ok := deps.Updater.(FineUpdater); ok {
			deps.FineUpdater = fu
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reporter{
		opts:   opts,
		deps:   deps,
		queue:  serial.New("skadnetwork", deps.Logger),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enable loads persisted state and the cached configuration, stamps the
// install time on first run and starts a configuration refresh.
func (r *Reporter) Enable(ctx context.Context) {
	r.queue.Sync(func() {
		r.loadState(ctx)
		if r.state.InstallTimestamp.IsZero() {
			r.state.InstallTimestamp = r.opts.Now()
			r.persistState()
		}
		r.enabled = true
		r.loadConfiguration(nil)
	})
}

// Disable stops event processing. Work already queued still runs and
// checks the gate itself.
func (r *Reporter) Disable() {
	r.queue.Async(func() {
		r.enabled = false
		r.revokeTimer()
	})
}

// Close stops the timer, waits for pending work and releases the queue.
func (r *Reporter) Close() {
	r.queue.Sync(r.revokeTimer)
	r.queue.Drain()
	r.cancel()
	r.queue.Close()
}

// Drain waits for queued and in-flight work.
func (r *Reporter) Drain() {
	r.queue.Drain()
}

func (r *Reporter) loadState(ctx context.Context) {
	if data, err := r.deps.Store.Load(ctx, db.KeySKANState); err == nil {
		var st State
		if _, err := codec.Decode(data, &st); err != nil {
			r.deps.Logger.Warn("discarding unreadable skadnetwork state", zap.Error(err))
		} else {
			r.state = st
		}
	} else if !errors.Is(err, db.ErrNotFound) {
		r.deps.Logger.Warn("load skadnetwork state", zap.Error(err))
	}

	if data, err := r.deps.Store.Load(ctx, db.KeySKANConfig); err == nil {
		var pc persistedConfig
		if _, err := codec.Decode(data, &pc); err != nil {
			r.deps.Logger.Warn("discarding unreadable skadnetwork config", zap.Error(err))
			return
		}
		cfg, err := ParseConfiguration(pc.Raw)
		if err != nil {
			r.deps.Logger.Warn("discarding invalid cached skadnetwork config", zap.Error(err))
			return
		}
		r.config, r.configRefreshedAt = cfg, pc.RefreshedAt
	}
}

func (r *Reporter) persistState() {
	r.save(db.KeySKANState, r.state)
}

func (r *Reporter) save(key string, v any) {
	data, err := codec.Encode(stateSchemaVersion, v)
	if err == nil {
		err = r.deps.Store.Save(r.ctx, key, data)
	}
	if err != nil {
		r.deps.Metrics.IncrementPersistErrors()
		r.deps.Logger.Error("persist skadnetwork data", zap.String("key", key), zap.Error(err))
	}
}

// LoadConfiguration refreshes the configuration if the cache is stale and
// runs done once a configuration is available. A failed refresh falls back
// to the cached configuration.
func (r *Reporter) LoadConfiguration(done func()) {
	r.queue.Async(func() { r.loadConfiguration(done) })
}

func (r *Reporter) configFresh() bool {
	return r.config != nil && r.opts.Now().Sub(r.configRefreshedAt) < r.opts.ConfigRefresh
}

func (r *Reporter) loadConfiguration(done func()) {
	if r.configFresh() {
		if done != nil {
			done()
		}
		return
	}
	if done != nil {
		r.completions = append(r.completions, done)
	}
	if r.fetching {
		return
	}
	r.fetching = true
	path := r.opts.AppID + "/" + configEndpoint
	r.queue.Detach(func() func() {
		resp, err := r.deps.Graph.Get(r.ctx, path, map[string]any{
			"fields": "configuration",
		})
		return func() {
			r.fetching = false
			if err != nil {
				r.deps.Metrics.IncrementConfigLoads("skan", "network_error")
				r.deps.Logger.Warn("fetch skadnetwork config", zap.Error(err))
				r.completeWithCachedConfig()
				return
			}
			cfg, err := ParseConfiguration(resp)
			if err != nil {
				r.deps.Metrics.IncrementConfigLoads("skan", "parse_error")
				r.deps.Logger.Warn("parse skadnetwork config", zap.Error(err))
				r.completeWithCachedConfig()
				return
			}
			r.deps.Metrics.IncrementConfigLoads("skan", "success")
			r.config = cfg
			r.configRefreshedAt = r.opts.Now()
			r.save(db.KeySKANConfig, persistedConfig{Raw: cfg.Raw(), RefreshedAt: r.configRefreshedAt})

			r.runCompletions()
		}
	})
}

// completeWithCachedConfig runs waiting work against a stale configuration
// after a failed refresh. Without any configuration the work keeps waiting
// for the next successful fetch.
func (r *Reporter) completeWithCachedConfig() {
	if r.config == nil {
		return
	}
	r.runCompletions()
}

func (r *Reporter) runCompletions() {
	pending := r.completions
	r.completions = nil
	for _, fn := range pending {
		fn()
	}
}

// RecordAndUpdateEvent records an app event and pushes a new conversion
// value when the event raises it.
func (r *Reporter) RecordAndUpdateEvent(event, currency string, value *float64, device analytics.Device) {
	r.queue.Async(func() {
		if !r.enabled {
			return
		}
		r.loadConfiguration(func() {
			if !r.enabled {
				return
			}
			r.recordAndUpdate(event, currency, value, device)
		})
	})
}

func (r *Reporter) recordAndUpdate(event, currency string, value *float64, device analytics.Device) {
	if r.config == nil || event == "" {
		return
	}
	cur := strings.ToUpper(currency)
	if cur == "" {
		cur = r.config.DefaultCurrency
	}

	changed := false
	if !r.shouldCutoff() && r.config.HasEvent(event) {
		v := value
		if !r.config.HasCurrency(cur) {
			v = nil
		}
		changed = record(&r.state.RecordedEvents, &r.state.RecordedValues, event, cur, v) || changed
	}
	if r.coarseWindowOpen() && r.config.HasCoarseEvent(event) {
		v := value
		if !r.config.HasCoarseCurrency(cur) {
			v = nil
		}
		changed = record(&r.state.RecordedCoarseEvents, &r.state.RecordedCoarseValues, event, cur, v) || changed
	}
	if changed {
		r.persistState()
	}
	r.updateConversionValues(event, device)
}

func (r *Reporter) coarseWindowOpen() bool {
	return r.config != nil && len(r.config.CoarseRules) > 0 &&
		postbackSequenceIndex(r.state.InstallTimestamp, r.opts.Now()) > 0
}

// candidates returns the values the recorded events justify, or the
// current values where nothing higher matched.
func (r *Reporter) candidates(device analytics.Device) (fine int, coarse CoarseValue) {
	fine, coarse = r.state.ConversionValue, r.state.CoarseValue
	if !r.shouldCutoff() {
		events := eventSet(r.state.RecordedEvents)
		for _, rule := range r.config.Rules {
			if rule.IsMatched(events, r.state.RecordedValues) {
				if rule.ConversionValue > fine {
					fine = rule.ConversionValue
				}
				break
			}
		}
	}
	if SupportsCoarse(device) && r.coarseWindowOpen() {
		events := eventSet(r.state.RecordedCoarseEvents)
		for _, rule := range r.config.CoarseRules {
			if rule.IsMatched(events, r.state.RecordedCoarseValues) {
				if rule.Value.Rank() > coarse.Rank() {
					coarse = rule.Value
				}
				break
			}
		}
	}
	return fine, coarse
}

func (r *Reporter) updateConversionValues(event string, device analytics.Device) {
	if r.config == nil || r.inflight {
		return
	}
	fine, coarse := r.candidates(device)
	if fine == r.state.ConversionValue && coarse == r.state.CoarseValue {
		r.deps.Metrics.IncrementSKANUpdates("skipped")
		return
	}
	window := postbackSequenceIndex(r.state.InstallTimestamp, r.opts.Now())
	if r.state.LockedWindow != 0 && r.state.LockedWindow == window {
		r.deps.Metrics.IncrementSKANUpdates("locked")
		return
	}

	lock := r.config.LockWindow
	useCoarse := SupportsCoarse(device) && r.deps.Updater != nil
	if !useCoarse && r.deps.FineUpdater == nil {
		return
	}
	if !useCoarse && fine == r.state.ConversionValue {
		return
	}

	r.inflight = true
	r.queue.Detach(func() func() {
		var err error
		if useCoarse {
			err = r.deps.Updater.UpdatePostbackConversionValue(r.ctx, fine, coarse, lock)
		} else {
			err = r.deps.FineUpdater.UpdateConversionValue(r.ctx, fine)
		}
		now := r.opts.Now()
		if err == nil {
			rec := analytics.SKANRecord{
				Timestamp:       now,
				Event:           event,
				ConversionValue: fine,
				LockWindow:      lock && useCoarse,
				Device:          device,
			}
			if useCoarse {
				rec.CoarseValue = string(coarse)
			}
			if aerr := r.deps.Auditor.RecordSKANUpdate(r.ctx, rec); aerr != nil && !errors.Is(aerr, analytics.ErrUnavailable) {
				r.deps.Logger.Warn("audit skadnetwork update", zap.Error(aerr))
			}
		}
		return func() {
			r.inflight = false
			if err != nil {
				r.deps.Metrics.IncrementSKANUpdates("failed")
				r.deps.Logger.Warn("skadnetwork update failed, retrying on next event or tick",
					zap.Int("fine", fine), zap.String("coarse", string(coarse)), zap.Error(err))
				return
			}
			if fine != r.state.ConversionValue {
				r.state.ConversionValue = fine
				r.state.Timestamp = now
				r.deps.Metrics.IncrementSKANUpdates("fine")
			}
			if useCoarse && coarse != r.state.CoarseValue {
				r.state.CoarseValue = coarse
				r.state.CoarseTimestamp = now
				r.deps.Metrics.IncrementSKANUpdates("coarse")
			}
			if lock && useCoarse {
				r.state.LockedWindow = window
			}
			r.persistState()
			// events recorded while the push was in flight may justify more
			if r.enabled {
				r.updateConversionValues(event, device)
			}
		}
	})
}

// ShouldCutoff reports whether fine value updates are over: always without
// a configuration, never without an install timestamp, otherwise once the
// configured cutoff days have passed since install.
func (r *Reporter) ShouldCutoff() bool {
	cutoff := true
	r.queue.Sync(func() { cutoff = r.shouldCutoff() })
	return cutoff
}

func (r *Reporter) shouldCutoff() bool {
	if r.config == nil {
		return true
	}
	if r.state.InstallTimestamp.IsZero() {
		return false
	}
	deadline := r.state.InstallTimestamp.Add(time.Duration(r.config.CutoffDays) * day)
	return r.opts.Now().After(deadline)
}

// IsReportingEvent reports whether the configuration tracks the event.
func (r *Reporter) IsReportingEvent(event string) bool {
	reporting := false
	r.queue.Sync(func() {
		reporting = r.config != nil && (r.config.HasEvent(event) || r.config.HasCoarseEvent(event))
	})
	return reporting
}

// PostbackSequenceIndex returns the current SKAdNetwork 4 postback window.
func (r *Reporter) PostbackSequenceIndex() int {
	idx := 0
	r.queue.Sync(func() { idx = postbackSequenceIndex(r.state.InstallTimestamp, r.opts.Now()) })
	return idx
}

// Snapshot returns a copy of the current state.
func (r *Reporter) Snapshot() State {
	var st State
	r.queue.Sync(func() { st = r.state.clone() })
	return st
}

// Configuration returns the active configuration, or nil.
func (r *Reporter) Configuration() *Configuration {
	var cfg *Configuration
	r.queue.Sync(func() { cfg = r.config })
	return cfg
}

// Start runs a periodic tick that retries unsent updates and revokes
// itself once no further update can be sent. interval <= 0 uses the
// configuration's timer_interval, falling back to one hour.
func (r *Reporter) Start(interval time.Duration, device func() analytics.Device) {
	r.queue.Async(func() {
		if r.stopTimer != nil {
			return
		}
		if interval <= 0 && r.config != nil && r.config.TimerInterval > 0 {
			interval = time.Duration(r.config.TimerInterval * float64(time.Second))
		}
		if interval <= 0 {
			interval = time.Hour
		}
		stop := make(chan struct{})
		r.stopTimer = stop
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					r.queue.Async(func() { r.tick(device) })
				}
			}
		}()
	})
}

func (r *Reporter) tick(device func() analytics.Device) {
	if !r.enabled || r.checkAndRevokeTimer() {
		return
	}
	var d analytics.Device
	if device != nil {
		d = device()
	}
	r.updateConversionValues("", d)
}

// checkAndRevokeTimer stops the timer when neither fine nor coarse updates
// can be sent any more.
func (r *Reporter) checkAndRevokeTimer() bool {
	if !r.shouldCutoff() || r.coarseWindowOpen() {
		return false
	}
	r.revokeTimer()
	return true
}

// CheckAndRevokeTimer stops the periodic tick once the device is past
// every window an update could still be sent in, and reports whether it did.
func (r *Reporter) CheckAndRevokeTimer() bool {
	revoked := false
	r.queue.Sync(func() { revoked = r.checkAndRevokeTimer() })
	return revoked
}

// TimerRunning reports whether the periodic tick is active.
func (r *Reporter) TimerRunning() bool {
	running := false
	r.queue.Sync(func() { running = r.stopTimer != nil })
	return running
}

func (r *Reporter) revokeTimer() {
	if r.stopTimer != nil {
		close(r.stopTimer)
		r.stopTimer = nil
	}
}
