// Package reporter tracks AEM campaign invocations opened through app links,
// attributes app events to them and sends the signed aggregated conversion
// postbacks once their attribution window closes.
//
// Every piece of mutable state is owned by one serial queue. Network calls
// run off the queue and their completions re-enter it, so concurrent callers
// never observe a half-applied update.
package reporter

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openaem/internal/aem"
	"github.com/patrickwarner/openaem/internal/analytics"
	"github.com/patrickwarner/openaem/internal/codec"
	"github.com/patrickwarner/openaem/internal/db"
	"github.com/patrickwarner/openaem/internal/graph"
	"github.com/patrickwarner/openaem/internal/observability"
	"github.com/patrickwarner/openaem/internal/serial"
)

const (
	schemaVersion = 1

	defaultAggregationDelay = 3 * time.Second
	defaultConfigRefresh    = 24 * time.Hour
	maxRetryBackoff         = 24 * time.Hour
)

// SKANView is the part of the SKAdNetwork reporter needed to avoid double
// counting conversions the device already reports through SKAdNetwork.
type SKANView interface {
	ShouldCutoff() bool
	IsReportingEvent(event string) bool
}

// Options tunes a Reporter. Zero values select the defaults.
type Options struct {
	AppID string

	ConversionFiltering bool
	CatalogMatching     bool
	RuleMatchInServer   bool

	AggregationDelay time.Duration
	ConfigRefresh    time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	Digest           aem.Digest

	Now   func() time.Time
	Delay func() int // consumption hour sent with each postback, 24-47 by default
}

// Deps are the collaborators of a Reporter. Graph and Store are required.
type Deps struct {
	Graph   graph.Requester
	Store   db.BlobStore
	Auditor analytics.Auditor
	SKAN    SKANView
	Device  func() analytics.Device
	Logger  *zap.Logger
	Metrics observability.MetricsRegistry
}

// Reporter is the AEM reporter. Fields below queue are only touched from
// tasks running on it.
type Reporter struct {
	opts   Options
	deps   Deps
	queue  *serial.Queue
	ctx    context.Context
	cancel context.CancelFunc

	enabled           bool
	invocations       []*aem.Invocation
	configs           aem.Configs
	configRefreshedAt time.Time
	fetching          bool
	completions       []func(error)
	minAggregationAt  time.Time
	flushing          bool
	deferredFlush     *time.Timer
	stopTimer         chan struct{}
}

// New builds a disabled reporter; call Enable to load persisted state.
func New(opts Options, deps Deps) *Reporter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Delay == nil {
		opts.Delay = func() int { return 24 + rand.IntN(24) }
	}
	if opts.AggregationDelay <= 0 {
		opts.AggregationDelay = defaultAggregationDelay
	}
	if opts.ConfigRefresh <= 0 {
		opts.ConfigRefresh = defaultConfigRefresh
	}
	if opts.Digest == "" {
		opts.Digest = aem.DigestSHA256
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
	ctx, cancel := context.WithCancel(context.Background())
	return &Reporter{
		opts:    opts,
		deps:    deps,
		queue:   serial.New("aem", deps.Logger),
		ctx:     ctx,
		cancel:  cancel,
		configs: aem.Configs{},
	}
}

// Enable loads persisted invocations and configurations before any other
// queued work runs, then refreshes configurations and flushes due postbacks.
func (r *Reporter) Enable(ctx context.Context) {
	r.queue.Sync(func() {
		if r.enabled {
			return
		}
		r.load(ctx)
		r.enabled = true
		r.loadConfiguration(false, func(err error) {
			if err != nil {
				return
			}
			r.flush()
			r.clearCache()
		})
	})
}

// Disable stops new timer ticks and event processing. Completions already
// in flight still run and check the gate themselves.
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

// Snapshot returns copies of the tracked invocations, oldest first.
func (r *Reporter) Snapshot() []*aem.Invocation {
	var out []*aem.Invocation
	r.queue.Sync(func() {
		out = make([]*aem.Invocation, 0, len(r.invocations))
		for _, inv := range r.invocations {
			out = append(out, inv.Clone())
		}
	})
	return out
}

// Configurations returns the cached configurations of every mode.
func (r *Reporter) Configurations() []*aem.Configuration {
	var out []*aem.Configuration
	r.queue.Sync(func() {
		for _, list := range r.configs {
			out = append(out, list...)
		}
	})
	return out
}

// InvocationStates maps each tracked campaign to its lifecycle state.
func (r *Reporter) InvocationStates() map[string]aem.State {
	out := make(map[string]aem.State)
	r.queue.Sync(func() {
		for _, inv := range r.invocations {
			out[inv.CampaignID] = inv.State(r.configs)
		}
	})
	return out
}

type persistedConfigs struct {
	Raw []map[string]any `json:"raw"`
}

func (r *Reporter) load(ctx context.Context) {
	var stamp time.Time
	if r.read(ctx, db.KeyMinAggregationStamp, &stamp) {
		r.minAggregationAt = stamp
	}

	var refreshed time.Time
	if r.read(ctx, db.KeyConfigRefresh, &refreshed) {
		r.configRefreshedAt = refreshed
	}

	var pc persistedConfigs
	if r.read(ctx, db.KeyConfigs, &pc) {
		for _, raw := range pc.Raw {
			cfg, err := aem.ParseConfiguration(raw)
			if err != nil {
				r.deps.Logger.Warn("discarding invalid cached aem config", zap.Error(err))
				continue
			}
			r.configs.Add(cfg)
		}
	}

	var invocations []*aem.Invocation
	if r.read(ctx, db.KeyInvocations, &invocations) {
		r.invocations = r.invocations[:0]
		for _, inv := range invocations {
			if inv == nil || inv.CampaignID == "" {
				continue
			}
			r.invocations = append(r.invocations, inv.WithClock(r.opts.Now))
		}
	}
	r.deps.Metrics.SetInvocations(len(r.invocations))
	r.deps.Logger.Info("aem reporter state loaded",
		zap.Int("invocations", len(r.invocations)),
		zap.Int("configurations", r.configs.Len()))
}

// read decodes key into v. Missing keys and unreadable blobs leave v
// untouched; the latter are logged and treated as empty.
func (r *Reporter) read(ctx context.Context, key string, v any) bool {
	data, err := r.deps.Store.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			r.deps.Metrics.IncrementPersistErrors()
			r.deps.Logger.Warn("load aem data", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if _, err := codec.Decode(data, v); err != nil {
		r.deps.Metrics.IncrementPersistErrors()
		r.deps.Logger.Warn("discarding unreadable aem data", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (r *Reporter) save(key string, v any) {
	data, err := codec.Encode(schemaVersion, v)
	if err == nil {
		err = r.deps.Store.Save(r.ctx, key, data)
	}
	if err != nil {
		r.deps.Metrics.IncrementPersistErrors()
		r.deps.Logger.Error("persist aem data", zap.String("key", key), zap.Error(err))
	}
}

func (r *Reporter) saveInvocations() {
	r.save(db.KeyInvocations, r.invocations)
	r.deps.Metrics.SetInvocations(len(r.invocations))
}

func (r *Reporter) saveConfigurations() {
	pc := persistedConfigs{}
	for _, list := range r.configs {
		for _, cfg := range list {
			pc.Raw = append(pc.Raw, cfg.Raw())
		}
	}
	r.save(db.KeyConfigs, pc)
}

// Start runs the postback timer until ctx is done or the reporter is
// disabled.
func (r *Reporter) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	r.queue.Async(func() {
		if r.stopTimer != nil {
			return
		}
		stop := make(chan struct{})
		r.stopTimer = stop
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-stop:
					return
				case <-ticker.C:
					r.queue.Async(r.tick)
				}
			}
		}()
	})
}

// TimerRunning reports whether the postback timer is active.
func (r *Reporter) TimerRunning() bool {
	running := false
	r.queue.Sync(func() { running = r.stopTimer != nil })
	return running
}

func (r *Reporter) tick() {
	if !r.enabled {
		return
	}
	r.flush()
}

func (r *Reporter) revokeTimer() {
	if r.stopTimer != nil {
		close(r.stopTimer)
		r.stopTimer = nil
	}
	if r.deferredFlush != nil {
		r.deferredFlush.Stop()
		r.deferredFlush = nil
	}
}

func (r *Reporter) device() analytics.Device {
	if r.deps.Device == nil {
		return analytics.Device{}
	}
	return r.deps.Device()
}
