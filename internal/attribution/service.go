// Package attribution wires the AEM and SKAdNetwork reporters to their
// storage, Graph API client and audit log behind one service with an
// explicit Configure/Shutdown lifecycle.
package attribution

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/openaem/internal/aem"
	"github.com/patrickwarner/openaem/internal/analytics"
	"github.com/patrickwarner/openaem/internal/config"
	"github.com/patrickwarner/openaem/internal/db"
	"github.com/patrickwarner/openaem/internal/graph"
	"github.com/patrickwarner/openaem/internal/observability"
	"github.com/patrickwarner/openaem/internal/ratelimit"
	"github.com/patrickwarner/openaem/internal/reporter"
	"github.com/patrickwarner/openaem/internal/skadnetwork"
)

var (
	// ErrDisabled is returned for operations on a reporter turned off by
	// configuration.
	ErrDisabled = errors.New("attribution: reporter disabled")
	// ErrUnknownBackend is returned for an unsupported STORE_BACKEND.
	ErrUnknownBackend = errors.New("attribution: unknown store backend")
)

// Event is one app event as logged by the host application.
type Event struct {
	Name       string         `json:"event"`
	Currency   string         `json:"currency,omitempty"`
	Value      *float64       `json:"value,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// InvocationStatus is a tracked invocation with its lifecycle state.
type InvocationStatus struct {
	*aem.Invocation
	State string `json:"state"`
}

// Components are the backends a Service runs on. Configure builds them
// from the environment; tests supply their own.
type Components struct {
	Store   db.BlobStore
	Graph   graph.Requester
	Auditor analytics.Auditor
	Updater skadnetwork.Updater
	closers []func()
}

// Service owns both reporters. It is safe for concurrent use.
type Service struct {
	cfg     config.Config
	comps   Components
	logger  *zap.Logger
	metrics observability.MetricsRegistry

	aem  *reporter.Reporter
	skan *skadnetwork.Reporter

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	device analytics.Device
}

// Configure builds the store, Graph client and audit log selected by cfg
// and starts the reporters.
func Configure(ctx context.Context, cfg config.Config, logger *zap.Logger, metrics observability.MetricsRegistry) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	comps, err := buildComponents(ctx, cfg, logger, metrics)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, comps, logger, metrics), nil
}

func buildComponents(ctx context.Context, cfg config.Config, logger *zap.Logger, metrics observability.MetricsRegistry) (Components, error) {
	var comps Components
	store, closeStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return comps, err
	}
	comps.Store = store
	if closeStore != nil {
		comps.closers = append(comps.closers, closeStore)
	}

	auditor, closeAuditor := OpenAuditor(ctx, cfg, logger)
	comps.Auditor = auditor
	if closeAuditor != nil {
		comps.closers = append(comps.closers, closeAuditor)
	}

	limiter := ratelimit.NewKeyedLimiter(ratelimit.Config{
		Capacity:   cfg.GraphRateBurst,
		RefillRate: cfg.GraphRateLimit,
		Enabled:    cfg.GraphRateLimit > 0,
	}, metrics)
	comps.Graph = graph.NewClient(graph.Options{
		BaseURL:     cfg.GraphBaseURL,
		AccessToken: cfg.GraphToken,
		Timeout:     cfg.GraphTimeout,
		Limiter:     limiter,
	}, logger.Named("graph"), metrics)
	return comps, nil
}

// OpenStore connects the persistence backend named by cfg.StoreBackend.
// The returned close function is nil for backends without connections.
func OpenStore(ctx context.Context, cfg config.Config) (db.BlobStore, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		return db.NewMemoryStore(), nil, nil
	case "file", "":
		fs, err := db.InitFileStore(cfg.StoreDir)
		if err != nil {
			return nil, nil, err
		}
		return fs, nil, nil
	case "redis":
		rs, err := db.InitRedis(ctx, cfg.RedisAddr, cfg.StorePrefix)
		if err != nil {
			return nil, nil, err
		}
		return rs, rs.Close, nil
	case "postgres":
		pg, err := db.InitPostgres(ctx, cfg.PostgresDSN, cfg.StateTable,
			cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.StoreBackend)
	}
}

// OpenAuditor connects the ClickHouse audit log when CLICKHOUSE_DSN is set.
// Without it, or when ClickHouse is unreachable, rows are discarded.
func OpenAuditor(ctx context.Context, cfg config.Config, logger *zap.Logger) (analytics.Auditor, func()) {
	if cfg.ClickHouseDSN == "" {
		return analytics.Nop{}, nil
	}
	ch, err := analytics.InitClickHouse(ctx, cfg.ClickHouseDSN,
		cfg.CHMaxOpenConns, cfg.CHMaxIdleConns, cfg.CHConnMaxLifetime, cfg.CHConnMaxIdleTime)
	if err != nil {
		logger.Warn("clickhouse unavailable, audit log disabled", zap.Error(err))
		return analytics.Nop{}, nil
	}
	return ch, ch.Close
}

// New starts a Service on the given components. Reporters disabled in cfg
// are not created.
func New(ctx context.Context, cfg config.Config, comps Components, logger *zap.Logger, metrics observability.MetricsRegistry) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if comps.Auditor == nil {
		comps.Auditor = analytics.Nop{}
	}
	if cfg.AppID == "" {
		logger.Warn("APP_ID is not set; Graph requests will use an empty app id")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:     cfg,
		comps:   comps,
		logger:  logger,
		metrics: metrics,
		ctx:     runCtx,
		cancel:  cancel,
	}

	if cfg.SKANEnabled {
		s.skan = skadnetwork.New(skadnetwork.Options{
			AppID:         cfg.AppID,
			ConfigRefresh: cfg.SKANConfigRefresh,
		}, skadnetwork.Deps{
			Graph:   comps.Graph,
			Store:   comps.Store,
			Auditor: comps.Auditor,
			Updater: comps.Updater,
			Logger:  logger.Named("skadnetwork"),
			Metrics: metrics,
		})
		s.skan.Enable(ctx)
		s.skan.Start(cfg.SKANTimerInterval, s.Device)
	}

	if cfg.AEMEnabled {
		deps := reporter.Deps{
			Graph:   comps.Graph,
			Store:   comps.Store,
			Auditor: comps.Auditor,
			Device:  s.Device,
			Logger:  logger.Named("aem"),
			Metrics: metrics,
		}
		if s.skan != nil {
			deps.SKAN = s.skan
		}
		s.aem = reporter.New(reporter.Options{
			AppID:               cfg.AppID,
			ConversionFiltering: cfg.ConversionFiltering,
			CatalogMatching:     cfg.CatalogMatching,
			RuleMatchInServer:   cfg.RuleMatchInServer,
			AggregationDelay:    cfg.AggregationDelay,
			ConfigRefresh:       cfg.ConfigRefresh,
			MaxRetries:          cfg.MaxPostbackRetries,
			RetryBackoff:        cfg.RetryBackoff,
			Digest:              aem.ParseDigest(cfg.HMACDigest),
		}, deps)
		s.aem.Enable(ctx)
		s.aem.Start(runCtx, cfg.PostbackInterval)
	}

	logger.Info("attribution service configured",
		zap.Bool("aem", s.aem != nil),
		zap.Bool("skadnetwork", s.skan != nil),
		zap.String("store", cfg.StoreBackend))
	return s
}

// HandleURL tracks the campaign carried by a deeplink.
func (s *Service) HandleURL(ctx context.Context, rawURL string) error {
	if s.aem == nil {
		return ErrDisabled
	}
	_, span := observability.Tracer("attribution").Start(ctx, "attribution.handle_url")
	defer span.End()
	if _, err := s.aem.ParseURL(rawURL); err != nil {
		s.metrics.IncrementDeeplinks("invalid")
		return err
	}
	s.aem.HandleURL(rawURL)
	return nil
}

// RecordAndUpdateEvent hands an app event to both reporters. The work is
// queued; nothing is reported back.
func (s *Service) RecordAndUpdateEvent(ctx context.Context, ev Event, device analytics.Device) {
	_, span := observability.Tracer("attribution").Start(ctx, "attribution.record_event")
	span.SetAttributes(attribute.String("event.name", ev.Name))
	defer span.End()

	s.mu.Lock()
	s.device = device
	s.mu.Unlock()

	s.metrics.IncrementEvents("received")
	if s.skan != nil {
		s.skan.RecordAndUpdateEvent(ev.Name, ev.Currency, ev.Value, device)
	}
	if s.aem != nil {
		s.aem.RecordAndUpdateEvent(ev.Name, ev.Currency, ev.Value, ev.Parameters)
	}
}

// Device returns the device of the most recent event.
func (s *Service) Device() analytics.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// Invocations returns the tracked AEM invocations with their states.
func (s *Service) Invocations() ([]InvocationStatus, error) {
	if s.aem == nil {
		return nil, ErrDisabled
	}
	states := s.aem.InvocationStates()
	snap := s.aem.Snapshot()
	out := make([]InvocationStatus, 0, len(snap))
	for _, inv := range snap {
		st, ok := states[inv.CampaignID]
		if !ok {
			st = inv.State(nil)
		}
		out = append(out, InvocationStatus{Invocation: inv, State: st.String()})
	}
	return out, nil
}

// Configurations returns the cached AEM configurations.
func (s *Service) Configurations() ([]*aem.Configuration, error) {
	if s.aem == nil {
		return nil, ErrDisabled
	}
	return s.aem.Configurations(), nil
}

// SKANStatus is the SKAdNetwork view exposed for inspection.
type SKANStatus struct {
	State          skadnetwork.State `json:"state"`
	Cutoff         bool              `json:"cutoff"`
	PostbackWindow int               `json:"postback_window"`
	Configured     bool              `json:"configured"`
}

// SKANState returns the SKAdNetwork conversion state.
func (s *Service) SKANState() (SKANStatus, error) {
	if s.skan == nil {
		return SKANStatus{}, ErrDisabled
	}
	return SKANStatus{
		State:          s.skan.Snapshot(),
		Cutoff:         s.skan.ShouldCutoff(),
		PostbackWindow: s.skan.PostbackSequenceIndex(),
		Configured:     s.skan.Configuration() != nil,
	}, nil
}

// PostbacksByCampaign reads the audit rows of one campaign.
func (s *Service) PostbacksByCampaign(ctx context.Context, campaignID string) ([]analytics.PostbackRecord, error) {
	return s.comps.Auditor.PostbacksByCampaign(ctx, campaignID)
}

// Flush sends due AEM postbacks without waiting for the timer.
func (s *Service) Flush() {
	if s.aem != nil {
		s.aem.Flush()
	}
}

// Drain waits until both reporters are idle.
func (s *Service) Drain() {
	if s.skan != nil {
		s.skan.Drain()
	}
	if s.aem != nil {
		s.aem.Drain()
	}
	// AEM work may consult SKAdNetwork state queued behind it
	if s.skan != nil {
		s.skan.Drain()
	}
}

// Ping checks the persistence backend.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.comps.Store.Load(ctx, db.KeyInvocations)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	return nil
}

// Shutdown stops the timers, waits for queued work and closes the
// backends. It gives up when ctx is done.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.cancel()
		if s.aem != nil {
			s.aem.Close()
		}
		if s.skan != nil {
			s.skan.Close()
		}
		for _, closeFn := range s.comps.closers {
			closeFn()
		}
	}()
	select {
	case <-done:
		s.logger.Info("attribution service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
