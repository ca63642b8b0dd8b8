package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openaem/internal/api"
	"github.com/patrickwarner/openaem/internal/attribution"
	"github.com/patrickwarner/openaem/internal/config"
	"github.com/patrickwarner/openaem/internal/geoip"
	"github.com/patrickwarner/openaem/internal/observability"
)

var version = "dev"

func main() {
	cfg := config.Load()

	logger, err := observability.InitLoggerWithService(cfg.ServiceName,
		observability.ServiceFields(cfg.AppID, version, cfg.StoreBackend)...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	defer func() {
		_ = logger.Sync()
	}()

	if err := run(logger, cfg); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdownTracing, err := observability.InitTracing(ctx, logger, observability.TracingConfig{
			ServiceName:    cfg.ServiceName,
			ServiceVersion: version,
			Endpoint:       cfg.OTLPEndpoint,
			SampleRate:     cfg.TracingSampleRate,
		})
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdownTracing()
	}

	metricsRegistry := observability.NewPrometheusRegistry()

	svc, err := attribution.Configure(ctx, cfg, logger, metricsRegistry)
	if err != nil {
		return fmt.Errorf("configure attribution: %w", err)
	}

	var geoSvc *geoip.GeoIP
	if cfg.GeoIPDB != "" {
		geoSvc, err = geoip.Init(cfg.GeoIPDB)
		if err != nil {
			logger.Warn("geoip unavailable, country lookups disabled", zap.Error(err))
		} else {
			defer func() { _ = geoSvc.Close() }()
		}
	}

	srvDeps := api.NewServer(logger, svc, geoSvc, metricsRegistry, cfg.DebugTrace)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      srvDeps.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	logger.Info("attribution server running",
		zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	srvDeps.EventLog.Log(logger)
	// queued attribution work is persisted before the process exits
	if err := svc.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("attribution shutdown: %w", err)
	}
	return runErr
}
