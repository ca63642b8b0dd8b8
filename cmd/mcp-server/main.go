package main

import (
	"bytes"
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/openaem/internal/attribution"
	"github.com/patrickwarner/openaem/internal/config"
)

func main() {
	// stdout carries the MCP stream, so logs go to stderr
	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{"stderr"}
	logger, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	logger = logger.Named("mcp-server")
	defer func() { _ = logger.Sync() }()

	cfg := config.Load()
	if cfg.StoreBackend == "memory" {
		logger.Fatal("memory store holds no state across processes; set STORE_BACKEND")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := attribution.OpenStore(ctx, cfg)
	if err != nil {
		logger.Fatal("open store", zap.Error(err), zap.String("backend", cfg.StoreBackend))
	}
	if closeStore != nil {
		defer closeStore()
	}
	auditor, closeAuditor := attribution.OpenAuditor(ctx, cfg, logger)
	if closeAuditor != nil {
		defer closeAuditor()
	}

	inspector := &Inspector{
		store:   store,
		auditor: auditor,
		logger:  logger,
		now:     time.Now,
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "openaem",
		Version: "1.0.0",
	}, nil)
	registerTools(server, inspector)

	var logBuffer bytes.Buffer
	transport := &mcp.LoggingTransport{
		Transport: &mcp.StdioTransport{},
		Writer:    &logBuffer,
	}

	logger.Info("MCP server running via stdio", zap.String("store", cfg.StoreBackend))
	if err := server.Run(ctx, transport); err != nil {
		logger.Fatal("server error", zap.Error(err), zap.String("mcp_logs", logBuffer.String()))
	}
}
