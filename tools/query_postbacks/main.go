package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/patrickwarner/openaem/internal/analytics"
	"github.com/patrickwarner/openaem/internal/config"
	"github.com/patrickwarner/openaem/internal/observability"
)

func main() {
	logger, err := observability.InitLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	var campaign string
	var dsn string
	flag.StringVar(&campaign, "campaign", "", "campaign ID from the app link")
	flag.StringVar(&dsn, "dsn", "", "ClickHouse DSN (defaults to CLICKHOUSE_DSN)")
	flag.Parse()

	if campaign == "" {
		fmt.Fprintln(os.Stderr, "campaign required")
		os.Exit(1)
	}
	cfg := config.Load()
	if dsn == "" {
		dsn = cfg.ClickHouseDSN
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := analytics.InitClickHouse(ctx, dsn, 2, 1, 5*time.Minute, 1*time.Minute)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect clickhouse: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	rows, err := a.PostbacksByCampaign(ctx, campaign)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query postbacks: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rows); err != nil {
		fmt.Fprintf(os.Stderr, "encode postbacks: %v\n", err)
		os.Exit(1)
	}
}
