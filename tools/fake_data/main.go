// fake_data seeds the ClickHouse audit log with synthetic postback and
// SKAdNetwork rows so reports and the MCP inspector have data to show.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patrickwarner/openaem/internal/analytics"
	"github.com/patrickwarner/openaem/internal/config"
	"github.com/patrickwarner/openaem/internal/observability"
)

var (
	campaigns = flag.Int("campaigns", 5, "number of campaigns")
	perDay    = flag.Int("postbacks", 40, "postback batches per campaign per day")
	days      = flag.Int("days", 7, "days of history to generate")
	failRate  = flag.Float64("fail-rate", 0.08, "probability a postback attempt fails")
	skanRows  = flag.Int("skan", 100, "SKAdNetwork update rows")
	seed      = flag.Int64("seed", time.Now().UnixNano(), "rng seed")
)

var (
	countries  = []string{"US", "GB", "DE", "JP", "BR", "IN"}
	osVersions = []string{"15.4", "16.0", "16.1", "17.2", "17.4"}
	events     = []string{"fb_mobile_purchase", "fb_mobile_add_to_cart", "fb_mobile_complete_registration"}
	coarse     = []string{"none", "low", "medium", "high"}
)

func main() {
	flag.Parse()

	logger, err := observability.InitLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.Load()
	if cfg.ClickHouseDSN == "" {
		logger.Fatal("CLICKHOUSE_DSN is required")
	}
	ctx := context.Background()
	a, err := analytics.InitClickHouse(ctx, cfg.ClickHouseDSN,
		cfg.CHMaxOpenConns, cfg.CHMaxIdleConns, cfg.CHConnMaxLifetime, cfg.CHConnMaxIdleTime)
	if err != nil {
		logger.Fatal("connect clickhouse", zap.Error(err))
	}
	defer a.Close()

	r := rand.New(rand.NewSource(*seed))
	now := time.Now().UTC()

	var written int
	for c := 0; c < *campaigns; c++ {
		campaignID := fmt.Sprintf("%d", 23847000000+r.Intn(1000000))
		for d := 0; d < *days; d++ {
			for i := 0; i < *perDay; i++ {
				rec := fakePostback(r, campaignID, now.Add(-time.Duration(d)*24*time.Hour-time.Duration(r.Intn(86400))*time.Second))
				if err := a.RecordPostback(ctx, rec); err != nil {
					logger.Fatal("insert postback", zap.Error(err))
				}
				written++
			}
		}
		logger.Info("seeded campaign", zap.String("campaign_id", campaignID))
	}

	for i := 0; i < *skanRows; i++ {
		rec := analytics.SKANRecord{
			Timestamp:       now.Add(-time.Duration(r.Intn(*days*86400)) * time.Second),
			Event:           events[r.Intn(len(events))],
			ConversionValue: r.Intn(64),
			CoarseValue:     coarse[r.Intn(len(coarse))],
			LockWindow:      r.Float64() < 0.05,
			Device:          fakeDevice(r),
		}
		if err := a.RecordSKANUpdate(ctx, rec); err != nil {
			logger.Fatal("insert skan update", zap.Error(err))
		}
	}

	logger.Info("fake data written",
		zap.Int("postbacks", written),
		zap.Int("skan_updates", *skanRows),
		zap.Int64("seed", *seed))
}

func fakeDevice(r *rand.Rand) analytics.Device {
	return analytics.Device{
		OS:        "iOS",
		OSVersion: osVersions[r.Intn(len(osVersions))],
		Country:   countries[r.Intn(len(countries))],
	}
}

func fakePostback(r *rand.Rand, campaignID string, ts time.Time) analytics.PostbackRecord {
	rec := analytics.PostbackRecord{
		Timestamp:       ts,
		BatchID:         uuid.NewString(),
		CampaignID:      campaignID,
		ConfigID:        ts.Add(-72 * time.Hour).Unix(),
		ConversionValue: r.Intn(8),
		Priority:        r.Intn(10),
		Outcome:         "sent",
		Attempts:        1,
		Device:          fakeDevice(r),
	}
	if r.Float64() < *failRate {
		rec.Outcome = "failed"
		rec.Attempts = 1 + r.Intn(3)
	}
	return rec
}
