package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickwarner/openaem/internal/config"
	"github.com/patrickwarner/openaem/internal/db"
	"github.com/patrickwarner/openaem/internal/observability"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	server      string
	appID       string
	campaignCSV string
	businessID  string
	totalEvents int
	conc        int
	duration    time.Duration
	rate        float64
	purchaseP   float64
	stats       bool
	flush       bool
	redisAddr   string
	debug       bool
	label       string
	jitter      float64
)

var logger *zap.Logger

var httpClient *http.Client

var (
	userAgents = []string{
		"Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1",
		"Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1",
		"Mozilla/5.0 (iPhone; CPU iPhone OS 15_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.4 Mobile/15E148 Safari/604.1",
		"Mozilla/5.0 (iPad; CPU OS 16_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Mobile/15E148 Safari/604.1",
	}
	userIPs = []string{
		"192.0.2.1",
		"198.51.100.1",
		"203.0.113.1",
	}
	funnel = []string{
		"fb_mobile_activate_app",
		"fb_mobile_content_view",
		"fb_mobile_add_to_cart",
		"fb_mobile_initiated_checkout",
	}
	currencies = []string{"USD", "EUR", "JPY"}
)

const statsInterval = 5 * time.Second

var (
	countSent     uint64
	countAccepted uint64
	countErrors   uint64
	countPurchase uint64
)

type eventBody struct {
	Event      string         `json:"event"`
	Currency   string         `json:"currency,omitempty"`
	Value      *float64       `json:"value,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func main() {
	flag.StringVar(&server, "server", "http://localhost:8787", "attribution server base URL")
	flag.StringVar(&appID, "app-id", "123", "Facebook app ID used in the deeplink scheme")
	flag.StringVar(&campaignCSV, "campaigns", "sim_campaign", "comma-separated campaign IDs to open deeplinks for")
	flag.StringVar(&businessID, "business-id", "", "advertiser ID attached to the deeplinks (optional)")
	flag.IntVar(&totalEvents, "events", 200, "total app events to send")
	flag.IntVar(&conc, "concurrency", 8, "concurrent requests")
	flag.DurationVar(&duration, "duration", 0, "how long to run (0 to disable)")
	flag.Float64Var(&rate, "rate", 0, "events per second (0 for unlimited)")
	flag.Float64Var(&purchaseP, "purchase-rate", 0.1, "probability an event is a purchase")
	flag.BoolVar(&stats, "stats", false, "print aggregated stats periodically")
	flag.BoolVar(&flush, "flush", false, "delete persisted reporter state in redis before sending")
	flag.StringVar(&redisAddr, "redis", "", "redis address (defaults to REDIS_ADDR)")
	flag.BoolVar(&debug, "debug", false, "enable verbose debug logs")
	flag.StringVar(&label, "label", "", "label to identify this run")
	flag.Float64Var(&jitter, "jitter", 0.0, "random jitter factor for event spacing")
	flag.Parse()

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	var err error
	logger, err = observability.InitLoggerWithLevel(level, "event-simulator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	httpClient = &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			MaxConnsPerHost:       50,
			IdleConnTimeout:       90 * time.Second,
		},
	}

	if label == "" {
		label = time.Now().Format(time.RFC3339)
	}

	if flush {
		flushState()
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	var rmu sync.Mutex
	pick := func(n int) int {
		rmu.Lock()
		defer rmu.Unlock()
		return r.Intn(n)
	}
	float := func() float64 {
		rmu.Lock()
		defer rmu.Unlock()
		return r.Float64()
	}

	for _, c := range strings.Split(campaignCSV, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if err := openDeeplink(c); err != nil {
			logger.Error("deeplink", zap.String("campaign", c), zap.Error(err))
			continue
		}
		logger.Info("deeplink opened", zap.String("campaign", c))
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, conc)
	done := make(chan struct{})

	var baseInterval time.Duration
	if rate > 0 {
		baseInterval = time.Duration(float64(time.Second) / rate)
	} else if duration > 0 && totalEvents > 0 {
		baseInterval = duration / time.Duration(totalEvents)
	}

	if stats {
		go func() {
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					printStats()
				case <-done:
					return
				}
			}
		}()
	}

	start := time.Now()
	next := start
	for i := 0; ; i++ {
		if totalEvents > 0 && i >= totalEvents {
			break
		}
		if duration > 0 && time.Since(start) >= duration {
			break
		}
		if baseInterval > 0 {
			effective := baseInterval
			if jitter > 0 {
				jf := 1 + (float()*2-1)*jitter
				if jf < 0.1 {
					jf = 0.1
				}
				effective = time.Duration(float64(effective) * jf)
			}
			if now := time.Now(); now.Before(next) {
				time.Sleep(next.Sub(now))
			}
			next = next.Add(effective)
		}

		body := eventBody{Event: funnel[pick(len(funnel))]}
		if float() < purchaseP {
			v := float64(pick(20000)) / 100
			body = eventBody{
				Event:    "fb_mobile_purchase",
				Currency: currencies[pick(len(currencies))],
				Value:    &v,
				Parameters: map[string]any{
					"fb_content": []map[string]any{{"id": fmt.Sprintf("sku_%d", pick(50)), "quantity": 1 + pick(3)}},
				},
			}
			atomic.AddUint64(&countPurchase, 1)
		}
		ua := userAgents[pick(len(userAgents))]
		ip := userIPs[pick(len(userIPs))]

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			atomic.AddUint64(&countSent, 1)
			if err := sendEvent(body, ua, ip); err != nil {
				atomic.AddUint64(&countErrors, 1)
				logger.Error("event", zap.String("event", body.Event), zap.Error(err))
				return
			}
			atomic.AddUint64(&countAccepted, 1)
			logger.Debug("event", zap.String("event", body.Event), zap.String("ip", ip))
		}()
	}
	wg.Wait()
	close(done)
	printStats()
}

func deeplinkURL(campaign string) string {
	data := map[string]any{
		"campaign_ids": campaign,
		"acs_token":    fmt.Sprintf("sim_token_%s", campaign),
	}
	if businessID != "" {
		data["advertiser_id"] = businessID
	}
	blob, _ := json.Marshal(data)
	return fmt.Sprintf("fb%s://open?%s", appID, url.Values{"al_applink_data": {string(blob)}}.Encode())
}

func openDeeplink(campaign string) error {
	blob, err := json.Marshal(map[string]string{"url": deeplinkURL(campaign)})
	if err != nil {
		return err
	}
	return post("/deeplink", blob, nil)
}

func sendEvent(body eventBody, ua, ip string) error {
	blob, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return post("/events", blob, map[string]string{"User-Agent": ua, "X-Forwarded-For": ip})
}

func post(path string, blob []byte, headers map[string]string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "POST", strings.TrimRight(server, "/")+path, bytes.NewReader(blob))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func flushState() {
	cfg := config.Load()
	addr := redisAddr
	if addr == "" {
		addr = cfg.RedisAddr
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := db.InitRedis(ctx, addr, cfg.StorePrefix)
	if err != nil {
		logger.Fatal("redis connect", zap.Error(err))
	}
	defer store.Close()

	keys := []string{
		db.KeyInvocations,
		db.KeyConfigs,
		db.KeyConfigRefresh,
		db.KeyMinAggregationStamp,
		db.KeySKANState,
		db.KeySKANConfig,
	}
	for _, k := range keys {
		if err := store.Delete(ctx, k); err != nil {
			logger.Error("delete key", zap.String("key", k), zap.Error(err))
		}
	}
	logger.Info("reporter state flushed", zap.String("addr", addr), zap.String("prefix", cfg.StorePrefix))
}

func printStats() {
	logger.Info("stats",
		zap.String("run", label),
		zap.Uint64("sent", atomic.LoadUint64(&countSent)),
		zap.Uint64("accepted", atomic.LoadUint64(&countAccepted)),
		zap.Uint64("purchases", atomic.LoadUint64(&countPurchase)),
		zap.Uint64("errors", atomic.LoadUint64(&countErrors)))
}
