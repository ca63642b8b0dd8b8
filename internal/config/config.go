package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ServiceName  string
	DebugTrace   bool

	// Graph API
	AppID          string
	GraphBaseURL   string
	GraphToken     string
	GraphTimeout   time.Duration
	GraphRateLimit float64
	GraphRateBurst int

	// Persistence
	StoreBackend string
	StoreDir     string
	StorePrefix  string
	RedisAddr    string
	PostgresDSN  string
	StateTable   string

	// Audit log and client annotation
	ClickHouseDSN string
	GeoIPDB       string

	// AEM and SKAdNetwork reporters
	AEMEnabled          bool
	ConversionFiltering bool
	CatalogMatching     bool
	RuleMatchInServer   bool
	PostbackInterval    time.Duration
	AggregationDelay    time.Duration
	MaxPostbackRetries  int
	RetryBackoff        time.Duration
	HMACDigest          string
	ConfigRefresh       time.Duration
	SKANEnabled         bool
	SKANTimerInterval   time.Duration
	SKANConfigRefresh   time.Duration

	// Database connection pooling configuration
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	// ClickHouse connection pooling configuration
	CHMaxOpenConns    int
	CHMaxIdleConns    int
	CHConnMaxLifetime time.Duration
	CHConnMaxIdleTime time.Duration
	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64
}

// Load parses environment variables and returns a Config populated with
// defaults when variables are absent.
func Load() Config {
	cfg := Config{}

	cfg.Port = getenv("PORT", "8787")
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", 5*time.Second)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", 10*time.Second)
	cfg.ServiceName = getenv("SERVICE_NAME", "openaem")
	cfg.DebugTrace = envBool("DEBUG_TRACE", false)

	cfg.AppID = getenv("APP_ID", "")
	cfg.GraphBaseURL = getenv("GRAPH_BASE_URL", "https://graph.facebook.com/v17.0")
	cfg.GraphToken = getenv("GRAPH_ACCESS_TOKEN", "")
	cfg.GraphTimeout = envDuration("GRAPH_TIMEOUT", 10*time.Second)
	cfg.GraphRateLimit = envFloat("GRAPH_RATE_LIMIT", 5)
	cfg.GraphRateBurst = envInt("GRAPH_RATE_BURST", 10)

	cfg.StoreBackend = getenv("STORE_BACKEND", "file")
	cfg.StoreDir = getenv("STORE_DIR", "./data")
	cfg.StorePrefix = getenv("STORE_PREFIX", "openaem:")
	cfg.RedisAddr = getenv("REDIS_ADDR", "localhost:6379")
	cfg.PostgresDSN = getenv("POSTGRES_DSN", "postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable")
	cfg.StateTable = getenv("STATE_TABLE", "aem_state")

	// empty disables the audit log
	cfg.ClickHouseDSN = getenv("CLICKHOUSE_DSN", "")
	cfg.GeoIPDB = getenv("GEOIP_DB", "")

	cfg.AEMEnabled = envBool("AEM_ENABLED", true)
	cfg.ConversionFiltering = envBool("AEM_CONVERSION_FILTERING", false)
	cfg.CatalogMatching = envBool("AEM_CATALOG_MATCHING", false)
	cfg.RuleMatchInServer = envBool("AEM_ADVERTISER_RULE_MATCH_IN_SERVER", false)
	cfg.PostbackInterval = envDuration("AEM_POSTBACK_INTERVAL", 30*time.Second)
	cfg.AggregationDelay = envDuration("AEM_AGGREGATION_DELAY", 3*time.Second)
	// 0 retries forever, as devices do
	cfg.MaxPostbackRetries = envInt("AEM_MAX_POSTBACK_RETRIES", 0)
	cfg.RetryBackoff = envDuration("AEM_RETRY_BACKOFF", 0)
	cfg.HMACDigest = getenv("AEM_HMAC_DIGEST", "sha256")
	cfg.ConfigRefresh = envDuration("AEM_CONFIG_REFRESH", 24*time.Hour)
	cfg.SKANEnabled = envBool("SKAN_ENABLED", true)
	// 0 uses the timer_interval of the SKAdNetwork configuration
	cfg.SKANTimerInterval = envDuration("SKAN_TIMER_INTERVAL", 0)
	cfg.SKANConfigRefresh = envDuration("SKAN_CONFIG_REFRESH", 24*time.Hour)

	// Database connection pooling configuration
	cfg.DBMaxOpenConns = envInt("DB_MAX_OPEN_CONNS", 10)
	cfg.DBMaxIdleConns = envInt("DB_MAX_IDLE_CONNS", 2)
	cfg.DBConnMaxLifetime = envDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.DBConnMaxIdleTime = envDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute)

	// ClickHouse connection pooling configuration
	cfg.CHMaxOpenConns = envInt("CH_MAX_OPEN_CONNS", 10)
	cfg.CHMaxIdleConns = envInt("CH_MAX_IDLE_CONNS", 5)
	cfg.CHConnMaxLifetime = envDuration("CH_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.CHConnMaxIdleTime = envDuration("CH_CONN_MAX_IDLE_TIME", 1*time.Minute)

	// Tracing configuration
	cfg.TracingEnabled = envBool("TRACING_ENABLED", false)
	cfg.OTLPEndpoint = getenv("OTLP_ENDPOINT", "localhost:4317")
	cfg.TracingSampleRate = envFloat("TRACING_SAMPLE_RATE", 1.0) // Default to 100% sampling for dev

	return cfg
}

// getenv returns the value of the environment variable if set, otherwise def.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration parses an environment variable into a time.Duration.
// The value can be a duration string (e.g. "5s") or a number of seconds.
// If the variable is unset or invalid, def is returned.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// envBool parses a boolean environment variable. Accepted values are those
// supported by strconv.ParseBool. When unset or invalid, def is returned.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

// envInt parses an integer environment variable. When unset or invalid, def is returned.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

// envFloat parses a float64 environment variable. When unset or invalid, def is returned.
func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}
