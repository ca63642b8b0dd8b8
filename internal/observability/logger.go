package observability

import (
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger builds the logger used by the command line tools.
func InitLogger() (*zap.Logger, error) {
	return InitLoggerWithLevel(getLogLevel(), "openaem")
}

// InitLoggerWithService builds the service logger. fields are attached to
// every line, so reporters and handlers only add what varies per call
// (campaign_id, event, conversion_value).
func InitLoggerWithService(serviceName string, fields ...zap.Field) (*zap.Logger, error) {
	logger, err := InitLoggerWithLevel(getLogLevel(), serviceName)
	if err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		logger = logger.With(fields...)
		zap.ReplaceGlobals(logger)
	}
	return logger, nil
}

// ServiceFields are the identity fields the attribution server stamps on
// every log line. Empty values are left out.
func ServiceFields(appID, version, storeBackend string) []zap.Field {
	var fields []zap.Field
	if appID != "" {
		fields = append(fields, zap.String("app_id", appID))
	}
	if version != "" {
		fields = append(fields, zap.String("version", version))
	}
	if storeBackend != "" {
		fields = append(fields, zap.String("store_backend", storeBackend))
	}
	return fields
}

// InitLoggerWithLevel builds a production JSON logger at level, named after
// the service, and installs it as the global logger.
func InitLoggerWithLevel(level zapcore.Level, serviceName string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)

	// field names match what the log shipper expects
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.NameKey = "logger"
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.StacktraceKey = "stacktrace"

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	logger = logger.Named(serviceName).With(zap.String("service", serviceName))
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// getLogLevel reads LOG_LEVEL, falling back to debug in development and
// info everywhere else.
func getLogLevel() zapcore.Level {
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if level, err := zapcore.ParseLevel(strings.ToLower(raw)); err == nil {
			return level
		}
		return zap.InfoLevel
	}
	switch strings.ToLower(os.Getenv("ENV")) {
	case "development", "dev":
		return zap.DebugLevel
	default:
		return zap.InfoLevel
	}
}

// GetSamplingRate is the share of accepted deeplinks and events logged at
// info level. LOG_SAMPLE_RATE wins over the ENV default.
func GetSamplingRate() float64 {
	if raw := os.Getenv("LOG_SAMPLE_RATE"); raw != "" {
		if rate, err := strconv.ParseFloat(raw, 64); err == nil {
			return rate
		}
	}
	switch strings.ToLower(os.Getenv("ENV")) {
	case "development", "dev":
		return 1.0
	case "staging", "test":
		return 0.5
	default:
		return 0.1
	}
}

// SamplingStats counts the decisions of one Sampler.
type SamplingStats struct {
	Total   int64
	Sampled int64
	Rate    float64
}

// Sampler picks which lines of a high volume log stream are written. It is
// safe for concurrent use.
type Sampler struct {
	name    string
	rate    float64
	total   atomic.Int64
	sampled atomic.Int64
}

// NewSampler returns a sampler for the named stream. rate is clamped to
// [0, 1].
func NewSampler(name string, rate float64) *Sampler {
	return &Sampler{name: name, rate: min(max(rate, 0), 1)}
}

// Sample reports whether the next line should be written.
func (s *Sampler) Sample() bool {
	s.total.Add(1)
	var ok bool
	switch {
	case s.rate >= 1:
		ok = true
	case s.rate <= 0:
		ok = false
	default:
		ok = rand.Float64() < s.rate
	}
	if ok {
		s.sampled.Add(1)
	}
	return ok
}

// Stats returns the counts so far.
func (s *Sampler) Stats() SamplingStats {
	return SamplingStats{Total: s.total.Load(), Sampled: s.sampled.Load(), Rate: s.rate}
}

// Log writes one summary line for the stream. Nothing is logged before the
// first decision.
func (s *Sampler) Log(logger *zap.Logger) {
	stats := s.Stats()
	if stats.Total == 0 {
		return
	}
	logger.Info("log sampling summary",
		zap.String("stream", s.name),
		zap.Float64("target_rate", stats.Rate),
		zap.Float64("actual_rate", float64(stats.Sampled)/float64(stats.Total)),
		zap.Int64("total", stats.Total),
		zap.Int64("sampled", stats.Sampled))
}
