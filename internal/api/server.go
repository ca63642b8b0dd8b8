package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/patrickwarner/openaem/internal/attribution"
	"github.com/patrickwarner/openaem/internal/geoip"
	"github.com/patrickwarner/openaem/internal/middleware"
	"github.com/patrickwarner/openaem/internal/observability"
)

// maxBodyBytes caps request bodies on the ingest endpoints.
const maxBodyBytes = 1 << 20

// Server groups dependencies for HTTP handlers.
type Server struct {
	Logger      *zap.Logger
	Attribution *attribution.Service
	GeoIP       *geoip.GeoIP
	Metrics     observability.MetricsRegistry
	DebugTrace  bool
	// EventLog decides which accepted events get an info line.
	EventLog *observability.Sampler
}

// NewServer constructs a Server.
func NewServer(logger *zap.Logger, svc *attribution.Service, geo *geoip.GeoIP, metrics observability.MetricsRegistry, debug bool) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Server{
		Logger:      logger,
		Attribution: svc,
		GeoIP:       geo,
		Metrics:     metrics,
		DebugTrace:  debug,
		EventLog:    observability.NewSampler("events", observability.GetSamplingRate()),
	}
}

// Router registers every endpoint on a mux router wrapped with request id,
// trace logging and otelhttp instrumentation.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/deeplink", s.DeeplinkHandler).Methods("POST")
	r.HandleFunc("/events", s.EventHandler).Methods("POST")
	r.HandleFunc("/invocations", s.InvocationsHandler).Methods("GET")
	r.HandleFunc("/configurations", s.ConfigurationsHandler).Methods("GET")
	r.HandleFunc("/skan", s.SKANHandler).Methods("GET")
	r.HandleFunc("/postbacks/{campaign}", s.PostbacksHandler).Methods("GET")
	r.HandleFunc("/flush", s.FlushHandler).Methods("POST")
	r.HandleFunc("/health", s.HealthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler())

	var h http.Handler = r
	h = middleware.WithTraceLogger(s.Logger)(h)
	h = middleware.WithRequestID(h)
	return otelhttp.NewHandler(h, "openaem")
}

// requestTimer records the request counter and latency for one endpoint.
type requestTimer struct {
	s        *Server
	endpoint string
	method   string
	start    time.Time
}

func (s *Server) timer(endpoint, method string) requestTimer {
	return requestTimer{s: s, endpoint: endpoint, method: method, start: time.Now()}
}

func (t requestTimer) done(status int) {
	t.s.Metrics.IncrementRequests(t.endpoint, t.method, strconv.Itoa(status))
	t.s.Metrics.RecordRequestLatency(t.endpoint, t.method, time.Since(t.start))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
