package metrics

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds all the Prometheus metrics for botbeacon
type Metrics struct {
	// Counters
	Classifications *prometheus.CounterVec
	VisitsStored    *prometheus.CounterVec
	StoreErrors     *prometheus.CounterVec
	Duplicates      prometheus.Counter
	SinkEvents      *prometheus.CounterVec
	SinkErrors      *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	StatsCache      *prometheus.CounterVec

	// Histograms
	HTTPDuration *prometheus.HistogramVec
}

// Config holds configuration for the metrics server
type Config struct {
	Enabled    bool
	Addr       string
	TLSCert    string
	TLSKey     string
	ClientCA   string
	RequireTLS bool
}

// LoadConfig loads metrics configuration from environment variables
func LoadConfig() Config {
	return Config{
		Enabled:    getBool("METRICS_ENABLED", false),
		Addr:       getOr("METRICS_ADDR", "127.0.0.1:9090"),
		TLSCert:    getOr("METRICS_TLS_CERT", ""),
		TLSKey:     getOr("METRICS_TLS_KEY", ""),
		ClientCA:   getOr("METRICS_CLIENT_CA", ""),
		RequireTLS: getBool("METRICS_REQUIRE_TLS", false),
	}
}

// NewMetrics creates the botbeacon metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Classifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botbeacon_classifications_total",
				Help: "Requests classified by decision and bot type",
			},
			[]string{"decision", "bot_type"},
		),

		VisitsStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botbeacon_visits_stored_total",
				Help: "Bot visits persisted by ingestion method",
			},
			[]string{"method"},
		),

		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botbeacon_store_errors_total",
				Help: "Errors writing to or reading from the visit store",
			},
			[]string{"store", "op"},
		),

		Duplicates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "botbeacon_duplicates_skipped_total",
				Help: "Bot visits acknowledged but not stored by the duplicate guard",
			},
		),

		SinkEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botbeacon_sink_events_total",
				Help: "Visits mirrored to a sink",
			},
			[]string{"sink"},
		),

		SinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botbeacon_sink_errors_total",
				Help: "Total errors writing to a sink",
			},
			[]string{"sink", "error_type"},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botbeacon_http_requests_total",
				Help: "Total HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "method", "status"},
		),

		StatsCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botbeacon_stats_cache_total",
				Help: "Stats cache lookups by result",
			},
			[]string{"result"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "botbeacon_http_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.Classifications,
			m.VisitsStored,
			m.StoreErrors,
			m.Duplicates,
			m.SinkEvents,
			m.SinkErrors,
			m.HTTPRequests,
			m.StatsCache,
			m.HTTPDuration,
		)
	}

	return m
}

// Server represents the metrics HTTP server
type Server struct {
	server *http.Server
	config Config
	log    zerolog.Logger
}

// NewServer creates a metrics server exposing gatherer on /metrics
func NewServer(config Config, gatherer prometheus.Gatherer, log zerolog.Logger) (*Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:         config.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if config.RequireTLS && config.TLSCert != "" && config.TLSKey != "" {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		// mTLS when a client CA is provided
		if config.ClientCA != "" {
			clientCAs, err := loadCertPool(config.ClientCA)
			if err != nil {
				return nil, fmt.Errorf("metrics: failed to load client CA: %w", err)
			}
			tlsConfig.ClientCAs = clientCAs
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
			log.Info().Str("client_ca", config.ClientCA).Msg("metrics: mTLS enabled")
		}

		srv.TLSConfig = tlsConfig
	}

	return &Server{
		server: srv,
		config: config,
		log:    log,
	}, nil
}

// Handler exposes the server's mux.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start starts the metrics server in a separate goroutine
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.log.Info().Msg("metrics: disabled (METRICS_ENABLED=false)")
		return nil
	}

	go func() {
		var err error
		if s.config.RequireTLS && s.config.TLSCert != "" && s.config.TLSKey != "" {
			s.log.Info().Str("addr", s.config.Addr).Msg("metrics: HTTPS server listening")
			err = s.server.ListenAndServeTLS(s.config.TLSCert, s.config.TLSKey)
		} else {
			s.log.Info().Str("addr", s.config.Addr).Msg("metrics: HTTP server listening")
			err = s.server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("metrics: server error")
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	s.log.Info().Msg("metrics: shutting down server")
	return s.server.Shutdown(ctx)
}

// Helper functions
func getOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func loadCertPool(certFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", certFile)
	}
	return pool, nil
}

// Convenience methods for common operations. All are safe on a nil *Metrics.

func (m *Metrics) IncrementClassification(isBot bool, botType string) {
	if m == nil {
		return
	}
	decision := "human"
	if isBot {
		decision = "bot"
	}
	m.Classifications.WithLabelValues(decision, botType).Inc()
}

func (m *Metrics) IncrementVisitsStored(method string) {
	if m == nil {
		return
	}
	m.VisitsStored.WithLabelValues(method).Inc()
}

func (m *Metrics) IncrementStoreErrors(store, op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(store, op).Inc()
}

func (m *Metrics) IncrementDuplicates() {
	if m == nil {
		return
	}
	m.Duplicates.Inc()
}

func (m *Metrics) IncrementSinkEvents(sink string) {
	if m == nil {
		return
	}
	m.SinkEvents.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncrementSinkErrors(sink, errorType string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(sink, errorType).Inc()
}

func (m *Metrics) IncrementHTTPRequests(endpoint, method, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(endpoint, method, status).Inc()
}

func (m *Metrics) IncrementStatsCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.StatsCache.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveHTTPDuration(endpoint, method string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}
