package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/shortontech/botbeacon/internal/cache"
	"github.com/shortontech/botbeacon/internal/classify"
	httpx "github.com/shortontech/botbeacon/internal/http"
	"github.com/shortontech/botbeacon/internal/ingest"
	"github.com/shortontech/botbeacon/internal/logging"
	"github.com/shortontech/botbeacon/internal/metrics"
	"github.com/shortontech/botbeacon/internal/report"
	"github.com/shortontech/botbeacon/internal/sink"
	"github.com/shortontech/botbeacon/internal/store"
	"github.com/shortontech/botbeacon/pkg/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	healthcheck := flag.Bool("healthcheck", false, "check /healthz on the configured address and exit")
	flag.Parse()

	cfg := config.Load()

	if *healthcheck {
		host, port := healthCheckTarget(cfg.ServerAddr)
		if err := performHealthCheck(host, port); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := build(ctx, cfg, metrics.LoadConfig(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup")
	}

	srv := startHTTPServer(cfg, a.handler, log)

	if cfg.TestMode {
		go runTestMode(ctx, localEndpoint(cfg), logging.Component(log, "testmode"))
	}

	waitForShutdown(srv, a, log)
}

// app holds everything main has to shut down.
type app struct {
	handler    http.Handler
	store      store.Store
	dispatcher *sink.Dispatcher
	metricsSrv *metrics.Server
}

func build(ctx context.Context, cfg config.Config, mcfg metrics.Config, log zerolog.Logger) (*app, error) {
	classifier, err := classify.FromFile(cfg.TaxonomyPath)
	if err != nil {
		return nil, err
	}
	log.Info().Str("taxonomy", classifier.Version()).Msg("classifier loaded")

	st, err := store.Open(ctx, cfg.StoreDriver, cfg.StoreDSN, cfg.StoreTable)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info().Str("store", st.Name()).Msg("store opened")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	metricsSrv, err := metrics.NewServer(mcfg, reg, logging.Component(log, "metrics"))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := metricsSrv.Start(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	sinks := initializeSinks(ctx, cfg.Outputs, log)
	dispatcher := sink.NewDispatcher(sinks, 0, m, logging.Component(log, "sink"))
	dispatcher.Start()

	c := cache.New(cfg.CacheSizeMB)
	svc := ingest.New(classifier, st,
		ingest.WithDedup(c, cfg.DedupWindow),
		ingest.WithEmit(dispatcher.Emit),
		ingest.WithMetrics(m),
		ingest.WithLogger(logging.Component(log, "ingest")),
	)

	env := httpx.Env{
		Cfg:     cfg,
		Ingest:  svc,
		Reports: report.New(st),
		Cache:   c,
		Metrics: m,
		Log:     logging.Component(log, "http"),
	}

	return &app{
		handler:    httpx.NewMux(env),
		store:      st,
		dispatcher: dispatcher,
		metricsSrv: metricsSrv,
	}, nil
}

// initializeSinks starts every configured mirror sink. A sink that fails to
// start is logged and skipped; the store remains the system of record.
func initializeSinks(ctx context.Context, outputs []string, log zerolog.Logger) []sink.Sink {
	var sinks []sink.Sink
	for _, o := range outputs {
		var s sink.Sink
		switch strings.ToLower(strings.TrimSpace(o)) {
		case "log":
			s = sink.NewLogSink()
		case "kafka":
			s = sink.NewKafkaSinkFromEnv(logging.Component(log, "kafka"))
		default:
			log.Warn().Str("output", o).Msg("unknown output ignored")
			continue
		}
		if err := s.Start(ctx); err != nil {
			log.Error().Err(err).Str("sink", s.Name()).Msg("sink failed to start")
			continue
		}
		log.Info().Str("sink", s.Name()).Msg("sink started")
		sinks = append(sinks, s)
	}
	return sinks
}

func startHTTPServer(cfg config.Config, handler http.Handler, log zerolog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", cfg.ServerAddr).
			Bool("middleware", cfg.MiddlewareMode).
			Msg("botbeacon listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	}()
	return srv
}

func waitForShutdown(srv *http.Server, a *app, log zerolog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := a.shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("shutdown")
	}
}

// shutdown stops the components in dependency order: metrics, then the sink
// dispatcher (drains queued visits), then the store.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if a.metricsSrv != nil {
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sinks: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// healthCheckTarget turns a listen address into something dialable.
func healthCheckTarget(addr string) (string, string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "127.0.0.1", "19890"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return host, port
}

func localEndpoint(cfg config.Config) string {
	host, port := healthCheckTarget(cfg.ServerAddr)
	return "http://" + net.JoinHostPort(host, port) + cfg.IngestPath
}

func endpointHostPort(endpoint string) (string, string, bool) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Hostname() == "" {
		return "", "", false
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return u.Hostname(), port, true
}

func performHealthCheck(host, port string) error {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + net.JoinHostPort(host, port) + "/healthz")
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if strings.TrimSpace(string(body)) != "ok" {
		return fmt.Errorf("unexpected response: %q", body)
	}
	return nil
}
