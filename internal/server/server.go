package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"quota-watch/internal/analytics"
	"quota-watch/internal/breaker"
	"quota-watch/internal/model"
	"quota-watch/internal/service"
	"quota-watch/internal/storage"
)

// ErrNoPort is returned when every candidate port is taken.
var ErrNoPort = errors.New("no free port")

// Refresher is the orchestrator surface the API drives.
type Refresher interface {
	TriggerRefresh(ctx context.Context, opts service.RefreshOptions) (service.CycleResult, error)
	CheckSource(ctx context.Context, sourceID string) (service.CheckResult, error)
	Telemetry() *service.Telemetry
	Breaker() *breaker.Registry
}

// Analytics answers the pull-based analytics queries.
type Analytics interface {
	GetBurnRateForecasts(ctx context.Context, sourceIDs []string, lookbackHours, maxSamples int) (map[string]analytics.BurnRateForecast, error)
	GetUsageAnomalies(ctx context.Context, sourceIDs []string, lookbackHours, maxSamples int) (map[string]analytics.AnomalyResult, error)
	GetProviderReliability(ctx context.Context, sourceIDs []string, lookbackHours, maxSamples int) (map[string]analytics.Reliability, error)
}

// QueryStore is the read side of the history store.
type QueryStore interface {
	ListSources(ctx context.Context) ([]model.Source, error)
	LatestSamples(ctx context.Context) ([]model.Sample, error)
	ListSamples(ctx context.Context, q storage.HistoryQuery) ([]model.Sample, error)
	ListResetEvents(ctx context.Context, sourceID string, limit int) ([]model.ResetEvent, error)
	ListRawSnapshots(ctx context.Context, sourceID string, limit int) ([]model.RawSnapshot, error)
}

// Options configure the query API.
type Options struct {
	DatabasePath         string
	Debug                bool
	StartedAt            time.Time
	DefaultLookbackHours int
	DefaultMaxSamples    int
	RefreshInterval      time.Duration
	SourceCount          int
	Adapters             []string
}

// Server exposes the query surface over HTTP.
type Server struct {
	opts      Options
	refresher Refresher
	analytics Analytics
	store     QueryStore
	registry  *prometheus.Registry
	logger    zerolog.Logger
	router    chi.Router
}

// New builds the router. Metrics are registered on the orchestrator's
// telemetry registry and served from /metrics.
func New(opts Options, refresher Refresher, engine Analytics, store QueryStore, logger zerolog.Logger) *Server {
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now().UTC()
	}
	if opts.DefaultLookbackHours <= 0 {
		opts.DefaultLookbackHours = 24
	}
	if opts.DefaultMaxSamples <= 0 {
		opts.DefaultMaxSamples = 500
	}
	s := &Server{
		opts:      opts,
		refresher: refresher,
		analytics: engine,
		store:     store,
		registry:  refresher.Telemetry().Registry(),
		logger:    logger.With().Str("component", "server").Logger(),
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	metrics := newHTTPMetrics(s.registry)

	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	r.Use(s.requestLogger)
	r.Use(metrics.middleware)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/agent/info", s.handleAgentInfo)
		r.Get("/usage", s.handleUsage)
		r.Get("/history", s.handleHistory)
		r.Post("/refresh", s.handleRefresh)
		r.Get("/sources", s.handleSources)
		r.Post("/sources/{id}/check", s.handleCheck)
		r.Get("/resets", s.handleResets)
		r.Get("/raw", s.handleRaw)
		r.Route("/analytics", func(r chi.Router) {
			r.Get("/burn-rate", s.handleBurnRate)
			r.Get("/anomalies", s.handleAnomalies)
			r.Get("/reliability", s.handleReliability)
		})
	})

	r.Get("/debug/breakers", s.handleBreakers)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", chiMiddleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

// Listen binds host:port, stepping to the next port while the candidate is
// taken, up to attempts tries. Port 0 asks the kernel for any free port.
func Listen(host string, port, attempts int, logger zerolog.Logger) (net.Listener, int, error) {
	if attempts <= 0 {
		attempts = 1
	}
	if host == "" {
		host = "127.0.0.1"
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		candidate := port
		if port != 0 {
			candidate = port + i
			if candidate > 65535 {
				break
			}
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(candidate)))
		if err == nil {
			bound := ln.Addr().(*net.TCPAddr).Port
			if bound != port && port != 0 {
				logger.Warn().Int("requested", port).Int("bound", bound).Msg("requested port unavailable, fell back")
			}
			return ln, bound, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("%w after %d attempts from %d: %v", ErrNoPort, attempts, port, lastErr)
}

// Serve runs the API on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("query api listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown query api: %w", err)
	}
	s.logger.Info().Msg("query api stopped")
	return nil
}

func workingDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "unknown"
	}
	return wd
}
