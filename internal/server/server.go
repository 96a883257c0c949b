// Package server exposes the range query, recent samples, the latest
// sample, the health verdict and Prometheus metrics over HTTP.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"codeberg.org/mutker/hostmon/internal/errors"
	"codeberg.org/mutker/hostmon/internal/health"
	"codeberg.org/mutker/hostmon/internal/logger"
	"codeberg.org/mutker/hostmon/internal/metrics"
	"codeberg.org/mutker/hostmon/internal/sampler"
	"github.com/gorilla/mux"
)

// Querier answers range queries.
type Querier interface {
	Query(ctx context.Context, rangeHours float64) ([]metrics.Sample, error)
	DefaultRangeHours() float64
}

// SamplerView exposes the in-memory side of the sampler.
type SamplerView interface {
	Recent(fromMs int64) []metrics.RawSample
	Latest() (metrics.RawSample, bool)
	State() sampler.State
}

// StoreView is the read-only part of the store used by status endpoints.
type StoreView interface {
	Latest(ctx context.Context) (metrics.RawSample, bool, error)
	Stats(ctx context.Context) (metrics.Stats, error)
}

// HealthEvaluator grades the latest sample.
type HealthEvaluator interface {
	Evaluate(ctx context.Context, latest metrics.RawSample, ok bool) health.Report
}

type Deps struct {
	Query   Querier
	Sampler SamplerView
	Store   StoreView
	Health  HealthEvaluator
	// Metrics serves /metrics; nil leaves the route unregistered.
	Metrics http.Handler
	Clock   metrics.Clock
}

type Config struct {
	Listen            string
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Listen:            ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
}

type Server struct {
	cfg  Config
	deps Deps
	log  logger.Logger
	http *http.Server
}

func New(cfg Config, deps Deps, log logger.Logger) *Server {
	def := DefaultConfig()
	if cfg.Listen == "" {
		cfg.Listen = def.Listen
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = def.ReadHeaderTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if deps.Clock == nil {
		deps.Clock = metrics.SystemClock{}
	}

	s := &Server{cfg: cfg, deps: deps, log: log}
	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.logRequests)

	router.HandleFunc("/metrics.json", s.handleRange).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/recent", s.handleRecent).Methods(http.MethodGet)
	api.HandleFunc("/latest", s.handleLatest).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	if s.deps.Metrics != nil {
		router.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.respondErrorString(w, http.StatusNotFound, "", "no such endpoint")
	})
	return router
}

// Serve accepts connections on l until Shutdown is called. It returns nil
// after a clean shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.log.Info().Str("addr", l.Addr().String()).Msg("HTTP server listening")
	if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.New().Wrap(errors.ErrServeHTTP, err)
	}
	return nil
}

// Listen binds the configured address.
func (s *Server) Listen() (net.Listener, error) {
	l, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrServeHTTP, err)
	}
	return l, nil
}

// Shutdown stops accepting connections and waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return errors.New().Wrap(errors.ErrShutdownHTTP, err)
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("HTTP request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
