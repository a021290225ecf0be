// Package server exposes self-health, metrics and the operator API over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nholik/compose-medic/internal/healthcheck"
	"github.com/nholik/compose-medic/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// Options selects what each listener serves. A port of 0 disables that
// listener; equal ports share one router.
type Options struct {
	HTTPPort     int
	MetricsPort  int
	PollInterval time.Duration
	Tracker      *healthcheck.Tracker
	Metrics      *metrics.Metrics
	// Operator enables the /api/v1 routes on the HTTP listener when set.
	Operator Operator
}

type listener struct {
	label   string
	port    int
	handler http.Handler
}

// Server runs the configured HTTP listeners until its context is done.
type Server struct {
	logger    zerolog.Logger
	listeners []listener
}

// New builds the listeners described by opts.
func New(logger zerolog.Logger, opts Options) *Server {
	s := &Server{logger: logger}
	if opts.HTTPPort > 0 && opts.MetricsPort > 0 && opts.HTTPPort == opts.MetricsPort {
		r := newRouter(logger)
		registerHealthRoutes(r, opts)
		registerMetricsRoute(r, opts.Metrics)
		registerAPI(r, logger, opts.Operator)
		s.listeners = append(s.listeners, listener{label: "http/metrics", port: opts.HTTPPort, handler: r})
		return s
	}

	if opts.HTTPPort > 0 {
		r := newRouter(logger)
		registerHealthRoutes(r, opts)
		registerAPI(r, logger, opts.Operator)
		s.listeners = append(s.listeners, listener{label: "http", port: opts.HTTPPort, handler: r})
	}

	if opts.MetricsPort > 0 {
		r := newRouter(logger)
		registerMetricsRoute(r, opts.Metrics)
		s.listeners = append(s.listeners, listener{label: "metrics", port: opts.MetricsPort, handler: r})
	}
	return s
}

// Handler returns the router of the first listener, or nil when every listener is disabled.
func (s *Server) Handler() http.Handler {
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].handler
}

// Enabled reports whether any listener is configured.
func (s *Server) Enabled() bool {
	return len(s.listeners) > 0
}

func (s *Server) String() string {
	return "http-server"
}

// Serve blocks until ctx is done, then shuts every listener down.
// A listener that fails to bind ends Serve with that error.
func (s *Server) Serve(ctx context.Context) error {
	if !s.Enabled() {
		<-ctx.Done()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range s.listeners {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", l.port),
			Handler:           l.handler,
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		label, port := l.label, l.port

		g.Go(func() error {
			s.logger.Info().Str("server", label).Int("port", port).Msg("http server starting")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Str("server", label).Int("port", port).Msg("http server failed")
				return fmt.Errorf("%s server on :%d: %w", label, port, err)
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.logger.Error().Err(err).Str("server", label).Int("port", port).Msg("http server shutdown failed")
			}
			return nil
		})
	}
	return g.Wait()
}

func newRouter(logger zerolog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(logger))
	return r
}

func registerHealthRoutes(r chi.Router, opts Options) {
	r.Get("/healthz", healthcheck.HealthHandler(opts.Tracker, opts.PollInterval))
	r.Get("/readyz", healthcheck.ReadyHandler(opts.Tracker))
}

func registerMetricsRoute(r chi.Router, metricsCollector *metrics.Metrics) {
	if metricsCollector == nil {
		return
	}
	r.Handle("/metrics", metricsCollector.Handler())
}

func registerAPI(r chi.Router, logger zerolog.Logger, op Operator) {
	if op == nil {
		return
	}
	mountAPI(r, logger, op)
}

// requestLogger logs operator requests at info and probe requests at debug.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			event := logger.Debug()
			if r.Method != http.MethodGet {
				event = logger.Info()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", chimiddleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
