package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/roelfdiedericks/tabrelay/internal/config"
	. "github.com/roelfdiedericks/tabrelay/internal/logging"
	"github.com/roelfdiedericks/tabrelay/internal/metrics"
)

// Server serves the pool over HTTP and runs its periodic maintenance.
type Server struct {
	app      *App
	store    *metrics.Store
	watcher  *config.Watcher
	registry *prometheus.Registry
	router   chi.Router
	started  time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithStore persists metrics on the configured schedule and at shutdown.
func WithStore(st *metrics.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithWatcher runs a config watcher alongside the server.
func WithWatcher(w *config.Watcher) Option {
	return func(s *Server) { s.watcher = w }
}

// New creates a server for app.
func New(app *App, opts ...Option) *Server {
	s := &Server{
		app:      app,
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry.MustRegister(
		metrics.NewCollector(app.Metrics),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(logRequest)
	r.Use(stripHeaders)

	r.Get("/status", s.handleStatus)
	r.Route("/tabs", func(r chi.Router) {
		r.Get("/", s.handleTabs)
		r.Post("/release-all", s.handleReleaseAll)
		r.Post("/refresh", s.handleRefresh)
		r.Put("/{index}/preset", s.handleSetPreset)
		r.Get("/{index}/watch", s.handleWatch)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

// Run serves until ctx is done, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	listen := s.app.Config().HTTP.Listen
	if listen == "" {
		listen = "127.0.0.1:8765"
	}
	srv := &http.Server{
		Addr:         listen,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second, // watch lifts it per request
		IdleTimeout:  120 * time.Second,
	}

	c, err := s.schedule(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		L_info("server: listening", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			L_error("server: shutdown error", "error", err)
			return err
		}
		L_info("server: stopped")
		return nil
	})

	c.Start()
	g.Go(func() error {
		<-gctx.Done()
		<-c.Stop().Done()
		s.saveMetrics()
		return nil
	})

	if s.watcher != nil {
		g.Go(func() error {
			s.watcher.Run()
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return s.watcher.Stop()
		})
	}
	return g.Wait()
}

// logRequest logs each request at trace level.
func logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(lw, r)

		L_trace("server: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.statusCode,
			"duration", time.Since(start))
	})
}

// loggingResponseWriter wraps ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for streamed responses
func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (lw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lw.ResponseWriter
}

// stripHeaders removes fingerprinting headers
func stripHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")
		next.ServeHTTP(w, r)
	})
}
