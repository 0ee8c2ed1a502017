// Package server exposes a qrelay.Client over HTTP.
package server

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/glimte/qrelay"
	"github.com/glimte/qrelay/health"
	"github.com/glimte/qrelay/interceptors"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// Server routes HTTP requests to the queue client
type Server struct {
	client          *qrelay.Client
	cfg             qrelay.Config
	logger          *slog.Logger
	receiveWait     time.Duration
	exposeEnv       bool
	shutdownTimeout time.Duration
	healthTimeout   time.Duration
	registry        *health.Registry
	handler         http.Handler
}

// Option configures the server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithReceiveWait bounds how long GET /dequeue waits for a message
func WithReceiveWait(wait time.Duration) Option {
	return func(s *Server) {
		if wait > 0 {
			s.receiveWait = wait
		}
	}
}

// WithExposeEnv registers GET /env. The connection string it reports is
// redacted.
func WithExposeEnv(expose bool) Option {
	return func(s *Server) {
		s.exposeEnv = expose
	}
}

// WithShutdownTimeout bounds graceful shutdown
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.shutdownTimeout = timeout
		}
	}
}

// WithHealthTimeout bounds each readiness run
func WithHealthTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.healthTimeout = timeout
		}
	}
}

// New creates a server for client. cfg is only used to describe the
// configuration on /env and the index page.
func New(client *qrelay.Client, cfg qrelay.Config, options ...Option) *Server {
	s := &Server{
		client:          client,
		cfg:             cfg,
		logger:          slog.Default(),
		receiveWait:     qrelay.DefaultReceiveWait,
		shutdownTimeout: 10 * time.Second,
		healthTimeout:   5 * time.Second,
		registry:        health.NewRegistry(),
	}

	for _, opt := range options {
		opt(s)
	}

	s.registry.Register(health.NewTransportChecker(client.Transport(), s.logger))
	s.registry.Register(health.NewQueueChecker(client.Transport(), client.Queue(), s.logger))
	s.registry.Register(health.NewRuntimeChecker(5000, 20000))
	s.registry.SetMetadata("transport", client.Transport().Name())
	s.registry.SetMetadata("queue", client.Queue())

	s.handler = interceptors.NewDefaultInterceptorChainBuilder(s.logger).
		WithRequestID().
		WithLogging(interceptors.WithMaxBodyBytes(maxPayloadBytes)).
		WithRecovery().
		Build().
		Then(s.routes())

	return s
}

// Handler returns the root handler with all interceptors applied
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Health returns the readiness registry
func (s *Server) Health() *health.Registry {
	return s.registry
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	static, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /favicon.ico", s.handleFavicon)
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(static)))
	mux.HandleFunc("POST /hello", s.handleHello)
	mux.HandleFunc("POST /enqueue", s.handleEnqueue)
	mux.HandleFunc("GET /dequeue", s.handleDequeue)
	mux.HandleFunc("POST /test", s.handleTest)
	if s.exposeEnv {
		mux.HandleFunc("GET /env", s.handleEnv)
	}

	mux.Handle("GET /healthz", health.LivenessHandler())
	mux.Handle("GET /readyz", health.ReadinessHandler(s.registry, s.healthTimeout))
	mux.Handle("GET /health", health.NewHandler(s.registry, s.healthTimeout))

	return mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. A clean shutdown returns nil.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelError),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening",
			"addr", ln.Addr().String(),
			"transport", s.client.Transport().Name(),
			"queue", s.client.Queue(),
			"exposeEnv", s.exposeEnv)
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

	s.logger.Info("shutting down http server", "timeout", s.shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
