// Package server is the HTTP front end of the job service.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/3leaps/geoproc/internal/errors"
	"github.com/3leaps/geoproc/internal/server/handlers"
	"github.com/3leaps/geoproc/internal/server/middleware"
)

// Server wraps the router and the underlying http.Server.
type Server struct {
	host string
	port int

	svc     handlers.JobService
	limiter *rate.Limiter
	logger  *zap.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	router     chi.Router
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithService mounts the process and job endpoints.
func WithService(svc handlers.JobService) Option {
	return func(s *Server) { s.svc = svc }
}

// WithSubmitLimiter rate limits the execution endpoint.
func WithSubmitLimiter(l *rate.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithLogger sets the access logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTimeouts sets http.Server timeouts. Zero keeps the default.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if idle > 0 {
			s.idleTimeout = idle
		}
	}
}

// New builds a server listening on host:port once started.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		logger:       zap.NewNop(),
		readTimeout:  30 * time.Second,
		writeTimeout: 90 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.AccessLog(s.logger))

	r.NotFound(apperrors.NotFoundHandler)
	r.MethodNotAllowed(apperrors.MethodNotAllowedHandler)

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.svc != nil {
		jobs := handlers.NewJobs(s.svc)
		r.Get("/processes", jobs.ListProcesses)
		r.With(middleware.RateLimit(s.limiter)).Post("/processes/{id}/execution", jobs.Execute)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", jobs.ListActive)
			r.Get("/stored", jobs.ListStored)
			r.Get("/{id}", jobs.Status)
			r.Delete("/{id}", jobs.Forget)
			r.Get("/{id}/request", jobs.StoredRequest)
			r.Post("/{id}/cancel", jobs.Cancel)
		})
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start listens on Addr and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. A clean shutdown returns nil.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
