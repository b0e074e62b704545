// Package server is the optional read-only status server: health, version
// and the jobs still being tracked.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/listwatch/internal/server/handlers"
	"github.com/3leaps/listwatch/internal/server/middleware"
	"github.com/3leaps/listwatch/internal/server/response"
	"github.com/3leaps/listwatch/pkg/jobstore"
)

// VersionInfo is served on /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Option configures a Server.
type Option func(*Server)

// WithStore exposes store on /jobs and adds it to the health checks.
func WithStore(store jobstore.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithVersion sets the /version payload.
func WithVersion(v VersionInfo) Option {
	return func(s *Server) { s.version = v }
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTimeouts sets the http.Server read and write timeouts.
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
	}
}

// Server serves the status endpoints.
type Server struct {
	host string
	port int

	store   jobstore.Store
	version VersionInfo
	logger  *zap.Logger
	health  *handlers.HealthManager

	readTimeout  time.Duration
	writeTimeout time.Duration

	router  chi.Router
	httpSrv *http.Server
}

// New builds the router. Nothing listens until Start.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		version:      VersionInfo{Version: "dev"},
		logger:       zap.NewNop(),
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.health = handlers.NewHealthManager(s.version.Version)
	if s.store != nil {
		s.health.RegisterChecker("store", handlers.StoreChecker{Store: s.store})
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.Recovery)

	r.NotFound(response.NotFound)
	r.MethodNotAllowed(response.MethodNotAllowed)

	r.Get("/health", s.health.HealthHandler)
	r.Get("/health/live", s.health.LivenessHandler)
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, http.StatusOK, s.version)
	})

	jobs := handlers.Jobs{Store: s.store}
	r.Get("/jobs", jobs.List)
	r.Get("/jobs/{jobID}", jobs.Get)
	return r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Health exposes the health manager so callers can register checks.
func (s *Server) Health() *handlers.HealthManager {
	return s.health
}

// Start listens and serves until ctx is done, then shuts down within
// shutdownTimeout.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.httpSrv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}
	s.logger.Info("Status server listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
