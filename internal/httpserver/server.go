package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/onexay/docvs/internal/config"
	"github.com/onexay/docvs/internal/identity"
	"github.com/onexay/docvs/internal/metrics"
	"github.com/onexay/docvs/internal/service"
)

// Server wraps the HTTP server configuration and dependencies.
type Server struct {
	addr            string
	handler         http.Handler
	svc             *service.Service
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

// NewServer creates an HTTP server with routes and middleware.
func NewServer(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	svc, err := service.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	return &Server{
		addr:            cfg.APIAddr,
		handler:         Routes(svc, cfg, logger),
		svc:             svc,
		logger:          logger,
		shutdownTimeout: cfg.ShutdownTimeout,
	}, nil
}

// Routes mounts the API, the public share view, health and metrics.
func Routes(svc *service.Service, cfg config.Config, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.RegisterCollectors(reg)

	var provider identity.Provider = identity.HeaderProvider{}
	if cfg.Auth.JWTSecret != "" {
		provider = identity.NewJWTProvider(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	}
	api := identity.Middleware(provider)(service.Handler(svc))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/share/", service.ShareHandler(svc))
	mux.Handle("/api/v1/", api)
	mux.Handle("/swagger", api)
	mux.Handle("/swagger/", api)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", identity.HeaderUserID},
	})
	return c.Handler(accessLog(logger, mux))
}

// Handler exposes the assembled routes.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run starts the HTTP server and blocks until ctx is cancelled, then drains
// in-flight requests and flushes open sessions.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
	}

	timeout := s.shutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("shutting down")
	return errors.Join(serveErr, srv.Shutdown(shutdownCtx), s.svc.Close(shutdownCtx))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func accessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
