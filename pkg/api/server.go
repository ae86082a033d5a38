// Package api exposes the orchestrator over HTTP and WebSocket for the
// dashboard backend.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akiranaka1984/sns-orchestrator/pkg/logging"
	"github.com/akiranaka1984/sns-orchestrator/pkg/orchestrator"
)

// Config controls the HTTP server.
type Config struct {
	BindAddress   string
	ScreenshotDir string
	// PreviewHold caps how long a test preview stays open without an
	// explicit stop.
	PreviewHold time.Duration
}

// Server routes dashboard requests to the orchestrator.
type Server struct {
	cfg      Config
	orch     *orchestrator.Orchestrator
	logger   *logging.Logger
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewServer creates the API server.
func NewServer(cfg Config, orch *orchestrator.Orchestrator, logger *logging.Logger) *Server {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "127.0.0.1:8787"
	}
	if cfg.PreviewHold <= 0 {
		cfg.PreviewHold = 10 * time.Minute
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Server{
		cfg:    cfg,
		orch:   orch,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The server binds to loopback; the dashboard backend is the
				// only expected client.
				return true
			},
		},
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	if s.cfg.ScreenshotDir != "" {
		r.Handle("/screenshots/*", http.StripPrefix("/screenshots/",
			http.FileServer(http.Dir(s.cfg.ScreenshotDir))))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/accounts", s.handleListAccounts)
		r.Route("/accounts/{accountID}", func(r chi.Router) {
			r.Put("/", s.handleUpsertAccount)
			r.Get("/session", s.handleGetSession)
			r.Delete("/session", s.handleDeleteSession)
			r.Post("/login", s.handleLogin)
			r.Post("/post", s.handlePost)
			r.Post("/health", s.handleCheckHealth)
			r.Post("/preview/test", s.handleTestPreview)
			r.Post("/preview/stop", s.handleStopPreview)
			r.Get("/preview", s.handlePreviewWS)
			r.Post("/posts", s.handleSchedulePost)
			r.Get("/posts", s.handleListPosts)
		})
		r.Post("/posts/{postID}/retry", s.handleRetryPost)
	})
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.BindAddress,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug(logging.CategoryAPI, "request", "", map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
