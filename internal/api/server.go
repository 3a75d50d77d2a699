// Package api provides the HTTP surface of the pipeline: enqueue, status,
// upload, and view-session endpoints.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vodworks/vod-pipeline/internal/auth"
	"github.com/vodworks/vod-pipeline/internal/config"
	"github.com/vodworks/vod-pipeline/internal/health"
	"github.com/vodworks/vod-pipeline/internal/ledger"
	"github.com/vodworks/vod-pipeline/internal/queue"
	"github.com/vodworks/vod-pipeline/internal/sessions"
	"github.com/vodworks/vod-pipeline/internal/storage"
)

// Server configuration constants
const (
	ReadTimeout       = 30 * time.Second
	ReadHeaderTimeout = 10 * time.Second
	WriteTimeout      = 300 * time.Second
	IdleTimeout       = 120 * time.Second
	MaxHeaderBytes    = 1 << 20 // 1 MB
)

// Server represents the HTTP server for the API.
type Server struct {
	httpServer  *http.Server
	cfg         *config.Config
	log         *slog.Logger
	rateLimiter *auth.RateLimiter
}

// ServerConfig holds dependencies for the server.
type ServerConfig struct {
	Config         *config.Config
	Logger         *slog.Logger
	Ledger         ledger.Ledger
	Store          storage.Store
	Sessions       sessions.Store
	ImportQueue    queue.Queue
	TranscodeQueue queue.Queue
	JWTService     *auth.JWTService
	RateLimiter    *auth.RateLimiter
	HealthChecker  *health.Checker
}

// NewServer creates a new API server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	handlers := NewHandlers(&HandlersConfig{
		Config:         cfg.Config,
		Logger:         cfg.Logger,
		Ledger:         cfg.Ledger,
		Store:          cfg.Store,
		Sessions:       cfg.Sessions,
		ImportQueue:    cfg.ImportQueue,
		TranscodeQueue: cfg.TranscodeQueue,
		JWTService:     cfg.JWTService,
	})

	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("GET /health", cfg.HealthChecker.Handler())
	mux.HandleFunc("GET /health/deep", cfg.HealthChecker.DeepHandler())
	mux.HandleFunc("POST /login", handlers.LoginHandler)
	mux.HandleFunc("GET /videos/{id}", handlers.GetVideoHandler)
	mux.HandleFunc("POST /videos/{id}/sessions", handlers.StartSessionHandler)
	mux.HandleFunc("POST /sessions/{id}/end", handlers.EndSessionHandler)

	// Protected endpoints
	authMiddleware := cfg.JWTService.Middleware(cfg.RateLimiter)
	mux.HandleFunc("POST /jobs/import", authMiddleware(handlers.ImportJobHandler))
	mux.HandleFunc("POST /jobs/transcode", authMiddleware(handlers.TranscodeJobHandler))
	mux.HandleFunc("GET /jobs/{id}", authMiddleware(handlers.GetJobHandler))
	mux.HandleFunc("POST /jobs/{id}/cancel", authMiddleware(handlers.CancelJobHandler))
	mux.HandleFunc("DELETE /videos/{id}", authMiddleware(handlers.DeleteVideoHandler))
	mux.HandleFunc("PATCH /videos/{id}", authMiddleware(handlers.UpdateVideoHandler))
	mux.HandleFunc("POST /upload/init", authMiddleware(handlers.InitUploadHandler))
	mux.HandleFunc("POST /upload/complete", authMiddleware(handlers.CompleteUploadHandler))

	// Metrics endpoint (internal only)
	mux.Handle("GET /metrics", internalOnlyMiddleware(promhttp.Handler()))

	handler := CORSMiddleware(cfg.Config.CORS.AllowedOrigins)(MetricsMiddleware(mux)(mux))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Config.API.Port,
		Handler:           handler,
		ReadTimeout:       ReadTimeout,
		ReadHeaderTimeout: ReadHeaderTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
		MaxHeaderBytes:    MaxHeaderBytes,
	}

	return &Server{
		httpServer:  httpServer,
		cfg:         cfg.Config,
		log:         cfg.Logger,
		rateLimiter: cfg.RateLimiter,
	}, nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("Starting API server", "port", s.cfg.API.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down API server...")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	return s.httpServer.Shutdown(ctx)
}

// Private networks for internal-only middleware
var privateNetworks = []net.IPNet{
	{IP: net.ParseIP("10.0.0.0"), Mask: net.CIDRMask(8, 32)},
	{IP: net.ParseIP("172.16.0.0"), Mask: net.CIDRMask(12, 32)},
	{IP: net.ParseIP("192.168.0.0"), Mask: net.CIDRMask(16, 32)},
	{IP: net.ParseIP("127.0.0.0"), Mask: net.CIDRMask(8, 32)},
}

// internalOnlyMiddleware restricts access to internal networks.
func internalOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Deny if X-Forwarded-For is present (came through load balancer)
		if r.Header.Get("X-Forwarded-For") != "" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if isInternalRequest(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}

		http.Error(w, "Forbidden", http.StatusForbidden)
	})
}

// isInternalRequest checks if the request is from an internal network.
func isInternalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return ip.IsLoopback()
}
