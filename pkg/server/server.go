// Package server provides the HTTP API in front of the memory service.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lumenchat/recall/pkg/memory"
)

// Server is the HTTP server for the recall API.
type Server struct {
	svc    *memory.Service
	addr   string
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(svc *memory.Service, addr string, logger *zap.Logger) *Server {
	return &Server{
		svc:    svc,
		addr:   addr,
		logger: logger,
	}
}

// Router builds the chi router serving the API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.Compress(5))

	r.Post("/api/v1/context", s.handleContext)
	r.Post("/api/v1/conversations", s.handleStoreConversation)
	r.Post("/api/v1/search", s.handleSearch)
	r.Post("/api/v1/profile/warm", s.handleWarmProfile)
	r.Delete("/api/v1/users/{userID}", s.handleDeleteUser)
	r.Post("/api/v1/cache/clear", s.handleClearCache)
	r.Get("/api/v1/queue", s.handleQueue)
	r.Get("/api/v1/stats", s.handleStats)
	r.Get("/health", s.handleHealth)

	return r
}

// requestLogger logs one line per request through the injected logger.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)))
	})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
	}
	s.logger.Info("Starting server", zap.String("addr", s.addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
