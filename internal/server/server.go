package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Celdrick/mydocker/internal/config"
	"github.com/Celdrick/mydocker/internal/engine"
	"github.com/Celdrick/mydocker/internal/metrics"
	"github.com/Celdrick/mydocker/internal/store"
)

// Store is the read side of the state store the HTTP API exposes.
type Store interface {
	ListPendingByStatus(ctx context.Context, status string, limit int) ([]store.PendingEntry, error)
	CountPending(ctx context.Context) (pending, done int, err error)
	ListPushed(ctx context.Context, targetRegistry string, limit int) ([]store.PushedRecord, error)
	ListSyncRuns(ctx context.Context, target string, limit int) ([]store.SyncRun, error)
}

// Server exposes the webhook enqueue endpoint, queue status and metrics.
type Server struct {
	enqueuer   *engine.Enqueuer
	pipeline   *engine.Pipeline
	store      Store
	config     *config.Config
	logger     *slog.Logger
	httpServer *http.Server

	// syncMu allows one sync run at a time.
	syncMu sync.Mutex
}

// NewServer creates a new Server. pipeline may be nil, in which case the
// sync endpoints answer 503.
func NewServer(
	enq *engine.Enqueuer,
	pipe *engine.Pipeline,
	st Store,
	cfg *config.Config,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		enqueuer: enq,
		pipeline: pipe,
		store:    st,
		config:   cfg,
		logger:   logger,
	}
}

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	s.httpServer = &http.Server{
		Addr:        listenAddr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// Sync runs and event streams are long-lived.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes registers all HTTP routes on a new ServeMux.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/images", s.handleAPIImages)
	mux.HandleFunc("GET /api/pending", s.handleAPIPending)
	mux.HandleFunc("GET /api/pushed", s.handleAPIPushed)
	mux.HandleFunc("GET /api/status", s.handleAPIStatus)

	mux.HandleFunc("POST /api/sync", s.handleAPISync)
	mux.HandleFunc("GET /api/sync/progress", s.handleAPISyncProgress)
	mux.HandleFunc("GET /api/sync/events", s.handleAPISyncEvents)

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return mux
}
