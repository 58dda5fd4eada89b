// Package server provides the HTTP API for matome.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/matome/internal/collection"
	"github.com/hyperjump/matome/internal/config"
	"github.com/hyperjump/matome/internal/lexical"
	"github.com/hyperjump/matome/internal/merge"
	"github.com/hyperjump/matome/internal/models"
	"github.com/hyperjump/matome/internal/storage"
)

// Engine is the merge pipeline the API drives. *merge.Engine satisfies it.
type Engine interface {
	Collection() *collection.Collection
	Search(query string, topK int) ([]lexical.Hit, error)
	ProcessBatch(ctx context.Context, candidates []models.Candidate) (*merge.BatchReport, error)
}

// WatchService manages inbox directories at runtime. *watcher.Watcher satisfies it.
type WatchService interface {
	Directories() []string
	AddDirectory(path string, syncExisting bool) error
	RemoveDirectory(path string) error
}

// Server is the HTTP server for the matome API.
type Server struct {
	engine  Engine
	archive storage.Archive
	watch   WatchService
	cfg     *config.Config
	logger  *zap.Logger
	server  *http.Server

	// batchMu serializes batch submissions.
	batchMu sync.Mutex

	configPath string
	cfgMu      sync.Mutex
}

// Option configures a Server.
type Option func(*Server)

// WithArchive exposes the run history.
func WithArchive(a storage.Archive) Option {
	return func(s *Server) { s.archive = a }
}

// WithWatch exposes inbox directory management. When configPath is set,
// directory changes are written back to the config file.
func WithWatch(w WatchService, configPath string) Option {
	return func(s *Server) {
		s.watch = w
		s.configPath = configPath
	}
}

// NewServer creates a server over engine.
func NewServer(engine Engine, cfg *config.Config, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{engine: engine, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute))
	r.Use(middleware.Compress(5))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/items", s.handleListItems)
		r.Get("/items/{id}", s.handleGetItem)
		r.Post("/search", s.handleSearch)
		r.Post("/batches", s.handleSubmitBatch)
		r.Get("/report", s.handleReport)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/watch/directories", s.handleWatchDirectoriesList)
		r.Post("/watch/directories", s.handleWatchDirectoriesAdd)
		r.Delete("/watch/directories", s.handleWatchDirectoriesRemove)
	})
	return r
}

// Start serves on the configured address and blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
