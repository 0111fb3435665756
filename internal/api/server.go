// Package api exposes the pipeline over HTTP: document and batch submission,
// status polling, manual retry and cache administration.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lexpipe/lexpipe/pkg/cache"
	"github.com/lexpipe/lexpipe/pkg/observability"
	"github.com/lexpipe/lexpipe/pkg/pipeline"
	"github.com/lexpipe/lexpipe/pkg/queue"
	"github.com/lexpipe/lexpipe/pkg/repository"
	"github.com/lexpipe/lexpipe/pkg/storage"
)

// Server is the HTTP front of the pipeline
type Server struct {
	engine  *gin.Engine
	store   *cache.Store
	metrics *cache.Metrics
	states  *pipeline.StateStore
	gate    *pipeline.Gate
	batches *pipeline.BatchTracker
	repos   *repository.Repositories
	tasks   queue.TaskQueue
	objects storage.ObjectStore
	logger  observability.Logger
}

// Config holds the server dependencies
type Config struct {
	Store   *cache.Store
	Metrics *cache.Metrics
	States  *pipeline.StateStore
	Gate    *pipeline.Gate
	Batches *pipeline.BatchTracker
	Repos   *repository.Repositories
	Tasks   queue.TaskQueue
	Objects storage.ObjectStore
	Logger  observability.Logger
}

// NewServer builds the router and handlers
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	s := &Server{
		store:   cfg.Store,
		metrics: cfg.Metrics,
		states:  cfg.States,
		gate:    cfg.Gate,
		batches: cfg.Batches,
		repos:   cfg.Repos,
		tasks:   cfg.Tasks,
		objects: cfg.Objects,
		logger:  logger.WithPrefix("api"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())

	engine.GET("/healthz", s.handleHealth)

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/documents", s.handleCreateDocument)
		v1.GET("/documents/:id/status", s.handleDocumentStatus)
		v1.POST("/documents/:id/retry", s.handleRetryDocument)
		v1.DELETE("/documents/:id/cache", s.handleInvalidateDocument)

		v1.POST("/batches", s.handleCreateBatch)
		v1.GET("/batches/:id", s.handleBatchProgress)

		v1.GET("/cache/metrics", s.handleCacheMetrics)
	}

	s.engine = engine
	return s
}

// Handler returns the http.Handler for the server
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the context is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", map[string]interface{}{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Request handled", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	if !s.store.IsHealthy() {
		// A cache outage degrades performance, not correctness; report it
		// without failing the check
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}
