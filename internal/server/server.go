// Package server is the thin HTTP surface over the routing core.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/bufala/bufala-llm/internal/core"
)

// Server represents the HTTP server
type Server struct {
	core       *core.Core
	logger     *slog.Logger
	router     *gin.Engine
	httpServer *http.Server
	limiter    *RateLimiter
	inflight   *InferenceLimiter
}

// New builds the router for c. Nothing listens until Start.
func New(c *core.Core, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := c.Config()
	s := &Server{
		core:     c,
		logger:   logger,
		limiter:  NewRateLimiter(cfg.RateLimitPerMinute, time.Minute, cfg.RateLimitBurst),
		inflight: NewInferenceLimiter(cfg.MaxConcurrentPerClient, cfg.MaxConcurrentRequests),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware("bufala"), s.requestLogger(), s.core.Metrics().Middleware())

	router.GET("/", s.handleRoot)
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(s.core.Metrics().Handler()))

	v1 := router.Group("/v1")
	{
		v1.GET("/host", s.handleHost)
		v1.GET("/models", s.handleListModels)
		v1.POST("/models/reconcile", s.handleReconcile)
		v1.POST("/classify", s.handleClassify)
		v1.GET("/domains", s.handleListDomains)

		// Generation is expensive on the hosts this runs on.
		limited := v1.Group("", s.limiter.Middleware(), s.inflight.Middleware())
		limited.POST("/generate", s.handleGenerate)
		limited.POST("/domains/:domain", s.handleDomain)
	}
	return router
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.core.Config()
	s.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.HardCeiling() + 15*time.Second, // a request never outlives the ceiling
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", cfg.Addr(), "runtime", cfg.RuntimeHost)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutdown signal received, gracefully stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Close releases background resources held by the server.
func (s *Server) Close() {
	s.limiter.Stop()
}

// requestLogger logs all HTTP requests
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"client", c.ClientIP(),
			"took", time.Since(start))
	}
}

// writeError writes an error response and aborts the chain
func writeError(c *gin.Context, status int, errType, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"type":    errType,
		},
	})
}
