// Package api exposes the query engine over HTTP
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/wouteroostervld/chaingraph/pkg/search"
)

// Server serves query requests against one engine
type Server struct {
	engine  *search.Engine
	metrics http.Handler
	router  *gin.Engine
}

// New builds the router. metrics may be nil, in which case /metrics is not
// served.
func New(engine *search.Engine, metrics http.Handler) *Server {
	s := &Server{engine: engine, metrics: metrics}

	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware("chaingraph"), requestLogger())
	r.GET("/healthz", s.health)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := r.Group("/v1/projects/:project")
	v1.POST("/search", s.vectorSearch)
	v1.POST("/search/filtered", s.filteredSearch)
	v1.POST("/search/combined", s.combinedSearch)
	v1.POST("/retrieve", s.retrieve)
	v1.GET("/chunks/:id", s.chunk)
	v1.GET("/graph", s.graph)
	v1.GET("/stats", s.stats)

	s.router = r
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
