// Package api is the HTTP interface of the manager.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/zkrx/tbot/pkg/engine"
	"github.com/zkrx/tbot/pkg/log"
)

// Server serves the manager API.
type Server struct {
	router   *gin.Engine
	engine   *engine.Engine
	gatherer prometheus.Gatherer
	log      zerolog.Logger
	srv      *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer serves metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// NewServer returns a server for eng.
func NewServer(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{
		router:   gin.New(),
		engine:   eng,
		gatherer: prometheus.DefaultGatherer,
		log:      log.WithComponent("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router.Use(gin.Recovery(), s.requestLog())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	{
		api.GET("/health", s.healthCheck)
		api.GET("/testcases", s.listTestcases)

		api.POST("/executions", s.startExecution)
		api.GET("/executions", s.listExecutions)
		api.GET("/executions/:id", s.getExecution)
		api.DELETE("/executions/:id", s.cancelExecution)
		api.POST("/cleanup", s.cleanupExecutions)
	}

	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

// Handler returns the HTTP handler, e.g. for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until Shutdown is called.
func (s *Server) Run(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server and cancels running executions.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.srv != nil {
		err = s.srv.Shutdown(ctx)
	}
	s.engine.Close()
	return err
}
