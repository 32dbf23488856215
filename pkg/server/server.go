// Package server exposes the query API over HTTP.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/carecloud/agentd/internal/metrics"
	"github.com/carecloud/agentd/pkg/agent"
	"github.com/carecloud/agentd/pkg/store"
)

// QueryExecutor is the part of the agent executor the server needs.
type QueryExecutor interface {
	Execute(ctx context.Context, req agent.Request) (*agent.Response, error)
	RunningSessions() []string
	Abort(sessionID string)
}

// Config holds server configuration
type Config struct {
	Host     string
	Port     int
	Executor QueryExecutor
	Store    *store.Store
	Logger   zerolog.Logger
}

// Server wraps the echo instance and its dependencies.
type Server struct {
	echo        *echo.Echo
	cfg         Config
	broadcaster *Broadcaster
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// New creates and configures the HTTP server.
func New(cfg Config) (*Server, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(requestLogger(cfg.Logger))

	m := metrics.NewMetrics(func() float64 {
		return float64(len(cfg.Executor.RunningSessions()))
	})

	s := &Server{
		echo:        e,
		cfg:         cfg,
		broadcaster: NewBroadcaster(cfg.Logger),
		metrics:     m,
		logger:      cfg.Logger,
	}

	handler := NewHandler(cfg.Executor, cfg.Store, s.broadcaster, m, cfg.Logger)
	handler.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	return s, nil
}

// Broadcaster returns the event broadcaster for external publishers.
func (s *Server) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// Echo exposes the router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start begins serving and blocks until the listener fails or closes.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info().Str("addr", addr).Msg("HTTP server starting")
	return s.echo.Start(addr)
}

// Shutdown drains connections and closes event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.broadcaster.Close()
	return s.echo.Shutdown(ctx)
}

// requestLogger logs one line per request through zerolog.
func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Debug().
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Msg("Request handled")

			return err
		}
	}
}
