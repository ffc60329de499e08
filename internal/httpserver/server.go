// Package httpserver provides the self-hosted HTTP surface: the MCP protocol
// endpoint, health, and metrics.
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/deepgraphlabs/graphd/internal/config"
	"github.com/deepgraphlabs/graphd/internal/session"
)

// Server serves the protocol endpoint over HTTP.
type Server struct {
	echo    *echo.Echo
	mux     *session.Multiplexer
	baseCfg *config.Config
	logger  *zap.Logger
	version string
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Server    string `json:"server"`
	Version   string `json:"version"`
	Transport string `json:"transport"`
}

// NewServer creates the HTTP server. baseCfg is the process-level effective
// configuration; each request layers its query overrides on a copy.
func NewServer(baseCfg *config.Config, mux *session.Multiplexer, logger *zap.Logger, version string) (*Server, error) {
	if baseCfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if mux == nil {
		return nil, fmt.Errorf("session multiplexer is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:    e,
		mux:     mux,
		baseCfg: baseCfg,
		logger:  logger,
		version: version,
	}
	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	// The multiplexer owns method dispatch, including 405.
	s.echo.Any("/mcp", s.handleMCP)
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func (s *Server) handleMCP(c echo.Context) error {
	cfg := s.baseCfg.WithQueryOverrides(c.QueryParams())
	return s.mux.Handle(c, cfg)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Server:    "graphd",
		Version:   s.version,
		Transport: "http",
	})
}

// Echo exposes the underlying echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.baseCfg.Server.Host, s.baseCfg.Server.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown closes every live session, then drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	s.mux.CloseAll()
	return s.echo.Shutdown(ctx)
}
