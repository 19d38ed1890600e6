// Package http provides the HTTP control surface for autopilot.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/control"
	"github.com/fyrsmithlabs/autopilot/internal/deploy"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/loop"
	"github.com/fyrsmithlabs/autopilot/internal/state"
	"github.com/fyrsmithlabs/autopilot/internal/telemetry"
)

// Controller is the operator service the server exposes.
type Controller interface {
	Start(ctx context.Context, actor string) error
	Pause(ctx context.Context, actor string) error
	Resume(ctx context.Context, actor string) error
	Stop(ctx context.Context, actor string) error
	Status(ctx context.Context) (control.Status, error)
	Approvals() []state.ApprovalRequest
	Decide(ctx context.Context, taskID string, approve bool, actor string) (state.ApprovalRequest, error)
	Reports(ctx context.Context, limit int) ([]json.RawMessage, error)
	Transitions(ctx context.Context, limit int) ([]state.Transition, error)
	Promote(ctx context.Context) (deploy.Run, error)
	RunCycle(ctx context.Context) (loop.CycleReport, error)
}

// HealthReporter reports exporter health for GET /health.
type HealthReporter interface {
	Health() telemetry.HealthStatus
}

// Server provides HTTP endpoints for autopilot.
type Server struct {
	echo      *echo.Echo
	ctrl      Controller
	telemetry HealthReporter
	logger    *logging.Logger
	config    *Config
}

// Option configures a Server.
type Option func(*Server)

// WithTelemetry adds telemetry health to GET /health.
func WithTelemetry(t HealthReporter) Option {
	return func(s *Server) { s.telemetry = t }
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(ctrl Controller, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("controller cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9191,
		}
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Debug(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:   e,
		ctrl:   ctrl,
		logger: logger,
		config: cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/transitions", s.handleTransitions)
	v1.GET("/reports", s.handleReports)
	v1.POST("/cycle", s.handleCycle)

	ctl := v1.Group("/control")
	ctl.POST("/start", s.handleTransition(s.ctrl.Start))
	ctl.POST("/pause", s.handleTransition(s.ctrl.Pause))
	ctl.POST("/resume", s.handleTransition(s.ctrl.Resume))
	ctl.POST("/stop", s.handleTransition(s.ctrl.Stop))

	v1.GET("/approvals", s.handleApprovals)
	v1.POST("/approvals/:task/approve", s.handleDecide(true))
	v1.POST("/approvals/:task/reject", s.handleDecide(false))

	v1.POST("/deployments/promote", s.handlePromote)
}

// Echo exposes the router for extra routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
