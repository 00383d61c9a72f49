// Package httpapi serves the optional observability endpoints during
// ingestion. When a listen address is configured the server exposes
// GET /health, GET /metrics (Prometheus text format), and GET /runs
// (recent ingestion runs as JSON).
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/logging"
	"github.com/fyrsmithlabs/qloader/internal/state"
)

// DefaultRunLimit is how many runs GET /runs returns when the caller
// does not pass ?limit.
const DefaultRunLimit = 20

// MaxRunLimit caps ?limit so one request cannot drag the whole run
// history out of SQLite.
const MaxRunLimit = 100

// RunLister supplies recent ingestion runs for GET /runs. Implemented
// by state.Store.
type RunLister interface {
	LastRuns(ctx context.Context, projectID string, n int) ([]state.Run, error)
}

// Config holds the server settings.
type Config struct {
	// Addr is the listen address, for example 127.0.0.1:9090.
	Addr string

	// Version is reported by GET /health.
	Version string

	Logger *logging.Logger
}

// Server is the observability HTTP server.
type Server struct {
	echo    *echo.Echo
	runs    RunLister
	logger  *logging.Logger
	addr    string
	version string
}

// NewServer wires the routes. The run lister is required; /runs is the
// reason this server exists.
func NewServer(cfg Config, runs RunLister) (*Server, error) {
	if cfg.Addr == "" {
		return nil, errkind.New(errkind.Config, "httpapi: listen address is required")
	}
	if runs == nil {
		return nil, errkind.New(errkind.Config, "httpapi: run lister is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("httpapi")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))

	s := &Server{
		echo:    e,
		runs:    runs,
		logger:  logger,
		addr:    cfg.Addr,
		version: cfg.Version,
	}
	s.registerRoutes()
	return s, nil
}

// requestLogger logs completed requests at debug level; a scrape every
// few seconds would drown the ingest console at info.
func requestLogger(logger *logging.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
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
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/runs", s.handleRuns)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// RunsResponse is the body of GET /runs.
type RunsResponse struct {
	Runs []state.Run `json:"runs"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.version})
}

// handleRuns returns recent runs, newest first. ?project narrows to
// one project; ?limit overrides DefaultRunLimit.
func (s *Server) handleRuns(c echo.Context) error {
	limit := DefaultRunLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, MaxRunLimit)
	}

	runs, err := s.runs.LastRuns(c.Request().Context(), c.QueryParam("project"), limit)
	if err != nil {
		s.logger.Error(c.Request().Context(), "listing runs failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "listing runs failed")
	}
	if runs == nil {
		runs = []state.Run{}
	}
	return c.JSON(http.StatusOK, RunsResponse{Runs: runs})
}

// Start serves until Shutdown or a listener error. Closing the server
// through Shutdown is reported as success.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errkind.Wrap(errkind.Server, err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
