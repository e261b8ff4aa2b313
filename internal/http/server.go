// Package http serves the tierd API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tierd/internal/clearance"
	"github.com/fyrsmithlabs/tierd/internal/llmrouter"
	"github.com/fyrsmithlabs/tierd/internal/logging"
	"github.com/fyrsmithlabs/tierd/internal/permissions"
	"github.com/fyrsmithlabs/tierd/internal/pipeline"
)

// Querier answers questions under a user's clearance.
type Querier interface {
	Answer(ctx context.Context, q pipeline.Query) (pipeline.Answer, error)
}

// Clearance resolves clearances and applies override decisions.
type Clearance interface {
	ResolveUser(ctx context.Context, userID string) (clearance.Effective, error)
	ApplyOverrideDecision(ctx context.Context, overrideID string, decision clearance.Decision) (clearance.Override, error)
}

// OverrideStore records new override requests.
type OverrideStore interface {
	CreateOverride(ctx context.Context, o clearance.Override, reason string) (clearance.Override, error)
}

// Server provides the HTTP endpoints.
type Server struct {
	echo      *echo.Echo
	querier   Querier
	clearance Clearance
	overrides OverrideStore
	logger    *zap.Logger
	config    *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
}

// Option configures a Server.
type Option func(*Server)

// WithOverrideStore enables POST /api/v1/overrides.
func WithOverrideStore(store OverrideStore) Option {
	return func(s *Server) { s.overrides = store }
}

// NewServer creates the server. cfg may be nil.
func NewServer(querier Querier, cl Clearance, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if querier == nil {
		return nil, fmt.Errorf("querier cannot be nil")
	}
	if cl == nil {
		return nil, fmt.Errorf("clearance service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 9090}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), reqID)))

			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("route", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", reqID),
			)
			return nil
		}
	})

	s := &Server{
		echo:      e,
		querier:   querier,
		clearance: cl,
		logger:    logger,
		config:    cfg,
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
	v1.POST("/query", s.handleQuery)
	v1.GET("/clearance/:user_id", s.handleClearance)
	v1.POST("/overrides", s.handleCreateOverride)
	v1.POST("/overrides/:id/decision", s.handleDecision)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.config.Version})
}

func (s *Server) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := logging.ValidateID(req.UserID, "user_id"); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	}

	ctx := logging.WithRequester(c.Request().Context(), logging.Requester{UserID: req.UserID})
	answer, err := s.querier.Answer(ctx, pipeline.Query{UserID: req.UserID, Text: req.Query})
	if err != nil {
		return s.fail(ctx, "query failed", err)
	}
	return c.JSON(http.StatusOK, newQueryResponse(answer))
}

func (s *Server) handleClearance(c echo.Context) error {
	userID := c.Param("user_id")
	if err := logging.ValidateID(userID, "user_id"); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	eff, err := s.clearance.ResolveUser(ctx, userID)
	if err != nil {
		return s.fail(ctx, "clearance resolution failed", err)
	}
	return c.JSON(http.StatusOK, newClearanceResponse(eff))
}

func (s *Server) handleCreateOverride(c echo.Context) error {
	if s.overrides == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "override requests are not enabled")
	}
	var req OverrideRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := logging.ValidateID(req.UserID, "user_id"); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Type != clearance.OverrideOrgWide && req.Type != clearance.OverrideDepartment {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown override type %q", req.Type))
	}
	if !req.Level.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "level is required")
	}
	if !req.ValidFrom.Before(req.ValidUntil) {
		return echo.NewHTTPError(http.StatusBadRequest, "valid_from must be before valid_until")
	}
	if req.Type == clearance.OverrideDepartment && req.DepartmentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "department overrides require department_id")
	}
	ctx := c.Request().Context()
	o, err := s.overrides.CreateOverride(ctx, clearance.Override{
		UserID:       req.UserID,
		Type:         req.Type,
		DepartmentID: req.DepartmentID,
		Level:        req.Level,
		ValidFrom:    req.ValidFrom,
		ValidUntil:   req.ValidUntil,
	}, req.Reason)
	if err != nil {
		return s.fail(ctx, "override request failed", err)
	}
	return c.JSON(http.StatusCreated, newOverrideResponse(o))
}

func (s *Server) handleDecision(c echo.Context) error {
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	decision, err := clearance.ParseDecision(req.Decision)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	o, err := s.clearance.ApplyOverrideDecision(ctx, c.Param("id"), decision)
	if err != nil {
		return s.fail(ctx, "override decision failed", err)
	}
	return c.JSON(http.StatusOK, newOverrideResponse(o))
}

// fail maps domain errors to HTTP errors. Unclassified errors are logged
// and reported without detail.
func (s *Server) fail(ctx context.Context, msg string, err error) error {
	var status int
	var public string
	switch {
	case errors.Is(err, pipeline.ErrEmptyQuery):
		status, public = http.StatusBadRequest, err.Error()
	case errors.Is(err, clearance.ErrNotFound):
		status, public = http.StatusNotFound, "not found"
	case errors.Is(err, clearance.ErrInvalidTransition):
		status, public = http.StatusConflict, err.Error()
	case errors.Is(err, clearance.ErrInvalidationFailed):
		status, public = http.StatusServiceUnavailable, "decision recorded but not yet in effect; repeat the same decision"
	case errors.Is(err, llmrouter.ErrInternalUnavailable):
		status, public = http.StatusServiceUnavailable, "internal model unavailable for this query"
	case errors.Is(err, permissions.ErrUnknownDepartment):
		status, public = http.StatusBadRequest, "unknown department"
	default:
		status, public = http.StatusInternalServerError, "internal error"
	}
	if status >= http.StatusInternalServerError {
		logging.Wrap(s.logger).Error(ctx, msg, zap.Error(err))
	}
	return echo.NewHTTPError(status, public)
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
