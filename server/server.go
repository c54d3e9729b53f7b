package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/dispatch"
	"github.com/hupe1980/taskmesh/engine"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/metrics"
	"github.com/hupe1980/taskmesh/registry"
)

// Options holds dependency and configuration overrides passed to New().
type Options struct {
	// Engine drives workflow instances. Required.
	Engine *engine.Engine

	// Registry serves agent registration and liveness. Required.
	Registry *registry.Registry

	// Dispatcher serves the agent poll endpoint. Required.
	Dispatcher *dispatch.Dispatcher

	// Metrics exposes the scrape endpoint when set.
	Metrics *metrics.Metrics

	// Logger provides structured logging. Defaults to NoOp.
	Logger logging.Logger
}

// Server is the HTTP boundary of a node.
type Server struct {
	opts Options
	echo *echo.Echo
}

// New constructs a Server and mounts all routes.
func New(optFns ...func(o *Options)) *Server {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{opts: opts, echo: e}

	e.GET("/healthz", s.healthz)
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics.Handler()))
	}

	v1 := e.Group("/v1")
	v1.POST("/definitions", s.registerDefinition)
	v1.GET("/definitions", s.listDefinitions)

	v1.POST("/workflows", s.submitWorkflow)
	v1.GET("/workflows", s.listWorkflows)
	v1.GET("/workflows/:id", s.getWorkflow)
	v1.POST("/workflows/:id/cancel", s.cancelWorkflow)
	v1.POST("/workflows/:id/pause", s.pauseWorkflow)
	v1.POST("/workflows/:id/resume", s.resumeWorkflow)
	v1.POST("/workflows/:id/retry", s.retryWorkflow)

	v1.POST("/agents/register", s.registerAgent)
	v1.POST("/agents/:id/heartbeat", s.heartbeat)
	v1.DELETE("/agents/:id", s.deregisterAgent)
	v1.GET("/agents/:id/tasks", s.pollTasks)
	v1.POST("/agents/:id/tasks/:taskId/result", s.reportResult)

	return s
}

// Router returns the underlying echo instance, for tests and embedding.
func (s *Server) Router() *echo.Echo { return s.echo }

// Start serves HTTP on the given address until Shutdown.
func (s *Server) Start(addr string) error {
	s.opts.Logger.Info("server: listening on %s", addr)
	return s.echo.Start(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) registerDefinition(c echo.Context) error {
	var def core.WorkflowDefinition
	if err := c.Bind(&def); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if err := s.opts.Engine.RegisterDefinition(c.Request().Context(), &def); err != nil {
		if errors.Is(err, engine.ErrDefinitionExists) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, &def)
}

func (s *Server) listDefinitions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.opts.Engine.Definitions().List())
}

type submitRequest struct {
	DefinitionID string         `json:"definition_id"`
	Version      int            `json:"version"`
	Input        map[string]any `json:"input"`
	Owner        string         `json:"owner"`
}

func (s *Server) submitWorkflow(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.DefinitionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "definition_id is required")
	}
	inst, err := s.opts.Engine.Submit(c.Request().Context(), req.DefinitionID, req.Version, req.Input, req.Owner)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, inst)
}

func (s *Server) listWorkflows(c echo.Context) error {
	instances, err := s.opts.Engine.ListInstances(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, instances)
}

func (s *Server) getWorkflow(c echo.Context) error {
	inst, err := s.opts.Engine.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, inst)
}

// lifecycle wraps the cancel/pause/resume/retry handlers: unknown ids map to
// 404, invalid transitions to 409.
func (s *Server) lifecycle(c echo.Context, op func(ctx context.Context, id string) (*core.WorkflowInstance, error)) error {
	inst, err := op(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, inst)
}

func (s *Server) cancelWorkflow(c echo.Context) error {
	return s.lifecycle(c, s.opts.Engine.Cancel)
}

func (s *Server) pauseWorkflow(c echo.Context) error {
	return s.lifecycle(c, s.opts.Engine.Pause)
}

func (s *Server) resumeWorkflow(c echo.Context) error {
	return s.lifecycle(c, s.opts.Engine.Resume)
}

func (s *Server) retryWorkflow(c echo.Context) error {
	return s.lifecycle(c, s.opts.Engine.Retry)
}

type registerAgentRequest struct {
	ID            string   `json:"id"`
	Capabilities  []string `json:"capabilities"`
	MaxConcurrent int      `json:"max_concurrent"`
}

func (s *Server) registerAgent(c echo.Context) error {
	var req registerAgentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if err := s.opts.Registry.Register(c.Request().Context(), req.ID, req.Capabilities, req.MaxConcurrent); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	agent, _ := s.opts.Registry.Get(req.ID)
	return c.JSON(http.StatusCreated, agent)
}

func (s *Server) heartbeat(c echo.Context) error {
	if err := s.opts.Registry.Heartbeat(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) deregisterAgent(c echo.Context) error {
	if err := s.opts.Registry.Deregister(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) pollTasks(c echo.Context) error {
	max := 1
	if raw := c.QueryParam("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "max must be a positive integer")
		}
		max = n
	}
	agentID := c.Param("id")
	if _, ok := s.opts.Registry.Get(agentID); !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("agent %q is not registered", agentID))
	}
	tasks := s.opts.Dispatcher.Poll(c.Request().Context(), agentID, max)
	if tasks == nil {
		tasks = []*core.AgentTask{}
	}
	return c.JSON(http.StatusOK, tasks)
}

type taskResultRequest struct {
	Status string          `json:"status"`
	Output map[string]any  `json:"output"`
	Error  *core.TaskError `json:"error"`
}

func (s *Server) reportResult(c echo.Context) error {
	var req taskResultRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	ctx := c.Request().Context()
	taskID := c.Param("taskId")

	var err error
	switch core.TaskStatus(req.Status) {
	case core.TaskCompleted:
		err = s.opts.Engine.ReportResult(ctx, taskID, req.Output)
	case core.TaskFailed:
		err = s.opts.Engine.ReportFailure(ctx, taskID, req.Error)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "status must be completed or failed")
	}
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}
