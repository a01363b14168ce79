// Package server exposes the engine over HTTP: run submission and
// inspection, lesson lookups, health, metrics, and a WebSocket event
// stream fed from the commbus.
package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mrX1007/FusionBrain/commbus"
	"github.com/mrX1007/FusionBrain/core/experts"
	"github.com/mrX1007/FusionBrain/core/memory"
	"github.com/mrX1007/FusionBrain/core/runtime"
)

// Handler handles HTTP requests.
type Handler struct {
	engine *runtime.Engine
	store  memory.LessonStore
	bus    commbus.CommBus
	hub    *Hub
	logger experts.Logger
}

// NewHandler creates a new handler.
func NewHandler(engine *runtime.Engine, store memory.LessonStore, bus commbus.CommBus, hub *Hub, logger experts.Logger) *Handler {
	return &Handler{
		engine: engine,
		store:  store,
		bus:    bus,
		hub:    hub,
		logger: logger.Bind("component", "http"),
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Run API
	e.POST("/v1/runs", h.SubmitRun)
	e.GET("/v1/runs", h.ListRuns)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.GET("/v1/runs/:run_id/events", h.RunEvents)
	e.POST("/v1/runs/:run_id/cancel", h.CancelRun)

	// Memory API
	e.GET("/v1/lessons", h.QueryLessons)

	// Event stream
	e.GET("/v1/stream", h.Stream)

	e.GET("/v1/stats", h.Stats)
	e.GET("/health", h.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// SubmitRun accepts a request and starts a pipeline run. With
// "wait": true the handler blocks until the run terminates and returns
// the full result; otherwise it returns the run ID immediately.
// POST /v1/runs
func (h *Handler) SubmitRun(c echo.Context) error {
	ctx := c.Request().Context()

	var req SubmitRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Request == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "request is required"})
	}

	if req.Wait {
		rc, err := h.engine.Execute(ctx, req.Request)
		if err != nil {
			return h.submitError(c, err)
		}
		return c.JSON(http.StatusOK, rc.ToResultDict())
	}

	runID, err := h.engine.Submit(ctx, req.Request)
	if err != nil {
		return h.submitError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"run_id": runID})
}

func (h *Handler) submitError(c echo.Context, err error) error {
	if err == runtime.ErrTooManyRuns {
		return c.JSON(http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

// ListRuns lists all known runs, newest first.
// GET /v1/runs
func (h *Handler) ListRuns(c echo.Context) error {
	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = val
		}
	}

	runs := h.engine.List()
	if len(runs) > limit {
		runs = runs[:limit]
	}

	runList := make([]map[string]any, len(runs))
	for i, rc := range runs {
		runList[i] = rc.ToResultDict()
	}

	return c.JSON(http.StatusOK, map[string]any{
		"runs": runList,
	})
}

// GetRun returns the current snapshot of a run.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	runID := c.Param("run_id")

	rc, err := h.engine.Get(runID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, rc.ToResultDict())
}

// RunEvents returns the run's ordered stage history so far. Clients that
// cannot hold a WebSocket open poll this instead.
// GET /v1/runs/:run_id/events
func (h *Handler) RunEvents(c echo.Context) error {
	runID := c.Param("run_id")

	rc, err := h.engine.Get(runID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"run_id":     rc.RunID,
		"terminated": rc.Terminated,
		"events":     rc.History,
	})
}

// CancelRun aborts an in-flight run. Cancelling a completed run is a
// no-op and still returns OK.
// POST /v1/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	runID := c.Param("run_id")

	if err := h.bus.Send(c.Request().Context(), &commbus.CancelRun{RunID: runID}); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]any{"ok": true, "run_id": runID})
}

// QueryLessons returns stored lessons ranked by similarity to q.
// GET /v1/lessons?q=...
func (h *Handler) QueryLessons(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "q is required"})
	}
	limit := 10
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = val
		}
	}

	lessons, err := h.store.Query(c.Request().Context(), q, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	lessonList := make([]map[string]any, len(lessons))
	for i, l := range lessons {
		lessonList[i] = map[string]any{
			"lesson_id":     l.ID,
			"source_run_id": l.SourceRunID,
			"pattern":       l.Pattern,
			"summary":       l.Summary,
			"strategy":      l.Strategy,
			"created_at":    l.CreatedAt.UnixMilli(),
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"lessons": lessonList,
	})
}

// Stats returns engine-level counters via the bus query path.
// GET /v1/stats
func (h *Handler) Stats(c echo.Context) error {
	result, err := h.bus.QuerySync(c.Request().Context(), &commbus.GetEngineStats{})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, result)
}

// Health returns health status.
// GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  string(commbus.HealthStatusHealthy),
		"version": "0.1.0",
	})
}

// Stream upgrades the connection to a WebSocket and relays engine
// events until the client disconnects.
// GET /v1/stream
func (h *Handler) Stream(c echo.Context) error {
	return h.hub.HandleWebSocket(c)
}
