package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"stratlab/internal/cache"
	apperrors "stratlab/internal/errors"
	"stratlab/internal/logger"
	"stratlab/internal/orchestrator"
	"stratlab/internal/strategy/graph"
	"stratlab/internal/types"
)

// RunService is the scheduler surface the API drives
type RunService interface {
	Submit(ctx context.Context, g *graph.Graph, cfg types.RunConfig) (string, error)
	Get(ctx context.Context, id string) (*types.BacktestRun, error)
	GetStatus(ctx context.Context, id string) (types.RunStatusView, error)
	Cancel(ctx context.Context, id string) error
	List(ctx context.Context, filter types.RunFilter) ([]*types.BacktestRun, error)
}

// CacheStats is implemented by cache.CacheManager
type CacheStats interface {
	GetStats() cache.CacheMonitorStats
}

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

const maxListLimit = 500

// RunHandler handles run submission and inspection
type RunHandler struct {
	runs     RunService
	executor *graph.Executor
	log      logger.Logger
}

// NewRunHandler creates a run handler
func NewRunHandler(runs RunService, executor *graph.Executor, log logger.Logger) *RunHandler {
	return &RunHandler{runs: runs, executor: executor, log: log}
}

// SubmitRun queues a backtest
func (h *RunHandler) SubmitRun(c *gin.Context) {
	var req SubmitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, h.log, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "invalid request body", err))
		return
	}

	id, err := h.runs.Submit(c.Request.Context(), req.Graph, req.Config)
	if err != nil {
		handleError(c, h.log, err)
		return
	}

	c.JSON(http.StatusAccepted, Response{
		Success: true,
		Data:    SubmitRunResponse{RunID: id, Status: types.RunStatusQueued},
	})
}

// GetRun returns the full run record
func (h *RunHandler) GetRun(c *gin.Context) {
	run, err := h.runs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: run})
}

// GetRunStatus returns the lightweight status view
func (h *RunHandler) GetRunStatus(c *gin.Context) {
	view, err := h.runs.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: view})
}

// CancelRun requests cancellation. Cancelling a finished run is a no-op.
func (h *RunHandler) CancelRun(c *gin.Context) {
	id := c.Param("id")
	if err := h.runs.Cancel(c.Request.Context(), id); err != nil {
		handleError(c, h.log, err)
		return
	}

	view, err := h.runs.GetStatus(c.Request.Context(), id)
	if err != nil {
		handleError(c, h.log, err)
		return
	}
	c.JSON(http.StatusAccepted, Response{Success: true, Data: view, Message: "cancellation requested"})
}

// ListRuns lists runs newest first, optionally filtered by status
func (h *RunHandler) ListRuns(c *gin.Context) {
	var filter types.RunFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		handleError(c, h.log, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "invalid query", err))
		return
	}
	if filter.Status != "" && !knownStatus(filter.Status) {
		handleError(c, h.log, apperrors.Newf(apperrors.ErrCodeInvalidInput, "unknown status %q", filter.Status))
		return
	}
	if filter.Limit <= 0 || filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}

	runs, err := h.runs.List(c.Request.Context(), filter)
	if err != nil {
		handleError(c, h.log, err)
		return
	}

	// 列表只返回摘要
	views := make([]types.RunStatusView, 0, len(runs))
	for _, r := range runs {
		updated := r.CreatedAt
		if n := len(r.Transitions); n > 0 {
			updated = r.Transitions[n-1].At
		}
		views = append(views, r.StatusView(updated))
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: views})
}

func knownStatus(s types.RunStatus) bool {
	switch s {
	case types.RunStatusQueued, types.RunStatusPreparing, types.RunStatusRunning, types.RunStatusAggregating,
		types.RunStatusCompleted, types.RunStatusFailed, types.RunStatusCanceled:
		return true
	}
	return false
}

// ValidateGraph checks structure and block parameters without running
func (h *RunHandler) ValidateGraph(c *gin.Context) {
	var g graph.Graph
	if err := c.ShouldBindJSON(&g); err != nil {
		handleError(c, h.log, apperrors.NewAppError(apperrors.ErrCodeInvalidGraph, "graph is not valid JSON", err))
		return
	}

	order, _, err := h.executor.Build(&g)
	if err != nil {
		handleError(c, h.log, err)
		return
	}
	hash, err := g.Hash()
	if err != nil {
		handleError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: ValidateGraphResponse{Valid: true, Order: order, Hash: hash}})
}

// ListBlocks lists the registered block types
func (h *RunHandler) ListBlocks(c *gin.Context) {
	specs := h.executor.Registry().Types()
	out := make([]BlockInfo, 0, len(specs))
	for _, s := range specs {
		out = append(out, BlockInfo{Type: s.Type, Family: string(s.Family), Description: s.Description})
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: out})
}

// RecurringHandler exposes cron-scheduled submissions
type RecurringHandler struct {
	recurrer *orchestrator.Recurrer
	log      logger.Logger
}

// List returns every recurring run with its last and next firing
func (h *RecurringHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, Response{Success: true, Data: h.recurrer.List()})
}

// Fire submits a recurring run immediately
func (h *RecurringHandler) Fire(c *gin.Context) {
	name := c.Param("name")
	found := false
	for _, st := range h.recurrer.List() {
		if st.Name == name {
			found = true
			break
		}
	}
	if !found {
		handleError(c, h.log, apperrors.Newf(apperrors.ErrCodeNotFound, "recurring run %s not found", name))
		return
	}

	id, err := h.recurrer.Fire(c.Request.Context(), name)
	if err != nil {
		handleError(c, h.log, err)
		return
	}
	c.JSON(http.StatusAccepted, Response{
		Success: true,
		Data:    SubmitRunResponse{RunID: id, Status: types.RunStatusQueued},
	})
}

// SystemHandler serves health and cache statistics
type SystemHandler struct {
	checks map[string]HealthCheck
	cache  CacheStats
	log    logger.Logger
}

// Health probes every registered dependency. Any failure reports degraded
// with 503.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := HealthResponse{Status: "ok", Services: make(map[string]string, len(names))}
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.log.Warn("Health check failed", "service", name, "error", err)
			resp.Services[name] = "error"
			resp.Status = "degraded"
			continue
		}
		resp.Services[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// CacheStats reports hit rates and fallback state
func (h *SystemHandler) CacheStats(c *gin.Context) {
	if h.cache == nil {
		handleError(c, h.log, apperrors.Newf(apperrors.ErrCodeNotFound, "cache statistics are not available"))
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: h.cache.GetStats()})
}
