package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/agentfleet/agentfleet/internal/common/errors"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/events/bus"
	"github.com/agentfleet/agentfleet/internal/orchestrator/executor"
	"github.com/agentfleet/agentfleet/internal/orchestrator/queue"
	"github.com/agentfleet/agentfleet/internal/workspace"
	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

// Handler contains HTTP handlers for the orchestrator API.
type Handler struct {
	manager  *executor.Manager
	queue    *queue.CommandQueue
	registry *workspace.Registry
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	manager *executor.Manager,
	q *queue.CommandQueue,
	registry *workspace.Registry,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Handler {
	return &Handler{
		manager:  manager,
		queue:    q,
		registry: registry,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "orchestrator-api")),
	}
}

// StartExecution dispatches a prompt against a target, queueing it when the
// target is busy.
// POST /api/v1/executions
func (h *Handler) StartExecution(c *gin.Context) {
	var req StartExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.Validation("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	targetType := v1.TargetType(req.TargetType)
	if !targetType.Valid() {
		appErr := apperrors.Validation("unknown target type: " + req.TargetType)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if h.manager.IsTargetActive(targetType, req.TargetName) {
		item := h.queue.Enqueue(&v1.QueueItem{
			TargetType:      targetType,
			TargetName:      req.TargetName,
			Prompt:          req.Prompt,
			Source:          req.Source,
			Cwd:             req.Cwd,
			ResumeSessionID: req.ResumeSessionID,
			Model:           req.Model,
		})
		c.JSON(http.StatusAccepted, StartExecutionResponse{Queued: true, SeqID: item.SeqID})
		return
	}

	// The execution outlives this request; do not tie the process to the
	// request context.
	execID, err := h.manager.StartExecution(context.Background(), executor.StartOptions{
		Source:          req.Source,
		TargetType:      targetType,
		TargetName:      req.TargetName,
		Prompt:          req.Prompt,
		Cwd:             req.Cwd,
		ResumeSessionID: req.ResumeSessionID,
		NoResume:        req.NoResume,
		Model:           req.Model,
		Timeout:         time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		h.logger.Error("failed to start execution", zap.Error(err))
		c.JSON(apperrors.GetHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, StartExecutionResponse{ExecutionID: execID})
}

// ListExecutions returns in-flight and recent executions.
// GET /api/v1/executions
func (h *Handler) ListExecutions(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	c.JSON(http.StatusOK, ExecutionListResponse{
		Active: h.manager.ListActive(),
		Recent: h.manager.History(limit),
	})
}

// GetExecution returns one execution by id.
// GET /api/v1/executions/:id
func (h *Handler) GetExecution(c *gin.Context) {
	record, err := h.manager.GetExecution(c.Param("id"))
	if err != nil {
		c.JSON(apperrors.GetHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, record)
}

// CancelExecution cancels an in-flight execution or clears a pending
// question.
// DELETE /api/v1/executions/:id
func (h *Handler) CancelExecution(c *gin.Context) {
	id := c.Param("id")
	if !h.manager.CancelExecution(id) {
		appErr := apperrors.NotFound("execution", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// SubmitAnswer answers a pending question, starting a follow-up execution.
// POST /api/v1/executions/:id/answer
func (h *Handler) SubmitAnswer(c *gin.Context) {
	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.Validation("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	execID, err := h.manager.SubmitAnswer(context.Background(), c.Param("id"), req.Answer)
	if err != nil {
		c.JSON(apperrors.GetHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, AnswerResponse{ExecutionID: execID})
}

// ListQueue returns every queued item ordered by seq id.
// GET /api/v1/queue
func (h *Handler) ListQueue(c *gin.Context) {
	items := h.queue.GetAll()
	c.JSON(http.StatusOK, QueueListResponse{Items: items, Count: len(items)})
}

// RemoveQueueItem removes a queued item by its seq id.
// DELETE /api/v1/queue/:seqId
func (h *Handler) RemoveQueueItem(c *gin.Context) {
	seqID, err := strconv.ParseInt(c.Param("seqId"), 10, 64)
	if err != nil {
		appErr := apperrors.Validation("invalid seq id: " + c.Param("seqId"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if !h.queue.Remove(seqID) {
		appErr := apperrors.NotFound("queue item", c.Param("seqId"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

// DispatchNext pops the oldest queued item for a target and executes it.
// POST /api/v1/queue/dispatch
func (h *Handler) DispatchNext(c *gin.Context) {
	var req DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.Validation("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	targetType := v1.TargetType(req.TargetType)
	if !targetType.Valid() {
		appErr := apperrors.Validation("unknown target type: " + req.TargetType)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if h.manager.IsTargetActive(targetType, req.TargetName) {
		appErr := apperrors.Conflict("target already has an execution in flight")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	targetKey := v1.TargetKey(targetType, req.TargetName)
	item := h.queue.Dequeue(targetKey)
	if item == nil {
		appErr := apperrors.NotFound("queued item for target", targetKey)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	execID, err := h.manager.StartExecution(context.Background(), executor.StartOptions{
		Source:          item.Source,
		TargetType:      item.TargetType,
		TargetName:      item.TargetName,
		Prompt:          item.Prompt,
		Cwd:             item.Cwd,
		ResumeSessionID: item.ResumeSessionID,
		Model:           item.Model,
	})
	if err != nil {
		h.logger.Error("failed to dispatch queued item",
			zap.Int64("seq_id", item.SeqID), zap.Error(err))
		c.JSON(apperrors.GetHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, StartExecutionResponse{ExecutionID: execID})
}

// ListAgents returns the registered agents.
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	agents := h.registry.Agents()
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// ListSessions returns a target's recent session ids, most recent first.
// GET /api/v1/targets/:targetType/:targetName/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	targetType := v1.TargetType(c.Param("targetType"))
	if !targetType.Valid() {
		appErr := apperrors.Validation("unknown target type: " + c.Param("targetType"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	sessions := h.manager.RecentSessions(targetType, c.Param("targetName"))
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// Health reports service liveness.
// GET /api/v1/health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"bus_connected": h.eventBus.IsConnected(),
	})
}
