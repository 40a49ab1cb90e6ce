package api

import (
	"github.com/gin-gonic/gin"

	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/events/bus"
	"github.com/agentfleet/agentfleet/internal/orchestrator/executor"
	"github.com/agentfleet/agentfleet/internal/orchestrator/queue"
	"github.com/agentfleet/agentfleet/internal/workspace"
)

// SetupRoutes configures the orchestrator API routes.
func SetupRoutes(router *gin.RouterGroup, manager *executor.Manager, q *queue.CommandQueue, registry *workspace.Registry, eventBus bus.EventBus, log *logger.Logger) {
	handler := NewHandler(manager, q, registry, eventBus, log)

	router.GET("/health", handler.Health)

	executions := router.Group("/executions")
	{
		executions.POST("", handler.StartExecution)
		executions.GET("", handler.ListExecutions)
		executions.GET("/:id", handler.GetExecution)
		executions.DELETE("/:id", handler.CancelExecution)
		executions.POST("/:id/answer", handler.SubmitAnswer)
	}

	queueGroup := router.Group("/queue")
	{
		queueGroup.GET("", handler.ListQueue)
		queueGroup.DELETE("/:seqId", handler.RemoveQueueItem)
		queueGroup.POST("/dispatch", handler.DispatchNext)
	}

	router.GET("/agents", handler.ListAgents)
	router.GET("/targets/:targetType/:targetName/sessions", handler.ListSessions)
}
