package handlers

import (
	"shepherd/internal/services"

	"github.com/gin-gonic/gin"
)

// RegisterRuleRoutes mounts the rule settings API.
func RegisterRuleRoutes(r *gin.RouterGroup, handler *RuleHandler) {
	rules := r.Group("/rules")
	{
		rules.GET("", handler.ListRules)
		rules.POST("", handler.CreateRule)
		rules.POST("/test", handler.TestRule)
		rules.GET(":id", handler.GetRule)
		rules.PUT(":id", handler.UpdateRule)
		rules.PATCH(":id/active", handler.SetRuleActive)
		rules.DELETE(":id", handler.DeleteRule)
	}
}

// RegisterEventRoutes mounts event ingestion.
func RegisterEventRoutes(r *gin.RouterGroup, handler *EventHandler) {
	r.POST("/events", handler.Ingest)
}

// RegisterExecutionRoutes mounts the operations view.
func RegisterExecutionRoutes(r *gin.RouterGroup, handler *ExecutionHandler) {
	executions := r.Group("/executions")
	{
		executions.GET("", handler.ListExecutions)
		executions.GET("/stats", handler.GetStats)
		executions.GET(":id", handler.GetExecution)
		executions.POST(":id/cancel", handler.CancelExecution)
	}
}

// RegisterApprovalRoutes mounts the approval inbox.
func RegisterApprovalRoutes(r *gin.RouterGroup, handler *ApprovalHandler) {
	approvals := r.Group("/approvals")
	{
		approvals.GET("", handler.ListPending)
		approvals.POST(":id/approve", handler.Approve)
		approvals.POST(":id/reject", handler.Reject)
	}
}

// OpsFeedHandler bridges the websocket feed into the router.
type OpsFeedHandler struct {
	feed *services.OpsFeed
}

// NewOpsFeedHandler creates an ops feed handler.
func NewOpsFeedHandler(feed *services.OpsFeed) *OpsFeedHandler {
	return &OpsFeedHandler{feed: feed}
}

// HandleWebSocket attaches the caller's dashboard to their church's feed.
func (h *OpsFeedHandler) HandleWebSocket(c *gin.Context) {
	h.feed.HandleWebSocket(c, churchID(c))
}

// GetStats reports feed connectivity.
func (h *OpsFeedHandler) GetStats(c *gin.Context) {
	c.JSON(200, gin.H{
		"connected_clients": h.feed.ClientCount(),
		"status":            "running",
	})
}
