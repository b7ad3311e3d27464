package handlers

import (
	"net/http"

	"shepherd/internal/models"
	"shepherd/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ExecutionHandler exposes the operations view over the execution ledger.
type ExecutionHandler struct {
	ledger *services.LedgerService
	logger *logrus.Logger
}

// NewExecutionHandler creates an execution handler.
func NewExecutionHandler(ledger *services.LedgerService, logger *logrus.Logger) *ExecutionHandler {
	return &ExecutionHandler{ledger: ledger, logger: logger}
}

// executionView adds the reported status overlay to a raw ledger record.
func executionView(rec *models.ExecutionRecord) gin.H {
	return gin.H{"record": rec, "reported_status": rec.ReportedStatus()}
}

// ListExecutions lists ledger records with filters and pagination.
// @Summary List executions
// @Tags executions
// @Produce json
// @Param status query []string false "filter by status"
// @Param priority query []string false "filter by priority"
// @Success 200 {object} PaginatedResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/executions [get]
func (h *ExecutionHandler) ListExecutions(c *gin.Context) {
	var req services.ExecutionListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid query parameters",
			Message: err.Error(),
		})
		return
	}

	records, total, err := h.ledger.List(c.Request.Context(), churchID(c), &req)
	if err != nil {
		h.logger.Errorf("Failed to list executions: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list executions",
			Message: err.Error(),
		})
		return
	}

	views := make([]gin.H, 0, len(records))
	for i := range records {
		views = append(views, executionView(&records[i]))
	}
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     views,
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
	})
}

// GetExecution returns one record with its rule and attempt history.
// @Summary Get execution
// @Tags executions
// @Produce json
// @Param id path int true "execution id"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} ErrorResponse
// @Router /api/executions/{id} [get]
func (h *ExecutionHandler) GetExecution(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	rec, err := h.ledger.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Execution not found",
			Message: err.Error(),
		})
		return
	}
	if rec.ChurchID != churchID(c) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Execution not found",
			Message: "execution not found",
		})
		return
	}
	c.JSON(http.StatusOK, executionView(rec))
}

// CancelExecution terminates a non-terminal record.
// @Summary Cancel execution
// @Tags executions
// @Produce json
// @Param id path int true "execution id"
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/executions/{id}/cancel [post]
func (h *ExecutionHandler) CancelExecution(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	rec, err := h.ledger.Get(c.Request.Context(), id)
	if err != nil || rec.ChurchID != churchID(c) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Execution not found",
			Message: "execution not found",
		})
		return
	}

	cancelled, err := h.ledger.CancelActive(c.Request.Context(), id, "cancelled by operator")
	if err != nil {
		h.logger.Errorf("Failed to cancel execution %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to cancel execution",
			Message: err.Error(),
		})
		return
	}
	if !cancelled {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "Execution already finished",
			Message: "record is terminal",
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "execution cancelled"})
}

// GetStats aggregates ledger counters for the dashboard.
// @Summary Execution stats
// @Tags executions
// @Produce json
// @Success 200 {object} services.ExecutionStats
// @Failure 500 {object} ErrorResponse
// @Router /api/executions/stats [get]
func (h *ExecutionHandler) GetStats(c *gin.Context) {
	stats, err := h.ledger.Stats(c.Request.Context(), churchID(c))
	if err != nil {
		h.logger.Errorf("Failed to compute stats: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to compute stats",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}
