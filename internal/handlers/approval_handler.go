package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"shepherd/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ApprovalHandler exposes the approval inbox.
type ApprovalHandler struct {
	approvals *services.ApprovalService
	logger    *logrus.Logger
}

// NewApprovalHandler creates an approval handler.
func NewApprovalHandler(approvals *services.ApprovalService, logger *logrus.Logger) *ApprovalHandler {
	return &ApprovalHandler{approvals: approvals, logger: logger}
}

// ListPending lists open approval tasks, oldest first.
// @Summary List pending approvals
// @Tags approvals
// @Produce json
// @Success 200 {object} SuccessResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/approvals [get]
func (h *ApprovalHandler) ListPending(c *gin.Context) {
	tasks, err := h.approvals.ListPending(c.Request.Context(), churchID(c))
	if err != nil {
		h.logger.Errorf("Failed to list approvals: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list approvals",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "pending approvals", Data: tasks})
}

// Approve releases the gated execution to the dispatcher.
// @Summary Approve execution
// @Tags approvals
// @Produce json
// @Param id path int true "approval task id"
// @Success 200 {object} SuccessResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/approvals/{id}/approve [post]
func (h *ApprovalHandler) Approve(c *gin.Context) {
	h.decide(c, true)
}

// Reject cancels the gated execution.
// @Summary Reject execution
// @Tags approvals
// @Produce json
// @Param id path int true "approval task id"
// @Success 200 {object} SuccessResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/approvals/{id}/reject [post]
func (h *ApprovalHandler) Reject(c *gin.Context) {
	h.decide(c, false)
}

func (h *ApprovalHandler) decide(c *gin.Context, approve bool) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	decidedBy := "unknown"
	if v, exists := c.Get("role"); exists {
		if s, ok := v.(string); ok {
			decidedBy = s
		}
	}
	if v, exists := c.Get("member_id"); exists {
		if memberID, ok := v.(uint); ok {
			decidedBy = decidedBy + ":" + strconv.FormatUint(uint64(memberID), 10)
		}
	}

	var (
		task interface{}
		err  error
	)
	if approve {
		task, err = h.approvals.Approve(c.Request.Context(), churchID(c), id, decidedBy)
	} else {
		task, err = h.approvals.Reject(c.Request.Context(), churchID(c), id, decidedBy)
	}
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, services.ErrApprovalDecided) {
			status = http.StatusConflict
		}
		c.JSON(status, ErrorResponse{
			Error:   "Failed to decide approval",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "approval recorded", Data: task})
}
