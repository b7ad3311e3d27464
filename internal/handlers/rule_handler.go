package handlers

import (
	"net/http"
	"strconv"

	"shepherd/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RuleHandler exposes the automation rule settings API.
type RuleHandler struct {
	rules  *services.RuleService
	logger *logrus.Logger
}

// NewRuleHandler creates a rule handler.
func NewRuleHandler(rules *services.RuleService, logger *logrus.Logger) *RuleHandler {
	return &RuleHandler{rules: rules, logger: logger}
}

// churchID reads the tenant that auth middleware injected.
func churchID(c *gin.Context) uint {
	v, _ := c.Get("church_id")
	id, _ := v.(uint)
	return id
}

func pathID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid ID",
			Message: "ID must be a valid number",
		})
		return 0, false
	}
	return uint(id), true
}

// CreateRule creates an automation rule.
// @Summary Create automation rule
// @Tags rules
// @Accept json
// @Produce json
// @Param rule body services.RuleRequest true "rule definition"
// @Success 201 {object} models.AutomationRule
// @Failure 400 {object} ErrorResponse
// @Router /api/rules [post]
func (h *RuleHandler) CreateRule(c *gin.Context) {
	var req services.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	rule, err := h.rules.Create(c.Request.Context(), churchID(c), &req)
	if err != nil {
		h.logger.Errorf("Failed to create rule: %v", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to create rule",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// GetRule returns one rule.
// @Summary Get automation rule
// @Tags rules
// @Produce json
// @Param id path int true "rule id"
// @Success 200 {object} models.AutomationRule
// @Failure 404 {object} ErrorResponse
// @Router /api/rules/{id} [get]
func (h *RuleHandler) GetRule(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	rule, err := h.rules.Get(c.Request.Context(), churchID(c), id)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Rule not found",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, rule)
}

// UpdateRule replaces a rule's configuration.
// @Summary Update automation rule
// @Tags rules
// @Accept json
// @Produce json
// @Param id path int true "rule id"
// @Param rule body services.RuleRequest true "rule definition"
// @Success 200 {object} models.AutomationRule
// @Failure 400 {object} ErrorResponse
// @Router /api/rules/{id} [put]
func (h *RuleHandler) UpdateRule(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req services.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	rule, err := h.rules.Update(c.Request.Context(), churchID(c), id, &req)
	if err != nil {
		h.logger.Errorf("Failed to update rule %d: %v", id, err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to update rule",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, rule)
}

// ListRules lists the church's rules.
// @Summary List automation rules
// @Tags rules
// @Produce json
// @Param trigger_type query string false "filter by trigger type"
// @Param active query bool false "filter by active flag"
// @Success 200 {object} PaginatedResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/rules [get]
func (h *RuleHandler) ListRules(c *gin.Context) {
	var req services.RuleListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid query parameters",
			Message: err.Error(),
		})
		return
	}

	rules, total, err := h.rules.List(c.Request.Context(), churchID(c), &req)
	if err != nil {
		h.logger.Errorf("Failed to list rules: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list rules",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     rules,
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
	})
}

// SetRuleActive toggles a rule on or off.
// @Summary Toggle automation rule
// @Tags rules
// @Accept json
// @Produce json
// @Param id path int true "rule id"
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/rules/{id}/active [patch]
func (h *RuleHandler) SetRuleActive(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}
	if err := h.rules.SetActive(c.Request.Context(), churchID(c), id, *req.Active); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Failed to toggle rule",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "rule updated"})
}

// DeleteRule removes a rule.
// @Summary Delete automation rule
// @Tags rules
// @Produce json
// @Param id path int true "rule id"
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/rules/{id} [delete]
func (h *RuleHandler) DeleteRule(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.rules.Delete(c.Request.Context(), churchID(c), id); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Failed to delete rule",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "rule deleted"})
}

// TestRule dry-runs matching against a hypothetical payload.
// @Summary Test rule matching
// @Tags rules
// @Accept json
// @Produce json
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Router /api/rules/test [post]
func (h *RuleHandler) TestRule(c *gin.Context) {
	var req struct {
		TriggerType string                 `json:"trigger_type" binding:"required"`
		Payload     map[string]interface{} `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	matched, err := h.rules.TestEvent(c.Request.Context(), churchID(c), req.TriggerType, req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to test rules",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Message: "matched rules",
		Data:    matched,
	})
}
