package handlers

import (
	"net/http"
	"time"

	"shepherd/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// EventHandler ingests domain events from collaborator flows.
type EventHandler struct {
	engine *services.Engine
	logger *logrus.Logger
}

// NewEventHandler creates an event handler.
func NewEventHandler(engine *services.Engine, logger *logrus.Logger) *EventHandler {
	return &EventHandler{engine: engine, logger: logger}
}

// IngestRequest is one delivered domain event. The event ID is the caller's
// idempotency key; redeliveries with the same ID are safe.
type IngestRequest struct {
	EventID     string                 `json:"event_id"`
	TriggerType string                 `json:"trigger_type" binding:"required"`
	EntityID    string                 `json:"entity_id"`
	EntityType  string                 `json:"entity_type"`
	Payload     map[string]interface{} `json:"payload"`
	OccurredAt  time.Time              `json:"occurred_at"`
}

// Ingest accepts a domain event and runs it through the rule engine.
// @Summary Ingest domain event
// @Tags events
// @Accept json
// @Produce json
// @Param event body IngestRequest true "domain event"
// @Success 202 {object} services.EventResult
// @Failure 400 {object} ErrorResponse
// @Router /api/events [post]
func (h *EventHandler) Ingest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	event := &services.Event{
		ID:          req.EventID,
		ChurchID:    churchID(c),
		TriggerType: req.TriggerType,
		EntityID:    req.EntityID,
		EntityType:  req.EntityType,
		Payload:     req.Payload,
		OccurredAt:  req.OccurredAt,
	}

	result, err := h.engine.HandleEvent(c.Request.Context(), event)
	if err != nil {
		h.logger.Errorf("Failed to handle event: %v", err)
		status := http.StatusInternalServerError
		if result == nil {
			status = http.StatusBadRequest
		}
		c.JSON(status, ErrorResponse{
			Error:   "Failed to handle event",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusAccepted, result)
}
