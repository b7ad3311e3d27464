package handlers

import (
	"net/http"
	"time"

	"shepherd/internal/metrics"
	"shepherd/internal/services"
	"shepherd/pkg/courier"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler reports liveness and dependency health.
type HealthHandler struct {
	db       *gorm.DB
	courier  courier.Interface
	adapters *services.AdapterRegistry
	started  time.Time
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(db *gorm.DB, courierClient courier.Interface, adapters *services.AdapterRegistry) *HealthHandler {
	return &HealthHandler{
		db:       db,
		courier:  courierClient,
		adapters: adapters,
		started:  time.Now(),
	}
}

// Health checks the database and the courier provider.
func (h *HealthHandler) Health(c *gin.Context) {
	checks := gin.H{}
	healthy := true

	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		checks["database"] = gin.H{"status": "down", "error": err.Error()}
		healthy = false
	} else {
		checks["database"] = gin.H{"status": "up"}
	}

	if h.courier != nil {
		if err := h.courier.HealthCheck(c.Request.Context()); err != nil {
			checks["courier"] = gin.H{"status": "down", "error": err.Error()}
			// Delivery degrades but the API keeps serving; not fatal.
		} else {
			checks["courier"] = gin.H{"status": "up"}
		}
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":  overall,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"checks":  checks,
		"service": "shepherd",
	})
}

// Metrics exposes engine counters and per-channel breaker state.
func (h *HealthHandler) Metrics(c *gin.Context) {
	body := gin.H{"engine": metrics.Snapshot()}
	if h.adapters != nil {
		body["circuit_breakers"] = h.adapters.BreakerStats()
	}
	c.JSON(http.StatusOK, body)
}
