package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"shepherd/internal/services"
	"shepherd/pkg/courier"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type stubCourier struct {
	healthErr error
}

func (s *stubCourier) Send(ctx context.Context, req *courier.SendRequest) (*courier.SendResult, error) {
	return &courier.SendResult{MessageID: "msg-1"}, nil
}

func (s *stubCourier) PlaceCall(ctx context.Context, req *courier.CallRequest) (*courier.SendResult, error) {
	return &courier.SendResult{MessageID: "call-1"}, nil
}

func (s *stubCourier) HealthCheck(ctx context.Context) error {
	return s.healthErr
}

func newHealthTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestHealthHandler_AllUp(t *testing.T) {
	gin.SetMode(gin.TestMode)

	db := newHealthTestDB(t)
	handler := NewHealthHandler(db, &stubCourier{}, nil)

	router := gin.New()
	router.GET("/health", handler.Health)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &body)
	assert.NoError(t, err)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "shepherd", body["service"])

	checks := body["checks"].(map[string]interface{})
	database := checks["database"].(map[string]interface{})
	assert.Equal(t, "up", database["status"])
	courierCheck := checks["courier"].(map[string]interface{})
	assert.Equal(t, "up", courierCheck["status"])
}

func TestHealthHandler_CourierDownIsNotFatal(t *testing.T) {
	gin.SetMode(gin.TestMode)

	db := newHealthTestDB(t)
	handler := NewHealthHandler(db, &stubCourier{healthErr: errors.New("connection refused")}, nil)

	router := gin.New()
	router.GET("/health", handler.Health)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	// The API keeps serving when only delivery is degraded.
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &body)
	assert.NoError(t, err)

	checks := body["checks"].(map[string]interface{})
	courierCheck := checks["courier"].(map[string]interface{})
	assert.Equal(t, "down", courierCheck["status"])
	assert.NotEmpty(t, courierCheck["error"])
}

func TestHealthHandler_Metrics(t *testing.T) {
	gin.SetMode(gin.TestMode)

	db := newHealthTestDB(t)
	registry := services.NewAdapterRegistry(db, nil, time.Second, nil)
	handler := NewHealthHandler(db, nil, registry)

	router := gin.New()
	router.GET("/metrics", handler.Metrics)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &body)
	assert.NoError(t, err)
	assert.Contains(t, body, "engine")
	assert.Contains(t, body, "circuit_breakers")
}
