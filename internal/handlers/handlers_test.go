package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"shepherd/internal/models"
	"shepherd/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type apiFixture struct {
	db     *gorm.DB
	router *gin.Engine
	church *models.Church
	pastor *models.Member
	ledger *services.LedgerService
}

// okAdapter accepts every delivery.
type okAdapter struct{ channel string }

func (a *okAdapter) Channel() string { return a.channel }
func (a *okAdapter) Send(ctx context.Context, req *services.ChannelSendRequest) (*services.ChannelSendResult, error) {
	return &services.ChannelSendResult{ProviderMessageID: "msg-1"}, nil
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Church{}, &models.Member{}, &models.Visitor{}, &models.ChannelSetting{},
		&models.NotificationTemplate{}, &models.DomainEvent{}, &models.AutomationRule{},
		&models.ExecutionRecord{}, &models.ChannelAttempt{}, &models.ExecutionTransition{},
		&models.ApprovalTask{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	church := &models.Church{Name: "Iglesia Central", Slug: "iglesia-central"}
	if err := db.Create(church).Error; err != nil {
		t.Fatalf("create church: %v", err)
	}
	pastor := &models.Member{ChurchID: church.ID, FirstName: "Ana", LastName: "Torres", Email: "ana@example.org", Role: "pastor", Status: "active"}
	if err := db.Create(pastor).Error; err != nil {
		t.Fatalf("create pastor: %v", err)
	}
	setting := &models.ChannelSetting{ChurchID: church.ID, Channel: models.ChannelEmail, Enabled: true}
	if err := db.Create(setting).Error; err != nil {
		t.Fatalf("create channel setting: %v", err)
	}

	clock := services.NewSystemClock()
	ledger := services.NewLedgerService(db, logger, clock)
	registry := services.NewAdapterRegistry(db, logger, time.Second, nil)
	registry.Register(&okAdapter{channel: models.ChannelEmail})
	resolver := services.NewRecipientResolver(db, logger)
	executor := services.NewActionExecutor(ledger, registry, resolver, logger, clock)
	approvals := services.NewApprovalService(db, ledger, logger, clock)
	engine := services.NewEngine(db, ledger, executor, approvals, logger, clock, services.EngineOptions{Workers: 1, QueueSize: 8})
	rules := services.NewRuleService(db, logger)

	router := gin.New()
	api := router.Group("/api")
	api.Use(func(c *gin.Context) {
		c.Set("church_id", church.ID)
		c.Set("member_id", pastor.ID)
		c.Set("role", "pastor")
	})
	RegisterRuleRoutes(api, NewRuleHandler(rules, logger))
	RegisterEventRoutes(api, NewEventHandler(engine, logger))
	RegisterExecutionRoutes(api, NewExecutionHandler(ledger, logger))
	RegisterApprovalRoutes(api, NewApprovalHandler(approvals, logger))

	return &apiFixture{db: db, router: router, church: church, pastor: pastor, ledger: ledger}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func ruleBody(bypass bool) map[string]interface{} {
	return map[string]interface{}{
		"name":            "prayer alert",
		"trigger_type":    models.TriggerPrayerRequestSubmitted,
		"bypass_approval": bypass,
		"actions": []map[string]interface{}{
			{"template": "prayer-team-alert", "recipient": "role:pastor", "channel": "EMAIL"},
		},
	}
}

func TestRuleAPICreateAndGet(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/rules", ruleBody(true))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var rule models.AutomationRule
	if err := json.Unmarshal(w.Body.Bytes(), &rule); err != nil {
		t.Fatalf("decode rule: %v", err)
	}

	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/rules/%d", rule.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/rules/999", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing rule status = %d, want 404", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/rules/abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d, want 400", w.Code)
	}
}

func TestRuleAPIRejectsInvalidRule(t *testing.T) {
	f := newAPIFixture(t)

	body := ruleBody(true)
	body["actions"] = []map[string]interface{}{
		{"template": "x", "recipient": "role:pastor", "channel": "FAX"},
	}
	w := f.do(t, http.MethodPost, "/api/rules", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestRuleAPIToggleActive(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/rules", ruleBody(true))
	var rule models.AutomationRule
	json.Unmarshal(w.Body.Bytes(), &rule)

	w = f.do(t, http.MethodPatch, fmt.Sprintf("/api/rules/%d/active", rule.ID), map[string]interface{}{"active": false})
	if w.Code != http.StatusOK {
		t.Fatalf("toggle status = %d, body = %s", w.Code, w.Body.String())
	}

	// Missing "active" field fails binding.
	w = f.do(t, http.MethodPatch, fmt.Sprintf("/api/rules/%d/active", rule.ID), map[string]interface{}{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing field status = %d, want 400", w.Code)
	}
}

func TestEventAPIIngest(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/api/rules", ruleBody(true))

	w := f.do(t, http.MethodPost, "/api/events", map[string]interface{}{
		"event_id":     "evt-1",
		"trigger_type": models.TriggerPrayerRequestSubmitted,
		"payload":      map[string]interface{}{"category": "health"},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("ingest status = %d, body = %s", w.Code, w.Body.String())
	}
	var result services.EventResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.MatchedRules != 1 || len(result.ExecutionIDs) != 1 {
		t.Fatalf("result = %+v", result)
	}

	// Unknown trigger is a client error.
	w = f.do(t, http.MethodPost, "/api/events", map[string]interface{}{
		"event_id":     "evt-2",
		"trigger_type": "NOPE",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown trigger status = %d, want 400", w.Code)
	}
}

func TestExecutionAPIListAndCancel(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/api/rules", ruleBody(true))

	w := f.do(t, http.MethodPost, "/api/events", map[string]interface{}{
		"event_id":     "evt-1",
		"trigger_type": models.TriggerPrayerRequestSubmitted,
	})
	var result services.EventResult
	json.Unmarshal(w.Body.Bytes(), &result)
	id := result.ExecutionIDs[0]

	w = f.do(t, http.MethodGet, "/api/executions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var page PaginatedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("total = %d, want 1", page.Total)
	}

	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/executions/%d", id), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/executions/%d/cancel", id), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body = %s", w.Code, w.Body.String())
	}

	// A second cancel hits a terminal record.
	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/executions/%d/cancel", id), nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("repeat cancel status = %d, want 409", w.Code)
	}
}

func TestApprovalAPIFlow(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/api/rules", ruleBody(false))

	w := f.do(t, http.MethodPost, "/api/events", map[string]interface{}{
		"event_id":     "evt-1",
		"trigger_type": models.TriggerPrayerRequestSubmitted,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("ingest status = %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/approvals", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var listing struct {
		Data []models.ApprovalTask `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode tasks: %v", err)
	}
	if len(listing.Data) != 1 {
		t.Fatalf("pending tasks = %d, want 1", len(listing.Data))
	}
	taskID := listing.Data[0].ID

	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/approvals/%d/approve", taskID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("approve status = %d, body = %s", w.Code, w.Body.String())
	}

	// Deciding twice conflicts.
	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/approvals/%d/reject", taskID), nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("second decision status = %d, want 409", w.Code)
	}
}

func TestExecutionAPIStats(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/api/rules", ruleBody(true))
	f.do(t, http.MethodPost, "/api/events", map[string]interface{}{
		"event_id":     "evt-1",
		"trigger_type": models.TriggerPrayerRequestSubmitted,
	})

	w := f.do(t, http.MethodGet, "/api/executions/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d", w.Code)
	}
	var stats services.ExecutionStats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalExecutions != 1 {
		t.Fatalf("total = %d, want 1", stats.TotalExecutions)
	}
}
