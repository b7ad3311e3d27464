package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"shepherd/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Church{},
		&models.Member{},
		&models.Visitor{},
		&models.ChannelSetting{},
		&models.NotificationTemplate{},
		&models.DomainEvent{},
		&models.AutomationRule{},
		&models.ExecutionRecord{},
		&models.ChannelAttempt{},
		&models.ExecutionTransition{},
		&models.ApprovalTask{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// fakeClock makes retry and escalation timing deterministic.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// scriptedAdapter plays back a list of outcomes, one per Send call, then
// succeeds forever.
type scriptedAdapter struct {
	mu       sync.Mutex
	channel  string
	outcomes []error
	calls    int
}

func (a *scriptedAdapter) Channel() string { return a.channel }

func (a *scriptedAdapter) Send(ctx context.Context, req *ChannelSendRequest) (*ChannelSendResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if len(a.outcomes) > 0 {
		err := a.outcomes[0]
		a.outcomes = a.outcomes[1:]
		if err != nil {
			return nil, err
		}
	}
	return &ChannelSendResult{ProviderMessageID: "msg-1"}, nil
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func seedChurch(t *testing.T, db *gorm.DB) *models.Church {
	t.Helper()
	church := &models.Church{Name: "Iglesia Central", Slug: "iglesia-central", Timezone: "America/Bogota"}
	if err := db.Create(church).Error; err != nil {
		t.Fatalf("create church: %v", err)
	}
	return church
}

func enableChannel(t *testing.T, db *gorm.DB, churchID uint, channel string) {
	t.Helper()
	setting := &models.ChannelSetting{ChurchID: churchID, Channel: channel, Enabled: true, SenderID: "shepherd"}
	if err := db.Create(setting).Error; err != nil {
		t.Fatalf("enable channel %s: %v", channel, err)
	}
}

func seedPastor(t *testing.T, db *gorm.DB, churchID uint) *models.Member {
	t.Helper()
	member := &models.Member{
		ChurchID:  churchID,
		FirstName: "Ana",
		LastName:  "Torres",
		Email:     "ana@example.org",
		Phone:     "+573001112233",
		PushToken: "push-token-ana",
		Role:      "pastor",
		Status:    "active",
	}
	if err := db.Create(member).Error; err != nil {
		t.Fatalf("create pastor: %v", err)
	}
	return member
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(raw)
}

func seedRule(t *testing.T, db *gorm.DB, rule *models.AutomationRule) *models.AutomationRule {
	t.Helper()
	if rule.PriorityLevel == "" {
		rule.PriorityLevel = models.PriorityNormal
	}
	if err := db.Create(rule).Error; err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return rule
}

func seedEvent(t *testing.T, db *gorm.DB, event *Event) *Event {
	t.Helper()
	row, err := event.Record()
	if err != nil {
		t.Fatalf("event record: %v", err)
	}
	if err := db.Create(row).Error; err != nil {
		t.Fatalf("persist event: %v", err)
	}
	return event
}

// newTestRegistry builds an adapter registry with the given scripted
// adapters registered and their channels enabled for the church.
func newTestRegistry(t *testing.T, db *gorm.DB, churchID uint, adapters ...*scriptedAdapter) *AdapterRegistry {
	t.Helper()
	registry := NewAdapterRegistry(db, testLogger(), time.Second, nil)
	for _, a := range adapters {
		registry.Register(a)
		enableChannel(t, db, churchID, a.channel)
	}
	return registry
}
