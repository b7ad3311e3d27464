package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"shepherd/internal/models"

	"gorm.io/gorm"
)

type escalationFixture struct {
	db        *gorm.DB
	clock     *fakeClock
	ledger    *LedgerService
	scheduler *EscalationScheduler
	church    *models.Church
	email     *scriptedAdapter
}

func newEscalationFixture(t *testing.T) *escalationFixture {
	t.Helper()
	db := newTestDB(t)
	church := seedChurch(t, db)
	seedPastor(t, db, church.ID)
	clock := newFakeClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	ledger := NewLedgerService(db, testLogger(), clock)
	email := &scriptedAdapter{channel: models.ChannelEmail}
	registry := newTestRegistry(t, db, church.ID, email)
	resolver := NewRecipientResolver(db, testLogger())
	scheduler := NewEscalationScheduler(ledger, registry, resolver, testLogger(), clock)
	return &escalationFixture{db: db, clock: clock, ledger: ledger, scheduler: scheduler, church: church, email: email}
}

func (f *escalationFixture) stalledExecution(t *testing.T, priority string, escalationConfig string) *models.ExecutionRecord {
	t.Helper()
	rule := seedRule(t, f.db, &models.AutomationRule{
		ChurchID:         f.church.ID,
		Name:             "stalled rule",
		TriggerType:      models.TriggerPrayerRequestSubmitted,
		PriorityLevel:    priority,
		IsActive:         true,
		EscalationConfig: escalationConfig,
		Actions:          `[{"template":"x","recipient":"role:pastor","channel":"EMAIL"}]`,
	})
	rec := &models.ExecutionRecord{
		RuleID:        rule.ID,
		EventID:       "evt-1", // unique per rule, and every call seeds its own rule
		ChurchID:      f.church.ID,
		Status:        models.StatusRetrying,
		PriorityLevel: priority,
	}
	if err := f.ledger.CreateExecution(context.Background(), rec); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	return rec
}

func (f *escalationFixture) escalatedAt(t *testing.T, id uint) *time.Time {
	t.Helper()
	var rec models.ExecutionRecord
	if err := f.db.First(&rec, id).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	return rec.EscalatedAt
}

func TestEscalationUrgentFiresAfterFifteenMinutes(t *testing.T) {
	f := newEscalationFixture(t)
	rec := f.stalledExecution(t, models.PriorityUrgent, "")

	// Fourteen minutes in: not yet.
	f.clock.Advance(14 * time.Minute)
	if err := f.scheduler.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if f.escalatedAt(t, rec.ID) != nil {
		t.Fatal("escalated before the deadline")
	}

	f.clock.Advance(2 * time.Minute)
	if err := f.scheduler.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if f.escalatedAt(t, rec.ID) == nil {
		t.Fatal("urgent execution should escalate after 15 minutes")
	}
	if f.email.callCount() == 0 {
		t.Error("supervisor alert was not sent")
	}
}

func TestEscalationFiresOncePerExecution(t *testing.T) {
	f := newEscalationFixture(t)
	rec := f.stalledExecution(t, models.PriorityUrgent, "")

	f.clock.Advance(20 * time.Minute)
	if err := f.scheduler.Sweep(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	first := f.escalatedAt(t, rec.ID)
	if first == nil {
		t.Fatal("expected escalation")
	}
	alertsAfterFirst := f.email.callCount()

	f.clock.Advance(time.Hour)
	if err := f.scheduler.Sweep(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if got := f.escalatedAt(t, rec.ID); !got.Equal(*first) {
		t.Errorf("escalated_at moved from %v to %v", first, got)
	}
	if f.email.callCount() != alertsAfterFirst {
		t.Error("second sweep re-sent the supervisor alert")
	}
}

func TestEscalationLowPriorityNeverFires(t *testing.T) {
	f := newEscalationFixture(t)
	rec := f.stalledExecution(t, models.PriorityLow, "")

	f.clock.Advance(72 * time.Hour)
	if err := f.scheduler.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if f.escalatedAt(t, rec.ID) != nil {
		t.Fatal("LOW priority should never escalate")
	}
}

func TestEscalationDelayOverride(t *testing.T) {
	f := newEscalationFixture(t)
	// NORMAL would default to 24h; the rule tightens it to 30 minutes.
	rec := f.stalledExecution(t, models.PriorityNormal, `{"enabled":true,"delay_minutes":30}`)

	f.clock.Advance(29 * time.Minute)
	if err := f.scheduler.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if f.escalatedAt(t, rec.ID) != nil {
		t.Fatal("escalated before the configured delay")
	}

	f.clock.Advance(2 * time.Minute)
	if err := f.scheduler.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if f.escalatedAt(t, rec.ID) == nil {
		t.Fatal("expected escalation after the configured delay")
	}
}

func TestEscalationDisabledRuleNeverFires(t *testing.T) {
	f := newEscalationFixture(t)
	rec := f.stalledExecution(t, models.PriorityUrgent, `{"enabled":false}`)

	f.clock.Advance(24 * time.Hour)
	if err := f.scheduler.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if f.escalatedAt(t, rec.ID) != nil {
		t.Fatal("disabled escalation config should suppress the alert")
	}
}

func TestEscalationSkipsTerminalRecords(t *testing.T) {
	f := newEscalationFixture(t)
	rec := f.stalledExecution(t, models.PriorityUrgent, "")
	if err := f.ledger.Transition(context.Background(), rec, models.StatusCompleted, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	f.clock.Advance(time.Hour)
	if err := f.scheduler.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if f.escalatedAt(t, rec.ID) != nil {
		t.Fatal("completed execution should not escalate")
	}
}

func TestEscalationAlertFallsBackToPush(t *testing.T) {
	f := newEscalationFixture(t)
	// EMAIL fails once; PUSH is enabled and succeeds.
	f.email.outcomes = []error{errors.New("smtp timeout")}
	push := &scriptedAdapter{channel: models.ChannelPush}
	f.scheduler.adapters.Register(push)
	enableChannel(t, f.db, f.church.ID, models.ChannelPush)

	f.stalledExecution(t, models.PriorityUrgent, "")
	f.clock.Advance(20 * time.Minute)
	if err := f.scheduler.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if push.callCount() != 1 {
		t.Errorf("push alerts = %d, want 1", push.callCount())
	}
}
