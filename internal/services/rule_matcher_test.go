package services

import (
	"testing"
	"time"

	"shepherd/internal/models"
)

func TestMatchRulesFiltersAndOrders(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rules := []models.AutomationRule{
		{ID: 1, Name: "normal-first", TriggerType: models.TriggerPrayerRequestSubmitted, PriorityLevel: models.PriorityNormal, IsActive: true, CreatedAt: base},
		{ID: 2, Name: "urgent", TriggerType: models.TriggerPrayerRequestSubmitted, PriorityLevel: models.PriorityUrgent, IsActive: true, CreatedAt: base.Add(time.Hour)},
		{ID: 3, Name: "inactive", TriggerType: models.TriggerPrayerRequestSubmitted, PriorityLevel: models.PriorityUrgent, IsActive: false, CreatedAt: base},
		{ID: 4, Name: "other-trigger", TriggerType: models.TriggerVisitorCheckedIn, PriorityLevel: models.PriorityUrgent, IsActive: true, CreatedAt: base},
		{ID: 5, Name: "normal-second", TriggerType: models.TriggerPrayerRequestSubmitted, PriorityLevel: models.PriorityNormal, IsActive: true, CreatedAt: base.Add(time.Minute)},
	}
	event := &Event{TriggerType: models.TriggerPrayerRequestSubmitted, Payload: map[string]interface{}{}}

	matched := MatchRules(event, rules, testLogger())
	if len(matched) != 3 {
		t.Fatalf("matched %d rules, want 3", len(matched))
	}
	if matched[0].ID != 2 {
		t.Errorf("first match = rule %d, want urgent rule 2", matched[0].ID)
	}
	if matched[1].ID != 1 || matched[2].ID != 5 {
		t.Errorf("normal rules out of creation order: %d, %d", matched[1].ID, matched[2].ID)
	}
}

func TestMatchRulesAppliesConditions(t *testing.T) {
	rules := []models.AutomationRule{
		{
			ID: 1, Name: "health-only", TriggerType: models.TriggerPrayerRequestSubmitted,
			PriorityLevel: models.PriorityNormal, IsActive: true,
			Conditions: `{"all":[{"field":"category","op":"eq","value":"health"}]}`,
		},
	}
	match := MatchRules(&Event{
		TriggerType: models.TriggerPrayerRequestSubmitted,
		Payload:     map[string]interface{}{"category": "health"},
	}, rules, testLogger())
	if len(match) != 1 {
		t.Fatalf("matched %d, want 1", len(match))
	}

	noMatch := MatchRules(&Event{
		TriggerType: models.TriggerPrayerRequestSubmitted,
		Payload:     map[string]interface{}{"category": "finance"},
	}, rules, testLogger())
	if len(noMatch) != 0 {
		t.Fatalf("matched %d, want 0", len(noMatch))
	}
}

func TestMatchRulesSkipsMalformedConditions(t *testing.T) {
	rules := []models.AutomationRule{
		{ID: 1, Name: "broken", TriggerType: models.TriggerPrayerRequestSubmitted, PriorityLevel: models.PriorityNormal, IsActive: true, Conditions: "{not json"},
		{ID: 2, Name: "fine", TriggerType: models.TriggerPrayerRequestSubmitted, PriorityLevel: models.PriorityNormal, IsActive: true},
	}
	matched := MatchRules(&Event{TriggerType: models.TriggerPrayerRequestSubmitted}, rules, testLogger())
	if len(matched) != 1 || matched[0].ID != 2 {
		t.Fatalf("matched %v, want only rule 2", matched)
	}
}
