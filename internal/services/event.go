package services

import (
	"encoding/json"
	"fmt"
	"time"

	"shepherd/internal/models"
)

// Event is the runtime form of a domain event, pushed in-process by
// collaborator flows (check-in, prayer requests, event creation, ...).
type Event struct {
	ID          string
	ChurchID    uint
	TriggerType string
	EntityID    string
	EntityType  string
	Payload     map[string]interface{}
	OccurredAt  time.Time
}

// triggerFields is the closed registry of payload fields each trigger type
// carries. Rule conditions are validated against it at create time, so a
// condition referencing a field the trigger never produces is rejected in the
// settings API instead of silently never matching.
var triggerFields = map[string][]string{
	models.TriggerPrayerRequestSubmitted: {
		"prayer_request_id", "category", "priority", "is_anonymous",
		"requester_name", "requester_email", "requester_phone", "preferred_contact",
	},
	models.TriggerVisitorCheckedIn: {
		"check_in_id", "visitor_id", "is_first_time", "visit_count",
		"visitor_category", "visitor_name", "visitor_email", "visitor_phone",
	},
	models.TriggerEventCreated: {
		"event_id", "event_type", "title", "capacity", "requires_volunteers",
	},
	models.TriggerMemberJoined: {
		"member_id", "member_name", "member_email", "ministry", "source",
	},
	models.TriggerDonationReceived: {
		"donation_id", "amount", "currency", "fund", "is_recurring", "donor_member_id",
	},
	models.TriggerFormSubmitted: {
		"form_id", "submission_id", "form_slug", "preferred_contact",
	},
}

// KnownTriggerType reports whether the trigger type is one the platform emits.
func KnownTriggerType(triggerType string) bool {
	_, ok := triggerFields[triggerType]
	return ok
}

// TriggerPayloadFields returns the payload fields a trigger type carries.
func TriggerPayloadFields(triggerType string) []string {
	return triggerFields[triggerType]
}

// Record converts the event to its persisted form.
func (e *Event) Record() (*models.DomainEvent, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return &models.DomainEvent{
		ID:          e.ID,
		ChurchID:    e.ChurchID,
		TriggerType: e.TriggerType,
		EntityID:    e.EntityID,
		EntityType:  e.EntityType,
		Payload:     string(payload),
		OccurredAt:  e.OccurredAt,
	}, nil
}
