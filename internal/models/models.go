package models

import (
	"time"

	"gorm.io/gorm"
)

// Church is the tenant. Every rule, event and execution hangs off a church.
type Church struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Name      string         `gorm:"not null" json:"name"`
	Slug      string         `gorm:"unique;not null" json:"slug"`
	Timezone  string         `gorm:"default:'America/Bogota'" json:"timezone"`
	Status    string         `gorm:"default:'active'" json:"status"` // active, suspended
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// Member belongs to a church directory. The engine reads members only to
// resolve notification recipients and escalation targets.
type Member struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	ChurchID  uint           `gorm:"index" json:"church_id"`
	FirstName string         `json:"first_name"`
	LastName  string         `json:"last_name"`
	Email     string         `gorm:"index" json:"email"`
	Phone     string         `json:"phone"`
	PushToken string         `json:"push_token"`
	Role      string         `gorm:"default:'member'" json:"role"` // member, team_lead, pastor, admin
	Status    string         `gorm:"default:'active'" json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// Visitor is a lightweight directory entry created by the check-in flow.
type Visitor struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	ChurchID   uint           `gorm:"index" json:"church_id"`
	FirstName  string         `json:"first_name"`
	LastName   string         `json:"last_name"`
	Email      string         `json:"email"`
	Phone      string         `json:"phone"`
	FirstVisit bool           `gorm:"default:true" json:"first_visit"`
	VisitCount int            `gorm:"default:1" json:"visit_count"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

// ChannelSetting records which delivery channels a church has configured.
// A channel without an enabled setting is skipped without retries during the
// fallback cascade.
type ChannelSetting struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ChurchID  uint      `gorm:"index;uniqueIndex:uix_church_channel" json:"church_id"`
	Channel   string    `gorm:"uniqueIndex:uix_church_channel" json:"channel"`
	Enabled   bool      `gorm:"default:true" json:"enabled"`
	SenderID  string    `json:"sender_id"` // provider-side sender (phone number, from-address, app id)
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NotificationTemplate is referenced by rule actions. Wording lives with the
// settings screens; the engine only passes the slug and variables through.
type NotificationTemplate struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ChurchID  uint      `gorm:"index;uniqueIndex:uix_church_template" json:"church_id"`
	Slug      string    `gorm:"uniqueIndex:uix_church_template" json:"slug"`
	Subject   string    `json:"subject"`
	Body      string    `gorm:"type:text" json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DomainEvent is an immutable record of something that happened in a
// collaborator flow (check-in, prayer request, event creation, ...).
type DomainEvent struct {
	ID          string    `gorm:"primaryKey" json:"id"` // uuid
	ChurchID    uint      `gorm:"index" json:"church_id"`
	TriggerType string    `gorm:"index" json:"trigger_type"`
	EntityID    string    `json:"entity_id"`
	EntityType  string    `json:"entity_type"`              // member, visitor, prayer_request, event, donation
	Payload     string    `gorm:"type:text" json:"payload"` // JSON map
	OccurredAt  time.Time `json:"occurred_at"`
	CreatedAt   time.Time `json:"created_at"`
}
