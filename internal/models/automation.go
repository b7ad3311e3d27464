package models

import "time"

// Priority levels, highest first.
const (
	PriorityUrgent = "URGENT"
	PriorityHigh   = "HIGH"
	PriorityNormal = "NORMAL"
	PriorityLow    = "LOW"
)

// Delivery channels.
const (
	ChannelSMS      = "SMS"
	ChannelEmail    = "EMAIL"
	ChannelWhatsApp = "WHATSAPP"
	ChannelPush     = "PUSH"
	ChannelVoice    = "VOICE"
)

// Trigger types produced by collaborator flows.
const (
	TriggerPrayerRequestSubmitted = "PRAYER_REQUEST_SUBMITTED"
	TriggerVisitorCheckedIn       = "VISITOR_CHECKED_IN"
	TriggerEventCreated           = "EVENT_CREATED"
	TriggerMemberJoined           = "MEMBER_JOINED"
	TriggerDonationReceived       = "DONATION_RECEIVED"
	TriggerFormSubmitted          = "FORM_SUBMITTED"
)

// Execution statuses. COMPLETED, FAILED and CANCELLED are terminal.
// ESCALATED is a reporting overlay: the stored status keeps progressing while
// escalated_at marks that the supervisor notification fired.
const (
	StatusPending         = "PENDING"
	StatusApprovalPending = "APPROVAL_PENDING"
	StatusRunning         = "RUNNING"
	StatusRetrying        = "RETRYING"
	StatusCompleted       = "COMPLETED"
	StatusFailed          = "FAILED"
	StatusCancelled       = "CANCELLED"
	StatusEscalated       = "ESCALATED"
)

// Approval task statuses.
const (
	ApprovalPending  = "PENDING"
	ApprovalApproved = "APPROVED"
	ApprovalRejected = "REJECTED"
)

// AutomationRule is tenant-scoped configuration, created and edited by the
// settings screens and read-only to the engine.
type AutomationRule struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	ChurchID            uint      `gorm:"index" json:"church_id"`
	Name                string    `gorm:"not null" json:"name"`
	TriggerType         string    `gorm:"index;not null" json:"trigger_type"`
	Conditions          string    `gorm:"type:text" json:"conditions"` // JSON: {all:[{field,op,value}],any:[...]}
	Actions             string    `gorm:"type:text" json:"actions"`    // JSON: [{template,recipient,channel,variables}]
	PriorityLevel       string    `gorm:"default:'NORMAL'" json:"priority_level"`
	BypassApproval      bool      `gorm:"default:false" json:"bypass_approval"`
	RetryConfig         string    `gorm:"type:text" json:"retry_config"`      // JSON: {max_retries,delay_seconds}
	FallbackChannels    string    `gorm:"type:text" json:"fallback_channels"` // JSON: ["EMAIL","PUSH"]
	BusinessHoursOnly   bool      `gorm:"default:false" json:"business_hours_only"`
	BusinessHoursConfig string    `gorm:"type:text" json:"business_hours_config"` // JSON: {start,end,timezone,days}
	UrgentMode24x7      bool      `gorm:"default:false" json:"urgent_mode_24x7"`
	EscalationConfig    string    `gorm:"type:text" json:"escalation_config"` // JSON: {enabled,delay_minutes,notify_recipients}
	IsActive            bool      `gorm:"default:true" json:"is_active"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ExecutionRecord is the durable unit of engine work. Active is true while the
// record is non-terminal and NULL afterwards; the composite unique index on
// (rule_id, event_id, active) is what makes duplicate event delivery collapse
// into a single running execution even across worker processes.
type ExecutionRecord struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	RuleID        uint   `gorm:"index;uniqueIndex:uix_rule_event_active" json:"rule_id"`
	EventID       string `gorm:"index;uniqueIndex:uix_rule_event_active" json:"event_id"`
	Active        *bool  `gorm:"uniqueIndex:uix_rule_event_active" json:"-"`
	ChurchID      uint   `gorm:"index" json:"church_id"`
	Status        string `gorm:"index" json:"status"`
	PriorityLevel string `gorm:"index" json:"priority_level"`

	// Resume cursor: which action, which channel in the cascade, how many
	// attempts already made on it, and when the record is due again.
	ActionIndex   int        `gorm:"default:0" json:"action_index"`
	ChannelIndex  int        `gorm:"default:0" json:"channel_index"`
	AttemptNumber int        `gorm:"default:0" json:"attempt_number"`
	NextWakeAt    *time.Time `gorm:"index" json:"next_wake_at"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	EscalatedAt *time.Time `json:"escalated_at"`
	Error       string     `gorm:"type:text" json:"error"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Rule     AutomationRule   `gorm:"foreignKey:RuleID" json:"rule,omitempty"`
	Attempts []ChannelAttempt `gorm:"foreignKey:ExecutionID" json:"attempts,omitempty"`
}

// ReportedStatus is what operations views display: a non-terminal record that
// has escalated shows ESCALATED while the stored status keeps progressing.
func (r *ExecutionRecord) ReportedStatus() string {
	if r.EscalatedAt != nil && !IsTerminalStatus(r.Status) {
		return StatusEscalated
	}
	return r.Status
}

// IsTerminalStatus reports whether a status permits no further transition.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ChannelAttempt is one delivery attempt, append-only.
type ChannelAttempt struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	ExecutionID       uint      `gorm:"index" json:"execution_id"`
	ActionIndex       int       `json:"action_index"`
	Channel           string    `json:"channel"`
	AttemptNumber     int       `json:"attempt_number"`
	Success           bool      `json:"success"`
	ProviderMessageID string    `json:"provider_message_id"`
	Error             string    `gorm:"type:text" json:"error"`
	CreatedAt         time.Time `json:"created_at"`
}

// ExecutionTransition records every status change for audit.
type ExecutionTransition struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ExecutionID uint      `gorm:"index" json:"execution_id"`
	FromStatus  string    `json:"from_status"`
	ToStatus    string    `json:"to_status"`
	Note        string    `json:"note"`
	CreatedAt   time.Time `json:"created_at"`
}

// ApprovalTask gates an execution on human sign-off. The unique index keeps
// it to exactly one task per execution.
type ApprovalTask struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	ExecutionID  uint       `gorm:"uniqueIndex" json:"execution_id"`
	ChurchID     uint       `gorm:"index" json:"church_id"`
	AssignedRole string     `gorm:"default:'pastor'" json:"assigned_role"`
	Status       string     `gorm:"index;default:'PENDING'" json:"status"`
	DecidedBy    string     `json:"decided_by"`
	DecidedAt    *time.Time `json:"decided_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	Execution ExecutionRecord `gorm:"foreignKey:ExecutionID" json:"execution,omitempty"`
}
