package services

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"shepherd/internal/models"
)

// RetryConfig controls per-channel retry behavior of a rule.
type RetryConfig struct {
	MaxRetries   int   `json:"max_retries"`
	DelaySeconds []int `json:"delay_seconds"`
}

// DefaultRetryConfig mirrors the platform default of three attempts at
// 60s/300s/900s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, DelaySeconds: []int{60, 300, 900}}
}

// Delay returns the backoff before the given retry (attempt numbers start at
// 1, so attempt 2 waits DelaySeconds[0]). The last configured delay repeats.
func (rc RetryConfig) Delay(attempt int) time.Duration {
	if len(rc.DelaySeconds) == 0 {
		return time.Minute
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(rc.DelaySeconds) {
		idx = len(rc.DelaySeconds) - 1
	}
	return time.Duration(rc.DelaySeconds[idx]) * time.Second
}

// EscalationConfig controls supervisor notification for stalled executions.
type EscalationConfig struct {
	Enabled          bool     `json:"enabled"`
	DelayMinutes     int      `json:"delay_minutes"`
	NotifyRecipients []string `json:"notify_recipients"` // role:pastor, member:12, plain email
}

// RuleAction is one ordered step of a rule. Ordering matters: "notify team"
// precedes "confirm to requester".
type RuleAction struct {
	Template  string            `json:"template"`
	Recipient string            `json:"recipient"` // requester, role:<role>, member:<id>
	Channel   string            `json:"channel"`   // primary channel
	Variables map[string]string `json:"variables,omitempty"`
}

// ParseRetryConfig decodes the rule's retry column, falling back to the
// platform default when unset.
func ParseRetryConfig(raw string) (RetryConfig, error) {
	if strings.TrimSpace(raw) == "" {
		return DefaultRetryConfig(), nil
	}
	var rc RetryConfig
	if err := json.Unmarshal([]byte(raw), &rc); err != nil {
		return RetryConfig{}, fmt.Errorf("parse retry config: %w", err)
	}
	if rc.MaxRetries < 1 {
		rc.MaxRetries = 1
	}
	return rc, nil
}

// ParseFallbackChannels decodes the ordered fallback list.
func ParseFallbackChannels(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var channels []string
	if err := json.Unmarshal([]byte(raw), &channels); err != nil {
		return nil, fmt.Errorf("parse fallback channels: %w", err)
	}
	return channels, nil
}

// ParseEscalationConfig decodes the escalation column; absence means default
// priority-based escalation with no extra recipients.
func ParseEscalationConfig(raw string) (EscalationConfig, error) {
	if strings.TrimSpace(raw) == "" {
		return EscalationConfig{Enabled: true}, nil
	}
	var ec EscalationConfig
	if err := json.Unmarshal([]byte(raw), &ec); err != nil {
		return EscalationConfig{}, fmt.Errorf("parse escalation config: %w", err)
	}
	return ec, nil
}

// ParseActions decodes the ordered action list.
func ParseActions(raw string) ([]RuleAction, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("rule has no actions")
	}
	var actions []RuleAction
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		return nil, fmt.Errorf("parse actions: %w", err)
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("rule has no actions")
	}
	return actions, nil
}

// CascadeChannels builds the ordered channel cascade for an action: the
// action's primary channel followed by the rule's fallback channels, with the
// primary deduplicated out of the fallbacks.
func CascadeChannels(action RuleAction, fallbacks []string) []string {
	cascade := []string{action.Channel}
	for _, ch := range fallbacks {
		if ch != action.Channel {
			cascade = append(cascade, ch)
		}
	}
	return cascade
}

// ValidChannel reports whether the channel name is one the platform delivers.
func ValidChannel(channel string) bool {
	switch channel {
	case models.ChannelSMS, models.ChannelEmail, models.ChannelWhatsApp, models.ChannelPush, models.ChannelVoice:
		return true
	default:
		return false
	}
}

// ValidPriority reports whether the priority level is known.
func ValidPriority(priority string) bool {
	switch priority {
	case models.PriorityUrgent, models.PriorityHigh, models.PriorityNormal, models.PriorityLow:
		return true
	default:
		return false
	}
}

// priorityRank orders URGENT > HIGH > NORMAL > LOW.
func priorityRank(priority string) int {
	switch priority {
	case models.PriorityUrgent:
		return 0
	case models.PriorityHigh:
		return 1
	case models.PriorityNormal:
		return 2
	case models.PriorityLow:
		return 3
	default:
		return 4
	}
}

// EscalationDeadline returns how long an execution of the given priority may
// stall before a supervisor is notified. LOW never escalates.
func EscalationDeadline(priority string) (time.Duration, bool) {
	switch priority {
	case models.PriorityUrgent:
		return 15 * time.Minute, true
	case models.PriorityHigh:
		return 2 * time.Hour, true
	case models.PriorityNormal:
		return 24 * time.Hour, true
	default:
		return 0, false
	}
}
