package courier

import "time"

// Config holds connection settings for the courier provider.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a config suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		BaseURL: "http://localhost:9400",
		Timeout: 10 * time.Second,
	}
}

// SendRequest is a single delivery request. Exactly one destination field is
// used depending on the channel: To for SMS/WhatsApp/Voice, ToEmail for email,
// ToToken for push.
type SendRequest struct {
	Channel      string            `json:"channel"` // SMS, EMAIL, WHATSAPP, PUSH, VOICE
	From         string            `json:"from,omitempty"`
	To           string            `json:"to,omitempty"`
	ToEmail      string            `json:"to_email,omitempty"`
	ToToken      string            `json:"to_token,omitempty"`
	TemplateSlug string            `json:"template"`
	Subject      string            `json:"subject,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
}

// SendResult is the provider's acknowledgement of an accepted message.
type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"` // queued, sent, failed
	Error     string `json:"error,omitempty"`
}

// CallRequest asks the provider to place an outbound voice call that reads a
// templated script to the recipient.
type CallRequest struct {
	From         string            `json:"from,omitempty"`
	To           string            `json:"to"`
	TemplateSlug string            `json:"template"`
	Variables    map[string]string `json:"variables,omitempty"`
}

// ErrorResponse is the provider's error envelope.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}
