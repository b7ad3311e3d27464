package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shepherd/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrChannelNotConfigured marks a channel the tenant cannot deliver on at
// all: no adapter, channel disabled in settings, or the recipient has no
// address for it. The executor skips retries and cascades immediately.
var ErrChannelNotConfigured = errors.New("channel not configured")

// ErrChannelUnavailable marks a transient delivery failure (provider error,
// timeout, open breaker). The executor enters its retry path.
var ErrChannelUnavailable = errors.New("channel unavailable")

// ChannelSendRequest carries one delivery to an adapter.
type ChannelSendRequest struct {
	Template  string
	Subject   string
	Variables map[string]string
	Recipient Recipient
	SenderID  string
}

// ChannelSendResult is a successful delivery acknowledgement.
type ChannelSendResult struct {
	ProviderMessageID string
}

// ChannelAdapter is the uniform send primitive per delivery channel.
type ChannelAdapter interface {
	Channel() string
	Send(ctx context.Context, req *ChannelSendRequest) (*ChannelSendResult, error)
}

// AdapterRegistry routes sends to the right adapter, applies per-tenant
// channel settings, bounds every call with the adapter timeout and guards
// each channel with a circuit breaker.
type AdapterRegistry struct {
	db       *gorm.DB
	logger   *logrus.Logger
	adapters map[string]ChannelAdapter
	breakers map[string]*CircuitBreaker
	timeout  time.Duration
	breaker  *CircuitBreakerConfig
}

// NewAdapterRegistry creates an empty registry.
func NewAdapterRegistry(db *gorm.DB, logger *logrus.Logger, timeout time.Duration, breakerCfg *CircuitBreakerConfig) *AdapterRegistry {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AdapterRegistry{
		db:       db,
		logger:   logger,
		adapters: make(map[string]ChannelAdapter),
		breakers: make(map[string]*CircuitBreaker),
		timeout:  timeout,
		breaker:  breakerCfg,
	}
}

// Register adds an adapter for its channel.
func (r *AdapterRegistry) Register(adapter ChannelAdapter) {
	r.adapters[adapter.Channel()] = adapter
	r.breakers[adapter.Channel()] = NewCircuitBreaker(r.breaker)
}

// setting loads the tenant's channel setting; a missing row means the church
// never configured the channel.
func (r *AdapterRegistry) setting(ctx context.Context, churchID uint, channel string) (*models.ChannelSetting, error) {
	var setting models.ChannelSetting
	err := r.db.WithContext(ctx).
		Where("church_id = ? AND channel = ?", churchID, channel).
		First(&setting).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load channel setting: %w", err)
	}
	return &setting, nil
}

// Send delivers one message for the tenant on the given channel.
func (r *AdapterRegistry) Send(ctx context.Context, churchID uint, channel string, req *ChannelSendRequest) (*ChannelSendResult, error) {
	adapter, ok := r.adapters[channel]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for %s", ErrChannelNotConfigured, channel)
	}

	setting, err := r.setting(ctx, churchID, channel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	if setting == nil || !setting.Enabled {
		return nil, fmt.Errorf("%w: %s disabled for church %d", ErrChannelNotConfigured, channel, churchID)
	}
	req.SenderID = setting.SenderID

	breaker := r.breakers[channel]
	if !breaker.Allow() {
		return nil, fmt.Errorf("%w: %s circuit open", ErrChannelUnavailable, channel)
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := adapter.Send(sendCtx, req)
	if err != nil {
		if errors.Is(err, ErrChannelNotConfigured) {
			// Not the provider's fault; don't trip the breaker.
			return nil, err
		}
		breaker.OnFailure()
		return nil, fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	breaker.OnSuccess()
	return result, nil
}

// BreakerStats exposes per-channel breaker state for the metrics endpoint.
func (r *AdapterRegistry) BreakerStats() map[string]interface{} {
	stats := make(map[string]interface{}, len(r.breakers))
	for ch, cb := range r.breakers {
		stats[ch] = cb.Stats()
	}
	return stats
}
