package services

import (
	"context"
	"fmt"

	"shepherd/internal/models"
	"shepherd/pkg/courier"
)

// CourierAdapter delivers one channel through the courier provider. The same
// client is shared across channels; only the destination field differs.
type CourierAdapter struct {
	channel string
	client  courier.Interface
}

// NewCourierAdapters returns one adapter per channel the courier provider
// supports.
func NewCourierAdapters(client courier.Interface) []ChannelAdapter {
	channels := []string{
		models.ChannelSMS,
		models.ChannelEmail,
		models.ChannelWhatsApp,
		models.ChannelPush,
		models.ChannelVoice,
	}
	adapters := make([]ChannelAdapter, 0, len(channels))
	for _, ch := range channels {
		adapters = append(adapters, &CourierAdapter{channel: ch, client: client})
	}
	return adapters
}

// Channel returns the channel this adapter serves.
func (a *CourierAdapter) Channel() string { return a.channel }

// Send delivers one message. A recipient without an address for this channel
// is a configuration problem, not a transient failure.
func (a *CourierAdapter) Send(ctx context.Context, req *ChannelSendRequest) (*ChannelSendResult, error) {
	switch a.channel {
	case models.ChannelVoice:
		if req.Recipient.Phone == "" {
			return nil, fmt.Errorf("%w: recipient has no phone", ErrChannelNotConfigured)
		}
		result, err := a.client.PlaceCall(ctx, &courier.CallRequest{
			From:         req.SenderID,
			To:           req.Recipient.Phone,
			TemplateSlug: req.Template,
			Variables:    req.Variables,
		})
		if err != nil {
			return nil, err
		}
		return &ChannelSendResult{ProviderMessageID: result.MessageID}, nil

	default:
		send := &courier.SendRequest{
			Channel:      a.channel,
			From:         req.SenderID,
			TemplateSlug: req.Template,
			Subject:      req.Subject,
			Variables:    req.Variables,
		}
		switch a.channel {
		case models.ChannelSMS, models.ChannelWhatsApp:
			if req.Recipient.Phone == "" {
				return nil, fmt.Errorf("%w: recipient has no phone", ErrChannelNotConfigured)
			}
			send.To = req.Recipient.Phone
		case models.ChannelEmail:
			if req.Recipient.Email == "" {
				return nil, fmt.Errorf("%w: recipient has no email", ErrChannelNotConfigured)
			}
			send.ToEmail = req.Recipient.Email
		case models.ChannelPush:
			if req.Recipient.PushToken == "" {
				return nil, fmt.Errorf("%w: recipient has no push token", ErrChannelNotConfigured)
			}
			send.ToToken = req.Recipient.PushToken
		default:
			return nil, fmt.Errorf("%w: unsupported channel %s", ErrChannelNotConfigured, a.channel)
		}

		result, err := a.client.Send(ctx, send)
		if err != nil {
			return nil, err
		}
		return &ChannelSendResult{ProviderMessageID: result.MessageID}, nil
	}
}
