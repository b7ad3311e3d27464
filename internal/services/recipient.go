package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"shepherd/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Recipient is a resolved delivery target with whatever addresses the
// directory has for it.
type Recipient struct {
	Name      string
	Email     string
	Phone     string
	PushToken string
	MemberID  uint
}

// RecipientResolver looks delivery targets up in the member/visitor
// directory. Recipient specs:
//
//	requester       the person behind the event's entity
//	role:<role>     every active member holding the role
//	member:<id>     a specific member
//	<email>         a literal address (escalation config convenience)
type RecipientResolver struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewRecipientResolver creates a resolver.
func NewRecipientResolver(db *gorm.DB, logger *logrus.Logger) *RecipientResolver {
	if logger == nil {
		logger = logrus.New()
	}
	return &RecipientResolver{db: db, logger: logger}
}

// Resolve expands a recipient spec into concrete recipients.
func (r *RecipientResolver) Resolve(ctx context.Context, churchID uint, event *Event, spec string) ([]Recipient, error) {
	switch {
	case spec == "requester":
		rec, err := r.resolveRequester(ctx, churchID, event)
		if err != nil {
			return nil, err
		}
		return []Recipient{*rec}, nil

	case strings.HasPrefix(spec, "role:"):
		return r.resolveRole(ctx, churchID, strings.TrimPrefix(spec, "role:"))

	case strings.HasPrefix(spec, "member:"):
		id, err := strconv.ParseUint(strings.TrimPrefix(spec, "member:"), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid member recipient %q", spec)
		}
		rec, err := r.resolveMember(ctx, churchID, uint(id))
		if err != nil {
			return nil, err
		}
		return []Recipient{*rec}, nil

	case strings.Contains(spec, "@"):
		return []Recipient{{Email: spec}}, nil

	default:
		return nil, fmt.Errorf("unknown recipient spec %q", spec)
	}
}

func (r *RecipientResolver) resolveMember(ctx context.Context, churchID, memberID uint) (*Recipient, error) {
	var member models.Member
	err := r.db.WithContext(ctx).
		Where("church_id = ? AND id = ?", churchID, memberID).
		First(&member).Error
	if err != nil {
		return nil, fmt.Errorf("resolve member %d: %w", memberID, err)
	}
	return memberRecipient(&member), nil
}

func (r *RecipientResolver) resolveRole(ctx context.Context, churchID uint, role string) ([]Recipient, error) {
	var members []models.Member
	err := r.db.WithContext(ctx).
		Where("church_id = ? AND role = ? AND status = 'active'", churchID, role).
		Find(&members).Error
	if err != nil {
		return nil, fmt.Errorf("resolve role %s: %w", role, err)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("no active members with role %s", role)
	}
	recipients := make([]Recipient, 0, len(members))
	for i := range members {
		recipients = append(recipients, *memberRecipient(&members[i]))
	}
	return recipients, nil
}

// resolveRequester finds the person the event is about: the visitor or member
// entity when the directory knows it, otherwise contact details carried in
// the event payload (form submissions from people not yet in the directory).
func (r *RecipientResolver) resolveRequester(ctx context.Context, churchID uint, event *Event) (*Recipient, error) {
	switch event.EntityType {
	case "visitor":
		var visitor models.Visitor
		err := r.db.WithContext(ctx).
			Where("church_id = ? AND id = ?", churchID, event.EntityID).
			First(&visitor).Error
		if err == nil {
			return &Recipient{
				Name:  strings.TrimSpace(visitor.FirstName + " " + visitor.LastName),
				Email: visitor.Email,
				Phone: visitor.Phone,
			}, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("resolve visitor %s: %w", event.EntityID, err)
		}
	case "member":
		var member models.Member
		err := r.db.WithContext(ctx).
			Where("church_id = ? AND id = ?", churchID, event.EntityID).
			First(&member).Error
		if err == nil {
			return memberRecipient(&member), nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("resolve member %s: %w", event.EntityID, err)
		}
	}

	rec := recipientFromPayload(event.Payload)
	if rec == nil {
		return nil, fmt.Errorf("cannot resolve requester for %s %s", event.EntityType, event.EntityID)
	}
	return rec, nil
}

func memberRecipient(m *models.Member) *Recipient {
	return &Recipient{
		Name:      strings.TrimSpace(m.FirstName + " " + m.LastName),
		Email:     m.Email,
		Phone:     m.Phone,
		PushToken: m.PushToken,
		MemberID:  m.ID,
	}
}

func recipientFromPayload(payload map[string]interface{}) *Recipient {
	pick := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := payload[k]; ok {
				if s, ok := v.(string); ok && s != "" {
					return s
				}
			}
		}
		return ""
	}
	rec := &Recipient{
		Name:  pick("requester_name", "visitor_name", "member_name"),
		Email: pick("requester_email", "visitor_email", "member_email"),
		Phone: pick("requester_phone", "visitor_phone", "member_phone"),
	}
	if rec.Email == "" && rec.Phone == "" {
		return nil
	}
	return rec
}
