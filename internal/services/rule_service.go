package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"shepherd/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// RuleService owns the tenant rule settings. Everything the engine later
// parses from a rule is validated here, so a rule that made it into the
// database can always be executed.
type RuleService struct {
	db     *gorm.DB
	logger *logrus.Logger
	tracer trace.Tracer
}

// NewRuleService creates a rule service.
func NewRuleService(db *gorm.DB, logger *logrus.Logger) *RuleService {
	if logger == nil {
		logger = logrus.New()
	}
	return &RuleService{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("shepherd.rules"),
	}
}

// RuleRequest creates or replaces a rule.
type RuleRequest struct {
	Name                string            `json:"name" binding:"required"`
	TriggerType         string            `json:"trigger_type" binding:"required"`
	Conditions          *ConditionSet     `json:"conditions"`
	Actions             []RuleAction      `json:"actions" binding:"required"`
	PriorityLevel       string            `json:"priority_level"`
	BypassApproval      bool              `json:"bypass_approval"`
	RetryConfig         *RetryConfig      `json:"retry_config"`
	FallbackChannels    []string          `json:"fallback_channels"`
	BusinessHoursOnly   bool              `json:"business_hours_only"`
	BusinessHoursConfig *BusinessHours    `json:"business_hours_config"`
	UrgentMode24x7      bool              `json:"urgent_mode_24x7"`
	EscalationConfig    *EscalationConfig `json:"escalation_config"`
	IsActive            *bool             `json:"is_active"`
}

// validate rejects anything the engine could not execute later.
func (r *RuleRequest) validate() error {
	if !KnownTriggerType(r.TriggerType) {
		return fmt.Errorf("unknown trigger type %q", r.TriggerType)
	}
	if r.PriorityLevel == "" {
		r.PriorityLevel = models.PriorityNormal
	}
	if !ValidPriority(r.PriorityLevel) {
		return fmt.Errorf("unknown priority %q", r.PriorityLevel)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("rule needs at least one action")
	}
	for i, action := range r.Actions {
		if action.Template == "" {
			return fmt.Errorf("action %d: template required", i)
		}
		if action.Recipient == "" {
			return fmt.Errorf("action %d: recipient required", i)
		}
		if !ValidChannel(action.Channel) {
			return fmt.Errorf("action %d: unknown channel %q", i, action.Channel)
		}
	}
	for _, ch := range r.FallbackChannels {
		if !ValidChannel(ch) {
			return fmt.Errorf("unknown fallback channel %q", ch)
		}
	}
	if r.Conditions != nil {
		if err := ValidateConditionFields(r.TriggerType, r.Conditions); err != nil {
			return err
		}
	}
	if r.RetryConfig != nil {
		if r.RetryConfig.MaxRetries < 1 {
			return fmt.Errorf("retry config: max_retries must be at least 1")
		}
		for _, d := range r.RetryConfig.DelaySeconds {
			if d < 0 {
				return fmt.Errorf("retry config: negative delay")
			}
		}
	}
	if r.BusinessHoursConfig != nil {
		raw, _ := json.Marshal(r.BusinessHoursConfig)
		if _, err := ParseBusinessHours(string(raw)); err != nil {
			return err
		}
	}
	if r.EscalationConfig != nil && r.EscalationConfig.DelayMinutes < 0 {
		return fmt.Errorf("escalation config: negative delay")
	}
	return nil
}

// toModel serializes the request into the rule row's JSON columns.
func (r *RuleRequest) toModel(churchID uint) (*models.AutomationRule, error) {
	rule := &models.AutomationRule{
		ChurchID:          churchID,
		Name:              r.Name,
		TriggerType:       r.TriggerType,
		PriorityLevel:     r.PriorityLevel,
		BypassApproval:    r.BypassApproval,
		BusinessHoursOnly: r.BusinessHoursOnly,
		UrgentMode24x7:    r.UrgentMode24x7,
		IsActive:          true,
	}
	if r.IsActive != nil {
		rule.IsActive = *r.IsActive
	}

	marshal := func(v interface{}) (string, error) {
		if v == nil {
			return "", nil
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}

	var err error
	if rule.Actions, err = marshal(r.Actions); err != nil {
		return nil, fmt.Errorf("encode actions: %w", err)
	}
	if r.Conditions != nil {
		if rule.Conditions, err = marshal(r.Conditions); err != nil {
			return nil, fmt.Errorf("encode conditions: %w", err)
		}
	}
	if r.RetryConfig != nil {
		if rule.RetryConfig, err = marshal(r.RetryConfig); err != nil {
			return nil, fmt.Errorf("encode retry config: %w", err)
		}
	}
	if len(r.FallbackChannels) > 0 {
		if rule.FallbackChannels, err = marshal(r.FallbackChannels); err != nil {
			return nil, fmt.Errorf("encode fallback channels: %w", err)
		}
	}
	if r.BusinessHoursConfig != nil {
		if rule.BusinessHoursConfig, err = marshal(r.BusinessHoursConfig); err != nil {
			return nil, fmt.Errorf("encode business hours: %w", err)
		}
	}
	if r.EscalationConfig != nil {
		if rule.EscalationConfig, err = marshal(r.EscalationConfig); err != nil {
			return nil, fmt.Errorf("encode escalation config: %w", err)
		}
	}
	return rule, nil
}

// Create validates and stores a new rule.
func (s *RuleService) Create(ctx context.Context, churchID uint, req *RuleRequest) (*models.AutomationRule, error) {
	ctx, span := s.tracer.Start(ctx, "rules.create")
	defer span.End()
	span.SetAttributes(attribute.Int64("rule.church_id", int64(churchID)))

	if err := req.validate(); err != nil {
		return nil, err
	}
	rule, err := req.toModel(churchID)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create rule: %w", err)
	}
	s.logger.Infof("rules: created rule %d (%s) for church %d on %s", rule.ID, rule.Name, churchID, rule.TriggerType)
	return rule, nil
}

// Update validates and replaces an existing rule's configuration.
func (s *RuleService) Update(ctx context.Context, churchID, ruleID uint, req *RuleRequest) (*models.AutomationRule, error) {
	ctx, span := s.tracer.Start(ctx, "rules.update")
	defer span.End()
	span.SetAttributes(attribute.Int64("rule.id", int64(ruleID)))

	existing, err := s.Get(ctx, churchID, ruleID)
	if err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	updated, err := req.toModel(churchID)
	if err != nil {
		return nil, err
	}
	updated.ID = existing.ID
	updated.CreatedAt = existing.CreatedAt
	if err := s.db.WithContext(ctx).Save(updated).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("update rule: %w", err)
	}
	s.logger.Infof("rules: updated rule %d (%s)", updated.ID, updated.Name)
	return updated, nil
}

// SetActive toggles a rule. In-flight executions are untouched; matching
// stops or resumes on the next event.
func (s *RuleService) SetActive(ctx context.Context, churchID, ruleID uint, active bool) error {
	result := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ? AND church_id = ?", ruleID, churchID).
		Update("is_active", active)
	if result.Error != nil {
		return fmt.Errorf("toggle rule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("rule not found")
	}
	return nil
}

// Get loads one rule scoped to the church.
func (s *RuleService) Get(ctx context.Context, churchID, ruleID uint) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	err := s.db.WithContext(ctx).
		Where("id = ? AND church_id = ?", ruleID, churchID).
		First(&rule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("rule not found")
		}
		return nil, fmt.Errorf("load rule: %w", err)
	}
	return &rule, nil
}

// RuleListRequest filters the settings view.
type RuleListRequest struct {
	TriggerType string `form:"trigger_type"`
	Active      *bool  `form:"active"`
	Page        int    `form:"page,default=1"`
	PageSize    int    `form:"page_size,default=20"`
}

// List returns a church's rules with filters and pagination.
func (s *RuleService) List(ctx context.Context, churchID uint, req *RuleListRequest) ([]models.AutomationRule, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("church_id = ?", churchID)
	if req.TriggerType != "" {
		query = query.Where("trigger_type = ?", req.TriggerType)
	}
	if req.Active != nil {
		query = query.Where("is_active = ?", *req.Active)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count rules: %w", err)
	}

	query = query.Order("created_at DESC")
	if req.PageSize > 0 {
		query = query.Offset((req.Page - 1) * req.PageSize).Limit(req.PageSize)
	}

	var rules []models.AutomationRule
	if err := query.Find(&rules).Error; err != nil {
		return nil, 0, fmt.Errorf("list rules: %w", err)
	}
	return rules, total, nil
}

// Delete removes a rule. Ledger records keep their rule_id for history; the
// engine only ever reads rules at match and claim time.
func (s *RuleService) Delete(ctx context.Context, churchID, ruleID uint) error {
	result := s.db.WithContext(ctx).
		Where("church_id = ?", churchID).
		Delete(&models.AutomationRule{}, ruleID)
	if result.Error != nil {
		return fmt.Errorf("delete rule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("rule not found")
	}
	s.logger.Infof("rules: deleted rule %d for church %d", ruleID, churchID)
	return nil
}

// TestEvent dry-runs matching for a hypothetical payload: the settings UI
// shows which rules would fire without creating executions.
func (s *RuleService) TestEvent(ctx context.Context, churchID uint, triggerType string, payload map[string]interface{}) ([]models.AutomationRule, error) {
	if !KnownTriggerType(triggerType) {
		return nil, fmt.Errorf("unknown trigger type %q", triggerType)
	}
	var rules []models.AutomationRule
	err := s.db.WithContext(ctx).
		Where("church_id = ? AND trigger_type = ? AND is_active = ?", churchID, triggerType, true).
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	event := &Event{ChurchID: churchID, TriggerType: triggerType, Payload: payload}
	return MatchRules(event, rules, s.logger), nil
}
