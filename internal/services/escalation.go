package services

import (
	"context"
	"fmt"
	"time"

	"shepherd/internal/metrics"
	"shepherd/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const escalationTemplate = "escalation-alert"

// EscalationScheduler watches the ledger for executions that stall past their
// priority deadline and notifies supervisors once per execution. It never
// touches the execution's own progress: the record keeps retrying, completing
// or failing on its own while escalated_at marks that the alert went out.
type EscalationScheduler struct {
	ledger     *LedgerService
	adapters   *AdapterRegistry
	recipients *RecipientResolver
	logger     *logrus.Logger
	tracer     trace.Tracer
	clock      Clock
	feed       ExecutionPublisher
}

// SetFeed wires the optional live dashboard feed.
func (s *EscalationScheduler) SetFeed(feed ExecutionPublisher) { s.feed = feed }

// NewEscalationScheduler creates a scheduler.
func NewEscalationScheduler(ledger *LedgerService, adapters *AdapterRegistry, recipients *RecipientResolver, logger *logrus.Logger, clock Clock) *EscalationScheduler {
	if logger == nil {
		logger = logrus.New()
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &EscalationScheduler{
		ledger:     ledger,
		adapters:   adapters,
		recipients: recipients,
		logger:     logger,
		tracer:     otel.Tracer("shepherd.escalation"),
		clock:      clock,
	}
}

// Start runs the sweep on a ticker until the context is cancelled.
func (s *EscalationScheduler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	s.logger.Infof("escalation scheduler started (interval %v)", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("escalation scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Errorf("escalation sweep: %v", err)
			}
		}
	}
}

// Sweep escalates every overdue candidate. The compare-and-set on
// escalated_at keeps concurrent sweeps from double-notifying.
func (s *EscalationScheduler) Sweep(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "escalation.sweep")
	defer span.End()

	now := s.clock.Now()
	candidates, err := s.ledger.EscalationCandidates(ctx)
	if err != nil {
		return err
	}

	escalated := 0
	for i := range candidates {
		rec := &candidates[i]
		deadline, ok := s.deadline(rec)
		if !ok {
			continue
		}
		if now.Sub(rec.StartedAt) < deadline {
			continue
		}

		won, err := s.ledger.MarkEscalated(ctx, rec.ID, now)
		if err != nil {
			s.logger.Errorf("escalation: mark execution %d: %v", rec.ID, err)
			continue
		}
		if !won {
			continue
		}
		escalated++
		metrics.IncExecutionEscalated()
		if s.feed != nil {
			s.feed.PublishExecution(rec.ChurchID, "execution.escalated", map[string]interface{}{
				"execution_id": rec.ID,
				"rule_name":    rec.Rule.Name,
				"priority":     rec.PriorityLevel,
			})
		}
		s.logger.Warnf("escalation: execution %d (rule %q, %s) stalled %v, notifying supervisors",
			rec.ID, rec.Rule.Name, rec.PriorityLevel, now.Sub(rec.StartedAt).Round(time.Second))
		s.notify(ctx, rec, now)
	}

	span.SetAttributes(attribute.Int("escalation.fired", escalated))
	return nil
}

// deadline resolves the escalation delay for a record: the rule's configured
// delay wins, otherwise the priority default applies. LOW and explicitly
// disabled rules never escalate.
func (s *EscalationScheduler) deadline(rec *models.ExecutionRecord) (time.Duration, bool) {
	cfg, err := ParseEscalationConfig(rec.Rule.EscalationConfig)
	if err != nil {
		s.logger.Warnf("escalation: rule %d has malformed escalation config: %v", rec.RuleID, err)
		cfg = EscalationConfig{Enabled: true}
	}
	if !cfg.Enabled {
		return 0, false
	}
	if cfg.DelayMinutes > 0 {
		return time.Duration(cfg.DelayMinutes) * time.Minute, true
	}
	return EscalationDeadline(rec.PriorityLevel)
}

// notify alerts the configured recipients, defaulting to every pastor of the
// church. Alert delivery failures are logged, never retried: the escalated_at
// mark already records that the execution crossed its deadline.
func (s *EscalationScheduler) notify(ctx context.Context, rec *models.ExecutionRecord, now time.Time) {
	cfg, _ := ParseEscalationConfig(rec.Rule.EscalationConfig)
	specs := cfg.NotifyRecipients
	if len(specs) == 0 {
		specs = []string{"role:pastor"}
	}

	variables := map[string]string{
		"rule_name":    rec.Rule.Name,
		"execution_id": fmt.Sprintf("%d", rec.ID),
		"priority":     rec.PriorityLevel,
		"status":       rec.Status,
		"stalled_for":  now.Sub(rec.StartedAt).Round(time.Minute).String(),
	}

	for _, spec := range specs {
		if spec == "requester" {
			// Escalations go up, not back to the person who triggered the event.
			continue
		}
		targets, err := s.recipients.Resolve(ctx, rec.ChurchID, &Event{ChurchID: rec.ChurchID}, spec)
		if err != nil {
			s.logger.Errorf("escalation: resolve %q for execution %d: %v", spec, rec.ID, err)
			continue
		}
		for _, target := range targets {
			s.send(ctx, rec, target, variables)
		}
	}
}

// send tries EMAIL first and falls back to PUSH so an alert still lands when
// the church never configured outbound mail.
func (s *EscalationScheduler) send(ctx context.Context, rec *models.ExecutionRecord, target Recipient, variables map[string]string) {
	for _, channel := range []string{models.ChannelEmail, models.ChannelPush} {
		_, err := s.adapters.Send(ctx, rec.ChurchID, channel, &ChannelSendRequest{
			Template:  escalationTemplate,
			Subject:   fmt.Sprintf("Automation stalled: %s", rec.Rule.Name),
			Variables: variables,
			Recipient: target,
		})
		if err == nil {
			return
		}
		s.logger.Warnf("escalation: alert for execution %d via %s to %s failed: %v", rec.ID, channel, target.Name, err)
	}
}
