package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"shepherd/internal/metrics"
	"shepherd/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ActionExecutor runs a claimed execution until it completes, fails, or
// suspends itself. Actions run strictly sequentially; a retry delay is never
// slept through in-process but persisted as a wake time so any worker can
// resume the record later.
type ActionExecutor struct {
	ledger     *LedgerService
	adapters   *AdapterRegistry
	recipients *RecipientResolver
	logger     *logrus.Logger
	tracer     trace.Tracer
	clock      Clock
}

// NewActionExecutor creates an executor.
func NewActionExecutor(ledger *LedgerService, adapters *AdapterRegistry, recipients *RecipientResolver, logger *logrus.Logger, clock Clock) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &ActionExecutor{
		ledger:     ledger,
		adapters:   adapters,
		recipients: recipients,
		logger:     logger,
		tracer:     otel.Tracer("shepherd.executor"),
		clock:      clock,
	}
}

// Run processes a record that was just claimed into RUNNING. It returns after
// the record reached a terminal state or suspended into RETRYING; the error
// reports infrastructure problems only, never delivery failures.
func (e *ActionExecutor) Run(ctx context.Context, rec *models.ExecutionRecord) error {
	ctx, span := e.tracer.Start(ctx, "executor.run")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("execution.id", int64(rec.ID)),
		attribute.Int64("execution.rule_id", int64(rec.RuleID)),
	)

	var rule models.AutomationRule
	if err := e.ledger.DB().WithContext(ctx).First(&rule, rec.RuleID).Error; err != nil {
		return e.fail(ctx, rec, fmt.Sprintf("load rule %d: %v", rec.RuleID, err))
	}
	actions, err := ParseActions(rule.Actions)
	if err != nil {
		return e.fail(ctx, rec, fmt.Sprintf("rule %d: %v", rule.ID, err))
	}
	retryCfg, err := ParseRetryConfig(rule.RetryConfig)
	if err != nil {
		return e.fail(ctx, rec, fmt.Sprintf("rule %d: %v", rule.ID, err))
	}
	fallbacks, err := ParseFallbackChannels(rule.FallbackChannels)
	if err != nil {
		return e.fail(ctx, rec, fmt.Sprintf("rule %d: %v", rule.ID, err))
	}
	event, err := e.loadEvent(ctx, rec.EventID)
	if err != nil {
		return e.fail(ctx, rec, fmt.Sprintf("load event %s: %v", rec.EventID, err))
	}

	for rec.ActionIndex < len(actions) {
		action := actions[rec.ActionIndex]
		cascade := CascadeChannels(action, fallbacks)

		targets, err := e.recipients.Resolve(ctx, rec.ChurchID, event, action.Recipient)
		if err != nil {
			return e.fail(ctx, rec, fmt.Sprintf("action %d: resolve recipient %q: %v", rec.ActionIndex, action.Recipient, err))
		}

		delivered := false
		for rec.ChannelIndex < len(cascade) {
			channel := cascade[rec.ChannelIndex]
			rec.AttemptNumber++

			providerID, sendErr := e.deliver(ctx, rec.ChurchID, channel, action, event, targets)
			attempt := &models.ChannelAttempt{
				ExecutionID:       rec.ID,
				ActionIndex:       rec.ActionIndex,
				Channel:           channel,
				AttemptNumber:     rec.AttemptNumber,
				Success:           sendErr == nil,
				ProviderMessageID: providerID,
			}
			if sendErr != nil {
				attempt.Error = sendErr.Error()
			}
			if err := e.ledger.AppendAttempt(ctx, attempt); err != nil {
				e.logger.Errorf("executor: record attempt for execution %d: %v", rec.ID, err)
			}
			metrics.IncChannelAttempt(channel, sendErr == nil)

			if sendErr == nil {
				delivered = true
				rec.ActionIndex++
				rec.ChannelIndex = 0
				rec.AttemptNumber = 0
				if err := e.ledger.SaveCursor(ctx, rec); err != nil {
					return err
				}
				break
			}

			if errors.Is(sendErr, ErrChannelNotConfigured) {
				// No amount of retrying makes an unconfigured channel work.
				e.logger.Infof("executor: execution %d skipping %s: %v", rec.ID, channel, sendErr)
				rec.ChannelIndex++
				rec.AttemptNumber = 0
				if err := e.ledger.SaveCursor(ctx, rec); err != nil {
					return err
				}
				continue
			}

			if rec.AttemptNumber < retryCfg.MaxRetries {
				wake := e.clock.Now().Add(retryCfg.Delay(rec.AttemptNumber))
				rec.NextWakeAt = &wake
				e.logger.Infof("executor: execution %d attempt %d/%d on %s failed, retry at %s",
					rec.ID, rec.AttemptNumber, retryCfg.MaxRetries, channel, wake.Format("15:04:05"))
				return e.ledger.Transition(ctx, rec, models.StatusRetrying, "retry scheduled")
			}

			// Channel exhausted; cascade to the next fallback.
			e.logger.Warnf("executor: execution %d exhausted %d attempts on %s, cascading", rec.ID, retryCfg.MaxRetries, channel)
			rec.ChannelIndex++
			rec.AttemptNumber = 0
			if err := e.ledger.SaveCursor(ctx, rec); err != nil {
				return err
			}
		}

		if !delivered {
			// Later actions are not attempted: an incomplete run is reported,
			// not silently half-done.
			return e.fail(ctx, rec, fmt.Sprintf("action %d (%s): all channels exhausted", rec.ActionIndex, action.Template))
		}
	}

	rec.NextWakeAt = nil
	if err := e.ledger.Transition(ctx, rec, models.StatusCompleted, "all actions delivered"); err != nil {
		return err
	}
	metrics.IncExecutionCompleted()
	return nil
}

// deliver sends one action to every resolved recipient on the given channel.
// Classification: a transient failure on any recipient makes the attempt
// retryable; otherwise one accepted delivery is success; only when no
// recipient can use the channel at all does the attempt count as
// not-configured.
func (e *ActionExecutor) deliver(ctx context.Context, churchID uint, channel string, action RuleAction, event *Event, targets []Recipient) (string, error) {
	variables := templateVariables(action, event)

	var (
		providerID    string
		successes     int
		notConfigured int
		transientErr  error
	)
	for _, target := range targets {
		result, err := e.adapters.Send(ctx, churchID, channel, &ChannelSendRequest{
			Template:  action.Template,
			Variables: variables,
			Recipient: target,
		})
		switch {
		case err == nil:
			successes++
			if providerID == "" {
				providerID = result.ProviderMessageID
			}
		case errors.Is(err, ErrChannelNotConfigured):
			notConfigured++
		default:
			transientErr = err
		}
	}

	if transientErr != nil {
		return providerID, transientErr
	}
	if successes > 0 {
		if notConfigured > 0 {
			e.logger.Warnf("executor: %d of %d recipients unreachable on %s", notConfigured, len(targets), channel)
		}
		return providerID, nil
	}
	return "", fmt.Errorf("%w: no recipient reachable on %s", ErrChannelNotConfigured, channel)
}

func (e *ActionExecutor) fail(ctx context.Context, rec *models.ExecutionRecord, reason string) error {
	e.logger.Errorf("executor: execution %d failed: %s", rec.ID, reason)
	rec.Error = reason
	rec.NextWakeAt = nil
	if err := e.ledger.Transition(ctx, rec, models.StatusFailed, reason); err != nil {
		return err
	}
	metrics.IncExecutionFailed()
	return nil
}

func (e *ActionExecutor) loadEvent(ctx context.Context, eventID string) (*Event, error) {
	var row models.DomainEvent
	if err := e.ledger.DB().WithContext(ctx).First(&row, "id = ?", eventID).Error; err != nil {
		return nil, err
	}
	payload := map[string]interface{}{}
	if row.Payload != "" {
		if err := json.Unmarshal([]byte(row.Payload), &payload); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
	}
	return &Event{
		ID:          row.ID,
		ChurchID:    row.ChurchID,
		TriggerType: row.TriggerType,
		EntityID:    row.EntityID,
		EntityType:  row.EntityType,
		Payload:     payload,
		OccurredAt:  row.OccurredAt,
	}, nil
}

// templateVariables merges the action's static variables with the event's
// scalar payload fields, action values winning on collision.
func templateVariables(action RuleAction, event *Event) map[string]string {
	variables := make(map[string]string, len(action.Variables)+len(event.Payload))
	for k, v := range event.Payload {
		switch v.(type) {
		case string, float64, int, bool, json.Number:
			variables[k] = asString(v)
		}
	}
	for k, v := range action.Variables {
		variables[k] = v
	}
	return variables
}
