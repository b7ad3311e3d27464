package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"shepherd/internal/metrics"
	"shepherd/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// EngineOptions tunes the dispatcher.
type EngineOptions struct {
	Workers       int
	QueueSize     int
	SweepInterval time.Duration
	SweepLimit    int
}

// Engine ties the pipeline together: events come in through HandleEvent,
// matched rules become ledger records, and the dispatcher loop claims due
// records into a worker pool that runs the executor. All scheduling state
// lives in the ledger, so several engine processes can share one database and
// a restart loses nothing.
type Engine struct {
	db        *gorm.DB
	ledger    *LedgerService
	executor  *ActionExecutor
	approvals *ApprovalService
	logger    *logrus.Logger
	tracer    trace.Tracer
	clock     Clock
	opts      EngineOptions
	nudgeCh   chan struct{}
}

// NewEngine creates an engine.
func NewEngine(db *gorm.DB, ledger *LedgerService, executor *ActionExecutor, approvals *ApprovalService, logger *logrus.Logger, clock Clock, opts EngineOptions) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}
	if opts.SweepLimit <= 0 {
		opts.SweepLimit = opts.QueueSize
	}
	e := &Engine{
		db:        db,
		ledger:    ledger,
		executor:  executor,
		approvals: approvals,
		logger:    logger,
		tracer:    otel.Tracer("shepherd.engine"),
		clock:     clock,
		opts:      opts,
		nudgeCh:   make(chan struct{}, 1),
	}
	if approvals != nil {
		approvals.SetNudge(e.Nudge)
	}
	return e
}

// EventResult summarizes what an ingested event produced.
type EventResult struct {
	EventID      string `json:"event_id"`
	MatchedRules int    `json:"matched_rules"`
	ExecutionIDs []uint `json:"execution_ids"`
	Duplicates   int    `json:"duplicates"`
}

// HandleEvent persists the event, matches rules and creates one ledger record
// per match. Gates are decided here: approval parks the record, business
// hours set a future wake time, everything else is due immediately.
func (e *Engine) HandleEvent(ctx context.Context, event *Event) (*EventResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.handle_event")
	defer span.End()

	if !KnownTriggerType(event.TriggerType) {
		return nil, fmt.Errorf("unknown trigger type %q", event.TriggerType)
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.clock.Now()
	}
	span.SetAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.trigger", event.TriggerType),
		attribute.Int64("event.church_id", int64(event.ChurchID)),
	)

	row, err := event.Record()
	if err != nil {
		return nil, err
	}
	if err := e.db.WithContext(ctx).Create(row).Error; err != nil {
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			span.RecordError(err)
			return nil, fmt.Errorf("persist event: %w", err)
		}
		// Redelivery of a known event; the ledger dedupes per rule below.
		e.logger.Debugf("engine: event %s already persisted", event.ID)
	}
	metrics.IncEventIngested()

	var rules []models.AutomationRule
	err = e.db.WithContext(ctx).
		Where("church_id = ? AND trigger_type = ? AND is_active = ?", event.ChurchID, event.TriggerType, true).
		Find(&rules).Error
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load rules: %w", err)
	}

	matched := MatchRules(event, rules, e.logger)
	result := &EventResult{EventID: event.ID, MatchedRules: len(matched)}

	for i := range matched {
		rule := &matched[i]
		metrics.IncRuleMatched(event.TriggerType)

		rec, err := e.createExecution(ctx, rule, event)
		if err != nil {
			if errors.Is(err, ErrDuplicateExecution) {
				metrics.IncDuplicateDropped()
				result.Duplicates++
				e.logger.Infof("engine: duplicate event %s for rule %d dropped", event.ID, rule.ID)
				continue
			}
			span.RecordError(err)
			return result, err
		}
		result.ExecutionIDs = append(result.ExecutionIDs, rec.ID)
	}

	if len(result.ExecutionIDs) > 0 {
		e.Nudge()
	}
	return result, nil
}

// createExecution builds and inserts the ledger record for one matched rule.
func (e *Engine) createExecution(ctx context.Context, rule *models.AutomationRule, event *Event) (*models.ExecutionRecord, error) {
	now := e.clock.Now()
	rec := &models.ExecutionRecord{
		RuleID:        rule.ID,
		EventID:       event.ID,
		ChurchID:      event.ChurchID,
		PriorityLevel: rule.PriorityLevel,
		StartedAt:     now,
	}

	if !rule.BypassApproval {
		rec.Status = models.StatusApprovalPending
	} else {
		wake, err := DeferUntil(rule, now)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", rule.ID, err)
		}
		rec.Status = models.StatusPending
		if wake != nil {
			rec.NextWakeAt = wake
			e.logger.Infof("engine: rule %d deferred to business hours, wakes %s", rule.ID, wake.Format(time.RFC3339))
		} else {
			rec.NextWakeAt = &now
		}
	}

	if err := e.ledger.CreateExecution(ctx, rec); err != nil {
		return nil, err
	}
	metrics.IncExecutionCreated()

	if rec.Status == models.StatusApprovalPending && e.approvals != nil {
		if _, err := e.approvals.CreateTask(ctx, rec, ""); err != nil {
			// The record stays parked; operations can open a task by hand.
			e.logger.Errorf("engine: open approval task for execution %d: %v", rec.ID, err)
		}
	}
	return rec, nil
}

// Nudge wakes the dispatcher ahead of its ticker. Safe from any goroutine;
// redundant nudges collapse into one sweep.
func (e *Engine) Nudge() {
	select {
	case e.nudgeCh <- struct{}{}:
	default:
	}
}

// Start runs the dispatcher until the context is cancelled: a worker pool
// draining a queue that the sweep loop fills with due execution IDs. The
// first sweep doubles as crash recovery, picking up whatever was in flight
// before the process died.
func (e *Engine) Start(ctx context.Context) {
	work := make(chan uint, e.opts.QueueSize)
	var wg sync.WaitGroup
	for i := 0; i < e.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.worker(ctx, work)
		}()
	}
	e.logger.Infof("engine dispatcher started (%d workers, sweep %v)", e.opts.Workers, e.opts.SweepInterval)

	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	e.Sweep(ctx, work)
	for {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			e.logger.Info("engine dispatcher stopped")
			return
		case <-ticker.C:
		case <-e.nudgeCh:
		}
		e.Sweep(ctx, work)
	}
}

// Sweep enqueues every due execution. A full queue is fine: whatever does not
// fit stays due and the next sweep retries it.
func (e *Engine) Sweep(ctx context.Context, work chan<- uint) {
	due, err := e.ledger.DueExecutions(ctx, e.clock.Now(), e.opts.SweepLimit)
	if err != nil {
		e.logger.Errorf("engine: sweep: %v", err)
		return
	}
	for i := range due {
		select {
		case work <- due[i].ID:
		default:
			return
		}
	}
}

func (e *Engine) worker(ctx context.Context, work <-chan uint) {
	for id := range work {
		if ctx.Err() != nil {
			return
		}
		e.Dispatch(ctx, id)
	}
}

// Dispatch claims one execution and runs it. Losing the claim is normal: a
// sibling worker or process got there first, or the record was cancelled.
func (e *Engine) Dispatch(ctx context.Context, id uint) {
	rec, err := e.ledger.Claim(ctx, id)
	if err != nil {
		e.logger.Errorf("engine: claim execution %d: %v", id, err)
		return
	}
	if rec == nil {
		return
	}

	deferred, err := e.deferOutsideHours(ctx, rec)
	if err != nil {
		e.logger.Errorf("engine: business hours gate for execution %d: %v", rec.ID, err)
	}
	if deferred {
		return
	}

	if err := e.executor.Run(ctx, rec); err != nil {
		e.logger.Errorf("engine: run execution %d: %v", rec.ID, err)
	}
}

// deferOutsideHours re-checks the business hours gate at claim time. An
// execution approved at night, or one whose deferred wake drifted past the
// window on a restart, goes back to sleep until the window opens.
func (e *Engine) deferOutsideHours(ctx context.Context, rec *models.ExecutionRecord) (bool, error) {
	var rule models.AutomationRule
	if err := e.db.WithContext(ctx).First(&rule, rec.RuleID).Error; err != nil {
		return false, fmt.Errorf("load rule %d: %w", rec.RuleID, err)
	}
	wake, err := DeferUntil(&rule, e.clock.Now())
	if err != nil {
		return false, err
	}
	if wake == nil {
		return false, nil
	}
	rec.NextWakeAt = wake
	if err := e.ledger.Transition(ctx, rec, models.StatusPending, "deferred to business hours"); err != nil {
		return false, err
	}
	e.logger.Infof("engine: execution %d outside business hours, wakes %s", rec.ID, wake.Format(time.RFC3339))
	return true, nil
}
