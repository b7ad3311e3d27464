package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shepherd/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// ErrDuplicateExecution means an active execution already exists for the
// (rule, event) pair; the second delivery of the same event is dropped.
var ErrDuplicateExecution = errors.New("execution already active for rule and event")

// ExecutionPublisher receives live execution updates for dashboards.
type ExecutionPublisher interface {
	PublishExecution(churchID uint, msgType string, data interface{})
}

var nonTerminalStatuses = []string{
	models.StatusPending,
	models.StatusApprovalPending,
	models.StatusRunning,
	models.StatusRetrying,
}

// LedgerService owns the execution ledger: the append-only record of every
// attempt and status transition, and the sole source of truth for what work
// is in flight. All claims are conditional updates so multiple worker
// processes can share one database safely.
type LedgerService struct {
	db     *gorm.DB
	logger *logrus.Logger
	tracer trace.Tracer
	clock  Clock
	feed   ExecutionPublisher
}

// SetFeed wires the optional live dashboard feed.
func (s *LedgerService) SetFeed(feed ExecutionPublisher) { s.feed = feed }

// publish pushes a live update when a feed is wired.
func (s *LedgerService) publish(churchID uint, msgType string, data interface{}) {
	if s.feed != nil {
		s.feed.PublishExecution(churchID, msgType, data)
	}
}

// NewLedgerService creates a ledger service.
func NewLedgerService(db *gorm.DB, logger *logrus.Logger, clock Clock) *LedgerService {
	if logger == nil {
		logger = logrus.New()
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &LedgerService{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("shepherd.ledger"),
		clock:  clock,
	}
}

// DB exposes the underlying handle for collaborating services.
func (s *LedgerService) DB() *gorm.DB { return s.db }

// CreateExecution inserts a new record. The (rule_id, event_id, active)
// unique index makes this an atomic insert-if-absent: a concurrent duplicate
// surfaces as ErrDuplicateExecution.
func (s *LedgerService) CreateExecution(ctx context.Context, rec *models.ExecutionRecord) error {
	ctx, span := s.tracer.Start(ctx, "ledger.create_execution")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("execution.rule_id", int64(rec.RuleID)),
		attribute.String("execution.event_id", rec.EventID),
	)

	active := true
	rec.Active = &active
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.clock.Now()
	}

	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateExecution
		}
		span.RecordError(err)
		return fmt.Errorf("create execution: %w", err)
	}

	s.appendTransition(ctx, rec.ID, "", rec.Status, "created")
	s.publish(rec.ChurchID, "execution.created", rec)
	return nil
}

// Claim atomically moves a due record from PENDING or RETRYING into RUNNING.
// It returns nil without error when another worker won the claim or the
// record was cancelled in the meantime, which makes a post-cancellation
// wake-up a no-op.
func (s *LedgerService) Claim(ctx context.Context, id uint) (*models.ExecutionRecord, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.claim")
	defer span.End()
	span.SetAttributes(attribute.Int64("execution.id", int64(id)))

	result := s.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("id = ? AND status IN ?", id, []string{models.StatusPending, models.StatusRetrying}).
		Updates(map[string]interface{}{
			"status":       models.StatusRunning,
			"next_wake_at": nil,
			"updated_at":   s.clock.Now(),
		})
	if result.Error != nil {
		span.RecordError(result.Error)
		return nil, fmt.Errorf("claim execution %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	var rec models.ExecutionRecord
	if err := s.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		return nil, fmt.Errorf("load claimed execution %d: %w", id, err)
	}
	s.appendTransition(ctx, id, "", models.StatusRunning, "claimed")
	return &rec, nil
}

// Transition moves a record between states, guarded on the status the caller
// last saw so terminal records never move again. Terminal transitions clear
// the active flag, releasing the (rule, event) idempotency slot.
func (s *LedgerService) Transition(ctx context.Context, rec *models.ExecutionRecord, to, note string) error {
	ctx, span := s.tracer.Start(ctx, "ledger.transition")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("execution.id", int64(rec.ID)),
		attribute.String("execution.to", to),
	)

	updates := map[string]interface{}{
		"status":         to,
		"action_index":   rec.ActionIndex,
		"channel_index":  rec.ChannelIndex,
		"attempt_number": rec.AttemptNumber,
		"next_wake_at":   rec.NextWakeAt,
		"error":          rec.Error,
		"updated_at":     s.clock.Now(),
	}
	if models.IsTerminalStatus(to) {
		now := s.clock.Now()
		updates["active"] = nil
		updates["completed_at"] = now
		updates["next_wake_at"] = nil
	}

	result := s.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("id = ? AND status = ?", rec.ID, rec.Status).
		Updates(updates)
	if result.Error != nil {
		span.RecordError(result.Error)
		return fmt.Errorf("transition execution %d to %s: %w", rec.ID, to, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("transition execution %d to %s: record moved concurrently", rec.ID, to)
	}

	s.appendTransition(ctx, rec.ID, rec.Status, to, note)
	from := rec.Status
	rec.Status = to
	if models.IsTerminalStatus(to) {
		rec.Active = nil
		now := s.clock.Now()
		rec.CompletedAt = &now
		rec.NextWakeAt = nil
	}
	s.logger.Debugf("execution %d: %s -> %s (%s)", rec.ID, from, to, note)
	s.publish(rec.ChurchID, "execution.transition", map[string]interface{}{
		"execution_id": rec.ID,
		"from":         from,
		"to":           to,
		"note":         note,
	})
	return nil
}

// SaveCursor persists the executor's resume position mid-run.
func (s *LedgerService) SaveCursor(ctx context.Context, rec *models.ExecutionRecord) error {
	err := s.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"action_index":   rec.ActionIndex,
			"channel_index":  rec.ChannelIndex,
			"attempt_number": rec.AttemptNumber,
			"updated_at":     s.clock.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("save cursor for execution %d: %w", rec.ID, err)
	}
	return nil
}

// AppendAttempt records one delivery attempt.
func (s *LedgerService) AppendAttempt(ctx context.Context, attempt *models.ChannelAttempt) error {
	attempt.CreatedAt = s.clock.Now()
	if err := s.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return fmt.Errorf("append channel attempt: %w", err)
	}
	return nil
}

// DueExecutions returns records whose wake time has arrived: deferred
// business-hours work and suspended retries. On process start the first call
// naturally recovers everything that was in flight before the restart.
func (s *LedgerService) DueExecutions(ctx context.Context, now time.Time, limit int) ([]models.ExecutionRecord, error) {
	var records []models.ExecutionRecord
	query := s.db.WithContext(ctx).
		Where("status IN ? AND next_wake_at IS NOT NULL AND next_wake_at <= ?",
			[]string{models.StatusPending, models.StatusRetrying}, now).
		Order("next_wake_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("scan due executions: %w", err)
	}
	return records, nil
}

// EscalationCandidates returns non-terminal records that have not escalated
// yet. Deadline math happens in the scheduler, which knows rule overrides.
func (s *LedgerService) EscalationCandidates(ctx context.Context) ([]models.ExecutionRecord, error) {
	var records []models.ExecutionRecord
	err := s.db.WithContext(ctx).
		Preload("Rule").
		Where("status IN ? AND escalated_at IS NULL",
			[]string{models.StatusPending, models.StatusApprovalPending, models.StatusRetrying}).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("scan escalation candidates: %w", err)
	}
	return records, nil
}

// MarkEscalated sets escalated_at if and only if it is still null. The
// compare-and-set return value tells concurrent sweeps apart: exactly one
// caller observes true per execution, ever.
func (s *LedgerService) MarkEscalated(ctx context.Context, id uint, at time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("id = ? AND escalated_at IS NULL AND active IS NOT NULL", id).
		Updates(map[string]interface{}{
			"escalated_at": at,
			"updated_at":   s.clock.Now(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("mark escalated %d: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// CancelActive terminates a record from any non-terminal state (approval
// rejection). Resumed retries observe the cancelled status through their
// failed claim.
func (s *LedgerService) CancelActive(ctx context.Context, id uint, note string) (bool, error) {
	var rec models.ExecutionRecord
	if err := s.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		return false, fmt.Errorf("load execution %d: %w", id, err)
	}
	if models.IsTerminalStatus(rec.Status) {
		return false, nil
	}

	now := s.clock.Now()
	result := s.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("id = ? AND status IN ?", id, nonTerminalStatuses).
		Updates(map[string]interface{}{
			"status":       models.StatusCancelled,
			"active":       nil,
			"completed_at": now,
			"next_wake_at": nil,
			"error":        note,
			"updated_at":   now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("cancel execution %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	s.appendTransition(ctx, id, rec.Status, models.StatusCancelled, note)
	s.publish(rec.ChurchID, "execution.transition", map[string]interface{}{
		"execution_id": id,
		"from":         rec.Status,
		"to":           models.StatusCancelled,
		"note":         note,
	})
	return true, nil
}

// Get loads a record with its rule and attempt history.
func (s *LedgerService) Get(ctx context.Context, id uint) (*models.ExecutionRecord, error) {
	var rec models.ExecutionRecord
	err := s.db.WithContext(ctx).
		Preload("Rule").
		Preload("Attempts", func(db *gorm.DB) *gorm.DB { return db.Order("channel_attempts.id ASC") }).
		First(&rec, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("execution not found")
		}
		return nil, fmt.Errorf("load execution %d: %w", id, err)
	}
	return &rec, nil
}

// ExecutionListRequest filters the operations view.
type ExecutionListRequest struct {
	Page      int      `form:"page,default=1"`
	PageSize  int      `form:"page_size,default=20"`
	RuleID    *uint    `form:"rule_id"`
	Status    []string `form:"status"`
	Priority  []string `form:"priority"`
	Escalated *bool    `form:"escalated"`
	SortOrder string   `form:"sort_order,default=desc"`
}

// List returns executions for a church with filters and pagination.
func (s *LedgerService) List(ctx context.Context, churchID uint, req *ExecutionListRequest) ([]models.ExecutionRecord, int64, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.list")
	defer span.End()

	query := s.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("church_id = ?", churchID)
	if req.RuleID != nil {
		query = query.Where("rule_id = ?", *req.RuleID)
	}
	if len(req.Status) > 0 {
		query = query.Where("status IN ?", req.Status)
	}
	if len(req.Priority) > 0 {
		query = query.Where("priority_level IN ?", req.Priority)
	}
	if req.Escalated != nil {
		if *req.Escalated {
			query = query.Where("escalated_at IS NOT NULL")
		} else {
			query = query.Where("escalated_at IS NULL")
		}
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	order := "created_at DESC"
	if req.SortOrder == "asc" {
		order = "created_at ASC"
	}
	query = query.Order(order)
	if req.PageSize > 0 {
		query = query.Offset((req.Page - 1) * req.PageSize).Limit(req.PageSize)
	}

	var records []models.ExecutionRecord
	if err := query.Preload("Rule").Find(&records).Error; err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	span.SetAttributes(attribute.Int64("executions.total", total))
	return records, total, nil
}

// ExecutionStats summarizes engine activity for the operations dashboard.
type ExecutionStats struct {
	TotalExecutions int64            `json:"total_executions"`
	ByStatus        map[string]int64 `json:"by_status"`
	ByPriority      map[string]int64 `json:"by_priority"`
	Escalated       int64            `json:"escalated"`
	TotalAttempts   int64            `json:"total_attempts"`
	FailedAttempts  int64            `json:"failed_attempts"`
}

// Stats aggregates ledger counters for one church.
func (s *LedgerService) Stats(ctx context.Context, churchID uint) (*ExecutionStats, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.stats")
	defer span.End()

	stats := &ExecutionStats{
		ByStatus:   make(map[string]int64),
		ByPriority: make(map[string]int64),
	}

	base := s.db.WithContext(ctx).Model(&models.ExecutionRecord{}).Where("church_id = ?", churchID)
	if err := base.Session(&gorm.Session{}).Count(&stats.TotalExecutions).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("count executions: %w", err)
	}

	var statusRows []struct {
		Status string
		Count  int64
	}
	if err := base.Session(&gorm.Session{}).Select("status, COUNT(*) as count").Group("status").Scan(&statusRows).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("group by status: %w", err)
	}
	for _, row := range statusRows {
		stats.ByStatus[row.Status] = row.Count
	}

	var priorityRows []struct {
		PriorityLevel string
		Count         int64
	}
	if err := base.Session(&gorm.Session{}).Select("priority_level, COUNT(*) as count").Group("priority_level").Scan(&priorityRows).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("group by priority: %w", err)
	}
	for _, row := range priorityRows {
		stats.ByPriority[row.PriorityLevel] = row.Count
	}

	if err := base.Session(&gorm.Session{}).Where("escalated_at IS NOT NULL").Count(&stats.Escalated).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("count escalated: %w", err)
	}

	attempts := s.db.WithContext(ctx).Model(&models.ChannelAttempt{}).
		Joins("JOIN execution_records ON execution_records.id = channel_attempts.execution_id").
		Where("execution_records.church_id = ?", churchID)
	if err := attempts.Session(&gorm.Session{}).Count(&stats.TotalAttempts).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("count attempts: %w", err)
	}
	if err := attempts.Session(&gorm.Session{}).Where("channel_attempts.success = ?", false).Count(&stats.FailedAttempts).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("count failed attempts: %w", err)
	}

	return stats, nil
}

// appendTransition writes an audit row. A ledger write failure here is logged
// for operations rather than failing the attempt it describes.
func (s *LedgerService) appendTransition(ctx context.Context, executionID uint, from, to, note string) {
	row := &models.ExecutionTransition{
		ExecutionID: executionID,
		FromStatus:  from,
		ToStatus:    to,
		Note:        note,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		s.logger.Errorf("ledger: record transition %s->%s for execution %d failed: %v", from, to, executionID, err)
	}
}
