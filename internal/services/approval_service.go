package services

import (
	"context"
	"errors"
	"fmt"

	"shepherd/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// ErrApprovalDecided means the task already received a decision.
var ErrApprovalDecided = errors.New("approval task already decided")

// ApprovalService gates executions on human sign-off. An execution parked in
// APPROVAL_PENDING owns its idempotency slot but is invisible to the
// dispatcher until a decision moves it back to PENDING or cancels it.
type ApprovalService struct {
	db     *gorm.DB
	ledger *LedgerService
	logger *logrus.Logger
	tracer trace.Tracer
	clock  Clock

	// nudge pokes the dispatcher so an approved execution runs without
	// waiting for the next sweep. Optional.
	nudge func()
}

// NewApprovalService creates an approval service.
func NewApprovalService(db *gorm.DB, ledger *LedgerService, logger *logrus.Logger, clock Clock) *ApprovalService {
	if logger == nil {
		logger = logrus.New()
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &ApprovalService{
		db:     db,
		ledger: ledger,
		logger: logger,
		tracer: otel.Tracer("shepherd.approval"),
		clock:  clock,
	}
}

// SetNudge wires the dispatcher wake-up callback.
func (s *ApprovalService) SetNudge(nudge func()) { s.nudge = nudge }

// CreateTask opens the approval task for a freshly parked execution.
func (s *ApprovalService) CreateTask(ctx context.Context, rec *models.ExecutionRecord, assignedRole string) (*models.ApprovalTask, error) {
	if assignedRole == "" {
		assignedRole = "pastor"
	}
	task := &models.ApprovalTask{
		ExecutionID:  rec.ID,
		ChurchID:     rec.ChurchID,
		AssignedRole: assignedRole,
		Status:       models.ApprovalPending,
	}
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return nil, fmt.Errorf("create approval task: %w", err)
	}
	s.logger.Infof("approval: task %d opened for execution %d (role %s)", task.ID, rec.ID, assignedRole)
	return task, nil
}

// Approve records the decision and releases the execution back to the
// dispatcher with an immediate wake time.
func (s *ApprovalService) Approve(ctx context.Context, churchID, taskID uint, decidedBy string) (*models.ApprovalTask, error) {
	ctx, span := s.tracer.Start(ctx, "approval.approve")
	defer span.End()
	span.SetAttributes(attribute.Int64("approval.task_id", int64(taskID)))

	task, err := s.decide(ctx, churchID, taskID, models.ApprovalApproved, decidedBy)
	if err != nil {
		return nil, err
	}

	var rec models.ExecutionRecord
	if err := s.db.WithContext(ctx).First(&rec, task.ExecutionID).Error; err != nil {
		return nil, fmt.Errorf("load execution %d: %w", task.ExecutionID, err)
	}
	if rec.Status != models.StatusApprovalPending {
		return nil, fmt.Errorf("execution %d no longer awaiting approval (status %s)", rec.ID, rec.Status)
	}
	now := s.clock.Now()
	rec.NextWakeAt = &now
	if err := s.ledger.Transition(ctx, &rec, models.StatusPending, fmt.Sprintf("approved by %s", decidedBy)); err != nil {
		return nil, err
	}
	if s.nudge != nil {
		s.nudge()
	}
	s.logger.Infof("approval: execution %d approved by %s", rec.ID, decidedBy)
	return task, nil
}

// Reject records the decision and cancels the execution; nothing is sent and
// the idempotency slot is released.
func (s *ApprovalService) Reject(ctx context.Context, churchID, taskID uint, decidedBy string) (*models.ApprovalTask, error) {
	ctx, span := s.tracer.Start(ctx, "approval.reject")
	defer span.End()
	span.SetAttributes(attribute.Int64("approval.task_id", int64(taskID)))

	task, err := s.decide(ctx, churchID, taskID, models.ApprovalRejected, decidedBy)
	if err != nil {
		return nil, err
	}

	cancelled, err := s.ledger.CancelActive(ctx, task.ExecutionID, fmt.Sprintf("approval rejected by %s", decidedBy))
	if err != nil {
		return nil, err
	}
	if !cancelled {
		s.logger.Warnf("approval: execution %d already terminal at rejection", task.ExecutionID)
	}
	s.logger.Infof("approval: execution %d rejected by %s", task.ExecutionID, decidedBy)
	return task, nil
}

// decide flips a pending task into its decided state. The conditional update
// makes concurrent decisions race safely: exactly one wins.
func (s *ApprovalService) decide(ctx context.Context, churchID, taskID uint, status, decidedBy string) (*models.ApprovalTask, error) {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).Model(&models.ApprovalTask{}).
		Where("id = ? AND church_id = ? AND status = ?", taskID, churchID, models.ApprovalPending).
		Updates(map[string]interface{}{
			"status":     status,
			"decided_by": decidedBy,
			"decided_at": now,
			"updated_at": now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("decide approval task %d: %w", taskID, result.Error)
	}
	if result.RowsAffected == 0 {
		var task models.ApprovalTask
		err := s.db.WithContext(ctx).
			Where("id = ? AND church_id = ?", taskID, churchID).
			First(&task).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("approval task not found")
			}
			return nil, fmt.Errorf("load approval task %d: %w", taskID, err)
		}
		return nil, fmt.Errorf("%w: %s", ErrApprovalDecided, task.Status)
	}

	var task models.ApprovalTask
	if err := s.db.WithContext(ctx).First(&task, taskID).Error; err != nil {
		return nil, fmt.Errorf("load approval task %d: %w", taskID, err)
	}
	return &task, nil
}

// ListPending returns open approval tasks for a church, oldest first, with
// their executions and rules for review context.
func (s *ApprovalService) ListPending(ctx context.Context, churchID uint) ([]models.ApprovalTask, error) {
	var tasks []models.ApprovalTask
	err := s.db.WithContext(ctx).
		Preload("Execution").
		Preload("Execution.Rule").
		Where("church_id = ? AND status = ?", churchID, models.ApprovalPending).
		Order("created_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	return tasks, nil
}
