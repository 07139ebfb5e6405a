package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stepflow/stepflow/pkg/engine"
	"github.com/stepflow/stepflow/pkg/model"
)

type TimerRepository struct {
	db *gorm.DB
}

func NewTimerRepository(db *gorm.DB) *TimerRepository {
	return &TimerRepository{db: db}
}

var _ engine.TimerStore = (*TimerRepository)(nil)

func (r *TimerRepository) CreateTimer(ctx context.Context, timer *model.WorkflowTimer) error {
	return r.db.WithContext(ctx).Create(timer).Error
}

// CancelPendingTimers marks every pending timer of a run cancelled. Called
// when the run resumes or reaches a terminal state.
func (r *TimerRepository) CancelPendingTimers(ctx context.Context, runID uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&model.WorkflowTimer{}).
		Where("run_id = ? AND status = ?", runID, model.TimerPending).
		Updates(map[string]interface{}{
			"status":     model.TimerCancelled,
			"updated_at": time.Now().UTC(),
		}).Error
}

// ListDue returns pending timers whose deadline has passed, oldest first.
func (r *TimerRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]model.WorkflowTimer, error) {
	var timers []model.WorkflowTimer
	err := r.db.WithContext(ctx).
		Where("status = ? AND due_at <= ?", model.TimerPending, now).
		Order("due_at ASC").
		Limit(limit).
		Find(&timers).Error
	return timers, err
}

func (r *TimerRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&model.WorkflowTimer{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     model.TimerProcessed,
			"updated_at": time.Now().UTC(),
		}).Error
}
