package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stepflow/stepflow/pkg/engine"
	"github.com/stepflow/stepflow/pkg/model"
)

// RunRepository is the durable run state store. Run updates are
// compared-and-swapped on lock_version so concurrent stepping invocations
// serialize per run; outbox events ride in the same transaction as the
// mutation they describe.
type RunRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

var _ engine.RunStore = (*RunRepository)(nil)

func (r *RunRepository) CreateRun(ctx context.Context, run *model.WorkflowRun, event *model.RunEvent) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		if event != nil {
			if err := tx.Create(event).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *RunRepository) GetRun(ctx context.Context, id uuid.UUID) (*model.WorkflowRun, error) {
	var run model.WorkflowRun
	err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, engine.ErrNotFound
		}
		return nil, err
	}
	return &run, nil
}

func (r *RunRepository) UpdateRun(ctx context.Context, run *model.WorkflowRun, events ...*model.RunEvent) error {
	currentVersion := run.LockVersion
	now := time.Now().UTC()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.WorkflowRun{}).
			Where("id = ? AND lock_version = ?", run.ID, currentVersion).
			Updates(map[string]interface{}{
				"status":           run.Status,
				"context":          run.Context,
				"output":           run.Output,
				"current_step_key": run.CurrentStepKey,
				"last_error":       run.LastError,
				"ended_at":         run.EndedAt,
				"lock_version":     currentVersion + 1,
				"updated_at":       now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return engine.ErrConcurrentUpdate
		}
		for _, event := range events {
			if err := tx.Create(event).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	run.LockVersion = currentVersion + 1
	run.UpdatedAt = now
	return nil
}

func (r *RunRepository) FindActiveRunByCorrelation(ctx context.Context, correlationID string) (*model.WorkflowRun, error) {
	var run model.WorkflowRun
	err := r.db.WithContext(ctx).
		Where("correlation_id = ? AND status IN ?", correlationID, []model.RunStatus{model.RunRunning, model.RunPaused}).
		Order("created_at DESC").
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, engine.ErrNotFound
		}
		return nil, err
	}
	return &run, nil
}

func (r *RunRepository) CreateStep(ctx context.Context, step *model.WorkflowRunStep) error {
	return r.db.WithContext(ctx).Create(step).Error
}

func (r *RunRepository) UpdateStep(ctx context.Context, step *model.WorkflowRunStep) error {
	return r.db.WithContext(ctx).Save(step).Error
}

func (r *RunRepository) CountStepAttempts(ctx context.Context, runID uuid.UUID, stepKey string) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.WorkflowRunStep{}).
		Where("run_id = ? AND step_key = ?", runID, stepKey).
		Count(&count).Error
	return int(count), err
}

func (r *RunRepository) ListSteps(ctx context.Context, runID uuid.UUID) ([]model.WorkflowRunStep, error) {
	var steps []model.WorkflowRunStep
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("started_at ASC").
		Find(&steps).Error
	return steps, err
}

func (r *RunRepository) AppendTransitions(ctx context.Context, transitions []model.WorkflowTransition) error {
	if len(transitions) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&transitions).Error
}

func (r *RunRepository) ListTransitions(ctx context.Context, runID uuid.UUID) ([]model.WorkflowTransition, error) {
	var transitions []model.WorkflowTransition
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("evaluated_at ASC").
		Find(&transitions).Error
	return transitions, err
}

func (r *RunRepository) AppendSignal(ctx context.Context, signal *model.WorkflowSignal) error {
	return r.db.WithContext(ctx).Create(signal).Error
}

func (r *RunRepository) AppendEvent(ctx context.Context, event *model.RunEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}
