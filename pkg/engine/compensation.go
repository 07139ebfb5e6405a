package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stepflow/stepflow/pkg/dsl"
	"github.com/stepflow/stepflow/pkg/metrics"
	"github.com/stepflow/stepflow/pkg/model"
)

// Compensation action types understood by the runner.
const (
	ActionServiceCall  = "serviceCall"
	ActionPublishEvent = "publishEvent"
)

// ActionRunner executes a single compensation action. serviceCall goes
// through the task invoker with a deterministic idempotency key; publishEvent
// appends an outbox event so downstream systems learn about the undo.
type ActionRunner struct {
	Invoker TaskInvoker
	Events  interface {
		AppendEvent(ctx context.Context, event *model.RunEvent) error
	}
	Logger *zap.Logger
}

func (r *ActionRunner) Run(ctx context.Context, run *model.WorkflowRun, stepKey string, index int, action dsl.CompensationAction, execContext map[string]interface{}) error {
	switch action.Type {
	case ActionServiceCall:
		service, _ := action.Config["service"].(string)
		if service == "" {
			return errors.New("serviceCall compensation action missing config.service")
		}
		if r.Invoker == nil {
			return errors.New("no task invoker configured")
		}
		params := map[string]interface{}{}
		if template, ok := action.Config["request"].(map[string]interface{}); ok {
			params = ResolveParams(execContext, template)
		}
		key := fmt.Sprintf("%s:%s:compensate:%d", run.ID, stepKey, index)
		_, err := r.Invoker.Invoke(ctx, service, params, key)
		return err

	case ActionPublishEvent:
		eventName, _ := action.Config["eventName"].(string)
		if eventName == "" {
			return errors.New("publishEvent compensation action missing config.eventName")
		}
		event := &model.RunEvent{
			EventID:   uuid.New(),
			EventType: eventName,
			Payload: model.JSONB{
				"run_id":  run.ID.String(),
				"step_id": stepKey,
				"action":  "compensation",
			},
			Status: model.OutboxStatusPending,
		}
		return r.Events.AppendEvent(ctx, event)

	default:
		return fmt.Errorf("unknown compensation action type %q", action.Type)
	}
}

// CompensationExecutor unwinds a failed run: completed steps are compensated
// in reverse completion order. A compensation failure stops the unwind and is
// reported to the caller as a distinguished error; the run stays Failed and
// needs operator intervention.
type CompensationExecutor struct {
	runs    RunStore
	actions *ActionRunner
	logger  *zap.Logger
}

func NewCompensationExecutor(runs RunStore, actions *ActionRunner, logger *zap.Logger) *CompensationExecutor {
	return &CompensationExecutor{runs: runs, actions: actions, logger: logger}
}

func (c *CompensationExecutor) Compensate(ctx context.Context, run *model.WorkflowRun, wf *dsl.Workflow) error {
	steps, err := c.runs.ListSteps(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("loading steps for compensation: %w", err)
	}

	completed := make([]model.WorkflowRunStep, 0, len(steps))
	for _, step := range steps {
		if step.Status == model.StepCompleted {
			completed = append(completed, step)
		}
	}
	// Reverse completion order.
	for i, j := 0, len(completed)-1; i < j; i, j = i+1, j-1 {
		completed[i], completed[j] = completed[j], completed[i]
	}

	c.logger.Info("starting compensation",
		zap.String("run_id", run.ID.String()),
		zap.Int("completed_steps", len(completed)),
	)

	execContext := map[string]interface{}(run.Context)
	for i := range completed {
		step := &completed[i]
		stepDef := wf.FindStep(step.StepKey)
		if stepDef == nil || len(stepDef.Compensation) == 0 {
			continue
		}

		for index, action := range stepDef.Compensation {
			if err := c.actions.Run(ctx, run, step.StepKey, index, action, execContext); err != nil {
				c.logger.Error("compensation action failed",
					zap.String("run_id", run.ID.String()),
					zap.String("step_key", step.StepKey),
					zap.String("action_type", action.Type),
					zap.Error(err),
				)
				return fmt.Errorf("compensating step %q (action %q): %w", step.StepKey, action.Type, err)
			}
			metrics.CompensationActionsTotal.WithLabelValues(action.Type).Inc()
		}

		now := time.Now().UTC()
		step.Status = model.StepCompensated
		step.EndedAt = &now
		if err := c.runs.UpdateStep(ctx, step); err != nil {
			return fmt.Errorf("marking step %q compensated: %w", step.StepKey, err)
		}
	}

	return nil
}
