package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stepflow/stepflow/pkg/dsl"
	"github.com/stepflow/stepflow/pkg/metrics"
	"github.com/stepflow/stepflow/pkg/model"
)

// Executor is the state-machine driver. Every entry point (start, signal,
// resume, timer delivery) reloads the run from the store, claims it via the
// lock-version CAS and then steps synchronously until the run completes,
// fails or suspends. Handler errors never propagate; they become Failed
// step/run state.
type Executor struct {
	runs        RunStore
	definitions DefinitionStore
	timers      TimerStore
	registry    *Registry
	compensator *CompensationExecutor
	publisher   StatusPublisher
	logger      *zap.Logger
}

func NewExecutor(
	runs RunStore,
	definitions DefinitionStore,
	timers TimerStore,
	registry *Registry,
	compensator *CompensationExecutor,
	publisher StatusPublisher,
	logger *zap.Logger,
) *Executor {
	return &Executor{
		runs:        runs,
		definitions: definitions,
		timers:      timers,
		registry:    registry,
		compensator: compensator,
		publisher:   publisher,
		logger:      logger,
	}
}

// Start creates a run against a published definition version (version 0 means
// latest published) and steps it until it suspends or terminates.
func (e *Executor) Start(ctx context.Context, code string, version int, input map[string]interface{}, correlationID string) (*model.WorkflowRun, error) {
	definitionVersion, err := e.definitions.GetPublishedVersion(ctx, code, version)
	if err != nil {
		return nil, err
	}

	wf, err := dsl.Parse(definitionVersion.DSLJSON)
	if err != nil {
		return nil, err
	}

	execContext := MergeContext(wf.Inputs, input)
	run := &model.WorkflowRun{
		ID:                uuid.New(),
		DefinitionCode:    code,
		DefinitionVersion: definitionVersion.VersionNumber,
		Status:            model.RunRunning,
		Context:           model.JSONB(execContext),
		CorrelationID:     correlationID,
		CurrentStepKey:    wf.StartAt,
		StartedAt:         time.Now().UTC(),
	}

	event := model.NewRunEvent(model.EventRunStarted, run.ID, model.RunRunning, "")
	if err := e.runs.CreateRun(ctx, run, event); err != nil {
		return nil, err
	}
	metrics.RunsStartedTotal.WithLabelValues(code).Inc()
	e.publish(ctx, run, "")

	e.logger.Info("workflow run started",
		zap.String("run_id", run.ID.String()),
		zap.String("definition_code", code),
		zap.Int("version", run.DefinitionVersion),
	)

	if err := e.advance(ctx, run, wf, wf.StartAt); err != nil {
		return run, err
	}
	return run, nil
}

// Signal delivers a named event to a run. Delivery is at-least-once: signals
// to runs that are not paused (terminal, already resumed, still stepping) are
// recorded but otherwise a no-op. The returned bool reports whether the run
// actually advanced.
func (e *Executor) Signal(ctx context.Context, runID uuid.UUID, signalName string, payload map[string]interface{}) (bool, error) {
	advanced, err := e.resume(ctx, runID, signalName, payload)

	signal := &model.WorkflowSignal{
		ID:      uuid.New(),
		RunID:   runID,
		Name:    signalName,
		Payload: model.JSONB(payload),
	}
	if advanced {
		now := time.Now().UTC()
		signal.HandledAt = &now
	}
	if appendErr := e.runs.AppendSignal(ctx, signal); appendErr != nil {
		e.logger.Warn("failed to record signal", zap.String("run_id", runID.String()), zap.Error(appendErr))
	}

	return advanced, err
}

// SignalByCorrelation delivers a signal to the newest non-terminal run with
// the given correlation id.
func (e *Executor) SignalByCorrelation(ctx context.Context, correlationID, signalName string, payload map[string]interface{}) (bool, error) {
	run, err := e.runs.FindActiveRunByCorrelation(ctx, correlationID)
	if err != nil {
		if err == ErrNotFound {
			e.logger.Warn("no active run for correlation id",
				zap.String("correlation_id", correlationID),
				zap.String("signal", signalName),
			)
			return false, nil
		}
		return false, err
	}
	return e.Signal(ctx, run.ID, signalName, payload)
}

// Resume merges a raw payload into a paused run's context and continues
// stepping. It shares the signal path under the reserved name "resume".
func (e *Executor) Resume(ctx context.Context, runID uuid.UUID, payload map[string]interface{}) (bool, error) {
	return e.resume(ctx, runID, "resume", payload)
}

// Cancel marks a non-terminal run Cancelled, cancels its active steps and
// pending timers and compensates completed work. Cancelling a terminal run is
// a no-op.
func (e *Executor) Cancel(ctx context.Context, runID uuid.UUID, reason string) error {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		e.logger.Warn("cancel ignored for terminal run",
			zap.String("run_id", runID.String()),
			zap.String("status", string(run.Status)),
		)
		return nil
	}

	now := time.Now().UTC()
	run.Status = model.RunCancelled
	run.LastError = reason
	run.EndedAt = &now
	event := model.NewRunEvent(model.EventRunCancelled, run.ID, model.RunCancelled, reason)
	// Claim the run before touching step rows or timers. A cancel that loses
	// the CAS to a concurrent resume must leave no partial state behind, or
	// the winner's paused step would be gone and the run unresumable.
	if err := e.runs.UpdateRun(ctx, run, event); err != nil {
		if err == ErrConcurrentUpdate {
			e.logger.Warn("cancel lost to a concurrent update",
				zap.String("run_id", runID.String()),
			)
		}
		return err
	}
	metrics.RunsFinishedTotal.WithLabelValues(run.DefinitionCode, string(model.RunCancelled)).Inc()

	steps, err := e.runs.ListSteps(ctx, runID)
	if err != nil {
		return err
	}
	for i := range steps {
		step := &steps[i]
		if step.Status != model.StepRunning && step.Status != model.StepPaused {
			continue
		}
		step.Status = model.StepCancelled
		step.Error = "workflow cancelled"
		step.EndedAt = &now
		// The run is already terminal, so a failed step update cannot wedge
		// it; the row stays stale instead.
		if err := e.runs.UpdateStep(ctx, step); err != nil {
			e.logger.Warn("failed to mark step cancelled",
				zap.String("run_id", runID.String()),
				zap.String("step", step.StepKey),
				zap.Error(err),
			)
		}
	}

	if err := e.timers.CancelPendingTimers(ctx, runID); err != nil {
		e.logger.Warn("failed to cancel pending timers", zap.String("run_id", runID.String()), zap.Error(err))
	}
	e.publish(ctx, run, reason)

	wf, err := e.loadDefinition(ctx, run)
	if err != nil {
		e.logger.Error("definition unavailable for compensation", zap.String("run_id", runID.String()), zap.Error(err))
		return nil
	}
	if compErr := e.compensator.Compensate(ctx, run, wf); compErr != nil {
		run.LastError = fmt.Sprintf("compensation failed after cancel: %v", compErr)
		if err := e.runs.UpdateRun(ctx, run); err != nil {
			e.logger.Error("failed to record compensation error", zap.String("run_id", runID.String()), zap.Error(err))
		}
	}
	return nil
}

// resume is the shared resume-by-signal path. It claims the paused run via
// CAS, completes the paused step with the payload, evaluates its transitions
// and continues stepping.
func (e *Executor) resume(ctx context.Context, runID uuid.UUID, signalName string, payload map[string]interface{}) (bool, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		if err == ErrNotFound {
			e.logger.Warn("resume for unknown run", zap.String("run_id", runID.String()))
			return false, nil
		}
		return false, err
	}

	if run.Status != model.RunPaused {
		// Terminal runs and runs already resumed by a competing delivery are
		// both no-ops; at-least-once delivery makes this the common path for
		// redundant signals.
		e.logger.Debug("resume is a no-op",
			zap.String("run_id", runID.String()),
			zap.String("status", string(run.Status)),
			zap.String("signal", signalName),
		)
		metrics.SignalNoopsTotal.WithLabelValues(signalName).Inc()
		return false, nil
	}

	steps, err := e.runs.ListSteps(ctx, runID)
	if err != nil {
		return false, err
	}
	var pausedStep *model.WorkflowRunStep
	for i := range steps {
		if steps[i].Status == model.StepPaused {
			pausedStep = &steps[i]
		}
	}
	if pausedStep == nil {
		e.logger.Warn("paused run has no paused step", zap.String("run_id", runID.String()))
		return false, nil
	}

	merged := MergeContext(run.Context, payload)
	signalContext := MergeContext(payload, map[string]interface{}{"name": signalName})
	merged["signal"] = signalContext

	run.Status = model.RunRunning
	run.Context = model.JSONB(merged)
	event := model.NewRunEvent(model.EventRunResumed, run.ID, model.RunRunning, signalName)
	if err := e.runs.UpdateRun(ctx, run, event); err != nil {
		if err == ErrConcurrentUpdate {
			// Another delivery won the race; this one degrades to a no-op.
			metrics.SignalNoopsTotal.WithLabelValues(signalName).Inc()
			return false, nil
		}
		return false, err
	}

	now := time.Now().UTC()
	pausedStep.Status = model.StepCompleted
	pausedStep.Response = model.JSONB(payload)
	pausedStep.EndedAt = &now
	if err := e.runs.UpdateStep(ctx, pausedStep); err != nil {
		return false, err
	}

	if err := e.timers.CancelPendingTimers(ctx, runID); err != nil {
		e.logger.Warn("failed to cancel pending timers", zap.String("run_id", runID.String()), zap.Error(err))
	}
	e.publish(ctx, run, signalName)

	wf, err := e.loadDefinition(ctx, run)
	if err != nil {
		return true, e.failRun(ctx, run, nil, fmt.Sprintf("definition unavailable: %v", err))
	}

	stepDef := wf.FindStep(pausedStep.StepKey)
	if stepDef == nil {
		return true, e.failRun(ctx, run, wf, fmt.Sprintf("step %q not found in definition", pausedStep.StepKey))
	}

	next, err := e.selectTransition(ctx, run, stepDef)
	if err != nil {
		return true, err
	}
	if next == "" {
		if stepDef.Type == dsl.StepEnd {
			return true, e.completeRun(ctx, run, nil)
		}
		return true, e.failRun(ctx, run, wf, fmt.Sprintf("no matching transition from step %q", stepDef.ID))
	}

	run.CurrentStepKey = next
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return true, err
	}
	return true, e.advance(ctx, run, wf, next)
}

// maxChainedSteps bounds how many steps one stepping invocation may execute
// back to back. A published definition with an unconditional cycle would
// otherwise spin forever inside a single request.
const maxChainedSteps = 1000

// advance is the stepping loop: execute the current step, persist the
// attempt, then follow the chosen transition within the same invocation until
// the run suspends or terminates.
func (e *Executor) advance(ctx context.Context, run *model.WorkflowRun, wf *dsl.Workflow, stepKey string) error {
	chained := 0
	for stepKey != "" {
		chained++
		if chained > maxChainedSteps {
			return e.failRun(ctx, run, wf,
				fmt.Sprintf("step chain exceeded %d steps without suspending, definition likely cycles", maxChainedSteps))
		}
		stepDef := wf.FindStep(stepKey)
		if stepDef == nil {
			return e.failRun(ctx, run, wf, fmt.Sprintf("step %q not found in definition", stepKey))
		}
		handler := e.registry.Get(stepDef.Type)
		if handler == nil {
			return e.failRun(ctx, run, wf, fmt.Sprintf("no handler registered for step type %q", stepDef.Type))
		}

		attempts, err := e.runs.CountStepAttempts(ctx, run.ID, stepKey)
		if err != nil {
			return err
		}
		attempt := attempts + 1

		stepRow := &model.WorkflowRunStep{
			ID:             uuid.New(),
			RunID:          run.ID,
			StepKey:        stepKey,
			Type:           stepDef.Type,
			Status:         model.StepRunning,
			Attempt:        attempt,
			IdempotencyKey: StepIdempotencyKey(run.ID, stepKey, attempt),
			StartedAt:      time.Now().UTC(),
		}
		if err := e.runs.CreateStep(ctx, stepRow); err != nil {
			return err
		}

		outcome := e.executeHandler(ctx, handler, Request{
			Run:            run,
			Step:           stepDef,
			Attempt:        attempt,
			IdempotencyKey: stepRow.IdempotencyKey,
			Context:        run.Context,
		})
		metrics.StepsExecutedTotal.WithLabelValues(stepDef.Type).Inc()

		switch outcome.Kind {
		case OutcomeCompleted:
			now := time.Now().UTC()
			stepRow.Status = model.StepCompleted
			stepRow.Response = model.JSONB(outcome.Output)
			stepRow.EndedAt = &now
			if err := e.runs.UpdateStep(ctx, stepRow); err != nil {
				return err
			}
			if len(outcome.Output) > 0 {
				run.Context = model.JSONB(MergeContext(run.Context, outcome.Output))
			}

			next, err := e.selectTransition(ctx, run, stepDef)
			if err != nil {
				return err
			}
			if next == "" {
				if stepDef.Type == dsl.StepEnd {
					return e.completeRun(ctx, run, outcome.Output)
				}
				return e.failRun(ctx, run, wf, fmt.Sprintf("no matching transition from step %q", stepKey))
			}

			run.CurrentStepKey = next
			if err := e.runs.UpdateRun(ctx, run); err != nil {
				return err
			}
			stepKey = next

		case OutcomeSuspended:
			stepRow.Status = model.StepPaused
			if err := e.runs.UpdateStep(ctx, stepRow); err != nil {
				return err
			}

			run.Status = model.RunPaused
			run.CurrentStepKey = stepKey
			event := model.NewRunEvent(model.EventRunPaused, run.ID, model.RunPaused, outcome.SignalName)
			if err := e.runs.UpdateRun(ctx, run, event); err != nil {
				return err
			}

			if outcome.Timer != nil {
				timer := &model.WorkflowTimer{
					ID:         uuid.New(),
					RunID:      run.ID,
					StepID:     stepKey,
					DueAt:      time.Now().UTC().Add(outcome.Timer.Delay),
					SignalName: outcome.Timer.SignalName,
					Payload:    model.JSONB(outcome.Timer.Payload),
					Status:     model.TimerPending,
				}
				if err := e.timers.CreateTimer(ctx, timer); err != nil {
					return err
				}
			}

			e.logger.Info("workflow run paused",
				zap.String("run_id", run.ID.String()),
				zap.String("step_key", stepKey),
				zap.String("signal", outcome.SignalName),
			)
			e.publish(ctx, run, outcome.SignalName)
			return nil

		case OutcomeFailed:
			now := time.Now().UTC()
			stepRow.Status = model.StepFailed
			stepRow.Error = outcome.Err.Error()
			stepRow.EndedAt = &now
			if err := e.runs.UpdateStep(ctx, stepRow); err != nil {
				return err
			}
			return e.failRun(ctx, run, wf, fmt.Sprintf("step %q failed: %v", stepKey, outcome.Err))
		}
	}
	return nil
}

// selectTransition evaluates the step's transitions in declaration order and
// returns the first match (an empty condition always matches). Every
// evaluation, chosen or rejected, is appended to the transition audit.
func (e *Executor) selectTransition(ctx context.Context, run *model.WorkflowRun, step *dsl.Step) (string, error) {
	if len(step.Transitions) == 0 {
		return "", nil
	}

	chosen := ""
	records := make([]model.WorkflowTransition, 0, len(step.Transitions))
	for _, tr := range step.Transitions {
		record := model.WorkflowTransition{
			ID:          uuid.New(),
			RunID:       run.ID,
			FromStepID:  step.ID,
			ToStepID:    tr.To,
			Condition:   tr.Condition,
			EvaluatedAt: time.Now().UTC(),
		}
		if chosen == "" {
			matched := tr.Condition == ""
			if !matched {
				value, err := EvaluateCondition(tr.Condition, run.Context)
				if err != nil {
					record.Trace = model.JSONB{"error": err.Error()}
				} else {
					matched = value
					record.Trace = model.JSONB{"result": value}
				}
			}
			if matched {
				record.Chosen = true
				chosen = tr.To
			}
		}
		records = append(records, record)
	}

	if err := e.runs.AppendTransitions(ctx, records); err != nil {
		return "", err
	}
	return chosen, nil
}

func (e *Executor) completeRun(ctx context.Context, run *model.WorkflowRun, output map[string]interface{}) error {
	now := time.Now().UTC()
	run.Status = model.RunCompleted
	run.EndedAt = &now
	if len(output) > 0 {
		run.Output = model.JSONB(output)
	} else {
		run.Output = run.Context
	}

	event := model.NewRunEvent(model.EventRunCompleted, run.ID, model.RunCompleted, "")
	if err := e.runs.UpdateRun(ctx, run, event); err != nil {
		return err
	}
	metrics.RunsFinishedTotal.WithLabelValues(run.DefinitionCode, string(model.RunCompleted)).Inc()

	if err := e.timers.CancelPendingTimers(ctx, run.ID); err != nil {
		e.logger.Warn("failed to cancel pending timers", zap.String("run_id", run.ID.String()), zap.Error(err))
	}

	e.logger.Info("workflow run completed", zap.String("run_id", run.ID.String()))
	e.publish(ctx, run, "")
	return nil
}

// failRun compensates completed work and records the terminal failure. A
// compensation failure replaces lastError with a distinguished message so
// operators can tell the two apart.
func (e *Executor) failRun(ctx context.Context, run *model.WorkflowRun, wf *dsl.Workflow, message string) error {
	e.logger.Error("workflow run failed",
		zap.String("run_id", run.ID.String()),
		zap.String("error", message),
	)

	lastError := message
	if wf != nil {
		if compErr := e.compensator.Compensate(ctx, run, wf); compErr != nil {
			lastError = fmt.Sprintf("compensation failed after %q: %v", message, compErr)
		}
	}

	now := time.Now().UTC()
	run.Status = model.RunFailed
	run.LastError = lastError
	run.EndedAt = &now

	event := model.NewRunEvent(model.EventRunFailed, run.ID, model.RunFailed, lastError)
	if err := e.runs.UpdateRun(ctx, run, event); err != nil {
		return err
	}
	metrics.RunsFinishedTotal.WithLabelValues(run.DefinitionCode, string(model.RunFailed)).Inc()

	if err := e.timers.CancelPendingTimers(ctx, run.ID); err != nil {
		e.logger.Warn("failed to cancel pending timers", zap.String("run_id", run.ID.String()), zap.Error(err))
	}
	e.publish(ctx, run, lastError)
	return nil
}

// executeHandler isolates the executor from handler panics: a panicking step
// becomes a Failed outcome instead of crashing the caller (HTTP request,
// timer poll tick or consumer loop).
func (e *Executor) executeHandler(ctx context.Context, handler Handler, req Request) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("step handler panicked",
				zap.String("run_id", req.Run.ID.String()),
				zap.String("step_key", req.Step.ID),
				zap.Any("panic", r),
			)
			outcome = Failed(fmt.Errorf("step handler panicked: %v", r))
		}
	}()
	return handler.Execute(ctx, req)
}

func (e *Executor) loadDefinition(ctx context.Context, run *model.WorkflowRun) (*dsl.Workflow, error) {
	version, err := e.definitions.GetPublishedVersion(ctx, run.DefinitionCode, run.DefinitionVersion)
	if err != nil {
		return nil, err
	}
	return dsl.Parse(version.DSLJSON)
}

func (e *Executor) publish(ctx context.Context, run *model.WorkflowRun, detail string) {
	if e.publisher == nil {
		return
	}
	e.publisher.PublishRunStatus(ctx, run.ID, run.Status, detail)
}
