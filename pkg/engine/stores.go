package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/stepflow/stepflow/pkg/model"
)

var (
	// ErrNotFound is returned by stores when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentUpdate is returned by RunStore.UpdateRun when the run's
	// lock version no longer matches: another stepping invocation advanced
	// the run first.
	ErrConcurrentUpdate = errors.New("workflow run modified concurrently")

	ErrDefinitionNotFound  = errors.New("workflow definition not found")
	ErrVersionNotPublished = errors.New("workflow definition version is not published")
)

// RunStore is the durable state contract for runs, their step attempts,
// transition audit rows, signals and outbox events. UpdateRun must
// compare-and-swap on LockVersion; outbox events passed alongside a mutation
// must be written in the same transaction.
type RunStore interface {
	CreateRun(ctx context.Context, run *model.WorkflowRun, event *model.RunEvent) error
	GetRun(ctx context.Context, id uuid.UUID) (*model.WorkflowRun, error)
	UpdateRun(ctx context.Context, run *model.WorkflowRun, events ...*model.RunEvent) error
	FindActiveRunByCorrelation(ctx context.Context, correlationID string) (*model.WorkflowRun, error)

	CreateStep(ctx context.Context, step *model.WorkflowRunStep) error
	UpdateStep(ctx context.Context, step *model.WorkflowRunStep) error
	CountStepAttempts(ctx context.Context, runID uuid.UUID, stepKey string) (int, error)
	// ListSteps returns the run's step attempts ordered by StartedAt ascending.
	ListSteps(ctx context.Context, runID uuid.UUID) ([]model.WorkflowRunStep, error)

	AppendTransitions(ctx context.Context, transitions []model.WorkflowTransition) error
	ListTransitions(ctx context.Context, runID uuid.UUID) ([]model.WorkflowTransition, error)

	AppendSignal(ctx context.Context, signal *model.WorkflowSignal) error
	AppendEvent(ctx context.Context, event *model.RunEvent) error
}

// DefinitionStore resolves published definition versions. version 0 means the
// latest published version for the code.
type DefinitionStore interface {
	GetPublishedVersion(ctx context.Context, code string, version int) (*model.WorkflowDefinitionVersion, error)
}

// TimerStore registers and cancels run deadlines.
type TimerStore interface {
	CreateTimer(ctx context.Context, timer *model.WorkflowTimer) error
	CancelPendingTimers(ctx context.Context, runID uuid.UUID) error
}

// TaskInvoker is the collaborator that executes ServiceTask bodies and
// serviceCall compensation actions. The idempotency key travels with every
// invocation; honouring it is the collaborator's side of the contract.
type TaskInvoker interface {
	Invoke(ctx context.Context, service string, params map[string]interface{}, idempotencyKey string) (map[string]interface{}, error)
}

// StatusPublisher fans run status changes out to live subscribers. It is
// best-effort: durable delivery goes through the outbox, not here.
type StatusPublisher interface {
	PublishRunStatus(ctx context.Context, runID uuid.UUID, status model.RunStatus, detail string)
}
