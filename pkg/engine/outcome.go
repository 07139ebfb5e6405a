// Package engine drives workflow runs through their step graph: it executes
// steps via a handler registry, evaluates transitions, persists durable run
// state, suspends on timers/signals and unwinds completed work on failure.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow/stepflow/pkg/dsl"
	"github.com/stepflow/stepflow/pkg/model"
)

type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeFailed
	OutcomeSuspended
)

// Outcome is the tagged union a step handler returns: exactly one of
// Completed (with optional output), Failed (with error), or Suspended
// (waiting on a named signal, optionally with a deadline timer).
type Outcome struct {
	Kind       OutcomeKind
	Output     map[string]interface{}
	Err        error
	SignalName string
	Timer      *TimerRequest
}

// TimerRequest asks the executor to register a deadline while the run is
// paused. When it fires, the poller delivers SignalName with Payload.
type TimerRequest struct {
	Delay      time.Duration
	SignalName string
	Payload    map[string]interface{}
}

func Completed(output map[string]interface{}) Outcome {
	return Outcome{Kind: OutcomeCompleted, Output: output}
}

func Failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}

func Suspended(signalName string, timer *TimerRequest) Outcome {
	return Outcome{Kind: OutcomeSuspended, SignalName: signalName, Timer: timer}
}

// Request carries everything a handler may need for one step attempt. Context
// is the run's merged execution context; IdempotencyKey is deterministic per
// (run, step, attempt) so retried outbound calls do not double-execute.
type Request struct {
	Run            *model.WorkflowRun
	Step           *dsl.Step
	Attempt        int
	IdempotencyKey string
	Context        map[string]interface{}
}

// Handler executes one step archetype.
type Handler interface {
	Type() string
	Execute(ctx context.Context, req Request) Outcome
}

// StepIdempotencyKey derives the per-attempt key attached to outbound step
// invocations.
func StepIdempotencyKey(runID uuid.UUID, stepKey string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", runID, stepKey, attempt)
}

// Registry maps a step-type string to its handler. Registration replaces any
// previous handler for the same type.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

func (r *Registry) Register(h Handler) {
	r.handlers[h.Type()] = h
}

func (r *Registry) Get(stepType string) Handler {
	return r.handlers[stepType]
}

// Types returns the registered step types, for the publish-time validator.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
