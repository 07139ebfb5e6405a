package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/stepflow/stepflow/pkg/model"
)

// memoryRunStore is an in-memory RunStore with the same CAS semantics as the
// Postgres repository.
type memoryRunStore struct {
	mu          sync.Mutex
	runs        map[uuid.UUID]*model.WorkflowRun
	steps       map[uuid.UUID][]*model.WorkflowRunStep
	transitions map[uuid.UUID][]model.WorkflowTransition
	signals     []*model.WorkflowSignal
	events      []*model.RunEvent

	// failNextUpdate makes the next UpdateRun return ErrConcurrentUpdate.
	failNextUpdate bool
}

func newMemoryRunStore() *memoryRunStore {
	return &memoryRunStore{
		runs:        make(map[uuid.UUID]*model.WorkflowRun),
		steps:       make(map[uuid.UUID][]*model.WorkflowRunStep),
		transitions: make(map[uuid.UUID][]model.WorkflowTransition),
	}
}

func copyRun(run *model.WorkflowRun) *model.WorkflowRun {
	clone := *run
	return &clone
}

func (s *memoryRunStore) CreateRun(ctx context.Context, run *model.WorkflowRun, event *model.RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = copyRun(run)
	if event != nil {
		s.events = append(s.events, event)
	}
	return nil
}

func (s *memoryRunStore) GetRun(ctx context.Context, id uuid.UUID) (*model.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(run), nil
}

func (s *memoryRunStore) UpdateRun(ctx context.Context, run *model.WorkflowRun, events ...*model.RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNextUpdate {
		s.failNextUpdate = false
		return ErrConcurrentUpdate
	}
	stored, ok := s.runs[run.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.LockVersion != run.LockVersion {
		return ErrConcurrentUpdate
	}
	run.LockVersion++
	s.runs[run.ID] = copyRun(run)
	s.events = append(s.events, events...)
	return nil
}

func (s *memoryRunStore) FindActiveRunByCorrelation(ctx context.Context, correlationID string) (*model.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *model.WorkflowRun
	for _, run := range s.runs {
		if run.CorrelationID != correlationID || run.Status.IsTerminal() {
			continue
		}
		if newest == nil || newest.CreatedAt.Before(run.CreatedAt) {
			newest = run
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return copyRun(newest), nil
}

func (s *memoryRunStore) CreateStep(ctx context.Context, step *model.WorkflowRunStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *step
	s.steps[step.RunID] = append(s.steps[step.RunID], &clone)
	return nil
}

func (s *memoryRunStore) UpdateStep(ctx context.Context, step *model.WorkflowRunStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, stored := range s.steps[step.RunID] {
		if stored.ID == step.ID {
			clone := *step
			s.steps[step.RunID][i] = &clone
			return nil
		}
	}
	return ErrNotFound
}

func (s *memoryRunStore) CountStepAttempts(ctx context.Context, runID uuid.UUID, stepKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, step := range s.steps[runID] {
		if step.StepKey == stepKey {
			count++
		}
	}
	return count, nil
}

func (s *memoryRunStore) ListSteps(ctx context.Context, runID uuid.UUID) ([]model.WorkflowRunStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.WorkflowRunStep, 0, len(s.steps[runID]))
	for _, step := range s.steps[runID] {
		out = append(out, *step)
	}
	return out, nil
}

func (s *memoryRunStore) AppendTransitions(ctx context.Context, transitions []model.WorkflowTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range transitions {
		s.transitions[tr.RunID] = append(s.transitions[tr.RunID], tr)
	}
	return nil
}

func (s *memoryRunStore) ListTransitions(ctx context.Context, runID uuid.UUID) ([]model.WorkflowTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.WorkflowTransition(nil), s.transitions[runID]...), nil
}

func (s *memoryRunStore) AppendSignal(ctx context.Context, signal *model.WorkflowSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, signal)
	return nil
}

func (s *memoryRunStore) AppendEvent(ctx context.Context, event *model.RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memoryRunStore) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.events))
	for _, event := range s.events {
		types = append(types, event.EventType)
	}
	return types
}

// memoryDefinitionStore serves a single published definition version.
type memoryDefinitionStore struct {
	code    string
	version *model.WorkflowDefinitionVersion
}

func newMemoryDefinitionStore(code, dslJSON string) *memoryDefinitionStore {
	return &memoryDefinitionStore{
		code: code,
		version: &model.WorkflowDefinitionVersion{
			ID:            uuid.New(),
			VersionNumber: 1,
			DSLJSON:       dslJSON,
			IsPublished:   true,
		},
	}
}

func (s *memoryDefinitionStore) GetPublishedVersion(ctx context.Context, code string, version int) (*model.WorkflowDefinitionVersion, error) {
	if code != s.code {
		return nil, ErrDefinitionNotFound
	}
	if version != 0 && version != s.version.VersionNumber {
		return nil, ErrDefinitionNotFound
	}
	return s.version, nil
}

type memoryTimerStore struct {
	mu        sync.Mutex
	timers    []*model.WorkflowTimer
	cancelled []uuid.UUID
}

func (s *memoryTimerStore) CreateTimer(ctx context.Context, timer *model.WorkflowTimer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers = append(s.timers, timer)
	return nil
}

func (s *memoryTimerStore) CancelPendingTimers(ctx context.Context, runID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, runID)
	for _, timer := range s.timers {
		if timer.RunID == runID && timer.Status == model.TimerPending {
			timer.Status = model.TimerCancelled
		}
	}
	return nil
}

func (s *memoryTimerStore) pending(runID uuid.UUID) []*model.WorkflowTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.WorkflowTimer
	for _, timer := range s.timers {
		if timer.RunID == runID && timer.Status == model.TimerPending {
			out = append(out, timer)
		}
	}
	return out
}

// recordingInvoker records invocations and serves canned responses keyed by
// service name. Services listed in failures return an error.
type recordingInvoker struct {
	mu        sync.Mutex
	calls     []invocation
	responses map[string]map[string]interface{}
	failures  map[string]error
}

type invocation struct {
	Service        string
	Params         map[string]interface{}
	IdempotencyKey string
}

func newRecordingInvoker() *recordingInvoker {
	return &recordingInvoker{
		responses: make(map[string]map[string]interface{}),
		failures:  make(map[string]error),
	}
}

func (i *recordingInvoker) Invoke(ctx context.Context, service string, params map[string]interface{}, idempotencyKey string) (map[string]interface{}, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls = append(i.calls, invocation{Service: service, Params: params, IdempotencyKey: idempotencyKey})
	if err, ok := i.failures[service]; ok {
		return nil, err
	}
	return i.responses[service], nil
}

func (i *recordingInvoker) services() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, 0, len(i.calls))
	for _, call := range i.calls {
		out = append(out, call.Service)
	}
	return out
}

func stepStatuses(steps []model.WorkflowRunStep) string {
	out := ""
	for _, step := range steps {
		out += fmt.Sprintf("%s=%s ", step.StepKey, step.Status)
	}
	return out
}
