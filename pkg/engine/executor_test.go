package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/stepflow/stepflow/pkg/model"
)

const approvalDSL = `{
  "startAt": "calc",
  "steps": [
    {
      "id": "calc",
      "type": "Calculation",
      "config": {"expression": "({total: amount * 2})"},
      "transitions": [{"to": "wait"}]
    },
    {
      "id": "wait",
      "type": "WaitForEvent",
      "config": {"signalName": "approval", "timeoutSeconds": 60},
      "transitions": [
        {"to": "approved", "condition": "signal.approved == true"},
        {"to": "rejected"}
      ]
    },
    {"id": "approved", "type": "End"},
    {"id": "rejected", "type": "End"}
  ]
}`

const sagaDSL = `{
  "startAt": "reserve",
  "steps": [
    {
      "id": "reserve",
      "type": "ServiceTask",
      "config": {"service": "inventory"},
      "compensation": [{"type": "serviceCall", "config": {"service": "inventory-release"}}],
      "transitions": [{"to": "charge"}]
    },
    {
      "id": "charge",
      "type": "ServiceTask",
      "config": {"service": "payments"},
      "compensation": [{"type": "serviceCall", "config": {"service": "payments-refund"}}],
      "transitions": [{"to": "ship"}]
    },
    {
      "id": "ship",
      "type": "ServiceTask",
      "config": {"service": "shipping"},
      "transitions": [{"to": "done"}]
    },
    {"id": "done", "type": "End"}
  ]
}`

const cycleDSL = `{
  "startAt": "ping",
  "steps": [
    {
      "id": "ping",
      "type": "Calculation",
      "config": {"expression": "({})"},
      "transitions": [{"to": "pong"}]
    },
    {
      "id": "pong",
      "type": "Calculation",
      "config": {"expression": "({})"},
      "transitions": [{"to": "ping"}]
    }
  ]
}`

func newTestExecutor(store *memoryRunStore, definitions DefinitionStore, timers *memoryTimerStore, inv *recordingInvoker) *Executor {
	logger := zap.NewNop()
	actions := &ActionRunner{Invoker: inv, Events: store, Logger: logger}
	registry := NewRegistry(BuiltinHandlers(inv, actions, logger)...)
	compensator := NewCompensationExecutor(store, actions, logger)
	return NewExecutor(store, definitions, timers, registry, compensator, nil, logger)
}

func TestStartSuspendsOnWaitForEvent(t *testing.T) {
	store := newMemoryRunStore()
	timers := &memoryTimerStore{}
	executor := newTestExecutor(store, newMemoryDefinitionStore("order", approvalDSL), timers, newRecordingInvoker())

	run, err := executor.Start(context.Background(), "order", 0, map[string]interface{}{"amount": 10}, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	stored, _ := store.GetRun(context.Background(), run.ID)
	if stored.Status != model.RunPaused {
		t.Fatalf("expected run paused, got %s", stored.Status)
	}
	if stored.CurrentStepKey != "wait" {
		t.Fatalf("expected current step wait, got %q", stored.CurrentStepKey)
	}
	if _, ok := stored.Context["total"]; !ok {
		t.Fatalf("expected calculation result in context, got %v", stored.Context)
	}

	steps, _ := store.ListSteps(context.Background(), run.ID)
	if len(steps) != 2 || steps[0].Status != model.StepCompleted || steps[1].Status != model.StepPaused {
		t.Fatalf("unexpected step states: %s", stepStatuses(steps))
	}

	pending := timers.pending(run.ID)
	if len(pending) != 1 || pending[0].SignalName != "approval.timeout" {
		t.Fatalf("expected one timeout timer, got %v", pending)
	}
}

func TestSignalResumesAndCompletes(t *testing.T) {
	store := newMemoryRunStore()
	timers := &memoryTimerStore{}
	executor := newTestExecutor(store, newMemoryDefinitionStore("order", approvalDSL), timers, newRecordingInvoker())

	run, err := executor.Start(context.Background(), "order", 0, map[string]interface{}{"amount": 10}, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	advanced, err := executor.Signal(context.Background(), run.ID, "approval", map[string]interface{}{"approved": true})
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if !advanced {
		t.Fatal("expected signal to advance the run")
	}

	stored, _ := store.GetRun(context.Background(), run.ID)
	if stored.Status != model.RunCompleted {
		t.Fatalf("expected run completed, got %s (%s)", stored.Status, stored.LastError)
	}
	if len(timers.pending(run.ID)) != 0 {
		t.Fatal("expected pending timers cancelled on resume")
	}

	transitions, _ := store.ListTransitions(context.Background(), run.ID)
	var chosen []string
	for _, tr := range transitions {
		if tr.Chosen {
			chosen = append(chosen, tr.ToStepID)
		}
	}
	if len(chosen) != 2 || chosen[0] != "wait" || chosen[1] != "approved" {
		t.Fatalf("unexpected chosen path %v", chosen)
	}
}

func TestSignalConditionFallsThroughToDefault(t *testing.T) {
	store := newMemoryRunStore()
	executor := newTestExecutor(store, newMemoryDefinitionStore("order", approvalDSL), &memoryTimerStore{}, newRecordingInvoker())

	run, _ := executor.Start(context.Background(), "order", 0, map[string]interface{}{"amount": 10}, "")

	if _, err := executor.Signal(context.Background(), run.ID, "approval", map[string]interface{}{"approved": false}); err != nil {
		t.Fatalf("signal: %v", err)
	}

	transitions, _ := store.ListTransitions(context.Background(), run.ID)
	// The wait step's evaluation must record the rejected conditional edge and
	// the chosen default edge.
	var waitRecords []model.WorkflowTransition
	for _, tr := range transitions {
		if tr.FromStepID == "wait" {
			waitRecords = append(waitRecords, tr)
		}
	}
	if len(waitRecords) != 2 {
		t.Fatalf("expected both wait edges audited, got %d", len(waitRecords))
	}
	if waitRecords[0].Chosen || waitRecords[0].ToStepID != "approved" {
		t.Fatalf("expected first edge rejected, got %+v", waitRecords[0])
	}
	if !waitRecords[1].Chosen || waitRecords[1].ToStepID != "rejected" {
		t.Fatalf("expected default edge chosen, got %+v", waitRecords[1])
	}

	stored, _ := store.GetRun(context.Background(), run.ID)
	if stored.Status != model.RunCompleted || stored.CurrentStepKey != "rejected" {
		t.Fatalf("expected completion at rejected, got %s at %q", stored.Status, stored.CurrentStepKey)
	}
}

func TestTimeoutSignalTakesDefaultPath(t *testing.T) {
	store := newMemoryRunStore()
	timers := &memoryTimerStore{}
	executor := newTestExecutor(store, newMemoryDefinitionStore("order", approvalDSL), timers, newRecordingInvoker())

	run, _ := executor.Start(context.Background(), "order", 0, map[string]interface{}{"amount": 10}, "")

	// What the poller delivers when the deadline fires: the synthesized
	// "<signal>.timeout" event with the timer payload.
	advanced, err := executor.Signal(context.Background(), run.ID, "approval.timeout", map[string]interface{}{"timedOut": true})
	if err != nil {
		t.Fatalf("timeout signal: %v", err)
	}
	if !advanced {
		t.Fatal("expected timeout delivery to advance the run")
	}

	stored, _ := store.GetRun(context.Background(), run.ID)
	if stored.Status != model.RunCompleted || stored.CurrentStepKey != "rejected" {
		t.Fatalf("expected timeout to complete at rejected, got %s at %q", stored.Status, stored.CurrentStepKey)
	}
}

func TestRedundantSignalIsNoop(t *testing.T) {
	store := newMemoryRunStore()
	executor := newTestExecutor(store, newMemoryDefinitionStore("order", approvalDSL), &memoryTimerStore{}, newRecordingInvoker())

	run, _ := executor.Start(context.Background(), "order", 0, map[string]interface{}{"amount": 10}, "")
	if _, err := executor.Signal(context.Background(), run.ID, "approval", map[string]interface{}{"approved": true}); err != nil {
		t.Fatalf("first signal: %v", err)
	}

	advanced, err := executor.Signal(context.Background(), run.ID, "approval", map[string]interface{}{"approved": true})
	if err != nil {
		t.Fatalf("redundant signal: %v", err)
	}
	if advanced {
		t.Fatal("expected redundant signal to be a no-op")
	}

	stored, _ := store.GetRun(context.Background(), run.ID)
	if stored.Status != model.RunCompleted {
		t.Fatalf("terminal run mutated by redundant signal: %s", stored.Status)
	}
}

func TestConcurrentResumeDegradesToNoop(t *testing.T) {
	store := newMemoryRunStore()
	executor := newTestExecutor(store, newMemoryDefinitionStore("order", approvalDSL), &memoryTimerStore{}, newRecordingInvoker())

	run, _ := executor.Start(context.Background(), "order", 0, map[string]interface{}{"amount": 10}, "")

	store.failNextUpdate = true
	advanced, err := executor.Signal(context.Background(), run.ID, "approval", map[string]interface{}{"approved": true})
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if advanced {
		t.Fatal("expected losing delivery to degrade to a no-op")
	}
}

func TestSignalByCorrelation(t *testing.T) {
	store := newMemoryRunStore()
	executor := newTestExecutor(store, newMemoryDefinitionStore("order", approvalDSL), &memoryTimerStore{}, newRecordingInvoker())

	_, err := executor.Start(context.Background(), "order", 0, map[string]interface{}{"amount": 10}, "order-42")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	advanced, err := executor.SignalByCorrelation(context.Background(), "order-42", "approval", map[string]interface{}{"approved": true})
	if err != nil {
		t.Fatalf("signal by correlation: %v", err)
	}
	if !advanced {
		t.Fatal("expected correlated signal to advance the run")
	}

	advanced, err = executor.SignalByCorrelation(context.Background(), "no-such-order", "approval", nil)
	if err != nil || advanced {
		t.Fatalf("expected unknown correlation to be a silent no-op, got %v %v", advanced, err)
	}
}

func TestSagaCompletesWithoutCompensation(t *testing.T) {
	store := newMemoryRunStore()
	inv := newRecordingInvoker()
	executor := newTestExecutor(store, newMemoryDefinitionStore("saga", sagaDSL), &memoryTimerStore{}, inv)

	run, err := executor.Start(context.Background(), "saga", 0, nil, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	stored, _ := store.GetRun(context.Background(), run.ID)
	if stored.Status != model.RunCompleted {
		t.Fatalf("expected run completed, got %s (%s)", stored.Status, stored.LastError)
	}

	services := inv.services()
	want := []string{"inventory", "payments", "shipping"}
	if len(services) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, services)
	}
	for i := range want {
		if services[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, services)
		}
	}
}

func TestFailureCompensatesInReverseOrder(t *testing.T) {
	store := newMemoryRunStore()
	inv := newRecordingInvoker()
	inv.failures["shipping"] = errors.New("no trucks")
	executor := newTestExecutor(store, newMemoryDefinitionStore("saga", sagaDSL), &memoryTimerStore{}, inv)

	run, err := executor.Start(context.Background(), "saga", 0, nil, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	stored, _ := store.GetRun(context.Background(), run.ID)
	if stored.Status != model.RunFailed {
		t.Fatalf("expected run failed, got %s", stored.Status)
	}
	if !strings.Contains(stored.LastError, `step "ship" failed`) {
		t.Fatalf("unexpected last error %q", stored.LastError)
	}

	services := inv.services()
	want := []string{"inventory", "payments", "shipping", "payments-refund", "inventory-release"}
	if len(services) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, services)
	}
	for i := range want {
		if services[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, services)
		}
	}

	steps, _ := store.ListSteps(context.Background(), run.ID)
	compensated := 0
	for _, step := range steps {
		if step.Status == model.StepCompensated {
			compensated++
		}
	}
	if compensated != 2 {
		t.Fatalf("expected 2 compensated steps, got %d (%s)", compensated, stepStatuses(steps))
	}
}

func TestCompensationFailureStopsUnwind(t *testing.T) {
	store := newMemoryRunStore()
	inv := newRecordingInvoker()
	inv.failures["shipping"] = errors.New("no trucks")
	inv.failures["payments-refund"] = errors.New("refund rejected")
	executor := newTestExecutor(store, newMemoryDefinitionStore("saga", sagaDSL), &memoryTimerStore{}, inv)

	run, err := executor.Start(context.Background(), "saga", 0, nil, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	stored, _ := store.GetRun(context.Background(), run.ID)
	if stored.Status != model.RunFailed {
		t.Fatalf("expected run failed, got %s", stored.Status)
	}
	if !strings.Contains(stored.LastError, "compensation failed after") {
		t.Fatalf("expected distinguished compensation error, got %q", stored.LastError)
	}

	for _, service := range inv.services() {
		if service == "inventory-release" {
			t.Fatal("unwind must stop at the failed compensation action")
		}
	}
}

func TestCancelCompensatesAndCancelsTimers(t *testing.T) {
	store := newMemoryRunStore()
	timers := &memoryTimerStore{}
	inv := newRecordingInvoker()
	executor := newTestExecutor(store, newMemoryDefinitionStore("order", approvalDSL), timers, inv)

	run, _ := executor.Start(context.Background(), "order", 0, map[string]interface{}{"amount": 10}, "")

	if err := executor.Cancel(context.Background(), run.ID, "user requested"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	stored, _ := store.GetRun(context.Background(), run.ID)
	if stored.Status != model.RunCancelled {
		t.Fatalf("expected run cancelled, got %s", stored.Status)
	}
	if stored.LastError != "user requested" {
		t.Fatalf("expected reason recorded, got %q", stored.LastError)
	}
	if len(timers.pending(run.ID)) != 0 {
		t.Fatal("expected pending timers cancelled")
	}

	steps, _ := store.ListSteps(context.Background(), run.ID)
	for _, step := range steps {
		if step.StepKey == "wait" && step.Status != model.StepCancelled {
			t.Fatalf("expected paused step cancelled, got %s", step.Status)
		}
	}
}

func TestCancelLosingRaceLeavesRunResumable(t *testing.T) {
	store := newMemoryRunStore()
	timers := &memoryTimerStore{}
	executor := newTestExecutor(store, newMemoryDefinitionStore("order", approvalDSL), timers, newRecordingInvoker())

	run, _ := executor.Start(context.Background(), "order", 0, map[string]interface{}{"amount": 10}, "")

	store.failNextUpdate = true
	if err := executor.Cancel(context.Background(), run.ID, "operator request"); err != ErrConcurrentUpdate {
		t.Fatalf("expected concurrent-update error, got %v", err)
	}

	// The losing cancel must not have touched the run or its paused step.
	stored, _ := store.GetRun(context.Background(), run.ID)
	if stored.Status != model.RunPaused {
		t.Fatalf("expected run still paused, got %s", stored.Status)
	}
	steps, _ := store.ListSteps(context.Background(), run.ID)
	for _, step := range steps {
		if step.StepKey == "wait" && step.Status != model.StepPaused {
			t.Fatalf("paused step mutated by losing cancel: %s", stepStatuses(steps))
		}
	}
	if len(timers.pending(run.ID)) != 1 {
		t.Fatal("expected pending timer untouched by losing cancel")
	}

	advanced, err := executor.Signal(context.Background(), run.ID, "approval", map[string]interface{}{"approved": true})
	if err != nil {
		t.Fatalf("signal after losing cancel: %v", err)
	}
	if !advanced {
		t.Fatal("expected run still resumable after losing cancel")
	}
	stored, _ = store.GetRun(context.Background(), run.ID)
	if stored.Status != model.RunCompleted {
		t.Fatalf("expected run completed, got %s (%s)", stored.Status, stored.LastError)
	}
}

func TestCancelTerminalRunIsNoop(t *testing.T) {
	store := newMemoryRunStore()
	executor := newTestExecutor(store, newMemoryDefinitionStore("saga", sagaDSL), &memoryTimerStore{}, newRecordingInvoker())

	run, _ := executor.Start(context.Background(), "saga", 0, nil, "")

	if err := executor.Cancel(context.Background(), run.ID, "too late"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	stored, _ := store.GetRun(context.Background(), run.ID)
	if stored.Status != model.RunCompleted {
		t.Fatalf("terminal run mutated by cancel: %s", stored.Status)
	}
}

func TestUnboundedStepChainFailsRun(t *testing.T) {
	store := newMemoryRunStore()
	executor := newTestExecutor(store, newMemoryDefinitionStore("cycle", cycleDSL), &memoryTimerStore{}, newRecordingInvoker())

	run, err := executor.Start(context.Background(), "cycle", 0, nil, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	stored, _ := store.GetRun(context.Background(), run.ID)
	if stored.Status != model.RunFailed {
		t.Fatalf("expected cyclic definition to fail the run, got %s", stored.Status)
	}
	if !strings.Contains(stored.LastError, "step chain exceeded") {
		t.Fatalf("expected chain-limit error, got %q", stored.LastError)
	}
}

func TestNoMatchingTransitionFailsRun(t *testing.T) {
	const dsl = `{
	  "startAt": "wait",
	  "steps": [
	    {
	      "id": "wait",
	      "type": "WaitForEvent",
	      "config": {"signalName": "approval"},
	      "transitions": [{"to": "done", "condition": "signal.approved == true"}]
	    },
	    {"id": "done", "type": "End"}
	  ]
	}`
	store := newMemoryRunStore()
	executor := newTestExecutor(store, newMemoryDefinitionStore("strict", dsl), &memoryTimerStore{}, newRecordingInvoker())

	run, _ := executor.Start(context.Background(), "strict", 0, nil, "")

	if _, err := executor.Signal(context.Background(), run.ID, "approval", map[string]interface{}{"approved": false}); err != nil {
		t.Fatalf("signal: %v", err)
	}

	stored, _ := store.GetRun(context.Background(), run.ID)
	if stored.Status != model.RunFailed {
		t.Fatalf("expected run failed, got %s", stored.Status)
	}
	if !strings.Contains(stored.LastError, "no matching transition") {
		t.Fatalf("unexpected last error %q", stored.LastError)
	}
}

func TestStepIdempotencyKeyReachesInvoker(t *testing.T) {
	store := newMemoryRunStore()
	inv := newRecordingInvoker()
	executor := newTestExecutor(store, newMemoryDefinitionStore("saga", sagaDSL), &memoryTimerStore{}, inv)

	run, err := executor.Start(context.Background(), "saga", 0, nil, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if len(inv.calls) == 0 {
		t.Fatal("expected service invocations")
	}
	want := StepIdempotencyKey(run.ID, "reserve", 1)
	if inv.calls[0].IdempotencyKey != want {
		t.Fatalf("expected idempotency key %q, got %q", want, inv.calls[0].IdempotencyKey)
	}
}

func TestRunEventsFollowLifecycle(t *testing.T) {
	store := newMemoryRunStore()
	executor := newTestExecutor(store, newMemoryDefinitionStore("order", approvalDSL), &memoryTimerStore{}, newRecordingInvoker())

	run, _ := executor.Start(context.Background(), "order", 0, map[string]interface{}{"amount": 10}, "")
	_, _ = executor.Signal(context.Background(), run.ID, "approval", map[string]interface{}{"approved": true})

	types := store.eventTypes()
	want := []string{
		model.EventRunStarted,
		model.EventRunPaused,
		model.EventRunResumed,
		model.EventRunCompleted,
	}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, types)
		}
	}
}

func TestStartUnknownDefinition(t *testing.T) {
	store := newMemoryRunStore()
	executor := newTestExecutor(store, newMemoryDefinitionStore("order", approvalDSL), &memoryTimerStore{}, newRecordingInvoker())

	if _, err := executor.Start(context.Background(), "nope", 0, nil, ""); !errors.Is(err, ErrDefinitionNotFound) {
		t.Fatalf("expected ErrDefinitionNotFound, got %v", err)
	}
}
