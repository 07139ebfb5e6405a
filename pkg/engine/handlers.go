package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stepflow/stepflow/pkg/dsl"
)

// BuiltinHandlers returns one handler per step archetype, ready to register.
func BuiltinHandlers(invoker TaskInvoker, actions *ActionRunner, logger *zap.Logger) []Handler {
	return []Handler{
		&DecisionHandler{},
		&CalculationHandler{},
		&ServiceTaskHandler{Invoker: invoker, Logger: logger},
		&FormHandler{},
		&HumanTaskHandler{},
		&WaitForEventHandler{},
		&TimerHandler{},
		&CompensationHandler{Actions: actions, Logger: logger},
		&EndHandler{},
	}
}

// DecisionHandler completes immediately; the routing decision is made by the
// step's transitions. An optional config expression is evaluated first and its
// result merged into the context (under config.assignTo, default "decision")
// so conditions can branch on it.
type DecisionHandler struct{}

func (h *DecisionHandler) Type() string { return dsl.StepDecision }

func (h *DecisionHandler) Execute(ctx context.Context, req Request) Outcome {
	expression, ok := req.Step.ConfigString("expression")
	if !ok {
		return Completed(nil)
	}
	value, err := EvaluateExpression(expression, req.Context)
	if err != nil {
		return Failed(err)
	}
	assignTo, ok := req.Step.ConfigString("assignTo")
	if !ok {
		assignTo = "decision"
	}
	return Completed(map[string]interface{}{assignTo: value})
}

// CalculationHandler evaluates config.expression against the context and
// merges the result. An object result merges key by key; anything else lands
// under config.assignTo (default "result").
type CalculationHandler struct{}

func (h *CalculationHandler) Type() string { return dsl.StepCalculation }

func (h *CalculationHandler) Execute(ctx context.Context, req Request) Outcome {
	expression, ok := req.Step.ConfigString("expression")
	if !ok {
		return Completed(nil)
	}
	value, err := EvaluateExpression(expression, req.Context)
	if err != nil {
		return Failed(err)
	}
	if object, ok := value.(map[string]interface{}); ok {
		return Completed(object)
	}
	assignTo, ok := req.Step.ConfigString("assignTo")
	if !ok {
		assignTo = "result"
	}
	return Completed(map[string]interface{}{assignTo: value})
}

// ServiceTaskHandler invokes an external collaborator. config.service names
// the target; config.request is a template resolved against the context.
// The per-attempt idempotency key rides along so a retried invocation does not
// double-execute on the collaborator's side.
type ServiceTaskHandler struct {
	Invoker TaskInvoker
	Logger  *zap.Logger
}

func (h *ServiceTaskHandler) Type() string { return dsl.StepServiceTask }

func (h *ServiceTaskHandler) Execute(ctx context.Context, req Request) Outcome {
	service, ok := req.Step.ConfigString("service")
	if !ok || service == "" {
		return Failed(errors.New("ServiceTask step missing config.service"))
	}
	if h.Invoker == nil {
		return Failed(errors.New("no task invoker configured"))
	}

	params := map[string]interface{}{}
	if template, ok := req.Step.Config["request"].(map[string]interface{}); ok {
		params = ResolveParams(req.Context, template)
	}

	response, err := h.Invoker.Invoke(ctx, service, params, req.IdempotencyKey)
	if err != nil {
		return Failed(fmt.Errorf("service %q invocation failed: %w", service, err))
	}

	if assignTo, ok := req.Step.ConfigString("assignTo"); ok && assignTo != "" {
		return Completed(map[string]interface{}{assignTo: response})
	}
	return Completed(response)
}

// FormHandler suspends the run until the submitted form arrives as a signal.
type FormHandler struct{}

func (h *FormHandler) Type() string { return dsl.StepForm }

func (h *FormHandler) Execute(ctx context.Context, req Request) Outcome {
	return Suspended(waitSignalName(req.Step), nil)
}

// HumanTaskHandler suspends until an operator completes the task. An optional
// config.timeoutSeconds registers an escalation deadline.
type HumanTaskHandler struct{}

func (h *HumanTaskHandler) Type() string { return dsl.StepHumanTask }

func (h *HumanTaskHandler) Execute(ctx context.Context, req Request) Outcome {
	return Suspended(waitSignalName(req.Step), timeoutTimer(req.Step))
}

// WaitForEventHandler suspends until a named external event is delivered, or
// until config.timeoutSeconds elapses and the poller delivers the timeout
// signal instead.
type WaitForEventHandler struct{}

func (h *WaitForEventHandler) Type() string { return dsl.StepWaitForEvent }

func (h *WaitForEventHandler) Execute(ctx context.Context, req Request) Outcome {
	return Suspended(waitSignalName(req.Step), timeoutTimer(req.Step))
}

// TimerHandler suspends for a fixed config.delaySeconds; the poller resumes
// the run when the deadline passes.
type TimerHandler struct{}

func (h *TimerHandler) Type() string { return dsl.StepTimer }

func (h *TimerHandler) Execute(ctx context.Context, req Request) Outcome {
	delaySeconds, ok := req.Step.ConfigInt("delaySeconds")
	if !ok || delaySeconds <= 0 {
		return Failed(errors.New("Timer step missing config.delaySeconds"))
	}
	signalName, ok := req.Step.ConfigString("signalName")
	if !ok {
		signalName = "timer.fired"
	}
	return Suspended(signalName, &TimerRequest{
		Delay:      time.Duration(delaySeconds) * time.Second,
		SignalName: signalName,
		Payload:    map[string]interface{}{"fired": true},
	})
}

// CompensationHandler is an explicit unwind point inside the graph: it runs
// its own declared compensation actions immediately and completes.
type CompensationHandler struct {
	Actions *ActionRunner
	Logger  *zap.Logger
}

func (h *CompensationHandler) Type() string { return dsl.StepCompensation }

func (h *CompensationHandler) Execute(ctx context.Context, req Request) Outcome {
	for i, action := range req.Step.Compensation {
		if err := h.Actions.Run(ctx, req.Run, req.Step.ID, i, action, req.Context); err != nil {
			return Failed(fmt.Errorf("compensation action %q failed: %w", action.Type, err))
		}
	}
	return Completed(nil)
}

// EndHandler terminates the run. config.source may pick the run output out of
// the context ("vars.total" or a bare key); without it the executor stores the
// full context as output.
type EndHandler struct{}

func (h *EndHandler) Type() string { return dsl.StepEnd }

func (h *EndHandler) Execute(ctx context.Context, req Request) Outcome {
	source, ok := req.Step.ConfigString("source")
	if !ok || source == "" {
		return Completed(nil)
	}
	value, err := EvaluateExpression(source, req.Context)
	if err != nil {
		return Failed(fmt.Errorf("End step output source %q: %w", source, err))
	}
	return Completed(map[string]interface{}{"result": value})
}

func waitSignalName(step *dsl.Step) string {
	if name, ok := step.ConfigString("signalName"); ok && name != "" {
		return name
	}
	return step.ID
}

func timeoutTimer(step *dsl.Step) *TimerRequest {
	timeoutSeconds, ok := step.ConfigInt("timeoutSeconds")
	if !ok || timeoutSeconds <= 0 {
		return nil
	}
	return &TimerRequest{
		Delay:      time.Duration(timeoutSeconds) * time.Second,
		SignalName: waitSignalName(step) + ".timeout",
		Payload:    map[string]interface{}{"timedOut": true},
	}
}
