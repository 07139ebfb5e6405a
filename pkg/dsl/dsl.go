// Package dsl defines the declarative step-graph document a workflow version
// stores as opaque JSON, plus publish-time validation.
package dsl

import (
	"encoding/json"
	"fmt"
)

// Step archetypes with built-in handlers. A document referencing any other
// type fails validation.
const (
	StepDecision     = "Decision"
	StepForm         = "Form"
	StepServiceTask  = "ServiceTask"
	StepHumanTask    = "HumanTask"
	StepCalculation  = "Calculation"
	StepWaitForEvent = "WaitForEvent"
	StepTimer        = "Timer"
	StepCompensation = "Compensation"
	StepEnd          = "End"
)

type Workflow struct {
	StartAt string                 `json:"startAt"`
	Steps   []Step                 `json:"steps"`
	Inputs  map[string]interface{} `json:"inputs,omitempty"`
}

type Step struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Name         string                 `json:"name,omitempty"`
	Transitions  []Transition           `json:"transitions,omitempty"`
	Config       map[string]interface{} `json:"config,omitempty"`
	Compensation []CompensationAction   `json:"compensation,omitempty"`
}

// Transition is a directed edge evaluated against the execution context.
// An empty Condition always matches.
type Transition struct {
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

type CompensationAction struct {
	Type   string                 `json:"type"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// Parse decodes a DSL document. Parsing only checks well-formedness; graph
// consistency is the validator's job.
func Parse(dslJSON string) (*Workflow, error) {
	var wf Workflow
	if err := json.Unmarshal([]byte(dslJSON), &wf); err != nil {
		return nil, fmt.Errorf("invalid workflow dsl: %w", err)
	}
	return &wf, nil
}

// FindStep returns the step with the given id, or nil.
func (w *Workflow) FindStep(id string) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// ConfigString reads a string config value, with ok reporting presence.
func (s *Step) ConfigString(key string) (string, bool) {
	if s.Config == nil {
		return "", false
	}
	value, ok := s.Config[key].(string)
	return value, ok
}

// ConfigInt reads a numeric config value. JSON numbers decode as float64.
func (s *Step) ConfigInt(key string) (int, bool) {
	if s.Config == nil {
		return 0, false
	}
	switch value := s.Config[key].(type) {
	case float64:
		return int(value), true
	case int:
		return value, true
	default:
		return 0, false
	}
}
