package dsl

import "fmt"

var builtinTypes = map[string]bool{
	StepDecision:     true,
	StepForm:         true,
	StepServiceTask:  true,
	StepHumanTask:    true,
	StepCalculation:  true,
	StepWaitForEvent: true,
	StepTimer:        true,
	StepCompensation: true,
	StepEnd:          true,
}

type Validator struct {
	knownTypes map[string]bool
}

// NewValidator validates against the built-in step archetypes.
func NewValidator() *Validator {
	return &Validator{knownTypes: builtinTypes}
}

// NewValidatorWithTypes validates against an explicit handler-type set, for
// callers that register custom step handlers.
func NewValidatorWithTypes(types []string) *Validator {
	known := make(map[string]bool, len(types))
	for _, t := range types {
		known[t] = true
	}
	return &Validator{knownTypes: known}
}

// Validate returns every violation found in the document. An empty slice
// means the version may be published. Violations are data, not errors, so
// the caller can surface all of them at once.
func (v *Validator) Validate(wf *Workflow) []string {
	var violations []string

	if len(wf.Steps) == 0 {
		violations = append(violations, "workflow has no steps")
		return violations
	}

	ids := make(map[string]bool, len(wf.Steps))
	for _, step := range wf.Steps {
		if step.ID == "" {
			violations = append(violations, "step with empty id")
			continue
		}
		if ids[step.ID] {
			violations = append(violations, fmt.Sprintf("duplicate step id %q", step.ID))
		}
		ids[step.ID] = true
	}

	if wf.StartAt == "" {
		violations = append(violations, "startAt is required")
	} else if !ids[wf.StartAt] {
		violations = append(violations, fmt.Sprintf("startAt references unknown step %q", wf.StartAt))
	}

	for _, step := range wf.Steps {
		if !v.knownTypes[step.Type] {
			violations = append(violations, fmt.Sprintf("step %q has unknown type %q", step.ID, step.Type))
		}
		for _, tr := range step.Transitions {
			if tr.To == "" {
				violations = append(violations, fmt.Sprintf("step %q has transition with empty target", step.ID))
				continue
			}
			if !ids[tr.To] {
				violations = append(violations, fmt.Sprintf("step %q transition references unknown step %q", step.ID, tr.To))
			}
		}
		for _, action := range step.Compensation {
			if action.Type == "" {
				violations = append(violations, fmt.Sprintf("step %q has compensation action with empty type", step.ID))
			}
		}
	}

	return violations
}

// ValidateJSON parses and validates in one call; a parse failure is returned
// as a single violation.
func (v *Validator) ValidateJSON(dslJSON string) []string {
	wf, err := Parse(dslJSON)
	if err != nil {
		return []string{err.Error()}
	}
	return v.Validate(wf)
}
