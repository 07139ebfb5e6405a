package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja"
	"github.com/oliveagle/jsonpath"
)

// EvaluateCondition runs a transition condition as a JS expression against the
// execution context. Top-level context keys are visible as globals, so
// "signal.approved == true" works directly; the whole context is also exposed
// as "ctx".
func EvaluateCondition(expression string, execContext map[string]interface{}) (bool, error) {
	value, err := EvaluateExpression(expression, execContext)
	if err != nil {
		return false, err
	}
	truthy, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean", expression)
	}
	return truthy, nil
}

// EvaluateExpression evaluates a JS expression and returns its exported value.
func EvaluateExpression(expression string, execContext map[string]interface{}) (interface{}, error) {
	vm := goja.New()
	for key, value := range execContext {
		if err := vm.Set(key, value); err != nil {
			return nil, fmt.Errorf("error binding context key %q: %w", key, err)
		}
	}
	if err := vm.Set("ctx", execContext); err != nil {
		return nil, err
	}
	result, err := vm.RunString(expression)
	if err != nil {
		return nil, fmt.Errorf("error evaluating expression %q: %w", expression, err)
	}
	return result.Export(), nil
}

// MergeContext returns dst with src's keys applied on top. dst is never
// mutated; every stepping invocation works on its own copy.
func MergeContext(dst, src map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(dst)+len(src))
	for key, value := range dst {
		merged[key] = value
	}
	for key, value := range src {
		merged[key] = value
	}
	return merged
}

var paramTokenRe = regexp.MustCompile(`\{(\$[^}]*)\}`)

// ResolveParams materialises a request template against the execution context.
// String values may embed jsonpath tokens like "{$.vars.amount}"; a value that
// is exactly one token keeps the looked-up value's type, otherwise tokens are
// interpolated into the string. Maps and lists are resolved recursively.
func ResolveParams(execContext map[string]interface{}, template map[string]interface{}) map[string]interface{} {
	resolved := make(map[string]interface{}, len(template))
	for key, value := range template {
		resolved[key] = resolveValue(execContext, value)
	}
	return resolved
}

func resolveValue(execContext map[string]interface{}, value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		return ResolveParams(execContext, typed)
	case []interface{}:
		resolved := make([]interface{}, 0, len(typed))
		for _, item := range typed {
			resolved = append(resolved, resolveValue(execContext, item))
		}
		return resolved
	case string:
		return resolveString(execContext, typed)
	default:
		return value
	}
}

func resolveString(execContext map[string]interface{}, value string) interface{} {
	tokens := paramTokenRe.FindAllStringSubmatch(value, -1)
	if len(tokens) == 0 {
		return value
	}
	if len(tokens) == 1 && value == tokens[0][0] {
		looked, err := jsonpath.JsonPathLookup(execContext, tokens[0][1])
		if err != nil {
			return nil
		}
		return looked
	}
	resolved := value
	for _, token := range tokens {
		looked, err := jsonpath.JsonPathLookup(execContext, token[1])
		if err != nil {
			continue
		}
		resolved = strings.ReplaceAll(resolved, token[0], fmt.Sprintf("%v", looked))
	}
	return resolved
}
