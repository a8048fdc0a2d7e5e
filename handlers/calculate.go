package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/stockflow/rules/rules"
)

// CalculateFieldHandler implements the calculate_field action with CEL.
// The "expression" parameter is evaluated against the event payload
// (bound as `event`) and the result is written into the payload under
// "target_field", where later actions of the same rule can read it.
type CalculateFieldHandler struct {
	env      *cel.Env
	programs map[string]cel.Program // expression -> compiled program
	mu       sync.RWMutex
}

// NewCalculateFieldHandler creates the handler with its CEL environment.
func NewCalculateFieldHandler() *CalculateFieldHandler {
	// Payloads are schemaless maps, so the event binds as a dynamic type.
	env, err := cel.NewEnv(cel.Variable("event", cel.DynType))
	if err != nil {
		// The environment is static; this only fails on programmer error.
		panic(fmt.Sprintf("failed to create CEL environment: %v", err))
	}
	return &CalculateFieldHandler{
		env:      env,
		programs: make(map[string]cel.Program),
	}
}

// Invoke compiles (or reuses) the expression and evaluates it.
func (h *CalculateFieldHandler) Invoke(_ context.Context, params map[string]any, actx rules.ActionContext) (rules.HandlerResult, error) {
	expression, err := stringParam(params, "expression")
	if err != nil {
		return rules.HandlerResult{}, err
	}
	target, err := stringParam(params, "target_field")
	if err != nil {
		return rules.HandlerResult{}, err
	}

	prog, err := h.program(expression)
	if err != nil {
		return rules.HandlerResult{}, err
	}

	out, _, err := prog.Eval(map[string]any{"event": actx.Payload})
	if err != nil {
		return rules.HandlerResult{}, fmt.Errorf("expression evaluation failed: %w", err)
	}

	value := out.Value()
	if actx.Payload != nil {
		actx.Payload[target] = value
	}
	return rules.HandlerResult{Detail: fmt.Sprintf("%s = %v", target, value)}, nil
}

// program returns the compiled program for an expression, compiling and
// caching it on first use.
func (h *CalculateFieldHandler) program(expression string) (cel.Program, error) {
	h.mu.RLock()
	prog, ok := h.programs[expression]
	h.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := h.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	// Cost limit keeps a pathological expression from stalling the batch.
	prog, err := h.env.Program(ast, cel.CostLimit(1000000))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	h.mu.Lock()
	h.programs[expression] = prog
	h.mu.Unlock()
	return prog, nil
}
