package rules

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// DefaultActionTimeout bounds how long the executor waits for one handler.
const DefaultActionTimeout = 5 * time.Second

// ActionContext carries the triggering event and matched rule to handlers.
type ActionContext struct {
	Event   EventType
	Entity  EntityRef
	Payload map[string]any
	Rule    *Rule
}

// HandlerResult is what an action handler reports back. Block is honored
// only for block-type actions: it stops the remaining actions of the rule
// and is surfaced to the caller, which is expected to reject the enclosing
// domain operation. The engine itself does not enforce blocking.
type HandlerResult struct {
	Detail string
	Block  bool
}

// ActionHandler performs the side effect for one action type. Handlers
// live outside the engine; the executor only dispatches by type tag.
// Handlers should be safe to retry at the caller's discretion.
type ActionHandler interface {
	Invoke(ctx context.Context, params map[string]any, actx ActionContext) (HandlerResult, error)
}

// HandlerFunc adapts a function to the ActionHandler interface.
type HandlerFunc func(ctx context.Context, params map[string]any, actx ActionContext) (HandlerResult, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, params map[string]any, actx ActionContext) (HandlerResult, error) {
	return f(ctx, params, actx)
}

// Registry is the action-type → handler dispatch table, built once at
// startup from the external handler set.
type Registry struct {
	handlers map[ActionType]ActionHandler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[ActionType]ActionHandler)}
}

// Register binds a handler to an action type, replacing any previous one.
func (r *Registry) Register(t ActionType, h ActionHandler) {
	r.handlers[t] = h
}

// Handler returns the handler for an action type.
func (r *Registry) Handler(t ActionType) (ActionHandler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// AggregatePolicy derives the overall execution status from per-action
// results. The default follows continue-on-failure semantics; deployments
// with different business requirements can substitute their own.
type AggregatePolicy func(results []ActionResult) ExecutionStatus

// DefaultAggregate marks the execution SUCCESS if every action succeeded,
// FAILURE if every action failed, PARTIAL otherwise. An empty action list
// counts as SUCCESS.
func DefaultAggregate(results []ActionResult) ExecutionStatus {
	if len(results) == 0 {
		return ExecutionSuccess
	}
	succeeded := 0
	for _, res := range results {
		if res.Status == ActionSucceeded {
			succeeded++
		}
	}
	switch succeeded {
	case len(results):
		return ExecutionSuccess
	case 0:
		return ExecutionFailure
	default:
		return ExecutionPartial
	}
}

// StrictAggregate marks the execution FAILURE as soon as any action
// failed; there is no PARTIAL. An empty action list counts as SUCCESS.
func StrictAggregate(results []ActionResult) ExecutionStatus {
	for _, res := range results {
		if res.Status != ActionSucceeded {
			return ExecutionFailure
		}
	}
	return ExecutionSuccess
}

// Executor dispatches a matched rule's ordered action list to registered
// handlers, collecting per-action results.
type Executor struct {
	registry  *Registry
	timeout   time.Duration
	aggregate AggregatePolicy
}

// NewExecutor creates an executor over the given handler registry.
func NewExecutor(registry *Registry, timeout time.Duration, aggregate AggregatePolicy) *Executor {
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	if aggregate == nil {
		aggregate = DefaultAggregate
	}
	return &Executor{registry: registry, timeout: timeout, aggregate: aggregate}
}

// Execute runs actions strictly in ascending order index. A failed action
// does not stop the ones after it; only a block directive from a
// block-type action is terminal. Returns the per-action results, the
// aggregated status, and whether a block was signaled.
func (x *Executor) Execute(ctx context.Context, actions []Action, actx ActionContext) ([]ActionResult, ExecutionStatus, bool) {
	ordered := make([]Action, len(actions))
	copy(ordered, actions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].OrderIndex < ordered[j].OrderIndex
	})

	results := make([]ActionResult, 0, len(ordered))
	blocked := false

	for _, action := range ordered {
		res := x.executeOne(ctx, action, actx)
		results = append(results, res.result)
		if action.Type == ActionBlock && res.block {
			blocked = true
			break
		}
	}

	return results, x.aggregate(results), blocked
}

type invocation struct {
	result ActionResult
	block  bool
}

// executeOne dispatches a single action with a timeout. A handler that
// outlives the timeout is abandoned, not cancelled mid-flight; its side
// effects may still complete after the executor gives up.
func (x *Executor) executeOne(ctx context.Context, action Action, actx ActionContext) invocation {
	start := time.Now()
	fail := func(errMsg string) invocation {
		return invocation{result: ActionResult{
			ActionID: action.ID,
			Type:     action.Type,
			Status:   ActionFailed,
			Error:    errMsg,
			Duration: time.Since(start),
		}}
	}

	handler, ok := x.registry.Handler(action.Type)
	if !ok {
		return fail(fmt.Sprintf("no handler registered for action type %q", action.Type))
	}
	if action.Parameters == nil {
		return fail("action parameters missing")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	type handlerReturn struct {
		res HandlerResult
		err error
	}
	done := make(chan handlerReturn, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerReturn{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := handler.Invoke(timeoutCtx, action.Parameters, actx)
		done <- handlerReturn{res: res, err: err}
	}()

	select {
	case ret := <-done:
		if ret.err != nil {
			return fail(ret.err.Error())
		}
		return invocation{
			result: ActionResult{
				ActionID: action.ID,
				Type:     action.Type,
				Status:   ActionSucceeded,
				Detail:   ret.res.Detail,
				Duration: time.Since(start),
			},
			block: ret.res.Block,
		}
	case <-timeoutCtx.Done():
		return fail(fmt.Sprintf("handler timed out after %s", x.timeout))
	}
}
