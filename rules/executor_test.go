package rules

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler appends each invocation to calls and returns a canned
// result.
type recordingHandler struct {
	calls *[]string
	name  string
	res   HandlerResult
	err   error
}

func (h *recordingHandler) Invoke(_ context.Context, _ map[string]any, _ ActionContext) (HandlerResult, error) {
	*h.calls = append(*h.calls, h.name)
	return h.res, h.err
}

func params() map[string]any {
	return map[string]any{"k": "v"}
}

func TestExecuteRunsActionsInOrder(t *testing.T) {
	var calls []string
	reg := NewRegistry()
	reg.Register(ActionNotify, &recordingHandler{calls: &calls, name: "notify"})
	reg.Register(ActionSetStatus, &recordingHandler{calls: &calls, name: "set_status"})
	x := NewExecutor(reg, time.Second, nil)

	actions := []Action{
		{ID: "a2", Type: ActionNotify, Parameters: params(), OrderIndex: 2},
		{ID: "a1", Type: ActionSetStatus, Parameters: params(), OrderIndex: 1},
	}

	results, status, blocked := x.Execute(context.Background(), actions, ActionContext{})

	require.Len(t, results, 2)
	assert.Equal(t, []string{"set_status", "notify"}, calls)
	assert.Equal(t, "a1", results[0].ActionID)
	assert.Equal(t, "a2", results[1].ActionID)
	assert.Equal(t, ExecutionSuccess, status)
	assert.False(t, blocked)
}

func TestExecuteContinuesAfterFailure(t *testing.T) {
	var calls []string
	reg := NewRegistry()
	reg.Register(ActionNotify, &recordingHandler{calls: &calls, name: "notify", err: errors.New("smtp down")})
	reg.Register(ActionSetStatus, &recordingHandler{calls: &calls, name: "set_status"})
	x := NewExecutor(reg, time.Second, nil)

	actions := []Action{
		{ID: "a1", Type: ActionNotify, Parameters: params(), OrderIndex: 0},
		{ID: "a2", Type: ActionSetStatus, Parameters: params(), OrderIndex: 1},
	}

	results, status, _ := x.Execute(context.Background(), actions, ActionContext{})

	require.Len(t, results, 2)
	assert.Equal(t, ActionFailed, results[0].Status)
	assert.Contains(t, results[0].Error, "smtp down")
	assert.Equal(t, ActionSucceeded, results[1].Status)
	assert.Equal(t, ExecutionPartial, status)
}

func TestExecuteAllFailedIsFailure(t *testing.T) {
	reg := NewRegistry()
	var calls []string
	reg.Register(ActionNotify, &recordingHandler{calls: &calls, name: "notify", err: errors.New("boom")})
	x := NewExecutor(reg, time.Second, nil)

	actions := []Action{
		{ID: "a1", Type: ActionNotify, Parameters: params(), OrderIndex: 0},
		{ID: "a2", Type: ActionNotify, Parameters: params(), OrderIndex: 1},
	}

	_, status, _ := x.Execute(context.Background(), actions, ActionContext{})
	assert.Equal(t, ExecutionFailure, status)
}

func TestExecuteEmptyActionListIsSuccess(t *testing.T) {
	x := NewExecutor(NewRegistry(), time.Second, nil)

	results, status, blocked := x.Execute(context.Background(), nil, ActionContext{})

	assert.Empty(t, results)
	assert.Equal(t, ExecutionSuccess, status)
	assert.False(t, blocked)
}

func TestExecuteBlockStopsRemainingActions(t *testing.T) {
	var calls []string
	reg := NewRegistry()
	reg.Register(ActionBlock, &recordingHandler{calls: &calls, name: "block", res: HandlerResult{Detail: "credit hold", Block: true}})
	reg.Register(ActionNotify, &recordingHandler{calls: &calls, name: "notify"})
	x := NewExecutor(reg, time.Second, nil)

	actions := []Action{
		{ID: "a1", Type: ActionBlock, Parameters: params(), OrderIndex: 0},
		{ID: "a2", Type: ActionNotify, Parameters: params(), OrderIndex: 1},
	}

	results, _, blocked := x.Execute(context.Background(), actions, ActionContext{})

	assert.True(t, blocked)
	require.Len(t, results, 1)
	assert.Equal(t, "a1", results[0].ActionID)
	assert.Equal(t, []string{"block"}, calls)
}

func TestExecuteBlockDirectiveIgnoredFromNonBlockAction(t *testing.T) {
	var calls []string
	reg := NewRegistry()
	// A misbehaving handler signaling block from a notify action must not
	// stop the batch.
	reg.Register(ActionNotify, &recordingHandler{calls: &calls, name: "notify", res: HandlerResult{Block: true}})
	reg.Register(ActionSetStatus, &recordingHandler{calls: &calls, name: "set_status"})
	x := NewExecutor(reg, time.Second, nil)

	actions := []Action{
		{ID: "a1", Type: ActionNotify, Parameters: params(), OrderIndex: 0},
		{ID: "a2", Type: ActionSetStatus, Parameters: params(), OrderIndex: 1},
	}

	results, _, blocked := x.Execute(context.Background(), actions, ActionContext{})

	assert.False(t, blocked)
	assert.Len(t, results, 2)
}

func TestExecuteMissingHandlerFailsAction(t *testing.T) {
	x := NewExecutor(NewRegistry(), time.Second, nil)

	results, status, _ := x.Execute(context.Background(), []Action{
		{ID: "a1", Type: ActionNotify, Parameters: params()},
	}, ActionContext{})

	require.Len(t, results, 1)
	assert.Equal(t, ActionFailed, results[0].Status)
	assert.Contains(t, results[0].Error, "no handler registered")
	assert.Equal(t, ExecutionFailure, status)
}

func TestExecuteMissingParametersFailsAction(t *testing.T) {
	var calls []string
	reg := NewRegistry()
	reg.Register(ActionNotify, &recordingHandler{calls: &calls, name: "notify"})
	x := NewExecutor(reg, time.Second, nil)

	results, _, _ := x.Execute(context.Background(), []Action{
		{ID: "a1", Type: ActionNotify, Parameters: nil},
	}, ActionContext{})

	require.Len(t, results, 1)
	assert.Equal(t, ActionFailed, results[0].Status)
	assert.Empty(t, calls, "handler must not be invoked without parameters")
}

func TestExecuteTimesOutSlowHandler(t *testing.T) {
	reg := NewRegistry()
	reg.Register(ActionNotify, HandlerFunc(func(ctx context.Context, _ map[string]any, _ ActionContext) (HandlerResult, error) {
		select {
		case <-time.After(5 * time.Second):
			return HandlerResult{}, nil
		case <-ctx.Done():
			return HandlerResult{}, ctx.Err()
		}
	}))
	x := NewExecutor(reg, 50*time.Millisecond, nil)

	start := time.Now()
	results, status, _ := x.Execute(context.Background(), []Action{
		{ID: "a1", Type: ActionNotify, Parameters: params()},
	}, ActionContext{})

	require.Len(t, results, 1)
	assert.Equal(t, ActionFailed, results[0].Status)
	assert.Contains(t, results[0].Error, "timed out")
	assert.Equal(t, ExecutionFailure, status)
	assert.Less(t, time.Since(start), 2*time.Second, "executor must not wait for the abandoned handler")
}

func TestExecuteRecoversFromPanickingHandler(t *testing.T) {
	reg := NewRegistry()
	reg.Register(ActionNotify, HandlerFunc(func(context.Context, map[string]any, ActionContext) (HandlerResult, error) {
		panic("handler bug")
	}))
	x := NewExecutor(reg, time.Second, nil)

	results, status, _ := x.Execute(context.Background(), []Action{
		{ID: "a1", Type: ActionNotify, Parameters: params()},
	}, ActionContext{})

	require.Len(t, results, 1)
	assert.Equal(t, ActionFailed, results[0].Status)
	assert.Contains(t, results[0].Error, "handler panic")
	assert.Equal(t, ExecutionFailure, status)
}

func TestCustomAggregatePolicy(t *testing.T) {
	reg := NewRegistry()
	var calls []string
	reg.Register(ActionNotify, &recordingHandler{calls: &calls, name: "notify", err: errors.New("boom")})

	// Strict policy: any failure fails the execution outright.
	strict := func(results []ActionResult) ExecutionStatus {
		for _, res := range results {
			if res.Status == ActionFailed {
				return ExecutionFailure
			}
		}
		return ExecutionSuccess
	}
	x := NewExecutor(reg, time.Second, strict)

	reg.Register(ActionSetStatus, &recordingHandler{calls: &calls, name: "set_status"})
	_, status, _ := x.Execute(context.Background(), []Action{
		{ID: "a1", Type: ActionNotify, Parameters: params(), OrderIndex: 0},
		{ID: "a2", Type: ActionSetStatus, Parameters: params(), OrderIndex: 1},
	}, ActionContext{})

	assert.Equal(t, ExecutionFailure, status)
}

func TestDefaultAggregate(t *testing.T) {
	ok := ActionResult{Status: ActionSucceeded}
	bad := ActionResult{Status: ActionFailed}

	testCases := []struct {
		name    string
		results []ActionResult
		want    ExecutionStatus
	}{
		{"empty", nil, ExecutionSuccess},
		{"all succeeded", []ActionResult{ok, ok}, ExecutionSuccess},
		{"all failed", []ActionResult{bad, bad}, ExecutionFailure},
		{"mixed", []ActionResult{bad, ok}, ExecutionPartial},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DefaultAggregate(tc.results))
		})
	}
}

func TestStrictAggregate(t *testing.T) {
	ok := ActionResult{Status: ActionSucceeded}
	bad := ActionResult{Status: ActionFailed}

	testCases := []struct {
		name    string
		results []ActionResult
		want    ExecutionStatus
	}{
		{"empty", nil, ExecutionSuccess},
		{"all succeeded", []ActionResult{ok, ok}, ExecutionSuccess},
		{"all failed", []ActionResult{bad, bad}, ExecutionFailure},
		{"one failure is enough", []ActionResult{ok, bad, ok}, ExecutionFailure},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StrictAggregate(tc.results))
		})
	}
}

func TestExecuteResultsCarryActionMetadata(t *testing.T) {
	reg := NewRegistry()
	reg.Register(ActionSetStatus, HandlerFunc(func(_ context.Context, p map[string]any, _ ActionContext) (HandlerResult, error) {
		return HandlerResult{Detail: fmt.Sprintf("status=%v", p["status"])}, nil
	}))
	x := NewExecutor(reg, time.Second, nil)

	results, _, _ := x.Execute(context.Background(), []Action{
		{ID: "a1", Type: ActionSetStatus, Parameters: map[string]any{"status": "APPROVAL_REQUIRED"}},
	}, ActionContext{})

	require.Len(t, results, 1)
	assert.Equal(t, ActionSetStatus, results[0].Type)
	assert.Equal(t, "status=APPROVAL_REQUIRED", results[0].Detail)
	assert.NotZero(t, results[0].Duration)
}
