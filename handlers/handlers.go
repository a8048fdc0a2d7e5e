// Package handlers provides built-in reference implementations of the
// action handlers the executor dispatches to. Real deployments replace
// any of them by registering their own handler for the action type; the
// engine only ever sees the registry.
package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stockflow/rules/rules"
)

// Builtin returns a registry with a reference handler for every action
// type.
func Builtin(log *slog.Logger) *rules.Registry {
	if log == nil {
		log = slog.Default()
	}

	reg := rules.NewRegistry()
	reg.Register(rules.ActionNotify, &notifyHandler{log: log})
	reg.Register(rules.ActionSetStatus, rules.HandlerFunc(setStatus))
	reg.Register(rules.ActionAlternateLocation, rules.HandlerFunc(alternateLocation))
	reg.Register(rules.ActionBlock, rules.HandlerFunc(block))
	reg.Register(rules.ActionAdjustQuantity, rules.HandlerFunc(adjustQuantity))
	reg.Register(rules.ActionCreateException, rules.HandlerFunc(createException))
	reg.Register(rules.ActionCalculateField, NewCalculateFieldHandler())
	return reg
}

// stringParam extracts a required string parameter.
func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("parameter %q must be a non-empty string", key)
	}
	return s, nil
}

type notifyHandler struct {
	log *slog.Logger
}

// Invoke emits the notification through the structured log. A production
// handler would deliver through the notification service instead.
func (h *notifyHandler) Invoke(_ context.Context, params map[string]any, actx rules.ActionContext) (rules.HandlerResult, error) {
	message, err := stringParam(params, "message")
	if err != nil {
		return rules.HandlerResult{}, err
	}
	recipient, _ := params["recipient"].(string)

	h.log.Info("rule notification",
		"rule", actx.Rule.Name,
		"event_type", actx.Event,
		"recipient", recipient,
		"message", message)
	return rules.HandlerResult{Detail: fmt.Sprintf("notified %s", recipient)}, nil
}

func setStatus(_ context.Context, params map[string]any, actx rules.ActionContext) (rules.HandlerResult, error) {
	status, err := stringParam(params, "status")
	if err != nil {
		return rules.HandlerResult{}, err
	}
	return rules.HandlerResult{
		Detail: fmt.Sprintf("set %s %s status to %s", actx.Entity.Type, actx.Entity.ID, status),
	}, nil
}

func alternateLocation(_ context.Context, params map[string]any, _ rules.ActionContext) (rules.HandlerResult, error) {
	location, err := stringParam(params, "location")
	if err != nil {
		return rules.HandlerResult{}, err
	}
	return rules.HandlerResult{Detail: fmt.Sprintf("redirected to location %s", location)}, nil
}

// block signals the terminal blocking directive. The caller of Handle is
// expected to reject the enclosing domain operation when it sees the
// blocked outcome.
func block(_ context.Context, params map[string]any, _ rules.ActionContext) (rules.HandlerResult, error) {
	reason, _ := params["reason"].(string)
	if reason == "" {
		reason = "blocked by rule"
	}
	return rules.HandlerResult{Detail: reason, Block: true}, nil
}

func adjustQuantity(_ context.Context, params map[string]any, actx rules.ActionContext) (rules.HandlerResult, error) {
	delta, ok := params["delta"]
	if !ok {
		return rules.HandlerResult{}, fmt.Errorf("missing required parameter %q", "delta")
	}
	amount, ok := delta.(float64)
	if !ok {
		return rules.HandlerResult{}, fmt.Errorf("parameter %q must be numeric", "delta")
	}
	return rules.HandlerResult{
		Detail: fmt.Sprintf("adjusted %s %s quantity by %+g", actx.Entity.Type, actx.Entity.ID, amount),
	}, nil
}

func createException(_ context.Context, params map[string]any, actx rules.ActionContext) (rules.HandlerResult, error) {
	message, err := stringParam(params, "message")
	if err != nil {
		return rules.HandlerResult{}, err
	}
	severity, _ := params["severity"].(string)
	if severity == "" {
		severity = "medium"
	}
	return rules.HandlerResult{
		Detail: fmt.Sprintf("exception (%s) for %s %s: %s", severity, actx.Entity.Type, actx.Entity.ID, message),
	}, nil
}
