package main

import (
	"time"

	"github.com/stockflow/rules/rules"
)

// ruleRequest is the JSON body for creating or updating a rule.
type ruleRequest struct {
	Name          string             `json:"name"`
	Description   string             `json:"description"`
	Category      rules.RuleCategory `json:"category"`
	Status        rules.RuleStatus   `json:"status"`
	Priority      int                `json:"priority"`
	EffectiveFrom *time.Time         `json:"effectiveFrom,omitempty"`
	EffectiveTo   *time.Time         `json:"effectiveTo,omitempty"`
	CreatedBy     string             `json:"createdBy,omitempty"`
	Conditions    []conditionRequest `json:"conditions"`
	Actions       []actionRequest    `json:"actions"`
	TriggerEvents []rules.EventType  `json:"triggerEvents"`
}

type conditionRequest struct {
	FieldName  string         `json:"fieldName"`
	Operator   rules.Operator `json:"operator"`
	Value      string         `json:"value"`
	OrderIndex int            `json:"orderIndex"`
}

type actionRequest struct {
	Type       rules.ActionType `json:"type"`
	Parameters map[string]any   `json:"parameters"`
	OrderIndex int              `json:"orderIndex"`
}

// toRule converts the request into a domain rule, applying defaults.
func (req *ruleRequest) toRule(id string) *rules.Rule {
	rule := &rules.Rule{
		ID:            id,
		Name:          req.Name,
		Description:   req.Description,
		Category:      req.Category,
		Status:        req.Status,
		Priority:      req.Priority,
		EffectiveFrom: req.EffectiveFrom,
		EffectiveTo:   req.EffectiveTo,
		CreatedBy:     req.CreatedBy,
		TriggerEvents: req.TriggerEvents,
	}
	if rule.Status == "" {
		rule.Status = rules.StatusDraft
	}
	if rule.Priority == 0 {
		rule.Priority = rules.DefaultPriority
	}
	for _, c := range req.Conditions {
		rule.Conditions = append(rule.Conditions, rules.Condition{
			FieldName:  c.FieldName,
			Operator:   c.Operator,
			Value:      c.Value,
			OrderIndex: c.OrderIndex,
		})
	}
	for _, a := range req.Actions {
		rule.Actions = append(rule.Actions, rules.Action{
			Type:       a.Type,
			Parameters: a.Parameters,
			OrderIndex: a.OrderIndex,
		})
	}
	return rule
}

// eventRequest is the JSON body for submitting a domain event.
type eventRequest struct {
	EventType rules.EventType `json:"eventType"`
	Entity    rules.EntityRef `json:"entity"`
	Payload   map[string]any  `json:"payload"`
}
