package rules

import (
	"fmt"
	"time"
)

// RuleCategory classifies what part of warehouse operations a rule governs.
type RuleCategory string

const (
	CategoryAllocation   RuleCategory = "allocation"
	CategoryPicking      RuleCategory = "picking"
	CategoryShipping     RuleCategory = "shipping"
	CategoryInventory    RuleCategory = "inventory"
	CategoryValidation   RuleCategory = "validation"
	CategoryNotification RuleCategory = "notification"
)

// Valid reports whether c is one of the known categories.
func (c RuleCategory) Valid() bool {
	switch c {
	case CategoryAllocation, CategoryPicking, CategoryShipping,
		CategoryInventory, CategoryValidation, CategoryNotification:
		return true
	}
	return false
}

// RuleStatus is the lifecycle state of a rule. Only active rules are
// ever selected for evaluation.
type RuleStatus string

const (
	StatusDraft    RuleStatus = "draft"
	StatusActive   RuleStatus = "active"
	StatusInactive RuleStatus = "inactive"
)

// Valid reports whether s is one of the known statuses.
func (s RuleStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusInactive:
		return true
	}
	return false
}

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpIsNull      Operator = "is_null"
	OpNotNull     Operator = "not_null"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

// Valid reports whether o is one of the known operators.
func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains,
		OpStartsWith, OpEndsWith, OpIsNull, OpNotNull, OpIn, OpNotIn:
		return true
	}
	return false
}

// ActionType identifies which external handler an action dispatches to.
type ActionType string

const (
	ActionNotify            ActionType = "notify"
	ActionSetStatus         ActionType = "set_status"
	ActionAlternateLocation ActionType = "alternate_location"
	ActionBlock             ActionType = "block"
	ActionAdjustQuantity    ActionType = "adjust_quantity"
	ActionCreateException   ActionType = "create_exception"
	ActionCalculateField    ActionType = "calculate_field"
)

// Valid reports whether a is one of the known action types.
func (a ActionType) Valid() bool {
	switch a {
	case ActionNotify, ActionSetStatus, ActionAlternateLocation, ActionBlock,
		ActionAdjustQuantity, ActionCreateException, ActionCalculateField:
		return true
	}
	return false
}

// EventType is a domain occurrence that triggers candidate rule evaluation.
type EventType string

const (
	EventOrderCreated      EventType = "order_created"
	EventOrderUpdated      EventType = "order_updated"
	EventOrderCancelled    EventType = "order_cancelled"
	EventOrderShipped      EventType = "order_shipped"
	EventItemPicked        EventType = "item_picked"
	EventExceptionReported EventType = "exception_reported"
	EventInventoryLow      EventType = "inventory_low"
	EventUserLogin         EventType = "user_login"
	EventCustom            EventType = "custom"
)

// Valid reports whether e is one of the known event types.
func (e EventType) Valid() bool {
	switch e {
	case EventOrderCreated, EventOrderUpdated, EventOrderCancelled,
		EventOrderShipped, EventItemPicked, EventExceptionReported,
		EventInventoryLow, EventUserLogin, EventCustom:
		return true
	}
	return false
}

const (
	// MinPriority is the highest-urgency priority value.
	MinPriority = 1
	// MaxPriority is the lowest-urgency priority value.
	MaxPriority = 10
	// DefaultPriority is assigned when a rule does not specify one.
	DefaultPriority = 5
)

// Rule is a declarative condition/action definition bound to one or more
// trigger events. A rule with no trigger events is inert and never selected.
type Rule struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	Category       RuleCategory `json:"category"`
	Status         RuleStatus   `json:"status"`
	Priority       int          `json:"priority"`
	EffectiveFrom  *time.Time   `json:"effectiveFrom,omitempty"`
	EffectiveTo    *time.Time   `json:"effectiveTo,omitempty"`
	Version        int          `json:"version"`
	CreatedBy      string       `json:"createdBy,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	ExecutionCount int64        `json:"executionCount"`
	LastExecutedAt *time.Time   `json:"lastExecutedAt,omitempty"`

	Conditions    []Condition `json:"conditions"`
	Actions       []Action    `json:"actions"`
	TriggerEvents []EventType `json:"triggerEvents"`
}

// InEffect reports whether the rule's effective-date window (if any)
// contains t. Rules without a window are always in effect.
func (r *Rule) InEffect(t time.Time) bool {
	if r.EffectiveFrom != nil && t.Before(*r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && t.After(*r.EffectiveTo) {
		return false
	}
	return true
}

// BoundTo reports whether the rule is bound to the given event type.
func (r *Rule) BoundTo(event EventType) bool {
	for _, e := range r.TriggerEvents {
		if e == event {
			return true
		}
	}
	return false
}

// Validate checks a rule definition before it is accepted by the authoring
// surface. Validation never runs during event handling.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if !r.Category.Valid() {
		return fmt.Errorf("invalid rule category %q (must be one of: allocation, picking, shipping, inventory, validation, notification)", r.Category)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("invalid rule status %q (must be one of: draft, active, inactive)", r.Status)
	}
	if r.Priority < MinPriority || r.Priority > MaxPriority {
		return fmt.Errorf("rule priority %d out of range [%d, %d]", r.Priority, MinPriority, MaxPriority)
	}
	if r.EffectiveFrom != nil && r.EffectiveTo != nil && r.EffectiveTo.Before(*r.EffectiveFrom) {
		return fmt.Errorf("effective window ends before it starts")
	}
	for i, c := range r.Conditions {
		if c.FieldName == "" && c.Operator != OpIsNull && c.Operator != OpNotNull {
			return fmt.Errorf("condition %d: field name is required", i)
		}
		if !c.Operator.Valid() {
			return fmt.Errorf("condition %d: invalid operator %q", i, c.Operator)
		}
	}
	for i, a := range r.Actions {
		if !a.Type.Valid() {
			return fmt.Errorf("action %d: invalid action type %q", i, a.Type)
		}
	}
	for i, e := range r.TriggerEvents {
		if !e.Valid() {
			return fmt.Errorf("trigger event %d: invalid event type %q", i, e)
		}
	}
	return nil
}

// Condition is a single field/operator/value predicate. Conditions for a
// rule are AND-combined in ascending OrderIndex; there is no OR or grouping.
type Condition struct {
	ID         string   `json:"id"`
	RuleID     string   `json:"ruleId,omitempty"`
	FieldName  string   `json:"fieldName"`
	Operator   Operator `json:"operator"`
	Value      string   `json:"value"`
	OrderIndex int      `json:"orderIndex"`
}

// Action is a typed, parameterized instruction executed after its rule
// matches. Actions execute in ascending OrderIndex.
type Action struct {
	ID         string         `json:"id"`
	RuleID     string         `json:"ruleId,omitempty"`
	Type       ActionType     `json:"type"`
	Parameters map[string]any `json:"parameters"`
	OrderIndex int            `json:"orderIndex"`
}

// EntityRef identifies the warehouse entity an event concerns. Events such
// as user_login carry no entity; both fields may be empty.
type EntityRef struct {
	Type string `json:"type,omitempty"`
	ID   string `json:"id,omitempty"`
}

// ActionStatus is the outcome of a single action dispatch.
type ActionStatus string

const (
	ActionSucceeded ActionStatus = "succeeded"
	ActionFailed    ActionStatus = "failed"
)

// ActionResult records the outcome of dispatching one action.
type ActionResult struct {
	ActionID string       `json:"actionId"`
	Type     ActionType   `json:"type"`
	Status   ActionStatus `json:"status"`
	Detail   string       `json:"detail,omitempty"`
	Error    string       `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ExecutionStatus is the aggregate outcome of one rule evaluation attempt.
type ExecutionStatus string

const (
	ExecutionSuccess    ExecutionStatus = "SUCCESS"
	ExecutionPartial    ExecutionStatus = "PARTIAL"
	ExecutionFailure    ExecutionStatus = "FAILURE"
	ExecutionNotMatched ExecutionStatus = "NOT_MATCHED"
)

// RuleOutcome is the per-rule result returned by Engine.Handle.
type RuleOutcome struct {
	RuleID            string          `json:"ruleId"`
	RuleName          string          `json:"ruleName"`
	Matched           bool            `json:"matched"`
	MatchedConditions []string        `json:"matchedConditions"`
	Status            ExecutionStatus `json:"status"`
	Actions           []ActionResult  `json:"actions,omitempty"`
	Blocked           bool            `json:"blocked,omitempty"`
	Error             string          `json:"error,omitempty"`
	Duration          time.Duration   `json:"duration"`
}

// ExecutionLog is the immutable audit record of one rule evaluation attempt
// against one event instance. Entries are created once and never updated;
// retention is an external concern.
type ExecutionLog struct {
	ID                string          `json:"id"`
	RuleID            string          `json:"ruleId"`
	EventType         EventType       `json:"eventType"`
	EntityType        string          `json:"entityType,omitempty"`
	EntityID          string          `json:"entityId,omitempty"`
	ConditionsMatched bool            `json:"conditionsMatched"`
	MatchedConditions []string        `json:"matchedConditions"`
	Results           []ActionResult  `json:"results,omitempty"`
	Status            ExecutionStatus `json:"status"`
	ErrorMessage      string          `json:"errorMessage,omitempty"`
	Duration          time.Duration   `json:"duration"`
	CreatedAt         time.Time       `json:"createdAt"`
}
