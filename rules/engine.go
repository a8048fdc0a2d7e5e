package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Engine evaluates domain events against the active rule set. Each Handle
// invocation is independent; the only shared state is the repository's
// read cache and the rules' execution counters. Rules within one event
// are evaluated strictly in priority order so a higher-priority block can
// express intent for the ones after it.
type Engine struct {
	repo      *Repository
	evaluator *Evaluator
	executor  *Executor
	logs      ExecutionLogWriter
	metrics   *Metrics
	log       *slog.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithActionTimeout sets the per-action handler timeout.
func WithActionTimeout(d time.Duration) Option {
	return func(en *Engine) {
		en.executor.timeout = d
	}
}

// WithAggregatePolicy overrides how per-action results aggregate into an
// execution status.
func WithAggregatePolicy(p AggregatePolicy) Option {
	return func(en *Engine) {
		if p != nil {
			en.executor.aggregate = p
		}
	}
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(en *Engine) {
		en.metrics = m
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(en *Engine) {
		if l != nil {
			en.log = l
		}
	}
}

// WithClock overrides the time source. Tests use this to pin the
// effective-window evaluation point.
func WithClock(now func() time.Time) Option {
	return func(en *Engine) {
		if now != nil {
			en.now = now
		}
	}
}

// NewEngine creates a rule engine over the given repository, handler
// registry, and execution log writer.
func NewEngine(repo *Repository, registry *Registry, logs ExecutionLogWriter, opts ...Option) *Engine {
	en := &Engine{
		repo:      repo,
		evaluator: NewEvaluator(),
		executor:  NewExecutor(registry, DefaultActionTimeout, DefaultAggregate),
		logs:      logs,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(en)
	}
	return en
}

// Handle evaluates every candidate rule for the event and returns a
// per-rule outcome list reflecting exactly what happened, even when some
// rules or actions failed. It errors only when the event type is unknown
// or the rule repository itself is unavailable; per-rule faults are
// isolated into FAILURE outcomes.
func (en *Engine) Handle(ctx context.Context, event EventType, entity EntityRef, payload map[string]any) ([]RuleOutcome, error) {
	if !event.Valid() {
		return nil, fmt.Errorf("unknown event type %q", event)
	}

	start := en.now()
	defer func() {
		en.metrics.observeHandle(en.now().Sub(start))
	}()

	candidates, err := en.repo.CandidatesFor(ctx, event, start)
	if err != nil {
		return nil, err
	}

	outcomes := make([]RuleOutcome, 0, len(candidates))
	for _, rule := range candidates {
		outcome := en.handleRule(ctx, rule, event, entity, payload)
		outcomes = append(outcomes, outcome)

		en.metrics.observeEvaluation(event, outcome.Status)
		en.metrics.observeActions(outcome.Actions)

		// Best effort: a lost counter update must not fail the handle or
		// roll back applied actions.
		if err := en.repo.IncrementExecution(ctx, rule.ID, en.now()); err != nil {
			en.metrics.observeCounterFailure()
			en.log.Warn("failed to update rule execution counter",
				"rule_id", rule.ID, "error", err)
		}
	}

	return outcomes, nil
}

// handleRule runs one candidate: evaluate, execute if matched, always log.
// Any panic out of evaluation or execution is contained here as a FAILURE
// outcome for this rule only.
func (en *Engine) handleRule(ctx context.Context, rule *Rule, event EventType, entity EntityRef, payload map[string]any) (outcome RuleOutcome) {
	start := en.now()
	outcome = RuleOutcome{
		RuleID:            rule.ID,
		RuleName:          rule.Name,
		MatchedConditions: []string{},
	}

	defer func() {
		if r := recover(); r != nil {
			outcome.Status = ExecutionFailure
			outcome.Error = fmt.Sprintf("rule processing panic: %v", r)
		}
		outcome.Duration = en.now().Sub(start)
		en.writeLog(ctx, rule, event, entity, outcome)
	}()

	eval := en.evaluator.Evaluate(rule.Conditions, payload)
	outcome.Matched = eval.Matched
	outcome.MatchedConditions = eval.MatchedConditions

	if !eval.Matched {
		outcome.Status = ExecutionNotMatched
		return outcome
	}

	actx := ActionContext{Event: event, Entity: entity, Payload: payload, Rule: rule}
	results, status, blocked := en.executor.Execute(ctx, rule.Actions, actx)
	outcome.Actions = results
	outcome.Status = status
	outcome.Blocked = blocked
	return outcome
}

// writeLog appends the audit record for one evaluation attempt. Log
// persistence failures are surfaced through metrics and the logger but
// never undo applied actions or mask the outcome to the caller.
func (en *Engine) writeLog(ctx context.Context, rule *Rule, event EventType, entity EntityRef, outcome RuleOutcome) {
	entry := &ExecutionLog{
		RuleID:            rule.ID,
		EventType:         event,
		EntityType:        entity.Type,
		EntityID:          entity.ID,
		ConditionsMatched: outcome.Matched,
		MatchedConditions: outcome.MatchedConditions,
		Results:           outcome.Actions,
		Status:            outcome.Status,
		ErrorMessage:      outcome.Error,
		Duration:          outcome.Duration,
		CreatedAt:         en.now(),
	}

	if _, err := en.logs.Record(ctx, entry); err != nil {
		en.metrics.observeLogWriteFailure()
		en.log.Error("failed to write rule execution log",
			"rule_id", rule.ID, "event_type", event, "error", err)
	}
}
