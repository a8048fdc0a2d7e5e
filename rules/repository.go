package rules

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Repository loads rule definitions and caches candidate lists keyed by
// trigger event type. All authoring mutations must go through it so the
// cache is invalidated for the affected event types.
type Repository struct {
	store RuleStore
	cache CandidateCache
}

// NewRepository creates a repository over a store with the given cache.
// Pass nil to disable caching.
func NewRepository(store RuleStore, cache CandidateCache) *Repository {
	return &Repository{store: store, cache: cache}
}

// CandidatesFor returns the rules to evaluate for an event: active, bound
// to the event type, and in their effective window at asOf. Ordered by
// priority ascending (1 first), then creation time ascending. Returns an
// empty slice, never an error, when nothing matches.
//
// The cache holds the active+bound list; the date-window filter applies
// per call so a cached rule whose window lapses is still excluded.
func (r *Repository) CandidatesFor(ctx context.Context, event EventType, asOf time.Time) ([]*Rule, error) {
	var bound []*Rule
	if r.cache != nil {
		bound = r.cache.Get(event)
	}
	if bound == nil {
		var err error
		bound, err = r.store.ListForEvent(ctx, event)
		if err != nil {
			return nil, fmt.Errorf("failed to load candidate rules for %s: %w", event, err)
		}
		if r.cache != nil {
			r.cache.Set(event, bound)
		}
	}

	candidates := make([]*Rule, 0, len(bound))
	for _, rule := range bound {
		if rule.InEffect(asOf) {
			candidates = append(candidates, rule)
		}
	}
	return candidates, nil
}

// Get retrieves a single rule by id. Fails with ErrRuleNotFound when the
// id is absent.
func (r *Repository) Get(ctx context.Context, id string) (*Rule, error) {
	return r.store.Get(ctx, id)
}

// Add validates and stores a new rule, then invalidates the cache for its
// trigger events.
func (r *Repository) Add(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}
	if err := r.store.Add(ctx, rule); err != nil {
		return err
	}
	r.invalidate(rule.TriggerEvents)
	return nil
}

// Update validates and stores a changed rule. Both the old and new trigger
// bindings are invalidated so a rebound rule disappears from its previous
// event type immediately.
func (r *Repository) Update(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	previous, err := r.store.Get(ctx, rule.ID)
	if err != nil {
		return err
	}

	if err := r.store.Update(ctx, rule); err != nil {
		return err
	}

	// previous may alias live store state; never append onto its slices.
	events := make([]EventType, 0, len(previous.TriggerEvents)+len(rule.TriggerEvents))
	events = append(events, previous.TriggerEvents...)
	events = append(events, rule.TriggerEvents...)
	r.invalidate(events)
	return nil
}

// Delete removes a rule and invalidates the cache for its trigger events.
// Historical execution logs for the rule remain valid audit records.
func (r *Repository) Delete(ctx context.Context, id string) error {
	rule, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			return err
		}
		return fmt.Errorf("failed to load rule before delete: %w", err)
	}

	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.invalidate(rule.TriggerEvents)
	return nil
}

// IncrementExecution forwards the counter bump to the store. Counters do
// not affect candidate selection, so no invalidation happens here.
func (r *Repository) IncrementExecution(ctx context.Context, id string, at time.Time) error {
	return r.store.IncrementExecution(ctx, id, at)
}

func (r *Repository) invalidate(events []EventType) {
	if r.cache == nil || len(events) == 0 {
		return
	}
	r.cache.Invalidate(events...)
}
