package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRuleNotFound is returned when a specific rule id is requested and
// absent. Batch queries return empty slices instead of this error.
var ErrRuleNotFound = errors.New("rule not found")

// RuleStore manages rule persistence and retrieval. Implementations must
// make IncrementExecution atomic at the storage layer so concurrent
// handles do not lose counter updates.
type RuleStore interface {
	// Add a new rule with its conditions, actions, and trigger bindings.
	Add(ctx context.Context, rule *Rule) error

	// Get a rule by ID, fully loaded.
	Get(ctx context.Context, id string) (*Rule, error)

	// Update an existing rule, replacing its conditions, actions, and
	// bindings, and incrementing its version.
	Update(ctx context.Context, rule *Rule) error

	// Delete a rule and its owned conditions, actions, and bindings.
	Delete(ctx context.Context, id string) error

	// ListForEvent returns active rules bound to the event type, ordered
	// by priority ascending then creation time ascending. The effective
	// window is NOT applied here; the repository applies it per call so
	// cached lists stay correct as time passes.
	ListForEvent(ctx context.Context, event EventType) ([]*Rule, error)

	// IncrementExecution atomically bumps a rule's execution counter and
	// records the execution time.
	IncrementExecution(ctx context.Context, id string, at time.Time) error
}

// ExecutionLogWriter appends immutable audit records. Entries are never
// updated or deleted by the engine.
type ExecutionLogWriter interface {
	Record(ctx context.Context, entry *ExecutionLog) (string, error)
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
// Thread-safe with RWMutex.
type InMemoryRuleStore struct {
	rules map[string]*Rule
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store.
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{rules: make(map[string]*Rule)}
}

// Add adds a new rule to the store, assigning an id if absent and
// applying the priority and version defaults.
func (s *InMemoryRuleStore) Add(_ context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}
	if rule.Priority == 0 {
		rule.Priority = DefaultPriority
	}
	if rule.Version == 0 {
		rule.Version = 1
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule
	return nil
}

// Get retrieves a rule by ID.
func (s *InMemoryRuleStore) Get(_ context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return rule, nil
}

// Update replaces an existing rule, preserving CreatedAt and execution
// counters and incrementing the version.
func (s *InMemoryRuleStore) Update(_ context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.Version = existing.Version + 1
	rule.ExecutionCount = existing.ExecutionCount
	rule.LastExecutedAt = existing.LastExecutedAt
	rule.UpdatedAt = time.Now()
	s.rules[rule.ID] = rule
	return nil
}

// Delete removes a rule from the store.
func (s *InMemoryRuleStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	delete(s.rules, id)
	return nil
}

// ListForEvent returns active rules bound to the event type ordered by
// priority ascending, then creation time ascending. No matches is an
// empty slice, never an error.
func (s *InMemoryRuleStore) ListForEvent(_ context.Context, event EventType) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*Rule, 0)
	for _, rule := range s.rules {
		if rule.Status == StatusActive && rule.BoundTo(event) {
			matched = append(matched, rule)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority < matched[j].Priority
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched, nil
}

// IncrementExecution bumps the execution counter under the store lock.
func (s *InMemoryRuleStore) IncrementExecution(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[id]
	if !exists {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	rule.ExecutionCount++
	t := at
	rule.LastExecutedAt = &t
	return nil
}

// InMemoryLogWriter implements ExecutionLogWriter with an append-only
// slice. Useful for tests and local runs.
type InMemoryLogWriter struct {
	entries []*ExecutionLog
	mu      sync.Mutex
}

// NewInMemoryLogWriter creates a new in-memory log writer.
func NewInMemoryLogWriter() *InMemoryLogWriter {
	return &InMemoryLogWriter{}
}

// Record appends an entry and assigns it a log id.
func (w *InMemoryLogWriter) Record(_ context.Context, entry *ExecutionLog) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry.ID = uuid.NewString()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	w.entries = append(w.entries, entry)
	return entry.ID, nil
}

// Entries returns a snapshot of everything recorded so far.
func (w *InMemoryLogWriter) Entries() []*ExecutionLog {
	w.mu.Lock()
	defer w.mu.Unlock()

	snapshot := make([]*ExecutionLog, len(w.entries))
	copy(snapshot, w.entries)
	return snapshot
}
