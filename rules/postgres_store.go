package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL.
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore.
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

// Add inserts a rule with its conditions, actions, and trigger bindings
// in one transaction.
func (s *PostgresRuleStore) Add(ctx context.Context, rule *Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO business_rules
			(id, name, description, category, status, priority,
			 effective_from, effective_to, version, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rule.ID, rule.Name, rule.Description, rule.Category, rule.Status, rule.Priority,
		rule.EffectiveFrom, rule.EffectiveTo, rule.Version, rule.CreatedBy,
		rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	if err := insertChildren(ctx, tx, rule); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rule insert: %w", err)
	}
	return nil
}

// Get retrieves a rule by ID with its conditions, actions, and bindings.
func (s *PostgresRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	var rule Rule
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, category, status, priority,
		       effective_from, effective_to, version, created_by,
		       created_at, updated_at, execution_count, last_executed_at
		FROM business_rules
		WHERE id = $1
	`, id).Scan(
		&rule.ID, &rule.Name, &rule.Description, &rule.Category, &rule.Status,
		&rule.Priority, &rule.EffectiveFrom, &rule.EffectiveTo, &rule.Version,
		&rule.CreatedBy, &rule.CreatedAt, &rule.UpdatedAt,
		&rule.ExecutionCount, &rule.LastExecutedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	if err := s.loadChildren(ctx, []*Rule{&rule}); err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListForEvent returns active rules bound to the event type, fully
// loaded, ordered by priority ascending then creation time ascending.
func (s *PostgresRuleStore) ListForEvent(ctx context.Context, event EventType) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.description, r.category, r.status, r.priority,
		       r.effective_from, r.effective_to, r.version, r.created_by,
		       r.created_at, r.updated_at, r.execution_count, r.last_executed_at
		FROM business_rules r
		JOIN rule_trigger_events t ON t.rule_id = r.id
		WHERE r.status = 'active' AND t.event_type = $1
		ORDER BY r.priority ASC, r.created_at ASC
	`, event)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules for event %s: %w", event, err)
	}
	defer rows.Close()

	rulesList := make([]*Rule, 0)
	for rows.Next() {
		var r Rule
		if err := rows.Scan(
			&r.ID, &r.Name, &r.Description, &r.Category, &r.Status, &r.Priority,
			&r.EffectiveFrom, &r.EffectiveTo, &r.Version, &r.CreatedBy,
			&r.CreatedAt, &r.UpdatedAt, &r.ExecutionCount, &r.LastExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	if err := s.loadChildren(ctx, rulesList); err != nil {
		return nil, err
	}
	return rulesList, nil
}

// Update rewrites the rule row and replaces its conditions, actions, and
// bindings, incrementing the version in the same transaction.
func (s *PostgresRuleStore) Update(ctx context.Context, rule *Rule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rule.UpdatedAt = time.Now()
	var version int
	err = tx.QueryRowContext(ctx, `
		UPDATE business_rules
		SET name = $1, description = $2, category = $3, status = $4,
		    priority = $5, effective_from = $6, effective_to = $7,
		    version = version + 1, updated_at = $8
		WHERE id = $9
		RETURNING version
	`, rule.Name, rule.Description, rule.Category, rule.Status, rule.Priority,
		rule.EffectiveFrom, rule.EffectiveTo, rule.UpdatedAt, rule.ID).Scan(&version)
	if err == sql.ErrNoRows {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	rule.Version = version

	for _, table := range []string{"rule_conditions", "rule_actions", "rule_trigger_events"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE rule_id = $1", table), rule.ID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	if err := insertChildren(ctx, tx, rule); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rule update: %w", err)
	}
	return nil
}

// Delete removes a rule; conditions, actions, and bindings cascade.
// Execution log rows reference the rule without a foreign key and remain.
func (s *PostgresRuleStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM business_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return nil
}

// IncrementExecution bumps the counter in a single UPDATE so concurrent
// handles cannot lose updates.
func (s *PostgresRuleStore) IncrementExecution(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE business_rules
		SET execution_count = execution_count + 1, last_executed_at = $2
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to increment execution count: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return nil
}

// loadChildren fills conditions, actions, and trigger bindings for the
// given rules with one query per child table.
func (s *PostgresRuleStore) loadChildren(ctx context.Context, rulesList []*Rule) error {
	if len(rulesList) == 0 {
		return nil
	}
	byID := make(map[string]*Rule, len(rulesList))
	ids := make([]string, 0, len(rulesList))
	for _, r := range rulesList {
		byID[r.ID] = r
		ids = append(ids, r.ID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, field_name, operator, value, order_index
		FROM rule_conditions
		WHERE rule_id = ANY($1)
		ORDER BY rule_id, order_index ASC
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to load conditions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c Condition
		if err := rows.Scan(&c.ID, &c.RuleID, &c.FieldName, &c.Operator, &c.Value, &c.OrderIndex); err != nil {
			return fmt.Errorf("failed to scan condition: %w", err)
		}
		if r, ok := byID[c.RuleID]; ok {
			r.Conditions = append(r.Conditions, c)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating conditions: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, rule_id, action_type, parameters, order_index
		FROM rule_actions
		WHERE rule_id = ANY($1)
		ORDER BY rule_id, order_index ASC
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to load actions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a Action
		var params []byte
		if err := rows.Scan(&a.ID, &a.RuleID, &a.Type, &params, &a.OrderIndex); err != nil {
			return fmt.Errorf("failed to scan action: %w", err)
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &a.Parameters); err != nil {
				return fmt.Errorf("failed to decode action parameters: %w", err)
			}
		}
		if r, ok := byID[a.RuleID]; ok {
			r.Actions = append(r.Actions, a)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating actions: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT rule_id, event_type
		FROM rule_trigger_events
		WHERE rule_id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to load trigger events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ruleID string
		var event EventType
		if err := rows.Scan(&ruleID, &event); err != nil {
			return fmt.Errorf("failed to scan trigger event: %w", err)
		}
		if r, ok := byID[ruleID]; ok {
			r.TriggerEvents = append(r.TriggerEvents, event)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating trigger events: %w", err)
	}
	return nil
}

func insertChildren(ctx context.Context, tx *sql.Tx, rule *Rule) error {
	for i := range rule.Conditions {
		c := &rule.Conditions[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.RuleID = rule.ID
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rule_conditions (id, rule_id, field_name, operator, value, order_index)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, c.ID, c.RuleID, c.FieldName, c.Operator, c.Value, c.OrderIndex)
		if err != nil {
			return fmt.Errorf("failed to insert condition: %w", err)
		}
	}

	for i := range rule.Actions {
		a := &rule.Actions[i]
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		a.RuleID = rule.ID
		params, err := json.Marshal(a.Parameters)
		if err != nil {
			return fmt.Errorf("failed to encode action parameters: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rule_actions (id, rule_id, action_type, parameters, order_index)
			VALUES ($1, $2, $3, $4, $5)
		`, a.ID, a.RuleID, a.Type, params, a.OrderIndex)
		if err != nil {
			return fmt.Errorf("failed to insert action: %w", err)
		}
	}

	for _, event := range rule.TriggerEvents {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rule_trigger_events (rule_id, event_type)
			VALUES ($1, $2)
		`, rule.ID, event)
		if err != nil {
			return fmt.Errorf("failed to insert trigger event: %w", err)
		}
	}
	return nil
}

// PostgresLogWriter appends execution audit records to
// rule_execution_logs. Rows are never updated or deleted here.
type PostgresLogWriter struct {
	db *sql.DB
}

// NewPostgresLogWriter creates a new PostgreSQL-backed log writer.
func NewPostgresLogWriter(db *sql.DB) *PostgresLogWriter {
	return &PostgresLogWriter{db: db}
}

// Record inserts one immutable log row and returns its id.
func (w *PostgresLogWriter) Record(ctx context.Context, entry *ExecutionLog) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	matched, err := json.Marshal(entry.MatchedConditions)
	if err != nil {
		return "", fmt.Errorf("failed to encode matched conditions: %w", err)
	}
	results, err := json.Marshal(entry.Results)
	if err != nil {
		return "", fmt.Errorf("failed to encode execution result: %w", err)
	}

	_, err = w.db.ExecContext(ctx, `
		INSERT INTO rule_execution_logs
			(id, rule_id, event_type, entity_type, entity_id,
			 conditions_matched, matched_conditions, execution_result,
			 status, error_message, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, entry.ID, entry.RuleID, entry.EventType,
		nullable(entry.EntityType), nullable(entry.EntityID),
		entry.ConditionsMatched, matched, results,
		entry.Status, nullable(entry.ErrorMessage),
		entry.Duration.Milliseconds(), entry.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert execution log: %w", err)
	}
	return entry.ID, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
