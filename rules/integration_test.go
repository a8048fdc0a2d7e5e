//go:build integration
// +build integration

package rules_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/stockflow/rules/rules"

	_ "github.com/lib/pq"
)

// setupTestDB creates a PostgreSQL container, applies the migrations, and
// returns a connection.
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "rules_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithStartupTimeout(60 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=rules_test sslmode=disable", host, port.Port())

	var db *sql.DB
	for i := 0; i < 30; i++ {
		db, err = sql.Open("postgres", connStr)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	for _, name := range []string{
		"000001_create_business_rules.up.sql",
		"000002_create_rule_execution_logs.up.sql",
	} {
		migrationSQL, err := os.ReadFile(filepath.Join("..", "migrations", name))
		if err != nil {
			t.Fatalf("Failed to read migration file %s: %v", name, err)
		}
		if _, err := db.Exec(string(migrationSQL)); err != nil {
			t.Fatalf("Failed to run migration %s: %v", name, err)
		}
	}

	cleanup := func() {
		db.Close()
		postgresContainer.Terminate(ctx)
	}

	return db, cleanup
}

func approvalRuleFixture() *rules.Rule {
	return &rules.Rule{
		ID:          uuid.New().String(),
		Name:        "High value order approval",
		Description: "Orders over 500 from GOLD customers need manual approval",
		Category:    rules.CategoryValidation,
		Status:      rules.StatusActive,
		Priority:    2,
		CreatedBy:   "integration-test",
		Conditions: []rules.Condition{
			{FieldName: "order.total", Operator: rules.OpGreaterThan, Value: "500", OrderIndex: 0},
			{FieldName: "customer.tier", Operator: rules.OpEquals, Value: "GOLD", OrderIndex: 1},
		},
		Actions: []rules.Action{
			{Type: rules.ActionSetStatus, Parameters: map[string]any{"status": "APPROVAL_REQUIRED"}, OrderIndex: 0},
			{Type: rules.ActionNotify, Parameters: map[string]any{"message": "approval needed", "recipient": "ops"}, OrderIndex: 1},
		},
		TriggerEvents: []rules.EventType{rules.EventOrderCreated},
	}
}

func TestPostgresRuleStore_BasicCRUD(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := rules.NewPostgresRuleStore(db)

	rule := approvalRuleFixture()
	if err := store.Add(ctx, rule); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}
	if rule.Version != 1 {
		t.Errorf("Expected version 1 after insert, got %d", rule.Version)
	}

	retrieved, err := store.Get(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if retrieved.Name != rule.Name {
		t.Errorf("Expected name '%s', got '%s'", rule.Name, retrieved.Name)
	}
	if len(retrieved.Conditions) != 2 {
		t.Errorf("Expected 2 conditions, got %d", len(retrieved.Conditions))
	}
	if len(retrieved.Actions) != 2 {
		t.Errorf("Expected 2 actions, got %d", len(retrieved.Actions))
	}
	if retrieved.Conditions[0].FieldName != "order.total" {
		t.Errorf("Conditions not ordered by order_index, first = %s", retrieved.Conditions[0].FieldName)
	}
	if got, ok := retrieved.Actions[0].Parameters["status"].(string); !ok || got != "APPROVAL_REQUIRED" {
		t.Errorf("Action parameters did not round-trip, got %v", retrieved.Actions[0].Parameters)
	}
	if len(retrieved.TriggerEvents) != 1 || retrieved.TriggerEvents[0] != rules.EventOrderCreated {
		t.Errorf("Expected trigger event order_created, got %v", retrieved.TriggerEvents)
	}

	// Update replaces the child rows and bumps the version.
	rule.Name = "High value order approval v2"
	rule.Conditions = rule.Conditions[:1]
	rule.TriggerEvents = []rules.EventType{rules.EventOrderUpdated}
	if err := store.Update(ctx, rule); err != nil {
		t.Fatalf("Failed to update rule: %v", err)
	}
	if rule.Version != 2 {
		t.Errorf("Expected version 2 after update, got %d", rule.Version)
	}

	updated, err := store.Get(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Failed to get updated rule: %v", err)
	}
	if updated.Name != "High value order approval v2" {
		t.Errorf("Expected updated name, got '%s'", updated.Name)
	}
	if len(updated.Conditions) != 1 {
		t.Errorf("Expected 1 condition after update, got %d", len(updated.Conditions))
	}
	if len(updated.TriggerEvents) != 1 || updated.TriggerEvents[0] != rules.EventOrderUpdated {
		t.Errorf("Expected rebound trigger event, got %v", updated.TriggerEvents)
	}

	if err := store.Delete(ctx, rule.ID); err != nil {
		t.Fatalf("Failed to delete rule: %v", err)
	}
	if _, err := store.Get(ctx, rule.ID); err == nil {
		t.Error("Expected error when getting deleted rule, got nil")
	}
}

func TestPostgresRuleStore_ListForEvent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := rules.NewPostgresRuleStore(db)

	add := func(name string, status rules.RuleStatus, priority int, event rules.EventType) string {
		t.Helper()
		rule := &rules.Rule{
			ID:            uuid.New().String(),
			Name:          name,
			Category:      rules.CategoryPicking,
			Status:        status,
			Priority:      priority,
			TriggerEvents: []rules.EventType{event},
		}
		if err := store.Add(ctx, rule); err != nil {
			t.Fatalf("Failed to add rule %s: %v", name, err)
		}
		time.Sleep(10 * time.Millisecond) // Ensure different timestamps
		return rule.ID
	}

	p3 := add("p3", rules.StatusActive, 3, rules.EventItemPicked)
	p1 := add("p1", rules.StatusActive, 1, rules.EventItemPicked)
	add("inactive", rules.StatusInactive, 1, rules.EventItemPicked)
	add("draft", rules.StatusDraft, 1, rules.EventItemPicked)
	add("other-event", rules.StatusActive, 1, rules.EventOrderShipped)
	p3later := add("p3-later", rules.StatusActive, 3, rules.EventItemPicked)

	got, err := store.ListForEvent(ctx, rules.EventItemPicked)
	if err != nil {
		t.Fatalf("Failed to list rules: %v", err)
	}

	wantOrder := []string{p1, p3, p3later}
	if len(got) != len(wantOrder) {
		t.Fatalf("Expected %d rules, got %d", len(wantOrder), len(got))
	}
	for i, id := range wantOrder {
		if got[i].ID != id {
			t.Errorf("Position %d: expected rule %s, got %s", i, id, got[i].ID)
		}
	}
}

func TestPostgresRuleStore_CascadingDelete(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := rules.NewPostgresRuleStore(db)

	rule := approvalRuleFixture()
	if err := store.Add(ctx, rule); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}
	if err := store.Delete(ctx, rule.ID); err != nil {
		t.Fatalf("Failed to delete rule: %v", err)
	}

	for _, table := range []string{"rule_conditions", "rule_actions", "rule_trigger_events"} {
		var count int
		err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE rule_id = $1", table), rule.ID).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to count %s: %v", table, err)
		}
		if count != 0 {
			t.Errorf("Expected 0 rows in %s after delete, got %d", table, count)
		}
	}
}

func TestPostgresRuleStore_IncrementExecution(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := rules.NewPostgresRuleStore(db)

	rule := approvalRuleFixture()
	if err := store.Add(ctx, rule); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			errs <- store.IncrementExecution(ctx, rule.ID, time.Now())
		}()
	}
	for i := 0; i < 10; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Failed to increment execution count: %v", err)
		}
	}

	got, err := store.Get(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if got.ExecutionCount != 10 {
		t.Errorf("Expected execution count 10, got %d", got.ExecutionCount)
	}
	if got.LastExecutedAt == nil {
		t.Error("Expected last_executed_at to be set")
	}

	if err := store.IncrementExecution(ctx, uuid.New().String(), time.Now()); err == nil {
		t.Error("Expected error incrementing a missing rule, got nil")
	}
}

func TestPostgresLogWriter_Record(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	writer := rules.NewPostgresLogWriter(db)

	entry := &rules.ExecutionLog{
		RuleID:            uuid.New().String(),
		EventType:         rules.EventOrderCreated,
		EntityType:        "order",
		EntityID:          "ord-123",
		ConditionsMatched: true,
		MatchedConditions: []string{"c1", "c2"},
		Results: []rules.ActionResult{
			{ActionID: "a1", Type: rules.ActionSetStatus, Status: rules.ActionSucceeded, Detail: "set order ord-123 status to APPROVAL_REQUIRED"},
		},
		Status:   rules.ExecutionSuccess,
		Duration: 42 * time.Millisecond,
	}

	id, err := writer.Record(ctx, entry)
	if err != nil {
		t.Fatalf("Failed to record execution log: %v", err)
	}
	if id == "" {
		t.Fatal("Expected a log id")
	}

	var (
		status     string
		durationMS int64
		entityID   sql.NullString
	)
	err = db.QueryRow(`
		SELECT status, duration_ms, entity_id FROM rule_execution_logs WHERE id = $1
	`, id).Scan(&status, &durationMS, &entityID)
	if err != nil {
		t.Fatalf("Failed to read back log row: %v", err)
	}
	if status != string(rules.ExecutionSuccess) {
		t.Errorf("Expected status SUCCESS, got %s", status)
	}
	if durationMS != 42 {
		t.Errorf("Expected duration 42ms, got %d", durationMS)
	}
	if !entityID.Valid || entityID.String != "ord-123" {
		t.Errorf("Expected entity_id ord-123, got %v", entityID)
	}

	// Log rows survive the rule they describe.
	if _, err := db.Exec("DELETE FROM business_rules WHERE id = $1", entry.RuleID); err != nil {
		t.Fatalf("Failed to delete rule: %v", err)
	}
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM rule_execution_logs WHERE id = $1", id).Scan(&count); err != nil {
		t.Fatalf("Failed to count logs: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected log row to remain after rule deletion, got %d rows", count)
	}
}

func TestEngineWithPostgres(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := rules.NewPostgresRuleStore(db)
	repo := rules.NewRepository(store, rules.NewInMemoryCandidateCache(rules.DefaultCacheConfig()))
	writer := rules.NewPostgresLogWriter(db)

	reg := rules.NewRegistry()
	reg.Register(rules.ActionSetStatus, rules.HandlerFunc(
		func(context.Context, map[string]any, rules.ActionContext) (rules.HandlerResult, error) {
			return rules.HandlerResult{Detail: "status set"}, nil
		}))
	reg.Register(rules.ActionNotify, rules.HandlerFunc(
		func(context.Context, map[string]any, rules.ActionContext) (rules.HandlerResult, error) {
			return rules.HandlerResult{Detail: "notified"}, nil
		}))

	engine := rules.NewEngine(repo, reg, writer)

	rule := approvalRuleFixture()
	if err := repo.Add(ctx, rule); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	outcomes, err := engine.Handle(ctx, rules.EventOrderCreated,
		rules.EntityRef{Type: "order", ID: "ord-9"},
		map[string]any{
			"order":    map[string]any{"total": 600.0},
			"customer": map[string]any{"tier": "GOLD"},
		})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("Expected 1 outcome, got %d", len(outcomes))
	}
	if outcomes[0].Status != rules.ExecutionSuccess {
		t.Errorf("Expected SUCCESS, got %s", outcomes[0].Status)
	}

	var logCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM rule_execution_logs WHERE rule_id = $1", rule.ID).Scan(&logCount); err != nil {
		t.Fatalf("Failed to count logs: %v", err)
	}
	if logCount != 1 {
		t.Errorf("Expected 1 execution log, got %d", logCount)
	}

	var execCount int64
	if err := db.QueryRow("SELECT execution_count FROM business_rules WHERE id = $1", rule.ID).Scan(&execCount); err != nil {
		t.Fatalf("Failed to read execution count: %v", err)
	}
	if execCount != 1 {
		t.Errorf("Expected execution count 1, got %d", execCount)
	}
}
