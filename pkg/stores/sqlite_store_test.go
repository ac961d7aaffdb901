package stores

import (
	"context"
	"errors"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"persistent_graphs", "runs", "step_results"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		if err := store.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

func TestSQLiteStore_GraphBackend(t *testing.T) {
	testGraphBackend(t, setupTestStore(t))
}

// TestRunHistory tests run and step result persistence
func TestRunHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run := &Run{
		ID:        "run-001",
		Namespace: "prod",
		Action:    "build",
		Status:    RunStatusRunning,
		StartedAt: now,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	retrieved, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.Namespace != "prod" || retrieved.Action != "build" {
		t.Errorf("unexpected run: %+v", retrieved)
	}
	if retrieved.Metadata != "{}" {
		t.Errorf("expected default metadata, got %q", retrieved.Metadata)
	}
	if retrieved.CompletedAt != nil {
		t.Error("expected running run to have no completion time")
	}

	errMsg := "plan failed: vpc"
	if err := store.FinishRun(ctx, run.ID, RunStatusFailed, &errMsg); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	finished, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get finished run: %v", err)
	}
	if finished.Status != RunStatusFailed {
		t.Errorf("expected status %s, got %s", RunStatusFailed, finished.Status)
	}
	if finished.Error == nil || *finished.Error != errMsg {
		t.Errorf("expected error %q, got %v", errMsg, finished.Error)
	}
	if finished.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}

	stepErr := "stack create failed"
	results := []*StepResult{
		{StackName: "vpc", Status: "failed", Reason: "stack create failed", Attempts: 1, Error: &stepErr},
		{StackName: "db", Status: "skipped", Reason: "dependency vpc failed"},
	}
	if err := store.RecordStepResults(ctx, run.ID, results); err != nil {
		t.Fatalf("failed to record step results: %v", err)
	}

	// Recording again updates in place.
	results[1].Reason = "dependency vpc failed (retry)"
	if err := store.RecordStepResults(ctx, run.ID, results); err != nil {
		t.Fatalf("failed to re-record step results: %v", err)
	}

	listed, err := store.ListStepResults(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list step results: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 step results, got %d", len(listed))
	}
	if listed[0].StackName != "db" || listed[1].StackName != "vpc" {
		t.Errorf("expected results ordered by stack name, got %s, %s", listed[0].StackName, listed[1].StackName)
	}
	if listed[0].Reason != "dependency vpc failed (retry)" {
		t.Errorf("expected updated reason, got %q", listed[0].Reason)
	}
	if listed[1].Error == nil || *listed[1].Error != stepErr {
		t.Errorf("expected step error %q, got %v", stepErr, listed[1].Error)
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	if _, err := store.GetRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	remaining, err := store.ListStepResults(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list step results: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected step results to cascade, got %d", len(remaining))
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	runs := []*Run{
		{ID: "run-a", Namespace: "prod", Action: "build", Status: RunStatusSucceeded, StartedAt: base},
		{ID: "run-b", Namespace: "prod", Action: "destroy", Status: RunStatusNotConfirmed, StartedAt: base.Add(time.Minute)},
		{ID: "run-c", Namespace: "dev", Action: "build", Status: RunStatusNoChanges, StartedAt: base.Add(2 * time.Minute)},
	}
	for _, run := range runs {
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create run %s: %v", run.ID, err)
		}
	}

	prod, err := store.ListRuns(ctx, "prod", 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(prod) != 2 {
		t.Fatalf("expected 2 prod runs, got %d", len(prod))
	}
	if prod[0].ID != "run-b" {
		t.Errorf("expected newest run first, got %s", prod[0].ID)
	}

	all, err := store.ListRuns(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 runs, got %d", len(all))
	}

	page, err := store.ListRuns(ctx, "", 1, 1)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(page) != 1 || page[0].ID != "run-b" {
		t.Errorf("expected second page to hold run-b, got %+v", page)
	}
}

func TestFinishRun_NotFound(t *testing.T) {
	store := setupTestStore(t)

	err := store.FinishRun(context.Background(), "missing", RunStatusSucceeded, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
