package state

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mycelium-sh/mycelium/internal/eventlog"
	"github.com/mycelium-sh/mycelium/pkg/models"
)

func newRun() *models.RunState {
	return &models.RunState{
		RunID:      "20260101-120000",
		Project:    "demo",
		RepoPath:   "/repo",
		MainBranch: "main",
		Status:     models.RunRunning,
		StartedAt:  time.Now().UTC(),
		Tasks: map[string]*models.TaskState{
			"001": {Status: models.TaskPending},
			"002": {Status: models.TaskPending},
		},
	}
}

func newTestStore(t *testing.T, opts ...Option) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "run-20260101-120000.json")
	return NewStore(path, opts...), dir
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	store, dir := newTestStore(t)
	run := newRun()

	for i := 0; i < 3; i++ {
		if err := store.Save(run); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Errorf("expected only the canonical state file, got %d entries", len(entries))
	}
}

func TestSaveBumpsUpdatedAt(t *testing.T) {
	store, _ := newTestStore(t)
	run := newRun()
	before := run.UpdatedAt

	if err := store.Save(run); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !run.UpdatedAt.After(before) {
		t.Error("expected updated_at bumped on save")
	}
}

func TestMarkTaskRunningIncrementsAttempts(t *testing.T) {
	store, _ := newTestStore(t)
	run := newRun()
	if err := store.Save(run); err != nil {
		t.Fatal(err)
	}

	if err := store.MarkTaskRunning(run, "001", "batch-1", "mycelium/001", "/ws/001", "/logs/001"); err != nil {
		t.Fatalf("MarkTaskRunning: %v", err)
	}

	task := run.Tasks["001"]
	if task.Attempts != 1 {
		t.Errorf("expected attempts 1, got %d", task.Attempts)
	}
	if task.Status != models.TaskRunning {
		t.Errorf("expected running, got %s", task.Status)
	}
	if task.BatchID != "batch-1" {
		t.Errorf("expected batch membership recorded, got %q", task.BatchID)
	}

	// Second start after a reset increments again.
	if err := store.ResetTaskForRescope(run, "001", "rescope"); err != nil {
		t.Fatalf("ResetTaskForRescope: %v", err)
	}
	if err := store.MarkTaskRunning(run, "001", "batch-2", "mycelium/001", "/ws/001", "/logs/001"); err != nil {
		t.Fatalf("MarkTaskRunning again: %v", err)
	}
	if run.Tasks["001"].Attempts != 2 {
		t.Errorf("expected attempts 2, got %d", run.Tasks["001"].Attempts)
	}
}

func TestIllegalTransitions(t *testing.T) {
	store, _ := newTestStore(t)
	run := newRun()
	if err := store.Save(run); err != nil {
		t.Fatal(err)
	}

	// pending cannot jump straight to complete via the worker path.
	if err := store.MarkTaskComplete(run, "001"); err == nil {
		t.Error("expected pending -> complete to be rejected")
	}
	// pending cannot be validated.
	if err := store.MarkTaskValidated(run, "001"); err == nil {
		t.Error("expected pending -> validated to be rejected")
	}

	if err := store.MarkTaskRunning(run, "001", "batch-1", "b", "/ws", "/logs"); err != nil {
		t.Fatal(err)
	}
	// running cannot be overridden by the operator.
	if err := store.OperatorOverride(run, "001", models.TaskSkipped); err == nil {
		t.Error("expected override of running task to be rejected")
	}
}

func TestOperatorOverride(t *testing.T) {
	store, _ := newTestStore(t)
	run := newRun()
	if err := store.Save(run); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkTaskRunning(run, "001", "batch-1", "b", "/ws", "/logs"); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkTaskFailed(run, "001", "doctor_failed"); err != nil {
		t.Fatal(err)
	}

	if err := store.OperatorOverride(run, "001", models.TaskPending); err != nil {
		t.Fatalf("OperatorOverride: %v", err)
	}
	task := run.Tasks["001"]
	if task.Status != models.TaskPending || task.CompletedAt != nil || task.LastError != "" {
		t.Errorf("expected clean pending task after override, got %+v", task)
	}

	if err := store.OperatorOverride(run, "002", models.TaskValidated); err == nil {
		t.Error("expected override to validated to be rejected")
	}
}

func TestCompletedAtTracksTerminalStatuses(t *testing.T) {
	store, _ := newTestStore(t)
	run := newRun()
	if err := store.Save(run); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkTaskRunning(run, "001", "batch-1", "b", "/ws", "/logs"); err != nil {
		t.Fatal(err)
	}
	if run.Tasks["001"].CompletedAt != nil {
		t.Error("expected no completed_at while running")
	}
	if err := store.MarkTaskValidated(run, "001"); err != nil {
		t.Fatal(err)
	}
	if run.Tasks["001"].CompletedAt == nil {
		t.Error("expected completed_at set on validated")
	}
}

func TestStaleRecovery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run-x.json")
	logPath := filepath.Join(dir, "orchestrator.jsonl")
	events, err := eventlog.NewWriter(logPath)
	if err != nil {
		t.Fatal(err)
	}
	defer events.Close()

	// Write a running state 30 minutes in the past.
	past := time.Now().UTC().Add(-30 * time.Minute)
	run := newRun()
	run.RunID = "x"
	run.Tasks["001"].Status = models.TaskRunning
	run.Tasks["001"].Attempts = 1
	run.Tasks["001"].Workspace = "/x"
	run.Batches = []*models.Batch{{BatchID: "batch-1", Status: models.BatchRunning, Tasks: []string{"001"}}}

	frozen := past
	writeStore := NewStore(path, WithClock(func() time.Time { return frozen }))
	if err := writeStore.Save(run); err != nil {
		t.Fatal(err)
	}

	store := NewStore(path, WithEvents(events))
	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.Status != models.RunPaused {
		t.Errorf("expected paused, got %s", loaded.Status)
	}
	task := loaded.Tasks["001"]
	if task.Status != models.TaskPending {
		t.Errorf("expected task reset to pending, got %s", task.Status)
	}
	if task.Workspace != "" || task.BatchID != "" {
		t.Errorf("expected workspace bookkeeping cleared, got %+v", task)
	}
	if !strings.Contains(task.LastError, "Stale recovery") {
		t.Errorf("expected last_error to mention stale recovery, got %q", task.LastError)
	}
	if loaded.Batches[0].Status != models.BatchFailed {
		t.Errorf("expected running batch failed, got %s", loaded.Batches[0].Status)
	}

	evs, err := eventlog.ReadAll(logPath)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, ev := range evs {
		if ev.Type == eventlog.TypeRunStaleRecovery {
			found = true
		}
	}
	if !found {
		t.Error("expected run.stale_recovery event appended")
	}
}

func TestStaleRecoveryIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run-x.json")

	past := time.Now().UTC().Add(-30 * time.Minute)
	run := newRun()
	run.RunID = "x"
	run.Tasks["001"].Status = models.TaskRunning
	run.Tasks["001"].Attempts = 1
	writeStore := NewStore(path, WithClock(func() time.Time { return past }))
	if err := writeStore.Save(run); err != nil {
		t.Fatal(err)
	}

	store := NewStore(path)
	first, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}

	// Normalize the save timestamps; everything else must match.
	first.UpdatedAt = time.Time{}
	second.UpdatedAt = time.Time{}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("stale recovery not idempotent:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestFreshRunningStateNotRecovered(t *testing.T) {
	store, _ := newTestStore(t)
	run := newRun()
	run.Tasks["001"].Status = models.TaskRunning
	run.Tasks["001"].Attempts = 1
	if err := store.Save(run); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != models.RunRunning {
		t.Errorf("expected fresh state untouched, got %s", loaded.Status)
	}
	if loaded.Tasks["001"].Status != models.TaskRunning {
		t.Errorf("expected running task untouched, got %s", loaded.Tasks["001"].Status)
	}
}

func TestLoadCorruptState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run-x.json")
	if err := os.WriteFile(path, []byte(`{"run_id": ""}`), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := NewStore(path).Load()
	ue := models.AsUserError(err)
	if ue == nil || ue.Code != models.CodeStateCorrupt {
		t.Errorf("expected state_corrupt user error, got %v", err)
	}
	if !strings.Contains(ue.Hint, "mycelium") {
		t.Errorf("expected actionable hint, got %q", ue.Hint)
	}
}
