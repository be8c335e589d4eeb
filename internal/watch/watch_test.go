package watch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mycelium-sh/mycelium/pkg/models"
)

func writeState(t *testing.T, path string, run *models.RunState) {
	t.Helper()
	data, err := json.Marshal(run)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
}

func TestFollowDeliversInitialAndUpdatedSnapshots(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run-x.json")
	run := &models.RunState{
		SchemaVersion: 1, RunID: "x", Project: "demo",
		Status: models.RunRunning, StartedAt: time.Now().UTC(),
		Tasks: map[string]*models.TaskState{},
	}
	writeState(t, path, run)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snaps, err := Follow(ctx, path, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("follow: %v", err)
	}

	first := <-snaps
	if first.Err != nil || first.Run == nil || first.Run.Status != models.RunRunning {
		t.Fatalf("first snapshot = %+v", first)
	}

	run.Status = models.RunComplete
	writeState(t, path, run)

	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				t.Fatalf("channel closed before update arrived")
			}
			if snap.Err != nil {
				continue
			}
			if snap.Run.Status == models.RunComplete {
				return
			}
		case <-ctx.Done():
			t.Fatalf("no updated snapshot before timeout")
		}
	}
}

func TestFollowMissingFileFails(t *testing.T) {
	_, err := Follow(context.Background(), filepath.Join(t.TempDir(), "absent.json"), 0)
	ue := models.AsUserError(err)
	if ue == nil || ue.Code != models.CodeNotFound {
		t.Fatalf("error = %v, want not_found", err)
	}
}

func TestFollowClosesOnCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run-y.json")
	writeState(t, path, &models.RunState{
		SchemaVersion: 1, RunID: "y", Project: "demo",
		Status: models.RunPaused, StartedAt: time.Now().UTC(),
		Tasks: map[string]*models.TaskState{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	snaps, err := Follow(ctx, path, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("follow: %v", err)
	}
	<-snaps
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-snaps:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("channel not closed after cancel")
		}
	}
}
