package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mycelium-sh/mycelium/internal/workspace"
)

// workerStateName is the per-workspace runtime state file.
const workerStateName = "worker-state.json"

// WorkerState persists agent-thread continuity across attempts in one
// workspace. It lives under the runtime dir so it never shows up as a
// workspace change.
type WorkerState struct {
	// ThreadID is the agent thread to resume on the next turn.
	ThreadID string `json:"thread_id,omitempty"`
	// Attempt is the last attempt that ran in this workspace.
	Attempt int `json:"attempt"`
	// CreatedAt is when the workspace first ran a worker.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is the last save time.
	UpdatedAt time.Time `json:"updated_at"`
}

func workerStatePath(workspaceDir string) string {
	return filepath.Join(workspaceDir, workspace.RuntimeDir, workerStateName)
}

// LoadWorkerState reads the workspace's worker state. A missing file
// yields a fresh zero state, not an error.
func LoadWorkerState(workspaceDir string) (*WorkerState, error) {
	data, err := os.ReadFile(workerStatePath(workspaceDir))
	if os.IsNotExist(err) {
		return &WorkerState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read worker state: %w", err)
	}
	var ws WorkerState
	if err := json.Unmarshal(data, &ws); err != nil {
		// A torn write from a crashed worker; start over rather than
		// wedging the task.
		return &WorkerState{}, nil
	}
	return &ws, nil
}

// SaveWorkerState writes the workspace's worker state.
func SaveWorkerState(workspaceDir string, ws *WorkerState) error {
	now := time.Now().UTC()
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = now
	}
	ws.UpdatedAt = now

	path := workerStatePath(workspaceDir)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	data, err := json.MarshalIndent(ws, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal worker state: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write worker state: %w", err)
	}
	return nil
}
