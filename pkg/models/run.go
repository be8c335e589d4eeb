package models

import "time"

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	// RunRunning indicates the orchestrator owns the run and is making progress.
	RunRunning RunStatus = "running"
	// RunPaused indicates the run stopped cleanly and can be resumed.
	RunPaused RunStatus = "paused"
	// RunComplete indicates every task reached a terminal status and at least
	// the schedulable ones completed.
	RunComplete RunStatus = "complete"
	// RunFailed indicates the run ended with unrecoverable failures.
	RunFailed RunStatus = "failed"
	// RunStopped indicates an operator stop signal ended the run.
	RunStopped RunStatus = "stopped"
)

// Valid returns true if the status is a known value.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunPaused, RunComplete, RunFailed, RunStopped:
		return true
	default:
		return false
	}
}

// BatchStatus represents the lifecycle state of a batch.
type BatchStatus string

const (
	// BatchPending indicates the batch was formed but not started.
	BatchPending BatchStatus = "pending"
	// BatchRunning indicates the batch's tasks are executing.
	BatchRunning BatchStatus = "running"
	// BatchComplete indicates every task completed and integration passed.
	BatchComplete BatchStatus = "complete"
	// BatchFailed indicates the batch ended without full integration.
	BatchFailed BatchStatus = "failed"
)

// Batch groups mutually non-conflicting tasks scheduled together.
type Batch struct {
	// BatchID identifies the batch within the run (batch-1, batch-2, ...).
	BatchID string `json:"batch_id"`
	// Status is the batch lifecycle state.
	Status BatchStatus `json:"status"`
	// Tasks lists the ids of tasks in this batch, in scheduling order.
	Tasks []string `json:"tasks"`
	// StartedAt is when the batch began.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the batch ended.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// MergeCommit is the integration HEAD after this batch's merges.
	MergeCommit string `json:"merge_commit,omitempty"`
	// IntegrationDoctorPassed records the integration doctor verdict.
	IntegrationDoctorPassed *bool `json:"integration_doctor_passed,omitempty"`
	// Locks is a debug snapshot of the lock table for this batch.
	Locks map[string][]string `json:"locks,omitempty"`
}

// ControlPlane snapshots the graph model the run was planned against.
type ControlPlane struct {
	// BaseSHA is the main-branch commit the graph was extracted from.
	BaseSHA string `json:"base_sha"`
	// GraphFingerprint identifies the component graph contents.
	GraphFingerprint string `json:"graph_fingerprint"`
}

// RunState is the persistent record of one orchestrator run.
// The state store exclusively owns mutation; every save is atomic.
type RunState struct {
	// SchemaVersion guards against loading incompatible state files.
	SchemaVersion int `json:"schema_version"`
	// RunID identifies the run (default: UTC YYYYMMDD-HHMMSS).
	RunID string `json:"run_id"`
	// Project is the project name the run belongs to.
	Project string `json:"project"`
	// RepoPath is the source repository the workspaces clone from.
	RepoPath string `json:"repo_path"`
	// MainBranch is the integration branch name.
	MainBranch string `json:"main_branch"`
	// Status is the run lifecycle state.
	Status RunStatus `json:"status"`
	// StartedAt is when the run was created.
	StartedAt time.Time `json:"started_at"`
	// UpdatedAt is bumped on every save; staleness recovery keys off it.
	UpdatedAt time.Time `json:"updated_at"`
	// Batches is the ordered batch history.
	Batches []*Batch `json:"batches"`
	// Tasks maps task id to its per-run state.
	Tasks map[string]*TaskState `json:"tasks"`
	// TokensUsed is the run-wide token total.
	TokensUsed int64 `json:"tokens_used"`
	// EstimatedCost is the run-wide cost total.
	EstimatedCost float64 `json:"estimated_cost"`
	// ControlPlane is the optional graph-model snapshot.
	ControlPlane *ControlPlane `json:"control_plane,omitempty"`
}

// RunSummary is one row of the per-project run history index.
type RunSummary struct {
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	RepoPath  string    `json:"repo_path"`
	TaskCount int       `json:"task_count"`
}

// Summarize reduces a RunState to its index row.
func (r *RunState) Summarize() RunSummary {
	return RunSummary{
		RunID:     r.RunID,
		Status:    r.Status,
		StartedAt: r.StartedAt,
		UpdatedAt: r.UpdatedAt,
		RepoPath:  r.RepoPath,
		TaskCount: len(r.Tasks),
	}
}

// CountByStatus returns the number of tasks in each status.
func (r *RunState) CountByStatus() map[TaskStatus]int {
	counts := make(map[TaskStatus]int)
	for _, t := range r.Tasks {
		counts[t.Status]++
	}
	return counts
}
