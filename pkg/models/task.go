// Package models defines the shared value types for mycelium: run state,
// batches, task state, and manifests. It is intentionally dependency-free so
// every internal package can import it.
package models

import "time"

// TaskStatus represents the current state of a task within a run.
type TaskStatus string

const (
	// TaskPending indicates the task has not started (or was reset).
	TaskPending TaskStatus = "pending"
	// TaskRunning indicates a worker is executing the task.
	TaskRunning TaskStatus = "running"
	// TaskValidated indicates the worker finished green and the task is
	// awaiting merge into the integration branch.
	TaskValidated TaskStatus = "validated"
	// TaskComplete indicates the task branch merged and the integration
	// doctor passed.
	TaskComplete TaskStatus = "complete"
	// TaskFailed indicates the worker exhausted its retries.
	TaskFailed TaskStatus = "failed"
	// TaskNeedsHumanReview indicates a validator or budget blocked the task.
	TaskNeedsHumanReview TaskStatus = "needs_human_review"
	// TaskNeedsRescope indicates a rescopable scope violation under block
	// enforcement; an operator must re-queue it.
	TaskNeedsRescope TaskStatus = "needs_rescope"
	// TaskRescopeRequired indicates a non-rescopable scope violation;
	// terminal for this run.
	TaskRescopeRequired TaskStatus = "rescope_required"
	// TaskSkipped indicates the ledger matched the task's fingerprint to a
	// previously merged run.
	TaskSkipped TaskStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskValidated, TaskComplete, TaskFailed,
		TaskNeedsHumanReview, TaskNeedsRescope, TaskRescopeRequired, TaskSkipped:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status ends the task for this run.
// completed_at is set exactly on these statuses plus validated.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskComplete, TaskFailed, TaskNeedsHumanReview, TaskNeedsRescope,
		TaskRescopeRequired, TaskSkipped:
		return true
	default:
		return false
	}
}

// ValidatorResult records the outcome of one validator for one task.
type ValidatorResult struct {
	// Name is the validator name (test, style, architecture, doctor).
	Name string `json:"name"`
	// Status is pass, fail, or error.
	Status string `json:"status"`
	// Mode is the configured mode at evaluation time (warn or block).
	Mode string `json:"mode"`
	// Summary is the one-line verdict from the judge.
	Summary string `json:"summary,omitempty"`
	// ReportPath points at the JSON report on disk.
	ReportPath string `json:"report_path,omitempty"`
}

// AttemptUsage records token consumption for a single worker attempt.
type AttemptUsage struct {
	// Attempt is the 1-based attempt number.
	Attempt int `json:"attempt"`
	// InputTokens counts prompt tokens including cache reads.
	InputTokens int64 `json:"input_tokens"`
	// OutputTokens counts completion tokens.
	OutputTokens int64 `json:"output_tokens"`
	// TotalTokens is the per-attempt sum used for budget checks.
	TotalTokens int64 `json:"total_tokens"`
	// EstimatedCost is tokens/1000 * cost_per_1k, rounded to 4 decimals.
	EstimatedCost float64 `json:"estimated_cost"`
}

// HumanReview records operator follow-up on a blocked task.
type HumanReview struct {
	// Reason is why the task was routed to review.
	Reason string `json:"reason"`
	// Decision is the operator's disposition, if recorded.
	Decision string `json:"decision,omitempty"`
	// DecidedAt is when the decision was recorded.
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

// TaskState tracks one task's progress through a run.
type TaskState struct {
	// Status is the task's position in the lifecycle state machine.
	Status TaskStatus `json:"status"`
	// Attempts counts worker attempts; incremented on every start.
	Attempts int `json:"attempts"`
	// BatchID is the batch the task last ran in.
	BatchID string `json:"batch_id,omitempty"`
	// Branch is the per-task git branch name.
	Branch string `json:"branch,omitempty"`
	// Workspace is the absolute path of the task's clone.
	Workspace string `json:"workspace,omitempty"`
	// LogsDir is the task's log directory.
	LogsDir string `json:"logs_dir,omitempty"`
	// ContainerID identifies the task container, if one was started.
	ContainerID string `json:"container_id,omitempty"`
	// StartedAt is when the task first entered running.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is set when the task reaches a terminal status or validated.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// CheckpointCommits lists checkpoint SHAs made during attempts.
	CheckpointCommits []string `json:"checkpoint_commits,omitempty"`
	// ValidatorResults holds the most recent validator pipeline outcomes.
	ValidatorResults []ValidatorResult `json:"validator_results,omitempty"`
	// HumanReview is set when the task needs operator attention.
	HumanReview *HumanReview `json:"human_review,omitempty"`
	// TokensUsed is the total tokens across all attempts.
	TokensUsed int64 `json:"tokens_used"`
	// EstimatedCost is the total cost across all attempts.
	EstimatedCost float64 `json:"estimated_cost"`
	// UsageByAttempt breaks usage down per attempt.
	UsageByAttempt []AttemptUsage `json:"usage_by_attempt,omitempty"`
	// LastError is the most recent failure reason.
	LastError string `json:"last_error,omitempty"`
	// ThreadID is the agent conversation thread for resume.
	ThreadID string `json:"thread_id,omitempty"`
}
