package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Retry reason codes recorded on failed attempts.
const (
	ReasonBootstrapFailed = "bootstrap_failed"
	ReasonTDDScope        = "tdd_scope_violation"
	ReasonFastTestFailed  = "fast_test_failed"
	ReasonAgentFailed     = "agent_failed"
	ReasonAgentTimeout    = "agent_timeout"
	ReasonScopeViolation  = "scope_violation"
	ReasonLintFailed      = "lint_failed"
	ReasonDoctorFailed    = "doctor_failed"
	ReasonCommandTimeout  = "command_timeout"
)

// RetryInfo explains why an attempt must be retried.
type RetryInfo struct {
	ReasonCode string   `json:"reason_code"`
	Reason     string   `json:"human_readable_reason"`
	Evidence   []string `json:"evidence_paths,omitempty"`
}

// CommandOutcome records one shell phase of an attempt.
type CommandOutcome struct {
	Command  string `json:"command,omitempty"`
	ExitCode int    `json:"exit_code"`
	LogPath  string `json:"log_path,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// TDDOutcome records strict-TDD stage A for an attempt.
type TDDOutcome struct {
	Stage        string   `json:"stage"`
	ChangedFiles []string `json:"changed_files,omitempty"`
	Violations   []string `json:"violations,omitempty"`
	FastPassed   bool     `json:"fast_passed"`
	Checkpoint   string   `json:"checkpoint,omitempty"`
}

// AttemptRecord is the durable record of one worker attempt, written
// to attempt-N.json in the task's logs directory.
type AttemptRecord struct {
	Attempt           int                       `json:"attempt"`
	Phase             string                    `json:"phase"`
	PromptKind        string                    `json:"prompt_kind"`
	Retry             *RetryInfo                `json:"retry,omitempty"`
	Commands          map[string]CommandOutcome `json:"commands,omitempty"`
	TDD               *TDDOutcome               `json:"tdd,omitempty"`
	BootstrapConsumed bool                      `json:"bootstrap_consumed"`
}

// saveAttempt writes the attempt record to logsDir/attempt-N.json.
func saveAttempt(logsDir string, rec *AttemptRecord) error {
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal attempt record: %w", err)
	}
	path := filepath.Join(logsDir, fmt.Sprintf("attempt-%d.json", rec.Attempt))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write attempt record: %w", err)
	}
	return nil
}

// writeLog writes captured command output under logsDir and returns
// the file path.
func writeLog(logsDir, name, output string) (string, error) {
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return "", fmt.Errorf("create logs dir: %w", err)
	}
	path := filepath.Join(logsDir, name)
	if err := os.WriteFile(path, []byte(output), 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return path, nil
}
