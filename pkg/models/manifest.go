package models

// TDDMode controls the worker's test-first staging.
type TDDMode string

const (
	// TDDOff disables TDD staging.
	TDDOff TDDMode = "off"
	// TDDStageA asks the agent to write tests first but does not gate on it.
	TDDStageA TDDMode = "stage-a"
	// TDDStrict enforces a tests-only first turn verified against test_paths.
	TDDStrict TDDMode = "strict"
)

// Valid returns true if the mode is a known value. The empty string is
// treated as off for manifests that predate the field.
func (m TDDMode) Valid() bool {
	switch m {
	case TDDOff, TDDStageA, TDDStrict, "":
		return true
	default:
		return false
	}
}

// Locks declares the named resources a task reads and writes. The scheduler
// never co-schedules two tasks that conflict: a shared write, or a write on
// one side and a read on the other.
type Locks struct {
	Reads  []string `json:"reads,omitempty" yaml:"reads,omitempty"`
	Writes []string `json:"writes,omitempty" yaml:"writes,omitempty"`
}

// Files declares the file globs a task expects to read and write.
type Files struct {
	Reads  []string `json:"reads,omitempty" yaml:"reads,omitempty"`
	Writes []string `json:"writes,omitempty" yaml:"writes,omitempty"`
}

// Verify declares the per-task verification commands.
type Verify struct {
	// Doctor is the health command that must exit 0 on the task branch.
	Doctor string `json:"doctor" yaml:"doctor"`
}

// TaskManifest is the planner's declaration of one unit of agent work.
// Manifests are immutable once planned, except that auto-rescope may append
// to Files.Writes and reset the task to pending.
type TaskManifest struct {
	// ID is the task's numeric-string id (001, 002, ...).
	ID string `json:"id" yaml:"id"`
	// Name is the short human-readable task name; its slug names directories.
	Name string `json:"name" yaml:"name"`
	// Description is the prose handed to the agent alongside the spec.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// EstimatedMinutes is the planner's effort estimate.
	EstimatedMinutes int `json:"estimated_minutes,omitempty" yaml:"estimated_minutes,omitempty"`
	// Dependencies lists task ids that must complete first.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	// Locks are the declared resource locks.
	Locks Locks `json:"locks" yaml:"locks"`
	// Files are the declared file globs.
	Files Files `json:"files" yaml:"files"`
	// AffectedTests names tests the change is expected to touch.
	AffectedTests []string `json:"affected_tests,omitempty" yaml:"affected_tests,omitempty"`
	// TestPaths are the globs that bound strict-TDD stage A changes.
	TestPaths []string `json:"test_paths,omitempty" yaml:"test_paths,omitempty"`
	// TDDMode selects the worker's TDD staging.
	TDDMode TDDMode `json:"tdd_mode,omitempty" yaml:"tdd_mode,omitempty"`
	// Verify holds the per-task verification commands.
	Verify Verify `json:"verify" yaml:"verify"`
}
