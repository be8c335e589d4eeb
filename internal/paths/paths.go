// Package paths derives every on-disk location mycelium uses from the
// mycelium home directory. Paths are computed, never stored in state, so a
// relocated home keeps old runs readable.
package paths

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DefaultDirName is the in-repo fallback home directory.
const DefaultDirName = ".mycelium"

// maxSlugLen caps task slugs so directory names stay manageable.
const maxSlugLen = 80

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Home resolves the mycelium home directory: $MYCELIUM_HOME if set,
// otherwise .mycelium under the given repo path.
func Home(repoPath string) string {
	if home := os.Getenv("MYCELIUM_HOME"); home != "" {
		return home
	}
	return filepath.Join(repoPath, DefaultDirName)
}

// NewRunID returns the default run id: UTC timestamp YYYYMMDD-HHMMSS.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102-150405")
}

// Slugify lowercases a task name to ASCII, collapses non-alphanumeric runs
// to single dashes, trims edge dashes, and caps the length at 80.
func Slugify(name string) string {
	slug := slugStrip.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	return slug
}

// Layout computes concrete paths for one run of one project.
type Layout struct {
	// Home is the mycelium home directory.
	Home string
	// Project is the project name.
	Project string
	// RunID is the run identifier.
	RunID string
}

// RunStateDir returns the per-project state directory.
func (l Layout) RunStateDir() string {
	return filepath.Join(l.Home, "state", l.Project)
}

// RunStatePath returns the canonical run-state file.
func (l Layout) RunStatePath() string {
	return filepath.Join(l.RunStateDir(), "run-"+l.RunID+".json")
}

// IndexPath returns the per-project run history index.
func (l Layout) IndexPath() string {
	return filepath.Join(l.RunStateDir(), "index.json")
}

// LedgerPath returns the per-project merged-task ledger database.
func (l Layout) LedgerPath() string {
	return filepath.Join(l.RunStateDir(), "ledger.db")
}

// RunLogsDir returns the per-run log directory.
func (l Layout) RunLogsDir() string {
	return filepath.Join(l.Home, "logs", l.Project, "run-"+l.RunID)
}

// OrchestratorLog returns the orchestrator's JSONL event log.
func (l Layout) OrchestratorLog() string {
	return filepath.Join(l.RunLogsDir(), "orchestrator.jsonl")
}

// TaskLogsDir returns the log directory for one task.
func (l Layout) TaskLogsDir(taskID, taskSlug string) string {
	return filepath.Join(l.RunLogsDir(), "tasks", taskID+"-"+taskSlug)
}

// TaskEventsLog returns the task's JSONL event log.
func (l Layout) TaskEventsLog(taskID, taskSlug string) string {
	return filepath.Join(l.TaskLogsDir(taskID, taskSlug), "events.jsonl")
}

// TaskWorkspaceDir returns the task's git clone directory.
func (l Layout) TaskWorkspaceDir(taskID string) string {
	return filepath.Join(l.WorkspacesRoot(), taskID)
}

// WorkspacesRoot returns the root of all workspaces for this run.
func (l Layout) WorkspacesRoot() string {
	return filepath.Join(l.Home, "workspaces", l.Project, "run-"+l.RunID)
}

// ReportPath returns the JSON report location for one validator on one task.
func (l Layout) ReportPath(taskID, taskSlug, validator string) string {
	return filepath.Join(l.TaskLogsDir(taskID, taskSlug), "report-"+validator+".json")
}
