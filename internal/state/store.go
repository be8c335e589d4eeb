// Package state persists run state crash-safely. Every save validates the
// document, writes a temp file, fsyncs, and renames over the canonical path,
// so a reader never observes a partial state. The store also owns the task
// lifecycle state machine: all status changes go through its methods.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mycelium-sh/mycelium/internal/eventlog"
	"github.com/mycelium-sh/mycelium/pkg/models"
)

// SchemaVersion is the current run-state schema. Older files missing
// optional fields still load; a higher version refuses to load.
const SchemaVersion = 1

// DefaultStaleness is how old a running state's updated_at may be before
// load demotes it to paused and resets in-flight tasks.
const DefaultStaleness = 10 * time.Minute

// Store persists one run's state. A single orchestrator process owns the
// run; saves within the process are serialized by the store's mutex.
// Multi-process access is not supported.
type Store struct {
	// path is the canonical run-state file.
	path string
	// events optionally receives recovery events emitted by Load.
	events *eventlog.Writer
	// staleness overrides DefaultStaleness when positive.
	staleness time.Duration
	// now is injectable for tests.
	now func() time.Time
	mu  sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithEvents routes store-emitted events (stale recovery) to the writer.
func WithEvents(w *eventlog.Writer) Option {
	return func(s *Store) { s.events = w }
}

// WithStaleness overrides the staleness threshold.
func WithStaleness(d time.Duration) Option {
	return func(s *Store) { s.staleness = d }
}

// WithClock overrides the store's clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store for the run-state file at path.
func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path:      path,
		staleness: DefaultStaleness,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the canonical state file path.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether a state file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Save validates and atomically persists the state, bumping updated_at.
// Either the entire new state becomes visible or none of it does.
func (s *Store) Save(run *models.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(run)
}

func (s *Store) saveLocked(run *models.RunState) error {
	run.SchemaVersion = SchemaVersion
	run.UpdatedAt = s.now()

	if err := Validate(run); err != nil {
		return fmt.Errorf("refusing to save invalid state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	data = append(data, '\n')

	tmp := fmt.Sprintf("%s.%s.tmp", s.path, uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync temp state file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish state file: %w", err)
	}
	return nil
}

// Load parses and validates the state file, then applies staleness recovery:
// a running state whose updated_at is older than the threshold demotes to
// paused, in-flight tasks reset to pending, and run.stale_recovery is
// emitted. Recovery is idempotent.
func (s *Store) Load() (*models.RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.NewUserError(models.CodeNotFound, "run state not found",
				fmt.Sprintf("no run state at %s", s.path), "check --project and --run-id, or start a new run", err)
		}
		return nil, fmt.Errorf("read run state: %w", err)
	}

	var run models.RunState
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, corrupt(s.path, err)
	}
	if err := Validate(&run); err != nil {
		return nil, corrupt(s.path, err)
	}

	if run.Status == models.RunRunning && s.now().Sub(run.UpdatedAt) > s.staleness {
		age := s.now().Sub(run.UpdatedAt).Round(time.Second)
		reason := fmt.Sprintf("Stale recovery after %s without a state update", age)
		run.Status = models.RunPaused
		resetRunningTasks(&run, reason, s.now())
		if err := s.saveLocked(&run); err != nil {
			return nil, fmt.Errorf("persist stale recovery: %w", err)
		}
		if s.events != nil {
			s.events.Emit(eventlog.TypeRunStaleRecovery, "", 0, map[string]any{
				"run_id": run.RunID,
				"reason": reason,
			})
		}
	}

	return &run, nil
}

func corrupt(path string, err error) error {
	return models.NewUserError(models.CodeStateCorrupt, "run state unreadable",
		fmt.Sprintf("%s failed validation: %v", path, err),
		"run `mycelium resume` to retry, or `mycelium clean` to discard the run", err)
}

// resetRunningTasks returns every running task to pending with its workspace
// bookkeeping cleared, and fails any running batch.
func resetRunningTasks(run *models.RunState, reason string, now time.Time) {
	for _, task := range run.Tasks {
		if task.Status != models.TaskRunning {
			continue
		}
		task.Status = models.TaskPending
		task.BatchID = ""
		task.Branch = ""
		task.Workspace = ""
		task.ContainerID = ""
		task.LogsDir = ""
		task.ValidatorResults = nil
		task.LastError = reason
	}
	for _, batch := range run.Batches {
		if batch.Status == models.BatchRunning {
			batch.Status = models.BatchFailed
			completed := now
			batch.CompletedAt = &completed
		}
	}
}

// ResetRunningTasks applies the stale-recovery task reset with the given
// reason. Exposed for operator tooling and stop handling.
func (s *Store) ResetRunningTasks(run *models.RunState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	resetRunningTasks(run, reason, s.now())
	return s.saveLocked(run)
}

// Validate checks structural invariants of a run state document.
func Validate(run *models.RunState) error {
	if run.SchemaVersion > SchemaVersion {
		return fmt.Errorf("schema version %d is newer than supported %d", run.SchemaVersion, SchemaVersion)
	}
	if run.RunID == "" {
		return fmt.Errorf("missing run_id")
	}
	if run.Project == "" {
		return fmt.Errorf("missing project")
	}
	if !run.Status.Valid() {
		return fmt.Errorf("unknown run status %q", run.Status)
	}
	for id, task := range run.Tasks {
		if !task.Status.Valid() {
			return fmt.Errorf("task %s: unknown status %q", id, task.Status)
		}
		if task.Attempts < 0 {
			return fmt.Errorf("task %s: negative attempts", id)
		}
		if task.Status == models.TaskRunning && task.Attempts < 1 {
			return fmt.Errorf("task %s: running with zero attempts", id)
		}
	}
	for _, batch := range run.Batches {
		if batch.BatchID == "" {
			return fmt.Errorf("batch with empty id")
		}
		for _, tid := range batch.Tasks {
			if _, ok := run.Tasks[tid]; !ok {
				return fmt.Errorf("batch %s references unknown task %s", batch.BatchID, tid)
			}
		}
	}
	return nil
}
