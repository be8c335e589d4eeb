// Package merge folds validated task branches into the integration
// branch: sequential no-ff merges with conflict quarantine, an
// integration doctor gate, task-dir archival, and ledger recording.
package merge

import (
	"context"
	"fmt"
	"strings"

	"github.com/mycelium-sh/mycelium/internal/eventlog"
	"github.com/mycelium-sh/mycelium/internal/exec"
	"github.com/mycelium-sh/mycelium/internal/git"
	"github.com/mycelium-sh/mycelium/internal/ledger"
	"github.com/mycelium-sh/mycelium/internal/manifest"
	"github.com/mycelium-sh/mycelium/pkg/models"
)

// Status of one batch integration.
const (
	// StatusMerged means at least one branch merged and the doctor gate
	// ran (its verdict is DoctorPassed).
	StatusMerged = "merged"
	// StatusSkipped means nothing merged, by conflict or empty input.
	StatusSkipped = "skipped"
)

// Candidate is one validated task branch to integrate.
type Candidate struct {
	TaskID string
	Branch string
	// TaskDir is the task directory name under active/ to archive on
	// completion.
	TaskDir string
	// Fingerprint keys the merged-task ledger entry.
	Fingerprint string
}

// Conflict records a branch quarantined during integration.
type Conflict struct {
	TaskID string
	Branch string
	Output string
}

// Result is the outcome of integrating one batch.
type Result struct {
	Status       string
	Merged       []string
	Conflicts    []Conflict
	MergeCommit  string
	DoctorPassed bool
	// RolledBack is true when a doctor failure reset the branch to the
	// pre-merge commit.
	RolledBack bool
}

// Options configures an Integrator.
type Options struct {
	RepoPath   string
	MainBranch string
	RunID      string
	DoctorCmd  string
	// RollbackOnDoctorFailure resets to the pre-merge SHA when the
	// integration doctor fails. Default leaves the merge commit in
	// place for inspection.
	RollbackOnDoctorFailure bool
	// TasksRoot is the kanban root for archiving completed task dirs.
	TasksRoot string
	// Layout is the task-directory layout under TasksRoot.
	Layout manifest.LayoutKind
}

// Integrator merges batches into the integration branch.
type Integrator struct {
	opts   Options
	repo   git.Runner
	shell  exec.CommandRunner
	events *eventlog.Writer
	ledger *ledger.Ledger
}

// New creates an Integrator. events and led may be nil.
func New(opts Options, repo git.Runner, shell exec.CommandRunner, events *eventlog.Writer, led *ledger.Ledger) *Integrator {
	return &Integrator{opts: opts, repo: repo, shell: shell, events: events, ledger: led}
}

// IntegrateBatch merges candidates in order, quarantining conflicts,
// then gates on the integration doctor. Tasks are only archived and
// recorded in the ledger after a green doctor.
func (it *Integrator) IntegrateBatch(ctx context.Context, batchID string, candidates []Candidate) (*Result, error) {
	res := &Result{Status: StatusSkipped}
	if len(candidates) == 0 {
		return res, nil
	}

	if err := it.repo.CheckoutBranch(it.opts.MainBranch); err != nil {
		return nil, models.NewUserError(models.CodeGitError,
			"integration branch checkout failed",
			fmt.Sprintf("cannot check out %s in %s", it.opts.MainBranch, it.opts.RepoPath),
			"", err)
	}
	preMergeSHA, err := it.repo.HeadSHA()
	if err != nil {
		return nil, err
	}

	it.emit(eventlog.TypeBatchMerging, "", 0, map[string]any{
		"batch_id": batchID, "branches": len(candidates),
	})

	merged := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg := fmt.Sprintf("merge task %s (%s)", c.TaskID, c.Branch)
		sha, mergeErr := it.repo.MergeNoFF(c.Branch, msg)
		if mergeErr != nil {
			if !git.IsMergeConflict(mergeErr) {
				return nil, mergeErr
			}
			if abortErr := it.repo.MergeAbort(); abortErr != nil {
				return nil, fmt.Errorf("abort conflicted merge of %s: %w", c.Branch, abortErr)
			}
			res.Conflicts = append(res.Conflicts, Conflict{
				TaskID: c.TaskID, Branch: c.Branch, Output: mergeErr.Error(),
			})
			it.emit(eventlog.TypeBatchMergeConflict, c.TaskID, 0, map[string]any{
				"batch_id": batchID, "branch": c.Branch,
			})
			continue
		}
		merged = append(merged, c)
		res.Merged = append(res.Merged, c.TaskID)
		res.MergeCommit = sha
	}

	if len(merged) == 0 {
		return res, nil
	}
	res.Status = StatusMerged

	doctorOutput, passed, err := it.runDoctor(ctx)
	if err != nil {
		return nil, err
	}
	res.DoctorPassed = passed

	if !passed {
		it.emit(eventlog.TypeDoctorFail, "", 0, map[string]any{
			"batch_id": batchID, "phase": "integration",
			"output": tail(doctorOutput, 2000),
		})
		if it.opts.RollbackOnDoctorFailure {
			if err := it.repo.ResetHard(preMergeSHA); err != nil {
				return nil, fmt.Errorf("roll back failed integration: %w", err)
			}
			res.RolledBack = true
			res.MergeCommit = ""
		}
		return res, nil
	}

	it.emit(eventlog.TypeDoctorPass, "", 0, map[string]any{
		"batch_id": batchID, "phase": "integration",
	})

	for _, c := range merged {
		if err := it.finishTask(c, res.MergeCommit); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// finishTask archives the task dir and records the merge in the
// cross-run ledger.
func (it *Integrator) finishTask(c Candidate, mergeCommit string) error {
	if c.TaskDir != "" && it.opts.TasksRoot != "" {
		err := manifest.MoveTaskDir(it.opts.TasksRoot, it.opts.Layout, c.TaskDir,
			manifest.StageActive, manifest.StageArchive, it.opts.RunID)
		if err != nil {
			return err
		}
	}
	if it.ledger != nil && c.Fingerprint != "" {
		err := it.ledger.RecordMerged(ledger.MergedTask{
			Fingerprint: c.Fingerprint,
			TaskID:      c.TaskID,
			RunID:       it.opts.RunID,
			MergeCommit: mergeCommit,
		})
		if err != nil {
			return fmt.Errorf("record merged task %s: %w", c.TaskID, err)
		}
	}
	return nil
}

// runDoctor executes the integration doctor on the current branch.
func (it *Integrator) runDoctor(ctx context.Context) (string, bool, error) {
	if it.opts.DoctorCmd == "" {
		return "", true, nil
	}
	it.emit(eventlog.TypeDoctorStart, "", 0, map[string]any{"phase": "integration", "command": it.opts.DoctorCmd})
	r, err := it.shell.RunShell(ctx, it.opts.RepoPath, it.opts.DoctorCmd)
	if err != nil {
		return "", false, fmt.Errorf("run integration doctor: %w", err)
	}
	return string(r.Output), r.ExitCode == 0, nil
}

func (it *Integrator) emit(eventType, taskID string, attempt int, payload any) {
	if it.events == nil {
		return
	}
	_ = it.events.Emit(eventType, taskID, attempt, payload)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
