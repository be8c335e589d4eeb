// Package orchestrator drives a run end to end: it builds batches from the
// dependency graph, provisions a workspace per task, runs the worker loop,
// judges results with the validator pipeline, merges validated branches,
// and persists every transition through the state store.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mycelium-sh/mycelium/internal/config"
	"github.com/mycelium-sh/mycelium/internal/eventlog"
	"github.com/mycelium-sh/mycelium/internal/git"
	"github.com/mycelium-sh/mycelium/internal/graph"
	"github.com/mycelium-sh/mycelium/internal/ledger"
	"github.com/mycelium-sh/mycelium/internal/manifest"
	"github.com/mycelium-sh/mycelium/internal/merge"
	"github.com/mycelium-sh/mycelium/internal/paths"
	"github.com/mycelium-sh/mycelium/internal/scheduler"
	"github.com/mycelium-sh/mycelium/internal/state"
	"github.com/mycelium-sh/mycelium/internal/validator"
	"github.com/mycelium-sh/mycelium/internal/worker"
	"github.com/mycelium-sh/mycelium/internal/workspace"
	"github.com/mycelium-sh/mycelium/pkg/models"
)

// Provisioner materializes and verifies per-task workspaces.
type Provisioner interface {
	Prepare(opts workspace.Options) (*workspace.Result, error)
	Cleanup(dir string) error
}

// TaskRunner executes the worker attempt loop for one task.
type TaskRunner interface {
	Run(ctx context.Context, in *worker.Inputs) (*worker.Result, error)
}

// WorkerFactory builds the task runner for one prepared workspace. The
// writer receives the task's event stream.
type WorkerFactory func(workspaceDir string, events *eventlog.Writer) TaskRunner

// ValidatorRunner judges one validated task.
type ValidatorRunner interface {
	Run(ctx context.Context, in validator.Input) ([]models.ValidatorResult, string, error)
}

// BatchIntegrator merges validated branches into the integration branch.
type BatchIntegrator interface {
	IntegrateBatch(ctx context.Context, batchID string, candidates []merge.Candidate) (*merge.Result, error)
}

var (
	_ Provisioner     = (*workspace.Manager)(nil)
	_ TaskRunner      = (*worker.Worker)(nil)
	_ ValidatorRunner = (*validator.Pipeline)(nil)
	_ BatchIntegrator = (*merge.Integrator)(nil)
)

// Options identifies the run and its repository.
type Options struct {
	Project    string
	RunID      string
	RepoPath   string
	MainBranch string
	// TasksRoot is the kanban root the task directories live under.
	TasksRoot  string
	TaskLayout manifest.LayoutKind
	Layout     paths.Layout
	Config     *config.Config
}

// Deps are the engine's collaborators. Store, Workspaces, NewWorker, and
// Integrator are required; the rest degrade gracefully when nil.
type Deps struct {
	Store      *state.Store
	Events     *eventlog.Writer
	Debug      *DebugLogger
	Workspaces Provisioner
	NewWorker  WorkerFactory
	Validators ValidatorRunner
	Integrator BatchIntegrator
	// BatchDoctor reviews integration doctor health per batch.
	BatchDoctor *validator.BatchDoctor
	// Ledger skips tasks whose fingerprint already merged in a prior run.
	Ledger *ledger.Ledger
	// Repo is the integration repository, used for validator diff stats.
	Repo git.Runner
}

type taskResult struct {
	id  string
	res *worker.Result
	err error
}

// Engine owns the main loop for one run.
type Engine struct {
	opts Options
	deps Deps

	debug  *DebugLogger
	budget *BudgetTracker
	dag    *graph.DependencyGraph

	tasksByID    map[string]*manifest.Task
	fingerprints map[string]string
	// conflicted tracks quarantined merge conflicts so a later
	// successful merge can be reported as recovered.
	conflicted map[string]bool

	stopRequested atomic.Bool
	// drained is set when a stop arrived while a batch was in flight;
	// the run then parks as paused instead of stopped.
	drained bool
}

// New creates an engine. The configuration must already be validated.
func New(opts Options, deps Deps) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("orchestrator: nil config")
	}
	if deps.Store == nil || deps.Workspaces == nil || deps.NewWorker == nil || deps.Integrator == nil {
		return nil, fmt.Errorf("orchestrator: missing required dependency")
	}
	debug := deps.Debug
	if debug == nil {
		debug = &DebugLogger{}
	}
	return &Engine{
		opts:       opts,
		deps:       deps,
		debug:      debug,
		budget:     NewBudgetTracker(opts.Config.Budgets),
		conflicted: make(map[string]bool),
	}, nil
}

/// Stop requests a drain: the current batch finishes, then the run parks.
// Safe to call from a signal handler goroutine.
func (e *Engine) Stop() {
	e.stopRequested.Store(true)
	e.debug.Log("stop requested; draining current batch")
}

func (e *Engine) maxParallel() int {
	if n := e.opts.Config.Run.MaxParallel; n > 0 {
		return n
	}
	return 1
}

// index registers tasks by id and precomputes their ledger fingerprints.
func (e *Engine) index(tasks []*manifest.Task) error {
	e.tasksByID = make(map[string]*manifest.Task, len(tasks))
	e.fingerprints = make(map[string]string, len(tasks))
	manifests := make([]*models.TaskManifest, 0, len(tasks))
	for _, t := range tasks {
		e.tasksByID[t.Manifest.ID] = t
		fp, err := manifest.Fingerprint(t.Manifest, t.Spec)
		if err != nil {
			return fmt.Errorf("fingerprint task %s: %w", t.Manifest.ID, err)
		}
		e.fingerprints[t.Manifest.ID] = fp
		manifests = append(manifests, t.Manifest)
	}
	e.dag = graph.New()
	if err := e.dag.Build(manifests); err != nil {
		return models.NewUserError(models.CodeConfigInvalid, "invalid task graph",
			err.Error(), "fix the task manifests under "+e.opts.TasksRoot, err)
	}
	return nil
}

// Plan builds the batch schedule without executing anything. Used by
// `run --dry-run` to print what would happen.
func (e *Engine) Plan(tasks []*manifest.Task) ([]*models.Batch, error) {
	if err := e.index(tasks); err != nil {
		return nil, err
	}
	var plan []*models.Batch
	for {
		ready := e.dag.Ready()
		if len(ready) == 0 {
			if e.dag.Unresolved() > 0 {
				return nil, models.NewUserError(models.CodePlacementFailed,
					"task graph deadlocks",
					fmt.Sprintf("%d tasks can never become ready", e.dag.Unresolved()),
					"check task dependencies", nil)
			}
			return plan, nil
		}
		b, err := scheduler.BuildBatch(ready, e.maxParallel())
		if err != nil {
			return nil, err
		}
		mb := &models.Batch{
			BatchID: fmt.Sprintf("batch-%d", len(plan)+1),
			Status:  models.BatchPending,
			Tasks:   manifestIDs(b.Tasks),
			Locks:   b.Locks,
		}
		plan = append(plan, mb)
		for _, id := range mb.Tasks {
			e.dag.MarkComplete(id)
		}
	}
}

// Run creates a fresh run for the given tasks and drives it to an end
// state. The returned RunState is the final persisted document.
func (e *Engine) Run(ctx context.Context, tasks []*manifest.Task) (*models.RunState, error) {
	if e.deps.Store.Exists() {
		return nil, models.NewUserError(models.CodeBadRequest, "run already exists",
			fmt.Sprintf("state for run %s is already on disk", e.opts.RunID),
			fmt.Sprintf("use `mycelium resume --run-id %s` or pick a new run id", e.opts.RunID), nil)
	}
	if err := e.index(tasks); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run := &models.RunState{
		SchemaVersion: state.SchemaVersion,
		RunID:         e.opts.RunID,
		Project:       e.opts.Project,
		RepoPath:      e.opts.RepoPath,
		MainBranch:    e.opts.MainBranch,
		Status:        models.RunRunning,
		StartedAt:     now,
		Tasks:         make(map[string]*models.TaskState, len(tasks)),
	}
	for _, t := range tasks {
		run.Tasks[t.Manifest.ID] = &models.TaskState{Status: models.TaskPending}
	}
	if err := e.deps.Store.Save(run); err != nil {
		return nil, err
	}
	e.emit(eventlog.TypeRunStart, "", 0, map[string]any{
		"run_id": run.RunID, "project": run.Project, "tasks": len(tasks),
	})
	e.debug.Log("run %s started with %d tasks", run.RunID, len(tasks))

	e.skipLedgerHits(run)
	return e.loop(ctx, run)
}

// Resume loads a previously persisted run (applying staleness recovery)
// and re-enters the main loop. Validated tasks left from the crashed run
// are merged before any new worker starts.
func (e *Engine) Resume(ctx context.Context, tasks []*manifest.Task) (*models.RunState, error) {
	run, err := e.deps.Store.Load()
	if err != nil {
		return nil, err
	}
	if run.Status == models.RunComplete {
		return run, models.NewUserError(models.CodeBadRequest, "run already complete",
			fmt.Sprintf("run %s finished; nothing to resume", run.RunID),
			"start a new run instead", nil)
	}
	if err := e.index(tasks); err != nil {
		return nil, err
	}

	// Staleness recovery handles old runs; a fresh crash can still leave
	// tasks marked running.
	if err := e.deps.Store.ResetRunningTasks(run, "Resume: reset in-flight tasks"); err != nil {
		return nil, err
	}
	for id, ts := range run.Tasks {
		if e.dag.Get(id) == nil {
			continue
		}
		switch ts.Status {
		case models.TaskComplete, models.TaskSkipped:
			e.dag.MarkComplete(id)
		case models.TaskValidated, models.TaskFailed, models.TaskNeedsHumanReview,
			models.TaskNeedsRescope, models.TaskRescopeRequired:
			e.dag.MarkResolved(id)
		}
	}
	if err := e.deps.Store.SetRunStatus(run, models.RunRunning); err != nil {
		return nil, err
	}
	e.emit(eventlog.TypeRunResume, "", 0, map[string]any{"run_id": run.RunID})
	e.debug.Log("run %s resumed", run.RunID)

	// Merge-pending tasks from the interrupted run go first.
	if cands := e.validatedCandidates(run); len(cands) > 0 {
		e.debug.Log("resume: %d validated tasks pending merge", len(cands))
		res, err := e.deps.Integrator.IntegrateBatch(ctx, "resume", cands)
		if err != nil {
			return run, err
		}
		e.applyMerge(run, res)
	}
	return e.loop(ctx, run)
}

func (e *Engine) loop(ctx context.Context, run *models.RunState) (*models.RunState, error) {
	for {
		if e.stopRequested.Load() || ctx.Err() != nil {
			return e.finishStopped(run)
		}
		ready := e.dag.Ready()
		if len(ready) == 0 {
			if e.dag.Unresolved() > 0 {
				return e.failDeadlock(run)
			}
			break
		}

		batch, err := scheduler.BuildBatch(ready, e.maxParallel())
		if err != nil {
			e.deps.Store.SetRunStatus(run, models.RunFailed)
			e.updateIndex(run)
			return run, err
		}
		batchID := fmt.Sprintf("batch-%d", len(run.Batches)+1)
		mb := &models.Batch{
			BatchID: batchID,
			Status:  models.BatchRunning,
			Tasks:   manifestIDs(batch.Tasks),
			Locks:   batch.Locks,
		}
		if err := e.deps.Store.StartBatch(run, mb); err != nil {
			return run, err
		}
		e.emit(eventlog.TypeBatchStart, "", 0, map[string]any{
			"batch_id": batchID, "tasks": mb.Tasks, "deferred": batch.Skipped,
		})
		e.debug.Log("batch %s: %v", batchID, mb.Tasks)

		results := e.runBatch(ctx, run, batchID, batch.Tasks)
		stopSeen := e.stopRequested.Load() || ctx.Err() != nil
		e.foldResults(ctx, run, results)

		mres, err := e.mergeValidated(ctx, run, mb)
		if err != nil {
			e.deps.Store.SetRunStatus(run, models.RunFailed)
			e.updateIndex(run)
			return run, err
		}
		e.finishBatch(run, mb, mres)

		if stopSeen {
			e.drained = true
		}
	}

	if err := e.deps.Store.SetRunStatus(run, models.RunComplete); err != nil {
		return run, err
	}
	counts := run.CountByStatus()
	e.emit(eventlog.TypeRunComplete, "", 0, map[string]any{
		"run_id":   run.RunID,
		"status":   string(run.Status),
		"complete": counts[models.TaskComplete],
		"failed":   counts[models.TaskFailed],
		"skipped":  counts[models.TaskSkipped],
		"tokens":   run.TokensUsed,
		"cost":     run.EstimatedCost,
	})
	e.debug.Log("run %s complete: %d/%d tasks merged", run.RunID,
		counts[models.TaskComplete], len(run.Tasks))
	e.updateIndex(run)
	return run, nil
}

// skipLedgerHits marks tasks whose fingerprint already merged in a prior
// run as skipped, unblocking their dependents.
func (e *Engine) skipLedgerHits(run *models.RunState) {
	if e.deps.Ledger == nil {
		return
	}
	ids := make([]string, 0, len(e.tasksByID))
	for id := range e.tasksByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		hit, err := e.deps.Ledger.Lookup(e.fingerprints[id])
		if err != nil {
			e.debug.Log("ledger lookup %s: %v", id, err)
			continue
		}
		if hit == nil {
			continue
		}
		reason := fmt.Sprintf("already merged in run %s (commit %s)", hit.RunID, hit.MergeCommit)
		if err := e.deps.Store.MarkTaskSkipped(run, id, reason); err != nil {
			e.debug.Log("skip %s: %v", id, err)
			continue
		}
		e.dag.MarkComplete(id)
		e.emit(eventlog.TypeTaskSkipped, id, 0, map[string]any{
			"prior_run": hit.RunID, "merge_commit": hit.MergeCommit,
		})
	}
}

// runBatch moves every batch task to running, then executes the task
// pipelines in parallel. State is only mutated before the goroutines
// start and after they all finish.
func (e *Engine) runBatch(ctx context.Context, run *models.RunState, batchID string, manifests []*models.TaskManifest) []taskResult {
	var started []*manifest.Task
	var results []taskResult
	for _, m := range manifests {
		t := e.tasksByID[m.ID]
		branch := fmt.Sprintf("task/%s/%s", e.opts.RunID, m.ID)
		logsDir := e.opts.Layout.TaskLogsDir(m.ID, t.Slug())
		wsDir := e.opts.Layout.TaskWorkspaceDir(m.ID)
		if err := e.deps.Store.MarkTaskRunning(run, m.ID, batchID, branch, wsDir, logsDir); err != nil {
			results = append(results, taskResult{id: m.ID, err: err})
			continue
		}
		started = append(started, t)
	}

	parallel := make([]taskResult, len(started))
	var wg sync.WaitGroup
	for i, t := range started {
		wg.Add(1)
		go func(i int, t *manifest.Task) {
			defer wg.Done()
			id := t.Manifest.ID
			res, err := e.runTask(ctx, run.Tasks[id], t)
			parallel[i] = taskResult{id: id, res: res, err: err}
		}(i, t)
	}
	wg.Wait()
	return append(results, parallel...)
}

// runTask provisions the workspace and drives the worker loop. It never
// touches run state; the caller folds the result.
func (e *Engine) runTask(ctx context.Context, ts *models.TaskState, t *manifest.Task) (*worker.Result, error) {
	id := t.Manifest.ID
	if err := os.MkdirAll(ts.LogsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	events, err := eventlog.NewWriter(filepath.Join(ts.LogsDir, "events.jsonl"))
	if err != nil {
		return nil, err
	}
	defer events.Close()

	if _, err := e.deps.Workspaces.Prepare(workspace.Options{
		Dir:          ts.Workspace,
		RepoPath:     e.opts.RepoPath,
		MainBranch:   e.opts.MainBranch,
		TaskBranch:   ts.Branch,
		RecoverDirty: true,
	}); err != nil {
		return nil, err
	}

	runner := e.deps.NewWorker(ts.Workspace, events)
	in := e.workerInputs(ts, t)
	e.debug.Log("task %s: worker starting in %s", id, ts.Workspace)
	return runner.Run(ctx, in)
}

func (e *Engine) workerInputs(ts *models.TaskState, t *manifest.Task) *worker.Inputs {
	cfg := e.opts.Config
	tddMode := t.Manifest.TDDMode
	if tddMode == "" {
		tddMode = models.TDDMode(cfg.Worker.TDDMode)
	}
	doctor := cfg.Worker.Doctor
	if t.Manifest.Verify.Doctor != "" {
		doctor = t.Manifest.Verify.Doctor
	}
	return &worker.Inputs{
		TaskID:        t.Manifest.ID,
		Task:          t,
		Branch:        ts.Branch,
		Workspace:     ts.Workspace,
		LogsDir:       ts.LogsDir,
		DoctorCmd:     doctor,
		LintCmd:       cfg.Worker.Lint,
		FastCmd:       cfg.Worker.FastCommand,
		BootstrapCmds: cfg.Worker.Bootstrap,
		MaxRetries:    cfg.Worker.MaxRetries,
		TestPaths:     t.Manifest.TestPaths,
		TDDMode:       tddMode,
		Enforcement: worker.Enforcement{
			Mode:        cfg.Enforcement.ManifestEnforcement,
			AutoRescope: cfg.Enforcement.AutoRescope,
		},
		PromptLimit:   cfg.Worker.PromptLimit,
		TurnTimeout:   cfg.Worker.TurnTimeout,
		LintTimeout:   cfg.LintTimeout(),
		DoctorTimeout: cfg.DoctorTimeout(),
		CostPer1K:     cfg.Agent.CostPer1K,
		Checkpoint:    cfg.Worker.Checkpoint,
	}
}

// foldResults reduces worker results to state transitions, applies
// budgets, and runs the validator pipeline over successes.
func (e *Engine) foldResults(ctx context.Context, run *models.RunState, results []taskResult) {
	for _, r := range results {
		ts := run.Tasks[r.id]
		if r.res != nil {
			if r.res.ThreadID != "" {
				ts.ThreadID = r.res.ThreadID
			}
			for _, u := range r.res.Usage {
				if err := e.deps.Store.AddTaskUsage(run, r.id, u); err != nil {
					e.debug.Log("task %s: record usage: %v", r.id, err)
				}
			}
			for _, sha := range r.res.Checkpoints {
				e.deps.Store.AddCheckpoint(run, r.id, sha)
			}
		}
		blocked := e.applyBudgets(run, r.id, r.res)

		if r.err != nil {
			e.failTask(run, r.id, r.err.Error())
			continue
		}

		switch r.res.Outcome {
		case worker.OutcomeSuccess:
			if blocked != nil {
				e.blockTask(run, r.id, blocked.String())
				continue
			}
			if err := e.deps.Store.MarkTaskValidated(run, r.id); err != nil {
				e.debug.Log("task %s: %v", r.id, err)
				continue
			}
			e.dag.MarkResolved(r.id)
			e.validate(ctx, run, r.id)
		case worker.OutcomeFailed:
			e.failTask(run, r.id, r.res.LastError)
		case worker.OutcomeRescoped:
			reason := fmt.Sprintf("manifest rescoped: added writes %v", r.res.AddedWrites)
			if err := e.deps.Store.ResetTaskForRescope(run, r.id, reason); err != nil {
				e.debug.Log("task %s: %v", r.id, err)
				continue
			}
			e.dag.Unresolve(r.id)
			e.debug.Log("task %s rescoped; requeued", r.id)
		case worker.OutcomeNeedsRescope:
			e.rescopeTask(run, r.id, r.res.LastError, true)
		case worker.OutcomeRescopeRequired:
			e.rescopeTask(run, r.id, r.res.LastError, false)
		default:
			e.failTask(run, r.id, fmt.Sprintf("unknown worker outcome %q", r.res.Outcome))
		}
	}
}

func (e *Engine) failTask(run *models.RunState, id, reason string) {
	if err := e.deps.Store.MarkTaskFailed(run, id, reason); err != nil {
		e.debug.Log("task %s: %v", id, err)
		return
	}
	e.dag.MarkResolved(id)
	e.emit(eventlog.TypeTaskFailed, id, 0, map[string]any{"reason": reason})
}

func (e *Engine) blockTask(run *models.RunState, id, reason string) {
	if err := e.deps.Store.MarkNeedsHumanReview(run, id, reason); err != nil {
		e.debug.Log("task %s: %v", id, err)
		return
	}
	e.dag.MarkResolved(id)
}

func (e *Engine) rescopeTask(run *models.RunState, id, reason string, rescopable bool) {
	if err := e.deps.Store.MarkTaskRescope(run, id, reason, rescopable); err != nil {
		e.debug.Log("task %s: %v", id, err)
		return
	}
	e.dag.MarkResolved(id)
}

// applyBudgets records the task's usage against every budget rule and
// returns the first blocking breach, if any. Warn breaches are logged
// and emitted but do not alter the task's fate.
func (e *Engine) applyBudgets(run *models.RunState, id string, res *worker.Result) *Breach {
	if res == nil {
		return nil
	}
	var block *Breach
	for _, u := range res.Usage {
		for _, br := range e.budget.Record(id, u.TotalTokens, u.EstimatedCost) {
			if br.Blocks() {
				e.emit(eventlog.TypeBudgetBreach, id, u.Attempt, br)
				e.debug.Log("task %s: %s", id, br)
				if block == nil {
					b := br
					block = &b
				}
			} else {
				e.emit(eventlog.TypeBudgetWarn, id, u.Attempt, br)
				e.debug.Log("task %s: warning: %s", id, br)
			}
		}
	}
	return block
}

// validate runs the judge pipeline over a freshly validated task. A block
// verdict demotes it to needs_human_review.
func (e *Engine) validate(ctx context.Context, run *models.RunState, id string) {
	if e.deps.Validators == nil {
		return
	}
	t := e.tasksByID[id]
	ts := run.Tasks[id]
	diff := ""
	if e.deps.Repo != nil {
		if d, err := e.deps.Repo.DiffStat(e.opts.MainBranch, ts.Branch); err == nil {
			diff = d
		}
	}
	results, blockReason, err := e.deps.Validators.Run(ctx, validator.Input{
		TaskID:      id,
		Task:        t,
		DiffSummary: diff,
		Workspace:   ts.Workspace,
		ReportsDir:  ts.LogsDir,
	})
	if err != nil {
		e.debug.Log("task %s: validator pipeline: %v", id, err)
		return
	}
	if err := e.deps.Store.SetValidatorResults(run, id, results); err != nil {
		e.debug.Log("task %s: %v", id, err)
	}
	if blockReason != "" {
		e.emit(eventlog.TypeValidatorBlock, id, 0, map[string]any{"reason": blockReason})
		e.blockTask(run, id, blockReason)
	}
}

// validatedCandidates gathers every task currently awaiting merge,
// including conflict leftovers from earlier batches, in id order.
func (e *Engine) validatedCandidates(run *models.RunState) []merge.Candidate {
	var cands []merge.Candidate
	ids := make([]string, 0, len(run.Tasks))
	for id := range run.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ts := run.Tasks[id]
		if ts.Status != models.TaskValidated {
			continue
		}
		t := e.tasksByID[id]
		if t == nil {
			continue
		}
		cands = append(cands, merge.Candidate{
			TaskID:      id,
			Branch:      ts.Branch,
			TaskDir:     filepath.Base(t.Dir),
			Fingerprint: e.fingerprints[id],
		})
	}
	return cands
}

func (e *Engine) mergeValidated(ctx context.Context, run *models.RunState, mb *models.Batch) (*merge.Result, error) {
	cands := e.validatedCandidates(run)
	res, err := e.deps.Integrator.IntegrateBatch(ctx, mb.BatchID, cands)
	if err != nil {
		return nil, err
	}
	e.applyMerge(run, res)

	if e.deps.BatchDoctor != nil {
		trigger := validator.TriggerCadence
		if res.Status == merge.StatusMerged && !res.DoctorPassed {
			trigger = validator.TriggerIntegrationDoctorFailed
		}
		if e.deps.BatchDoctor.ShouldRun(trigger) {
			summary := fmt.Sprintf("batch %s: merged %d, conflicts %d, doctor passed %v",
				mb.BatchID, len(res.Merged), len(res.Conflicts), res.DoctorPassed)
			vres, blockReason := e.deps.BatchDoctor.Evaluate(ctx, mb.BatchID, summary, e.opts.Layout.RunLogsDir())
			e.debug.Log("batch %s doctor review (%s): %s %s", mb.BatchID, trigger, vres.Status, vres.Summary)
			if blockReason != "" {
				e.emit(eventlog.TypeValidatorBlock, "", 0, map[string]any{
					"batch_id": mb.BatchID, "reason": blockReason,
				})
			}
		}
	}
	return res, nil
}

// applyMerge promotes merged tasks to complete. Doctor failures leave
// them validated so the integrator's verdict stays authoritative.
func (e *Engine) applyMerge(run *models.RunState, res *merge.Result) {
	if res.Status != merge.StatusMerged || !res.DoctorPassed {
		for _, c := range res.Conflicts {
			e.conflicted[c.TaskID] = true
			e.debug.Log("task %s: merge conflict quarantined", c.TaskID)
		}
		return
	}
	for _, id := range res.Merged {
		if err := e.deps.Store.MarkTaskComplete(run, id); err != nil {
			e.debug.Log("task %s: %v", id, err)
			continue
		}
		e.dag.MarkComplete(id)
		if e.conflicted[id] {
			delete(e.conflicted, id)
			e.emit(eventlog.TypeBatchConflictRecovered, id, 0, map[string]any{
				"merge_commit": res.MergeCommit,
			})
		}
		e.emit(eventlog.TypeTaskComplete, id, 0, map[string]any{"merge_commit": res.MergeCommit})
	}
	for _, c := range res.Conflicts {
		e.conflicted[c.TaskID] = true
		e.debug.Log("task %s: merge conflict quarantined; retained as validated", c.TaskID)
	}
}

func (e *Engine) finishBatch(run *models.RunState, mb *models.Batch, res *merge.Result) {
	status := models.BatchComplete
	if len(res.Conflicts) > 0 || (res.Status == merge.StatusMerged && !res.DoctorPassed) {
		status = models.BatchFailed
	}
	for _, id := range mb.Tasks {
		if ts := run.Tasks[id]; ts != nil {
			switch ts.Status {
			case models.TaskComplete, models.TaskSkipped, models.TaskPending:
				// pending means the task was rescoped and requeued
			default:
				status = models.BatchFailed
			}
		}
	}
	var doctor *bool
	if res.Status == merge.StatusMerged {
		d := res.DoctorPassed
		doctor = &d
	}
	if err := e.deps.Store.FinishBatch(run, mb.BatchID, status, res.MergeCommit, doctor); err != nil {
		e.debug.Log("batch %s: %v", mb.BatchID, err)
	}
	e.emit(eventlog.TypeBatchComplete, "", 0, map[string]any{
		"batch_id":     mb.BatchID,
		"status":       string(status),
		"merge_commit": res.MergeCommit,
		"merged":       res.Merged,
		"conflicts":    len(res.Conflicts),
	})
}

func (e *Engine) finishStopped(run *models.RunState) (*models.RunState, error) {
	status := models.RunStopped
	if e.drained {
		status = models.RunPaused
	}
	if err := e.deps.Store.SetRunStatus(run, status); err != nil {
		return run, err
	}
	e.emit(eventlog.TypeRunStop, "", 0, map[string]any{"status": string(status)})
	e.debug.Log("run %s %s; resume with: mycelium resume --run-id %s",
		run.RunID, status, run.RunID)
	e.updateIndex(run)
	return run, nil
}

func (e *Engine) failDeadlock(run *models.RunState) (*models.RunState, error) {
	remaining := e.dag.Unresolved()
	if err := e.deps.Store.SetRunStatus(run, models.RunFailed); err != nil {
		return run, err
	}
	e.emit(eventlog.TypeRunComplete, "", 0, map[string]any{
		"status": string(models.RunFailed), "reason": "deadlock", "blocked": remaining,
	})
	e.updateIndex(run)
	return run, models.NewUserError(models.CodePlacementFailed, "run deadlocked",
		fmt.Sprintf("%d tasks remain but none can be scheduled; their dependencies failed or were blocked", remaining),
		"inspect blocked tasks with `mycelium status` and override or rescope them", nil)
}

func (e *Engine) updateIndex(run *models.RunState) {
	if err := state.UpdateIndex(e.opts.Layout.IndexPath(), run.Summarize()); err != nil {
		e.debug.Log("update index: %v", err)
	}
}

func (e *Engine) emit(eventType, taskID string, attempt int, payload any) {
	if e.deps.Events == nil {
		return
	}
	if err := e.deps.Events.Emit(eventType, taskID, attempt, payload); err != nil {
		e.debug.Log("emit %s: %v", eventType, err)
	}
}

func manifestIDs(manifests []*models.TaskManifest) []string {
	ids := make([]string, len(manifests))
	for i, m := range manifests {
		ids[i] = m.ID
	}
	return ids
}
