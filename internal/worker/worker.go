// Package worker drives one task's retry loop inside its workspace:
// bootstrap, optional strict-TDD staging, the agent implementation
// turn, scope enforcement, lint, and doctor.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mycelium-sh/mycelium/internal/agent"
	"github.com/mycelium-sh/mycelium/internal/eventlog"
	"github.com/mycelium-sh/mycelium/internal/exec"
	"github.com/mycelium-sh/mycelium/internal/git"
	"github.com/mycelium-sh/mycelium/internal/manifest"
	"github.com/mycelium-sh/mycelium/internal/scope"
	"github.com/mycelium-sh/mycelium/internal/workspace"
	"github.com/mycelium-sh/mycelium/pkg/models"
)

// Enforcement modes for manifest scope checking.
const (
	EnforceOff   = "off"
	EnforceWarn  = "warn"
	EnforceBlock = "block"
)

// Enforcement configures scope checking after each implementation turn.
type Enforcement struct {
	// Mode is off, warn, or block.
	Mode string
	// AutoRescope allows warn mode to amend the manifest with observed
	// writes and requeue the task instead of merely logging.
	AutoRescope bool
}

// Inputs describes one worker invocation.
type Inputs struct {
	TaskID    string
	Task      *manifest.Task
	Branch    string
	Workspace string
	LogsDir   string

	DoctorCmd     string
	LintCmd       string
	FastCmd       string
	BootstrapCmds []string

	MaxRetries int
	TestPaths  []string
	TDDMode    models.TDDMode

	Enforcement Enforcement
	// PromptLimit caps injected evidence; zero means DefaultPromptLimit.
	PromptLimit int
	// TurnTimeout bounds a single agent turn; zero means unbounded.
	TurnTimeout time.Duration
	// LintTimeout bounds the lint command; zero means unbounded.
	LintTimeout time.Duration
	// DoctorTimeout bounds the doctor command; zero means unbounded.
	DoctorTimeout time.Duration
	// CostPer1K prices tokens for per-attempt cost estimates.
	CostPer1K float64
	// Checkpoint enables a commit after a green strict-TDD stage A.
	Checkpoint bool
}

// Deps are the worker's collaborators.
type Deps struct {
	Agent  agent.Driver
	Shell  exec.CommandRunner
	Git    git.Runner
	Events *eventlog.Writer
	// Graph enables component-level scope classification; nil restricts
	// enforcement to declared write globs.
	Graph scope.GraphModel
	// Checkset selects scoped doctor commands; zero value disables it.
	Checkset scope.ChecksetPolicy
}

// Outcome is the worker's verdict for a task.
type Outcome string

const (
	// OutcomeSuccess means the doctor passed; the task is ready for
	// validators and merge.
	OutcomeSuccess Outcome = "success"
	// OutcomeFailed means retries are exhausted.
	OutcomeFailed Outcome = "failed"
	// OutcomeRescoped means the manifest was amended with observed
	// writes; the task should be reset to pending and rescheduled.
	OutcomeRescoped Outcome = "rescoped"
	// OutcomeNeedsRescope means block mode saw a rescopable violation;
	// an operator must approve the wider scope.
	OutcomeNeedsRescope Outcome = "needs_rescope"
	// OutcomeRescopeRequired means block mode saw a violation that
	// cannot be auto-rescoped (unmapped files).
	OutcomeRescopeRequired Outcome = "rescope_required"
)

// Result is what the orchestrator folds back into run state.
type Result struct {
	Outcome  Outcome
	Attempts int
	ThreadID string
	// Usage has one entry per attempt that ran an agent turn.
	Usage []models.AttemptUsage
	// AddedWrites are globs appended to the manifest by auto-rescope.
	AddedWrites []string
	// Checkpoints are SHAs of stage A checkpoint commits.
	Checkpoints []string
	LastError   string
}

// Worker runs task attempt loops.
type Worker struct {
	deps Deps
}

// New creates a worker.
func New(deps Deps) *Worker {
	return &Worker{deps: deps}
}

// Run executes the attempt loop until the doctor passes, scope
// enforcement stops the task, or retries are exhausted.
func (w *Worker) Run(ctx context.Context, in *Inputs) (*Result, error) {
	if in.MaxRetries <= 0 {
		in.MaxRetries = 1
	}

	res := &Result{}
	w.emit(eventlog.TypeWorkerStart, in.TaskID, 0, map[string]any{
		"branch": in.Branch, "workspace": in.Workspace, "max_retries": in.MaxRetries,
	})

	ws, err := LoadWorkerState(in.Workspace)
	if err != nil {
		return nil, err
	}

	var evidence string
	bootstrapConsumed := ws.Attempt > 0

	for attempt := 1; attempt <= in.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Attempts = attempt

		rec := &AttemptRecord{
			Attempt:           attempt,
			Phase:             "bootstrap",
			PromptKind:        PromptImplement,
			Commands:          map[string]CommandOutcome{},
			BootstrapConsumed: bootstrapConsumed,
		}
		if evidence != "" {
			rec.PromptKind = PromptRetry
		}

		retry, err := w.runAttempt(ctx, in, ws, rec, res, &evidence, &bootstrapConsumed, attempt)
		if err != nil {
			return nil, err
		}
		rec.Retry = retry
		if saveErr := saveAttempt(in.LogsDir, rec); saveErr != nil {
			return nil, saveErr
		}
		ws.Attempt = attempt
		ws.ThreadID = res.ThreadID
		if saveErr := SaveWorkerState(in.Workspace, ws); saveErr != nil {
			return nil, saveErr
		}

		if retry == nil {
			res.Outcome = OutcomeSuccess
			return res, nil
		}
		res.LastError = retry.Reason

		// Scope verdicts end the loop immediately; everything else is
		// retried until MaxRetries.
		switch retry.ReasonCode {
		case ReasonScopeViolation:
			return res, nil
		}
		w.emit(eventlog.TypeTaskRetry, in.TaskID, attempt, map[string]any{
			"reason_code": retry.ReasonCode, "reason": retry.Reason,
		})
	}

	res.Outcome = OutcomeFailed
	return res, nil
}

// runAttempt executes one attempt. A nil RetryInfo means the attempt
// succeeded. Scope outcomes are recorded on res before returning.
func (w *Worker) runAttempt(ctx context.Context, in *Inputs, ws *WorkerState, rec *AttemptRecord, res *Result, evidence *string, bootstrapConsumed *bool, attempt int) (*RetryInfo, error) {
	// Bootstrap.
	if !*bootstrapConsumed {
		retry, err := w.bootstrap(ctx, in, rec, attempt)
		if err != nil || retry != nil {
			return retry, err
		}
		*bootstrapConsumed = true
		rec.BootstrapConsumed = true
	} else {
		w.emit(eventlog.TypeBootstrapSkip, in.TaskID, attempt, nil)
	}

	// Strict-TDD stage A.
	if in.TDDMode == models.TDDStrict && len(in.TestPaths) > 0 && in.FastCmd != "" {
		rec.Phase = "tdd_stage_a"
		retry, err := w.tddStageA(ctx, in, ws, rec, res, evidence, attempt)
		if err != nil || retry != nil {
			return retry, err
		}
	} else if in.TDDMode == models.TDDStrict {
		w.emit(eventlog.TypeTDDStageSkip, in.TaskID, attempt, map[string]any{
			"reason": "test_paths or fast command not configured",
		})
	}

	// Implementation turn.
	rec.Phase = "implement"
	prompt := buildImplementPrompt(in, *evidence)
	*evidence = ""
	turn, retry, err := w.runTurn(ctx, in, ws, res, prompt, attempt)
	if err != nil || retry != nil {
		return retry, err
	}

	// Scope enforcement.
	if in.Enforcement.Mode != EnforceOff && in.Enforcement.Mode != "" {
		rec.Phase = "scope"
		retry, done, err := w.enforceScope(in, rec, res, attempt)
		if err != nil || retry != nil || done {
			return retry, err
		}
	}

	// Lint.
	if in.LintCmd != "" {
		rec.Phase = "lint"
		retry, err := w.runCheck(ctx, in, rec, evidence, attempt, checkSpec{
			name: "lint", command: in.LintCmd,
			logName:    fmt.Sprintf("lint-attempt-%d.log", attempt),
			timeout:    in.LintTimeout,
			startType:  eventlog.TypeLintStart,
			passType:   eventlog.TypeLintPass,
			failType:   eventlog.TypeLintFail,
			reasonCode: ReasonLintFailed,
		})
		if err != nil || retry != nil {
			return retry, err
		}
	}

	// Doctor.
	rec.Phase = "doctor"
	doctorCmd := w.selectDoctor(in, turn)
	retry, err = w.runCheck(ctx, in, rec, evidence, attempt, checkSpec{
		name: "doctor", command: doctorCmd,
		logName:    fmt.Sprintf("doctor-%d.log", attempt),
		timeout:    in.DoctorTimeout,
		startType:  eventlog.TypeDoctorStart,
		passType:   eventlog.TypeDoctorPass,
		failType:   eventlog.TypeDoctorFail,
		reasonCode: ReasonDoctorFailed,
	})
	return retry, err
}

func (w *Worker) bootstrap(ctx context.Context, in *Inputs, rec *AttemptRecord, attempt int) (*RetryInfo, error) {
	if len(in.BootstrapCmds) == 0 {
		w.emit(eventlog.TypeBootstrapSkip, in.TaskID, attempt, nil)
		return nil, nil
	}
	w.emit(eventlog.TypeBootstrapStart, in.TaskID, attempt, map[string]any{"commands": len(in.BootstrapCmds)})

	var output strings.Builder
	for _, cmd := range in.BootstrapCmds {
		w.emit(eventlog.TypeBootstrapCmdStart, in.TaskID, attempt, map[string]any{"command": cmd})
		r, err := w.deps.Shell.RunShell(ctx, in.Workspace, cmd)
		if err != nil {
			return nil, fmt.Errorf("run bootstrap command: %w", err)
		}
		fmt.Fprintf(&output, "$ %s\n%s\n", cmd, r.Output)
		if r.ExitCode != 0 {
			logPath, logErr := writeLog(in.LogsDir, fmt.Sprintf("bootstrap-attempt-%d.log", attempt), output.String())
			if logErr != nil {
				return nil, logErr
			}
			rec.Commands["bootstrap"] = CommandOutcome{Command: cmd, ExitCode: r.ExitCode, LogPath: logPath, TimedOut: r.TimedOut}
			w.emit(eventlog.TypeBootstrapCmdFail, in.TaskID, attempt, map[string]any{
				"command": cmd, "exit_code": r.ExitCode,
			})
			w.emit(eventlog.TypeBootstrapFailed, in.TaskID, attempt, nil)
			return &RetryInfo{
				ReasonCode: ReasonBootstrapFailed,
				Reason:     fmt.Sprintf("bootstrap command %q exited %d", cmd, r.ExitCode),
				Evidence:   []string{logPath},
			}, nil
		}
		w.emit(eventlog.TypeBootstrapCmdComplete, in.TaskID, attempt, map[string]any{"command": cmd})
	}
	rec.Commands["bootstrap"] = CommandOutcome{ExitCode: 0}
	w.emit(eventlog.TypeBootstrapComplete, in.TaskID, attempt, nil)
	return nil, nil
}

func (w *Worker) tddStageA(ctx context.Context, in *Inputs, ws *WorkerState, rec *AttemptRecord, res *Result, evidence *string, attempt int) (*RetryInfo, error) {
	w.emit(eventlog.TypeTDDStageStart, in.TaskID, attempt, map[string]any{"stage": "a"})
	tdd := &TDDOutcome{Stage: "a"}
	rec.TDD = tdd

	before, err := w.changedFiles(in)
	if err != nil {
		return nil, err
	}
	prompt := buildTestsOnlyPrompt(in, *evidence)
	*evidence = ""
	if _, retry, err := w.runTurn(ctx, in, ws, res, prompt, attempt); err != nil || retry != nil {
		return retry, err
	}
	after, err := w.changedFiles(in)
	if err != nil {
		return nil, err
	}
	delta := newFiles(before, after)
	tdd.ChangedFiles = delta

	if _, violations := scope.MatchWriteGlobs(delta, in.TestPaths); len(violations) > 0 {
		tdd.Violations = violations
		logPath, logErr := writeLog(in.LogsDir, fmt.Sprintf("tdd-violations-attempt-%d.log", attempt),
			strings.Join(violations, "\n")+"\n")
		if logErr != nil {
			return nil, logErr
		}
		return &RetryInfo{
			ReasonCode: ReasonTDDScope,
			Reason:     fmt.Sprintf("tests-only turn changed %d file(s) outside test_paths", len(violations)),
			Evidence:   []string{logPath},
		}, nil
	}

	r, err := w.deps.Shell.RunShell(ctx, in.Workspace, in.FastCmd)
	if err != nil {
		return nil, fmt.Errorf("run fast tests: %w", err)
	}
	logPath, logErr := writeLog(in.LogsDir, fmt.Sprintf("fast-attempt-%d.log", attempt), string(r.Output))
	if logErr != nil {
		return nil, logErr
	}
	rec.Commands["fast"] = CommandOutcome{Command: in.FastCmd, ExitCode: r.ExitCode, LogPath: logPath, TimedOut: r.TimedOut}
	if r.ExitCode != 0 {
		*evidence = "Fast test output:\n\n" + truncateEvidence(string(r.Output), in.PromptLimit)
		return &RetryInfo{
			ReasonCode: ReasonFastTestFailed,
			Reason:     fmt.Sprintf("fast test command exited %d", r.ExitCode),
			Evidence:   []string{logPath},
		}, nil
	}
	tdd.FastPassed = true

	if in.Checkpoint {
		sha, err := w.checkpoint(in, attempt)
		if err != nil {
			return nil, err
		}
		if sha != "" {
			tdd.Checkpoint = sha
			res.Checkpoints = append(res.Checkpoints, sha)
		}
	} else {
		w.emit(eventlog.TypeCheckpointSkip, in.TaskID, attempt, nil)
	}
	w.emit(eventlog.TypeTDDStagePass, in.TaskID, attempt, map[string]any{"stage": "a"})
	return nil, nil
}

func (w *Worker) checkpoint(in *Inputs, attempt int) (string, error) {
	w.emit(eventlog.TypeCheckpointStart, in.TaskID, attempt, nil)
	if err := w.deps.Git.AddAll(); err != nil {
		return "", err
	}
	msg := fmt.Sprintf("checkpoint: tests for task %s (attempt %d)", in.TaskID, attempt)
	if err := w.deps.Git.Commit(msg); err != nil {
		// Nothing staged is fine; the agent may have edited existing
		// test files only on a retry.
		w.emit(eventlog.TypeCheckpointSkip, in.TaskID, attempt, map[string]any{"reason": "nothing to commit"})
		return "", nil
	}
	sha, err := w.deps.Git.HeadSHA()
	if err != nil {
		return "", err
	}
	w.emit(eventlog.TypeCheckpointComplete, in.TaskID, attempt, map[string]any{"sha": sha})
	return sha, nil
}

// runTurn executes one agent turn with thread resume, streaming raw
// agent lines as codex.event entries and accounting tokens per attempt.
func (w *Worker) runTurn(ctx context.Context, in *Inputs, ws *WorkerState, res *Result, prompt string, attempt int) (*agent.TurnResult, *RetryInfo, error) {
	w.emit(eventlog.TypeTurnStart, in.TaskID, attempt, map[string]any{"agent": w.deps.Agent.Name()})

	sink := func(raw json.RawMessage) {
		w.emit(eventlog.TypeCodexEvent, in.TaskID, attempt, raw)
	}
	turn, err := w.deps.Agent.RunTurn(ctx, agent.TurnOptions{
		WorkDir:  in.Workspace,
		Prompt:   prompt,
		ThreadID: ws.ThreadID,
		Timeout:  in.TurnTimeout,
	}, sink)
	if err != nil {
		return nil, nil, fmt.Errorf("agent turn: %w", err)
	}

	if turn.ThreadID != "" {
		if turn.Resumed {
			w.emit(eventlog.TypeThreadResumed, in.TaskID, attempt, map[string]any{"thread_id": turn.ThreadID})
		} else {
			w.emit(eventlog.TypeThreadStarted, in.TaskID, attempt, map[string]any{"thread_id": turn.ThreadID})
		}
		ws.ThreadID = turn.ThreadID
		res.ThreadID = turn.ThreadID
	}

	tokens := turn.Usage.Total()
	usage := models.AttemptUsage{
		Attempt:       attempt,
		InputTokens:   turn.Usage.InputTokens + turn.Usage.CachedInputTokens,
		OutputTokens:  turn.Usage.OutputTokens,
		TotalTokens:   tokens,
		EstimatedCost: agent.Cost(tokens, in.CostPer1K),
	}
	res.Usage = appendUsage(res.Usage, usage)

	w.emit(eventlog.TypeTurnComplete, in.TaskID, attempt, map[string]any{
		"tokens": tokens, "estimated_cost": usage.EstimatedCost,
		"timed_out": turn.TimedOut, "exit_code": turn.ExitCode,
	})

	if turn.TimedOut {
		return turn, &RetryInfo{ReasonCode: ReasonAgentTimeout, Reason: "agent turn timed out"}, nil
	}
	if turn.ExitCode != 0 {
		return turn, &RetryInfo{
			ReasonCode: ReasonAgentFailed,
			Reason:     fmt.Sprintf("agent exited %d", turn.ExitCode),
		}, nil
	}
	return turn, nil, nil
}

// enforceScope classifies the workspace's changed files. done=true
// means the worker loop must stop with res.Outcome already set.
func (w *Worker) enforceScope(in *Inputs, rec *AttemptRecord, res *Result, attempt int) (*RetryInfo, bool, error) {
	changed, err := w.changedFiles(in)
	if err != nil {
		return nil, false, err
	}
	_, violations := scope.MatchWriteGlobs(changed, in.Task.Manifest.Files.Writes)

	var sres *scope.Result
	if w.deps.Graph != nil {
		sres = scope.Check(changed, in.Task.Manifest, w.deps.Graph)
		if sres.Status == scope.StatusPass && len(violations) == 0 {
			return nil, false, nil
		}
	} else if len(violations) == 0 {
		return nil, false, nil
	}

	reason := fmt.Sprintf("%d changed file(s) outside declared writes", len(violations))
	if sres != nil && sres.Reason != "" {
		reason = sres.Reason
	}

	switch in.Enforcement.Mode {
	case EnforceWarn:
		if !in.Enforcement.AutoRescope {
			w.emit(eventlog.TypeTaskRescopeFailed, in.TaskID, attempt, map[string]any{
				"mode": EnforceWarn, "reason": reason,
			})
			return nil, false, nil
		}
		w.emit(eventlog.TypeTaskRescopeStart, in.TaskID, attempt, map[string]any{"files": violations})
		if err := manifest.AppendWrites(in.Task, violations); err != nil {
			return nil, false, err
		}
		res.AddedWrites = violations
		res.Outcome = OutcomeRescoped
		res.LastError = reason
		w.emit(eventlog.TypeTaskRescopeUpdate, in.TaskID, attempt, map[string]any{"added_writes": violations})
		return &RetryInfo{ReasonCode: ReasonScopeViolation, Reason: reason, Evidence: violations}, true, nil

	case EnforceBlock:
		rescopable := sres == nil || sres.Status != scope.StatusUnmapped
		if rescopable {
			res.Outcome = OutcomeNeedsRescope
		} else {
			res.Outcome = OutcomeRescopeRequired
		}
		res.LastError = reason
		w.emit(eventlog.TypeTaskRescopeFailed, in.TaskID, attempt, map[string]any{
			"mode": EnforceBlock, "reason": reason, "rescopable": rescopable,
		})
		return &RetryInfo{ReasonCode: ReasonScopeViolation, Reason: reason, Evidence: violations}, true, nil
	}
	return nil, false, nil
}

type checkSpec struct {
	name       string
	command    string
	logName    string
	timeout    time.Duration
	startType  string
	passType   string
	failType   string
	reasonCode string
}

func (w *Worker) runCheck(ctx context.Context, in *Inputs, rec *AttemptRecord, evidence *string, attempt int, spec checkSpec) (*RetryInfo, error) {
	w.emit(spec.startType, in.TaskID, attempt, map[string]any{"command": spec.command})
	runCtx := ctx
	if spec.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.timeout)
		defer cancel()
	}
	r, err := w.deps.Shell.RunShell(runCtx, in.Workspace, spec.command)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", spec.name, err)
	}
	logPath, logErr := writeLog(in.LogsDir, spec.logName, string(r.Output))
	if logErr != nil {
		return nil, logErr
	}
	rec.Commands[spec.name] = CommandOutcome{Command: spec.command, ExitCode: r.ExitCode, LogPath: logPath, TimedOut: r.TimedOut}

	if r.TimedOut {
		w.emit(spec.failType, in.TaskID, attempt, map[string]any{"timed_out": true})
		*evidence = fmt.Sprintf("%s command timed out after %s", spec.name, spec.timeout)
		return &RetryInfo{
			ReasonCode: ReasonCommandTimeout,
			Reason:     fmt.Sprintf("%s command timed out after %s", spec.name, spec.timeout),
			Evidence:   []string{logPath},
		}, nil
	}
	if r.ExitCode != 0 {
		w.emit(spec.failType, in.TaskID, attempt, map[string]any{"exit_code": r.ExitCode})
		*evidence = spec.name + " output:\n\n" + truncateEvidence(string(r.Output), in.PromptLimit)
		return &RetryInfo{
			ReasonCode: spec.reasonCode,
			Reason:     fmt.Sprintf("%s command exited %d", spec.name, r.ExitCode),
			Evidence:   []string{logPath},
		}, nil
	}
	w.emit(spec.passType, in.TaskID, attempt, nil)
	return nil, nil
}

// selectDoctor picks the doctor command, preferring component-scoped
// commands when the checkset policy and graph model allow it.
func (w *Worker) selectDoctor(in *Inputs, _ *agent.TurnResult) string {
	if w.deps.Graph == nil || w.deps.Checkset.FallbackCommand == "" {
		return in.DoctorCmd
	}
	changed, err := w.changedFiles(in)
	if err != nil {
		return in.DoctorCmd
	}
	res := scope.Check(changed, in.Task.Manifest, w.deps.Graph)
	cmd := w.deps.Checkset.SelectDoctor(res, w.deps.Graph)
	if cmd == "" {
		return in.DoctorCmd
	}
	return cmd
}

// changedFiles lists workspace changes relative to the integration
// base, with runtime and git internals filtered out.
func (w *Worker) changedFiles(in *Inputs) ([]string, error) {
	files, err := w.deps.Git.ChangedFiles(in.Branch)
	if err != nil {
		return nil, err
	}
	out := files[:0]
	for _, f := range files {
		if strings.HasPrefix(f, workspace.RuntimeDir+"/") || f == workspace.RuntimeDir ||
			strings.HasPrefix(f, ".git/") {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func newFiles(before, after []string) []string {
	seen := make(map[string]bool, len(before))
	for _, f := range before {
		seen[f] = true
	}
	var out []string
	for _, f := range after {
		if !seen[f] {
			out = append(out, f)
		}
	}
	return out
}

func appendUsage(list []models.AttemptUsage, u models.AttemptUsage) []models.AttemptUsage {
	// Two turns in one attempt (stage A plus implement) fold into one
	// per-attempt entry.
	for i := range list {
		if list[i].Attempt == u.Attempt {
			list[i].InputTokens += u.InputTokens
			list[i].OutputTokens += u.OutputTokens
			list[i].TotalTokens += u.TotalTokens
			list[i].EstimatedCost += u.EstimatedCost
			return list
		}
	}
	return append(list, u)
}

func (w *Worker) emit(eventType, taskID string, attempt int, payload any) {
	if w.deps.Events == nil {
		return
	}
	_ = w.deps.Events.Emit(eventType, taskID, attempt, payload)
}
