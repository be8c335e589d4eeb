package main

import (
	"fmt"
	"path/filepath"

	"github.com/mycelium-sh/mycelium/internal/agent"
	"github.com/mycelium-sh/mycelium/internal/config"
	"github.com/mycelium-sh/mycelium/internal/eventlog"
	"github.com/mycelium-sh/mycelium/internal/exec"
	"github.com/mycelium-sh/mycelium/internal/git"
	"github.com/mycelium-sh/mycelium/internal/ledger"
	"github.com/mycelium-sh/mycelium/internal/llm"
	"github.com/mycelium-sh/mycelium/internal/manifest"
	"github.com/mycelium-sh/mycelium/internal/merge"
	"github.com/mycelium-sh/mycelium/internal/orchestrator"
	"github.com/mycelium-sh/mycelium/internal/paths"
	"github.com/mycelium-sh/mycelium/internal/scope"
	"github.com/mycelium-sh/mycelium/internal/state"
	"github.com/mycelium-sh/mycelium/internal/validator"
	"github.com/mycelium-sh/mycelium/internal/worker"
	"github.com/mycelium-sh/mycelium/internal/workspace"
	"github.com/mycelium-sh/mycelium/pkg/models"
)

// app resolves the context every command shares: the repository, the
// mycelium home, the project name, configuration, and the task layout.
type app struct {
	repo       string
	home       string
	project    string
	tasksRoot  string
	taskLayout manifest.LayoutKind
	cfg        *config.Config
}

func newApp() (*app, error) {
	repo, err := filepath.Abs(flagRepo)
	if err != nil {
		return nil, fmt.Errorf("resolve repo path: %w", err)
	}
	home := flagHome
	if home == "" {
		home = paths.Home(repo)
	}
	cfg, err := config.Load(home, repo)
	if err != nil {
		return nil, err
	}
	project := flagProject
	if project == "" {
		project = filepath.Base(repo)
	}
	tasksRoot := flagTasks
	if !filepath.IsAbs(tasksRoot) {
		tasksRoot = filepath.Join(repo, tasksRoot)
	}
	return &app{
		repo:       repo,
		home:       home,
		project:    project,
		tasksRoot:  tasksRoot,
		taskLayout: manifest.DetectLayout(tasksRoot),
		cfg:        cfg,
	}, nil
}

func (a *app) layout(runID string) paths.Layout {
	return paths.Layout{Home: a.home, Project: a.project, RunID: runID}
}

// resolveRunID returns the explicit run id, or the newest recorded run
// for the project when none was given.
func (a *app) resolveRunID(runID string) (string, error) {
	if runID != "" {
		return runID, nil
	}
	indexPath := a.layout("").IndexPath()
	runs, err := state.LoadIndex(indexPath)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		if runs, err = state.RebuildIndex(indexPath); err != nil {
			return "", err
		}
	}
	if len(runs) == 0 {
		return "", models.NewUserError(models.CodeNotFound, "no runs recorded",
			fmt.Sprintf("project %s has no run history under %s", a.project, a.home),
			"start one with `mycelium run`", nil)
	}
	return runs[0].RunID, nil
}

// llmFor builds a judge client, falling back to the agent's provider and
// model where the validator config leaves them blank.
func (a *app) llmFor(provider, model string) (llm.Client, error) {
	if provider == "" {
		provider = a.cfg.Agent.Provider
	}
	if model == "" {
		model = a.cfg.Agent.Model
	}
	return llm.New(llm.Config{
		Provider: provider,
		Model:    model,
		APIKey:   a.cfg.Agent.APIKey,
		Binary:   a.cfg.Agent.Binary,
	})
}

func (a *app) validatorSlot(name string, vc config.ValidatorConfig) (validator.Config, error) {
	slot := validator.Config{Name: name, Enabled: vc.Enabled, Mode: vc.Mode}
	if !vc.Enabled || vc.Mode == "" || vc.Mode == "off" {
		return slot, nil
	}
	client, err := a.llmFor(vc.Provider, vc.Model)
	if err != nil {
		return slot, err
	}
	slot.Client = client
	return slot, nil
}

// engineCloser releases the resources buildEngine opened.
type engineCloser []func() error

func (c engineCloser) Close() {
	for i := len(c) - 1; i >= 0; i-- {
		_ = c[i]()
	}
}

// buildEngine wires the full orchestrator stack for one run id.
func (a *app) buildEngine(runID string) (*orchestrator.Engine, engineCloser, error) {
	layout := a.layout(runID)
	var closers engineCloser

	events, err := eventlog.NewWriter(layout.OrchestratorLog())
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, events.Close)

	debugPath := ""
	if flagVerbose {
		debugPath = filepath.Join(layout.RunLogsDir(), "debug.log")
	}
	debug, err := orchestrator.NewDebugLogger(debugPath)
	if err != nil {
		closers.Close()
		return nil, nil, err
	}
	closers = append(closers, debug.Close)

	led, err := ledger.Open(layout.LedgerPath())
	if err != nil {
		closers.Close()
		return nil, nil, err
	}
	closers = append(closers, led.Close)

	repo := git.NewRunner(a.repo)
	mainBranch, err := repo.CurrentBranch()
	if err != nil {
		closers.Close()
		return nil, nil, models.NewUserError(models.CodeGitError,
			"cannot determine integration branch",
			fmt.Sprintf("git rev-parse failed in %s: %v", a.repo, err),
			"run mycelium from inside a git repository", err)
	}

	shell := exec.NewRunner()
	store := state.NewStore(layout.RunStatePath(),
		state.WithEvents(events), state.WithStaleness(a.cfg.Staleness()))
	integrator := merge.New(merge.Options{
		RepoPath:                a.repo,
		MainBranch:              mainBranch,
		RunID:                   runID,
		DoctorCmd:               a.cfg.Worker.Doctor,
		RollbackOnDoctorFailure: a.cfg.Integration.RollbackOnDoctorFailure,
		TasksRoot:               a.tasksRoot,
		Layout:                  a.taskLayout,
	}, repo, shell, events, led)

	slots := make([]validator.Config, 0, 3)
	for _, s := range []struct {
		name string
		cfg  config.ValidatorConfig
	}{
		{"test", a.cfg.Validators.Test},
		{"style", a.cfg.Validators.Style},
		{"architecture", a.cfg.Validators.Architecture},
	} {
		slot, err := a.validatorSlot(s.name, s.cfg)
		if err != nil {
			closers.Close()
			return nil, nil, err
		}
		slots = append(slots, slot)
	}
	doctorSlot, err := a.validatorSlot("doctor", a.cfg.Validators.Doctor)
	if err != nil {
		closers.Close()
		return nil, nil, err
	}

	var graphModel scope.GraphModel
	if len(a.cfg.Components.Roots) > 0 {
		graphModel = scope.NewOwnershipIndex(a.cfg.Components.Roots, a.cfg.Components.Doctors)
	}
	fallback := a.cfg.Enforcement.FallbackCommand
	if fallback == "" {
		fallback = a.cfg.Worker.Doctor
	}
	checkset := scope.ChecksetPolicy{
		MaxComponentsForScoped: a.cfg.Enforcement.MaxComponentsForScoped,
		FallbackCommand:        fallback,
	}

	var driver agent.Driver
	if a.cfg.Agent.Provider == "mock" {
		driver = agent.NewMockDriver()
	} else {
		driver = agent.NewCodexDriver(a.cfg.Agent.Binary, a.cfg.Agent.Model)
	}
	factory := func(workspaceDir string, ev *eventlog.Writer) orchestrator.TaskRunner {
		return worker.New(worker.Deps{
			Agent:    driver,
			Shell:    shell,
			Git:      git.NewRunner(workspaceDir),
			Events:   ev,
			Graph:    graphModel,
			Checkset: checkset,
		})
	}

	eng, err := orchestrator.New(orchestrator.Options{
		Project:    a.project,
		RunID:      runID,
		RepoPath:   a.repo,
		MainBranch: mainBranch,
		TasksRoot:  a.tasksRoot,
		TaskLayout: a.taskLayout,
		Layout:     layout,
		Config:     a.cfg,
	}, orchestrator.Deps{
		Store:       store,
		Events:      events,
		Debug:       debug,
		Workspaces:  workspace.NewManager(),
		NewWorker:   factory,
		Validators:  validator.NewPipeline(slots, events),
		Integrator:  integrator,
		BatchDoctor: validator.NewBatchDoctor(doctorSlot, a.cfg.Validators.DoctorCadence),
		Ledger:      led,
		Repo:        repo,
	})
	if err != nil {
		closers.Close()
		return nil, nil, err
	}
	return eng, closers, nil
}
