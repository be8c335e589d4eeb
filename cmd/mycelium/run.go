package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mycelium-sh/mycelium/internal/manifest"
	"github.com/mycelium-sh/mycelium/internal/paths"
	"github.com/mycelium-sh/mycelium/pkg/models"
)

var (
	runRunID       string
	runMaxParallel int
	runNoDocker    bool
	runDryRun      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the task backlog as parallel batches",
	Long: `Run schedules every backlog task into conflict-free parallel batches,
spawns one agent worker per task in an isolated clone, validates and
merges the results batch by batch, and records everything under the
mycelium home.

The first interrupt drains the in-flight batch before parking the run;
a second interrupt cancels immediately. Either way the run can be
continued with 'mycelium resume'.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runRunID, "run-id", "", "Run identifier (default: UTC timestamp)")
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "Override run.max_parallel from config")
	runCmd.Flags().BoolVar(&runNoDocker, "no-docker", true, "Run workers directly on the host")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Print the batch plan without executing anything")
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	if !runNoDocker {
		return models.NewUserError(models.CodeDockerError,
			"container workers unavailable",
			"this build runs workers directly on the host",
			"rerun with --no-docker", nil)
	}
	if runMaxParallel > 0 {
		a.cfg.Run.MaxParallel = runMaxParallel
	}
	runID := runRunID
	if runID == "" {
		runID = paths.NewRunID(time.Now())
	}

	tasks, err := stageTasks(a, runID, runDryRun)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return models.NewUserError(models.CodeNotFound, "no tasks to run",
			fmt.Sprintf("no task directories under %s", a.tasksRoot),
			"generate some with `mycelium plan --input <prose file>`", nil)
	}

	eng, closers, err := a.buildEngine(runID)
	if err != nil {
		return err
	}
	defer closers.Close()

	if runDryRun {
		plan, err := eng.Plan(tasks)
		if err != nil {
			return err
		}
		printPlan(os.Stdout, plan)
		return nil
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go handleSignals(cancel, eng.Stop)

	fmt.Printf("run %s: %d tasks, project %s\n", runID, len(tasks), a.project)
	run, err := eng.Run(ctx, tasks)
	if run != nil {
		printRunSummary(run)
	}
	return err
}

// stageTasks moves backlog tasks into the active stage and returns every
// active task. Dry runs read the backlog without moving anything.
func stageTasks(a *app, runID string, dryRun bool) ([]*manifest.Task, error) {
	backlog, err := manifest.ListTasks(a.tasksRoot, a.taskLayout, manifest.StageBacklog, runID)
	if err != nil {
		return nil, err
	}
	if dryRun || a.taskLayout == manifest.LayoutLegacy {
		return backlog, nil
	}
	for _, t := range backlog {
		name := filepath.Base(t.Dir)
		if err := manifest.MoveTaskDir(a.tasksRoot, a.taskLayout, name,
			manifest.StageBacklog, manifest.StageActive, runID); err != nil {
			return nil, err
		}
	}
	return manifest.ListTasks(a.tasksRoot, a.taskLayout, manifest.StageActive, runID)
}

// handleSignals drains on the first interrupt and cancels on the second.
func handleSignals(cancel context.CancelFunc, stop func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	fmt.Fprintln(os.Stderr, "\ninterrupt: draining current batch (interrupt again to abort)")
	stop()
	<-ch
	fmt.Fprintln(os.Stderr, "second interrupt: aborting")
	cancel()
}

// printPlan writes the batch plan. Locks keys are task ids mapped to
// their flattened lock lines, so each row reads "task <id> locks ...".
func printPlan(w io.Writer, plan []*models.Batch) {
	for _, b := range plan {
		fmt.Fprintf(w, "%s: %s\n", b.BatchID, strings.Join(b.Tasks, ", "))
		if len(b.Locks) == 0 {
			continue
		}
		ids := make([]string, 0, len(b.Locks))
		for id := range b.Locks {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(w, "  task %-6s locks %s\n", id, strings.Join(b.Locks[id], ", "))
		}
	}
}

func printRunSummary(run *models.RunState) {
	counts := run.CountByStatus()
	statuses := make([]models.TaskStatus, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })

	fmt.Printf("\nrun %s %s\n", run.RunID, coloredRunStatus(run.Status))
	for _, s := range statuses {
		fmt.Printf("  %-20s %d\n", coloredTaskStatus(s), counts[s])
	}
	fmt.Printf("  tokens %d, estimated cost $%.4f\n", run.TokensUsed, run.EstimatedCost)
}

func coloredRunStatus(s models.RunStatus) string {
	switch s {
	case models.RunComplete:
		return color.GreenString(string(s))
	case models.RunFailed:
		return color.RedString(string(s))
	case models.RunPaused, models.RunStopped:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func coloredTaskStatus(s models.TaskStatus) string {
	switch s {
	case models.TaskComplete, models.TaskValidated, models.TaskSkipped:
		return color.GreenString(string(s))
	case models.TaskFailed:
		return color.RedString(string(s))
	case models.TaskNeedsHumanReview, models.TaskNeedsRescope, models.TaskRescopeRequired:
		return color.YellowString(string(s))
	case models.TaskRunning:
		return color.CyanString(string(s))
	default:
		return string(s)
	}
}
