package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mycelium-sh/mycelium/internal/manifest"
	"github.com/mycelium-sh/mycelium/pkg/models"
)

var resumeRunID string

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue a paused, stopped, or crashed run",
	Long: `Resume reloads the run state (applying staleness recovery), resets any
tasks left in running, merges tasks that were validated but never merged,
and re-enters the batch loop. Defaults to the project's newest run.`,
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeRunID, "run-id", "", "Run to resume (default: newest)")
}

func runResume(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	runID, err := a.resolveRunID(resumeRunID)
	if err != nil {
		return err
	}

	// Tasks already merged in this run live in the archive stage.
	active, err := manifest.ListTasks(a.tasksRoot, a.taskLayout, manifest.StageActive, runID)
	if err != nil {
		return err
	}
	archived, err := manifest.ListTasks(a.tasksRoot, a.taskLayout, manifest.StageArchive, runID)
	if err != nil {
		return err
	}
	tasks := append(active, archived...)
	if len(tasks) == 0 {
		return models.NewUserError(models.CodeNotFound, "no tasks for run",
			fmt.Sprintf("run %s has no task directories under %s", runID, a.tasksRoot),
			"check --tasks and --run-id", nil)
	}

	eng, closers, err := a.buildEngine(runID)
	if err != nil {
		return err
	}
	defer closers.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go handleSignals(cancel, eng.Stop)

	fmt.Printf("resuming run %s, project %s\n", runID, a.project)
	run, err := eng.Resume(ctx, tasks)
	if run != nil {
		printRunSummary(run)
	}
	return err
}
