package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mycelium-sh/mycelium/internal/state"
	"github.com/mycelium-sh/mycelium/pkg/models"
)

var (
	cleanRunID string
	cleanState bool
	cleanForce bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove a run's workspaces (and optionally its state and logs)",
	Long: `Clean deletes the workspace clones of a run. With --state it also
deletes the run-state file and the log directory, and rebuilds the run
history index. Runs that still look active are refused unless --force.`,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().StringVar(&cleanRunID, "run-id", "", "Run to clean (default: newest)")
	cleanCmd.Flags().BoolVar(&cleanState, "state", false, "Also remove run state and logs")
	cleanCmd.Flags().BoolVar(&cleanForce, "force", false, "Clean even if the run state says running")
}

func runClean(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	runID, err := a.resolveRunID(cleanRunID)
	if err != nil {
		return err
	}
	layout := a.layout(runID)

	run, err := readRunState(layout.RunStatePath())
	switch {
	case err == nil && run.Status == models.RunRunning && !cleanForce:
		return models.NewUserError(models.CodeBadRequest, "run appears active",
			fmt.Sprintf("run %s is recorded as running", runID),
			"wait for it to park, or pass --force", nil)
	case err != nil && models.AsUserError(err) == nil:
		return err
	}

	removed := []string{layout.WorkspacesRoot()}
	if err := os.RemoveAll(layout.WorkspacesRoot()); err != nil {
		return fmt.Errorf("remove workspaces: %w", err)
	}
	if cleanState {
		for _, path := range []string{layout.RunStatePath(), layout.RunLogsDir()} {
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("remove %s: %w", path, err)
			}
			removed = append(removed, path)
		}
		if _, err := state.RebuildIndex(layout.IndexPath()); err != nil {
			return err
		}
	}
	for _, path := range removed {
		fmt.Printf("removed %s\n", path)
	}
	return nil
}
