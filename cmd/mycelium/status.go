package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mycelium-sh/mycelium/internal/state"
	"github.com/mycelium-sh/mycelium/internal/watch"
	"github.com/mycelium-sh/mycelium/pkg/models"
)

var (
	statusRunID string
	statusWatch bool
	statusAll   bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show run history and per-task status",
	Long: `Status prints the project's run history and the per-task state of the
newest run (or the run named by --run-id). With --watch it follows the
run-state file and re-renders on every change.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusRunID, "run-id", "", "Run to inspect (default: newest)")
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "Follow the run state and re-render on change")
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "List the full run history")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	runID, err := a.resolveRunID(statusRunID)
	if err != nil {
		return err
	}
	layout := a.layout(runID)

	if statusAll {
		if err := printRunHistory(a); err != nil {
			return err
		}
		fmt.Println()
	}
	if !statusWatch {
		run, err := readRunState(layout.RunStatePath())
		if err != nil {
			return err
		}
		printRunDetail(run)
		return nil
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	snaps, err := watch.Follow(ctx, layout.RunStatePath(), watch.DefaultPollInterval)
	if err != nil {
		return err
	}
	for snap := range snaps {
		if snap.Err != nil {
			fmt.Fprintf(os.Stderr, "read state: %v\n", snap.Err)
			continue
		}
		fmt.Printf("\n--- %s ---\n", time.Now().Format("15:04:05"))
		printRunDetail(snap.Run)
	}
	return nil
}

// readRunState loads a run-state file without the store, so inspecting a
// run never triggers staleness recovery.
func readRunState(path string) (*models.RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.NewUserError(models.CodeNotFound, "run state missing",
				fmt.Sprintf("no run state at %s", path), "check --run-id and --project", err)
		}
		return nil, err
	}
	var run models.RunState
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, models.NewUserError(models.CodeStateCorrupt, "run state unreadable",
			fmt.Sprintf("cannot parse %s: %v", path, err),
			"resume the run or remove the file with `mycelium clean --state`", err)
	}
	return &run, nil
}

func printRunHistory(a *app) error {
	runs, err := state.LoadIndex(a.layout("").IndexPath())
	if err != nil {
		return err
	}
	fmt.Printf("%-18s %-10s %-17s %-17s %s\n", "RUN", "STATUS", "STARTED", "UPDATED", "TASKS")
	for _, r := range runs {
		fmt.Printf("%-18s %-10s %-17s %-17s %d\n",
			r.RunID, r.Status,
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.UpdatedAt.Local().Format("2006-01-02 15:04"),
			r.TaskCount)
	}
	return nil
}

func printRunDetail(run *models.RunState) {
	fmt.Printf("run %s  project %s  status %s\n", run.RunID, run.Project, coloredRunStatus(run.Status))
	fmt.Printf("branch %s  batches %d  tokens %d  cost $%.4f\n",
		run.MainBranch, len(run.Batches), run.TokensUsed, run.EstimatedCost)

	ids := make([]string, 0, len(run.Tasks))
	for id := range run.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Printf("\n%-6s %-30s %-9s %s\n", "TASK", "STATUS", "ATTEMPTS", "NOTE")
	for _, id := range ids {
		ts := run.Tasks[id]
		fmt.Printf("%-6s %-30s %-9d %s\n", id, coloredTaskStatus(ts.Status), ts.Attempts, taskNote(ts))
	}
}

// taskNote picks the single most useful line for a task row.
func taskNote(ts *models.TaskState) string {
	note := ""
	switch {
	case ts.HumanReview != nil:
		note = ts.HumanReview.Reason
	case ts.LastError != "":
		note = ts.LastError
	}
	if len(note) > 60 {
		note = note[:57] + "..."
	}
	return note
}
