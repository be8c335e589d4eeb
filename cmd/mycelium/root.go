package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mycelium-sh/mycelium/pkg/models"
)

var (
	flagRepo    string
	flagHome    string
	flagProject string
	flagTasks   string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "mycelium",
	Short: "Project-scoped parallel task orchestrator for AI coding agents",
	Long: `Mycelium plans prose into task manifests, schedules independent tasks
into parallel batches, runs a coding agent per task in an isolated git
clone, judges the results with LLM validators, and merges validated
branches back into the integration branch behind a project doctor.

State lives under the mycelium home ($MYCELIUM_HOME or .mycelium in the
repository): run state and history per project, JSONL event logs per run,
and one workspace clone per task.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and maps errors to exit codes:
// 0 success, 1 user-facing failure, 2 internal error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if ue := models.AsUserError(err); ue != nil {
			printUserError(ue)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "internal error: %v\n", err)
		os.Exit(2)
	}
}

func printUserError(ue *models.UserError) {
	color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "error[%s]: %s\n", ue.Code, ue.Title)
	if ue.Message != "" {
		fmt.Fprintln(os.Stderr, ue.Message)
	}
	if ue.Hint != "" {
		color.New(color.FgYellow).Fprintf(os.Stderr, "hint: %s\n", ue.Hint)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRepo, "repo", ".", "Path to the integration repository")
	rootCmd.PersistentFlags().StringVar(&flagHome, "home", "", "Mycelium home directory (default $MYCELIUM_HOME or <repo>/.mycelium)")
	rootCmd.PersistentFlags().StringVar(&flagProject, "project", "", "Project name (default: repository directory name)")
	rootCmd.PersistentFlags().StringVar(&flagTasks, "tasks", "tasks", "Task directory root, relative to the repository")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Write a debug log under the run's log directory")

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(versionCmd)
}
