package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mycelium-sh/mycelium/internal/manifest"
	"github.com/mycelium-sh/mycelium/internal/planner"
	"github.com/mycelium-sh/mycelium/pkg/models"
)

var (
	planInput  string
	planOutput string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Turn a prose work description into backlog task manifests",
	Long: `Plan sends the prose description to the configured LLM provider and
writes the returned tasks to the backlog as task directories, each with
a manifest.yaml and a spec.md. The plan is validated for manifest
completeness and dependency cycles before anything is written.`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVar(&planInput, "input", "", "Prose file describing the work (required)")
	planCmd.Flags().StringVar(&planOutput, "output", "", "Task root to write under (default: --tasks)")
	planCmd.MarkFlagRequired("input")
}

func runPlan(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	prose, err := os.ReadFile(planInput)
	if err != nil {
		return models.NewUserError(models.CodeNotFound, "input file unreadable",
			fmt.Sprintf("cannot read %s: %v", planInput, err),
			"pass an existing prose file via --input", err)
	}

	out := a.tasksRoot
	if planOutput != "" {
		if out, err = filepath.Abs(planOutput); err != nil {
			return fmt.Errorf("resolve output path: %w", err)
		}
	}
	// Fresh task roots get the kanban layout; only an established legacy
	// root stays flat.
	layout := manifest.DetectLayout(out)
	if entries, err := os.ReadDir(out); err != nil || len(entries) == 0 {
		layout = manifest.LayoutKanban
	}

	client, err := a.llmFor(a.cfg.Agent.Provider, a.cfg.Agent.Model)
	if err != nil {
		return err
	}
	p := planner.New(client, out, layout, a.cfg.Worker.Doctor)
	dirs, err := p.Plan(cmd.Context(), string(prose))
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		fmt.Println(dir)
	}
	fmt.Printf("planned %d tasks\n", len(dirs))
	return nil
}
