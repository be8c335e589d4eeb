package planner

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mycelium-sh/mycelium/internal/llm"
	"github.com/mycelium-sh/mycelium/internal/manifest"
	"github.com/mycelium-sh/mycelium/pkg/models"
)

const twoTaskPlan = `[
  {
    "id": "001",
    "name": "Add config loader",
    "description": "Build the YAML config loader.",
    "estimated_minutes": 30,
    "locks": {"writes": ["config"]},
    "files": {"writes": ["internal/config/**"]},
    "spec": "# Config loader\n\nLoad mycelium.yaml."
  },
  {
    "id": "002",
    "name": "Wire config into CLI",
    "description": "Use the loader from the root command.",
    "dependencies": ["001"],
    "locks": {"writes": ["cli"]},
    "files": {"writes": ["cmd/**"]},
    "spec": "# CLI wiring\n\nCall config.Load."
  }
]`

func TestPlanWritesBacklogTasks(t *testing.T) {
	root := t.TempDir()
	client := llm.NewMockClient(twoTaskPlan)
	p := New(client, root, manifest.LayoutKanban, "make test")

	dirs, err := p.Plan(context.Background(), "build a config system")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(dirs) != 2 {
		t.Fatalf("dirs = %v", dirs)
	}
	if got := filepath.Base(dirs[0]); got != "001-add-config-loader" {
		t.Fatalf("dir name = %s", got)
	}

	task, err := manifest.Load(dirs[0])
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if task.Manifest.Name != "Add config loader" {
		t.Fatalf("name = %s", task.Manifest.Name)
	}
	if task.Manifest.Verify.Doctor != "make test" {
		t.Fatalf("doctor = %q, want stamped default", task.Manifest.Verify.Doctor)
	}
	if !strings.Contains(task.Spec, "Load mycelium.yaml") {
		t.Fatalf("spec = %q", task.Spec)
	}

	dep, err := manifest.Load(dirs[1])
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(dep.Manifest.Dependencies) != 1 || dep.Manifest.Dependencies[0] != "001" {
		t.Fatalf("dependencies = %v", dep.Manifest.Dependencies)
	}
}

func TestPlanRejectsCycles(t *testing.T) {
	cyclic := `[
	  {"id": "001", "name": "a", "description": "x", "dependencies": ["002"], "spec": "s"},
	  {"id": "002", "name": "b", "description": "y", "dependencies": ["001"], "spec": "s"}
	]`
	p := New(llm.NewMockClient(cyclic), t.TempDir(), manifest.LayoutKanban, "make test")

	_, err := p.Plan(context.Background(), "anything")
	ue := models.AsUserError(err)
	if ue == nil || ue.Code != models.CodeTaskError {
		t.Fatalf("error = %v, want task_error", err)
	}
	if !strings.Contains(ue.Message, "cycle") && !strings.Contains(ue.Message, "depends") {
		t.Fatalf("message = %q", ue.Message)
	}
}

func TestPlanRejectsEmptyInput(t *testing.T) {
	p := New(llm.NewMockClient(), t.TempDir(), manifest.LayoutKanban, "make test")
	_, err := p.Plan(context.Background(), "   \n")
	ue := models.AsUserError(err)
	if ue == nil || ue.Code != models.CodeBadRequest {
		t.Fatalf("error = %v, want bad_request", err)
	}
}

func TestPlanRejectsNonArrayAnswer(t *testing.T) {
	p := New(llm.NewMockClient("the plan is too vague to decompose"), t.TempDir(), manifest.LayoutKanban, "make test")
	_, err := p.Plan(context.Background(), "do something")
	ue := models.AsUserError(err)
	if ue == nil || ue.Code != models.CodeTaskError {
		t.Fatalf("error = %v, want task_error", err)
	}
}

func TestPlanRefusesExistingTaskDir(t *testing.T) {
	root := t.TempDir()
	p := New(llm.NewMockClient(twoTaskPlan, twoTaskPlan), root, manifest.LayoutKanban, "make test")

	if _, err := p.Plan(context.Background(), "first"); err != nil {
		t.Fatalf("first plan: %v", err)
	}
	_, err := p.Plan(context.Background(), "second")
	ue := models.AsUserError(err)
	if ue == nil || ue.Code != models.CodeBadRequest {
		t.Fatalf("error = %v, want bad_request", err)
	}
}
