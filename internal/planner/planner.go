// Package planner turns a prose implementation plan into task manifests.
// An LLM decomposes the plan into tasks with explicit dependencies and
// resource locks; the planner validates the graph and writes each task
// into the backlog stage.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mycelium-sh/mycelium/internal/llm"
	"github.com/mycelium-sh/mycelium/internal/manifest"
	"github.com/mycelium-sh/mycelium/internal/paths"
	"github.com/mycelium-sh/mycelium/pkg/models"
)

const planSystemPrompt = `You are a software planning assistant. Decompose the
given implementation plan into independent tasks for parallel execution by
coding agents. Each task gets a three-digit id (001, 002, ...), a short name,
a description, dependencies on other task ids, resource locks it reads and
writes, the file globs it expects to touch, and a per-task spec in markdown.
Two tasks that write the same lock never run together, so keep write locks
minimal. The dependency graph must be acyclic. Answer with JSON only.`

var planSchema = json.RawMessage(`{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["id", "name", "description", "spec"],
    "properties": {
      "id": {"type": "string"},
      "name": {"type": "string"},
      "description": {"type": "string"},
      "estimated_minutes": {"type": "integer"},
      "dependencies": {"type": "array", "items": {"type": "string"}},
      "locks": {
        "type": "object",
        "properties": {
          "reads": {"type": "array", "items": {"type": "string"}},
          "writes": {"type": "array", "items": {"type": "string"}}
        }
      },
      "files": {
        "type": "object",
        "properties": {
          "reads": {"type": "array", "items": {"type": "string"}},
          "writes": {"type": "array", "items": {"type": "string"}}
        }
      },
      "spec": {"type": "string"}
    }
  }
}`)

// plannedTask is one element of the LLM's answer: a manifest plus the
// per-task spec body.
type plannedTask struct {
	models.TaskManifest
	Spec string `json:"spec"`
}

// Planner decomposes prose plans and writes task directories.
type Planner struct {
	client    llm.Client
	tasksRoot string
	layout    manifest.LayoutKind
	// doctor is the configured health command, stamped into tasks the
	// model leaves without one.
	doctor string
}

// New creates a planner writing under tasksRoot.
func New(client llm.Client, tasksRoot string, layout manifest.LayoutKind, doctor string) *Planner {
	return &Planner{client: client, tasksRoot: tasksRoot, layout: layout, doctor: doctor}
}

// Plan asks the LLM to decompose the prose plan, validates the result,
// and writes one task directory per task into the backlog. It returns
// the created task directories in id order.
func (p *Planner) Plan(ctx context.Context, prose string) ([]string, error) {
	if strings.TrimSpace(prose) == "" {
		return nil, models.NewUserError(models.CodeBadRequest, "empty plan",
			"the plan input has no content", "write the implementation plan first", nil)
	}

	resp, err := p.client.Complete(ctx, llm.Request{
		System: planSystemPrompt,
		Prompt: prose,
		Schema: planSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("planner completion: %w", err)
	}
	planned, err := decodePlan(resp)
	if err != nil {
		return nil, err
	}

	manifests := make([]*models.TaskManifest, len(planned))
	for i := range planned {
		m := &planned[i].TaskManifest
		if m.Verify.Doctor == "" {
			m.Verify.Doctor = p.doctor
		}
		if err := manifest.ValidateManifest(m); err != nil {
			return nil, models.NewUserError(models.CodeTaskError, "planner produced an invalid task",
				err.Error(), "re-run `mycelium plan` or edit the plan input", err)
		}
		manifests[i] = m
	}
	if err := manifest.ValidateDAG(manifests); err != nil {
		return nil, models.NewUserError(models.CodeTaskError, "planner produced an invalid graph",
			err.Error(), "re-run `mycelium plan` or edit the plan input", err)
	}

	return p.write(planned)
}

func decodePlan(resp *llm.Response) ([]plannedTask, error) {
	raw := resp.Parsed
	if raw == nil {
		raw = json.RawMessage(resp.Text)
	}
	var planned []plannedTask
	if err := json.Unmarshal(raw, &planned); err != nil {
		return nil, models.NewUserError(models.CodeTaskError, "planner answer unreadable",
			fmt.Sprintf("the model did not return a task array: %v", err),
			"re-run `mycelium plan`", err)
	}
	if len(planned) == 0 {
		return nil, models.NewUserError(models.CodeTaskError, "planner produced no tasks",
			"the model returned an empty plan", "re-run `mycelium plan` with more detail", nil)
	}
	return planned, nil
}

func (p *Planner) write(planned []plannedTask) ([]string, error) {
	stageDir, err := manifest.StageDir(p.tasksRoot, p.layout, manifest.StageBacklog, "")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backlog: %w", err)
	}

	var dirs []string
	for i := range planned {
		t := &planned[i]
		dirName := t.ID + "-" + paths.Slugify(t.Name)
		dir := filepath.Join(stageDir, dirName)
		if _, err := os.Stat(dir); err == nil {
			return nil, models.NewUserError(models.CodeBadRequest, "task directory exists",
				fmt.Sprintf("%s already exists", dir),
				"clean the backlog or choose new task ids", nil)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create task dir: %w", err)
		}

		task := &manifest.Task{
			Manifest:     &t.TaskManifest,
			Spec:         t.Spec,
			Dir:          dir,
			ManifestPath: filepath.Join(dir, "manifest.yaml"),
		}
		if err := manifest.Save(task); err != nil {
			return nil, err
		}
		spec := t.Spec
		if !strings.HasSuffix(spec, "\n") {
			spec += "\n"
		}
		if err := os.WriteFile(filepath.Join(dir, manifest.SpecName), []byte(spec), 0o644); err != nil {
			return nil, fmt.Errorf("write spec: %w", err)
		}
		dirs = append(dirs, dir)
	}
	return dirs, nil
}
