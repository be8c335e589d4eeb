// Package manifest loads task manifests from the tasks directory, manages
// the backlog/active/archive layout, and computes the cross-run fingerprints
// the ledger keys on.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mycelium-sh/mycelium/internal/graph"
	"github.com/mycelium-sh/mycelium/internal/paths"
	"github.com/mycelium-sh/mycelium/pkg/models"
)

// Manifest file names recognized inside a task directory, in priority order.
var manifestNames = []string{"manifest.yaml", "manifest.yml", "manifest.json"}

// SpecName is the per-task spec file inside a task directory.
const SpecName = "spec.md"

// Task is one task directory: manifest plus its spec text.
type Task struct {
	// Manifest is the parsed manifest.
	Manifest *models.TaskManifest
	// Spec is the raw per-task spec markdown.
	Spec string
	// Dir is the task directory path.
	Dir string
	// ManifestPath is the manifest file inside Dir.
	ManifestPath string
}

// Slug returns the directory slug component for the task name.
func (t *Task) Slug() string {
	return paths.Slugify(t.Manifest.Name)
}

// Load reads and validates the manifest and spec in a task directory.
func Load(dir string) (*Task, error) {
	var manifestPath string
	for _, name := range manifestNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			manifestPath = p
			break
		}
	}
	if manifestPath == "" {
		return nil, models.NewUserError(models.CodeNotFound, "manifest not found",
			fmt.Sprintf("no manifest.yaml or manifest.json in %s", dir),
			"rerun `mycelium plan` to regenerate the task", nil)
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m models.TaskManifest
	if strings.HasSuffix(manifestPath, ".json") {
		err = json.Unmarshal(data, &m)
	} else {
		err = yaml.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, models.NewUserError(models.CodeConfigInvalid, "manifest unparseable",
			fmt.Sprintf("%s: %v", manifestPath, err), "rerun `mycelium plan`", err)
	}
	if err := ValidateManifest(&m); err != nil {
		return nil, models.NewUserError(models.CodeConfigInvalid, "manifest invalid",
			fmt.Sprintf("%s: %v", manifestPath, err), "rerun `mycelium plan`", err)
	}

	spec := ""
	if specData, err := os.ReadFile(filepath.Join(dir, SpecName)); err == nil {
		spec = string(specData)
	}

	return &Task{Manifest: &m, Spec: spec, Dir: dir, ManifestPath: manifestPath}, nil
}

// Save writes the manifest back to its file, preserving the original format.
func Save(t *Task) error {
	var data []byte
	var err error
	if strings.HasSuffix(t.ManifestPath, ".json") {
		data, err = json.MarshalIndent(t.Manifest, "", "  ")
		data = append(data, '\n')
	} else {
		data, err = yaml.Marshal(t.Manifest)
	}
	if err != nil {
		return fmt.Errorf("marshal manifest %s: %w", t.Manifest.ID, err)
	}
	if err := os.WriteFile(t.ManifestPath, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// AppendWrites amends the manifest's declared file writes in place
// (auto-rescope). Duplicates are dropped; the result stays sorted.
func AppendWrites(t *Task, writes []string) error {
	existing := make(map[string]bool, len(t.Manifest.Files.Writes))
	for _, w := range t.Manifest.Files.Writes {
		existing[w] = true
	}
	changed := false
	for _, w := range writes {
		if !existing[w] {
			t.Manifest.Files.Writes = append(t.Manifest.Files.Writes, w)
			existing[w] = true
			changed = true
		}
	}
	if !changed {
		return nil
	}
	sort.Strings(t.Manifest.Files.Writes)
	return Save(t)
}

// ValidateManifest checks a single manifest's required fields.
func ValidateManifest(m *models.TaskManifest) error {
	if m.ID == "" {
		return fmt.Errorf("missing id")
	}
	if m.Name == "" {
		return fmt.Errorf("task %s: missing name", m.ID)
	}
	if !m.TDDMode.Valid() {
		return fmt.Errorf("task %s: unknown tdd_mode %q", m.ID, m.TDDMode)
	}
	if m.Verify.Doctor == "" {
		return fmt.Errorf("task %s: missing verify.doctor", m.ID)
	}
	return nil
}

// ValidateDAG rejects dependency cycles across a set of manifests, reporting
// the precise cycle path. Called at plan-write time and again at run start.
func ValidateDAG(manifests []*models.TaskManifest) error {
	g := graph.New()
	if err := g.Build(manifests); err != nil {
		return err
	}
	return nil
}
