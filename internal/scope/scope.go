// Package scope classifies a worker turn's changed files against the
// task manifest's declared write surface and the project's component
// ownership model.
package scope

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/mycelium-sh/mycelium/pkg/models"
)

// GraphModel answers component-ownership queries. Extraction of the
// model itself happens elsewhere; enforcement only queries it.
type GraphModel interface {
	// ComponentFor resolves a repo-relative path to its owning
	// component by longest-root-prefix match.
	ComponentFor(path string) (string, bool)
	// Components lists all known component names.
	Components() []string
	// DoctorCommand returns the scoped doctor command for a component.
	DoctorCommand(component string) (string, bool)
}

// Status is the outcome of a scope check.
type Status string

const (
	StatusPass       Status = "pass"
	StatusOutOfScope Status = "out_of_scope"
	StatusUnmapped   Status = "unmapped"
)

// Result describes one scope check.
type Result struct {
	Status            Status   `json:"status"`
	ChangedFiles      []string `json:"changed_files"`
	TouchedComponents []string `json:"touched_components"`
	AllowedComponents []string `json:"allowed_components"`
	MissingComponents []string `json:"missing_components,omitempty"`
	UnmappedFiles     []string `json:"unmapped_files,omitempty"`
	Reason            string   `json:"reason,omitempty"`
}

// OwnershipIndex is a config-backed GraphModel: component name to its
// root directories, plus optional per-component doctor commands.
type OwnershipIndex struct {
	roots   map[string][]string
	doctors map[string]string
}

var _ GraphModel = (*OwnershipIndex)(nil)

// NewOwnershipIndex builds an index from component roots. Root paths
// are normalized to slash form without trailing separators.
func NewOwnershipIndex(roots map[string][]string, doctors map[string]string) *OwnershipIndex {
	normalized := make(map[string][]string, len(roots))
	for component, rs := range roots {
		for _, r := range rs {
			normalized[component] = append(normalized[component], normalize(r))
		}
	}
	return &OwnershipIndex{roots: normalized, doctors: doctors}
}

func (idx *OwnershipIndex) ComponentFor(p string) (string, bool) {
	p = normalize(p)
	best := ""
	bestLen := -1
	for component, roots := range idx.roots {
		for _, root := range roots {
			if !underRoot(p, root) {
				continue
			}
			// Longest prefix wins; tie-break on component name for
			// deterministic results.
			if len(root) > bestLen || (len(root) == bestLen && component < best) {
				best, bestLen = component, len(root)
			}
		}
	}
	return best, bestLen >= 0
}

func (idx *OwnershipIndex) Components() []string {
	out := make([]string, 0, len(idx.roots))
	for c := range idx.roots {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (idx *OwnershipIndex) DoctorCommand(component string) (string, bool) {
	cmd, ok := idx.doctors[component]
	return cmd, ok
}

// Check classifies changed files for a task. Allowed components are
// those owning the manifest's declared file writes plus write locks
// that name components directly.
func Check(changed []string, manifest *models.TaskManifest, graph GraphModel) *Result {
	res := &Result{
		Status:       StatusPass,
		ChangedFiles: append([]string(nil), changed...),
	}
	sort.Strings(res.ChangedFiles)

	allowed := allowedComponents(manifest, graph)
	res.AllowedComponents = setToSorted(allowed)

	touched := map[string]bool{}
	missing := map[string]bool{}
	for _, file := range res.ChangedFiles {
		component, ok := graph.ComponentFor(file)
		if !ok {
			res.UnmappedFiles = append(res.UnmappedFiles, file)
			continue
		}
		touched[component] = true
		if !allowed[component] {
			missing[component] = true
		}
	}
	res.TouchedComponents = setToSorted(touched)
	res.MissingComponents = setToSorted(missing)

	switch {
	case len(res.UnmappedFiles) > 0:
		res.Status = StatusUnmapped
		res.Reason = fmt.Sprintf("%d changed file(s) have no owning component: %s",
			len(res.UnmappedFiles), strings.Join(res.UnmappedFiles, ", "))
	case len(res.MissingComponents) > 0:
		res.Status = StatusOutOfScope
		res.Reason = fmt.Sprintf("changes touch undeclared component(s): %s",
			strings.Join(res.MissingComponents, ", "))
	}
	return res
}

// MatchWriteGlobs partitions changed files by the manifest's declared
// write globs. Files matching no glob are returned as violations.
func MatchWriteGlobs(changed, globs []string) (matched, violations []string) {
	for _, file := range changed {
		ok := false
		for _, g := range globs {
			if m, err := doublestar.Match(g, normalize(file)); err == nil && m {
				ok = true
				break
			}
		}
		if ok {
			matched = append(matched, file)
		} else {
			violations = append(violations, file)
		}
	}
	sort.Strings(matched)
	sort.Strings(violations)
	return matched, violations
}

func allowedComponents(manifest *models.TaskManifest, graph GraphModel) map[string]bool {
	allowed := map[string]bool{}
	known := map[string]bool{}
	for _, c := range graph.Components() {
		known[c] = true
	}
	for _, w := range manifest.Files.Writes {
		if component, ok := graph.ComponentFor(globPrefix(w)); ok {
			allowed[component] = true
		}
	}
	for _, lock := range manifest.Locks.Writes {
		if known[lock] {
			allowed[lock] = true
		} else if component, ok := graph.ComponentFor(lock); ok {
			allowed[component] = true
		}
	}
	return allowed
}

// globPrefix returns the static directory prefix of a glob pattern,
// e.g. "src/api/**/*.go" yields "src/api".
func globPrefix(glob string) string {
	glob = normalize(glob)
	parts := strings.Split(glob, "/")
	var static []string
	for _, part := range parts {
		if strings.ContainsAny(part, "*?[{") {
			break
		}
		static = append(static, part)
	}
	if len(static) == 0 {
		return glob
	}
	return strings.Join(static, "/")
}

func normalize(p string) string {
	p = strings.TrimPrefix(path.Clean(strings.ReplaceAll(p, "\\", "/")), "./")
	return strings.TrimSuffix(p, "/")
}

func underRoot(p, root string) bool {
	return p == root || strings.HasPrefix(p, root+"/")
}

func setToSorted(s map[string]bool) []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
