package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mycelium-sh/mycelium/pkg/models"
)

// indexFile is the on-disk shape of the per-project run history.
type indexFile struct {
	Runs []models.RunSummary `json:"runs"`
}

// UpdateIndex upserts the run's summary row into the project index and
// rewrites it sorted by updated_at descending, deduped by run id.
func UpdateIndex(indexPath string, summary models.RunSummary) error {
	runs, err := readIndex(indexPath)
	if err != nil {
		// A corrupt index is disposable; it is rebuilt from state files.
		runs = nil
	}

	replaced := false
	for i := range runs {
		if runs[i].RunID == summary.RunID {
			runs[i] = summary
			replaced = true
			break
		}
	}
	if !replaced {
		runs = append(runs, summary)
	}
	return writeIndex(indexPath, runs)
}

// LoadIndex reads the project index, rebuilding it from the state files in
// the same directory when absent.
func LoadIndex(indexPath string) ([]models.RunSummary, error) {
	if _, err := os.Stat(indexPath); os.IsNotExist(err) {
		return RebuildIndex(indexPath)
	}
	runs, err := readIndex(indexPath)
	if err != nil {
		return RebuildIndex(indexPath)
	}
	return runs, nil
}

// RebuildIndex scans run-*.json files beside the index and rewrites it.
func RebuildIndex(indexPath string) ([]models.RunSummary, error) {
	dir := filepath.Dir(indexPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan state directory: %w", err)
	}

	var runs []models.RunSummary
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "run-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var run models.RunState
		if err := json.Unmarshal(data, &run); err != nil || run.RunID == "" {
			continue
		}
		runs = append(runs, run.Summarize())
	}

	if err := writeIndex(indexPath, runs); err != nil {
		return nil, err
	}
	return sortedDeduped(runs), nil
}

func readIndex(indexPath string) ([]models.RunSummary, error) {
	data, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, err
	}
	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	return idx.Runs, nil
}

func writeIndex(indexPath string, runs []models.RunSummary) error {
	if err := os.MkdirAll(filepath.Dir(indexPath), 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	data, err := json.MarshalIndent(indexFile{Runs: sortedDeduped(runs)}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	data = append(data, '\n')
	tmp := indexPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	if err := os.Rename(tmp, indexPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish index: %w", err)
	}
	return nil
}

func sortedDeduped(runs []models.RunSummary) []models.RunSummary {
	sorted := append([]models.RunSummary(nil), runs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt)
	})
	seen := make(map[string]bool, len(sorted))
	out := sorted[:0]
	for _, r := range sorted {
		if seen[r.RunID] {
			continue
		}
		seen[r.RunID] = true
		out = append(out, r)
	}
	return out
}
