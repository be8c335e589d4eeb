package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/mycelium-sh/mycelium/pkg/models"
)

// LayoutKind identifies how task directories are organized under tasksRoot.
type LayoutKind string

const (
	// LayoutKanban uses backlog/, active/, and archive/<runId>/ stages.
	LayoutKanban LayoutKind = "kanban"
	// LayoutLegacy keeps task directories directly under tasksRoot.
	LayoutLegacy LayoutKind = "legacy"
)

// Stage names within a kanban layout.
type Stage string

const (
	StageBacklog Stage = "backlog"
	StageActive  Stage = "active"
	StageArchive Stage = "archive"
)

// DetectLayout returns kanban when tasksRoot/backlog exists, legacy otherwise.
func DetectLayout(tasksRoot string) LayoutKind {
	if info, err := os.Stat(filepath.Join(tasksRoot, string(StageBacklog))); err == nil && info.IsDir() {
		return LayoutKanban
	}
	return LayoutLegacy
}

// StageDir resolves the directory holding task dirs for a stage. Legacy
// layouts have a single stage: the root itself. Archive requires a run id.
func StageDir(tasksRoot string, layout LayoutKind, stage Stage, runID string) (string, error) {
	if layout == LayoutLegacy {
		return tasksRoot, nil
	}
	if stage == StageArchive {
		if runID == "" {
			return "", fmt.Errorf("archive stage requires a run id")
		}
		return filepath.Join(tasksRoot, string(StageArchive), runID), nil
	}
	return filepath.Join(tasksRoot, string(stage)), nil
}

// ListTasks loads every task directory in the given stage, sorted by id.
func ListTasks(tasksRoot string, layout LayoutKind, stage Stage, runID string) ([]*Task, error) {
	dir, err := StageDir(tasksRoot, layout, stage, runID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list tasks in %s: %w", dir, err)
	}

	var tasks []*Task
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		task, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", entry.Name(), err)
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Manifest.ID < tasks[j].Manifest.ID })
	return tasks, nil
}

// MoveTaskDir atomically renames a task directory between stages. Legal
// moves are backlog<->active and active->archive; archive moves require a
// run id.
func MoveTaskDir(tasksRoot string, layout LayoutKind, taskDirName string, from, to Stage, runID string) error {
	if layout == LayoutLegacy {
		// Legacy layouts have no stages to move between.
		return nil
	}
	switch {
	case from == StageBacklog && to == StageActive,
		from == StageActive && to == StageBacklog,
		from == StageActive && to == StageArchive:
	default:
		return fmt.Errorf("illegal task move %s -> %s", from, to)
	}

	fromDir, err := StageDir(tasksRoot, layout, from, runID)
	if err != nil {
		return err
	}
	toDir, err := StageDir(tasksRoot, layout, to, runID)
	if err != nil {
		return err
	}

	src := filepath.Join(fromDir, taskDirName)
	if _, err := os.Stat(src); err != nil {
		return models.NewUserError(models.CodeNotFound, "task directory missing",
			fmt.Sprintf("no task directory at %s", src),
			"rerun `mycelium plan` to regenerate the backlog", err)
	}
	if err := os.MkdirAll(toDir, 0755); err != nil {
		return fmt.Errorf("create %s stage: %w", to, err)
	}
	dst := filepath.Join(toDir, taskDirName)
	if err := os.Rename(src, dst); err != nil {
		return models.NewUserError(models.CodeTaskError, "task move failed",
			fmt.Sprintf("cannot move %s from %s to %s: %v", taskDirName, from, to, err),
			"check for a concurrent run holding the directory", err)
	}
	return nil
}
