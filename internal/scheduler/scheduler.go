// Package scheduler builds batches of mutually non-conflicting ready tasks.
// Given identical inputs the batch is byte-identical across machines: tasks
// are considered in numeric-id order and accepted greedily.
package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mycelium-sh/mycelium/pkg/models"
)

// Batch is the scheduler's output: an ordered set of co-schedulable tasks
// plus a lock snapshot for debugging.
type Batch struct {
	// Tasks are the accepted manifests in scheduling order.
	Tasks []*models.TaskManifest
	// Locks maps task id to its flattened lock debug line ("r:a w:b").
	Locks map[string][]string
	// Skipped maps task id to the conflict that kept it out of this batch.
	Skipped map[string]string
}

// Conflict reports whether two tasks cannot share a batch, and on which
// resource: they share a write, or one writes a resource the other reads.
// Reads never conflict.
func Conflict(a, b *models.TaskManifest) (bool, string) {
	aw := toSet(a.Locks.Writes)
	bw := toSet(b.Locks.Writes)
	for _, w := range a.Locks.Writes {
		if bw[w] {
			return true, w
		}
	}
	for _, r := range b.Locks.Reads {
		if aw[r] {
			return true, r
		}
	}
	for _, r := range a.Locks.Reads {
		if bw[r] {
			return true, r
		}
	}
	return false, ""
}

func toSet(xs []string) map[string]bool {
	set := make(map[string]bool, len(xs))
	for _, x := range xs {
		set[x] = true
	}
	return set
}

// sortReady orders tasks by numeric id, tiebreaking lexicographically.
func sortReady(tasks []*models.TaskManifest) []*models.TaskManifest {
	sorted := append([]*models.TaskManifest(nil), tasks...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ni, erri := strconv.Atoi(strings.TrimLeft(sorted[i].ID, "0 "))
		nj, errj := strconv.Atoi(strings.TrimLeft(sorted[j].ID, "0 "))
		if erri == nil && errj == nil && ni != nj {
			return ni < nj
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

// BuildBatch greedily accepts ready tasks that conflict with none of the
// already-accepted ones, up to maxParallel. An empty ready set yields an
// empty batch; a non-empty ready set from which nothing can be placed is a
// placement failure (impossible under the greedy rule, kept as a defensive
// invariant).
func BuildBatch(ready []*models.TaskManifest, maxParallel int) (*Batch, error) {
	if maxParallel < 1 {
		maxParallel = 1
	}
	batch := &Batch{
		Locks:   make(map[string][]string),
		Skipped: make(map[string]string),
	}
	if len(ready) == 0 {
		return batch, nil
	}

	for _, task := range sortReady(ready) {
		if len(batch.Tasks) >= maxParallel {
			break
		}
		blocked := ""
		for _, accepted := range batch.Tasks {
			if hit, resource := Conflict(accepted, task); hit {
				blocked = fmt.Sprintf("lock %q held by %s", resource, accepted.ID)
				break
			}
		}
		if blocked != "" {
			batch.Skipped[task.ID] = blocked
			continue
		}
		batch.Tasks = append(batch.Tasks, task)
		batch.Locks[task.ID] = lockDebug(task)
	}

	if len(batch.Tasks) == 0 {
		return nil, placementFailed(ready)
	}
	return batch, nil
}

// lockDebug flattens a task's locks for the batch snapshot.
func lockDebug(task *models.TaskManifest) []string {
	var out []string
	for _, r := range task.Locks.Reads {
		out = append(out, "r:"+r)
	}
	for _, w := range task.Locks.Writes {
		out = append(out, "w:"+w)
	}
	return out
}

func placementFailed(ready []*models.TaskManifest) error {
	var lines []string
	for _, task := range sortReady(ready) {
		lines = append(lines, fmt.Sprintf("  %s: %s", task.ID, strings.Join(lockDebug(task), " ")))
	}
	return models.NewUserError(models.CodePlacementFailed, "no task can be scheduled",
		"every ready task conflicts with the batch:\n"+strings.Join(lines, "\n"),
		"check the lock declarations in the task manifests", nil)
}
