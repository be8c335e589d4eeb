package scheduler

import (
	"reflect"
	"testing"

	"github.com/mycelium-sh/mycelium/pkg/models"
)

func task(id string, reads, writes []string) *models.TaskManifest {
	return &models.TaskManifest{
		ID:    id,
		Name:  "task " + id,
		Locks: models.Locks{Reads: reads, Writes: writes},
	}
}

func batchIDs(b *Batch) []string {
	var out []string
	for _, t := range b.Tasks {
		out = append(out, t.ID)
	}
	return out
}

func TestIndependentTasksShareBatch(t *testing.T) {
	ready := []*models.TaskManifest{
		task("001", nil, []string{"docs"}),
		task("002", nil, []string{"code"}),
	}
	batch, err := BuildBatch(ready, 4)
	if err != nil {
		t.Fatalf("BuildBatch: %v", err)
	}
	if !reflect.DeepEqual(batchIDs(batch), []string{"001", "002"}) {
		t.Errorf("expected both tasks in one batch, got %v", batchIDs(batch))
	}
}

func TestWriteWriteConflictSplits(t *testing.T) {
	ready := []*models.TaskManifest{
		task("001", nil, []string{"repo"}),
		task("002", nil, []string{"repo"}),
	}
	batch, err := BuildBatch(ready, 4)
	if err != nil {
		t.Fatalf("BuildBatch: %v", err)
	}
	if !reflect.DeepEqual(batchIDs(batch), []string{"001"}) {
		t.Errorf("expected only 001 placed, got %v", batchIDs(batch))
	}
	if batch.Skipped["002"] == "" {
		t.Error("expected skip reason recorded for 002")
	}
}

func TestReadWriteConflict(t *testing.T) {
	ready := []*models.TaskManifest{
		task("001", nil, []string{"schema"}),
		task("002", []string{"schema"}, []string{"api"}),
		task("003", []string{"api-docs"}, nil),
	}
	batch, err := BuildBatch(ready, 4)
	if err != nil {
		t.Fatal(err)
	}
	// 002 reads what 001 writes; 003 is independent.
	if !reflect.DeepEqual(batchIDs(batch), []string{"001", "003"}) {
		t.Errorf("expected [001 003], got %v", batchIDs(batch))
	}
}

func TestReadsNeverConflict(t *testing.T) {
	ready := []*models.TaskManifest{
		task("001", []string{"schema"}, nil),
		task("002", []string{"schema"}, nil),
	}
	batch, err := BuildBatch(ready, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Tasks) != 2 {
		t.Errorf("expected shared readers co-scheduled, got %v", batchIDs(batch))
	}
}

func TestMaxParallelCap(t *testing.T) {
	ready := []*models.TaskManifest{
		task("001", nil, nil),
		task("002", nil, nil),
		task("003", nil, nil),
	}
	batch, err := BuildBatch(ready, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(batchIDs(batch), []string{"001", "002"}) {
		t.Errorf("expected first two by id, got %v", batchIDs(batch))
	}
}

func TestNumericOrderWithTiebreak(t *testing.T) {
	ready := []*models.TaskManifest{
		task("010", nil, nil),
		task("2", nil, nil),
		task("001", nil, nil),
	}
	batch, err := BuildBatch(ready, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(batchIDs(batch), []string{"001", "2", "010"}) {
		t.Errorf("expected numeric order, got %v", batchIDs(batch))
	}
}

func TestDeterminism(t *testing.T) {
	mk := func() []*models.TaskManifest {
		return []*models.TaskManifest{
			task("003", []string{"a"}, []string{"c"}),
			task("001", nil, []string{"a"}),
			task("002", nil, []string{"b"}),
		}
	}
	first, err := BuildBatch(mk(), 8)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := BuildBatch(mk(), 8)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(batchIDs(first), batchIDs(again)) {
			t.Fatalf("batch order not deterministic: %v vs %v", batchIDs(first), batchIDs(again))
		}
	}
}

func TestNoBatchMemberConflicts(t *testing.T) {
	// Invariant: the output never contains two conflicting tasks.
	ready := []*models.TaskManifest{
		task("001", []string{"x"}, []string{"a"}),
		task("002", []string{"a"}, []string{"b"}),
		task("003", nil, []string{"a", "b"}),
		task("004", nil, []string{"d"}),
		task("005", []string{"d"}, []string{"e"}),
	}
	batch, err := BuildBatch(ready, 8)
	if err != nil {
		t.Fatal(err)
	}
	for i, a := range batch.Tasks {
		for _, b := range batch.Tasks[i+1:] {
			if hit, res := Conflict(a, b); hit {
				t.Errorf("batch contains conflicting tasks %s and %s on %q", a.ID, b.ID, res)
			}
		}
	}
}

func TestEmptyReadySet(t *testing.T) {
	batch, err := BuildBatch(nil, 4)
	if err != nil {
		t.Fatalf("expected empty batch, got error %v", err)
	}
	if len(batch.Tasks) != 0 {
		t.Errorf("expected no tasks, got %v", batchIDs(batch))
	}
}
