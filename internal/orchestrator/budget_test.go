package orchestrator

import (
	"strings"
	"testing"

	"github.com/mycelium-sh/mycelium/internal/config"
)

func TestBudgetFiresOncePerCrossing(t *testing.T) {
	tr := NewBudgetTracker([]config.BudgetConfig{
		{Scope: "task", Kind: "tokens", Limit: 100, Mode: "block"},
	})

	if br := tr.Record("001", 80, 0.1); len(br) != 0 {
		t.Fatalf("below limit fired: %v", br)
	}
	br := tr.Record("001", 30, 0.1)
	if len(br) != 1 {
		t.Fatalf("crossing fired %d breaches, want 1", len(br))
	}
	if br[0].Observed != 110 || br[0].Limit != 100 || !br[0].Blocks() {
		t.Fatalf("unexpected breach %+v", br[0])
	}
	if br := tr.Record("001", 500, 1.0); len(br) != 0 {
		t.Fatalf("already-fired rule fired again: %v", br)
	}
}

func TestBudgetTaskScopeIsPerTask(t *testing.T) {
	tr := NewBudgetTracker([]config.BudgetConfig{
		{Scope: "task", Kind: "tokens", Limit: 50, Mode: "warn"},
	})

	if br := tr.Record("001", 60, 0); len(br) != 1 {
		t.Fatalf("task 001 did not breach")
	}
	br := tr.Record("002", 60, 0)
	if len(br) != 1 {
		t.Fatalf("task 002 did not breach independently")
	}
	if br[0].TaskID != "002" || br[0].Blocks() {
		t.Fatalf("unexpected breach %+v", br[0])
	}
}

func TestBudgetRunScopeAggregates(t *testing.T) {
	tr := NewBudgetTracker([]config.BudgetConfig{
		{Scope: "run", Kind: "cost", Limit: 1.0, Mode: "block"},
	})

	if br := tr.Record("001", 100, 0.6); len(br) != 0 {
		t.Fatalf("premature breach: %v", br)
	}
	br := tr.Record("002", 100, 0.6)
	if len(br) != 1 {
		t.Fatalf("run-scope crossing not detected")
	}
	if br[0].Scope != "run" || br[0].TaskID != "002" {
		t.Fatalf("unexpected breach %+v", br[0])
	}
	if got := tr.RunCost(); got != 1.2 {
		t.Fatalf("RunCost = %v, want 1.2", got)
	}
}

func TestBudgetExactLimitDoesNotFire(t *testing.T) {
	tr := NewBudgetTracker([]config.BudgetConfig{
		{Scope: "task", Kind: "tokens", Limit: 100, Mode: "block"},
	})
	if br := tr.Record("001", 100, 0); len(br) != 0 {
		t.Fatalf("landing exactly on the limit fired: %v", br)
	}
	if br := tr.Record("001", 1, 0); len(br) != 1 {
		t.Fatalf("crossing after exact landing did not fire")
	}
}

func TestBreachString(t *testing.T) {
	b := Breach{Scope: "task", Kind: "tokens", Mode: "block", TaskID: "001", Limit: 100, Observed: 150}
	if !strings.Contains(b.String(), "task tokens budget exceeded") {
		t.Fatalf("String() = %q", b.String())
	}
}
