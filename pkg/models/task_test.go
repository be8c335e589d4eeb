package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestTaskStatusValid(t *testing.T) {
	valid := []TaskStatus{
		TaskPending, TaskRunning, TaskValidated, TaskComplete, TaskFailed,
		TaskNeedsHumanReview, TaskNeedsRescope, TaskRescopeRequired, TaskSkipped,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}

	if TaskStatus("done").Valid() {
		t.Error("expected unknown status to be invalid")
	}
	if TaskStatus("").Valid() {
		t.Error("expected empty status to be invalid")
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	terminal := []TaskStatus{
		TaskComplete, TaskFailed, TaskNeedsHumanReview, TaskNeedsRescope,
		TaskRescopeRequired, TaskSkipped,
	}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %q to be terminal", s)
		}
	}

	for _, s := range []TaskStatus{TaskPending, TaskRunning, TaskValidated} {
		if s.Terminal() {
			t.Errorf("expected %q to be non-terminal", s)
		}
	}
}

func TestRunStatusValid(t *testing.T) {
	for _, s := range []RunStatus{RunRunning, RunPaused, RunComplete, RunFailed, RunStopped} {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if RunStatus("halted").Valid() {
		t.Error("expected unknown run status to be invalid")
	}
}

func TestTDDModeValid(t *testing.T) {
	for _, m := range []TDDMode{TDDOff, TDDStageA, TDDStrict, ""} {
		if !m.Valid() {
			t.Errorf("expected %q to be valid", m)
		}
	}
	if TDDMode("stage-b").Valid() {
		t.Error("expected unknown tdd mode to be invalid")
	}
}

func TestCountByStatus(t *testing.T) {
	run := &RunState{
		Tasks: map[string]*TaskState{
			"001": {Status: TaskComplete},
			"002": {Status: TaskComplete},
			"003": {Status: TaskFailed},
		},
	}

	counts := run.CountByStatus()
	if counts[TaskComplete] != 2 {
		t.Errorf("expected 2 complete, got %d", counts[TaskComplete])
	}
	if counts[TaskFailed] != 1 {
		t.Errorf("expected 1 failed, got %d", counts[TaskFailed])
	}
}

func TestUserErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := NewUserError(CodeStateCorrupt, "state unreadable", "cannot parse run-x.json", "run `mycelium clean`", cause)

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}

	wrapped := fmt.Errorf("loading run: %w", err)
	ue := AsUserError(wrapped)
	if ue == nil {
		t.Fatal("expected AsUserError to find the UserError")
	}
	if ue.Code != CodeStateCorrupt {
		t.Errorf("expected code %q, got %q", CodeStateCorrupt, ue.Code)
	}
}
