package state

import (
	"fmt"

	"github.com/mycelium-sh/mycelium/pkg/models"
)

// legalTransition encodes the worker-driven task state machine. Operator
// overrides go through OperatorOverride instead.
func legalTransition(from, to models.TaskStatus) bool {
	switch from {
	case models.TaskPending:
		return to == models.TaskRunning
	case models.TaskRunning:
		switch to {
		case models.TaskValidated, models.TaskFailed, models.TaskNeedsRescope,
			models.TaskRescopeRequired, models.TaskNeedsHumanReview:
			return true
		}
		// Auto-rescope resets a running task back to pending.
		return to == models.TaskPending
	case models.TaskValidated:
		return to == models.TaskComplete || to == models.TaskNeedsHumanReview
	case models.TaskComplete:
		return to == models.TaskNeedsHumanReview
	}
	return false
}

func (s *Store) task(run *models.RunState, taskID string) (*models.TaskState, error) {
	task, ok := run.Tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("unknown task %s", taskID)
	}
	return task, nil
}

func (s *Store) transition(run *models.RunState, taskID string, to models.TaskStatus) (*models.TaskState, error) {
	task, err := s.task(run, taskID)
	if err != nil {
		return nil, err
	}
	if !legalTransition(task.Status, to) {
		return nil, fmt.Errorf("illegal task transition %s: %s -> %s", taskID, task.Status, to)
	}
	task.Status = to
	if to.Terminal() || to == models.TaskValidated {
		completed := s.now()
		task.CompletedAt = &completed
	} else {
		task.CompletedAt = nil
	}
	return task, nil
}

// MarkTaskRunning moves a pending task to running, increments attempts, and
// records batch membership and workspace bookkeeping.
func (s *Store) MarkTaskRunning(run *models.RunState, taskID, batchID, branch, workspace, logsDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.transition(run, taskID, models.TaskRunning)
	if err != nil {
		return err
	}
	task.Attempts++
	task.BatchID = batchID
	task.Branch = branch
	task.Workspace = workspace
	task.LogsDir = logsDir
	if task.StartedAt == nil {
		started := s.now()
		task.StartedAt = &started
	}
	return s.saveLocked(run)
}

// MarkTaskValidated records a green worker result awaiting merge.
func (s *Store) MarkTaskValidated(run *models.RunState, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.transition(run, taskID, models.TaskValidated); err != nil {
		return err
	}
	return s.saveLocked(run)
}

// MarkTaskFailed records a terminal worker failure with its reason.
func (s *Store) MarkTaskFailed(run *models.RunState, taskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.transition(run, taskID, models.TaskFailed)
	if err != nil {
		return err
	}
	task.LastError = reason
	return s.saveLocked(run)
}

// MarkTaskRescope routes a scope violation: needs_rescope when the change is
// rescopable by an operator, rescope_required when it is not.
func (s *Store) MarkTaskRescope(run *models.RunState, taskID, reason string, rescopable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	to := models.TaskRescopeRequired
	if rescopable {
		to = models.TaskNeedsRescope
	}
	task, err := s.transition(run, taskID, to)
	if err != nil {
		return err
	}
	task.LastError = reason
	return s.saveLocked(run)
}

// ResetTaskForRescope returns a running task to pending after its manifest
// was amended by auto-rescope, so a future batch retries it.
func (s *Store) ResetTaskForRescope(run *models.RunState, taskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.transition(run, taskID, models.TaskPending)
	if err != nil {
		return err
	}
	task.BatchID = ""
	task.Branch = ""
	task.Workspace = ""
	task.ContainerID = ""
	task.LogsDir = ""
	task.LastError = reason
	return s.saveLocked(run)
}

// MarkTaskComplete records a merged task after a green integration doctor.
func (s *Store) MarkTaskComplete(run *models.RunState, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.transition(run, taskID, models.TaskComplete); err != nil {
		return err
	}
	return s.saveLocked(run)
}

// MarkNeedsHumanReview routes a task blocked by a validator or budget.
func (s *Store) MarkNeedsHumanReview(run *models.RunState, taskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.transition(run, taskID, models.TaskNeedsHumanReview)
	if err != nil {
		return err
	}
	task.LastError = reason
	task.HumanReview = &models.HumanReview{Reason: reason}
	return s.saveLocked(run)
}

// MarkTaskSkipped records a ledger hit: the task's fingerprint was already
// merged in a prior run.
func (s *Store) MarkTaskSkipped(run *models.RunState, taskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.task(run, taskID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskPending {
		return fmt.Errorf("cannot skip task %s in status %s", taskID, task.Status)
	}
	task.Status = models.TaskSkipped
	task.LastError = reason
	completed := s.now()
	task.CompletedAt = &completed
	return s.saveLocked(run)
}

// OperatorOverride force-moves a non-running task to pending, skipped,
// complete, or failed.
func (s *Store) OperatorOverride(run *models.RunState, taskID string, to models.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.task(run, taskID)
	if err != nil {
		return err
	}
	if task.Status == models.TaskRunning {
		return fmt.Errorf("cannot override task %s while it is running", taskID)
	}
	switch to {
	case models.TaskPending, models.TaskSkipped, models.TaskComplete, models.TaskFailed:
	default:
		return fmt.Errorf("operator override to %s is not allowed", to)
	}
	task.Status = to
	if to == models.TaskPending {
		task.CompletedAt = nil
		task.BatchID = ""
		task.Branch = ""
		task.Workspace = ""
		task.ContainerID = ""
		task.LastError = ""
	} else {
		completed := s.now()
		task.CompletedAt = &completed
	}
	return s.saveLocked(run)
}

// StartBatch appends a running batch with its task membership and lock
// snapshot, and moves the run to running.
func (s *Store) StartBatch(run *models.RunState, batch *models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch.Status = models.BatchRunning
	started := s.now()
	batch.StartedAt = &started
	run.Batches = append(run.Batches, batch)
	run.Status = models.RunRunning
	return s.saveLocked(run)
}

// FinishBatch records the batch outcome. A batch is complete only when every
// member completed and the integration doctor passed.
func (s *Store) FinishBatch(run *models.RunState, batchID string, status models.BatchStatus, mergeCommit string, doctorPassed *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, batch := range run.Batches {
		if batch.BatchID != batchID {
			continue
		}
		batch.Status = status
		batch.MergeCommit = mergeCommit
		batch.IntegrationDoctorPassed = doctorPassed
		completed := s.now()
		batch.CompletedAt = &completed
		return s.saveLocked(run)
	}
	return fmt.Errorf("unknown batch %s", batchID)
}

// AddTaskUsage accumulates one attempt's token usage onto the task and run.
func (s *Store) AddTaskUsage(run *models.RunState, taskID string, usage models.AttemptUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.task(run, taskID)
	if err != nil {
		return err
	}
	task.UsageByAttempt = append(task.UsageByAttempt, usage)
	task.TokensUsed += usage.TotalTokens
	task.EstimatedCost = round4(task.EstimatedCost + usage.EstimatedCost)
	run.TokensUsed += usage.TotalTokens
	run.EstimatedCost = round4(run.EstimatedCost + usage.EstimatedCost)
	return s.saveLocked(run)
}

// SetRunStatus moves the run itself and persists.
func (s *Store) SetRunStatus(run *models.RunState, status models.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.Status = status
	return s.saveLocked(run)
}

// AddCheckpoint appends a checkpoint commit SHA to the task.
func (s *Store) AddCheckpoint(run *models.RunState, taskID, sha string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.task(run, taskID)
	if err != nil {
		return err
	}
	task.CheckpointCommits = append(task.CheckpointCommits, sha)
	return s.saveLocked(run)
}

// SetValidatorResults replaces the task's validator results.
func (s *Store) SetValidatorResults(run *models.RunState, taskID string, results []models.ValidatorResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.task(run, taskID)
	if err != nil {
		return err
	}
	task.ValidatorResults = results
	return s.saveLocked(run)
}

func round4(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}
