package eventlog

// Event types form the closed core vocabulary. Readers must tolerate types
// outside this list; writers should not invent near-duplicates of these.
const (
	// Run lifecycle.
	TypeRunStart         = "run.start"
	TypeRunResume        = "run.resume"
	TypeRunStop          = "run.stop"
	TypeRunStaleRecovery = "run.stale_recovery"
	TypeRunComplete      = "run.complete"

	// Batch lifecycle.
	TypeBatchStart             = "batch.start"
	TypeBatchMerging           = "batch.merging"
	TypeBatchComplete          = "batch.complete"
	TypeBatchMergeConflict     = "batch.merge_conflict"
	TypeBatchConflictRecovered = "batch.merge_conflict.recovered"

	// Task lifecycle.
	TypeTaskRetry         = "task.retry"
	TypeTaskComplete      = "task.complete"
	TypeTaskFailed        = "task.failed"
	TypeTaskSkipped       = "task.skipped"
	TypeTaskRescopeStart  = "task.rescope.start"
	TypeTaskRescopeUpdate = "task.rescope.updated"
	TypeTaskRescopeFailed = "task.rescope.failed"

	// Worker and agent turns.
	TypeWorkerStart   = "worker.start"
	TypeTurnStart     = "turn.start"
	TypeTurnComplete  = "turn.complete"
	TypeThreadStarted = "codex.thread.started"
	TypeThreadResumed = "codex.thread.resumed"
	TypeCodexEvent    = "codex.event"

	// Bootstrap commands.
	TypeBootstrapStart       = "bootstrap.start"
	TypeBootstrapSkip        = "bootstrap.skip"
	TypeBootstrapCmdStart    = "bootstrap.cmd.start"
	TypeBootstrapCmdComplete = "bootstrap.cmd.complete"
	TypeBootstrapCmdFail     = "bootstrap.cmd.fail"
	TypeBootstrapFailed      = "bootstrap.failed"
	TypeBootstrapComplete    = "bootstrap.complete"

	// Lint and doctor checks.
	TypeLintStart   = "lint.start"
	TypeLintPass    = "lint.pass"
	TypeLintFail    = "lint.fail"
	TypeDoctorStart = "doctor.start"
	TypeDoctorPass  = "doctor.pass"
	TypeDoctorFail  = "doctor.fail"

	// TDD staging and checkpoints.
	TypeTDDStageStart      = "tdd.stage.start"
	TypeTDDStageSkip       = "tdd.stage.skip"
	TypeTDDStagePass       = "tdd.stage.pass"
	TypeCheckpointStart    = "git.checkpoint.start"
	TypeCheckpointSkip     = "git.checkpoint.skip"
	TypeCheckpointComplete = "git.checkpoint.complete"

	// Validators.
	TypeValidatorStart = "validator.start"
	TypeValidatorPass  = "validator.pass"
	TypeValidatorFail  = "validator.fail"
	TypeValidatorSkip  = "validator.skip"
	TypeValidatorError = "validator.error"
	TypeValidatorBlock = "validator.block"

	// Budget crossings.
	TypeBudgetWarn   = "budget.warn"
	TypeBudgetBreach = "budget.breach"
)
