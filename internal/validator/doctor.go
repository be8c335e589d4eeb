package validator

import (
	"context"
	"fmt"

	"github.com/mycelium-sh/mycelium/pkg/models"
)

// DoctorTrigger names why a doctor-meta review fires.
type DoctorTrigger string

const (
	TriggerCadence                 DoctorTrigger = "cadence"
	TriggerIntegrationDoctorFailed DoctorTrigger = "integration_doctor_failed"
	TriggerDoctorCanaryFailed      DoctorTrigger = "doctor_canary_failed"
	TriggerManual                  DoctorTrigger = "manual"
)

// BatchDoctor runs the doctor-meta validator once per batch on the
// integration branch. Failure triggers always fire; cadence triggers
// fire every Cadence batches.
type BatchDoctor struct {
	cfg Config
	// Cadence is how many batches pass between cadence-triggered runs.
	// Zero disables cadence runs.
	Cadence int

	batchesSinceRun int
}

// NewBatchDoctor creates a per-batch doctor-meta validator.
func NewBatchDoctor(cfg Config, cadence int) *BatchDoctor {
	return &BatchDoctor{cfg: cfg, Cadence: cadence}
}

// ShouldRun decides whether this trigger fires a review for the next
// batch, advancing the cadence counter.
func (d *BatchDoctor) ShouldRun(trigger DoctorTrigger) bool {
	if !d.cfg.Enabled || d.cfg.Mode == ModeOff || d.cfg.Mode == "" {
		return false
	}
	switch trigger {
	case TriggerIntegrationDoctorFailed, TriggerDoctorCanaryFailed, TriggerManual:
		return true
	case TriggerCadence:
		if d.Cadence <= 0 {
			return false
		}
		d.batchesSinceRun++
		if d.batchesSinceRun >= d.Cadence {
			d.batchesSinceRun = 0
			return true
		}
	}
	return false
}

// Evaluate judges the integration branch's doctor output for one batch.
// A block-mode fail or error returns a non-empty block reason.
func (d *BatchDoctor) Evaluate(ctx context.Context, batchID, doctorOutput, reportsDir string) (models.ValidatorResult, string) {
	p := &Pipeline{}
	res := p.evaluate(ctx, d.cfg, Input{
		TaskID:      "batch-" + batchID,
		DiffSummary: "Integration doctor output:\n\n" + doctorOutput,
		ReportsDir:  reportsDir,
	})
	blockReason := ""
	if d.cfg.Mode == ModeBlock && res.Status != StatusPass {
		blockReason = fmt.Sprintf("%s validator blocked merge: %s", title(d.cfg.Name), res.Summary)
	}
	return res, blockReason
}
