// Package validator runs the post-doctor judge pipeline: LLM-backed
// test, style, and architecture reviews per task, plus a per-batch
// doctor-meta review of the integration branch.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mycelium-sh/mycelium/internal/eventlog"
	"github.com/mycelium-sh/mycelium/internal/llm"
	"github.com/mycelium-sh/mycelium/internal/manifest"
	"github.com/mycelium-sh/mycelium/pkg/models"
)

// Modes for a configured validator.
const (
	ModeOff   = "off"
	ModeWarn  = "warn"
	ModeBlock = "block"
)

// Statuses every validator result is normalized to.
const (
	StatusPass  = "pass"
	StatusFail  = "fail"
	StatusError = "error"
)

// Config describes one validator slot in the pipeline.
type Config struct {
	// Name is test, style, architecture, or doctor.
	Name string
	// Enabled toggles the validator without removing its config.
	Enabled bool
	// Mode is off, warn, or block.
	Mode string
	// Client judges the task. Usually an llm.Client selected by the
	// validator's provider/model config.
	Client llm.Client
}

// Input is what a validator judges.
type Input struct {
	TaskID string
	Task   *manifest.Task
	// DiffSummary is the task branch's diff stat against the base.
	DiffSummary string
	// Workspace is the task's working tree, for reference in reports.
	Workspace string
	// ReportsDir receives the JSON report files.
	ReportsDir string
}

// verdict is the schema the judge must answer with.
type verdict struct {
	Verdict string `json:"verdict"`
	Summary string `json:"summary"`
}

var verdictSchema = json.RawMessage(`{
  "type": "object",
  "required": ["verdict", "summary"],
  "properties": {
    "verdict": {"type": "string", "enum": ["pass", "fail"]},
    "summary": {"type": "string"}
  }
}`)

// report is the JSON document written alongside each result.
type report struct {
	Validator   string    `json:"validator"`
	TaskID      string    `json:"task_id"`
	Status      string    `json:"status"`
	Summary     string    `json:"summary"`
	Mode        string    `json:"mode"`
	Provider    string    `json:"provider,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at"`
	RawResponse string    `json:"raw_response,omitempty"`
}

// Pipeline runs validators in declaration order.
type Pipeline struct {
	validators []Config
	events     *eventlog.Writer
}

// NewPipeline creates a pipeline. Disabled and off-mode entries are
// kept but skipped at run time, so status output can still list them.
// events may be nil; when set, every validator emits its lifecycle
// (start, then pass/fail/error, or skip) into it.
func NewPipeline(validators []Config, events *eventlog.Writer) *Pipeline {
	return &Pipeline{validators: validators, events: events}
}

// Run evaluates every enabled validator for a task. It returns the
// normalized results and, when a block-mode validator failed or
// errored, the block reason that sends the task to human review.
func (p *Pipeline) Run(ctx context.Context, in Input) ([]models.ValidatorResult, string, error) {
	var results []models.ValidatorResult
	blockReason := ""

	for _, v := range p.validators {
		if !v.Enabled || v.Mode == ModeOff || v.Mode == "" {
			p.emit(eventlog.TypeValidatorSkip, in.TaskID, map[string]any{
				"validator": v.Name, "enabled": v.Enabled, "mode": v.Mode,
			})
			continue
		}
		if err := ctx.Err(); err != nil {
			return results, blockReason, err
		}

		p.emit(eventlog.TypeValidatorStart, in.TaskID, map[string]any{
			"validator": v.Name, "mode": v.Mode,
		})
		res := p.evaluate(ctx, v, in)
		results = append(results, res)
		p.emit(verdictEventType(res.Status), in.TaskID, map[string]any{
			"validator": v.Name, "summary": res.Summary,
		})

		if v.Mode == ModeBlock && res.Status != StatusPass && blockReason == "" {
			blockReason = fmt.Sprintf("%s validator blocked merge: %s", title(v.Name), res.Summary)
		}
	}
	return results, blockReason, nil
}

func verdictEventType(status string) string {
	switch status {
	case StatusPass:
		return eventlog.TypeValidatorPass
	case StatusFail:
		return eventlog.TypeValidatorFail
	default:
		return eventlog.TypeValidatorError
	}
}

func (p *Pipeline) emit(eventType, taskID string, payload any) {
	if p.events == nil {
		return
	}
	_ = p.events.Emit(eventType, taskID, 0, payload)
}

func (p *Pipeline) evaluate(ctx context.Context, v Config, in Input) models.ValidatorResult {
	res := models.ValidatorResult{Name: v.Name, Mode: v.Mode}

	rep := report{
		Validator:   v.Name,
		TaskID:      in.TaskID,
		Mode:        v.Mode,
		EvaluatedAt: time.Now().UTC(),
	}
	if v.Client != nil {
		rep.Provider = v.Client.Name()
	}

	status, summary, raw := judge(ctx, v, in)
	res.Status = status
	res.Summary = summary
	rep.Status = status
	rep.Summary = summary
	rep.RawResponse = raw

	if path, err := writeReport(in.ReportsDir, v.Name, in.TaskID, &rep); err == nil {
		res.ReportPath = path
	}
	return res
}

// judge asks the validator's client for a verdict and normalizes the
// answer. Anything that prevents a clean verdict is an error status,
// never a silent pass.
func judge(ctx context.Context, v Config, in Input) (status, summary, raw string) {
	if v.Client == nil {
		return StatusError, "no judge client configured", ""
	}

	resp, err := v.Client.Complete(ctx, llm.Request{
		System: systemPrompt(v.Name),
		Prompt: taskPrompt(in),
		Schema: verdictSchema,
	})
	if err != nil {
		return StatusError, fmt.Sprintf("judge call failed: %v", err), ""
	}
	if resp.Parsed == nil {
		return StatusError, "judge response was not valid JSON", resp.Text
	}

	var verd verdict
	if err := json.Unmarshal(resp.Parsed, &verd); err != nil {
		return StatusError, fmt.Sprintf("judge response malformed: %v", err), resp.Text
	}
	switch verd.Verdict {
	case StatusPass:
		return StatusPass, verd.Summary, resp.Text
	case StatusFail:
		return StatusFail, verd.Summary, resp.Text
	default:
		return StatusError, fmt.Sprintf("judge verdict %q is not pass or fail", verd.Verdict), resp.Text
	}
}

func systemPrompt(name string) string {
	switch name {
	case "test":
		return "You review whether a code change carries adequate test coverage for what it claims to do. Judge only test adequacy."
	case "style":
		return "You review whether a code change follows the conventions visible in the surrounding project. Judge only style and consistency."
	case "architecture":
		return "You review whether a code change respects the project's module boundaries and declared task scope. Judge only structural fit."
	case "doctor":
		return "You review an integration branch's health check output for regressions the exit code alone would miss."
	default:
		return "You review a code change and render a pass or fail verdict."
	}
}

func taskPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s", in.TaskID)
	if in.Task != nil {
		fmt.Fprintf(&b, ": %s\n\n## Task spec\n\n%s\n", in.Task.Manifest.Name, in.Task.Spec)
	} else {
		b.WriteString("\n")
	}
	if in.DiffSummary != "" {
		fmt.Fprintf(&b, "\n## Change summary\n\n%s\n", in.DiffSummary)
	}
	b.WriteString("\nRender your verdict.")
	return b.String()
}

func writeReport(dir, name, taskID string, rep *report) (string, error) {
	if dir == "" {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create reports dir: %w", err)
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("validator-%s-%s.json", name, taskID))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

func title(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
