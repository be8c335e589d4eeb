package worker

import (
	"fmt"
	"strings"
)

// DefaultPromptLimit caps how much failure evidence is injected into a
// retry prompt.
const DefaultPromptLimit = 4000

// Prompt kinds recorded on attempt records.
const (
	PromptImplement = "implement"
	PromptTestsOnly = "tests_only"
	PromptRetry     = "retry"
)

// buildImplementPrompt assembles the implementation-turn prompt from
// the task spec, manifest summary, declared write surface, and any
// evidence from the previous failed attempt.
func buildImplementPrompt(in *Inputs, evidence string) string {
	var b strings.Builder

	b.WriteString("Implement the following task.\n\n")
	fmt.Fprintf(&b, "Task %s: %s\n", in.Task.Manifest.ID, in.Task.Manifest.Name)
	if in.Task.Manifest.Description != "" {
		b.WriteString(in.Task.Manifest.Description)
		b.WriteString("\n")
	}
	b.WriteString("\n## Spec\n\n")
	b.WriteString(in.Task.Spec)
	b.WriteString("\n")

	if writes := in.Task.Manifest.Files.Writes; len(writes) > 0 {
		b.WriteString("\n## Allowed write paths\n\n")
		b.WriteString("Only create or modify files matching these globs:\n")
		for _, w := range writes {
			fmt.Fprintf(&b, "- %s\n", w)
		}
	}

	fmt.Fprintf(&b, "\nWhen you are done, `%s` must exit 0.\n", in.DoctorCmd)
	if in.LintCmd != "" {
		fmt.Fprintf(&b, "`%s` must also exit 0.\n", in.LintCmd)
	}

	if evidence != "" {
		b.WriteString("\n## Previous attempt failed\n\n")
		b.WriteString("Fix the following before anything else:\n\n")
		b.WriteString(evidence)
		b.WriteString("\n")
	}
	return b.String()
}

// buildTestsOnlyPrompt assembles the strict-TDD stage A prompt.
func buildTestsOnlyPrompt(in *Inputs, evidence string) string {
	var b strings.Builder

	b.WriteString("Write failing tests for the following task. Do NOT write any implementation code in this turn.\n\n")
	fmt.Fprintf(&b, "Task %s: %s\n", in.Task.Manifest.ID, in.Task.Manifest.Name)
	b.WriteString("\n## Spec\n\n")
	b.WriteString(in.Task.Spec)
	b.WriteString("\n\n## Test file locations\n\nOnly touch files matching these globs:\n")
	for _, p := range in.TestPaths {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	if evidence != "" {
		b.WriteString("\n## Previous attempt failed\n\n")
		b.WriteString(evidence)
		b.WriteString("\n")
	}
	return b.String()
}

// truncateEvidence keeps the tail of command output within limit,
// marking the cut. The tail carries the actual failure in most tools'
// output.
func truncateEvidence(output string, limit int) string {
	if limit <= 0 {
		limit = DefaultPromptLimit
	}
	output = strings.TrimSpace(output)
	if len(output) <= limit {
		return output
	}
	return "[... output truncated ...]\n" + output[len(output)-limit:]
}
