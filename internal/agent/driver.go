// Package agent drives the coding agent inside a task workspace. The
// orchestrator talks to a Driver; the codex variant shells out to the
// codex binary in non-interactive mode and streams its JSONL events.
package agent

import (
	"context"
	"encoding/json"
	"time"
)

// TurnOptions configures one agent turn in a workspace.
type TurnOptions struct {
	// WorkDir is the task workspace the agent operates in.
	WorkDir string
	// Prompt is the instruction for this turn.
	Prompt string
	// ThreadID resumes an existing agent thread when non-empty.
	ThreadID string
	// Model overrides the agent's default model when non-empty.
	Model string
	// Timeout bounds the turn. Zero means no limit beyond ctx.
	Timeout time.Duration
}

// TurnResult summarizes a completed agent turn.
type TurnResult struct {
	// ThreadID is the agent thread for resume on the next turn.
	ThreadID string
	// Resumed is true when the turn continued an existing thread.
	Resumed bool
	// LastMessage is the agent's final message text, if any.
	LastMessage string
	// Usage sums token counts over the turn's completed events.
	Usage TokenUsage
	// TimedOut is true when the turn hit its deadline.
	TimedOut bool
	// ExitCode is the agent process exit status.
	ExitCode int
}

// EventSink receives each raw agent event line as it arrives.
type EventSink func(raw json.RawMessage)

// Driver runs agent turns.
type Driver interface {
	// RunTurn executes one turn, streaming raw events to sink (may be nil).
	// A non-zero agent exit is reported in the result, not as an error.
	RunTurn(ctx context.Context, opts TurnOptions, sink EventSink) (*TurnResult, error)
	// Name identifies the driver for logs.
	Name() string
}
