package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MockDriver simulates agent turns without a subprocess. Each turn calls
// OnTurn (if set) so tests can mutate the workspace, then reports
// scripted usage and a synthetic event stream.
type MockDriver struct {
	mu sync.Mutex

	// OnTurn runs in place of the agent. It receives the turn options
	// and may write files into opts.WorkDir. A returned error fails the
	// turn with exit code 1.
	OnTurn func(opts TurnOptions) error

	// UsagePerTurn is reported on every turn.
	UsagePerTurn TokenUsage

	turns int
}

var _ Driver = (*MockDriver)(nil)

// NewMockDriver creates a mock with a default per-turn usage.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		UsagePerTurn: TokenUsage{InputTokens: 100, CachedInputTokens: 20, OutputTokens: 50},
	}
}

func (d *MockDriver) Name() string { return "mock" }

// Turns reports how many turns have run.
func (d *MockDriver) Turns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.turns
}

func (d *MockDriver) RunTurn(ctx context.Context, opts TurnOptions, sink EventSink) (*TurnResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.turns++
	turn := d.turns
	d.mu.Unlock()

	result := &TurnResult{
		ThreadID: opts.ThreadID,
		Resumed:  opts.ThreadID != "",
		Usage:    d.UsagePerTurn,
	}
	if result.ThreadID == "" {
		result.ThreadID = fmt.Sprintf("mock-thread-%d", turn)
	}

	emit := func(v any) {
		if sink == nil {
			return
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return
		}
		sink(raw)
	}

	if !result.Resumed {
		emit(map[string]any{"type": "thread.started", "thread_id": result.ThreadID})
	}
	emit(map[string]any{"type": "turn.started"})

	if d.OnTurn != nil {
		if err := d.OnTurn(opts); err != nil {
			emit(map[string]any{"type": "turn.failed", "error": err.Error()})
			result.ExitCode = 1
			return result, nil
		}
	}

	result.LastMessage = "done"
	emit(map[string]any{
		"type": "item.completed",
		"item": map[string]any{"type": "agent_message", "text": result.LastMessage},
	})
	emit(map[string]any{
		"type": "turn.completed",
		"usage": map[string]any{
			"input_tokens":        d.UsagePerTurn.InputTokens,
			"cached_input_tokens": d.UsagePerTurn.CachedInputTokens,
			"output_tokens":       d.UsagePerTurn.OutputTokens,
		},
	})
	return result, nil
}
