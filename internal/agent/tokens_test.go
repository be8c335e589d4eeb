package agent

import (
	"context"
	"encoding/json"
	"testing"
)

func TestParseTurnUsage(t *testing.T) {
	raw := json.RawMessage(`{"type":"turn.completed","usage":{"input_tokens":1200,"cached_input_tokens":300,"output_tokens":450}}`)
	usage, ok := ParseTurnUsage(raw)
	if !ok {
		t.Fatal("expected turn.completed to parse")
	}
	if usage.Total() != 1950 {
		t.Errorf("total = %d, want 1950", usage.Total())
	}

	for _, line := range []string{
		`{"type":"turn.started"}`,
		`{"type":"turn.completed"}`,
		`{"type":"item.completed","item":{"type":"agent_message","text":"hi"}}`,
		`not json`,
	} {
		if _, ok := ParseTurnUsage(json.RawMessage(line)); ok {
			t.Errorf("line %q should not yield usage", line)
		}
	}
}

func TestParseThreadID(t *testing.T) {
	id, ok := ParseThreadID(json.RawMessage(`{"type":"thread.started","thread_id":"th_42"}`))
	if !ok || id != "th_42" {
		t.Errorf("got (%q, %v), want (th_42, true)", id, ok)
	}
	if _, ok := ParseThreadID(json.RawMessage(`{"type":"thread.started"}`)); ok {
		t.Error("thread.started without id should not parse")
	}
}

func TestCostRounding(t *testing.T) {
	cases := []struct {
		tokens    int64
		costPer1K float64
		want      float64
	}{
		{1950, 0.015, 0.0293},
		{1000, 0.015, 0.015},
		{0, 0.015, 0},
		{333, 0.01, 0.0033},
	}
	for _, tc := range cases {
		if got := Cost(tc.tokens, tc.costPer1K); got != tc.want {
			t.Errorf("Cost(%d, %v) = %v, want %v", tc.tokens, tc.costPer1K, got, tc.want)
		}
	}
}

func TestUsageAdd(t *testing.T) {
	var total TokenUsage
	total.Add(TokenUsage{InputTokens: 100, CachedInputTokens: 10, OutputTokens: 50})
	total.Add(TokenUsage{InputTokens: 200, OutputTokens: 25})
	if total.Total() != 385 {
		t.Errorf("total = %d, want 385", total.Total())
	}
}

func TestMockDriverEmitsParsableStream(t *testing.T) {
	d := NewMockDriver()
	var events []json.RawMessage
	sink := func(raw json.RawMessage) { events = append(events, raw) }

	res, err := d.RunTurn(context.Background(), TurnOptions{Prompt: "build it"}, sink)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.ThreadID == "" || res.Resumed {
		t.Errorf("first turn: thread=%q resumed=%v, want fresh thread", res.ThreadID, res.Resumed)
	}
	if res.Usage.Total() != d.UsagePerTurn.Total() {
		t.Errorf("usage = %d, want %d", res.Usage.Total(), d.UsagePerTurn.Total())
	}

	var sawThread, sawUsage bool
	var streamed TokenUsage
	for _, raw := range events {
		if _, ok := ParseThreadID(raw); ok {
			sawThread = true
		}
		if u, ok := ParseTurnUsage(raw); ok {
			sawUsage = true
			streamed.Add(u)
		}
	}
	if !sawThread || !sawUsage {
		t.Fatalf("stream missing thread.started or turn.completed: %d events", len(events))
	}
	if streamed != res.Usage {
		t.Errorf("streamed usage %+v != result usage %+v", streamed, res.Usage)
	}

	// Resume keeps the thread id and marks the turn resumed.
	res2, err := d.RunTurn(context.Background(), TurnOptions{Prompt: "again", ThreadID: res.ThreadID}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res2.Resumed || res2.ThreadID != res.ThreadID {
		t.Errorf("resume: got thread=%q resumed=%v", res2.ThreadID, res2.Resumed)
	}
}

func TestMockDriverTurnFailure(t *testing.T) {
	d := NewMockDriver()
	d.OnTurn = func(opts TurnOptions) error { return context.DeadlineExceeded }

	res, err := d.RunTurn(context.Background(), TurnOptions{Prompt: "p"}, nil)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.ExitCode == 0 {
		t.Error("expected non-zero exit code on turn failure")
	}
}
