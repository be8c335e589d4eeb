package agent

import (
	"encoding/json"
	"math"
)

// TokenUsage is a token tally for one or more agent turns.
type TokenUsage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
}

// Total is the token count charged against budgets: input, cached
// input, and output summed.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.CachedInputTokens + u.OutputTokens
}

// Add accumulates another tally into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.CachedInputTokens += other.CachedInputTokens
	u.OutputTokens += other.OutputTokens
}

// Cost converts a token total to dollars at costPer1K per thousand
// tokens, rounded to four decimals.
func Cost(tokens int64, costPer1K float64) float64 {
	return math.Round(float64(tokens)/1000*costPer1K*10000) / 10000
}

// rawEvent is the subset of an agent JSONL line we inspect.
type rawEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Usage    *struct {
		InputTokens       int64 `json:"input_tokens"`
		CachedInputTokens int64 `json:"cached_input_tokens"`
		OutputTokens      int64 `json:"output_tokens"`
	} `json:"usage"`
	Item *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

// ParseTurnUsage extracts token usage from a raw agent event line.
// It returns ok=false for lines that are not turn.completed events.
func ParseTurnUsage(raw json.RawMessage) (TokenUsage, bool) {
	var ev rawEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return TokenUsage{}, false
	}
	if ev.Type != "turn.completed" || ev.Usage == nil {
		return TokenUsage{}, false
	}
	return TokenUsage{
		InputTokens:       ev.Usage.InputTokens,
		CachedInputTokens: ev.Usage.CachedInputTokens,
		OutputTokens:      ev.Usage.OutputTokens,
	}, true
}

// ParseThreadID extracts the thread id from a thread.started event.
func ParseThreadID(raw json.RawMessage) (string, bool) {
	var ev rawEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return "", false
	}
	if ev.Type != "thread.started" || ev.ThreadID == "" {
		return "", false
	}
	return ev.ThreadID, true
}

// ParseAgentMessage extracts assistant message text from an
// item.completed event, if the item is an agent message.
func ParseAgentMessage(raw json.RawMessage) (string, bool) {
	var ev rawEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return "", false
	}
	if ev.Type != "item.completed" || ev.Item == nil || ev.Item.Type != "agent_message" {
		return "", false
	}
	return ev.Item.Text, true
}
