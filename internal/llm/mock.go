package llm

import (
	"context"
	"sync"
)

// MockClient returns scripted responses in order, recording prompts.
// The last response repeats once the script is exhausted; with no script
// it echoes a fixed acknowledgement.
type MockClient struct {
	mu        sync.Mutex
	responses []string
	next      int
	prompts   []string
}

var _ Client = (*MockClient)(nil)

// NewMockClient creates an empty mock.
func NewMockClient(responses ...string) *MockClient {
	return &MockClient{responses: responses}
}

func (m *MockClient) Name() string { return "mock" }

// Enqueue appends responses to the script.
func (m *MockClient) Enqueue(responses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, responses...)
}

// Prompts returns every prompt seen so far.
func (m *MockClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.prompts))
	copy(out, m.prompts)
	return out
}

func (m *MockClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.prompts = append(m.prompts, req.Prompt)
	text := "ok"
	if len(m.responses) > 0 {
		if m.next < len(m.responses) {
			text = m.responses[m.next]
			m.next++
		} else {
			text = m.responses[len(m.responses)-1]
		}
	}
	m.mu.Unlock()

	resp := &Response{
		Text:         text,
		FinishReason: "end_turn",
		Usage:        Usage{InputTokens: 10, OutputTokens: 5},
	}
	if len(req.Schema) > 0 {
		resp.Parsed = tryParse(text)
	}
	return resp, nil
}
