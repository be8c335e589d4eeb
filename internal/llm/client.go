// Package llm provides completion clients for the planner and the
// LLM-backed validators. Variants are selected by provider name so the
// rest of the system only sees the Client interface.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mycelium-sh/mycelium/pkg/models"
)

// Request is a single completion request.
type Request struct {
	// System is the optional system prompt.
	System string
	// Prompt is the user message.
	Prompt string
	// Schema, when set, asks the provider for JSON conforming to this
	// JSON schema. Providers that cannot enforce it still attempt to
	// parse the response body as JSON.
	Schema json.RawMessage
	// MaxTokens caps the response length. Zero means provider default.
	MaxTokens int
}

// Usage is the token count for one completion call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Response is the result of a completion call.
type Response struct {
	// Text is the raw completion text.
	Text string
	// Parsed holds the response as JSON when a schema was requested and
	// the text parsed cleanly; nil otherwise.
	Parsed json.RawMessage
	// FinishReason is the provider's stop reason ("end_turn", "max_tokens", ...).
	FinishReason string
	// Usage is the token count for this call.
	Usage Usage
}

// Client is the capability set shared by all providers.
type Client interface {
	// Complete performs one completion call.
	Complete(ctx context.Context, req Request) (*Response, error)
	// Name identifies the provider for logs.
	Name() string
}

// Config selects and configures a provider.
type Config struct {
	// Provider is one of "anthropic", "codex", "mock".
	Provider string
	// Model is the provider-specific model name.
	Model string
	// APIKey overrides the provider's environment-variable key lookup.
	APIKey string
	// Binary is the executable for subprocess providers (codex).
	Binary string
}

// New builds a client for the configured provider.
func New(cfg Config) (Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "anthropic", "":
		return NewAnthropicClient(cfg)
	case "codex":
		return NewCodexClient(cfg), nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, models.NewUserError(models.CodeConfigInvalid,
			"unknown LLM provider",
			fmt.Sprintf("provider %q is not supported", cfg.Provider),
			"set provider to anthropic, codex, or mock", nil)
	}
}

// tryParse extracts a JSON document from text when a schema was requested.
// Providers often wrap JSON in prose or code fences; take the outermost
// object or array if direct parsing fails.
func tryParse(text string) json.RawMessage {
	trimmed := strings.TrimSpace(text)
	if fenced := stripFence(trimmed); fenced != "" {
		trimmed = fenced
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	start := strings.IndexAny(trimmed, "{[")
	if start < 0 {
		return nil
	}
	var end int
	if trimmed[start] == '{' {
		end = strings.LastIndex(trimmed, "}")
	} else {
		end = strings.LastIndex(trimmed, "]")
	}
	if end <= start {
		return nil
	}
	candidate := trimmed[start : end+1]
	if json.Valid([]byte(candidate)) {
		return json.RawMessage(candidate)
	}
	return nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return ""
	}
	body := s[3:]
	if i := strings.Index(body, "\n"); i >= 0 {
		body = body[i+1:]
	}
	if i := strings.LastIndex(body, "```"); i >= 0 {
		body = body[:i]
	}
	return strings.TrimSpace(body)
}
