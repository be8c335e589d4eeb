package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mycelium-sh/mycelium/pkg/models"
)

const defaultMaxTokens = 8192

// AnthropicClient completes via the Anthropic Messages API.
type AnthropicClient struct {
	inner anthropic.Client
	model anthropic.Model
}

var _ Client = (*AnthropicClient)(nil)

// NewAnthropicClient builds a client from config, falling back to the
// ANTHROPIC_API_KEY environment variable.
func NewAnthropicClient(cfg Config) (*AnthropicClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, models.NewUserError(models.CodeConfigInvalid,
			"missing API key",
			"no Anthropic API key configured",
			"set ANTHROPIC_API_KEY or agent.api_key in mycelium.yaml", nil)
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}

	return &AnthropicClient{
		inner: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model: model,
	}, nil
}

func (c *AnthropicClient) Name() string { return "anthropic" }

// Complete performs a single, tool-free Messages call. When a schema is
// requested it is appended to the system prompt; the SDK has no
// server-side schema enforcement for plain completions.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	system := req.System
	if len(req.Schema) > 0 {
		system += "\n\nRespond with a single JSON document conforming to this JSON schema, and nothing else:\n" + string(req.Schema)
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic completion: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += variant.Text
		}
	}

	out := &Response{
		Text:         text,
		FinishReason: string(resp.StopReason),
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	if len(req.Schema) > 0 {
		out.Parsed = tryParse(text)
	}
	return out, nil
}
