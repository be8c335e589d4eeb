package llm

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CodexClient completes by invoking the codex binary in non-interactive
// exec mode, reading the final message from stdout. Token usage is not
// reported on this path; callers that need accounting use the agent
// event stream instead.
type CodexClient struct {
	binary string
	model  string
}

var _ Client = (*CodexClient)(nil)

// NewCodexClient builds a subprocess-backed client. An empty binary
// defaults to "codex" on PATH.
func NewCodexClient(cfg Config) *CodexClient {
	binary := cfg.Binary
	if binary == "" {
		binary = "codex"
	}
	return &CodexClient{binary: binary, model: cfg.Model}
}

func (c *CodexClient) Name() string { return "codex" }

func (c *CodexClient) Complete(ctx context.Context, req Request) (*Response, error) {
	args := []string{"exec", "--skip-git-repo-check", "--output-last-message", "-"}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}

	prompt := req.Prompt
	if req.System != "" {
		prompt = req.System + "\n\n" + prompt
	}
	if len(req.Schema) > 0 {
		prompt += "\n\nRespond with a single JSON document conforming to this JSON schema, and nothing else:\n" + string(req.Schema)
	}

	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("codex exec: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	text := strings.TrimSpace(stdout.String())
	resp := &Response{Text: text, FinishReason: "end_turn"}
	if len(req.Schema) > 0 {
		resp.Parsed = tryParse(text)
	}
	return resp, nil
}
