package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CodexDriver runs turns through the codex CLI in exec mode. Each line
// on stdout is a JSON event; the driver forwards every line to the sink
// and folds thread ids, token usage, and the final message out of them.
type CodexDriver struct {
	binary string
	model  string
}

var _ Driver = (*CodexDriver)(nil)

// NewCodexDriver creates a driver for the given binary. An empty binary
// defaults to "codex" on PATH.
func NewCodexDriver(binary, model string) *CodexDriver {
	if binary == "" {
		binary = "codex"
	}
	return &CodexDriver{binary: binary, model: model}
}

func (d *CodexDriver) Name() string { return "codex" }

func (d *CodexDriver) RunTurn(ctx context.Context, opts TurnOptions, sink EventSink) (*TurnResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	args := []string{"exec", "--json", "--skip-git-repo-check"}
	resumed := false
	if opts.ThreadID != "" {
		args = append(args, "resume", opts.ThreadID)
		resumed = true
	}
	model := opts.Model
	if model == "" {
		model = d.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, "-")

	cmd := exec.CommandContext(ctx, d.binary, args...)
	cmd.Dir = opts.WorkDir
	cmd.Stdin = strings.NewReader(opts.Prompt)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	result := &TurnResult{ThreadID: opts.ThreadID, Resumed: resumed}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		raw := json.RawMessage(append([]byte(nil), line...))
		if sink != nil {
			sink(raw)
		}
		if id, ok := ParseThreadID(raw); ok {
			result.ThreadID = id
		}
		if usage, ok := ParseTurnUsage(raw); ok {
			result.Usage.Add(usage)
		}
		if msg, ok := ParseAgentMessage(raw); ok {
			result.LastMessage = msg
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if scanErr != nil {
		return nil, fmt.Errorf("read agent output: %w", scanErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("agent run: %w: %s", waitErr, strings.TrimSpace(stderr.String()))
	}
	return result, nil
}
