package exec

import (
	"context"
	"errors"
	"os/exec"
	"time"
)

// ShellRunner implements CommandRunner using os/exec.
type ShellRunner struct{}

// NewRunner creates a new ShellRunner.
func NewRunner() *ShellRunner {
	return &ShellRunner{}
}

// RunShell executes a shell command through "sh -c". A non-zero exit is not
// an error: the caller reads Result.ExitCode. The returned error covers
// failures to start or I/O problems only.
func (r *ShellRunner) RunShell(ctx context.Context, workDir, command string) (*Result, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if workDir != "" {
		cmd.Dir = workDir
	}
	out, err := cmd.CombinedOutput()
	res := &Result{
		Output:   out,
		ExitCode: -1,
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		return res, nil
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return res, err
	}
	return res, nil
}

// Verify ShellRunner implements CommandRunner at compile time.
var _ CommandRunner = (*ShellRunner)(nil)
