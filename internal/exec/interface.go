// Package exec provides an interface for running the external commands a
// task declares: bootstrap, lint, doctor, and the fast test command.
package exec

import (
	"context"
	"time"
)

// Result captures one command's outcome.
type Result struct {
	// Output is combined stdout and stderr.
	Output []byte
	// ExitCode is the process exit code; -1 when the process did not run.
	ExitCode int
	// TimedOut is true when the context deadline killed the process.
	TimedOut bool
	// Duration is wall-clock execution time.
	Duration time.Duration
}

// CommandRunner defines the interface for running external commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// RunShell executes a shell command through "sh -c" in workDir,
	// honoring the context deadline.
	RunShell(ctx context.Context, workDir, command string) (*Result, error)
}
