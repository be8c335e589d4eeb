package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DebugLogger writes timestamped diagnostic lines to a plain-text file
// alongside the JSONL event log. It complements the event log with
// free-form detail that would be noise as structured events.
type DebugLogger struct {
	mu   sync.Mutex
	file *os.File
}

// NewDebugLogger opens a debug log at path. An empty path returns a
// no-op logger so call sites never need nil checks.
func NewDebugLogger(path string) (*DebugLogger, error) {
	if path == "" {
		return &DebugLogger{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open debug log: %w", err)
	}
	return &DebugLogger{file: f}, nil
}

// Log writes a formatted line with a millisecond timestamp. Each line is
// synced so a crashed run keeps its tail.
func (l *DebugLogger) Log(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return
	}
	ts := time.Now().Format("15:04:05.000")
	fmt.Fprintf(l.file, "[%s] %s\n", ts, fmt.Sprintf(format, args...))
	l.file.Sync()
}

// Close closes the underlying file.
func (l *DebugLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
