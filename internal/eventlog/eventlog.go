// Package eventlog implements mycelium's append-only JSONL event streams.
// Each run has one orchestrator log and one events.jsonl per task; every file
// has exactly one writer. Readers resume by byte offset and must tolerate a
// partial trailing line.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one JSONL line: a timestamped, typed envelope with an opaque
// payload. Unknown payload fields are preserved across a read/write cycle
// because the payload stays raw JSON.
type Event struct {
	// TS is ISO-8601 UTC with millisecond precision.
	TS time.Time `json:"ts"`
	// Type is the event type (run.start, doctor.fail, ...).
	Type string `json:"type"`
	// TaskID names the task this event belongs to, if any.
	TaskID string `json:"task_id,omitempty"`
	// Attempt is the 1-based worker attempt, if applicable.
	Attempt int `json:"attempt,omitempty"`
	// Payload is the event body, kept raw so unknown fields round-trip.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event with the payload marshaled from v.
// A nil v leaves the payload empty.
func NewEvent(eventType, taskID string, attempt int, v any) (Event, error) {
	ev := Event{
		TS:      time.Now().UTC().Truncate(time.Millisecond),
		Type:    eventType,
		TaskID:  taskID,
		Attempt: attempt,
	}
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return Event{}, fmt.Errorf("marshal payload for %s: %w", eventType, err)
		}
		ev.Payload = raw
	}
	return ev, nil
}

// Writer appends events to a single JSONL file. Writes are serialized and
// each line is flushed before Append returns, so a crash loses at most the
// line being written.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewWriter opens (or creates) the log at path for appending.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &Writer{file: f, path: path}, nil
}

// Path returns the log file path.
func (w *Writer) Path() string {
	return w.path
}

// Append writes one event as a single newline-terminated JSON object.
func (w *Writer) Append(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC().Truncate(time.Millisecond)
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}
	line = append(line, '\n')
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("append event %s: %w", ev.Type, err)
	}
	return nil
}

// Emit marshals a payload and appends the event in one call. Marshal or
// write failures are returned; callers that treat logging as best-effort
// may ignore them.
func (w *Writer) Emit(eventType, taskID string, attempt int, payload any) error {
	ev, err := NewEvent(eventType, taskID, attempt, payload)
	if err != nil {
		return err
	}
	return w.Append(ev)
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
