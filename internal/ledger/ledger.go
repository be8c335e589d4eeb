// Package ledger records which task fingerprints have already been merged,
// across runs of a project. The orchestrator consults it at run start to skip
// tasks whose manifest+spec are byte-identical to previously merged work.
package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// MergedTask is one ledger row.
type MergedTask struct {
	// Fingerprint is the sha256 of the canonical manifest + normalized spec.
	Fingerprint string
	// TaskID is the task id as planned in its run.
	TaskID string
	// RunID is the run that merged the task.
	RunID string
	// MergeCommit is the integration commit containing the task's work.
	MergeCommit string
	// MergedAt is when the merge was recorded.
	MergedAt time.Time
}

// Ledger wraps the per-project sqlite database of merged fingerprints.
type Ledger struct {
	conn *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (creating if needed) the ledger at path and applies the schema.
// WAL mode is enabled so status tooling can read while a run writes.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	l := &Ledger{conn: conn, path: path}
	if err := l.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	_, err := l.conn.Exec(`
		CREATE TABLE IF NOT EXISTS merged_tasks (
			fingerprint TEXT PRIMARY KEY,
			task_id     TEXT NOT NULL,
			run_id      TEXT NOT NULL,
			merge_commit TEXT NOT NULL,
			merged_at   DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create merged_tasks table: %w", err)
	}
	return nil
}

// Path returns the ledger database path.
func (l *Ledger) Path() string {
	return l.path
}

// RecordMerged upserts a fingerprint. Re-merging the same fingerprint (e.g.
// after an operator override re-ran a task) keeps the newest commit.
func (l *Ledger) RecordMerged(task MergedTask) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if task.MergedAt.IsZero() {
		task.MergedAt = time.Now().UTC()
	}
	_, err := l.conn.Exec(`
		INSERT INTO merged_tasks (fingerprint, task_id, run_id, merge_commit, merged_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			task_id = excluded.task_id,
			run_id = excluded.run_id,
			merge_commit = excluded.merge_commit,
			merged_at = excluded.merged_at
	`, task.Fingerprint, task.TaskID, task.RunID, task.MergeCommit, task.MergedAt)
	if err != nil {
		return fmt.Errorf("record merged task %s: %w", task.TaskID, err)
	}
	return nil
}

// Lookup returns the ledger row for a fingerprint, if any.
func (l *Ledger) Lookup(fingerprint string) (*MergedTask, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := l.conn.QueryRow(`
		SELECT fingerprint, task_id, run_id, merge_commit, merged_at
		FROM merged_tasks WHERE fingerprint = ?
	`, fingerprint)

	var m MergedTask
	err := row.Scan(&m.Fingerprint, &m.TaskID, &m.RunID, &m.MergeCommit, &m.MergedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup fingerprint: %w", err)
	}
	return &m, nil
}

// Close closes the ledger database.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.Close()
}
