// Package watch follows a run-state file and delivers fresh snapshots as
// the orchestrator saves it. It reads without the state store so a watcher
// never triggers recovery side effects on a run it does not own.
package watch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mycelium-sh/mycelium/pkg/models"
)

// DefaultPollInterval is the fallback cadence when the filesystem watcher
// cannot be established, and the floor between delivered snapshots.
const DefaultPollInterval = time.Second

// Snapshot is one observed run state, or the read error that replaced it.
type Snapshot struct {
	Run *models.RunState
	Err error
}

// readState loads a run-state file read-only. Transient errors are
// expected while the orchestrator is mid-rename.
func readState(path string) (*models.RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var run models.RunState
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Follow watches the run-state file at path and sends a snapshot on every
// observed change, starting with the current contents. The channel closes
// when ctx is done. A failed fsnotify setup degrades to polling.
func Follow(ctx context.Context, path string, interval time.Duration) (<-chan Snapshot, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if _, err := os.Stat(path); err != nil {
		return nil, models.NewUserError(models.CodeNotFound, "run state not found",
			"no run state at "+path, "check --project and --run-id", err)
	}

	out := make(chan Snapshot, 1)

	// Saves are rename-into-place, so watch the directory: the file's own
	// inode changes on every save.
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}

	go follow(ctx, path, interval, watcher, out)
	return out, nil
}

func follow(ctx context.Context, path string, interval time.Duration, watcher *fsnotify.Watcher, out chan<- Snapshot) {
	defer close(out)
	if watcher != nil {
		defer watcher.Close()
	}

	send := func() {
		run, err := readState(path)
		if err != nil {
			// Mid-rename reads resolve on the next event.
			if os.IsNotExist(err) {
				return
			}
			select {
			case out <- Snapshot{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- Snapshot{Run: run}:
		case <-ctx.Done():
		}
	}

	send()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	// Debounce bursts: a save produces several directory events.
	var pending bool
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) == filepath.Base(path) &&
				ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				pending = true
			}
		case <-errs:
			// Keep watching; the ticker still polls.
		case <-ticker.C:
			if pending || watcher == nil {
				pending = false
				send()
			}
		}
	}
}
