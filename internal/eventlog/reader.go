package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/mycelium-sh/mycelium/pkg/models"
)

// CursorTail is the symbolic cursor resolving to the current end of file.
const CursorTail = "tail"

// Query narrows a log read.
type Query struct {
	// Cursor is the byte offset to resume from; empty means 0, "tail" means
	// the current file size.
	Cursor string
	// TypeGlob filters by event type; `*` matches any run, `.` is literal.
	TypeGlob string
	// TaskID filters events to one task.
	TaskID string
	// Limit caps the number of returned events; 0 means unlimited.
	Limit int
}

// Page is the result of one cursor read.
type Page struct {
	// Events are the matching, fully-terminated events after the cursor.
	Events []Event
	// NextCursor is the byte offset of the end of the last fully-terminated
	// line, whether or not it matched the filters.
	NextCursor int64
}

// ParseCursor resolves a cursor string against the file size.
// Non-integer cursors (other than "tail") are a bad_request.
func ParseCursor(cursor string, size int64) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	if cursor == CursorTail {
		return size, nil
	}
	n, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || n < 0 {
		return 0, models.NewUserError(models.CodeBadRequest, "invalid cursor",
			fmt.Sprintf("cursor %q is not a byte offset or %q", cursor, CursorTail), "", err)
	}
	if n > size {
		return size, nil
	}
	return n, nil
}

// compileTypeGlob turns a type glob into a regexp: `*` matches any run of
// characters, everything else (including `.`) is literal.
func compileTypeGlob(glob string) (*regexp.Regexp, error) {
	if glob == "" {
		return nil, nil
	}
	parts := strings.Split(glob, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}

// Read scans the log at path from the query cursor. A missing file is a
// not_found error. Partial trailing lines are treated as not yet written:
// the cursor stops at the previous newline.
func Read(path string, q Query) (*Page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.NewUserError(models.CodeNotFound, "event log not found",
				fmt.Sprintf("no event log at %s", path), "check the project, run id, and task id", err)
		}
		return nil, fmt.Errorf("read event log: %w", err)
	}

	offset, err := ParseCursor(q.Cursor, int64(len(data)))
	if err != nil {
		return nil, err
	}

	typeRe, err := compileTypeGlob(q.TypeGlob)
	if err != nil {
		return nil, models.NewUserError(models.CodeBadRequest, "invalid type filter",
			fmt.Sprintf("cannot compile type glob %q", q.TypeGlob), "", err)
	}

	page := &Page{NextCursor: offset}
	rest := data[offset:]
	for len(rest) > 0 {
		nl := bytes.IndexByte(rest, '\n')
		if nl < 0 {
			// Partial trailing line: not yet written, resume here next time.
			break
		}
		line := rest[:nl]
		rest = rest[nl+1:]
		page.NextCursor += int64(nl) + 1

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// A torn or corrupt line mid-file is skipped, not fatal; each
			// line is parseable in isolation.
			continue
		}
		if typeRe != nil && !typeRe.MatchString(ev.Type) {
			continue
		}
		if q.TaskID != "" && ev.TaskID != q.TaskID {
			continue
		}
		page.Events = append(page.Events, ev)
		if q.Limit > 0 && len(page.Events) >= q.Limit {
			break
		}
	}
	return page, nil
}

// ReadAll returns every event in the log, unfiltered.
func ReadAll(path string) ([]Event, error) {
	page, err := Read(path, Query{})
	if err != nil {
		return nil, err
	}
	return page.Events, nil
}
