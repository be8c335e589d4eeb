package ledger

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRecordAndLookup(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	hit, err := l.Lookup("deadbeef")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if hit != nil {
		t.Fatal("expected miss on empty ledger")
	}

	merged := MergedTask{
		Fingerprint: "deadbeef",
		TaskID:      "001",
		RunID:       "20260101-120000",
		MergeCommit: "abc123",
		MergedAt:    time.Date(2026, 1, 1, 12, 30, 0, 0, time.UTC),
	}
	if err := l.RecordMerged(merged); err != nil {
		t.Fatalf("RecordMerged: %v", err)
	}

	hit, err = l.Lookup("deadbeef")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if hit == nil {
		t.Fatal("expected hit after record")
	}
	if hit.RunID != merged.RunID || hit.MergeCommit != merged.MergeCommit {
		t.Errorf("row mismatch: got %+v", hit)
	}
}

func TestRecordMergedUpsert(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	first := MergedTask{Fingerprint: "fp", TaskID: "001", RunID: "run-a", MergeCommit: "c1"}
	second := MergedTask{Fingerprint: "fp", TaskID: "001", RunID: "run-b", MergeCommit: "c2"}
	if err := l.RecordMerged(first); err != nil {
		t.Fatal(err)
	}
	if err := l.RecordMerged(second); err != nil {
		t.Fatal(err)
	}

	hit, err := l.Lookup("fp")
	if err != nil {
		t.Fatal(err)
	}
	if hit.RunID != "run-b" || hit.MergeCommit != "c2" {
		t.Errorf("expected newest row kept, got %+v", hit)
	}
}

func TestOpenReusesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.RecordMerged(MergedTask{Fingerprint: "fp", TaskID: "001", RunID: "r", MergeCommit: "c"}); err != nil {
		t.Fatal(err)
	}
	l.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	hit, err := reopened.Lookup("fp")
	if err != nil {
		t.Fatal(err)
	}
	if hit == nil {
		t.Error("expected row to survive reopen")
	}
}
