package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mycelium-sh/mycelium/internal/agent"
	"github.com/mycelium-sh/mycelium/internal/eventlog"
	"github.com/mycelium-sh/mycelium/internal/exec"
	"github.com/mycelium-sh/mycelium/internal/manifest"
	"github.com/mycelium-sh/mycelium/internal/scope"
	"github.com/mycelium-sh/mycelium/pkg/models"
)

// fakeShell scripts per-command exit codes. Repeated invocations of the
// same command consume exits in order, sticking on the last one.
type fakeShell struct {
	exits map[string][]int
	seen  []string
}

func (f *fakeShell) RunShell(ctx context.Context, workDir, command string) (*exec.Result, error) {
	f.seen = append(f.seen, command)
	code := 0
	if codes, ok := f.exits[command]; ok && len(codes) > 0 {
		code = codes[0]
		if len(codes) > 1 {
			f.exits[command] = codes[1:]
		}
	}
	return &exec.Result{Output: []byte("output of " + command), ExitCode: code}, nil
}

// timeoutShell reports a timeout for the slow command whenever the caller
// imposed a deadline, mirroring how the real runner flags expired contexts.
type timeoutShell struct {
	slow      string
	deadlines []bool
}

func (f *timeoutShell) RunShell(ctx context.Context, workDir, command string) (*exec.Result, error) {
	out := []byte("output of " + command)
	if command == f.slow {
		_, has := ctx.Deadline()
		f.deadlines = append(f.deadlines, has)
		if has {
			return &exec.Result{Output: out, ExitCode: -1, TimedOut: true}, nil
		}
	}
	return &exec.Result{Output: out, ExitCode: 0}, nil
}

// fakeGit only implements what the worker touches.
type fakeGit struct {
	changed   []string
	commits   []string
	headSHA   string
	commitErr error
}

func (f *fakeGit) ChangedFiles(base string) ([]string, error) {
	return append([]string(nil), f.changed...), nil
}
func (f *fakeGit) AddAll() error { return nil }
func (f *fakeGit) Commit(msg string) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.commits = append(f.commits, msg)
	return nil
}
func (f *fakeGit) HeadSHA() (string, error) { return f.headSHA, nil }

func (f *fakeGit) CurrentBranch() (string, error)             { return "main", nil }
func (f *fakeGit) CheckoutBranch(string) error                { return nil }
func (f *fakeGit) CreateBranchFrom(string, string) error      { return nil }
func (f *fakeGit) BranchExists(string) (bool, error)          { return true, nil }
func (f *fakeGit) DeleteBranch(string) error                  { return nil }
func (f *fakeGit) Status() (string, error)                    { return "", nil }
func (f *fakeGit) IsClean() (bool, error)                     { return true, nil }
func (f *fakeGit) DiffStat(string, string) (string, error)    { return "", nil }
func (f *fakeGit) DiscardAll() error                          { return nil }
func (f *fakeGit) ResetHard(string) error                     { return nil }
func (f *fakeGit) MergeNoFF(string, string) (string, error)   { return "", nil }
func (f *fakeGit) MergeAbort() error                          { return nil }
func (f *fakeGit) Clone(string, string) error                 { return nil }
func (f *fakeGit) IsRepo() bool                               { return true }
func (f *fakeGit) RemoteURL(string) (string, error)           { return "", nil }
func (f *fakeGit) Fetch(string) error                         { return nil }
func (f *fakeGit) Push(string, string) error                  { return nil }
func (f *fakeGit) Run(...string) (string, error)              { return "", nil }

func writeTaskDir(t *testing.T, m *models.TaskManifest) *manifest.Task {
	t.Helper()
	dir := t.TempDir()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "spec.md"), []byte("# Do the thing\n"), 0644); err != nil {
		t.Fatal(err)
	}
	task, err := manifest.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func baseManifest() *models.TaskManifest {
	m := &models.TaskManifest{ID: "001", Name: "Wire the API"}
	m.Files.Writes = []string{"src/**"}
	m.Verify.Doctor = "make check"
	return m
}

func newInputs(t *testing.T, task *manifest.Task) *Inputs {
	return &Inputs{
		TaskID:     "001",
		Task:       task,
		Branch:     "main",
		Workspace:  t.TempDir(),
		LogsDir:    t.TempDir(),
		DoctorCmd:  "make check",
		MaxRetries: 3,
		CostPer1K:  0.01,
	}
}

func TestRunSucceedsFirstAttempt(t *testing.T) {
	task := writeTaskDir(t, baseManifest())
	shell := &fakeShell{exits: map[string][]int{}}
	driver := agent.NewMockDriver()
	events, err := eventlog.NewWriter(filepath.Join(t.TempDir(), "events.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer events.Close()

	w := New(Deps{Agent: driver, Shell: shell, Git: &fakeGit{}, Events: events})
	in := newInputs(t, task)

	res, err := w.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s, want success (%s)", res.Outcome, res.LastError)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
	if res.ThreadID == "" {
		t.Error("expected a thread id")
	}
	if len(res.Usage) != 1 || res.Usage[0].TotalTokens == 0 {
		t.Errorf("usage = %+v, want one non-empty attempt entry", res.Usage)
	}

	if _, err := os.Stat(filepath.Join(in.LogsDir, "attempt-1.json")); err != nil {
		t.Errorf("attempt record missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(in.LogsDir, "doctor-1.log")); err != nil {
		t.Errorf("doctor log missing: %v", err)
	}

	ws, err := LoadWorkerState(in.Workspace)
	if err != nil {
		t.Fatal(err)
	}
	if ws.ThreadID != res.ThreadID || ws.Attempt != 1 {
		t.Errorf("worker state = %+v", ws)
	}

	// Event stream covers worker.start through doctor.pass.
	page, err := eventlog.ReadAll(events.Path())
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]bool{}
	for _, ev := range page {
		types[ev.Type] = true
	}
	for _, want := range []string{
		eventlog.TypeWorkerStart, eventlog.TypeTurnStart, eventlog.TypeTurnComplete,
		eventlog.TypeThreadStarted, eventlog.TypeCodexEvent,
		eventlog.TypeDoctorStart, eventlog.TypeDoctorPass,
	} {
		if !types[want] {
			t.Errorf("missing event %s", want)
		}
	}
}

func TestRunRetriesDoctorFailureWithEvidence(t *testing.T) {
	task := writeTaskDir(t, baseManifest())
	shell := &fakeShell{exits: map[string][]int{"make check": {1, 0}}}
	driver := agent.NewMockDriver()
	var prompts []string
	driver.OnTurn = func(opts agent.TurnOptions) error {
		prompts = append(prompts, opts.Prompt)
		return nil
	}

	w := New(Deps{Agent: driver, Shell: shell, Git: &fakeGit{}})
	in := newInputs(t, task)

	res, err := w.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", res.Outcome)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
	if len(prompts) != 2 {
		t.Fatalf("prompts = %d, want 2", len(prompts))
	}
	if !strings.Contains(prompts[1], "Previous attempt failed") ||
		!strings.Contains(prompts[1], "output of make check") {
		t.Errorf("second prompt lacks injected evidence:\n%s", prompts[1])
	}
	// Second attempt resumes the first attempt's thread.
	if driver.Turns() != 2 {
		t.Errorf("turns = %d, want 2", driver.Turns())
	}
}

func TestRunFailsAfterMaxRetries(t *testing.T) {
	task := writeTaskDir(t, baseManifest())
	shell := &fakeShell{exits: map[string][]int{"make check": {1}}}

	w := New(Deps{Agent: agent.NewMockDriver(), Shell: shell, Git: &fakeGit{}})
	in := newInputs(t, task)
	in.MaxRetries = 2

	res, err := w.Run(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
	if !strings.Contains(res.LastError, "doctor") {
		t.Errorf("last error = %q", res.LastError)
	}
}

func TestRunDoctorTimeoutRetriesWithReason(t *testing.T) {
	task := writeTaskDir(t, baseManifest())
	shell := &timeoutShell{slow: "make check"}

	w := New(Deps{Agent: agent.NewMockDriver(), Shell: shell, Git: &fakeGit{}})
	in := newInputs(t, task)
	in.DoctorTimeout = 30 * time.Second
	in.MaxRetries = 2

	res, err := w.Run(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
	if !strings.Contains(res.LastError, "timed out") {
		t.Errorf("last error = %q, want a timeout reason", res.LastError)
	}
	if len(shell.deadlines) == 0 {
		t.Fatal("doctor never ran")
	}
	for i, has := range shell.deadlines {
		if !has {
			t.Errorf("doctor run %d had no deadline", i+1)
		}
	}

	data, err := os.ReadFile(filepath.Join(in.LogsDir, "attempt-1.json"))
	if err != nil {
		t.Fatal(err)
	}
	var rec AttemptRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Retry == nil || rec.Retry.ReasonCode != ReasonCommandTimeout {
		t.Fatalf("retry = %+v, want reason %s", rec.Retry, ReasonCommandTimeout)
	}
	if out := rec.Commands["doctor"]; !out.TimedOut {
		t.Errorf("doctor outcome = %+v, want timed_out", out)
	}
}

func TestRunLintTimeoutBoundsCommand(t *testing.T) {
	task := writeTaskDir(t, baseManifest())
	shell := &timeoutShell{slow: "make lint"}

	w := New(Deps{Agent: agent.NewMockDriver(), Shell: shell, Git: &fakeGit{}})
	in := newInputs(t, task)
	in.LintCmd = "make lint"
	in.LintTimeout = 10 * time.Second
	in.MaxRetries = 1

	res, err := w.Run(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	if !strings.Contains(res.LastError, "lint command timed out") {
		t.Errorf("last error = %q", res.LastError)
	}
	if len(shell.deadlines) != 1 || !shell.deadlines[0] {
		t.Errorf("lint deadlines = %v, want one bounded run", shell.deadlines)
	}
}

func TestRunBootstrapFailureRetries(t *testing.T) {
	task := writeTaskDir(t, baseManifest())
	shell := &fakeShell{exits: map[string][]int{"npm install": {1, 0}}}

	w := New(Deps{Agent: agent.NewMockDriver(), Shell: shell, Git: &fakeGit{}})
	in := newInputs(t, task)
	in.BootstrapCmds = []string{"npm install"}

	res, err := w.Run(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s, want success after bootstrap retry", res.Outcome)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
	if _, err := os.Stat(filepath.Join(in.LogsDir, "bootstrap-attempt-1.log")); err != nil {
		t.Errorf("bootstrap log missing: %v", err)
	}
}

func TestRunWarnAutoRescopeAmendsManifest(t *testing.T) {
	task := writeTaskDir(t, baseManifest())
	git := &fakeGit{changed: []string{"mock-output.txt"}}

	w := New(Deps{Agent: agent.NewMockDriver(), Shell: &fakeShell{}, Git: git})
	in := newInputs(t, task)
	in.Enforcement = Enforcement{Mode: EnforceWarn, AutoRescope: true}

	res, err := w.Run(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeRescoped {
		t.Fatalf("outcome = %s, want rescoped", res.Outcome)
	}
	if len(res.AddedWrites) != 1 || res.AddedWrites[0] != "mock-output.txt" {
		t.Errorf("added writes = %v", res.AddedWrites)
	}

	// The amendment is persisted, so a reload sees the new write.
	reloaded, err := manifest.Load(task.Dir)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, wr := range reloaded.Manifest.Files.Writes {
		if wr == "mock-output.txt" {
			found = true
		}
	}
	if !found {
		t.Errorf("manifest writes = %v, want mock-output.txt present", reloaded.Manifest.Files.Writes)
	}
}

func TestRunWarnWithoutAutoRescopeProceeds(t *testing.T) {
	task := writeTaskDir(t, baseManifest())
	git := &fakeGit{changed: []string{"mock-output.txt"}}

	w := New(Deps{Agent: agent.NewMockDriver(), Shell: &fakeShell{}, Git: git})
	in := newInputs(t, task)
	in.Enforcement = Enforcement{Mode: EnforceWarn}

	res, err := w.Run(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s, want success (warn logs and proceeds)", res.Outcome)
	}
}

func TestRunBlockModeOutcomes(t *testing.T) {
	graph := scope.NewOwnershipIndex(map[string][]string{
		"api": {"src/api"},
	}, nil)

	cases := []struct {
		name    string
		changed []string
		want    Outcome
	}{
		// Mapped to a known component: an operator can approve the scope.
		{"rescopable", []string{"src/api/extra.go"}, OutcomeNeedsRescope},
		// No owning component at all.
		{"unmapped", []string{"rogue.txt"}, OutcomeRescopeRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := baseManifest()
			m.Files.Writes = []string{"docs/**"}
			task := writeTaskDir(t, m)
			git := &fakeGit{changed: tc.changed}

			w := New(Deps{Agent: agent.NewMockDriver(), Shell: &fakeShell{}, Git: git, Graph: graph})
			in := newInputs(t, task)
			in.Enforcement = Enforcement{Mode: EnforceBlock}

			res, err := w.Run(context.Background(), in)
			if err != nil {
				t.Fatal(err)
			}
			if res.Outcome != tc.want {
				t.Errorf("outcome = %s, want %s (%s)", res.Outcome, tc.want, res.LastError)
			}
		})
	}
}

func TestRunStrictTDDStageA(t *testing.T) {
	m := baseManifest()
	m.TestPaths = []string{"tests/**"}
	task := writeTaskDir(t, m)

	git := &fakeGit{headSHA: "cafe1234"}
	driver := agent.NewMockDriver()
	turn := 0
	driver.OnTurn = func(opts agent.TurnOptions) error {
		turn++
		if turn == 1 {
			// Tests-only turn adds a test file.
			git.changed = []string{"tests/api_test.go"}
		} else {
			git.changed = []string{"src/api.go", "tests/api_test.go"}
		}
		return nil
	}

	w := New(Deps{Agent: driver, Shell: &fakeShell{}, Git: git})
	in := newInputs(t, task)
	in.TDDMode = models.TDDStrict
	in.TestPaths = m.TestPaths
	in.FastCmd = "make fast"
	in.Checkpoint = true

	res, err := w.Run(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s, want success (%s)", res.Outcome, res.LastError)
	}
	if len(res.Checkpoints) != 1 || res.Checkpoints[0] != "cafe1234" {
		t.Errorf("checkpoints = %v", res.Checkpoints)
	}
	if len(git.commits) != 1 || !strings.Contains(git.commits[0], "checkpoint") {
		t.Errorf("commits = %v", git.commits)
	}
	if driver.Turns() != 2 {
		t.Errorf("turns = %d, want tests-only + implement", driver.Turns())
	}
}

func TestRunStrictTDDRejectsNonTestChanges(t *testing.T) {
	m := baseManifest()
	m.TestPaths = []string{"tests/**"}
	task := writeTaskDir(t, m)

	git := &fakeGit{}
	driver := agent.NewMockDriver()
	driver.OnTurn = func(opts agent.TurnOptions) error {
		// Every tests-only turn sneaks in implementation code.
		git.changed = []string{"src/api.go"}
		return nil
	}

	w := New(Deps{Agent: driver, Shell: &fakeShell{}, Git: git})
	in := newInputs(t, task)
	in.TDDMode = models.TDDStrict
	in.TestPaths = m.TestPaths
	in.FastCmd = "make fast"
	in.MaxRetries = 2

	res, err := w.Run(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	if !strings.Contains(res.LastError, "test_paths") {
		t.Errorf("last error = %q", res.LastError)
	}
	if _, err := os.Stat(filepath.Join(in.LogsDir, "tdd-violations-attempt-1.log")); err != nil {
		t.Errorf("violation evidence missing: %v", err)
	}
}

func TestRunHonorsCancelledContext(t *testing.T) {
	task := writeTaskDir(t, baseManifest())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := New(Deps{Agent: agent.NewMockDriver(), Shell: &fakeShell{}, Git: &fakeGit{}})
	if _, err := w.Run(ctx, newInputs(t, task)); err == nil {
		t.Fatal("expected context error")
	}
}

func TestTruncateEvidenceKeepsTail(t *testing.T) {
	long := strings.Repeat("x", 100) + "FAIL: the real error"
	got := truncateEvidence(long, 30)
	if !strings.Contains(got, "FAIL: the real error") {
		t.Errorf("truncated evidence lost the tail: %q", got)
	}
	if !strings.Contains(got, "truncated") {
		t.Errorf("no truncation marker: %q", got)
	}
	if short := truncateEvidence("short", 30); short != "short" {
		t.Errorf("short evidence altered: %q", short)
	}
}

func TestSelectDoctorUsesChecksetPolicy(t *testing.T) {
	graph := scope.NewOwnershipIndex(
		map[string][]string{"api": {"src"}},
		map[string]string{"api": "make test-api"},
	)
	git := &fakeGit{changed: []string{"src/api.go"}}
	shell := &fakeShell{}
	task := writeTaskDir(t, baseManifest())

	w := New(Deps{
		Agent: agent.NewMockDriver(), Shell: shell, Git: git, Graph: graph,
		Checkset: scope.ChecksetPolicy{MaxComponentsForScoped: 2, FallbackCommand: "make check"},
	})
	res, err := w.Run(context.Background(), newInputs(t, task))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	ran := strings.Join(shell.seen, "\n")
	if !strings.Contains(ran, "make test-api") {
		t.Errorf("scoped doctor not selected; commands ran:\n%s", ran)
	}
}

func TestWorkerStateRoundTrip(t *testing.T) {
	dir := t.TempDir()

	ws, err := LoadWorkerState(dir)
	if err != nil {
		t.Fatal(err)
	}
	if ws.Attempt != 0 || ws.ThreadID != "" {
		t.Errorf("fresh state = %+v", ws)
	}

	ws.ThreadID = "th_9"
	ws.Attempt = 3
	if err := SaveWorkerState(dir, ws); err != nil {
		t.Fatal(err)
	}
	got, err := LoadWorkerState(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got.ThreadID != "th_9" || got.Attempt != 3 {
		t.Errorf("reloaded = %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}

	// Corrupt state resets instead of erroring.
	if err := os.WriteFile(workerStatePath(dir), []byte("{broken"), 0644); err != nil {
		t.Fatal(err)
	}
	reset, err := LoadWorkerState(dir)
	if err != nil {
		t.Fatal(err)
	}
	if reset.Attempt != 0 {
		t.Errorf("corrupt state not reset: %+v", reset)
	}
}

func TestAttemptRecordWritten(t *testing.T) {
	logs := t.TempDir()
	rec := &AttemptRecord{
		Attempt:    2,
		Phase:      "doctor",
		PromptKind: PromptRetry,
		Retry: &RetryInfo{
			ReasonCode: ReasonDoctorFailed,
			Reason:     "doctor command exited 1",
			Evidence:   []string{"doctor-2.log"},
		},
		Commands: map[string]CommandOutcome{
			"doctor": {Command: "make check", ExitCode: 1, LogPath: "doctor-2.log"},
		},
		BootstrapConsumed: true,
	}
	if err := saveAttempt(logs, rec); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(logs, "attempt-2.json"))
	if err != nil {
		t.Fatal(err)
	}
	var got AttemptRecord
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Retry == nil || got.Retry.ReasonCode != ReasonDoctorFailed {
		t.Errorf("round-trip lost retry info: %+v", got)
	}
}
