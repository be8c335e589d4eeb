package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mycelium-sh/mycelium/internal/eventlog"
	"github.com/mycelium-sh/mycelium/internal/paths"
	"github.com/mycelium-sh/mycelium/pkg/models"
)

var (
	logsRunID  string
	logsTask   string
	logsCursor string
	logsType   string
	logsLimit  int
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Inspect a run's event logs",
	Long: `Logs reads the JSONL event logs of a run. The orchestrator log is the
default source; --task switches to that task's event log. Defaults to
the project's newest run.`,
}

var logsQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Page through events with a cursor and type filter",
	RunE:  runLogsQuery,
}

var logsSearchCmd = &cobra.Command{
	Use:   "search <substring>",
	Short: "Find events whose type or payload contains a substring",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogsSearch,
}

var logsTimelineCmd = &cobra.Command{
	Use:   "timeline",
	Short: "Show the condensed run/batch/task lifecycle",
	RunE:  runLogsTimeline,
}

var logsFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Show failed and blocked tasks with their last attempt",
	RunE:  runLogsFailures,
}

var logsDoctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Print doctor output for a task's attempts",
	RunE:  runLogsDoctor,
}

var logsSummarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Count events per type",
	RunE:  runLogsSummarize,
}

func init() {
	logsCmd.PersistentFlags().StringVar(&logsRunID, "run-id", "", "Run to inspect (default: newest)")
	logsCmd.PersistentFlags().StringVar(&logsTask, "task", "", "Read the given task's event log instead")
	logsQueryCmd.Flags().StringVar(&logsCursor, "cursor", "", "Byte-offset cursor, or 'tail'")
	logsQueryCmd.Flags().StringVar(&logsType, "type", "", "Event type glob (e.g. 'doctor.*')")
	logsQueryCmd.Flags().IntVar(&logsLimit, "limit", 0, "Cap the number of events (0 = unlimited)")

	logsCmd.AddCommand(logsQueryCmd)
	logsCmd.AddCommand(logsSearchCmd)
	logsCmd.AddCommand(logsTimelineCmd)
	logsCmd.AddCommand(logsFailuresCmd)
	logsCmd.AddCommand(logsDoctorCmd)
	logsCmd.AddCommand(logsSummarizeCmd)
}

// logSource resolves the event log file the subcommand reads.
func logSource(a *app, runID string) (paths.Layout, string, error) {
	layout := a.layout(runID)
	if logsTask == "" {
		return layout, layout.OrchestratorLog(), nil
	}
	dir, err := findTaskLogsDir(layout, logsTask)
	if err != nil {
		return layout, "", err
	}
	return layout, filepath.Join(dir, "events.jsonl"), nil
}

// findTaskLogsDir locates a task's log directory without knowing its slug.
func findTaskLogsDir(layout paths.Layout, taskID string) (string, error) {
	pattern := filepath.Join(layout.RunLogsDir(), "tasks", taskID+"-*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", models.NewUserError(models.CodeNotFound, "task logs missing",
			fmt.Sprintf("no log directory matches %s", pattern),
			"check --task and --run-id", nil)
	}
	sort.Strings(matches)
	return matches[0], nil
}

func printEvent(ev eventlog.Event) {
	line := fmt.Sprintf("%s  %-26s", ev.TS.Format("15:04:05.000"), ev.Type)
	if ev.TaskID != "" {
		line += fmt.Sprintf("  task=%s", ev.TaskID)
	}
	if ev.Attempt > 0 {
		line += fmt.Sprintf("  attempt=%d", ev.Attempt)
	}
	if len(ev.Payload) > 0 {
		line += "  " + string(ev.Payload)
	}
	fmt.Println(line)
}

func runLogsQuery(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	runID, err := a.resolveRunID(logsRunID)
	if err != nil {
		return err
	}
	_, path, err := logSource(a, runID)
	if err != nil {
		return err
	}
	page, err := eventlog.Read(path, eventlog.Query{
		Cursor:   logsCursor,
		TypeGlob: logsType,
		TaskID:   logsTask,
		Limit:    logsLimit,
	})
	if err != nil {
		return err
	}
	for _, ev := range page.Events {
		printEvent(ev)
	}
	fmt.Printf("next cursor: %d\n", page.NextCursor)
	return nil
}

func runLogsSearch(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	runID, err := a.resolveRunID(logsRunID)
	if err != nil {
		return err
	}
	_, path, err := logSource(a, runID)
	if err != nil {
		return err
	}
	events, err := eventlog.ReadAll(path)
	if err != nil {
		return err
	}
	needle := args[0]
	found := 0
	for _, ev := range events {
		if !strings.Contains(ev.Type, needle) && !strings.Contains(string(ev.Payload), needle) {
			continue
		}
		printEvent(ev)
		found++
	}
	fmt.Printf("%d matching events\n", found)
	return nil
}

// lifecyclePrefixes select the events the timeline keeps.
var lifecyclePrefixes = []string{"run.", "batch.", "task.", "validator.block", "budget."}

func runLogsTimeline(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	runID, err := a.resolveRunID(logsRunID)
	if err != nil {
		return err
	}
	_, path, err := logSource(a, runID)
	if err != nil {
		return err
	}
	events, err := eventlog.ReadAll(path)
	if err != nil {
		return err
	}
	for _, ev := range events {
		for _, prefix := range lifecyclePrefixes {
			if strings.HasPrefix(ev.Type, prefix) {
				printEvent(ev)
				break
			}
		}
	}
	return nil
}

func runLogsFailures(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	runID, err := a.resolveRunID(logsRunID)
	if err != nil {
		return err
	}
	layout := a.layout(runID)
	run, err := readRunState(layout.RunStatePath())
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(run.Tasks))
	for id := range run.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	found := false
	for _, id := range ids {
		if logsTask != "" && id != logsTask {
			continue
		}
		ts := run.Tasks[id]
		switch ts.Status {
		case models.TaskFailed, models.TaskNeedsHumanReview,
			models.TaskNeedsRescope, models.TaskRescopeRequired:
		default:
			continue
		}
		found = true
		color.New(color.FgRed, color.Bold).Printf("task %s: %s after %d attempts\n", id, ts.Status, ts.Attempts)
		if ts.LastError != "" {
			fmt.Printf("  last error: %s\n", ts.LastError)
		}
		if ts.HumanReview != nil {
			fmt.Printf("  review: %s\n", ts.HumanReview.Reason)
		}
		for _, vr := range ts.ValidatorResults {
			fmt.Printf("  validator %s: %s %s\n", vr.Name, vr.Status, vr.Summary)
		}
		printAttemptTail(ts.LogsDir)
		fmt.Println()
	}
	if !found {
		fmt.Println("no failed or blocked tasks")
	}
	return nil
}

// printAttemptTail shows the failing command output from the newest
// attempt record in the task's log directory.
func printAttemptTail(logsDir string) {
	if logsDir == "" {
		return
	}
	records, err := filepath.Glob(filepath.Join(logsDir, "attempt-*.json"))
	if err != nil || len(records) == 0 {
		return
	}
	sort.Strings(records)
	last := records[len(records)-1]
	fmt.Printf("  record: %s\n", last)

	logs, _ := filepath.Glob(filepath.Join(logsDir, "*.log"))
	sort.Strings(logs)
	for _, log := range logs {
		fmt.Printf("  %s:\n", filepath.Base(log))
		for _, line := range tailLines(log, 5) {
			fmt.Printf("    %s\n", line)
		}
	}
}

// tailLines returns up to n trailing non-empty lines of a file.
func tailLines(path string, n int) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	var tail []string
	for i := len(lines) - 1; i >= 0 && len(tail) < n; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		tail = append([]string{lines[i]}, tail...)
	}
	return tail
}

func runLogsDoctor(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	runID, err := a.resolveRunID(logsRunID)
	if err != nil {
		return err
	}
	if logsTask == "" {
		return models.NewUserError(models.CodeBadRequest, "task required",
			"doctor logs are per task", "pass --task <id>", nil)
	}
	dir, err := findTaskLogsDir(a.layout(runID), logsTask)
	if err != nil {
		return err
	}
	logs, err := filepath.Glob(filepath.Join(dir, "doctor-*.log"))
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		fmt.Println("no doctor output recorded")
		return nil
	}
	sort.Strings(logs)
	for _, log := range logs {
		color.New(color.Bold).Printf("--- %s ---\n", filepath.Base(log))
		data, err := os.ReadFile(log)
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			fmt.Println()
		}
	}
	return nil
}

func runLogsSummarize(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	runID, err := a.resolveRunID(logsRunID)
	if err != nil {
		return err
	}
	_, path, err := logSource(a, runID)
	if err != nil {
		return err
	}
	events, err := eventlog.ReadAll(path)
	if err != nil {
		return err
	}
	counts := make(map[string]int)
	for _, ev := range events {
		counts[ev.Type]++
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Printf("%-30s %d\n", t, counts[t])
	}
	fmt.Printf("%d events total\n", len(events))
	return nil
}
