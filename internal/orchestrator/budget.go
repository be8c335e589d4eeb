package orchestrator

import (
	"fmt"
	"sync"

	"github.com/mycelium-sh/mycelium/internal/config"
)

// Budget scopes and kinds, mirroring config.BudgetConfig values.
const (
	BudgetScopeTask = "task"
	BudgetScopeRun  = "run"
	BudgetKindCost  = "cost"
	BudgetKindToken = "tokens"
	BudgetModeWarn  = "warn"
	BudgetModeBlock = "block"
)

// Breach records one budget limit crossing.
type Breach struct {
	// Scope is task or run.
	Scope string `json:"scope"`
	// Kind is tokens or cost.
	Kind string `json:"kind"`
	// Mode is the configured response, warn or block.
	Mode string `json:"mode"`
	// TaskID is the task whose usage crossed the limit. For run-scoped
	// rules it names the task that tipped the total over.
	TaskID string `json:"task_id"`
	// Limit is the configured threshold.
	Limit float64 `json:"limit"`
	// Observed is the total at the moment of crossing.
	Observed float64 `json:"observed"`
}

// Blocks returns true when the breach should halt its task.
func (b Breach) Blocks() bool { return b.Mode == BudgetModeBlock }

func (b Breach) String() string {
	return fmt.Sprintf("%s %s budget exceeded: %.4f > %.4f", b.Scope, b.Kind, b.Observed, b.Limit)
}

// BudgetTracker accumulates token and cost totals and raises each
// configured budget rule exactly once per crossing: a rule fires when
// the tracked total moves from at-or-below the limit to above it, and
// never again for the same scope key.
type BudgetTracker struct {
	mu    sync.Mutex
	rules []config.BudgetConfig
	fired map[string]bool

	taskTokens map[string]int64
	taskCost   map[string]float64
	runTokens  int64
	runCost    float64
}

// NewBudgetTracker creates a tracker for the given rules. Rules are
// assumed pre-validated by the config loader.
func NewBudgetTracker(rules []config.BudgetConfig) *BudgetTracker {
	return &BudgetTracker{
		rules:      rules,
		fired:      make(map[string]bool),
		taskTokens: make(map[string]int64),
		taskCost:   make(map[string]float64),
	}
}

// Record adds one task's incremental usage and returns any rules that
// crossed their limit on this update.
func (t *BudgetTracker) Record(taskID string, tokens int64, cost float64) []Breach {
	t.mu.Lock()
	defer t.mu.Unlock()

	taskTokensBefore := t.taskTokens[taskID]
	taskCostBefore := t.taskCost[taskID]
	runTokensBefore := t.runTokens
	runCostBefore := t.runCost

	t.taskTokens[taskID] += tokens
	t.taskCost[taskID] += cost
	t.runTokens += tokens
	t.runCost += cost

	var breaches []Breach
	for i, rule := range t.rules {
		var before, after float64
		switch {
		case rule.Scope == BudgetScopeTask && rule.Kind == BudgetKindToken:
			before, after = float64(taskTokensBefore), float64(t.taskTokens[taskID])
		case rule.Scope == BudgetScopeTask && rule.Kind == BudgetKindCost:
			before, after = taskCostBefore, t.taskCost[taskID]
		case rule.Scope == BudgetScopeRun && rule.Kind == BudgetKindToken:
			before, after = float64(runTokensBefore), float64(t.runTokens)
		case rule.Scope == BudgetScopeRun && rule.Kind == BudgetKindCost:
			before, after = runCostBefore, t.runCost
		default:
			continue
		}
		if before > rule.Limit || after <= rule.Limit {
			continue
		}
		key := fmt.Sprintf("%d", i)
		if rule.Scope == BudgetScopeTask {
			key += ":" + taskID
		}
		if t.fired[key] {
			continue
		}
		t.fired[key] = true
		breaches = append(breaches, Breach{
			Scope:    rule.Scope,
			Kind:     rule.Kind,
			Mode:     rule.Mode,
			TaskID:   taskID,
			Limit:    rule.Limit,
			Observed: after,
		})
	}
	return breaches
}

// TaskTokens returns the tracked token total for a task.
func (t *BudgetTracker) TaskTokens(taskID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.taskTokens[taskID]
}

// RunTokens returns the run-wide token total.
func (t *BudgetTracker) RunTokens() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runTokens
}

// RunCost returns the run-wide cost total.
func (t *BudgetTracker) RunCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runCost
}
