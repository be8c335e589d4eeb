// Package workspace materializes per-task git clones. Each task gets its own
// clone of the project repository with a dedicated task branch, so workers
// never contend for a working tree.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mycelium-sh/mycelium/internal/git"
	"github.com/mycelium-sh/mycelium/pkg/models"
)

// RuntimeDir is the per-workspace directory for worker runtime files
// (worker-state.json, scratch). It is excluded from git via .git/info/exclude.
const RuntimeDir = ".task-orchestrator"

// Result describes a prepared workspace.
type Result struct {
	// Path is the workspace directory.
	Path string
	// Created is true when the clone was freshly made.
	Created bool
	// Recovered is true when pending edits were discarded during reuse.
	Recovered bool
}

// Manager provisions and verifies task workspaces.
type Manager struct {
	// newGit builds a git runner for a directory; injectable for tests.
	newGit func(dir string) git.Runner
}

// NewManager creates a workspace manager using the real git binary.
func NewManager() *Manager {
	return &Manager{newGit: func(dir string) git.Runner { return git.NewRunner(dir) }}
}

// NewManagerWithGit creates a manager with a custom git factory (tests).
func NewManagerWithGit(newGit func(dir string) git.Runner) *Manager {
	return &Manager{newGit: newGit}
}

// Options configures one Prepare call.
type Options struct {
	// Dir is the workspace directory to create or reuse.
	Dir string
	// RepoPath is the source repository to clone from.
	RepoPath string
	// MainBranch is the integration branch name.
	MainBranch string
	// TaskBranch is the per-task branch to check out.
	TaskBranch string
	// RecoverDirty discards pending edits when reusing a workspace.
	RecoverDirty bool
}

// Prepare creates a fresh clone or verifies and reuses an existing one,
// leaving the task branch checked out.
func (m *Manager) Prepare(opts Options) (*Result, error) {
	if _, err := os.Stat(opts.Dir); os.IsNotExist(err) {
		return m.create(opts)
	}
	return m.reuse(opts)
}

func (m *Manager) create(opts Options) (*Result, error) {
	if err := os.MkdirAll(filepath.Dir(opts.Dir), 0755); err != nil {
		return nil, fmt.Errorf("create workspace parent: %w", err)
	}

	g := m.newGit(opts.Dir)
	if err := g.Clone(opts.RepoPath, opts.Dir); err != nil {
		return nil, taskErr("workspace clone failed",
			fmt.Sprintf("cannot clone %s into %s", opts.RepoPath, opts.Dir),
			"check that the repository path is correct", err)
	}
	if err := g.CheckoutBranch(opts.MainBranch); err != nil {
		return nil, taskErr("main branch missing",
			fmt.Sprintf("branch %s does not exist in %s", opts.MainBranch, opts.RepoPath),
			"set main_branch in mycelium.yaml to the integration branch", err)
	}
	if err := g.CreateBranchFrom(opts.TaskBranch, opts.MainBranch); err != nil {
		return nil, taskErr("task branch creation failed",
			fmt.Sprintf("cannot create %s from %s", opts.TaskBranch, opts.MainBranch), "", err)
	}
	if err := writeExclude(opts.Dir); err != nil {
		return nil, err
	}
	return &Result{Path: opts.Dir, Created: true}, nil
}

func (m *Manager) reuse(opts Options) (*Result, error) {
	g := m.newGit(opts.Dir)
	if !g.IsRepo() {
		return nil, staleWorkspace(opts.Dir, "is not a git repository", nil)
	}

	// The exclude entry may predate a crash; rewrite before the clean check
	// so runtime files never count as dirt.
	if err := writeExclude(opts.Dir); err != nil {
		return nil, err
	}

	origin, err := g.RemoteURL("origin")
	if err != nil {
		return nil, staleWorkspace(opts.Dir, "has no origin remote", err)
	}
	if !samePath(origin, opts.RepoPath) {
		return nil, staleWorkspace(opts.Dir,
			fmt.Sprintf("origin %s does not match repository %s", origin, opts.RepoPath), nil)
	}

	exists, err := g.BranchExists(opts.MainBranch)
	if err != nil {
		return nil, fmt.Errorf("check main branch: %w", err)
	}
	if !exists {
		return nil, staleWorkspace(opts.Dir, fmt.Sprintf("is missing branch %s", opts.MainBranch), nil)
	}

	recovered := false
	clean, err := g.IsClean()
	if err != nil {
		return nil, fmt.Errorf("check working tree: %w", err)
	}
	if !clean {
		if !opts.RecoverDirty {
			return nil, staleWorkspace(opts.Dir, "has uncommitted changes", nil)
		}
		if err := g.DiscardAll(); err != nil {
			return nil, fmt.Errorf("discard pending edits: %w", err)
		}
		recovered = true
	}

	if err := m.ensureTaskBranch(g, opts); err != nil {
		return nil, err
	}
	return &Result{Path: opts.Dir, Recovered: recovered}, nil
}

func (m *Manager) ensureTaskBranch(g git.Runner, opts Options) error {
	exists, err := g.BranchExists(opts.TaskBranch)
	if err != nil {
		return fmt.Errorf("check task branch: %w", err)
	}
	if !exists {
		return g.CreateBranchFrom(opts.TaskBranch, opts.MainBranch)
	}
	current, err := g.CurrentBranch()
	if err != nil {
		return err
	}
	if current != opts.TaskBranch {
		return g.CheckoutBranch(opts.TaskBranch)
	}
	return nil
}

// Cleanup removes a task workspace directory entirely.
func (m *Manager) Cleanup(dir string) error {
	if dir == "" || dir == "/" {
		return fmt.Errorf("refusing to remove %q", dir)
	}
	return os.RemoveAll(dir)
}

// writeExclude registers the runtime dir in .git/info/exclude so the clean
// check ignores worker state files.
func writeExclude(dir string) error {
	infoDir := filepath.Join(dir, ".git", "info")
	if err := os.MkdirAll(infoDir, 0755); err != nil {
		return fmt.Errorf("create git info dir: %w", err)
	}
	excludePath := filepath.Join(infoDir, "exclude")
	entry := RuntimeDir + "/"

	existing, err := os.ReadFile(excludePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read exclude file: %w", err)
	}
	for _, line := range strings.Split(string(existing), "\n") {
		if strings.TrimSpace(line) == entry {
			return nil
		}
	}

	f, err := os.OpenFile(excludePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open exclude file: %w", err)
	}
	defer f.Close()
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	if _, err := f.WriteString(entry + "\n"); err != nil {
		return fmt.Errorf("append exclude entry: %w", err)
	}
	return nil
}

// samePath compares two paths after symlink resolution, so a clone whose
// origin is a symlinked alias of the repo still verifies.
func samePath(a, b string) bool {
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	if errA != nil || errB != nil {
		absA, _ := filepath.Abs(a)
		absB, _ := filepath.Abs(b)
		return absA == absB
	}
	return ra == rb
}

func taskErr(title, message, hint string, cause error) error {
	return models.NewUserError(models.CodeTaskError, title, message, hint, cause)
}

func staleWorkspace(dir, problem string, cause error) error {
	return taskErr("workspace unusable",
		fmt.Sprintf("workspace %s %s", dir, problem),
		fmt.Sprintf("remove %s or start a new run id", dir), cause)
}
