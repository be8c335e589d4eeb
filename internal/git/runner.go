package git

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/mycelium-sh/mycelium/pkg/models"
)

// ExecRunner implements Runner by shelling out to the git binary.
type ExecRunner struct {
	repoPath string
}

// NewRunner creates a git runner for the repository at the given path.
func NewRunner(repoPath string) *ExecRunner {
	return &ExecRunner{repoPath: repoPath}
}

// IsMergeConflict reports whether an error from MergeNoFF was a content
// conflict rather than an infrastructure failure.
func IsMergeConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "automatic merge failed") || strings.Contains(msg, "merge conflict")
}

// run executes a git command and returns trimmed combined output. Failures
// carry the command line and output so merge conflicts stay recognizable.
func (r *ExecRunner) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", models.NewUserError(models.CodeGitError, "git command failed",
			fmt.Sprintf("git %s: %v: %s", strings.Join(args, " "), err, string(out)), "", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (r *ExecRunner) runSilent(args ...string) error {
	_, err := r.run(args...)
	return err
}

// Run executes an arbitrary git command with the given arguments.
func (r *ExecRunner) Run(args ...string) (string, error) {
	return r.run(args...)
}

// CurrentBranch returns the name of the current branch.
func (r *ExecRunner) CurrentBranch() (string, error) {
	return r.run("rev-parse", "--abbrev-ref", "HEAD")
}

// CheckoutBranch switches to the specified branch.
func (r *ExecRunner) CheckoutBranch(name string) error {
	return r.runSilent("checkout", name)
}

// CreateBranchFrom creates a branch at startPoint and checks it out.
func (r *ExecRunner) CreateBranchFrom(name, startPoint string) error {
	return r.runSilent("checkout", "-b", name, startPoint)
}

// BranchExists returns true if the local branch exists.
func (r *ExecRunner) BranchExists(name string) (bool, error) {
	cmd := exec.Command("git", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	cmd.Dir = r.repoPath
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("check branch exists: %w", err)
	}
	return true, nil
}

// DeleteBranch force-deletes the branch.
func (r *ExecRunner) DeleteBranch(name string) error {
	return r.runSilent("branch", "-D", name)
}

// Status returns the output of git status --porcelain.
func (r *ExecRunner) Status() (string, error) {
	return r.run("status", "--porcelain")
}

// IsClean returns true if the working tree has no changes.
func (r *ExecRunner) IsClean() (bool, error) {
	status, err := r.Status()
	if err != nil {
		return false, err
	}
	return status == "", nil
}

// ChangedFiles returns files changed relative to base: committed on top of
// it, modified in the tree, or untracked.
func (r *ExecRunner) ChangedFiles(base string) ([]string, error) {
	committed, err := r.run("diff", "--name-only", base)
	if err != nil {
		return nil, err
	}
	untracked, err := r.run("ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var files []string
	for _, chunk := range []string{committed, untracked} {
		for _, f := range strings.Split(chunk, "\n") {
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			files = append(files, f)
		}
	}
	return files, nil
}

// DiffStat returns a summary diff between two refs.
func (r *ExecRunner) DiffStat(ref1, ref2 string) (string, error) {
	return r.run("diff", "--stat", ref1, ref2)
}

// DiscardAll discards pending edits in the working tree.
func (r *ExecRunner) DiscardAll() error {
	return r.runSilent("checkout", "--", ".")
}

// AddAll stages every change.
func (r *ExecRunner) AddAll() error {
	return r.runSilent("add", "-A")
}

// Commit creates a commit with the given message.
func (r *ExecRunner) Commit(message string) error {
	return r.runSilent("commit", "-m", message)
}

// HeadSHA returns the SHA of HEAD.
func (r *ExecRunner) HeadSHA() (string, error) {
	return r.run("rev-parse", "HEAD")
}

// ResetHard resets the working tree and HEAD to the given ref.
func (r *ExecRunner) ResetHard(ref string) error {
	return r.runSilent("reset", "--hard", ref)
}

// MergeNoFF merges the branch with --no-ff and returns the merge commit SHA.
func (r *ExecRunner) MergeNoFF(branch, message string) (string, error) {
	if err := r.runSilent("merge", "--no-ff", "-m", message, branch); err != nil {
		return "", err
	}
	return r.HeadSHA()
}

// MergeAbort aborts an in-progress merge.
func (r *ExecRunner) MergeAbort() error {
	return r.runSilent("merge", "--abort")
}

// Clone clones src into dst. The clone is local; dst must not exist.
func (r *ExecRunner) Clone(src, dst string) error {
	cmd := exec.Command("git", "clone", src, dst)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return models.NewUserError(models.CodeGitError, "git clone failed",
			fmt.Sprintf("clone %s -> %s: %v: %s", src, dst, err, string(out)), "", err)
	}
	return nil
}

// IsRepo returns true if repoPath is inside a git work tree.
func (r *ExecRunner) IsRepo() bool {
	out, err := r.run("rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// RemoteURL returns the URL of the named remote.
func (r *ExecRunner) RemoteURL(name string) (string, error) {
	return r.run("remote", "get-url", name)
}

// Fetch updates refs from the named remote.
func (r *ExecRunner) Fetch(remote string) error {
	return r.runSilent("fetch", remote)
}

// Push pushes the branch to the named remote.
func (r *ExecRunner) Push(remote, branch string) error {
	return r.runSilent("push", remote, branch)
}

// Verify ExecRunner implements Runner at compile time.
var _ Runner = (*ExecRunner)(nil)
