// Package git provides an interface for the git operations mycelium uses.
package git

// BranchOperations defines branch inspection and switching.
type BranchOperations interface {
	// CurrentBranch returns the name of the current branch.
	CurrentBranch() (string, error)
	// CheckoutBranch switches to the specified branch.
	CheckoutBranch(name string) error
	// CreateBranchFrom creates a branch at the given start point and
	// checks it out.
	CreateBranchFrom(name, startPoint string) error
	// BranchExists returns true if the local branch exists.
	BranchExists(name string) (bool, error)
	// DeleteBranch force-deletes the branch.
	DeleteBranch(name string) error
}

// StatusOperations defines working-tree inspection.
type StatusOperations interface {
	// Status returns the output of git status --porcelain.
	Status() (string, error)
	// IsClean returns true if the working tree has no changes.
	IsClean() (bool, error)
	// ChangedFiles returns files changed relative to the base ref,
	// including uncommitted and untracked changes.
	ChangedFiles(base string) ([]string, error)
	// DiffStat returns a summary diff between two refs.
	DiffStat(ref1, ref2 string) (string, error)
	// DiscardAll discards pending edits in the working tree.
	DiscardAll() error
}

// CommitOperations defines staging and committing.
type CommitOperations interface {
	// AddAll stages every change.
	AddAll() error
	// Commit creates a commit with the given message.
	Commit(message string) error
	// HeadSHA returns the SHA of HEAD.
	HeadSHA() (string, error)
	// ResetHard resets the working tree and HEAD to the given ref.
	ResetHard(ref string) error
}

// MergeOperations defines integration merges.
type MergeOperations interface {
	// MergeNoFF merges the branch with --no-ff and the given message.
	MergeNoFF(branch, message string) (string, error)
	// MergeAbort aborts an in-progress merge.
	MergeAbort() error
}

// RepoOperations defines repository-level commands.
type RepoOperations interface {
	// Clone clones src into dst.
	Clone(src, dst string) error
	// IsRepo returns true if the directory is a git work tree.
	IsRepo() bool
	// RemoteURL returns the URL of the named remote.
	RemoteURL(name string) (string, error)
	// Fetch updates refs from the named remote.
	Fetch(remote string) error
	// Push pushes the branch to the named remote.
	Push(remote, branch string) error
}

// Runner is the complete git surface. Consumers should prefer the focused
// interfaces when possible.
type Runner interface {
	BranchOperations
	StatusOperations
	CommitOperations
	MergeOperations
	RepoOperations
	// Run executes an arbitrary git command and returns its output.
	Run(args ...string) (string, error)
}
