// Package git provides an interface for the git operations Aspen needs to
// isolate execution sessions in worktrees.
package git

// Runner defines the git operations session isolation uses: creating and
// tearing down per-session worktrees, and inspecting them for changes
// worth preserving.
type Runner interface {
	// WorktreeAddNewBranch creates a new worktree with a new branch (git worktree add -b).
	WorktreeAddNewBranch(path, branch string) error
	// WorktreeRemove force-removes the worktree at the given path.
	WorktreeRemove(path string) error
	// WorktreeListPorcelain returns the raw porcelain output for detailed parsing.
	WorktreeListPorcelain() (string, error)
	// HasChangesIn returns true if the worktree at dir has uncommitted changes.
	HasChangesIn(dir string) (bool, error)
	// DeleteBranch deletes the specified branch (force delete).
	DeleteBranch(name string) error
}
