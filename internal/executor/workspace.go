package executor

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/ShayCichocki/aspen/internal/git"
)

// sessionBranchPrefix marks worktree branches owned by aspen sessions.
const sessionBranchPrefix = "aspen-task-"

// Workspace manages isolated git worktrees for execution sessions, so
// concurrent tasks on the same codebase don't collide.
type Workspace struct {
	baseDir string
	git     git.Runner
}

// NewWorkspace creates a workspace rooted at baseDir, isolating from the
// repository served by the git runner.
func NewWorkspace(baseDir string, runner git.Runner) (*Workspace, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".cache", "aspen", "worktrees")
	}

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create worktree base directory: %w", err)
	}

	return &Workspace{baseDir: baseDir, git: runner}, nil
}

// BaseDir returns the directory worktrees are created under.
func (w *Workspace) BaseDir() string {
	return w.baseDir
}

// Create makes a fresh worktree and branch for a task's session.
func (w *Workspace) Create(taskID int64) (path, branch string, err error) {
	branch = fmt.Sprintf("%s%d-%s", sessionBranchPrefix, taskID, uuid.New().String()[:8])
	path = filepath.Join(w.baseDir, branch)

	if err := w.git.WorktreeAddNewBranch(path, branch); err != nil {
		return "", "", fmt.Errorf("create session worktree: %w", err)
	}
	return path, branch, nil
}

// CleanupIfClean removes the worktree and its branch if the working copy
// has no uncommitted changes. Dirty working copies are preserved for
// inspection; the caller learns which through the returned flag.
func (w *Workspace) CleanupIfClean(path, branch string) (removed bool, err error) {
	dirty, err := w.git.HasChangesIn(path)
	if err != nil {
		return false, fmt.Errorf("inspect session worktree: %w", err)
	}
	if dirty {
		return false, nil
	}

	if err := w.git.WorktreeRemove(path); err != nil {
		return false, fmt.Errorf("remove session worktree: %w", err)
	}
	if err := w.git.DeleteBranch(branch); err != nil {
		return false, fmt.Errorf("delete session branch: %w", err)
	}
	return true, nil
}

// Orphans returns session branches known to git whose task is not in the
// given set of tracked task IDs. These indicate drift, usually left over
// from a previous executor process.
func (w *Workspace) Orphans(tracked map[int64]bool) ([]string, error) {
	output, err := w.git.WorktreeListPorcelain()
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}

	var orphans []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "branch refs/heads/") {
			continue
		}
		branch := strings.TrimPrefix(line, "branch refs/heads/")
		if !strings.HasPrefix(branch, sessionBranchPrefix) {
			continue
		}
		taskID, ok := taskIDFromBranch(branch)
		if ok && tracked[taskID] {
			continue
		}
		orphans = append(orphans, branch)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parse worktree list: %w", err)
	}

	return orphans, nil
}

// taskIDFromBranch extracts the task ID from a session branch name.
func taskIDFromBranch(branch string) (int64, bool) {
	rest := strings.TrimPrefix(branch, sessionBranchPrefix)
	idx := strings.IndexByte(rest, '-')
	if idx <= 0 {
		return 0, false
	}
	var id int64
	if _, err := fmt.Sscanf(rest[:idx], "%d", &id); err != nil {
		return 0, false
	}
	return id, true
}
