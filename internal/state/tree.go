package state

import (
	"fmt"

	"github.com/ShayCichocki/aspen/pkg/models"
)

// Tree index: derived views over parent/child/root relationships. Depth and
// root are computed by CreateTask and Reparent only; the queries here never
// assign them.

// StatusSummary counts tasks per status. Blocked counts pending tasks that
// still carry a blocker reference; it overlaps with Pending.
type StatusSummary struct {
	Pending    int `json:"pending"`
	Launched   int `json:"launched"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Killed     int `json:"killed"`
	Blocked    int `json:"blocked"`
}

// add records one task in the summary.
func (s *StatusSummary) add(t *models.Task) {
	switch t.Status {
	case models.TaskStatusPending:
		s.Pending++
	case models.TaskStatusLaunched:
		s.Launched++
	case models.TaskStatusInProgress:
		s.InProgress++
	case models.TaskStatusCompleted:
		s.Completed++
	case models.TaskStatusFailed:
		s.Failed++
	case models.TaskStatusKilled:
		s.Killed++
	}
	if t.Blocked() {
		s.Blocked++
	}
}

// TreeNode is one task in an assembled tree with its children.
type TreeNode struct {
	Task     *models.Task `json:"task"`
	Children []*TreeNode  `json:"children,omitempty"`
}

// Tree is a fully assembled subtree with a per-status summary.
type Tree struct {
	Root    *TreeNode     `json:"root"`
	Summary StatusSummary `json:"summary"`
	Total   int           `json:"total"`
}

// TreeOverview is a root task with aggregate status counts, for
// dashboard-style listings.
type TreeOverview struct {
	Root    *models.Task  `json:"root"`
	Summary StatusSummary `json:"summary"`
	Total   int           `json:"total"`
}

// GetTree returns the full recursive subtree rooted at the given task,
// with a per-status count summary for quick health assessment.
func (db *DB) GetTree(rootID int64) (*Tree, error) {
	anchor, err := db.GetTask(rootID)
	if err != nil {
		return nil, err
	}

	// One query fetches the whole tree; the subtree is assembled in memory.
	rows, err := db.Query("SELECT "+taskColumns+" FROM tasks WHERE root_task_id = ? ORDER BY id", anchor.RootTaskID)
	if err != nil {
		return nil, fmt.Errorf("load tree: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}

	nodes := make(map[int64]*TreeNode, len(tasks))
	for _, t := range tasks {
		nodes[t.ID] = &TreeNode{Task: t}
	}
	for _, t := range tasks {
		if t.ParentTaskID != 0 {
			if parent, ok := nodes[t.ParentTaskID]; ok {
				parent.Children = append(parent.Children, nodes[t.ID])
			}
		}
	}

	root, ok := nodes[rootID]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", rootID, ErrNotFound)
	}

	tree := &Tree{Root: root}
	walk := []*TreeNode{root}
	for len(walk) > 0 {
		n := walk[0]
		walk = walk[1:]
		tree.Summary.add(n.Task)
		tree.Total++
		walk = append(walk, n.Children...)
	}

	return tree, nil
}

// ListTrees returns every distinct root with aggregate status counts.
func (db *DB) ListTrees() ([]*TreeOverview, error) {
	rows, err := db.Query("SELECT " + taskColumns + " FROM tasks ORDER BY root_task_id, id")
	if err != nil {
		return nil, fmt.Errorf("list trees: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}

	overviews := make(map[int64]*TreeOverview)
	var order []int64
	for _, t := range tasks {
		ov, ok := overviews[t.RootTaskID]
		if !ok {
			ov = &TreeOverview{}
			overviews[t.RootTaskID] = ov
			order = append(order, t.RootTaskID)
		}
		if t.Root() {
			ov.Root = t
		}
		ov.Summary.add(t)
		ov.Total++
	}

	var result []*TreeOverview
	for _, rootID := range order {
		result = append(result, overviews[rootID])
	}
	return result, nil
}
