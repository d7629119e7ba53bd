package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShayCichocki/aspen/pkg/models"
)

// CreateTaskInput contains the caller-supplied fields for a new task.
type CreateTaskInput struct {
	Creator         string
	Assignee        string
	Subject         string
	Prompt          string
	WorkingDir      string
	HostHint        string
	BlockedByTaskID int64
	ParentTaskID    int64
	OnComplete      string
	Metadata        *models.TaskMetadata
	CardRef         string
	RetryCount      int
}

// taskColumns is the canonical column list used by task scans.
const taskColumns = `id, creator, assignee, subject, prompt, working_dir, host_hint,
	status, blocked_by_task_id, parent_task_id, root_task_id, depth,
	on_complete, metadata, card_ref, retry_count, output, failed_by_task_id,
	created_at, started_at, completed_at`

// CreateTask validates and persists a new task, computing its tree placement.
//
// If the declared blocker has already completed, the dependency is satisfied
// trivially and cleared before persisting; callers must read the returned
// task's BlockedByTaskID rather than assume the requested value was stored.
// If a blocker is set and no parent is given, the blocker becomes the parent.
func (db *DB) CreateTask(input CreateTaskInput) (*models.Task, error) {
	if input.Creator == "" || input.Assignee == "" {
		return nil, fmt.Errorf("%w: creator and assignee are required", ErrInvalid)
	}
	if input.Subject == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrInvalid)
	}

	var created *models.Task
	err := db.Transaction(func(tx *sql.Tx) error {
		blockedBy := input.BlockedByTaskID
		if blockedBy != 0 {
			var blockerStatus string
			row := tx.QueryRow("SELECT status FROM tasks WHERE id = ?", blockedBy)
			if err := row.Scan(&blockerStatus); err == sql.ErrNoRows {
				return fmt.Errorf("blocker task %d: %w", blockedBy, ErrNotFound)
			} else if err != nil {
				return fmt.Errorf("look up blocker: %w", err)
			}

			switch models.TaskStatus(blockerStatus) {
			case models.TaskStatusCompleted:
				// Dependency already satisfied; no wait is recorded.
				blockedBy = 0
			case models.TaskStatusFailed, models.TaskStatusKilled:
				return fmt.Errorf("%w: blocker task %d is already %s", ErrInvalid, blockedBy, blockerStatus)
			}
		}

		parentID := input.ParentTaskID
		if parentID == 0 && input.BlockedByTaskID != 0 {
			// Sequential-chain convenience: blocked tasks hang off their blocker.
			parentID = input.BlockedByTaskID
		}

		depth := 0
		rootID := int64(0)
		if parentID != 0 {
			var parentDepth int
			var parentRoot int64
			row := tx.QueryRow("SELECT depth, root_task_id FROM tasks WHERE id = ?", parentID)
			if err := row.Scan(&parentDepth, &parentRoot); err == sql.ErrNoRows {
				return fmt.Errorf("parent task %d: %w", parentID, ErrNotFound)
			} else if err != nil {
				return fmt.Errorf("look up parent: %w", err)
			}
			depth = parentDepth + 1
			rootID = parentRoot
		}

		metadata, err := marshalMetadata(input.Metadata)
		if err != nil {
			return err
		}

		now := time.Now()
		res, err := tx.Exec(`
			INSERT INTO tasks (creator, assignee, subject, prompt, working_dir, host_hint,
				status, blocked_by_task_id, parent_task_id, root_task_id, depth,
				on_complete, metadata, card_ref, retry_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, input.Creator, input.Assignee, input.Subject, input.Prompt,
			nullString(input.WorkingDir), nullString(input.HostHint),
			string(models.TaskStatusPending), nullID(blockedBy), nullID(parentID),
			rootID, depth, nullString(input.OnComplete), metadata,
			nullString(input.CardRef), input.RetryCount, formatTime(now))
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("get task id: %w", err)
		}

		if rootID == 0 {
			// Roots reference themselves.
			if _, err := tx.Exec("UPDATE tasks SET root_task_id = ? WHERE id = ?", id, id); err != nil {
				return fmt.Errorf("set root id: %w", err)
			}
		}

		created, err = getTaskTx(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetTask retrieves a task by ID.
func (db *DB) GetTask(id int64) (*models.Task, error) {
	row := db.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// TaskFilter narrows ListTasks results. Zero-valued fields are ignored.
type TaskFilter struct {
	Assignee string
	Creator  string
	Status   models.TaskStatus
}

// ListTasks returns tasks matching the filter, oldest first.
func (db *DB) ListTasks(filter TaskFilter) ([]*models.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE 1=1"
	var args []any
	if filter.Assignee != "" {
		query += " AND assignee = ?"
		args = append(args, filter.Assignee)
	}
	if filter.Creator != "" {
		query += " AND creator = ?"
		args = append(args, filter.Creator)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY id"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// ListBlockedOn returns the pending tasks whose blocker is the given task.
func (db *DB) ListBlockedOn(id int64) ([]*models.Task, error) {
	rows, err := db.Query("SELECT "+taskColumns+` FROM tasks
		WHERE blocked_by_task_id = ? AND status = ? ORDER BY id`,
		id, string(models.TaskStatusPending))
	if err != nil {
		return nil, fmt.Errorf("list blocked tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// ListChildren returns the direct children of the given task, oldest first.
func (db *DB) ListChildren(id int64) ([]*models.Task, error) {
	rows, err := db.Query("SELECT "+taskColumns+" FROM tasks WHERE parent_task_id = ? ORDER BY id", id)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// ClearBlocker removes the dependency reference from a task.
func (db *DB) ClearBlocker(id int64) error {
	res, err := db.Exec("UPDATE tasks SET blocked_by_task_id = NULL WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("clear blocker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("clear blocker: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateStatus transitions a task to a new status.
//
// Only the task's assignee, creator, or an administrator may transition it.
// Transitions must be forward-monotonic; anything else is a conflict. The
// update uses the current status as an optimistic precondition, so of two
// concurrent calls on the same task only one applies.
//
// UpdateStatus does not run dependency cascades; that is the resolver's job.
func (db *DB) UpdateStatus(id int64, next models.TaskStatus, output, actor string) (*models.Task, error) {
	return db.updateStatus(id, next, output, actor, 0)
}

// FailFromCascade marks a task failed because the given blocker failed,
// recording the cascade source so the task is distinguishable from one
// that failed on its own run. Authorization and monotonicity rules are
// the same as UpdateStatus.
func (db *DB) FailFromCascade(id, blockerID int64, output, actor string) (*models.Task, error) {
	return db.updateStatus(id, models.TaskStatusFailed, output, actor, blockerID)
}

func (db *DB) updateStatus(id int64, next models.TaskStatus, output, actor string, failedBy int64) (*models.Task, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalid, next)
	}

	task, err := db.GetTask(id)
	if err != nil {
		return nil, err
	}

	if actor != task.Assignee && actor != task.Creator && !db.isAdmin(actor) {
		return nil, fmt.Errorf("actor %q may not update task %d: %w", actor, id, ErrUnauthorized)
	}

	if !task.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: cannot transition task %d from %s to %s", ErrConflict, id, task.Status, next)
	}

	now := formatTime(time.Now())
	query := "UPDATE tasks SET status = ?"
	args := []any{string(next)}
	if output != "" {
		query += ", output = ?"
		args = append(args, output)
	}
	if failedBy != 0 {
		query += ", failed_by_task_id = ?"
		args = append(args, failedBy)
	}
	if task.StartedAt == nil && next != models.TaskStatusPending {
		query += ", started_at = ?"
		args = append(args, now)
	}
	if next.Terminal() {
		query += ", completed_at = ?"
		args = append(args, now)
	}
	query += " WHERE id = ? AND status = ?"
	args = append(args, id, string(task.Status))

	res, err := db.Exec(query, args...)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if n == 0 {
		// A concurrent update won; the precondition is stale.
		return nil, fmt.Errorf("%w: task %d changed concurrently", ErrConflict, id)
	}

	return db.GetTask(id)
}

// Reparent moves a task under a new parent and recomputes depth and root
// for the task and every descendant. The whole subtree update happens in
// one transaction so no reader observes a half-updated tree.
func (db *DB) Reparent(id, newParentID int64) (*models.Task, error) {
	if id == newParentID {
		return nil, fmt.Errorf("task %d: %w", id, ErrCycle)
	}

	var updated *models.Task
	err := db.Transaction(func(tx *sql.Tx) error {
		if _, err := getTaskTx(tx, id); err != nil {
			return err
		}

		parent, err := getTaskTx(tx, newParentID)
		if err != nil {
			return err
		}

		// Walk up from the new parent; finding the task means the parent
		// is inside the task's own subtree.
		for ancestor := parent; ancestor.ParentTaskID != 0; {
			if ancestor.ParentTaskID == id {
				return fmt.Errorf("task %d under %d: %w", id, newParentID, ErrCycle)
			}
			ancestor, err = getTaskTx(tx, ancestor.ParentTaskID)
			if err != nil {
				return err
			}
		}

		if _, err := tx.Exec("UPDATE tasks SET parent_task_id = ? WHERE id = ?", newParentID, id); err != nil {
			return fmt.Errorf("set parent: %w", err)
		}

		// Iterative BFS over the subtree, recomputing depth and root per node.
		type node struct {
			id    int64
			depth int
		}
		queue := []node{{id: id, depth: parent.Depth + 1}}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]

			if _, err := tx.Exec("UPDATE tasks SET depth = ?, root_task_id = ? WHERE id = ?",
				cur.depth, parent.RootTaskID, cur.id); err != nil {
				return fmt.Errorf("update subtree node %d: %w", cur.id, err)
			}

			rows, err := tx.Query("SELECT id FROM tasks WHERE parent_task_id = ?", cur.id)
			if err != nil {
				return fmt.Errorf("list subtree children: %w", err)
			}
			for rows.Next() {
				var childID int64
				if err := rows.Scan(&childID); err != nil {
					rows.Close()
					return fmt.Errorf("scan subtree child: %w", err)
				}
				queue = append(queue, node{id: childID, depth: cur.depth + 1})
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return fmt.Errorf("iterate subtree children: %w", err)
			}
			rows.Close()
		}

		updated, err = getTaskTx(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanTask.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask reads a task from a row using the taskColumns order.
func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var workingDir, hostHint, onComplete, metadata, cardRef, output sql.NullString
	var blockedBy, parentID, failedBy sql.NullInt64
	var createdAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(&t.ID, &t.Creator, &t.Assignee, &t.Subject, &t.Prompt,
		&workingDir, &hostHint, &t.Status, &blockedBy, &parentID,
		&t.RootTaskID, &t.Depth, &onComplete, &metadata, &cardRef,
		&t.RetryCount, &output, &failedBy, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.WorkingDir = workingDir.String
	t.HostHint = hostHint.String
	t.OnComplete = onComplete.String
	t.CardRef = cardRef.String
	t.Output = output.String
	t.BlockedByTaskID = blockedBy.Int64
	t.ParentTaskID = parentID.Int64
	t.FailedByTaskID = failedBy.Int64
	t.CreatedAt, _ = parseTime(createdAt)
	t.StartedAt = parseNullableTime(startedAt)
	t.CompletedAt = parseNullableTime(completedAt)

	if metadata.Valid && metadata.String != "" {
		var m models.TaskMetadata
		if err := json.Unmarshal([]byte(metadata.String), &m); err == nil {
			t.Metadata = &m
		}
	}

	return &t, nil
}

// scanTasks drains a result set into a slice of tasks.
func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// getTaskTx reads a task inside an open transaction.
func getTaskTx(tx *sql.Tx, id int64) (*models.Task, error) {
	row := tx.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// marshalMetadata serializes task metadata for storage. Empty metadata is
// stored as NULL.
func marshalMetadata(m *models.TaskMetadata) (any, error) {
	if m.Empty() {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

// nullString returns NULL for empty strings.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullID returns NULL for zero IDs.
func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
