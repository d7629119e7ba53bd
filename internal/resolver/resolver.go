// Package resolver implements the dependency/scheduling engine over the
// task store: it decides whether new tasks are immediately runnable and
// propagates completion and failure through chains of blocked tasks.
package resolver

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/aspen/internal/state"
	"github.com/ShayCichocki/aspen/pkg/models"
)

// Dispatcher sends work to remote executors.
type Dispatcher interface {
	// Execute asks the task's assignee executor to start a session.
	// It returns once the session is accepted, not once it finishes.
	Execute(ctx context.Context, task *models.Task) error
	// Kill asks the task's assignee executor to terminate the session.
	Kill(ctx context.Context, task *models.Task) error
	// ActiveCount reports the number of active sessions on the
	// assignee's executor.
	ActiveCount(ctx context.Context, assignee string) (int, error)
}

// Engine coordinates the task store, the dispatcher, and the cascade rules.
type Engine struct {
	db       *state.DB
	dispatch Dispatcher

	// actor is the system identity used for cascade transitions. It must
	// be configured as a store administrator.
	actor string

	// notify, if set, is called after an externally requested transition
	// reaches a terminal state. Cascade-derived transitions do not notify;
	// see OnFail.
	notify func(*models.Task)

	// logf records engine decisions. No-op by default.
	logf func(format string, args ...interface{})
}

// New creates an Engine. The actor is the system identity used for
// cascade-driven status updates.
func New(db *state.DB, dispatch Dispatcher, actor string) *Engine {
	return &Engine{
		db:       db,
		dispatch: dispatch,
		actor:    actor,
		logf:     func(format string, args ...interface{}) {},
	}
}

// SetNotify registers a hook invoked when an externally requested
// transition reaches a terminal state.
func (e *Engine) SetNotify(fn func(*models.Task)) {
	e.notify = fn
}

// SetLogf sets the decision logging function.
func (e *Engine) SetLogf(fn func(format string, args ...interface{})) {
	if fn != nil {
		e.logf = fn
	}
}

// Create persists a new task and, if it has no unresolved blocker,
// dispatches it immediately. The returned task reflects the stored state
// including any blocker auto-clear and the dispatch outcome.
func (e *Engine) Create(ctx context.Context, input state.CreateTaskInput) (*models.Task, error) {
	task, err := e.db.CreateTask(input)
	if err != nil {
		return nil, err
	}

	if task.Blocked() {
		e.logf("task %d created blocked on %d", task.ID, task.BlockedByTaskID)
		return task, nil
	}

	return e.dispatchTask(ctx, task)
}

// dispatchTask sends a pending task to its executor and records the outcome:
// launched on success, failed with a descriptive output on dispatch error.
func (e *Engine) dispatchTask(ctx context.Context, task *models.Task) (*models.Task, error) {
	if err := e.dispatch.Execute(ctx, task); err != nil {
		e.logf("task %d dispatch to %s failed: %v", task.ID, task.Assignee, err)
		return e.db.UpdateStatus(task.ID, models.TaskStatusFailed,
			fmt.Sprintf("dispatch to %s failed: %v", task.Assignee, err), e.actor)
	}

	e.logf("task %d dispatched to %s", task.ID, task.Assignee)
	return e.db.UpdateStatus(task.ID, models.TaskStatusLaunched, "", e.actor)
}

// Transition applies a status change on behalf of an actor and runs the
// dependency reaction: completion unblocks dependents, failure cascades,
// kill does neither.
func (e *Engine) Transition(ctx context.Context, id int64, next models.TaskStatus, output, actor string) (*models.Task, error) {
	task, err := e.db.UpdateStatus(id, next, output, actor)
	if err != nil {
		return nil, err
	}

	switch next {
	case models.TaskStatusCompleted:
		e.OnComplete(ctx, id)
	case models.TaskStatusFailed:
		e.OnFail(ctx, id)
	}

	if task.Status.Terminal() && e.notify != nil {
		e.notify(task)
	}
	return task, nil
}

// OnComplete unblocks every pending task waiting on the completed task and
// attempts to dispatch each. A dispatch failure marks the dependent failed
// but is local to it; the remaining dependents still proceed.
//
// Running OnComplete twice for the same task is a no-op the second time:
// dependents leave pending on the first pass.
func (e *Engine) OnComplete(ctx context.Context, id int64) {
	dependents, err := e.db.ListBlockedOn(id)
	if err != nil {
		e.logf("on-complete of task %d: list dependents: %v", id, err)
		return
	}

	for _, dep := range dependents {
		if err := e.db.ClearBlocker(dep.ID); err != nil {
			e.logf("on-complete of task %d: clear blocker on %d: %v", id, dep.ID, err)
			continue
		}
		launched, err := e.dispatchTask(ctx, dep)
		if err != nil {
			e.logf("on-complete of task %d: dispatch %d: %v", id, dep.ID, err)
			continue
		}
		if launched.Status == models.TaskStatusFailed {
			// The dependent's own dependents must not be left waiting on
			// a task that will never run.
			e.OnFail(ctx, dep.ID)
		}
	}
}

// OnFail propagates failure through the chain of tasks blocked on the
// failed task. The walk uses an explicit work list so unbounded chains
// cannot exhaust the call stack, and it is idempotent: dependents already
// resolved on a previous run are not pending anymore and are skipped.
//
// The cascade is best-effort but never stops partway: a dependent that
// cannot be updated is logged and the walk continues past it.
func (e *Engine) OnFail(ctx context.Context, id int64) {
	queue := []int64{id}
	for len(queue) > 0 {
		failedID := queue[0]
		queue = queue[1:]

		dependents, err := e.db.ListBlockedOn(failedID)
		if err != nil {
			e.logf("cascade from task %d: list dependents: %v", failedID, err)
			continue
		}

		for _, dep := range dependents {
			if err := e.db.ClearBlocker(dep.ID); err != nil {
				e.logf("cascade from task %d: clear blocker on %d: %v", failedID, dep.ID, err)
			}
			_, err := e.db.FailFromCascade(dep.ID, failedID,
				fmt.Sprintf("blocked by task %d which failed", failedID), e.actor)
			if err != nil {
				e.logf("cascade from task %d: fail %d: %v", failedID, dep.ID, err)
			}
			// Recurse into this dependent's own dependents regardless;
			// they must not be left waiting either way.
			queue = append(queue, dep.ID)
		}
	}
}

// Retry creates a fresh child task copying the failed task's work and
// dispatches it immediately. Retry is itself the follow-up action, so it
// never notifies the conductor; a second reconciliation would race with it.
func (e *Engine) Retry(ctx context.Context, id int64) (*models.Task, error) {
	task, err := e.db.GetTask(id)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusFailed {
		return nil, fmt.Errorf("%w: task %d is %s, only failed tasks can be retried", state.ErrConflict, id, task.Status)
	}

	retry, err := e.db.CreateTask(state.CreateTaskInput{
		Creator:      e.actor,
		Assignee:     task.Assignee,
		Subject:      task.Subject,
		Prompt:       task.Prompt,
		WorkingDir:   task.WorkingDir,
		HostHint:     task.HostHint,
		ParentTaskID: task.ID,
		OnComplete:   task.OnComplete,
		Metadata:     task.Metadata,
		RetryCount:   task.RetryCount + 1,
	})
	if err != nil {
		return nil, err
	}

	e.logf("task %d retried as %d (attempt %d)", id, retry.ID, retry.RetryCount)
	return e.dispatchTask(ctx, retry)
}

// Kill terminates an active task: it instructs the assignee's executor to
// tear down the session, then marks the task killed. Kill never cascades.
// Tasks already in a terminal state are rejected with a conflict.
func (e *Engine) Kill(ctx context.Context, id int64, actor string) (*models.Task, error) {
	task, err := e.db.GetTask(id)
	if err != nil {
		return nil, err
	}
	if !task.Status.Active() {
		return nil, fmt.Errorf("%w: task %d is %s, only active tasks can be killed", state.ErrConflict, id, task.Status)
	}

	output := ""
	if err := e.dispatch.Kill(ctx, task); err != nil {
		// Termination beyond "instructed" is best-effort; record the
		// problem but still mark the task killed.
		e.logf("kill task %d: executor instruction failed: %v", id, err)
		output = fmt.Sprintf("kill instruction to %s failed: %v", task.Assignee, err)
	}

	killed, err := e.db.UpdateStatus(id, models.TaskStatusKilled, output, actor)
	if err != nil {
		return nil, err
	}
	if e.notify != nil {
		e.notify(killed)
	}
	return killed, nil
}

// ActiveSessions reports the assignee executor's current session count.
func (e *Engine) ActiveSessions(ctx context.Context, assignee string) (int, error) {
	return e.dispatch.ActiveCount(ctx, assignee)
}
