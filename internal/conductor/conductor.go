// Package conductor runs the reconciliation loop that keeps task trees
// moving without a human in the loop: it retries failed work, spawns
// follow-up tasks declared at creation time, and fails launches that
// never started.
package conductor

import (
	"context"
	"fmt"
	"time"

	"github.com/ShayCichocki/aspen/internal/oplog"
	"github.com/ShayCichocki/aspen/internal/resolver"
	"github.com/ShayCichocki/aspen/internal/state"
	"github.com/ShayCichocki/aspen/pkg/models"
)

// Config holds the conductor's reconciliation settings.
type Config struct {
	// Actor is the identity the conductor acts as. It must be a store
	// administrator.
	Actor string
	// TickInterval is how often reconciliation runs unprompted.
	TickInterval time.Duration
	// RetryCeiling caps automatic retries per task lineage.
	RetryCeiling int
	// StaleLaunched is how long a task may sit in launched before the
	// conductor declares the session lost. Zero disables the check.
	StaleLaunched time.Duration
	// MaxActivePerHost defers follow-up creation while a host's executor
	// is at or above this session count. Zero disables the guardrail.
	MaxActivePerHost int
	// DefaultMaxDepth bounds tree growth when a root carries no explicit
	// depth ceiling in its metadata.
	DefaultMaxDepth int
	// SignalDir, when set, is watched for signal files that trigger an
	// immediate reconciliation.
	SignalDir string
}

// Conductor watches the task store and reacts to terminal outcomes.
type Conductor struct {
	db     *state.DB
	engine *resolver.Engine
	cfg    Config
	log    *oplog.Logger

	kick chan struct{}
}

// New creates a conductor.
func New(db *state.DB, engine *resolver.Engine, cfg Config, log *oplog.Logger) *Conductor {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = 2
	}
	if cfg.DefaultMaxDepth <= 0 {
		cfg.DefaultMaxDepth = 10
	}
	return &Conductor{
		db:     db,
		engine: engine,
		cfg:    cfg,
		log:    log,
		kick:   make(chan struct{}, 1),
	}
}

// Kick requests an immediate reconciliation. Safe from any goroutine;
// coalesces with a pending request.
func (c *Conductor) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// NotifyHook adapts Kick to the engine's terminal-transition hook.
func (c *Conductor) NotifyHook() func(*models.Task) {
	return func(task *models.Task) {
		c.log.Log("notified: task %d is %s", task.ID, task.Status)
		c.Kick()
	}
}

// Run reconciles on every tick, kick, and signal file until ctx is
// cancelled.
func (c *Conductor) Run(ctx context.Context) error {
	var signals <-chan struct{}
	if c.cfg.SignalDir != "" {
		watcher, err := watchSignals(ctx, c.cfg.SignalDir, c.log)
		if err != nil {
			return fmt.Errorf("watch signal directory: %w", err)
		}
		signals = watcher
	}

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-c.kick:
		case <-signals:
		}
		c.Reconcile(ctx)
	}
}

// Reconcile runs one reconciliation pass. Each concern is best-effort
// and independent; an error in one scan never blocks the others.
func (c *Conductor) Reconcile(ctx context.Context) {
	c.failStaleLaunches()
	c.retryFailed(ctx)
	c.spawnFollowUps(ctx)
}

// retryFailed retries failed tasks that actually ran, until the retry
// ceiling for their lineage is reached. Cascade failures are skipped:
// their blocker's retry is the recovery path, and a completed retried
// blocker does not resurrect them.
func (c *Conductor) retryFailed(ctx context.Context) {
	failed, err := c.db.ListTasks(state.TaskFilter{Status: models.TaskStatusFailed})
	if err != nil {
		c.log.Log("retry scan: %v", err)
		return
	}

	for _, task := range failed {
		if task.CascadeFailed() {
			continue
		}
		if task.RetryCount >= c.cfg.RetryCeiling {
			continue
		}
		if task.Depth+1 > c.maxDepthFor(task) {
			c.log.Log("task %d: retry would exceed depth ceiling", task.ID)
			continue
		}
		followed, err := c.hasChildren(task.ID)
		if err != nil {
			c.log.Log("task %d: list children: %v", task.ID, err)
			continue
		}
		if followed {
			continue
		}
		if c.overSessionGuardrail(ctx, task) {
			continue
		}

		retry, err := c.engine.Retry(ctx, task.ID)
		if err != nil {
			c.log.Log("task %d: retry: %v", task.ID, err)
			continue
		}
		c.log.Log("task %d: retried as %d (attempt %d)", task.ID, retry.ID, retry.RetryCount)
	}
}

// spawnFollowUps creates the follow-up task a completed task declared in
// its on-complete prompt. Creation is deferred while the assignee's
// executor is over the session guardrail, and skipped once a follow-up
// child exists.
func (c *Conductor) spawnFollowUps(ctx context.Context) {
	completed, err := c.db.ListTasks(state.TaskFilter{Status: models.TaskStatusCompleted})
	if err != nil {
		c.log.Log("follow-up scan: %v", err)
		return
	}

	for _, task := range completed {
		if task.OnComplete == "" {
			continue
		}
		if task.Depth+1 > c.maxDepthFor(task) {
			c.log.Log("task %d: follow-up would exceed depth ceiling", task.ID)
			continue
		}
		spawned, err := c.hasFollowUp(task)
		if err != nil {
			c.log.Log("task %d: list children: %v", task.ID, err)
			continue
		}
		if spawned {
			continue
		}

		if c.overSessionGuardrail(ctx, task) {
			continue
		}

		child, err := c.engine.Create(ctx, state.CreateTaskInput{
			Creator:      c.cfg.Actor,
			Assignee:     task.Assignee,
			Subject:      "follow-up: " + task.Subject,
			Prompt:       task.OnComplete,
			WorkingDir:   task.WorkingDir,
			HostHint:     task.HostHint,
			ParentTaskID: task.ID,
			Metadata:     task.Metadata,
		})
		if err != nil {
			c.log.Log("task %d: create follow-up: %v", task.ID, err)
			continue
		}
		c.log.Log("task %d: follow-up created as %d", task.ID, child.ID)
	}
}

// failStaleLaunches fails tasks stuck in launched past the staleness
// window. The session either never started or died without reporting;
// failing the task lets the retry scan recover it.
func (c *Conductor) failStaleLaunches() {
	if c.cfg.StaleLaunched <= 0 {
		return
	}

	launched, err := c.db.ListTasks(state.TaskFilter{Status: models.TaskStatusLaunched})
	if err != nil {
		c.log.Log("stale scan: %v", err)
		return
	}

	cutoff := time.Now().Add(-c.cfg.StaleLaunched)
	for _, task := range launched {
		startedAt := task.CreatedAt
		if task.StartedAt != nil {
			startedAt = *task.StartedAt
		}
		if !startedAt.Before(cutoff) {
			continue
		}

		output := fmt.Sprintf("session never started work within %s", c.cfg.StaleLaunched)
		if _, err := c.db.UpdateStatus(task.ID, models.TaskStatusFailed, output, c.cfg.Actor); err != nil {
			c.log.Log("task %d: fail stale launch: %v", task.ID, err)
			continue
		}
		c.log.Log("task %d: failed after %s in launched", task.ID, c.cfg.StaleLaunched)
		// Dependents must not wait on a launch that will never report.
		c.engine.OnFail(context.Background(), task.ID)
	}
}

// overSessionGuardrail reports whether the assignee's executor is at or
// above the per-host session ceiling, deferring any new dispatch for the
// task. A probe error also defers; the next pass re-checks.
func (c *Conductor) overSessionGuardrail(ctx context.Context, task *models.Task) bool {
	if c.cfg.MaxActivePerHost <= 0 {
		return false
	}
	active, err := c.engine.ActiveSessions(ctx, task.Assignee)
	if err != nil {
		c.log.Log("task %d: probe sessions for %s: %v", task.ID, task.Assignee, err)
		return true
	}
	if active >= c.cfg.MaxActivePerHost {
		c.log.Log("task %d: deferred, %s at %d sessions", task.ID, task.Assignee, active)
		return true
	}
	return false
}

// maxDepthFor returns the depth ceiling governing a task's tree, from
// the root's metadata when present.
func (c *Conductor) maxDepthFor(task *models.Task) int {
	root, err := c.db.GetTask(task.RootTaskID)
	if err == nil && root.Metadata != nil && root.Metadata.MaxDepth > 0 {
		return root.Metadata.MaxDepth
	}
	return c.cfg.DefaultMaxDepth
}

func (c *Conductor) hasChildren(id int64) (bool, error) {
	children, err := c.db.ListChildren(id)
	if err != nil {
		return false, err
	}
	return len(children) > 0, nil
}

// hasFollowUp reports whether a conductor-created follow-up child
// already exists for the task.
func (c *Conductor) hasFollowUp(task *models.Task) (bool, error) {
	children, err := c.db.ListChildren(task.ID)
	if err != nil {
		return false, err
	}
	for _, child := range children {
		if child.Creator == c.cfg.Actor && child.Prompt == task.OnComplete {
			return true, nil
		}
	}
	return false, nil
}
