package conductor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/aspen/internal/oplog"
	"github.com/ShayCichocki/aspen/internal/resolver"
	"github.com/ShayCichocki/aspen/internal/state"
	"github.com/ShayCichocki/aspen/pkg/models"
)

const systemActor = "aspen"

type fakeDispatcher struct {
	mu       sync.Mutex
	executed []int64
	active   map[string]int
}

func (f *fakeDispatcher) Execute(_ context.Context, task *models.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, task.ID)
	return nil
}

func (f *fakeDispatcher) Kill(context.Context, *models.Task) error { return nil }

func (f *fakeDispatcher) ActiveCount(_ context.Context, host string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[host], nil
}

type fixture struct {
	db        *state.DB
	dispatch  *fakeDispatcher
	engine    *resolver.Engine
	conductor *Conductor
}

func setup(t *testing.T, cfg Config) *fixture {
	t.Helper()

	db, err := state.Open(filepath.Join(t.TempDir(), "aspen.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate database: %v", err)
	}
	db.SetAdmins([]string{systemActor})

	dispatch := &fakeDispatcher{active: make(map[string]int)}
	engine := resolver.New(db, dispatch, systemActor)

	cfg.Actor = systemActor
	c := New(db, engine, cfg, oplog.Nop())

	return &fixture{db: db, dispatch: dispatch, engine: engine, conductor: c}
}

// createFailedTask creates a task, runs it, and fails it.
func (f *fixture) createFailedTask(t *testing.T, retryCount int) *models.Task {
	t.Helper()
	task, err := f.engine.Create(context.Background(), state.CreateTaskInput{
		Creator: "alice", Assignee: "worker-1", Subject: "job", Prompt: "do it",
		RetryCount: retryCount,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := f.db.UpdateStatus(task.ID, models.TaskStatusInProgress, "", "worker-1"); err != nil {
		t.Fatalf("start task: %v", err)
	}
	failed, err := f.db.UpdateStatus(task.ID, models.TaskStatusFailed, "exit status 1", "worker-1")
	if err != nil {
		t.Fatalf("fail task: %v", err)
	}
	return failed
}

func TestReconcileRetriesFailedTask(t *testing.T) {
	f := setup(t, Config{RetryCeiling: 2})
	task := f.createFailedTask(t, 0)

	f.conductor.Reconcile(context.Background())

	children, err := f.db.ListChildren(task.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("children = %d, want 1 retry", len(children))
	}
	if children[0].RetryCount != 1 || children[0].Status != models.TaskStatusLaunched {
		t.Errorf("retry = %+v, want launched with retry count 1", children[0])
	}

	// A second pass must not retry again: the failed task already has a
	// follow-up child.
	f.conductor.Reconcile(context.Background())
	children, err = f.db.ListChildren(task.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 1 {
		t.Errorf("children after second pass = %d, want 1", len(children))
	}
}

func TestReconcileHonorsRetryCeiling(t *testing.T) {
	f := setup(t, Config{RetryCeiling: 2})
	task := f.createFailedTask(t, 2)

	f.conductor.Reconcile(context.Background())

	children, err := f.db.ListChildren(task.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 0 {
		t.Errorf("children = %d, want 0 at retry ceiling", len(children))
	}
}

func TestReconcileSkipsCascadeFailures(t *testing.T) {
	f := setup(t, Config{RetryCeiling: 2})
	ctx := context.Background()

	blocker := f.createFailedTask(t, 2)
	dependent, err := f.engine.Create(ctx, state.CreateTaskInput{
		Creator: "alice", Assignee: "worker-1", Subject: "dependent", Prompt: "p",
		BlockedByTaskID: blocker.ID,
	})
	if err == nil {
		// Blocked-on-failed is rejected at create; fail it through the
		// cascade instead by blocking before the failure.
		t.Fatalf("expected create on failed blocker to be rejected, got task %d", dependent.ID)
	}

	// Build the cascade the normal way: block, then fail the blocker.
	a, err := f.engine.Create(ctx, state.CreateTaskInput{
		Creator: "alice", Assignee: "worker-1", Subject: "a", Prompt: "p",
	})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := f.engine.Create(ctx, state.CreateTaskInput{
		Creator: "alice", Assignee: "worker-1", Subject: "b", Prompt: "p",
		BlockedByTaskID: a.ID,
	})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	if _, err := f.engine.Transition(ctx, a.ID, models.TaskStatusFailed, "broke", "worker-1"); err != nil {
		t.Fatalf("fail a: %v", err)
	}

	f.conductor.Reconcile(ctx)

	// a gets a retry; b, failed by the cascade, does not.
	children, err := f.db.ListChildren(b.ID)
	if err != nil {
		t.Fatalf("list children of b: %v", err)
	}
	if len(children) != 0 {
		t.Errorf("cascade-failed task got %d retries, want 0", len(children))
	}
	children, err = f.db.ListChildren(a.ID)
	if err != nil {
		t.Fatalf("list children of a: %v", err)
	}
	if len(children) != 1 {
		t.Errorf("failed task got %d retries, want 1", len(children))
	}
}

func TestRetryDeferredOverSessionGuardrail(t *testing.T) {
	f := setup(t, Config{RetryCeiling: 2, MaxActivePerHost: 2})
	task := f.createFailedTask(t, 0)

	f.dispatch.mu.Lock()
	f.dispatch.active["worker-1"] = 2
	f.dispatch.mu.Unlock()

	f.conductor.Reconcile(context.Background())
	children, err := f.db.ListChildren(task.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 0 {
		t.Errorf("retry dispatched despite guardrail, children = %d", len(children))
	}

	// Capacity freed, next pass retries.
	f.dispatch.mu.Lock()
	f.dispatch.active["worker-1"] = 0
	f.dispatch.mu.Unlock()

	f.conductor.Reconcile(context.Background())
	children, err = f.db.ListChildren(task.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 1 {
		t.Errorf("children = %d, want 1 retry after capacity freed", len(children))
	}
}

func TestRetryJudgesCascadeByRecord_NotOutputText(t *testing.T) {
	f := setup(t, Config{RetryCeiling: 2})
	ctx := context.Background()

	task, err := f.engine.Create(ctx, state.CreateTaskInput{
		Creator: "alice", Assignee: "worker-1", Subject: "job", Prompt: "p",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.db.UpdateStatus(task.ID, models.TaskStatusInProgress, "", "worker-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	// A genuine run failure whose output merely reads like a cascade
	// message must still be retried.
	output := "blocked by task 9 in the external tracker, giving up"
	if _, err := f.db.UpdateStatus(task.ID, models.TaskStatusFailed, output, "worker-1"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	f.conductor.Reconcile(ctx)

	children, err := f.db.ListChildren(task.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 1 {
		t.Errorf("children = %d, want 1 retry for a genuine failure", len(children))
	}
}

func TestReconcileSpawnsFollowUp(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	task, err := f.engine.Create(ctx, state.CreateTaskInput{
		Creator: "alice", Assignee: "worker-1", Subject: "job", Prompt: "p",
		OnComplete: "verify the result",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.engine.Transition(ctx, task.ID, models.TaskStatusCompleted, "", "worker-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	f.conductor.Reconcile(ctx)

	children, err := f.db.ListChildren(task.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("children = %d, want 1 follow-up", len(children))
	}
	child := children[0]
	if child.Prompt != "verify the result" || child.Creator != systemActor {
		t.Errorf("follow-up = %+v", child)
	}
	if child.ParentTaskID != task.ID || child.Depth != 1 {
		t.Errorf("follow-up parented at %d depth %d, want %d depth 1", child.ParentTaskID, child.Depth, task.ID)
	}

	// Idempotent: the follow-up exists, so nothing new is spawned.
	f.conductor.Reconcile(ctx)
	children, err = f.db.ListChildren(task.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 1 {
		t.Errorf("children after second pass = %d, want 1", len(children))
	}
}

func TestFollowUpDeferredOverSessionGuardrail(t *testing.T) {
	f := setup(t, Config{MaxActivePerHost: 2})
	ctx := context.Background()

	task, err := f.engine.Create(ctx, state.CreateTaskInput{
		Creator: "alice", Assignee: "worker-1", Subject: "job", Prompt: "p",
		OnComplete: "verify",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.engine.Transition(ctx, task.ID, models.TaskStatusCompleted, "", "worker-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	f.dispatch.mu.Lock()
	f.dispatch.active["worker-1"] = 2
	f.dispatch.mu.Unlock()

	f.conductor.Reconcile(ctx)
	children, err := f.db.ListChildren(task.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 0 {
		t.Errorf("follow-up spawned despite guardrail, children = %d", len(children))
	}

	// Capacity freed, next pass spawns it.
	f.dispatch.mu.Lock()
	f.dispatch.active["worker-1"] = 0
	f.dispatch.mu.Unlock()

	f.conductor.Reconcile(ctx)
	children, err = f.db.ListChildren(task.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 1 {
		t.Errorf("children = %d, want 1 after capacity freed", len(children))
	}
}

func TestFollowUpHonorsDepthCeiling(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()

	root, err := f.engine.Create(ctx, state.CreateTaskInput{
		Creator: "alice", Assignee: "worker-1", Subject: "root", Prompt: "p",
		OnComplete: "go deeper",
		Metadata:   &models.TaskMetadata{MaxDepth: 1},
	})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	child, err := f.engine.Create(ctx, state.CreateTaskInput{
		Creator: "alice", Assignee: "worker-1", Subject: "child", Prompt: "p",
		ParentTaskID: root.ID,
		OnComplete:   "go even deeper",
	})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	if _, err := f.engine.Transition(ctx, child.ID, models.TaskStatusCompleted, "", "worker-1"); err != nil {
		t.Fatalf("complete child: %v", err)
	}

	f.conductor.Reconcile(ctx)

	children, err := f.db.ListChildren(child.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 0 {
		t.Errorf("follow-up at depth 2 spawned despite ceiling 1")
	}
}

func TestStaleLaunchFailsAndCascades(t *testing.T) {
	f := setup(t, Config{StaleLaunched: time.Minute})
	ctx := context.Background()

	task, err := f.engine.Create(ctx, state.CreateTaskInput{
		Creator: "alice", Assignee: "worker-1", Subject: "job", Prompt: "p",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	dependent, err := f.engine.Create(ctx, state.CreateTaskInput{
		Creator: "alice", Assignee: "worker-1", Subject: "dep", Prompt: "p",
		BlockedByTaskID: task.ID,
	})
	if err != nil {
		t.Fatalf("create dependent: %v", err)
	}

	// Backdate the launch beyond the staleness window.
	old := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	if _, err := f.db.Exec("UPDATE tasks SET started_at = ? WHERE id = ?", old, task.ID); err != nil {
		t.Fatalf("backdate launch: %v", err)
	}

	f.conductor.failStaleLaunches()

	got, err := f.db.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.TaskStatusFailed {
		t.Errorf("stale task status = %s, want failed", got.Status)
	}
	dep, err := f.db.GetTask(dependent.ID)
	if err != nil {
		t.Fatalf("get dependent: %v", err)
	}
	if dep.Status != models.TaskStatusFailed {
		t.Errorf("dependent status = %s, want failed via cascade", dep.Status)
	}
}

func TestSignalFileTriggersReconcile(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals, err := watchSignals(ctx, dir, oplog.Nop())
	if err != nil {
		t.Fatalf("watchSignals() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "poke"), []byte("now"), 0644); err != nil {
		t.Fatalf("write signal file: %v", err)
	}

	select {
	case <-signals:
	case <-time.After(2 * time.Second):
		t.Fatal("no signal received for dropped file")
	}
}

func TestKickCoalesces(t *testing.T) {
	f := setup(t, Config{})
	f.conductor.Kick()
	f.conductor.Kick()
	f.conductor.Kick()

	select {
	case <-f.conductor.kick:
	default:
		t.Fatal("kick channel empty after Kick()")
	}
	select {
	case <-f.conductor.kick:
		t.Fatal("kick channel buffered more than one request")
	default:
	}
}
