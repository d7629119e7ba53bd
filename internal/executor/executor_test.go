package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/aspen/internal/exec"
	"github.com/ShayCichocki/aspen/internal/oplog"
	"github.com/ShayCichocki/aspen/pkg/models"
)

// fakeGit implements git.Runner in memory.
type fakeGit struct {
	mu        sync.Mutex
	worktrees map[string]string // path -> branch
	dirty     map[string]bool   // path -> has uncommitted changes
	porcelain string
	removed   []string
	deleted   []string
	addErr    error
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		worktrees: make(map[string]string),
		dirty:     make(map[string]bool),
	}
}

func (g *fakeGit) DeleteBranch(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, name)
	return nil
}

func (g *fakeGit) HasChangesIn(dir string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dirty[dir], nil
}

func (g *fakeGit) WorktreeAddNewBranch(path, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.addErr != nil {
		return g.addErr
	}
	g.worktrees[path] = branch
	return nil
}

func (g *fakeGit) WorktreeRemove(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removed = append(g.removed, path)
	delete(g.worktrees, path)
	return nil
}

func (g *fakeGit) WorktreeListPorcelain() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.porcelain, nil
}

type startCall struct {
	workDir string
	env     []string
	name    string
	args    []string
}

// fakeProcs implements exec.ProcessRunner with scripted outcomes.
type fakeProcs struct {
	mu       sync.Mutex
	nextPID  int
	started  []startCall
	dones    map[int]chan error
	startErr error
	signaled []int
	sigErr   error
	alive    map[int]bool
	aliveErr map[int]error
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{
		nextPID:  100,
		dones:    make(map[int]chan error),
		alive:    make(map[int]bool),
		aliveErr: make(map[int]error),
	}
}

func (p *fakeProcs) StartGroup(workDir string, env []string, sink exec.OutputSink, name string, args ...string) (int, <-chan error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return 0, nil, p.startErr
	}
	p.nextPID++
	pid := p.nextPID
	p.started = append(p.started, startCall{workDir: workDir, env: env, name: name, args: args})
	done := make(chan error, 1)
	p.dones[pid] = done
	p.alive[pid] = true
	return pid, done, nil
}

func (p *fakeProcs) SignalGroup(pid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sigErr != nil {
		return p.sigErr
	}
	p.signaled = append(p.signaled, pid)
	return nil
}

func (p *fakeProcs) Alive(pid int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.aliveErr[pid]; err != nil {
		return false, err
	}
	return p.alive[pid], nil
}

// finish makes the session for pid exit with the given error.
func (p *fakeProcs) finish(pid int, err error) {
	p.mu.Lock()
	done := p.dones[pid]
	p.alive[pid] = false
	p.mu.Unlock()
	done <- err
}

type report struct {
	taskID int64
	status models.TaskStatus
	output string
}

// fakeReporter implements Reporter in memory.
type fakeReporter struct {
	mu       sync.Mutex
	reports  []report
	statuses map[int64]models.TaskStatus
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{statuses: make(map[int64]models.TaskStatus)}
}

func (f *fakeReporter) Report(_ context.Context, taskID int64, status models.TaskStatus, output string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report{taskID: taskID, status: status, output: output})
	return nil
}

func (f *fakeReporter) TaskStatus(_ context.Context, taskID int64) (models.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.statuses[taskID]
	if !ok {
		return "", fmt.Errorf("task %d not found", taskID)
	}
	return s, nil
}

func (f *fakeReporter) lastReport(t *testing.T) report {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reports) == 0 {
		t.Fatal("expected at least one report")
	}
	return f.reports[len(f.reports)-1]
}

func (f *fakeReporter) reportCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reports)
}

func setupEmber(t *testing.T) (*Ember, *fakeProcs, *fakeGit, *fakeReporter) {
	t.Helper()
	procs := newFakeProcs()
	gitRunner := newFakeGit()
	reporter := newFakeReporter()
	e := New(Config{
		Host:         "worker-1",
		Capacity:     2,
		RepoPath:     "/repo",
		WorktreeBase: t.TempDir(),
		AgentCommand: []string{"agent", "--task", "{task_id}", "--prompt", "{prompt}"},
	}, procs, reporter, oplog.Nop())
	e.newWorkspace = func(string) (*Workspace, error) {
		return NewWorkspace(e.cfg.WorktreeBase, gitRunner)
	}
	return e, procs, gitRunner, reporter
}

func TestExecuteStartsSession(t *testing.T) {
	e, procs, gitRunner, _ := setupEmber(t)

	resp, err := e.Execute(context.Background(), ExecuteRequest{
		TaskID:  7,
		Prompt:  "fix the bug",
		Subject: "bugfix",
		Env:     []string{"EXTRA=1"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if resp.TaskID != 7 || resp.Handle == 0 {
		t.Errorf("unexpected response %+v", resp)
	}
	if !strings.HasPrefix(resp.Branch, "aspen-task-7-") {
		t.Errorf("branch = %q, want aspen-task-7- prefix", resp.Branch)
	}
	if e.registry.Get(7) == nil {
		t.Error("session not registered")
	}
	if len(gitRunner.worktrees) != 1 {
		t.Errorf("worktrees = %d, want 1", len(gitRunner.worktrees))
	}

	call := procs.started[0]
	if call.name != "agent" {
		t.Errorf("command = %q, want agent", call.name)
	}
	wantArgs := []string{"--task", "7", "--prompt", "fix the bug"}
	if len(call.args) != len(wantArgs) {
		t.Fatalf("args = %v, want %v", call.args, wantArgs)
	}
	for i := range wantArgs {
		if call.args[i] != wantArgs[i] {
			t.Errorf("args[%d] = %q, want %q", i, call.args[i], wantArgs[i])
		}
	}

	foundTaskEnv := false
	for _, kv := range call.env {
		if kv == "ASPEN_TASK_ID=7" {
			foundTaskEnv = true
		}
	}
	if !foundTaskEnv {
		t.Errorf("env missing ASPEN_TASK_ID: %v", call.env)
	}
}

func TestExecuteRejectsOverCapacity(t *testing.T) {
	e, _, _, _ := setupEmber(t)

	for i := int64(1); i <= 2; i++ {
		if _, err := e.Execute(context.Background(), ExecuteRequest{TaskID: i, Subject: "s"}); err != nil {
			t.Fatalf("Execute(%d) error = %v", i, err)
		}
	}

	_, err := e.Execute(context.Background(), ExecuteRequest{TaskID: 3, Subject: "s"})
	if !errors.Is(err, ErrBusy) {
		t.Errorf("Execute() error = %v, want ErrBusy", err)
	}
}

func TestExecuteRejectsDuplicateTask(t *testing.T) {
	e, _, _, _ := setupEmber(t)

	if _, err := e.Execute(context.Background(), ExecuteRequest{TaskID: 5, Subject: "s"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	_, err := e.Execute(context.Background(), ExecuteRequest{TaskID: 5, Subject: "s"})
	if !errors.Is(err, ErrBusy) {
		t.Errorf("duplicate Execute() error = %v, want ErrBusy", err)
	}
}

func TestExecuteLaunchFailureCleansWorktree(t *testing.T) {
	e, procs, gitRunner, _ := setupEmber(t)
	procs.startErr = errors.New("no such binary")

	_, err := e.Execute(context.Background(), ExecuteRequest{TaskID: 9, Subject: "s"})
	if err == nil {
		t.Fatal("expected launch error")
	}
	if e.registry.Get(9) != nil {
		t.Error("failed launch left a registered session")
	}
	if len(gitRunner.removed) != 1 {
		t.Errorf("removed worktrees = %d, want 1", len(gitRunner.removed))
	}
}

func TestCleanExitReportsCompleted(t *testing.T) {
	e, procs, gitRunner, reporter := setupEmber(t)
	reporter.statuses[4] = models.TaskStatusInProgress

	resp, err := e.Execute(context.Background(), ExecuteRequest{TaskID: 4, Subject: "s"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	procs.finish(resp.Handle, nil)
	e.Wait()

	r := reporter.lastReport(t)
	if r.taskID != 4 || r.status != models.TaskStatusCompleted {
		t.Errorf("report = %+v, want task 4 completed", r)
	}
	if e.registry.Get(4) != nil {
		t.Error("session still registered after exit")
	}
	if len(gitRunner.removed) != 1 {
		t.Errorf("clean worktree not removed, removed = %v", gitRunner.removed)
	}
	if len(gitRunner.deleted) != 1 {
		t.Errorf("session branch not deleted, deleted = %v", gitRunner.deleted)
	}
}

func TestCrashBeforeStartingWork(t *testing.T) {
	e, procs, _, reporter := setupEmber(t)
	reporter.statuses[11] = models.TaskStatusLaunched

	resp, err := e.Execute(context.Background(), ExecuteRequest{TaskID: 11, Subject: "s"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	procs.finish(resp.Handle, errors.New("exit status 1"))
	e.Wait()

	r := reporter.lastReport(t)
	if r.status != models.TaskStatusFailed {
		t.Errorf("status = %s, want failed", r.status)
	}
	if !strings.Contains(r.output, "crashed before starting work") {
		t.Errorf("output = %q, want crash-before-start phrasing", r.output)
	}
}

func TestCrashMidWork(t *testing.T) {
	e, procs, _, reporter := setupEmber(t)
	reporter.statuses[12] = models.TaskStatusInProgress

	resp, err := e.Execute(context.Background(), ExecuteRequest{TaskID: 12, Subject: "s"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	procs.finish(resp.Handle, errors.New("exit status 1"))
	e.Wait()

	r := reporter.lastReport(t)
	if r.status != models.TaskStatusFailed {
		t.Errorf("status = %s, want failed", r.status)
	}
	if strings.Contains(r.output, "crashed before starting work") {
		t.Errorf("output = %q, should not claim crash before start", r.output)
	}
}

func TestKilledTaskGetsNoFailureReport(t *testing.T) {
	e, procs, _, reporter := setupEmber(t)
	reporter.statuses[13] = models.TaskStatusKilled

	resp, err := e.Execute(context.Background(), ExecuteRequest{TaskID: 13, Subject: "s"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	procs.finish(resp.Handle, errors.New("signal: terminated"))
	e.Wait()

	if n := reporter.reportCount(); n != 0 {
		t.Errorf("reports = %d, want 0 for an already-killed task", n)
	}
}

func TestDirtyWorktreePreserved(t *testing.T) {
	e, procs, gitRunner, reporter := setupEmber(t)
	reporter.statuses[6] = models.TaskStatusInProgress

	resp, err := e.Execute(context.Background(), ExecuteRequest{TaskID: 6, Subject: "s"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	s := e.registry.Get(6)
	gitRunner.mu.Lock()
	gitRunner.dirty[s.WorktreePath] = true
	gitRunner.mu.Unlock()

	procs.finish(resp.Handle, nil)
	e.Wait()

	if len(gitRunner.removed) != 0 {
		t.Errorf("dirty worktree was removed: %v", gitRunner.removed)
	}
}

func TestKillSignalsGroup(t *testing.T) {
	e, procs, _, _ := setupEmber(t)

	resp, err := e.Execute(context.Background(), ExecuteRequest{TaskID: 20, Subject: "s"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	kr := e.Kill(20)
	if !kr.Terminated {
		t.Error("Kill() Terminated = false, want true")
	}
	if len(procs.signaled) != 1 || procs.signaled[0] != resp.Handle {
		t.Errorf("signaled = %v, want [%d]", procs.signaled, resp.Handle)
	}
}

func TestKillUnknownTaskIsIdempotent(t *testing.T) {
	e, _, _, _ := setupEmber(t)

	kr := e.Kill(999)
	if kr.Terminated {
		t.Error("Kill() of unknown task reported Terminated = true")
	}
}

func TestReapPurgesDeadSessions(t *testing.T) {
	e, procs, _, _ := setupEmber(t)

	r1, err := e.Execute(context.Background(), ExecuteRequest{TaskID: 1, Subject: "s"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, err := e.Execute(context.Background(), ExecuteRequest{TaskID: 2, Subject: "s"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	procs.mu.Lock()
	procs.alive[r1.Handle] = false
	procs.mu.Unlock()

	if purged := e.Reap(); purged != 1 {
		t.Errorf("Reap() = %d, want 1", purged)
	}
	if e.registry.Get(1) != nil {
		t.Error("dead session still registered")
	}
	if e.registry.Get(2) == nil {
		t.Error("live session was purged")
	}
}

func TestReapKeepsSessionOnProbeError(t *testing.T) {
	e, procs, _, _ := setupEmber(t)

	resp, err := e.Execute(context.Background(), ExecuteRequest{TaskID: 1, Subject: "s"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	procs.mu.Lock()
	procs.aliveErr[resp.Handle] = errors.New("probe failed")
	procs.mu.Unlock()

	if purged := e.Reap(); purged != 0 {
		t.Errorf("Reap() = %d, want 0 on probe error", purged)
	}
	if e.registry.Get(1) == nil {
		t.Error("session purged despite probe error")
	}
}

func TestActiveReportsOrphans(t *testing.T) {
	e, _, gitRunner, _ := setupEmber(t)

	if _, err := e.Execute(context.Background(), ExecuteRequest{TaskID: 3, Subject: "s"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	tracked := e.registry.Get(3)
	gitRunner.mu.Lock()
	gitRunner.porcelain = strings.Join([]string{
		"worktree /repo",
		"branch refs/heads/main",
		"",
		"worktree /w/" + tracked.Branch,
		"branch refs/heads/" + tracked.Branch,
		"",
		"worktree /w/aspen-task-42-deadbeef",
		"branch refs/heads/aspen-task-42-deadbeef",
	}, "\n")
	gitRunner.mu.Unlock()

	resp := e.Active()
	if len(resp.Sessions) != 1 {
		t.Errorf("sessions = %d, want 1", len(resp.Sessions))
	}
	if len(resp.Orphans) != 1 || resp.Orphans[0] != "aspen-task-42-deadbeef" {
		t.Errorf("orphans = %v, want [aspen-task-42-deadbeef]", resp.Orphans)
	}
}

func TestTailBufferKeepsOnlyTail(t *testing.T) {
	tb := newTailBuffer(8)
	tb.Write([]byte("0123456789"))
	if got := tb.String(); got != "23456789" {
		t.Errorf("tail = %q, want %q", got, "23456789")
	}
	tb.Write([]byte("ab"))
	if got := tb.String(); got != "456789ab" {
		t.Errorf("tail = %q, want %q", got, "456789ab")
	}
}

func TestRunReaperStopsOnCancel(t *testing.T) {
	e, _, _, _ := setupEmber(t)
	e.cfg.ReapInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		e.RunReaper(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop on context cancel")
	}
}
