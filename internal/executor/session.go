package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/aspen/internal/exec"
	"github.com/ShayCichocki/aspen/internal/git"
	"github.com/ShayCichocki/aspen/internal/oplog"
	"github.com/ShayCichocki/aspen/pkg/models"
)

// ErrBusy indicates the executor is at its declared capacity ceiling or
// already runs a session for the task.
var ErrBusy = errors.New("executor busy")

// Reporter posts task outcomes back to the task store.
type Reporter interface {
	// Report transitions a task on behalf of this executor's host.
	Report(ctx context.Context, taskID int64, status models.TaskStatus, output string) error
	// TaskStatus reads a task's current status.
	TaskStatus(ctx context.Context, taskID int64) (models.TaskStatus, error)
}

// Config holds the executor's per-host settings.
type Config struct {
	// Host is the participant name this executor serves.
	Host string
	// Capacity is the maximum number of concurrent sessions. Zero means
	// no ceiling.
	Capacity int
	// RepoPath is the default repository sessions are isolated from.
	RepoPath string
	// WorktreeBase is where session worktrees are created.
	WorktreeBase string
	// AgentCommand is the session command template. The placeholders
	// {prompt}, {subject} and {task_id} are substituted per task.
	AgentCommand []string
	// ReapInterval is how often dead sessions are swept. Zero disables
	// the sweep.
	ReapInterval time.Duration
	// OutputTailBytes caps the captured output reported on failure.
	// Zero uses a default of 4 KiB.
	OutputTailBytes int
}

// Ember is one per-host executor instance. It owns the session registry;
// every read or write of session state goes through it.
type Ember struct {
	cfg      Config
	registry *Registry
	procs    exec.ProcessRunner
	reporter Reporter
	log      *oplog.Logger

	// newWorkspace builds a workspace for the given repository path.
	// Swappable in tests.
	newWorkspace func(repoPath string) (*Workspace, error)

	startedAt time.Time
	wg        sync.WaitGroup
}

// New creates an executor instance.
func New(cfg Config, procs exec.ProcessRunner, reporter Reporter, log *oplog.Logger) *Ember {
	if cfg.OutputTailBytes <= 0 {
		cfg.OutputTailBytes = 4096
	}
	e := &Ember{
		cfg:       cfg,
		registry:  NewRegistry(),
		procs:     procs,
		reporter:  reporter,
		log:       log,
		startedAt: time.Now(),
	}
	e.newWorkspace = func(repoPath string) (*Workspace, error) {
		return NewWorkspace(cfg.WorktreeBase, git.NewRunner(repoPath))
	}
	return e
}

// Health reports host identity, session count, and uptime.
func (e *Ember) Health() HealthResponse {
	return HealthResponse{
		Host:           e.cfg.Host,
		ActiveSessions: e.registry.Count(),
		UptimeSeconds:  int64(time.Since(e.startedAt).Seconds()),
	}
}

// Execute launches an isolated session for the task and returns as soon
// as the session is started; the work itself proceeds asynchronously and
// reports back through the Reporter when the session exits. The context
// bounds only the launch: a started session is detached from it and ends
// only by its own exit or Kill.
func (e *Ember) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.TaskID == 0 {
		return nil, fmt.Errorf("task_id is required")
	}
	if len(e.cfg.AgentCommand) == 0 {
		return nil, fmt.Errorf("no agent command configured")
	}
	if e.cfg.Capacity > 0 && e.registry.Count() >= e.cfg.Capacity {
		return nil, fmt.Errorf("%w: capacity %d reached", ErrBusy, e.cfg.Capacity)
	}
	if e.registry.Get(req.TaskID) != nil {
		return nil, fmt.Errorf("%w: task %d already has a session", ErrBusy, req.TaskID)
	}

	repo := req.WorkingDir
	if repo == "" {
		repo = e.cfg.RepoPath
	}
	ws, err := e.newWorkspace(repo)
	if err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}
	path, branch, err := ws.Create(req.TaskID)
	if err != nil {
		return nil, err
	}

	name, args := e.sessionCommand(req)
	env := append([]string{
		"ASPEN_TASK_ID=" + strconv.FormatInt(req.TaskID, 10),
		"ASPEN_SUBJECT=" + req.Subject,
	}, req.Env...)

	tail := newTailBuffer(e.cfg.OutputTailBytes)
	pid, done, err := e.procs.StartGroup(path, env, tail, name, args...)
	if err != nil {
		// The worktree never ran anything; it is clean by construction.
		if _, cerr := ws.CleanupIfClean(path, branch); cerr != nil {
			e.log.Log("cleanup after failed launch of task %d: %v", req.TaskID, cerr)
		}
		return nil, fmt.Errorf("launch session: %w", err)
	}

	session := &Session{
		TaskID:       req.TaskID,
		Handle:       pid,
		Subject:      req.Subject,
		WorktreePath: path,
		Branch:       branch,
		StartedAt:    time.Now(),
	}
	if !e.registry.Add(session) {
		// Lost a race with a concurrent dispatch for the same task. Tear
		// this session down; the registered one wins.
		if err := e.procs.SignalGroup(pid); err != nil {
			e.log.Log("task %d: tear down duplicate session: %v", req.TaskID, err)
		}
		return nil, fmt.Errorf("%w: task %d already has a session", ErrBusy, req.TaskID)
	}
	e.log.Log("task %d: session started, handle=%d branch=%s", req.TaskID, pid, branch)

	e.wg.Add(1)
	go e.awaitSession(session, ws, tail, done)

	return &ExecuteResponse{TaskID: req.TaskID, Handle: pid, Branch: branch}, nil
}

// sessionCommand expands the agent command template for a request.
func (e *Ember) sessionCommand(req ExecuteRequest) (string, []string) {
	expand := func(s string) string {
		s = strings.ReplaceAll(s, "{prompt}", req.Prompt)
		s = strings.ReplaceAll(s, "{subject}", req.Subject)
		s = strings.ReplaceAll(s, "{task_id}", strconv.FormatInt(req.TaskID, 10))
		return s
	}

	name := expand(e.cfg.AgentCommand[0])
	args := make([]string, 0, len(e.cfg.AgentCommand)-1)
	for _, a := range e.cfg.AgentCommand[1:] {
		args = append(args, expand(a))
	}
	return name, args
}

// awaitSession wraps a running session: whatever the session does, its
// terminal outcome reaches the task store, and its isolated working copy
// is cleaned up when it left no changes behind.
func (e *Ember) awaitSession(s *Session, ws *Workspace, tail *tailBuffer, done <-chan error) {
	defer e.wg.Done()

	exitErr := <-done
	e.registry.RemoveIfHandle(s.TaskID, s.Handle)

	tailOut := tail.String()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if exitErr == nil {
		e.log.Log("task %d: session exited cleanly", s.TaskID)
		if err := e.reporter.Report(ctx, s.TaskID, models.TaskStatusCompleted, tailOut); err != nil {
			e.log.Log("task %d: report completion: %v", s.TaskID, err)
		}
	} else {
		output := e.failureOutput(ctx, s.TaskID, exitErr, tailOut)
		if output != "" {
			e.log.Log("task %d: session failed: %v", s.TaskID, exitErr)
			if err := e.reporter.Report(ctx, s.TaskID, models.TaskStatusFailed, output); err != nil {
				e.log.Log("task %d: report failure: %v", s.TaskID, err)
			}
		}
	}

	removed, err := ws.CleanupIfClean(s.WorktreePath, s.Branch)
	switch {
	case err != nil:
		e.log.Log("task %d: worktree cleanup: %v", s.TaskID, err)
	case removed:
		e.log.Log("task %d: worktree %s removed", s.TaskID, s.Branch)
	default:
		e.log.Log("task %d: worktree %s kept for inspection (dirty)", s.TaskID, s.Branch)
	}
}

// failureOutput builds the failure report for a non-zero session exit,
// distinguishing a crash before any real work (task never left launched)
// from a crash mid-work. An empty return means no report should be sent,
// because the task is already terminal (e.g. it was killed).
func (e *Ember) failureOutput(ctx context.Context, taskID int64, exitErr error, tail string) string {
	phase := "session failed"
	status, err := e.reporter.TaskStatus(ctx, taskID)
	if err != nil {
		e.log.Log("task %d: read status for failure report: %v", taskID, err)
	} else if status.Terminal() {
		return ""
	} else if status == models.TaskStatusLaunched {
		phase = "session crashed before starting work"
	}

	out := fmt.Sprintf("%s: %v", phase, exitErr)
	if tail != "" {
		out += "\n--- output tail ---\n" + tail
	}
	return out
}

// Kill terminates the session for a task if one is still tracked. It is
// idempotent: a missing or already-dead session reports Terminated=false
// without error.
func (e *Ember) Kill(taskID int64) KillResponse {
	s := e.registry.Get(taskID)
	if s == nil {
		return KillResponse{TaskID: taskID, Terminated: false}
	}

	if err := e.procs.SignalGroup(s.Handle); err != nil {
		// Already dead is fine; the waiter or reaper cleans up.
		e.log.Log("task %d: kill signal: %v", taskID, err)
		return KillResponse{TaskID: taskID, Terminated: false}
	}
	e.log.Log("task %d: kill signal sent to group %d", taskID, s.Handle)
	return KillResponse{TaskID: taskID, Terminated: true}
}

// Active returns the tracked sessions plus orphaned session worktrees
// discovered on disk but unknown to the registry.
func (e *Ember) Active() ActiveResponse {
	sessions := e.registry.List()

	resp := ActiveResponse{Sessions: make([]SessionInfo, 0, len(sessions))}
	tracked := make(map[int64]bool, len(sessions))
	for _, s := range sessions {
		tracked[s.TaskID] = true
		resp.Sessions = append(resp.Sessions, SessionInfo{
			TaskID:       s.TaskID,
			Handle:       s.Handle,
			Subject:      s.Subject,
			Branch:       s.Branch,
			WorktreePath: s.WorktreePath,
			StartedAt:    s.StartedAt,
		})
	}

	ws, err := e.newWorkspace(e.cfg.RepoPath)
	if err != nil {
		e.log.Log("orphan scan: prepare workspace: %v", err)
		return resp
	}
	orphans, err := ws.Orphans(tracked)
	if err != nil {
		e.log.Log("orphan scan: %v", err)
		return resp
	}
	resp.Orphans = orphans
	return resp
}

// Wait blocks until all session waiters have finished. Used on shutdown
// and in tests.
func (e *Ember) Wait() {
	e.wg.Wait()
}
