package exec

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// GroupRunner implements ProcessRunner using os/exec with setpgid, so a
// whole session (the command and anything it spawns) can be signaled and
// liveness-checked as one unit.
type GroupRunner struct{}

// NewRunner creates a new GroupRunner.
func NewRunner() *GroupRunner {
	return &GroupRunner{}
}

// StartGroup launches a command as a new process group leader. The
// command is deliberately not bound to a context: a session must outlive
// the request that dispatched it, so only SignalGroup ends it early.
func (r *GroupRunner) StartGroup(workDir string, env []string, sink OutputSink, name string, args ...string) (int, <-chan error, error) {
	cmd := exec.Command(name, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.Stdout = sink
	cmd.Stderr = sink
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, nil, fmt.Errorf("start %s: %w", name, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	return cmd.Process.Pid, done, nil
}

// SignalGroup sends SIGTERM to the process group led by pid.
func (r *GroupRunner) SignalGroup(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	// Negative pid targets the whole group.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process group %d: %w", pid, err)
	}
	return nil
}

// Alive reports whether the process with the given pid still exists.
// Signal 0 probes for existence without affecting the process. An EPERM
// answer still means the process is alive.
func (r *GroupRunner) Alive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, nil
	}
	err = process.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, syscall.EPERM):
		return true, nil
	case errors.Is(err, os.ErrProcessDone), errors.Is(err, syscall.ESRCH):
		return false, nil
	default:
		return false, fmt.Errorf("probe pid %d: %w", pid, err)
	}
}

// Verify GroupRunner implements ProcessRunner at compile time.
var _ ProcessRunner = (*GroupRunner)(nil)
