// Package exec provides process launching and liveness primitives for
// execution sessions.
package exec

// ProcessRunner defines the interface for launching and controlling
// session processes. This abstraction allows mocking process execution in
// tests.
type ProcessRunner interface {
	// StartGroup launches a command as the leader of a new process group
	// and returns the group leader's pid. The command's combined output is
	// streamed to the provided sink. Wait is called on a background
	// goroutine; the done channel receives the exit error (nil on success)
	// exactly once.
	//
	// The process is detached from the caller: it keeps running after
	// StartGroup returns and ends only by its own exit or SignalGroup.
	StartGroup(workDir string, env []string, sink OutputSink, name string, args ...string) (pid int, done <-chan error, err error)

	// SignalGroup sends a termination signal to the whole process group.
	SignalGroup(pid int) error

	// Alive reports whether the process with the given pid still exists.
	Alive(pid int) (bool, error)
}

// OutputSink receives session output as it is produced.
type OutputSink interface {
	Write(p []byte) (int, error)
}
