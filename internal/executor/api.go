// Package executor implements the per-host remote executor daemon. It
// accepts dispatch requests over HTTP, runs each task in an isolated
// git-worktree session, tracks session liveness, and reports terminal
// outcomes back to the task store.
package executor

import "time"

// ExecuteRequest asks the executor to start a session for a task.
type ExecuteRequest struct {
	// TaskID identifies the task being executed.
	TaskID int64 `json:"task_id"`
	// Prompt contains the full work instructions.
	Prompt string `json:"prompt"`
	// Subject is the short task label, used for branch naming and logs.
	Subject string `json:"subject"`
	// WorkingDir optionally overrides the repository the session is
	// isolated from.
	WorkingDir string `json:"working_dir,omitempty"`
	// Env carries extra KEY=VALUE pairs for the session process.
	Env []string `json:"env,omitempty"`
}

// ExecuteResponse acknowledges an accepted dispatch.
type ExecuteResponse struct {
	TaskID int64 `json:"task_id"`
	// Handle is the opaque OS-level session identifier (the process
	// group leader's pid).
	Handle int `json:"handle"`
	// Branch is the isolated worktree branch the session runs on.
	Branch string `json:"branch"`
}

// KillResponse reports the outcome of a kill request.
type KillResponse struct {
	TaskID int64 `json:"task_id"`
	// Terminated is false if the session was already gone.
	Terminated bool `json:"terminated"`
}

// HealthResponse is the unauthenticated liveness probe payload.
type HealthResponse struct {
	// Host is the executor's host identity.
	Host string `json:"host"`
	// ActiveSessions is the number of currently tracked sessions.
	ActiveSessions int `json:"active_sessions"`
	// UptimeSeconds is how long the executor has been running.
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// SessionInfo describes one tracked session.
type SessionInfo struct {
	TaskID       int64     `json:"task_id"`
	Handle       int       `json:"handle"`
	Subject      string    `json:"subject"`
	Branch       string    `json:"branch"`
	WorktreePath string    `json:"worktree_path"`
	StartedAt    time.Time `json:"started_at"`
}

// ActiveResponse lists tracked sessions plus any orphaned worktrees
// discovered on disk but unknown to the registry.
type ActiveResponse struct {
	Sessions []SessionInfo `json:"sessions"`
	// Orphans are worktree branches found on disk that no tracked
	// session owns. They indicate drift between the registry and the
	// host, usually after an executor restart.
	Orphans []string `json:"orphans,omitempty"`
}
