package executor

import (
	"sync"
	"time"
)

// Session is one active, isolated execution instance tracked by the
// executor. Sessions live only as long as the underlying process group,
// or until the reaper purges a dead entry.
type Session struct {
	// TaskID is the task this session executes.
	TaskID int64
	// Handle is the pid of the session's process group leader.
	Handle int
	// Subject is the task's short label.
	Subject string
	// WorktreePath is the isolated working copy, empty if isolation was
	// not possible.
	WorktreePath string
	// Branch is the worktree branch name, empty without isolation.
	Branch string
	// StartedAt is when the session was launched.
	StartedAt time.Time
}

// Registry is the executor's owned session table. All access goes through
// its lock; nothing else may hold session state.
type Registry struct {
	mu       sync.Mutex
	sessions map[int64]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[int64]*Session)}
}

// Add registers a session. It returns false if the task already has one.
func (r *Registry) Add(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.TaskID]; exists {
		return false
	}
	r.sessions[s.TaskID] = s
	return true
}

// Get returns the session for a task, or nil if none is tracked.
func (r *Registry) Get(taskID int64) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[taskID]
}

// Remove deletes the session for a task. It returns the removed session,
// or nil if none was tracked.
func (r *Registry) Remove(taskID int64) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[taskID]
	delete(r.sessions, taskID)
	return s
}

// RemoveIfHandle deletes the session for a task only if it still carries
// the given handle. This keeps a reaper sweep from purging a session that
// was concurrently replaced.
func (r *Registry) RemoveIfHandle(taskID int64, handle int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[taskID]
	if s == nil || s.Handle != handle {
		return false
	}
	delete(r.sessions, taskID)
	return true
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns a snapshot of all tracked sessions.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
