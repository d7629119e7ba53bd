// Package hub exposes the task store and the dependency engine over HTTP.
// It is the single writer for task state; executors and CLI clients all go
// through its API.
package hub

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ShayCichocki/aspen/internal/httpx"
	"github.com/ShayCichocki/aspen/internal/oplog"
	"github.com/ShayCichocki/aspen/internal/resolver"
	"github.com/ShayCichocki/aspen/internal/state"
	"github.com/ShayCichocki/aspen/pkg/models"
)

// actorHeader names the participant performing a mutating request.
const actorHeader = "X-Aspen-Actor"

// Server is the hub HTTP API.
type Server struct {
	db     *state.DB
	engine *resolver.Engine
	log    *oplog.Logger
}

// NewServer creates a hub API server.
func NewServer(db *state.DB, engine *resolver.Engine, log *oplog.Logger) *Server {
	return &Server{db: db, engine: engine, log: log}
}

// CreateTaskRequest is the task creation payload.
type CreateTaskRequest struct {
	Creator         string               `json:"creator"`
	Assignee        string               `json:"assignee"`
	Subject         string               `json:"subject"`
	Prompt          string               `json:"prompt"`
	WorkingDir      string               `json:"working_dir,omitempty"`
	HostHint        string               `json:"host_hint,omitempty"`
	BlockedByTaskID int64                `json:"blocked_by_task_id,omitempty"`
	ParentTaskID    int64                `json:"parent_task_id,omitempty"`
	OnComplete      string               `json:"on_complete,omitempty"`
	Metadata        *models.TaskMetadata `json:"metadata,omitempty"`
	CardRef         string               `json:"card_ref,omitempty"`
}

// TransitionRequest moves a task to a new status.
type TransitionRequest struct {
	Status models.TaskStatus `json:"status"`
	Output string            `json:"output,omitempty"`
}

// ReparentRequest moves a task under a new parent.
type ReparentRequest struct {
	ParentTaskID int64 `json:"parent_task_id"`
}

// RegisterExecutorRequest announces an executor endpoint.
type RegisterExecutorRequest struct {
	URL string `json:"url"`
}

// HealthResponse is the hub liveness payload.
type HealthResponse struct {
	Status string `json:"status"`
}

// Router builds the hub's HTTP surface. The health probe is open;
// everything else requires the bearer token.
func (s *Server) Router(token string) chi.Router {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(httpx.BearerAuth(token))

		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Patch("/tasks/{id}", s.handleTransition)
		r.Post("/tasks/{id}/retry", s.handleRetry)
		r.Post("/tasks/{id}/kill", s.handleKill)
		r.Post("/tasks/{id}/reparent", s.handleReparent)

		r.Get("/trees", s.handleListTrees)
		r.Get("/trees/{id}", s.handleGetTree)

		r.Get("/executors", s.handleListExecutors)
		r.Put("/executors/{name}", s.handleRegisterExecutor)
		r.Delete("/executors/{name}", s.handleRemoveExecutor)
	})

	return r
}

// writeStoreError maps store sentinel errors to HTTP status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, state.ErrInvalid):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, state.ErrConflict), errors.Is(err, state.ErrCycle):
		httpx.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, state.ErrUnauthorized):
		httpx.WriteError(w, http.StatusForbidden, err.Error())
	default:
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// taskID parses the {id} route parameter.
func taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid task id")
		return 0, false
	}
	return id, true
}

// actor extracts the acting participant from the request headers.
func actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	a := r.Header.Get(actorHeader)
	if a == "" {
		httpx.WriteError(w, http.StatusBadRequest, actorHeader+" header is required")
		return "", false
	}
	return a, true
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}

	task, err := s.engine.Create(r.Context(), state.CreateTaskInput{
		Creator:         req.Creator,
		Assignee:        req.Assignee,
		Subject:         req.Subject,
		Prompt:          req.Prompt,
		WorkingDir:      req.WorkingDir,
		HostHint:        req.HostHint,
		BlockedByTaskID: req.BlockedByTaskID,
		ParentTaskID:    req.ParentTaskID,
		OnComplete:      req.OnComplete,
		Metadata:        req.Metadata,
		CardRef:         req.CardRef,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.log.Log("task %d created by %s for %s (%s)", task.ID, task.Creator, task.Assignee, task.Status)
	httpx.WriteJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}

	task, err := s.db.GetTask(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := state.TaskFilter{
		Assignee: q.Get("assignee"),
		Creator:  q.Get("creator"),
		Status:   models.TaskStatus(q.Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		httpx.WriteError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	tasks, err := s.db.ListTasks(filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	who, ok := actor(w, r)
	if !ok {
		return
	}

	var req TransitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	if !req.Status.Valid() {
		httpx.WriteError(w, http.StatusBadRequest, "invalid status")
		return
	}

	task, err := s.engine.Transition(r.Context(), id, req.Status, req.Output, who)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.log.Log("task %d moved to %s by %s", id, req.Status, who)
	httpx.WriteJSON(w, http.StatusOK, task)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}

	retry, err := s.engine.Retry(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.log.Log("task %d retried as %d", id, retry.ID)
	httpx.WriteJSON(w, http.StatusCreated, retry)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	who, ok := actor(w, r)
	if !ok {
		return
	}

	task, err := s.engine.Kill(r.Context(), id, who)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.log.Log("task %d killed by %s", id, who)
	httpx.WriteJSON(w, http.StatusOK, task)
}

func (s *Server) handleReparent(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}

	var req ReparentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}

	task, err := s.db.Reparent(id, req.ParentTaskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.log.Log("task %d reparented under %d", id, req.ParentTaskID)
	httpx.WriteJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTrees(w http.ResponseWriter, r *http.Request) {
	trees, err := s.db.ListTrees()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, trees)
}

func (s *Server) handleGetTree(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}

	tree, err := s.db.GetTree(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, tree)
}

func (s *Server) handleListExecutors(w http.ResponseWriter, r *http.Request) {
	executors, err := s.db.ListExecutors()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, executors)
}

func (s *Server) handleRegisterExecutor(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req RegisterExecutorRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}

	ep, err := s.db.UpsertExecutor(name, req.URL)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.log.Log("executor %s registered at %s", name, req.URL)
	httpx.WriteJSON(w, http.StatusOK, ep)
}

func (s *Server) handleRemoveExecutor(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := s.db.RemoveExecutor(name); err != nil {
		writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusNoContent, nil)
}
