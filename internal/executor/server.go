package executor

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ShayCichocki/aspen/internal/httpx"
)

// Router builds the executor's HTTP surface. The health probe is open;
// everything else requires the bearer token.
func (e *Ember) Router(token string) chi.Router {
	r := chi.NewRouter()

	r.Get("/health", e.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(httpx.BearerAuth(token))
		r.Post("/tasks/execute", e.handleExecute)
		r.Post("/tasks/{id}/kill", e.handleKill)
		r.Get("/tasks/active", e.handleActive)
	})

	return r
}

func (e *Ember) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, e.Health())
}

func (e *Ember) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}

	resp, err := e.Execute(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			httpx.WriteError(w, http.StatusConflict, err.Error())
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The session was started, not finished. 202 tells the dispatcher the
	// outcome arrives later through the task store.
	httpx.WriteJSON(w, http.StatusAccepted, resp)
}

func (e *Ember) handleKill(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, e.Kill(id))
}

func (e *Ember) handleActive(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, e.Active())
}
