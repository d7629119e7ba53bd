// Package dispatch routes task work to per-host executor daemons over
// HTTP. It resolves an executor endpoint for each task from the endpoint
// registry and speaks the executor's JSON API.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ShayCichocki/aspen/internal/executor"
	"github.com/ShayCichocki/aspen/internal/resolver"
	"github.com/ShayCichocki/aspen/internal/state"
	"github.com/ShayCichocki/aspen/pkg/models"
)

// ErrNoExecutor indicates no endpoint is registered for a host.
var ErrNoExecutor = errors.New("no executor registered")

// HTTPDispatcher implements resolver.Dispatcher against remote executor
// daemons.
type HTTPDispatcher struct {
	db     *state.DB
	token  string
	client *http.Client
}

// New creates a dispatcher resolving endpoints from the given store and
// authenticating with the given bearer token.
func New(db *state.DB, token string) *HTTPDispatcher {
	return &HTTPDispatcher{
		db:    db,
		token: token,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// endpointFor resolves the executor URL serving a task. A host hint on
// the task takes precedence over the assignee's own endpoint.
func (d *HTTPDispatcher) endpointFor(task *models.Task) (string, error) {
	host := task.Assignee
	if task.HostHint != "" {
		host = task.HostHint
	}
	return d.endpointURL(host)
}

func (d *HTTPDispatcher) endpointURL(host string) (string, error) {
	ep, err := d.db.GetExecutor(host)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return "", fmt.Errorf("%w for host %q", ErrNoExecutor, host)
		}
		return "", fmt.Errorf("resolve executor for %q: %w", host, err)
	}
	return ep.URL, nil
}

// Execute asks the task's executor to start a session. A 202 means the
// session was accepted; the outcome arrives later through the task store.
func (d *HTTPDispatcher) Execute(ctx context.Context, task *models.Task) error {
	url, err := d.endpointFor(task)
	if err != nil {
		return err
	}

	req := executor.ExecuteRequest{
		TaskID:     task.ID,
		Prompt:     task.Prompt,
		Subject:    task.Subject,
		WorkingDir: task.WorkingDir,
	}
	var resp executor.ExecuteResponse
	if err := d.post(ctx, url+"/tasks/execute", req, http.StatusAccepted, &resp); err != nil {
		return fmt.Errorf("execute task %d: %w", task.ID, err)
	}
	return nil
}

// Kill asks the task's executor to terminate the session. An already-gone
// session is not an error.
func (d *HTTPDispatcher) Kill(ctx context.Context, task *models.Task) error {
	url, err := d.endpointFor(task)
	if err != nil {
		return err
	}

	var resp executor.KillResponse
	if err := d.post(ctx, fmt.Sprintf("%s/tasks/%d/kill", url, task.ID), nil, http.StatusOK, &resp); err != nil {
		return fmt.Errorf("kill task %d: %w", task.ID, err)
	}
	return nil
}

// ActiveCount reports the session count on a host's executor via its
// health probe.
func (d *HTTPDispatcher) ActiveCount(ctx context.Context, host string) (int, error) {
	url, err := d.endpointURL(host)
	if err != nil {
		return 0, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/health", nil)
	if err != nil {
		return 0, fmt.Errorf("build health request: %w", err)
	}
	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("probe executor %q: %w", host, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("probe executor %q: %s", host, readAPIError(httpResp))
	}
	var health executor.HealthResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&health); err != nil {
		return 0, fmt.Errorf("decode health response: %w", err)
	}
	return health.ActiveSessions, nil
}

// post sends a JSON request and decodes the response if the status
// matches wantStatus.
func (d *HTTPDispatcher) post(ctx context.Context, url string, body interface{}, wantStatus int, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.token)
	}

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != wantStatus {
		return fmt.Errorf("executor returned %d: %s", httpResp.StatusCode, readAPIError(httpResp))
	}
	if out != nil {
		if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// readAPIError extracts the error message from a JSON error envelope,
// falling back to the raw body.
func readAPIError(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(data) == 0 {
		return resp.Status
	}
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	return string(data)
}

// Verify HTTPDispatcher implements resolver.Dispatcher at compile time.
var _ resolver.Dispatcher = (*HTTPDispatcher)(nil)
