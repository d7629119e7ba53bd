package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ShayCichocki/aspen/internal/state"
	"github.com/ShayCichocki/aspen/pkg/models"
)

// Client is a typed client for the hub API. The actor name travels with
// every mutating request; executors use their host name.
type Client struct {
	baseURL string
	token   string
	actor   string
	http    *http.Client
}

// NewClient creates a hub client acting as the given participant.
func NewClient(baseURL, token, actor string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		actor:   actor,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError carries the HTTP status alongside the hub's error message, so
// callers can map it back to store semantics.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("hub returned %d: %s", e.Status, e.Message)
}

// Unwrap maps API statuses back to the store's sentinel errors.
func (e *apiError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return state.ErrNotFound
	case http.StatusBadRequest:
		return state.ErrInvalid
	case http.StatusConflict:
		return state.ErrConflict
	case http.StatusForbidden:
		return state.ErrUnauthorized
	default:
		return nil
	}
}

// do executes a request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.actor != "" {
		req.Header.Set(actorHeader, c.actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := resp.Status
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var envelope struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != "" {
			msg = envelope.Error
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	var task models.Task
	if err := c.do(ctx, http.MethodPost, "/tasks", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	var task models.Task
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tasks/%d", id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks fetches tasks matching the filter.
func (c *Client) ListTasks(ctx context.Context, filter state.TaskFilter) ([]*models.Task, error) {
	q := url.Values{}
	if filter.Assignee != "" {
		q.Set("assignee", filter.Assignee)
	}
	if filter.Creator != "" {
		q.Set("creator", filter.Creator)
	}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	path := "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var tasks []*models.Task
	if err := c.do(ctx, http.MethodGet, path, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Transition moves a task to a new status.
func (c *Client) Transition(ctx context.Context, id int64, status models.TaskStatus, output string) (*models.Task, error) {
	var task models.Task
	req := TransitionRequest{Status: status, Output: output}
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/tasks/%d", id), req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Retry creates a retry child of a failed task.
func (c *Client) Retry(ctx context.Context, id int64) (*models.Task, error) {
	var task models.Task
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d/retry", id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Kill terminates an active task.
func (c *Client) Kill(ctx context.Context, id int64) (*models.Task, error) {
	var task models.Task
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d/kill", id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Reparent moves a task under a new parent.
func (c *Client) Reparent(ctx context.Context, id, parentID int64) (*models.Task, error) {
	var task models.Task
	req := ReparentRequest{ParentTaskID: parentID}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d/reparent", id), req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTrees fetches the overview of every task tree.
func (c *Client) ListTrees(ctx context.Context) ([]*state.TreeOverview, error) {
	var trees []*state.TreeOverview
	if err := c.do(ctx, http.MethodGet, "/trees", nil, &trees); err != nil {
		return nil, err
	}
	return trees, nil
}

// GetTree fetches the full tree anchored at a task.
func (c *Client) GetTree(ctx context.Context, id int64) (*state.Tree, error) {
	var tree state.Tree
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/trees/%d", id), nil, &tree); err != nil {
		return nil, err
	}
	return &tree, nil
}

// ListExecutors fetches the registered executor endpoints.
func (c *Client) ListExecutors(ctx context.Context) ([]*models.ExecutorEndpoint, error) {
	var eps []*models.ExecutorEndpoint
	if err := c.do(ctx, http.MethodGet, "/executors", nil, &eps); err != nil {
		return nil, err
	}
	return eps, nil
}

// RegisterExecutor announces an executor endpoint.
func (c *Client) RegisterExecutor(ctx context.Context, name, url string) (*models.ExecutorEndpoint, error) {
	var ep models.ExecutorEndpoint
	req := RegisterExecutorRequest{URL: url}
	if err := c.do(ctx, http.MethodPut, "/executors/"+name, req, &ep); err != nil {
		return nil, err
	}
	return &ep, nil
}

// RemoveExecutor withdraws an executor endpoint.
func (c *Client) RemoveExecutor(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/executors/"+name, nil, nil)
}

// Report posts a terminal outcome for a task. It satisfies the executor's
// outcome reporting dependency.
func (c *Client) Report(ctx context.Context, taskID int64, status models.TaskStatus, output string) error {
	_, err := c.Transition(ctx, taskID, status, output)
	return err
}

// TaskStatus reads a task's current status.
func (c *Client) TaskStatus(ctx context.Context, taskID int64) (models.TaskStatus, error) {
	task, err := c.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	return task.Status, nil
}
