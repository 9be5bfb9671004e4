package tasksheetsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Tasksheet HTTP API client bound to one project.
type Client struct {
	BaseURL     string
	Project     string
	Operator    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, project, operator string) *Client {
	return &Client{
		BaseURL:  baseURL,
		Project:  project,
		Operator: operator,
		Timeout:  10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID             string            `json:"id"`
	SequenceNumber string            `json:"sequence_number"`
	Sheet          string            `json:"sheet"`
	Project        string            `json:"project"`
	ProjectID      string            `json:"project_id"`
	Version        int               `json:"version"`
	Name           string            `json:"name"`
	Phase          string            `json:"phase"`
	Condition      string            `json:"condition"`
	Priority       string            `json:"priority"`
	Duration       string            `json:"duration"`
	Percent        int               `json:"completion_percentage"`
	Completed      bool              `json:"completed"`
	InProgress     bool              `json:"in_progress"`
	InProgressBy   string            `json:"in_progress_by"`
	ProgressReport string            `json:"progress_report"`
	CompletedBy    string            `json:"completed_by"`
	CompletedAt    string            `json:"completed_at"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// Ref addresses a task by sheet and id or sequence number.
type Ref struct {
	Sheet string
	Task  string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == "version_conflict"
}

// ListOptions filter ListTasks.
type ListOptions struct {
	Sheet      string
	InProgress bool
}

// ListTasks returns the project's tasks.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) ([]Task, error) {
	q := url.Values{}
	if opts.Sheet != "" {
		q.Set("sheet", opts.Sheet)
	}
	if opts.InProgress {
		q.Set("in_progress", "true")
	}
	endpoint := c.projectPath("tasks")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, ref Ref) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.taskPath(ref, ""), nil, &resp)
	return resp, err
}

// StartTask marks the task in progress for the client operator.
// expectedVersion is skipped when zero.
func (c *Client) StartTask(ctx context.Context, ref Ref, expectedVersion int) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(ref, "start"), versioned(expectedVersion, nil), &resp)
	return resp, err
}

// CompleteTask completes the task, optionally recording a final report.
func (c *Client) CompleteTask(ctx context.Context, ref Ref, expectedVersion int, report string) (Task, error) {
	body := map[string]any{}
	if report != "" {
		body["progress_report"] = report
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(ref, "complete"), versioned(expectedVersion, body), &resp)
	return resp, err
}

// ReopenTask reopens a completed task with a new duration.
func (c *Client) ReopenTask(ctx context.Context, ref Ref, expectedVersion int, duration string) (Task, error) {
	body := map[string]any{}
	if duration != "" {
		body["duration"] = duration
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(ref, "reopen"), versioned(expectedVersion, body), &resp)
	return resp, err
}

// RestoreTask reverts the task to its last audited state.
func (c *Client) RestoreTask(ctx context.Context, ref Ref) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(ref, "restore"), nil, &resp)
	return resp, err
}

func versioned(expected int, body map[string]any) map[string]any {
	if body == nil {
		body = map[string]any{}
	}
	if expected > 0 {
		body["expected_version"] = expected
	}
	if len(body) == 0 {
		return nil
	}
	return body
}

func (c *Client) do(ctx context.Context, method, endpoint string, body map[string]any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.Operator != "":
		req.Header.Set("X-Operator", c.Operator)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) taskPath(ref Ref, action string) string {
	p := fmt.Sprintf("sheets/%s/tasks/%s", url.PathEscape(ref.Sheet), url.PathEscape(ref.Task))
	if action != "" {
		p += "/" + action
	}
	return c.projectPath(p)
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.Project)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
