package taskboardsdk

import (
	"bufio"
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

// Client is a minimal Taskboard HTTP API client.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:5000/api.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		Timeout: 10 * time.Second,
	}
}

type UserRef struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is a board task as returned by the API.
type Task struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	AssignedUserID *string   `json:"assigned_user_id,omitempty"`
	AssignedUser   *UserRef  `json:"assigned_user,omitempty"`
	Status         string    `json:"status"`
	Priority       string    `json:"priority"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Action is one audit entry.
type Action struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	TaskID    *string   `json:"task_id,omitempty"`
	Snapshot  Task      `json:"snapshot"`
	CreatedAt time.Time `json:"created_at"`
	User      *UserRef  `json:"user,omitempty"`
	Task      *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"task,omitempty"`
}

type TaskCreate struct {
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	AssignedUserID string `json:"assigned_user_id,omitempty"`
	Status         string `json:"status,omitempty"`
	Priority       string `json:"priority,omitempty"`
}

// TaskUpdate is a partial update. Nil fields are left untouched; the Clear
// flags send an explicit null.
type TaskUpdate struct {
	Title             *string
	Description       *string
	AssignedUserID    *string
	Status            *string
	Priority          *string
	ClearDescription  bool
	ClearAssignee     bool
	ExpectedUpdatedAt *time.Time
}

func (u TaskUpdate) body() map[string]any {
	body := map[string]any{}
	if u.Title != nil {
		body["title"] = *u.Title
	}
	if u.Description != nil {
		body["description"] = *u.Description
	}
	if u.ClearDescription {
		body["description"] = nil
	}
	if u.AssignedUserID != nil {
		body["assigned_user_id"] = *u.AssignedUserID
	}
	if u.ClearAssignee {
		body["assigned_user_id"] = nil
	}
	if u.Status != nil {
		body["status"] = *u.Status
	}
	if u.Priority != nil {
		body["priority"] = *u.Priority
	}
	if u.ExpectedUpdatedAt != nil {
		body["expected_updated_at"] = u.ExpectedUpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return body
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]json.RawMessage
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// VersionConflict is returned by UpdateTask when the task changed since the
// caller's ExpectedUpdatedAt.
type VersionConflict struct {
	Server Task
	Client Task
}

func (e *VersionConflict) Error() string {
	return fmt.Sprintf("version conflict on task %s: server updated_at %s", e.Server.ID, e.Server.UpdatedAt.Format(time.RFC3339Nano))
}

// Result is a mutated task. AuditWarning is set when the mutation
// succeeded but its audit entry was not recorded.
type Result struct {
	Task         Task
	AuditWarning string
}

func (c *Client) CreateTask(ctx context.Context, in TaskCreate) (Result, error) {
	var res Result
	hdr, err := c.do(ctx, http.MethodPost, "tasks", in, &res.Task)
	res.AuditWarning = hdr.Get("X-Audit-Warning")
	return res, err
}

func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	_, err := c.do(ctx, http.MethodGet, "tasks", nil, &resp)
	return resp.Items, err
}

// UpdateTask applies a partial update. A stale ExpectedUpdatedAt yields a
// *VersionConflict.
func (c *Client) UpdateTask(ctx context.Context, id string, in TaskUpdate) (Result, error) {
	var res Result
	hdr, err := c.do(ctx, http.MethodPut, "tasks/"+url.PathEscape(id), in.body(), &res.Task)
	res.AuditWarning = hdr.Get("X-Audit-Warning")
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == "version_conflict" {
		conflict := &VersionConflict{}
		if raw, ok := apiErr.Details["server_version"]; ok {
			_ = json.Unmarshal(raw, &conflict.Server)
		}
		if raw, ok := apiErr.Details["client_version"]; ok {
			_ = json.Unmarshal(raw, &conflict.Client)
		}
		return res, conflict
	}
	return res, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) (string, error) {
	var resp struct {
		Msg string `json:"msg"`
		ID  string `json:"id"`
	}
	hdr, err := c.do(ctx, http.MethodDelete, "tasks/"+url.PathEscape(id), nil, &resp)
	return hdr.Get("X-Audit-Warning"), err
}

func (c *Client) SmartAssign(ctx context.Context, id string) (Result, error) {
	var res Result
	hdr, err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/smart-assign", nil, &res.Task)
	res.AuditWarning = hdr.Get("X-Audit-Warning")
	return res, err
}

// Actions returns the most recent audit entries, newest first. limit 0 uses
// the server default.
func (c *Client) Actions(ctx context.Context, limit int) ([]Action, error) {
	endpoint := "actions"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Action `json:"items"`
	}
	_, err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Users(ctx context.Context) ([]User, error) {
	var resp struct {
		Items []User `json:"items"`
	}
	_, err := c.do(ctx, http.MethodGet, "users", nil, &resp)
	return resp.Items, err
}

func (c *Client) Me(ctx context.Context) (string, *User, error) {
	var resp struct {
		UserID string `json:"user_id"`
		User   *User  `json:"user"`
	}
	_, err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp.UserID, resp.User, err
}

// DevLogin exchanges a user id for a token on servers with dev login
// enabled and stores the token on the client.
func (c *Client) DevLogin(ctx context.Context, userID string) (User, error) {
	var resp struct {
		Token string `json:"token"`
		User  User   `json:"user"`
	}
	_, err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]string{"user_id": userID}, &resp)
	if err != nil {
		return User{}, err
	}
	c.Token = resp.Token
	return resp.User, nil
}

// StreamEvent is one server-sent event.
type StreamEvent struct {
	ID   string
	Type string
	Data json.RawMessage
}

// Stream reads the live event stream and calls fn for each event until ctx
// is done, the server ends the stream, or fn returns an error. A clean end
// of stream returns nil.
func (c *Client) Stream(ctx context.Context, fn func(StreamEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)
	// The stream is long lived; the client timeout must not apply.
	client := &http.Client{}
	if c.HTTPClient != nil {
		client.Transport = c.HTTPClient.Transport
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var (
		cur  StreamEvent
		data bytes.Buffer
	)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if data.Len() > 0 || cur.Type != "" {
				cur.Data = append(json.RawMessage(nil), data.Bytes()...)
				if err := fn(cur); err != nil {
					return err
				}
			}
			cur = StreamEvent{}
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			cur.ID = value
		case "event":
			cur.Type = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) (http.Header, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return http.Header{}, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return http.Header{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return http.Header{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return resp.Header, readAPIError(resp)
	}
	if out != nil {
		return resp.Header, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.Header, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}

func readAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string                     `json:"code"`
			Message string                     `json:"message"`
			Details map[string]json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(b, &env); err == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
