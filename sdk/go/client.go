package nodegridsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal nodegrid HTTP API client. Set BearerToken for user
// operations, or APIKey to act as a node agent.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "api",
		Timeout:  10 * time.Second,
	}
}

// Node represents the API node model. APIKey is only present in the
// response to the call that registered the node.
type Node struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	OrganizationID  int64  `json:"organization_id"`
	CollaborationID int64  `json:"collaboration_id"`
	APIKey          string `json:"api_key,omitempty"`
	CreatedAt       string `json:"created_at"`
}

// Task represents a unit of computation fanned out to a collaboration.
type Task struct {
	ID              int64        `json:"id"`
	Name            string       `json:"name"`
	CollaborationID int64        `json:"collaboration_id"`
	Image           string       `json:"image"`
	Input           string       `json:"input,omitempty"`
	CreatedAt       string       `json:"created_at"`
	Results         []TaskResult `json:"results,omitempty"`
}

// TaskResult is one node's slot for a task's output.
type TaskResult struct {
	ID         int64   `json:"id"`
	TaskID     int64   `json:"task_id"`
	NodeID     int64   `json:"node_id"`
	Output     *string `json:"output"`
	StartedAt  *string `json:"started_at"`
	FinishedAt *string `json:"finished_at"`
}

// Organization represents a participating institution.
type Organization struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// Collaboration groups organizations around shared computations.
type Collaboration struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	OrganizationIDs []int64 `json:"organization_ids"`
	CreatedAt       string  `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login exchanges a username/password for a bearer token and stores it on
// the client for subsequent calls.
func (c *Client) Login(ctx context.Context, username, password string) error {
	body := map[string]any{
		"username": username,
		"password": password,
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.do(ctx, http.MethodPost, "token/user", body, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.AccessToken
	return nil
}

// CreateNode registers a node in a collaboration on behalf of the caller's
// organization. The returned Node carries the freshly issued API key.
func (c *Client) CreateNode(ctx context.Context, collaborationID int64) (Node, error) {
	body := map[string]any{"collaboration_id": collaborationID}
	var resp Node
	err := c.do(ctx, http.MethodPost, "nodes", body, &resp)
	return resp, err
}

// Nodes lists the nodes visible to the caller.
func (c *Client) Nodes(ctx context.Context) ([]Node, error) {
	var resp []Node
	err := c.do(ctx, http.MethodGet, "nodes", nil, &resp)
	return resp, err
}

// Node fetches a single node by id.
func (c *Client) Node(ctx context.Context, id int64) (Node, error) {
	var resp Node
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("node/%d", id), nil, &resp)
	return resp, err
}

// UpdateNode reassigns a node to a collaboration. An unknown id registers a
// fresh node instead.
func (c *Client) UpdateNode(ctx context.Context, id, collaborationID int64) (Node, error) {
	body := map[string]any{"collaboration_id": collaborationID}
	var resp Node
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("node/%d", id), body, &resp)
	return resp, err
}

// DeleteNode removes a node registration.
func (c *Client) DeleteNode(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("node/%d", id), nil, nil)
}

// OpenResults is the node-agent polling primitive: the results assigned to
// the node that still await output.
func (c *Client) OpenResults(ctx context.Context, nodeID int64) ([]TaskResult, error) {
	var resp []TaskResult
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("node/%d/task?state=open", nodeID), nil, &resp)
	return resp, err
}

// NodeResults lists all results assigned to a node, finished or not.
func (c *Client) NodeResults(ctx context.Context, nodeID int64) ([]TaskResult, error) {
	var resp []TaskResult
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("node/%d/task", nodeID), nil, &resp)
	return resp, err
}

// Result fetches a task result by id.
func (c *Client) Result(ctx context.Context, id int64) (TaskResult, error) {
	var resp TaskResult
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("result/%d", id), nil, &resp)
	return resp, err
}

// FinishResult submits output for an open result. It requires node
// credentials and fails with 409 if the result is already finished.
func (c *Client) FinishResult(ctx context.Context, id int64, output string) (TaskResult, error) {
	body := map[string]any{"output": output}
	var resp TaskResult
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("result/%d", id), body, &resp)
	return resp, err
}

// CreateTask creates a task and fans it out to the collaboration's nodes.
func (c *Client) CreateTask(ctx context.Context, name string, collaborationID int64, image, input string) (Task, error) {
	body := map[string]any{
		"name":             name,
		"collaboration_id": collaborationID,
		"image":            image,
		"input":            input,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

// Tasks lists tasks, optionally for one collaboration.
func (c *Client) Tasks(ctx context.Context, collaborationID int64) ([]Task, error) {
	endpoint := "tasks"
	if collaborationID > 0 {
		endpoint = fmt.Sprintf("tasks?collaboration_id=%d", collaborationID)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Task fetches a task by id.
func (c *Client) Task(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("task/%d", id), nil, &resp)
	return resp, err
}

// Organizations lists organizations visible to the caller.
func (c *Client) Organizations(ctx context.Context) ([]Organization, error) {
	var resp []Organization
	err := c.do(ctx, http.MethodGet, "organizations", nil, &resp)
	return resp, err
}

// Collaborations lists all collaborations.
func (c *Client) Collaborations(ctx context.Context) ([]Collaboration, error) {
	var resp []Collaboration
	err := c.do(ctx, http.MethodGet, "collaborations", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + c.basePath() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) basePath() string {
	if c.BasePath == "" {
		return "api"
	}
	return strings.Trim(c.BasePath, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
