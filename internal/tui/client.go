package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fentz26/hub/internal/models"
	"github.com/fentz26/hub/internal/scheduler"
)

// Client timeouts. Starting and stopping wait for the engine.
const (
	DefaultClientTimeout = 10 * time.Second
	EngineClientTimeout  = 10 * time.Minute
)

// Client wraps HTTP calls to the hub API
type Client struct {
	baseURL    string
	httpClient *http.Client
	slowClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: DefaultClientTimeout},
		slowClient: &http.Client{Timeout: EngineClientTimeout},
	}
}

// APIError is a non-2xx response from the hub.
type APIError struct {
	Status  int    `json:"-"`
	Title   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details"`
}

func (e *APIError) Error() string {
	msg := e.Title
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return msg
}

func (c *Client) do(hc *http.Client, method, path string, in any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return nil, apiErr
	}
	return data, nil
}

func (c *Client) getJSON(path string, out any) error {
	data, err := c.do(c.httpClient, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// ListTasks fetches tasks, optionally only those with status.
func (c *Client) ListTasks(status string) ([]models.Task, error) {
	var tasks []models.Task
	if err := c.getJSON("/api/tasks", &tasks); err != nil {
		return nil, err
	}
	if status == "" {
		return tasks, nil
	}
	filtered := tasks[:0]
	for _, t := range tasks {
		if string(t.Status) == status {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

// GetTask fetches a single task
func (c *Client) GetTask(id string) (*models.Task, error) {
	var task models.Task
	if err := c.getJSON("/api/tasks/"+url.PathEscape(id), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CreateTask creates a new task and returns it.
func (c *Client) CreateTask(description string) (*models.Task, error) {
	data, err := c.do(c.httpClient, http.MethodPost, "/api/tasks", map[string]string{"description": description})
	if err != nil {
		return nil, err
	}
	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// SetTaskStatus updates a task's status. Moving to in-progress may start a
// pipeline, so it uses the long timeout.
func (c *Client) SetTaskStatus(taskID string, status models.TaskStatus) error {
	_, err := c.do(c.slowClient, http.MethodPut, "/api/tasks/"+url.PathEscape(taskID), map[string]string{"status": string(status)})
	return err
}

// DeleteTask removes a task.
func (c *Client) DeleteTask(taskID string) error {
	_, err := c.do(c.httpClient, http.MethodDelete, "/api/tasks/"+url.PathEscape(taskID), nil)
	return err
}

// ListPipelines fetches the pipelines of taskID, newest first.
func (c *Client) ListPipelines(taskID string) ([]models.Pipeline, error) {
	var pipelines []models.Pipeline
	err := c.getJSON("/api/pipelines?task="+url.QueryEscape(taskID), &pipelines)
	return pipelines, err
}

// CreatePipeline starts a new pipeline for taskID.
func (c *Client) CreatePipeline(taskID, description string) (*models.Pipeline, error) {
	data, err := c.do(c.slowClient, http.MethodPost, "/api/pipelines", map[string]string{
		"taskId":      taskID,
		"description": description,
	})
	if err != nil {
		return nil, err
	}
	var p models.Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// StopPipeline stops a running pipeline.
func (c *Client) StopPipeline(id string) error {
	_, err := c.do(c.slowClient, http.MethodPost, "/api/pipelines/"+url.PathEscape(id)+"/stop", nil)
	return err
}

// PipelineOutput fetches the engine's "status" or "logs" text.
func (c *Client) PipelineOutput(id, kind string) (string, error) {
	data, err := c.do(c.httpClient, http.MethodGet, "/api/pipelines/"+url.PathEscape(id)+"/"+kind, nil)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GetWorkers fetches auto-start dispatcher stats. It returns nil when the
// daemon runs without auto-start.
func (c *Client) GetWorkers() (*scheduler.Stats, error) {
	var resp struct {
		Enabled bool             `json:"enabled"`
		Stats   *scheduler.Stats `json:"stats"`
	}
	if err := c.getJSON("/api/workers", &resp); err != nil {
		return nil, err
	}
	if !resp.Enabled {
		return nil, nil
	}
	return resp.Stats, nil
}

// CheckHealth checks if the daemon is healthy
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var health struct {
		OK      bool   `json:"ok"`
		Storage string `json:"storage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}
	if !health.OK {
		return false, fmt.Errorf("storage: %s", health.Storage)
	}
	return true, nil
}
