// Package todoist is the client for the Todoist REST API v2.
package todoist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/c.mueller/tasksync/internal/auth"
	apperrors "github.com/c.mueller/tasksync/internal/errors"
	"github.com/c.mueller/tasksync/internal/models"
)

// DefaultBaseURL is the public REST endpoint
const DefaultBaseURL = "https://api.todoist.com/rest/v2"

// Service is the subset of the remote API used by the queue and the UI
type Service interface {
	CreateTask(ctx context.Context, input models.CreateTaskInput) (*models.Task, error)
	UpdateTask(ctx context.Context, taskID string, input models.UpdateTaskInput) (*models.Task, error)
	CloseTask(ctx context.Context, taskID string) error
	ReopenTask(ctx context.Context, taskID string) error
	GetTasks(ctx context.Context, projectID string) ([]models.Task, error)
	GetProjects(ctx context.Context) ([]models.Project, error)
	GetSections(ctx context.Context, projectID string) ([]models.Section, error)
}

// Client talks to the remote API over HTTP
type Client struct {
	baseURL string
	http    *http.Client
	tokens  auth.Provider
}

// NewClient creates a client. A zero timeout disables the per-request limit.
func NewClient(baseURL string, timeout time.Duration, tokens auth.Provider) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
	}
}

// CreateTask creates a task and returns it with its server id
func (c *Client) CreateTask(ctx context.Context, input models.CreateTaskInput) (*models.Task, error) {
	var task models.Task
	if err := c.do(ctx, http.MethodPost, "/tasks", input, &task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return &task, nil
}

// UpdateTask changes the given fields of a task
func (c *Client) UpdateTask(ctx context.Context, taskID string, input models.UpdateTaskInput) (*models.Task, error) {
	var task models.Task
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID), input, &task); err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", taskID, err)
	}
	return &task, nil
}

// CloseTask completes a task
func (c *Client) CloseTask(ctx context.Context, taskID string) error {
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/close", nil, nil); err != nil {
		return fmt.Errorf("failed to close task %s: %w", taskID, err)
	}
	return nil
}

// ReopenTask reopens a completed task
func (c *Client) ReopenTask(ctx context.Context, taskID string) error {
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/reopen", nil, nil); err != nil {
		return fmt.Errorf("failed to reopen task %s: %w", taskID, err)
	}
	return nil
}

// GetTasks lists the active tasks of a project
func (c *Client) GetTasks(ctx context.Context, projectID string) ([]models.Task, error) {
	var tasks []models.Task
	if err := c.do(ctx, http.MethodGet, "/tasks?project_id="+url.QueryEscape(projectID), nil, &tasks); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// GetProjects lists the user's projects
func (c *Client) GetProjects(ctx context.Context) ([]models.Project, error) {
	var projects []models.Project
	if err := c.do(ctx, http.MethodGet, "/projects", nil, &projects); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// GetSections lists the sections of a project
func (c *Client) GetSections(ctx context.Context, projectID string) ([]models.Section, error) {
	var sections []models.Section
	if err := c.do(ctx, http.MethodGet, "/sections?project_id="+url.QueryEscape(projectID), nil, &sections); err != nil {
		return nil, fmt.Errorf("failed to list sections: %w", err)
	}
	return sections, nil
}

// do sends one request. A 204 or an empty body leaves out untouched.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	token, ok := c.tokens.Token()
	if !ok {
		return apperrors.New(apperrors.ErrUnauthenticated, "no API token configured")
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalidOperation, "failed to encode request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransportFailure, "failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransportFailure, method+" "+endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		log.Printf("[DEBUG] %s %s returned %d", method, endpoint, resp.StatusCode)
		return apperrors.Rejected(resp.StatusCode, "API error")
	}

	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransportFailure, "failed to read response", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.Wrap(apperrors.ErrTransportFailure, "failed to decode response", err)
	}
	return nil
}
