package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CrowderSoup/boardsync/database"
)

// apiResponse is the envelope every backend endpoint answers with.
type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Token   string          `json:"token,omitempty"`
}

// APIClient talks to the REST backend. Every request carries the bearer
// token in the Authorization header.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
	log        logrus.FieldLogger

	mu    sync.RWMutex
	token string
}

func NewAPIClient(baseURL, token string, httpClient *http.Client, logger logrus.FieldLogger) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &APIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		log:        logger,
		token:      token,
	}
}

func (c *APIClient) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *APIClient) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var envelope apiResponse
	decodeErr := json.Unmarshal(raw, &envelope)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := envelope.Error
		if msg == "" {
			msg = envelope.Message
		}
		if decodeErr != nil {
			msg = strings.TrimSpace(string(raw))
		}
		c.log.WithFields(logrus.Fields{"method": method, "path": path, "status": resp.StatusCode}).Debug("api request failed")
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return fmt.Errorf("failed to decode response: %w", decodeErr)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode %s %s data: %w", method, path, err)
		}
	}
	return nil
}

// Login obtains a session token from the dev backend and stores it.
func (c *APIClient) Login(ctx context.Context, username string) (string, database.User, error) {
	var out struct {
		Token string        `json:"token"`
		User  database.User `json:"user"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{"username": username}, &out); err != nil {
		return "", database.User{}, err
	}
	c.SetToken(out.Token)
	return out.Token, out.User, nil
}

func (c *APIClient) ListProjects(ctx context.Context) ([]database.Project, error) {
	var out []database.Project
	err := c.do(ctx, http.MethodGet, "/api/projects", nil, &out)
	return out, err
}

func (c *APIClient) ListBoards(ctx context.Context, projectID string) ([]database.Board, error) {
	var out []database.Board
	err := c.do(ctx, http.MethodGet, "/api/boards?projectId="+url.QueryEscape(projectID), nil, &out)
	return out, err
}

func (c *APIClient) ListBoardTasks(ctx context.Context, boardID string) ([]database.Task, error) {
	var out []database.Task
	err := c.do(ctx, http.MethodGet, "/api/tasks/board/"+url.PathEscape(boardID), nil, &out)
	return out, err
}

func (c *APIClient) CreateTask(ctx context.Context, in database.TaskInput) (database.Task, error) {
	var out database.Task
	err := c.do(ctx, http.MethodPost, "/api/tasks", in, &out)
	return out, err
}

func (c *APIClient) UpdateTask(ctx context.Context, id string, patch database.TaskPatch) (database.Task, error) {
	var out database.Task
	err := c.do(ctx, http.MethodPut, "/api/tasks/"+url.PathEscape(id), patch, &out)
	return out, err
}

func (c *APIClient) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil)
}

func (c *APIClient) ListCollections(ctx context.Context, projectID string) ([]database.Collection, error) {
	var out []database.Collection
	err := c.do(ctx, http.MethodGet, "/api/collections/project/"+url.PathEscape(projectID), nil, &out)
	return out, err
}

func (c *APIClient) CreateCollection(ctx context.Context, in database.CollectionInput) (database.Collection, error) {
	var out database.Collection
	err := c.do(ctx, http.MethodPost, "/api/collections", in, &out)
	return out, err
}

func (c *APIClient) UpdateCollection(ctx context.Context, id string, patch database.CollectionPatch) (database.Collection, error) {
	var out database.Collection
	err := c.do(ctx, http.MethodPut, "/api/collections/"+url.PathEscape(id), patch, &out)
	return out, err
}

func (c *APIClient) DeleteCollection(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/collections/"+url.PathEscape(id), nil, nil)
}

func (c *APIClient) ReorderCollections(ctx context.Context, r database.CollectionReorder) ([]database.Collection, error) {
	var out []database.Collection
	err := c.do(ctx, http.MethodPut, "/api/collections/reorder", r, &out)
	return out, err
}

func (c *APIClient) CreateSubtask(ctx context.Context, taskID string, in database.SubtaskInput) (database.Subtask, error) {
	var out database.Subtask
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/subtasks", in, &out)
	return out, err
}

func (c *APIClient) UpdateSubtask(ctx context.Context, taskID, subtaskID string, patch database.SubtaskPatch) (database.Subtask, error) {
	var out database.Subtask
	err := c.do(ctx, http.MethodPut, "/api/tasks/"+url.PathEscape(taskID)+"/subtasks/"+url.PathEscape(subtaskID), patch, &out)
	return out, err
}

func (c *APIClient) DeleteSubtask(ctx context.Context, taskID, subtaskID string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(taskID)+"/subtasks/"+url.PathEscape(subtaskID), nil, nil)
}
