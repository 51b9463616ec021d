package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for connecting to the Pinchwork API.
type Config struct {
	APIURL string // Base URL, e.g. "https://pinchwork.dev"
	APIKey string // API key, e.g. "pwk-..."
}

// PinchworkClient is a pure HTTP client for the Pinchwork marketplace API.
type PinchworkClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewPinchworkClient creates a new client for the Pinchwork API. The long
// HTTP timeout leaves room for wait-style long polls on task reads.
func NewPinchworkClient(cfg Config) *PinchworkClient {
	return &PinchworkClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 320 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
// A 204 comes back as a nil body with no error.
func (c *PinchworkClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// PostTask posts a new task. waitSeconds > 0 long-polls until the task is
// delivered or terminal, returning the final state.
func (c *PinchworkClient) PostTask(ctx context.Context, need, taskContext string, maxCredits int64, tags []string, waitSeconds int) (json.RawMessage, error) {
	body := map[string]any{
		"need":        need,
		"max_credits": maxCredits,
	}
	if taskContext != "" {
		body["context"] = taskContext
	}
	if len(tags) > 0 {
		body["tags"] = tags
	}

	var q url.Values
	if waitSeconds > 0 {
		q = url.Values{"wait": []string{strconv.Itoa(waitSeconds)}}
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/tasks", q, body)
}

// GetTask reads a task, optionally long-polling for its result.
func (c *PinchworkClient) GetTask(ctx context.Context, taskID string, waitSeconds int) (json.RawMessage, error) {
	var q url.Values
	if waitSeconds > 0 {
		q = url.Values{"wait": []string{strconv.Itoa(waitSeconds)}}
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/tasks/"+taskID, q, nil)
}

// PickupTask claims the oldest available task, optionally narrowed by tags.
// A nil result means nothing was available.
func (c *PinchworkClient) PickupTask(ctx context.Context, tags []string) (json.RawMessage, error) {
	var body any
	if len(tags) > 0 {
		body = map[string]any{"tags": tags}
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/tasks/pickup", nil, body)
}

// PickupSpecific claims one specific task by ID.
func (c *PinchworkClient) PickupSpecific(ctx context.Context, taskID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/tasks/"+taskID+"/pickup", nil, nil)
}

// DeliverTask submits a result for a claimed task. creditsClaimed nil
// charges the full budget.
func (c *PinchworkClient) DeliverTask(ctx context.Context, taskID, result string, creditsClaimed *int64) (json.RawMessage, error) {
	body := map[string]any{"result": result}
	if creditsClaimed != nil {
		body["credits_claimed"] = *creditsClaimed
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/tasks/"+taskID+"/deliver", nil, body)
}

// ApproveTask accepts a delivery, optionally rating the worker 1-5.
func (c *PinchworkClient) ApproveTask(ctx context.Context, taskID string, rating int, feedback string) (json.RawMessage, error) {
	body := map[string]any{}
	if rating > 0 {
		body["rating"] = rating
	}
	if feedback != "" {
		body["feedback"] = feedback
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/tasks/"+taskID+"/approve", nil, body)
}

// RejectTask sends a delivery back with a reason.
func (c *PinchworkClient) RejectTask(ctx context.Context, taskID, reason string) (json.RawMessage, error) {
	body := map[string]string{"reason": reason}
	return c.doRequest(ctx, http.MethodPost, "/v1/tasks/"+taskID+"/reject", nil, body)
}

// GetCredits returns the agent's balance and escrowed credits.
func (c *PinchworkClient) GetCredits(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/credits", nil, nil)
}

// BrowseTasks lists available tasks without claiming any.
func (c *PinchworkClient) BrowseTasks(ctx context.Context, tags []string, queryStr string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if len(tags) > 0 {
		q.Set("tags", strings.Join(tags, ","))
	}
	if queryStr != "" {
		q.Set("q", queryStr)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/tasks/available", q, nil)
}
