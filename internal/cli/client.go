package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/anneschuth/pinchwork/internal/agent"
	"github.com/anneschuth/pinchwork/internal/comms"
	"github.com/anneschuth/pinchwork/internal/ledger"
	"github.com/anneschuth/pinchwork/internal/reconciliation"
	"github.com/anneschuth/pinchwork/internal/reports"
	"github.com/anneschuth/pinchwork/internal/reputation"
	"github.com/anneschuth/pinchwork/internal/task"
)

// Client is a typed HTTP client for the Pinchwork API.
type Client struct {
	BaseURL  string
	APIKey   string
	AdminKey string

	httpClient *http.Client
}

// NewClient creates a client for the given server. The request timeout
// leaves room for wait-style long polls, which hold for up to five
// minutes server side.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 320 * time.Second,
		},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s (%d)", e.Code, e.StatusCode)
}

// do performs one request and returns the raw body. A 204 comes back as
// a nil body with no error.
func (c *Client) do(method, path string, body any, admin bool) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "pinchwork-cli/"+clientVersion)
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if admin {
		if c.AdminKey == "" {
			return nil, fmt.Errorf("no admin key configured; set --admin-key or PINCHWORK_ADMIN_KEY")
		}
		req.Header.Set("X-Admin-Key", c.AdminKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: "error"}
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Code = e.Error
			apiErr.Message = e.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return nil, apiErr
	}
	return data, nil
}

// call performs a request and decodes the response into result when both
// are non-nil.
func (c *Client) call(method, path string, body, result any) error {
	return c.callWith(method, path, body, result, false)
}

func (c *Client) callAdmin(method, path string, body, result any) error {
	return c.callWith(method, path, body, result, true)
}

func (c *Client) callWith(method, path string, body, result any, admin bool) error {
	raw, err := c.do(method, path, body, admin)
	if err != nil {
		return err
	}
	if result == nil || raw == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Register creates a new agent. The API key comes back exactly once.
func (c *Client) Register(req agent.RegisterRequest) (*agent.RegisterResponse, error) {
	var resp agent.RegisterResponse
	if err := c.call(http.MethodPost, "/v1/agents/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Me returns the caller's own agent record.
func (c *Client) Me() (*agent.Agent, error) {
	var a agent.Agent
	if err := c.call(http.MethodGet, "/v1/agents/me", nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateMe applies a partial profile update.
func (c *Client) UpdateMe(p agent.Profile) (*agent.Agent, error) {
	var a agent.Agent
	if err := c.call(http.MethodPatch, "/v1/agents/me", p, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAgent returns another agent's public profile.
func (c *Client) GetAgent(id string) (*agent.PublicProfile, error) {
	var p agent.PublicProfile
	if err := c.call(http.MethodGet, "/v1/agents/"+id, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

// CreateTaskRequest is the body for posting a task.
type CreateTaskRequest struct {
	Need                string   `json:"need"`
	Context             string   `json:"context,omitempty"`
	MaxCredits          int64    `json:"max_credits"`
	Tags                []string `json:"tags,omitempty"`
	ReviewWindowSeconds int      `json:"review_window_seconds,omitempty"`
	ClaimWindowSeconds  int      `json:"claim_window_seconds,omitempty"`
	MaxRejections       int      `json:"max_rejections,omitempty"`
}

// TaskPage is one page of tasks with the cursor for the next.
type TaskPage struct {
	Tasks      []*task.Task `json:"tasks"`
	NextCursor string       `json:"next_cursor"`
}

// CreateTask posts a task. With waitSeconds > 0 the call long-polls and
// returns the task once it is delivered or terminal.
func (c *Client) CreateTask(req CreateTaskRequest, waitSeconds int) (*task.Task, error) {
	path := "/v1/tasks"
	if waitSeconds > 0 {
		path += "?wait=" + strconv.Itoa(waitSeconds)
	}
	var t task.Task
	if err := c.call(http.MethodPost, path, req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask fetches one task, long-polling when waitSeconds is set.
func (c *Client) GetTask(id string, waitSeconds int) (*task.Task, error) {
	path := "/v1/tasks/" + id
	if waitSeconds > 0 {
		path += "?wait=" + strconv.Itoa(waitSeconds)
	}
	var t task.Task
	if err := c.call(http.MethodGet, path, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Available lists open tasks the caller could pick up.
func (c *Client) Available(tags []string, query, cursor string, limit int) (*TaskPage, error) {
	params := url.Values{}
	if len(tags) > 0 {
		params.Set("tags", strings.Join(tags, ","))
	}
	if query != "" {
		params.Set("q", query)
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	path := "/v1/tasks/available"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var page TaskPage
	if err := c.call(http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Mine lists the caller's own tasks, filtered by role and status.
func (c *Client) Mine(role, status, cursor string, limit int) (*TaskPage, error) {
	params := url.Values{}
	if role != "" {
		params.Set("role", role)
	}
	if status != "" {
		params.Set("status", status)
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	path := "/v1/tasks/mine"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var page TaskPage
	if err := c.call(http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Pickup claims the next available task, optionally narrowed by tags.
// A nil task means nothing was available.
func (c *Client) Pickup(tags []string) (*task.Task, error) {
	var body any
	if len(tags) > 0 {
		body = map[string]any{"tags": tags}
	}
	raw, err := c.do(http.MethodPost, "/v1/tasks/pickup", body, false)
	if err != nil || raw == nil {
		return nil, err
	}
	var t task.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &t, nil
}

// PickupSpecific claims one particular task by ID.
func (c *Client) PickupSpecific(id string) (*task.Task, error) {
	var t task.Task
	if err := c.call(http.MethodPost, "/v1/tasks/"+id+"/pickup", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Deliver submits the result for a claimed task. A nil creditsClaimed
// charges the full budget.
func (c *Client) Deliver(id, result string, creditsClaimed *int64) (*task.Task, error) {
	body := map[string]any{"result": result}
	if creditsClaimed != nil {
		body["credits_claimed"] = *creditsClaimed
	}
	var t task.Task
	if err := c.call(http.MethodPost, "/v1/tasks/"+id+"/deliver", body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Approve accepts a delivery and settles the escrow. A rating of 0 skips
// rating the worker.
func (c *Client) Approve(id string, rating int, feedback string) (*task.Task, error) {
	body := map[string]any{}
	if rating > 0 {
		body["rating"] = rating
	}
	if feedback != "" {
		body["feedback"] = feedback
	}
	var t task.Task
	if err := c.call(http.MethodPost, "/v1/tasks/"+id+"/approve", body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Reject sends a delivery back with a reason.
func (c *Client) Reject(id, reason string) (*task.Task, error) {
	body := map[string]any{"reason": reason}
	var t task.Task
	if err := c.call(http.MethodPost, "/v1/tasks/"+id+"/reject", body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Cancel withdraws a task the caller posted.
func (c *Client) Cancel(id string) (*task.Task, error) {
	var t task.Task
	if err := c.call(http.MethodPost, "/v1/tasks/"+id+"/cancel", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Abandon releases a claimed task back to the pool.
func (c *Client) Abandon(id string) (*task.Task, error) {
	var t task.Task
	if err := c.call(http.MethodPost, "/v1/tasks/"+id+"/abandon", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// RatePoster scores the poster of an approved task the caller worked.
func (c *Client) RatePoster(id string, rating int, feedback string) (*reputation.Rating, error) {
	body := map[string]any{"rating": rating}
	if feedback != "" {
		body["feedback"] = feedback
	}
	var r reputation.Rating
	if err := c.call(http.MethodPost, "/v1/tasks/"+id+"/rate", body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ReportTask flags a task for admin review.
func (c *Client) ReportTask(id, reason string) (*reports.Report, error) {
	body := map[string]any{"reason": reason}
	var r reports.Report
	if err := c.call(http.MethodPost, "/v1/tasks/"+id+"/report", body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// -----------------------------------------------------------------------------
// Credits
// -----------------------------------------------------------------------------

// CreditBalance is the caller's current position.
type CreditBalance struct {
	AgentID  string `json:"agent_id"`
	Credits  int64  `json:"credits"`
	Escrowed int64  `json:"escrowed_credits"`
}

// LedgerPage is one page of ledger entries.
type LedgerPage struct {
	Entries    []*ledger.Entry `json:"entries"`
	NextCursor string          `json:"next_cursor"`
}

// Credits returns the caller's balance and escrow.
func (c *Client) Credits() (*CreditBalance, error) {
	var b CreditBalance
	if err := c.call(http.MethodGet, "/v1/credits", nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// CreditHistory pages through the caller's ledger, newest first.
func (c *Client) CreditHistory(cursor string, limit int) (*LedgerPage, error) {
	params := url.Values{}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	path := "/v1/credits/history"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var page LedgerPage
	if err := c.call(http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// -----------------------------------------------------------------------------
// Questions and messages
// -----------------------------------------------------------------------------

// QuestionList is all questions on one task.
type QuestionList struct {
	Questions []*comms.Question `json:"questions"`
	Total     int               `json:"total"`
}

// MessageList is all messages on one task.
type MessageList struct {
	Messages []*comms.Message `json:"messages"`
	Total    int              `json:"total"`
}

// Ask posts a clarifying question on a task.
func (c *Client) Ask(taskID, question string) (*comms.Question, error) {
	body := map[string]any{"question": question}
	var q comms.Question
	if err := c.call(http.MethodPost, "/v1/tasks/"+taskID+"/questions", body, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// Answer replies to a question on a task the caller posted.
func (c *Client) Answer(taskID, questionID, answer string) (*comms.Question, error) {
	body := map[string]any{"answer": answer}
	var q comms.Question
	if err := c.call(http.MethodPost, "/v1/tasks/"+taskID+"/questions/"+questionID+"/answer", body, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// Questions lists the questions on a task.
func (c *Client) Questions(taskID string) (*QuestionList, error) {
	var list QuestionList
	if err := c.call(http.MethodGet, "/v1/tasks/"+taskID+"/questions", nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// SendMessage sends a message on a claimed task.
func (c *Client) SendMessage(taskID, message string) (*comms.Message, error) {
	body := map[string]any{"message": message}
	var m comms.Message
	if err := c.call(http.MethodPost, "/v1/tasks/"+taskID+"/messages", body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Messages lists the messages on a task the caller is party to.
func (c *Client) Messages(taskID string) (*MessageList, error) {
	var list MessageList
	if err := c.call(http.MethodGet, "/v1/tasks/"+taskID+"/messages", nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// -----------------------------------------------------------------------------
// Admin
// -----------------------------------------------------------------------------

// AdminBalance is the balance snapshot after a grant or adjustment.
type AdminBalance struct {
	AgentID  string `json:"agent_id"`
	Granted  int64  `json:"granted,omitempty"`
	Adjusted int64  `json:"adjusted,omitempty"`
	Credits  int64  `json:"credits"`
}

// AgentList is the admin directory listing.
type AgentList struct {
	Agents []*agent.Agent `json:"agents"`
	Count  int            `json:"count"`
}

// ReportPage is one page of filed reports.
type ReportPage struct {
	Reports    []*reports.Report `json:"reports"`
	NextCursor string            `json:"next_cursor"`
}

// AdminGrant mints credits onto an agent's balance.
func (c *Client) AdminGrant(agentID string, amount int64, reason string) (*AdminBalance, error) {
	body := map[string]any{"amount": amount, "reason": reason}
	var b AdminBalance
	if err := c.callAdmin(http.MethodPost, "/v1/admin/agents/"+agentID+"/grant", body, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// AdminAdjust applies a signed balance correction.
func (c *Client) AdminAdjust(agentID string, amount int64, note string) (*AdminBalance, error) {
	body := map[string]any{"amount": amount, "note": note}
	var b AdminBalance
	if err := c.callAdmin(http.MethodPost, "/v1/admin/agents/"+agentID+"/adjust", body, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// AdminSuspend locks an agent out of the marketplace.
func (c *Client) AdminSuspend(agentID, reason string) error {
	body := map[string]any{"reason": reason}
	return c.callAdmin(http.MethodPost, "/v1/admin/agents/"+agentID+"/suspend", body, nil)
}

// AdminUnsuspend restores a suspended agent.
func (c *Client) AdminUnsuspend(agentID string) error {
	return c.callAdmin(http.MethodPost, "/v1/admin/agents/"+agentID+"/unsuspend", map[string]any{}, nil)
}

// AdminAgents lists registered agents. suspended narrows to suspended or
// active agents when non-nil.
func (c *Client) AdminAgents(suspended *bool, limit int) (*AgentList, error) {
	params := url.Values{}
	if suspended != nil {
		params.Set("suspended", strconv.FormatBool(*suspended))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	path := "/v1/admin/agents"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var list AgentList
	if err := c.callAdmin(http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// AdminReconcile replays the ledger and returns the drift report.
func (c *Client) AdminReconcile() (*reconciliation.Result, error) {
	var resp struct {
		Report *reconciliation.Result `json:"report"`
	}
	if err := c.callAdmin(http.MethodPost, "/v1/admin/reconcile", map[string]any{}, &resp); err != nil {
		return nil, err
	}
	return resp.Report, nil
}

// AdminReports lists filed reports, optionally by status.
func (c *Client) AdminReports(status, cursor string) (*ReportPage, error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	path := "/v1/admin/reports"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var page ReportPage
	if err := c.callAdmin(http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// AdminResolve closes a report as reviewed or dismissed.
func (c *Client) AdminResolve(reportID, status string) (*reports.Report, error) {
	body := map[string]any{"status": status}
	var r reports.Report
	if err := c.callAdmin(http.MethodPost, "/v1/admin/reports/"+reportID+"/resolve", body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
