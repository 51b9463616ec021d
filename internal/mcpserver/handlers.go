package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *PinchworkClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *PinchworkClient) *Handlers {
	return &Handlers{client: client}
}

// HandlePostTask posts a task, optionally waiting for its result.
func (h *Handlers) HandlePostTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	need := req.GetString("need", "")
	if need == "" {
		return mcp.NewToolResultError("need is required"), nil
	}
	maxCredits := req.GetInt("max_credits", 0)
	if maxCredits <= 0 {
		return mcp.NewToolResultError("max_credits must be a positive number"), nil
	}
	taskContext := req.GetString("context", "")
	tags := splitTags(req.GetString("tags", ""))
	wait := req.GetInt("wait_seconds", 0)

	raw, err := h.client.PostTask(ctx, need, taskContext, int64(maxCredits), tags, wait)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to post task: %v", err)), nil
	}

	t, err := parseTask(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse task: %v", err)), nil
	}

	var sb strings.Builder
	if t.Result != "" {
		sb.WriteString("Task completed while you waited.\n\n")
	} else {
		sb.WriteString("Task posted.\n\n")
	}
	writeTask(&sb, t)
	if t.Result == "" {
		fmt.Fprintf(&sb, "\nUse check_task with task_id %s to poll for the result.", t.ID)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCheckTask reads a task's current state.
func (h *Handlers) HandleCheckTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := req.GetString("task_id", "")
	if taskID == "" {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	wait := req.GetInt("wait_seconds", 0)

	raw, err := h.client.GetTask(ctx, taskID, wait)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check task: %v", err)), nil
	}

	t, err := parseTask(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse task: %v", err)), nil
	}

	var sb strings.Builder
	writeTask(&sb, t)
	sb.WriteString("\n")
	sb.WriteString(nextStep(t))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandlePickupTask claims a task to work on.
func (h *Handlers) HandlePickupTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		raw json.RawMessage
		err error
	)
	if taskID := req.GetString("task_id", ""); taskID != "" {
		raw, err = h.client.PickupSpecific(ctx, taskID)
	} else {
		raw, err = h.client.PickupTask(ctx, splitTags(req.GetString("tags", "")))
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Pickup failed: %v", err)), nil
	}
	if raw == nil {
		return mcp.NewToolResultText(
			"No tasks available right now. Try again later, or broaden your tags."), nil
	}

	t, err := parseTask(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse task: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Task claimed. It is yours until the delivery deadline.\n\n")
	writeTask(&sb, t)
	fmt.Fprintf(&sb, "\nDo the work, then deliver_task with task_id %s.", t.ID)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleDeliverTask submits a result for a claimed task.
func (h *Handlers) HandleDeliverTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := req.GetString("task_id", "")
	if taskID == "" {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	result := req.GetString("result", "")
	if result == "" {
		return mcp.NewToolResultError("result is required"), nil
	}

	var claimed *int64
	if n := req.GetInt("credits_claimed", 0); n > 0 {
		v := int64(n)
		claimed = &v
	}

	raw, err := h.client.DeliverTask(ctx, taskID, result, claimed)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Delivery failed: %v", err)), nil
	}

	t, err := parseTask(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse task: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Delivered. You will be paid %d credits when the poster approves", t.Charge())
	sb.WriteString(", or automatically when the review window lapses.\n\n")
	writeTask(&sb, t)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleApproveTask approves a delivery and settles payment.
func (h *Handlers) HandleApproveTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := req.GetString("task_id", "")
	if taskID == "" {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	rating := req.GetInt("rating", 0)
	if rating != 0 && (rating < 1 || rating > 5) {
		return mcp.NewToolResultError("rating must be between 1 and 5"), nil
	}
	feedback := req.GetString("feedback", "")

	raw, err := h.client.ApproveTask(ctx, taskID, rating, feedback)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Approval failed: %v", err)), nil
	}

	t, err := parseTask(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse task: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Approved. %d credits settled to the worker", t.Charge())
	if rating > 0 {
		fmt.Fprintf(&sb, "; rated %d/5", rating)
	}
	sb.WriteString(".\n\n")
	writeTask(&sb, t)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRejectTask sends a delivery back with a reason.
func (h *Handlers) HandleRejectTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := req.GetString("task_id", "")
	if taskID == "" {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	raw, err := h.client.RejectTask(ctx, taskID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Rejection failed: %v", err)), nil
	}

	t, err := parseTask(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse task: %v", err)), nil
	}

	var sb strings.Builder
	if t.Status == "rejected" {
		sb.WriteString("Rejected. The task is closed and your escrow was refunded.\n\n")
	} else {
		fmt.Fprintf(&sb, "Rejected (%d of %d allowed). The worker may redeliver within the grace window.\n\n",
			t.RejectionCount, t.MaxRejections)
	}
	writeTask(&sb, t)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCheckCredits returns the agent's balance.
func (h *Handlers) HandleCheckCredits(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetCredits(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check credits: %v", err)), nil
	}

	var resp struct {
		AgentID  string `json:"agent_id"`
		Credits  int64  `json:"credits"`
		Escrowed int64  `json:"escrowed_credits"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse credits: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Credits for %s:\n", resp.AgentID)
	fmt.Fprintf(&sb, "  Available: %d\n", resp.Credits)
	if resp.Escrowed > 0 {
		fmt.Fprintf(&sb, "  In escrow: %d (held for your open tasks)\n", resp.Escrowed)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleBrowseTasks lists available tasks without claiming.
func (h *Handlers) HandleBrowseTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tags := splitTags(req.GetString("tags", ""))
	query := req.GetString("query", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.BrowseTasks(ctx, tags, query, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to browse tasks: %v", err)), nil
	}

	var resp struct {
		Tasks []taskView `json:"tasks"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse tasks: %v", err)), nil
	}
	if len(resp.Tasks) == 0 {
		return mcp.NewToolResultText("No tasks available matching your criteria."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d task(s):\n\n", len(resp.Tasks))
	for i, t := range resp.Tasks {
		fmt.Fprintf(&sb, "%d. %s (%d credits)\n", i+1, t.ID, t.MaxCredits)
		fmt.Fprintf(&sb, "   %s\n", truncate(t.Need, 120))
		if len(t.Tags) > 0 {
			fmt.Fprintf(&sb, "   Tags: %s\n", strings.Join(t.Tags, ", "))
		}
		if i < len(resp.Tasks)-1 {
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\nUse pickup_task to claim one.")
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

// taskView mirrors the API's task JSON, narrowed to what the tools show.
type taskView struct {
	ID               string   `json:"id"`
	Status           string   `json:"status"`
	Need             string   `json:"need"`
	Context          string   `json:"context"`
	Result           string   `json:"result"`
	MaxCredits       int64    `json:"max_credits"`
	CreditsCharged   *int64   `json:"credits_charged"`
	Tags             []string `json:"tags"`
	WorkerID         string   `json:"worker_id"`
	RejectionReason  string   `json:"rejection_reason"`
	RejectionCount   int      `json:"rejection_count"`
	MaxRejections    int      `json:"max_rejections"`
	ClaimDeadline    string   `json:"claim_deadline"`
	DeliveryDeadline string   `json:"delivery_deadline"`
	ReviewDeadline   string   `json:"review_deadline"`
}

// Charge is what the task costs: the delivered charge when set, else the
// full budget.
func (t *taskView) Charge() int64 {
	if t.CreditsCharged != nil {
		return *t.CreditsCharged
	}
	return t.MaxCredits
}

func parseTask(raw json.RawMessage) (*taskView, error) {
	var t taskView
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	if t.ID == "" {
		return nil, fmt.Errorf("no task in response: %s", string(raw))
	}
	return &t, nil
}

func writeTask(sb *strings.Builder, t *taskView) {
	fmt.Fprintf(sb, "Task %s [%s]\n", t.ID, t.Status)
	fmt.Fprintf(sb, "  Need: %s\n", t.Need)
	if t.Context != "" {
		fmt.Fprintf(sb, "  Context: %s\n", truncate(t.Context, 500))
	}
	fmt.Fprintf(sb, "  Budget: %d credits", t.MaxCredits)
	if t.CreditsCharged != nil {
		fmt.Fprintf(sb, " (charged: %d)", *t.CreditsCharged)
	}
	sb.WriteString("\n")
	if len(t.Tags) > 0 {
		fmt.Fprintf(sb, "  Tags: %s\n", strings.Join(t.Tags, ", "))
	}
	if t.Result != "" {
		fmt.Fprintf(sb, "  Result:\n%s\n", indent(t.Result, "    "))
	}
	if t.RejectionReason != "" && t.Status != "approved" {
		fmt.Fprintf(sb, "  Last rejection: %s\n", t.RejectionReason)
	}
	switch t.Status {
	case "posted":
		if t.ClaimDeadline != "" {
			fmt.Fprintf(sb, "  Expires if unclaimed: %s\n", t.ClaimDeadline)
		}
	case "claimed":
		if t.DeliveryDeadline != "" {
			fmt.Fprintf(sb, "  Delivery due: %s\n", t.DeliveryDeadline)
		}
	case "delivered":
		if t.ReviewDeadline != "" {
			fmt.Fprintf(sb, "  Auto-approves: %s\n", t.ReviewDeadline)
		}
	}
}

// nextStep tells the LLM what action makes sense from the task's state.
func nextStep(t *taskView) string {
	switch t.Status {
	case "posted":
		return "Waiting for a worker to claim it."
	case "claimed":
		return "A worker is on it. Check back for the delivery."
	case "delivered":
		return "Delivered. If you posted this task, approve_task or reject_task; otherwise wait for the poster's review."
	case "approved":
		return "Complete. Payment has settled."
	case "rejected":
		return "Closed after rejection. Escrow was refunded to the poster."
	case "cancelled":
		return "Cancelled by the poster."
	case "expired":
		return "Expired before anyone claimed it. Escrow was refunded."
	default:
		return ""
	}
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
