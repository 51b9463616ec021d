package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anneschuth/pinchwork/internal/task"
)

var tasksCmd = &cobra.Command{
	Use:     "tasks",
	Aliases: []string{"task", "t"},
	Short:   "Task lifecycle commands",
}

var tasksPostCmd = &cobra.Command{
	Use:     "post NEED",
	Aliases: []string{"create"},
	Short:   "Post a new task",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientRequired()
		if err != nil {
			return err
		}

		credits, _ := cmd.Flags().GetInt64("credits")
		tags, _ := cmd.Flags().GetString("tags")
		taskContext, _ := cmd.Flags().GetString("context")
		contextFile, _ := cmd.Flags().GetString("context-file")
		reviewWindow, _ := cmd.Flags().GetInt("review-window")
		claimWindow, _ := cmd.Flags().GetInt("claim-window")
		maxRejections, _ := cmd.Flags().GetInt("max-rejections")
		wait, _ := cmd.Flags().GetInt("wait")

		if contextFile != "" {
			data, err := os.ReadFile(contextFile)
			if err != nil {
				return fmt.Errorf("read context file: %w", err)
			}
			taskContext = string(data)
		}

		req := CreateTaskRequest{
			Need:                strings.Join(args, " "),
			Context:             taskContext,
			MaxCredits:          credits,
			Tags:                splitTags(tags),
			ReviewWindowSeconds: reviewWindow,
			ClaimWindowSeconds:  claimWindow,
			MaxRejections:       maxRejections,
		}

		t, err := c.CreateTask(req, wait)
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(t)
		}
		if t.Status == task.StatusApproved && t.Result != "" {
			fmt.Printf("Task %s completed while waiting.\n\n%s\n", t.ID, t.Result)
			return nil
		}
		fmt.Printf("Posted task %s (status: %s, budget: %d credits)\n", t.ID, t.Status, t.MaxCredits)
		return nil
	},
}

var tasksListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"available"},
	Short:   "List available tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientRequired()
		if err != nil {
			return err
		}

		tags, _ := cmd.Flags().GetString("tags")
		query, _ := cmd.Flags().GetString("query")
		cursor, _ := cmd.Flags().GetString("cursor")
		limit, _ := cmd.Flags().GetInt("limit")

		page, err := c.Available(splitTags(tags), query, cursor, limit)
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(page)
		}

		if len(page.Tasks) == 0 {
			fmt.Println("No tasks available.")
			return nil
		}

		rows := make([][]string, 0, len(page.Tasks))
		for _, t := range page.Tasks {
			rows = append(rows, []string{
				t.ID,
				truncate(t.Need, 50),
				fmt.Sprintf("%d", t.MaxCredits),
				strings.Join(t.Tags, ","),
				t.PosterID,
			})
		}
		table([]string{"ID", "NEED", "CREDITS", "TAGS", "POSTER"}, rows)
		if page.NextCursor != "" {
			fmt.Printf("\nMore: --cursor %s\n", page.NextCursor)
		}
		return nil
	},
}

var tasksMineCmd = &cobra.Command{
	Use:   "mine",
	Short: "List your tasks, posted and claimed",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientRequired()
		if err != nil {
			return err
		}

		role, _ := cmd.Flags().GetString("role")
		status, _ := cmd.Flags().GetString("status")
		cursor, _ := cmd.Flags().GetString("cursor")
		limit, _ := cmd.Flags().GetInt("limit")

		page, err := c.Mine(role, status, cursor, limit)
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(page)
		}

		if len(page.Tasks) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}

		rows := make([][]string, 0, len(page.Tasks))
		for _, t := range page.Tasks {
			rows = append(rows, []string{
				t.ID,
				string(t.Status),
				truncate(t.Need, 50),
				t.PosterID,
				t.WorkerID,
			})
		}
		table([]string{"ID", "STATUS", "NEED", "POSTER", "WORKER"}, rows)
		if page.NextCursor != "" {
			fmt.Printf("\nMore: --cursor %s\n", page.NextCursor)
		}
		return nil
	},
}

var tasksShowCmd = &cobra.Command{
	Use:   "show TASK_ID",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientRequired()
		if err != nil {
			return err
		}

		wait, _ := cmd.Flags().GetInt("wait")
		t, err := c.GetTask(args[0], wait)
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(t)
		}
		printTask(t)
		return nil
	},
}

var tasksPickupCmd = &cobra.Command{
	Use:   "pickup [TASK_ID]",
	Short: "Pick up a task, next available or by ID",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientRequired()
		if err != nil {
			return err
		}

		var t *task.Task
		if len(args) == 1 {
			t, err = c.PickupSpecific(args[0])
		} else {
			tags, _ := cmd.Flags().GetString("tags")
			t, err = c.Pickup(splitTags(tags))
		}
		if err != nil {
			return err
		}
		if t == nil {
			fmt.Println("No tasks available.")
			return nil
		}

		if outputFmt == "json" {
			return printJSON(t)
		}

		fmt.Printf("Picked up %s (budget: %d credits)\n", t.ID, t.MaxCredits)
		fmt.Printf("Need: %s\n", t.Need)
		if t.Context != "" {
			fmt.Printf("Context: %s\n", truncate(t.Context, 200))
		}
		if t.DeliveryDeadline != nil {
			fmt.Printf("Deliver by: %s\n", formatTime(t.DeliveryDeadline))
		}
		return nil
	},
}

var tasksDeliverCmd = &cobra.Command{
	Use:   "deliver TASK_ID [RESULT]",
	Short: "Deliver completed work",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientRequired()
		if err != nil {
			return err
		}

		result := strings.Join(args[1:], " ")
		if file, _ := cmd.Flags().GetString("file"); file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read result file: %w", err)
			}
			result = string(data)
		}
		if result == "" {
			return fmt.Errorf("a result is required; pass it as an argument or with --file")
		}

		var claimed *int64
		if cmd.Flags().Changed("credits") {
			v, _ := cmd.Flags().GetInt64("credits")
			claimed = &v
		}

		t, err := c.Deliver(args[0], result, claimed)
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(t)
		}
		fmt.Printf("Delivered %s (review by: %s)\n", t.ID, formatTime(t.ReviewDeadline))
		return nil
	},
}

var tasksApproveCmd = &cobra.Command{
	Use:   "approve TASK_ID",
	Short: "Approve a delivery and settle the escrow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientRequired()
		if err != nil {
			return err
		}

		rating, _ := cmd.Flags().GetInt("rating")
		feedback, _ := cmd.Flags().GetString("feedback")

		t, err := c.Approve(args[0], rating, feedback)
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(t)
		}
		fmt.Printf("Approved %s", t.ID)
		if t.CreditsCharged != nil {
			fmt.Printf(" (%d credits charged)", *t.CreditsCharged)
		}
		fmt.Println()
		return nil
	},
}

var tasksRejectCmd = &cobra.Command{
	Use:   "reject TASK_ID",
	Short: "Reject a delivery with a reason",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientRequired()
		if err != nil {
			return err
		}

		reason, _ := cmd.Flags().GetString("reason")
		if reason == "" {
			return fmt.Errorf("--reason is required")
		}

		t, err := c.Reject(args[0], reason)
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(t)
		}
		if t.Status == task.StatusRejected {
			fmt.Printf("Rejected %s; the rejection limit is spent and the escrow was refunded\n", t.ID)
			return nil
		}
		fmt.Printf("Rejected %s; the task is back on the board (%d of %d rejections used)\n",
			t.ID, t.RejectionCount, t.MaxRejections)
		return nil
	},
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel TASK_ID",
	Short: "Cancel a task you posted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientRequired()
		if err != nil {
			return err
		}

		t, err := c.Cancel(args[0])
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(t)
		}
		fmt.Printf("Cancelled %s; the escrow was refunded\n", t.ID)
		return nil
	},
}

var tasksAbandonCmd = &cobra.Command{
	Use:   "abandon TASK_ID",
	Short: "Release a claimed task back to the pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientRequired()
		if err != nil {
			return err
		}

		t, err := c.Abandon(args[0])
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(t)
		}
		fmt.Printf("Abandoned %s\n", t.ID)
		return nil
	},
}

var tasksRateCmd = &cobra.Command{
	Use:   "rate TASK_ID",
	Short: "Rate the poster of a task you completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientRequired()
		if err != nil {
			return err
		}

		rating, _ := cmd.Flags().GetInt("rating")
		feedback, _ := cmd.Flags().GetString("feedback")

		r, err := c.RatePoster(args[0], rating, feedback)
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(r)
		}
		fmt.Printf("Rated %s %d/5\n", r.RateeID, r.Score)
		return nil
	},
}

var tasksReportCmd = &cobra.Command{
	Use:   "report TASK_ID",
	Short: "Report a task for admin review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientRequired()
		if err != nil {
			return err
		}

		reason, _ := cmd.Flags().GetString("reason")
		if reason == "" {
			return fmt.Errorf("--reason is required")
		}

		r, err := c.ReportTask(args[0], reason)
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(r)
		}
		fmt.Printf("Filed report %s\n", r.ID)
		return nil
	},
}

func printTask(t *task.Task) {
	fmt.Printf("Task:     %s\n", t.ID)
	fmt.Printf("Status:   %s\n", t.Status)
	fmt.Printf("Need:     %s\n", t.Need)
	if t.Context != "" {
		fmt.Printf("Context:  %s\n", truncate(t.Context, 200))
	}
	if len(t.Tags) > 0 {
		fmt.Printf("Tags:     %s\n", strings.Join(t.Tags, ", "))
	}
	fmt.Printf("Budget:   %d credits", t.MaxCredits)
	if t.CreditsCharged != nil {
		fmt.Printf(" (%d charged)", *t.CreditsCharged)
	}
	fmt.Println()
	if t.PosterID != "" {
		fmt.Printf("Poster:   %s\n", t.PosterID)
	}
	if t.WorkerID != "" {
		fmt.Printf("Worker:   %s\n", t.WorkerID)
	}
	if t.Result != "" {
		fmt.Printf("Result:   %s\n", t.Result)
	}
	if t.RejectionReason != "" && t.Status != task.StatusApproved {
		fmt.Printf("Last rejection: %s\n", t.RejectionReason)
	}

	switch t.Status {
	case task.StatusPosted:
		if t.ClaimDeadline != nil {
			fmt.Printf("Claim by: %s\n", formatTime(t.ClaimDeadline))
		}
	case task.StatusClaimed:
		if t.DeliveryDeadline != nil {
			fmt.Printf("Deliver by: %s\n", formatTime(t.DeliveryDeadline))
		}
	case task.StatusDelivered:
		if t.ReviewDeadline != nil {
			fmt.Printf("Auto-approves: %s\n", formatTime(t.ReviewDeadline))
		}
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

func init() {
	tasksPostCmd.Flags().Int64("credits", 10, "budget in credits")
	tasksPostCmd.Flags().String("tags", "", "tags, comma separated")
	tasksPostCmd.Flags().String("context", "", "background context for the worker")
	tasksPostCmd.Flags().String("context-file", "", "read context from a file")
	tasksPostCmd.Flags().Int("review-window", 0, "seconds before a delivery auto-approves")
	tasksPostCmd.Flags().Int("claim-window", 0, "seconds before an unclaimed task expires")
	tasksPostCmd.Flags().Int("max-rejections", 0, "rejections before the escrow is refunded")
	tasksPostCmd.Flags().Int("wait", 0, "block up to N seconds for the result")

	tasksListCmd.Flags().String("tags", "", "filter by tags, comma separated")
	tasksListCmd.Flags().String("query", "", "search term")
	tasksListCmd.Flags().String("cursor", "", "pagination cursor")
	tasksListCmd.Flags().Int("limit", 20, "max results")

	tasksMineCmd.Flags().String("role", "all", "filter by role: poster, worker, or all")
	tasksMineCmd.Flags().String("status", "", "filter by status")
	tasksMineCmd.Flags().String("cursor", "", "pagination cursor")
	tasksMineCmd.Flags().Int("limit", 20, "max results")

	tasksShowCmd.Flags().Int("wait", 0, "block up to N seconds for the result")

	tasksPickupCmd.Flags().String("tags", "", "only tasks carrying one of these tags")

	tasksDeliverCmd.Flags().String("file", "", "read the result from a file")
	tasksDeliverCmd.Flags().Int64("credits", 0, "credits to claim (default: the full budget)")

	tasksApproveCmd.Flags().Int("rating", 0, "rate the worker 1-5")
	tasksApproveCmd.Flags().String("feedback", "", "feedback for the worker")

	tasksRejectCmd.Flags().String("reason", "", "why the delivery is not acceptable (required)")

	tasksRateCmd.Flags().Int("rating", 0, "score 1-5 (required)")
	tasksRateCmd.Flags().String("feedback", "", "feedback for the poster")
	tasksRateCmd.MarkFlagRequired("rating")

	tasksReportCmd.Flags().String("reason", "", "what is wrong with the task (required)")

	tasksCmd.AddCommand(tasksPostCmd)
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksMineCmd)
	tasksCmd.AddCommand(tasksShowCmd)
	tasksCmd.AddCommand(tasksPickupCmd)
	tasksCmd.AddCommand(tasksDeliverCmd)
	tasksCmd.AddCommand(tasksApproveCmd)
	tasksCmd.AddCommand(tasksRejectCmd)
	tasksCmd.AddCommand(tasksCancelCmd)
	tasksCmd.AddCommand(tasksAbandonCmd)
	tasksCmd.AddCommand(tasksRateCmd)
	tasksCmd.AddCommand(tasksReportCmd)

	rootCmd.AddCommand(tasksCmd)
}
