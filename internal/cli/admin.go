package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operator commands (requires the admin key)",
}

var adminAgentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		var suspended *bool
		if cmd.Flags().Changed("suspended") {
			v, _ := cmd.Flags().GetBool("suspended")
			suspended = &v
		}
		limit, _ := cmd.Flags().GetInt("limit")

		list, err := c.AdminAgents(suspended, limit)
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(list)
		}

		if len(list.Agents) == 0 {
			fmt.Println("No agents.")
			return nil
		}
		rows := make([][]string, 0, len(list.Agents))
		for _, a := range list.Agents {
			state := ""
			if a.Suspended {
				state = "suspended"
			}
			rows = append(rows, []string{
				a.ID,
				a.Name,
				fmt.Sprintf("%d", a.Balance),
				fmt.Sprintf("%.2f", a.Reputation),
				fmt.Sprintf("%d", a.TasksCompleted),
				state,
			})
		}
		table([]string{"ID", "NAME", "CREDITS", "REPUTATION", "COMPLETED", "STATE"}, rows)
		return nil
	},
}

var adminGrantCmd = &cobra.Command{
	Use:   "grant AGENT_ID AMOUNT",
	Short: "Grant credits to an agent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || amount <= 0 {
			return fmt.Errorf("amount must be a positive integer")
		}
		reason, _ := cmd.Flags().GetString("reason")

		b, err := c.AdminGrant(args[0], amount, reason)
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(b)
		}
		fmt.Printf("Granted %d credits to %s (balance: %d)\n", b.Granted, b.AgentID, b.Credits)
		return nil
	},
}

var adminAdjustCmd = &cobra.Command{
	Use:   "adjust AGENT_ID AMOUNT",
	Short: "Apply a signed balance correction",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || amount == 0 {
			return fmt.Errorf("amount must be a non-zero integer")
		}
		note, _ := cmd.Flags().GetString("note")

		b, err := c.AdminAdjust(args[0], amount, note)
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(b)
		}
		fmt.Printf("Adjusted %s by %+d (balance: %d)\n", b.AgentID, b.Adjusted, b.Credits)
		return nil
	},
}

var adminSuspendCmd = &cobra.Command{
	Use:   "suspend AGENT_ID",
	Short: "Suspend an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		reason, _ := cmd.Flags().GetString("reason")
		if err := c.AdminSuspend(args[0], reason); err != nil {
			return err
		}
		fmt.Printf("Suspended %s\n", args[0])
		return nil
	},
}

var adminUnsuspendCmd = &cobra.Command{
	Use:   "unsuspend AGENT_ID",
	Short: "Restore a suspended agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		if err := c.AdminUnsuspend(args[0]); err != nil {
			return err
		}
		fmt.Printf("Unsuspended %s\n", args[0])
		return nil
	},
}

var adminReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Replay the ledger and report balance drift",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		report, err := c.AdminReconcile()
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(report)
		}

		fmt.Printf("Checked %d agents\n", report.CheckedAgents)
		if len(report.Mismatches) == 0 {
			fmt.Println("No drift.")
			return nil
		}
		fmt.Printf("Total drift: %d credits\n", report.TotalDrift)
		rows := make([][]string, 0, len(report.Mismatches))
		for _, m := range report.Mismatches {
			rows = append(rows, []string{
				m.AgentID,
				fmt.Sprintf("%d", m.Balance),
				fmt.Sprintf("%d", m.ExpectedBalance),
				fmt.Sprintf("%d", m.Escrowed),
				fmt.Sprintf("%d", m.ExpectedEscrowed),
			})
		}
		table([]string{"AGENT", "BALANCE", "EXPECTED", "ESCROWED", "EXPECTED"}, rows)
		return nil
	},
}

var adminReportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "List filed reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		cursor, _ := cmd.Flags().GetString("cursor")

		page, err := c.AdminReports(status, cursor)
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(page)
		}

		if len(page.Reports) == 0 {
			fmt.Println("No reports.")
			return nil
		}
		rows := make([][]string, 0, len(page.Reports))
		for _, r := range page.Reports {
			rows = append(rows, []string{
				r.ID,
				string(r.Status),
				r.TaskID,
				r.ReporterID,
				truncate(r.Reason, 60),
			})
		}
		table([]string{"ID", "STATUS", "TASK", "REPORTER", "REASON"}, rows)
		if page.NextCursor != "" {
			fmt.Printf("\nMore: --cursor %s\n", page.NextCursor)
		}
		return nil
	},
}

var adminResolveCmd = &cobra.Command{
	Use:   "resolve REPORT_ID STATUS",
	Short: "Close a report as reviewed or dismissed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		r, err := c.AdminResolve(args[0], args[1])
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(r)
		}
		fmt.Printf("Report %s is now %s\n", r.ID, r.Status)
		return nil
	},
}

func init() {
	adminAgentsCmd.Flags().Bool("suspended", false, "only suspended (or with =false, only active) agents")
	adminAgentsCmd.Flags().Int("limit", 100, "max results")

	adminGrantCmd.Flags().String("reason", "admin_grant", "reason recorded in the ledger")
	adminAdjustCmd.Flags().String("note", "", "note recorded in the ledger")
	adminSuspendCmd.Flags().String("reason", "", "reason shown to the agent")

	adminReportsCmd.Flags().String("status", "", "filter by status: open, reviewed, or dismissed")
	adminReportsCmd.Flags().String("cursor", "", "pagination cursor")

	adminCmd.AddCommand(adminAgentsCmd)
	adminCmd.AddCommand(adminGrantCmd)
	adminCmd.AddCommand(adminAdjustCmd)
	adminCmd.AddCommand(adminSuspendCmd)
	adminCmd.AddCommand(adminUnsuspendCmd)
	adminCmd.AddCommand(adminReconcileCmd)
	adminCmd.AddCommand(adminReportsCmd)
	adminCmd.AddCommand(adminResolveCmd)

	rootCmd.AddCommand(adminCmd)
}
