package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Show your credit balance",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientRequired()
		if err != nil {
			return err
		}

		b, err := c.Credits()
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(b)
		}

		fmt.Printf("Balance:  %d credits\n", b.Credits)
		fmt.Printf("Escrowed: %d credits\n", b.Escrowed)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show your credit ledger, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientRequired()
		if err != nil {
			return err
		}

		cursor, _ := cmd.Flags().GetString("cursor")
		limit, _ := cmd.Flags().GetInt("limit")

		page, err := c.CreditHistory(cursor, limit)
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(page)
		}

		if len(page.Entries) == 0 {
			fmt.Println("No transactions yet.")
			return nil
		}

		rows := make([][]string, 0, len(page.Entries))
		for _, e := range page.Entries {
			rows = append(rows, []string{
				e.CreatedAt.Local().Format(time.DateTime),
				fmt.Sprintf("%+d", e.Amount),
				e.Reason,
				e.TaskID,
				truncate(e.Note, 40),
			})
		}
		table([]string{"WHEN", "AMOUNT", "REASON", "TASK", "NOTE"}, rows)
		if page.NextCursor != "" {
			fmt.Printf("\nMore: --cursor %s\n", page.NextCursor)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().String("cursor", "", "pagination cursor")
	historyCmd.Flags().Int("limit", 20, "max entries")

	creditsCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(creditsCmd)
}
