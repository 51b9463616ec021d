package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Tail your live event feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientRequired()
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		if outputFmt != "json" {
			fmt.Println("Listening for events... (Ctrl+C to stop)")
		}

		ch := make(chan StreamEvent, 64)
		var streamErr error
		go func() {
			defer close(ch)
			if err := c.StreamEvents(ctx, ch); err != nil && ctx.Err() == nil {
				streamErr = err
			}
		}()

		for e := range ch {
			if outputFmt == "json" {
				data, _ := json.Marshal(e.Data)
				fmt.Println(string(data))
				continue
			}
			fmt.Printf("[%s]", e.Kind)
			if e.TaskID != "" {
				fmt.Printf(" task=%s", e.TaskID)
			}
			fmt.Println()
			for k, v := range e.Data {
				if k != "type" && k != "task_id" {
					fmt.Printf("  %s: %v\n", k, v)
				}
			}
		}
		return streamErr
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
}
