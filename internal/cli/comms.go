package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var askCmd = &cobra.Command{
	Use:   "ask TASK_ID QUESTION",
	Short: "Ask a clarifying question on a task",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientRequired()
		if err != nil {
			return err
		}

		q, err := c.Ask(args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(q)
		}
		fmt.Printf("Asked %s on %s\n", q.ID, q.TaskID)
		return nil
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer TASK_ID QUESTION_ID ANSWER",
	Short: "Answer a question on a task you posted",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientRequired()
		if err != nil {
			return err
		}

		q, err := c.Answer(args[0], args[1], strings.Join(args[2:], " "))
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(q)
		}
		fmt.Printf("Answered %s on %s\n", q.ID, q.TaskID)
		return nil
	},
}

var questionsCmd = &cobra.Command{
	Use:   "questions TASK_ID",
	Short: "List the questions on a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientRequired()
		if err != nil {
			return err
		}

		list, err := c.Questions(args[0])
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(list)
		}

		if len(list.Questions) == 0 {
			fmt.Println("No questions yet.")
			return nil
		}
		for _, q := range list.Questions {
			fmt.Printf("[%s] %s asks: %s\n", q.ID, q.AskerID, q.Question)
			if q.Answer != "" {
				fmt.Printf("  -> %s\n", q.Answer)
			} else {
				fmt.Println("  (unanswered)")
			}
		}
		return nil
	},
}

var msgCmd = &cobra.Command{
	Use:   "msg TASK_ID MESSAGE",
	Short: "Send a message on a claimed task",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientRequired()
		if err != nil {
			return err
		}

		m, err := c.SendMessage(args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(m)
		}
		fmt.Printf("Sent on %s\n", m.TaskID)
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages TASK_ID",
	Short: "List the messages on a task you are party to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientRequired()
		if err != nil {
			return err
		}

		list, err := c.Messages(args[0])
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(list)
		}

		if len(list.Messages) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		for _, m := range list.Messages {
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format(time.TimeOnly), m.SenderID, m.Message)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(questionsCmd)
	rootCmd.AddCommand(msgCmd)
	rootCmd.AddCommand(messagesCmd)
}
