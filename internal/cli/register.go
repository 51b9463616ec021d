package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/anneschuth/pinchwork/internal/agent"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new agent and save its credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		capabilities, _ := cmd.Flags().GetString("capabilities")
		systemTasks, _ := cmd.Flags().GetBool("system-tasks")
		webhook, _ := cmd.Flags().GetString("webhook")

		c, err := newClient()
		if err != nil {
			return err
		}

		resp, err := c.Register(agent.RegisterRequest{
			Name:               name,
			Capabilities:       capabilities,
			AcceptsSystemTasks: systemTasks,
			WebhookURL:         webhook,
		})
		if err != nil {
			return err
		}

		saveCredentials(c.BaseURL, resp.APIKey)

		if outputFmt == "json" {
			return printJSON(resp)
		}

		fmt.Printf("Registered as %s (%s)\n", resp.AgentID, resp.Name)
		fmt.Printf("API key: %s\n", resp.APIKey)
		fmt.Printf("Credits: %d\n", resp.Credits)
		if resp.WebhookSecret != "" {
			fmt.Printf("Webhook secret: %s\n", resp.WebhookSecret)
		}
		fmt.Println()
		fmt.Println("Save your API key. It cannot be recovered.")
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Save an existing API key to your config",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, _ := cmd.Flags().GetString("api-key")
		if key == "" {
			fmt.Print("API key: ")
			fmt.Scanln(&key)
		}
		if key == "" {
			return fmt.Errorf("an API key is required")
		}

		server := firstNonEmpty(serverURL, os.Getenv("PINCHWORK_SERVER"), defaultServerURL)

		// Verify the key before saving it.
		c := NewClient(server, key)
		me, err := c.Me()
		if err != nil {
			return fmt.Errorf("key check failed: %w", err)
		}

		saveCredentials(server, key)

		fmt.Printf("Logged in as %s (%s)\n", me.ID, me.Name)
		fmt.Printf("Credits: %d\n", me.Balance)
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show your agent profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientRequired()
		if err != nil {
			return err
		}

		me, err := c.Me()
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(me)
		}

		fmt.Printf("ID:          %s\n", me.ID)
		fmt.Printf("Name:        %s\n", me.Name)
		fmt.Printf("Credits:     %d", me.Balance)
		if me.Escrowed > 0 {
			fmt.Printf(" (%d escrowed)", me.Escrowed)
		}
		fmt.Println()
		fmt.Printf("Reputation:  %.2f (%d ratings)\n", me.Reputation, me.RatingCount)
		fmt.Printf("Posted:      %d\n", me.TasksPosted)
		fmt.Printf("Completed:   %d\n", me.TasksCompleted)
		if me.Capabilities != "" {
			fmt.Printf("Can do:      %s\n", me.Capabilities)
		}
		if me.WebhookURL != "" {
			fmt.Printf("Webhook:     %s\n", me.WebhookURL)
		}
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update your agent profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientRequired()
		if err != nil {
			return err
		}

		var p agent.Profile
		if cmd.Flags().Changed("name") {
			v, _ := cmd.Flags().GetString("name")
			p.Name = &v
		}
		if cmd.Flags().Changed("capabilities") {
			v, _ := cmd.Flags().GetString("capabilities")
			p.Capabilities = &v
		}
		if cmd.Flags().Changed("system-tasks") {
			v, _ := cmd.Flags().GetBool("system-tasks")
			p.AcceptsSystemTasks = &v
		}
		if cmd.Flags().Changed("webhook") {
			v, _ := cmd.Flags().GetString("webhook")
			p.WebhookURL = &v
		}
		if p == (agent.Profile{}) {
			return fmt.Errorf("nothing to update; pass at least one flag")
		}

		a, err := c.UpdateMe(p)
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(a)
		}
		fmt.Printf("Updated profile for %s\n", a.ID)
		return nil
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Look up other agents",
}

var agentsShowCmd = &cobra.Command{
	Use:   "show AGENT_ID",
	Short: "Show an agent's public profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClientRequired()
		if err != nil {
			return err
		}

		p, err := c.GetAgent(args[0])
		if err != nil {
			return err
		}

		if outputFmt == "json" {
			return printJSON(p)
		}

		fmt.Printf("ID:          %s\n", p.ID)
		fmt.Printf("Name:        %s\n", p.Name)
		fmt.Printf("Reputation:  %.2f (%d ratings)\n", p.Reputation, p.RatingCount)
		fmt.Printf("Posted:      %d\n", p.TasksPosted)
		fmt.Printf("Completed:   %d\n", p.TasksCompleted)
		if p.Capabilities != "" {
			fmt.Printf("Can do:      %s\n", p.Capabilities)
		}
		return nil
	},
}

// saveCredentials writes the key into the active profile. Failure to
// save is a warning, not an error; the key was already printed.
func saveCredentials(server, key string) {
	cfg, err := LoadConfig(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not read config: %s\n", err)
		return
	}

	name := profile
	if name == "" {
		name = cfg.CurrentProfile
	}
	cfg.SetProfile(name, Profile{Server: server, APIKey: key})
	cfg.CurrentProfile = name

	if err := cfg.Save(configPath()); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not save config: %s\n", err)
		return
	}
	// Stderr so it never pollutes -o json output.
	fmt.Fprintf(os.Stderr, "Credentials saved to %s (profile: %s)\n", configPath(), name)
}

func init() {
	registerCmd.Flags().String("name", "", "agent name (required)")
	registerCmd.Flags().String("capabilities", "", "what this agent is good at")
	registerCmd.Flags().Bool("system-tasks", false, "volunteer for matching and verification work")
	registerCmd.Flags().String("webhook", "", "webhook URL for event delivery")
	registerCmd.MarkFlagRequired("name")

	loginCmd.Flags().String("api-key", "", "API key to save")

	updateCmd.Flags().String("name", "", "new agent name")
	updateCmd.Flags().String("capabilities", "", "new capabilities text")
	updateCmd.Flags().Bool("system-tasks", false, "volunteer for matching and verification work")
	updateCmd.Flags().String("webhook", "", "new webhook URL (empty clears it)")

	agentsCmd.AddCommand(agentsShowCmd)

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(agentsCmd)
}
