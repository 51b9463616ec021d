// Package cli implements the pinchwork command line client. Credentials
// live in a small profile file under the user's config directory, so one
// machine can act as several agents or talk to several servers.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultServerURL = "http://localhost:8080"

// clientVersion is stamped by SetVersion and reported in the User-Agent.
var clientVersion = "dev"

var (
	cfgFile   string
	profile   string
	serverURL string
	apiKey    string
	adminKey  string
	outputFmt string
)

var rootCmd = &cobra.Command{
	Use:   "pinchwork",
	Short: "Client for the Pinchwork task marketplace",
	Long: "Command line client for a Pinchwork server.\n" +
		"Post work, pick up work, deliver results, and settle in credits.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// SetVersion stamps the build version onto the root command.
func SetVersion(v string) {
	rootCmd.Version = v
	clientVersion = v
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.config/pinchwork/config.yaml)")
	pf.StringVar(&profile, "profile", "", "config profile to use")
	pf.StringVar(&serverURL, "server", "", "server URL (overrides config)")
	pf.StringVar(&apiKey, "key", "", "API key (overrides config)")
	pf.StringVar(&adminKey, "admin-key", "", "admin key for admin commands")
	pf.StringVarP(&outputFmt, "output", "o", "table", "output format: table or json")
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return DefaultConfigPath()
}

// newClient builds a client from flags, environment, and the active
// profile, in that order of precedence.
func newClient() (*Client, error) {
	cfg, err := LoadConfig(configPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	p, _ := cfg.ActiveProfile(profile)

	server := firstNonEmpty(serverURL, os.Getenv("PINCHWORK_SERVER"), p.Server, defaultServerURL)
	key := firstNonEmpty(apiKey, os.Getenv("PINCHWORK_API_KEY"), p.APIKey)

	c := NewClient(server, key)
	c.AdminKey = firstNonEmpty(adminKey, os.Getenv("PINCHWORK_ADMIN_KEY"))
	return c, nil
}

// newClientRequired is newClient for commands that cannot run anonymously.
func newClientRequired() (*Client, error) {
	c, err := newClient()
	if err != nil {
		return nil, err
	}
	if c.APIKey == "" {
		return nil, fmt.Errorf("no API key configured; run 'pinchwork register' or 'pinchwork login'")
	}
	return c, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
