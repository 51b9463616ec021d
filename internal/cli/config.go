package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Profile is one saved server and key pair.
type Profile struct {
	Server string `yaml:"server"`
	APIKey string `yaml:"api_key"`
}

// Config is the on-disk CLI configuration.
type Config struct {
	CurrentProfile string             `yaml:"current_profile"`
	Profiles       map[string]Profile `yaml:"profiles"`
}

// DefaultConfigPath is where the CLI reads and writes credentials.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "pinchwork", "config.yaml")
}

// LoadConfig reads the config file. A missing file is not an error; it
// yields an empty config with the default profile selected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{
				CurrentProfile: "default",
				Profiles:       map[string]Profile{},
			}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]Profile{}
	}
	if cfg.CurrentProfile == "" {
		cfg.CurrentProfile = "default"
	}
	return &cfg, nil
}

// Save writes the config with owner-only permissions; it holds API keys.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ActiveProfile resolves the profile to use, preferring the override.
// Unknown names resolve to an empty profile rather than an error so a
// fresh machine can still run anonymous commands.
func (c *Config) ActiveProfile(override string) (Profile, string) {
	name := c.CurrentProfile
	if override != "" {
		name = override
	}
	return c.Profiles[name], name
}

// SetProfile stores a profile under the given name.
func (c *Config) SetProfile(name string, p Profile) {
	if c.Profiles == nil {
		c.Profiles = map[string]Profile{}
	}
	c.Profiles[name] = p
}
