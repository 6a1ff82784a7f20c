// Package config loads service configuration from a YAML file and
// TICKETS_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ProviderConfig describes one configured external integration. Kind
// selects the adapter; the remaining fields are adapter-specific and only
// the relevant subset needs to be set.
type ProviderConfig struct {
	ID   string `mapstructure:"id"`
	Kind string `mapstructure:"kind"` // jira, github, gitlab, wiki

	BaseURL string `mapstructure:"base_url"`

	// Jira / wiki credentials
	Email    string `mapstructure:"email"`
	APIToken string `mapstructure:"api_token"`

	// GitHub / GitLab token
	Token string `mapstructure:"token"`

	// Jira search filter
	JQL string `mapstructure:"jql"`

	// Wiki search filter
	CQL string `mapstructure:"cql"`

	// GitHub repository
	Owner string `mapstructure:"owner"`
	Repo  string `mapstructure:"repo"`

	// GitLab project
	ProjectID string `mapstructure:"project_id"`

	// Issue state filter where the tracker supports one
	State string `mapstructure:"state"`
}

// Config holds the service configuration.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`

	// RedisAddr enables response caching and budget gating when set.
	RedisAddr string `mapstructure:"redis_addr"`

	// SQLitePath locates the materialized-ticket database.
	SQLitePath string `mapstructure:"sqlite_path"`

	UserAgent string `mapstructure:"user_agent"`

	DefaultPageSize int `mapstructure:"default_page_size"`
	MaxPageSize     int `mapstructure:"max_page_size"`

	Providers []ProviderConfig `mapstructure:"providers"`
}

// Load reads configuration from the given file (optional, "" skips it) and
// the environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
	v.SetDefault("sqlite_path", "tickets.db")
	v.SetDefault("user_agent", "external-tickets/1.0")
	v.SetDefault("default_page_size", 25)
	v.SetDefault("max_page_size", 100)

	v.SetEnvPrefix("TICKETS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DefaultPageSize <= 0 || c.DefaultPageSize > c.MaxPageSize {
		return fmt.Errorf("default_page_size must be in [1, %d] (got %d)", c.MaxPageSize, c.DefaultPageSize)
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d]: id is required", i)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = struct{}{}

		switch p.Kind {
		case "jira", "github", "gitlab", "wiki":
		default:
			return fmt.Errorf("providers[%d]: unknown kind %q", i, p.Kind)
		}
	}

	return nil
}
