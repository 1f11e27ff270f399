// Package config loads daemon configuration from DISPATCHD_* environment
// variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const namespace = "DISPATCHD"

type Config struct {
	// Addr is the HTTP listen address.
	Addr string `envconfig:"ADDR" default:"127.0.0.1:8745"`

	// DBPath is the sqlite database file; defaults to ~/.dispatchd/dispatchd.db.
	DBPath string `envconfig:"DB_PATH"`

	// RegistryPath is the project catalogue file.
	RegistryPath string `envconfig:"REGISTRY_PATH"`

	// ReposDir holds the managed working copies, one per project.
	ReposDir string `envconfig:"REPOS_DIR"`

	AgentCommand string        `envconfig:"AGENT_COMMAND" default:"claude"`
	AgentArgs    []string      `envconfig:"AGENT_ARGS" default:"--print,--dangerously-skip-permissions"`
	AgentTimeout time.Duration `envconfig:"AGENT_TIMEOUT" default:"30m"`

	ChatToken    string `envconfig:"CHAT_TOKEN"`
	ChatEndpoint string `envconfig:"CHAT_ENDPOINT" default:"https://slack.com/api"`

	MaxRunning   int    `envconfig:"MAX_RUNNING" default:"1"`
	RetainTasks  int    `envconfig:"RETAIN_TASKS" default:"200"`
	BranchPrefix string `envconfig:"BRANCH_PREFIX" default:"dispatch/"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads the environment and fills in home-relative defaults for the
// paths that have them.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(namespace, &cfg); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	if cfg.DBPath == "" || cfg.RegistryPath == "" || cfg.ReposDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		base := filepath.Join(home, ".dispatchd")
		if cfg.DBPath == "" {
			cfg.DBPath = filepath.Join(base, "dispatchd.db")
		}
		if cfg.RegistryPath == "" {
			cfg.RegistryPath = filepath.Join(base, "projects.yaml")
		}
		if cfg.ReposDir == "" {
			cfg.ReposDir = filepath.Join(base, "repos")
		}
	}

	if cfg.MaxRunning <= 0 {
		cfg.MaxRunning = 1
	}
	return &cfg, nil
}

// SlogLevel parses LogLevel, falling back to info on bad input.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
