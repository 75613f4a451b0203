package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds the process-wide runtime settings read from RUNNER_* variables.
type Settings struct {
	DataDir       string `envconfig:"DATA_DIR" default:""`
	WorkspacesDir string `envconfig:"WORKSPACES_DIR" default:""`
	DockerHost    string `envconfig:"DOCKER_HOST" default:""`
	Shell         string `envconfig:"SHELL" default:"bash"`

	// restart policy
	RestartWatchdog    time.Duration `envconfig:"RESTART_WATCHDOG" default:"300s"`
	BackoffStep        time.Duration `envconfig:"BACKOFF_STEP" default:"1s"`
	BackoffMax         time.Duration `envconfig:"BACKOFF_MAX" default:"30s"`
	RestartStableAfter time.Duration `envconfig:"RESTART_STABLE_AFTER" default:"5s"`
	ForceRestartDelay  time.Duration `envconfig:"FORCE_RESTART_DELAY" default:"1s"`

	// 0 keeps the whole session output
	ScrollbackLimit int `envconfig:"SCROLLBACK_LIMIT" default:"0"`

	StatsInterval time.Duration `envconfig:"STATS_INTERVAL" default:"2s"`

	SlackWebhookURL string `envconfig:"SLACK_WEBHOOK_URL" default:""`
	PushEnabled     bool   `envconfig:"PUSH_ENABLED" default:"false"`
}

// Load reads settings from the environment and fills in path defaults
// relative to the user's config directory.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process("RUNNER", &s); err != nil {
		return s, fmt.Errorf("load settings: %w", err)
	}
	if s.DataDir == "" {
		home, _ := os.UserHomeDir()
		s.DataDir = filepath.Join(home, ".config", "runner")
	}
	if s.WorkspacesDir == "" {
		s.WorkspacesDir = filepath.Join(s.DataDir, "workspaces")
	}
	if s.BackoffStep <= 0 {
		return s, fmt.Errorf("RUNNER_BACKOFF_STEP must be positive, got %s", s.BackoffStep)
	}
	if s.BackoffMax < s.BackoffStep {
		return s, fmt.Errorf("RUNNER_BACKOFF_MAX (%s) is below RUNNER_BACKOFF_STEP (%s)", s.BackoffMax, s.BackoffStep)
	}
	return s, nil
}
