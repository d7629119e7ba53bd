// Package config handles configuration loading for aspen. It supports
// XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for aspen.
type Config struct {
	Hub       HubConfig       `mapstructure:"hub"`
	Ember     EmberConfig     `mapstructure:"ember"`
	Conductor ConductorConfig `mapstructure:"conductor"`
}

// HubConfig holds the hub daemon and client settings.
type HubConfig struct {
	// Listen is the hub's bind address.
	Listen string `mapstructure:"listen"`
	// URL is where clients and executors reach the hub.
	URL string `mapstructure:"url"`
	// Token is the bearer token guarding the hub API.
	Token string `mapstructure:"token"`
	// DBPath overrides the default task store location.
	DBPath string `mapstructure:"db_path"`
	// Actor is the participant name used for CLI operations.
	Actor string `mapstructure:"actor"`
	// Admins are participants allowed to move any task.
	Admins []string `mapstructure:"admins"`
	// LogPath is the hub's operational log file.
	LogPath string `mapstructure:"log_path"`
}

// EmberConfig holds the per-host executor settings.
type EmberConfig struct {
	// Host is the participant name this executor serves.
	Host string `mapstructure:"host"`
	// Listen is the executor's bind address.
	Listen string `mapstructure:"listen"`
	// URL is the endpoint advertised to the hub at registration.
	URL string `mapstructure:"url"`
	// Token is the bearer token guarding the executor API.
	Token string `mapstructure:"token"`
	// Capacity caps concurrent sessions, zero means unlimited.
	Capacity int `mapstructure:"capacity"`
	// RepoPath is the repository sessions are isolated from.
	RepoPath string `mapstructure:"repo_path"`
	// WorktreeBase is where session worktrees live.
	WorktreeBase string `mapstructure:"worktree_base"`
	// AgentCommand is the session command template with {prompt},
	// {subject} and {task_id} placeholders.
	AgentCommand []string `mapstructure:"agent_command"`
	// ReapInterval is how often dead sessions are swept.
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	// LogPath is the executor's operational log file.
	LogPath string `mapstructure:"log_path"`
}

// ConductorConfig holds the reconciliation loop settings.
type ConductorConfig struct {
	// TickInterval is how often reconciliation runs unprompted.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// RetryCeiling caps automatic retries per task lineage.
	RetryCeiling int `mapstructure:"retry_ceiling"`
	// StaleLaunched is how long a launched task may go without starting
	// work before it is failed.
	StaleLaunched time.Duration `mapstructure:"stale_launched"`
	// MaxActivePerHost defers follow-up creation while an executor runs
	// this many sessions. Zero disables the guardrail.
	MaxActivePerHost int `mapstructure:"max_active_per_host"`
	// DefaultMaxDepth bounds tree growth absent per-root metadata.
	DefaultMaxDepth int `mapstructure:"default_max_depth"`
	// SignalDir is watched for files requesting a reconciliation.
	SignalDir string `mapstructure:"signal_dir"`
}

// Load loads configuration with the following precedence, highest first:
// environment variables, project config (.aspen.yaml in the current
// directory or a parent), user config (~/.config/aspen/config.yaml),
// built-in defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("hub.url", "ASPEN_HUB_URL")
	v.BindEnv("hub.token", "ASPEN_HUB_TOKEN")
	v.BindEnv("hub.actor", "ASPEN_ACTOR")
	v.BindEnv("ember.token", "ASPEN_EMBER_TOKEN")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Hub.Token = expandEnv(cfg.Hub.Token)
	cfg.Ember.Token = expandEnv(cfg.Ember.Token)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Hub.Token = expandEnv(cfg.Hub.Token)
	cfg.Ember.Token = expandEnv(cfg.Ember.Token)

	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// setDefaults configures built-in defaults.
func setDefaults(v *viper.Viper) {
	v.SetDefault("hub.listen", "127.0.0.1:7070")
	v.SetDefault("hub.url", "http://127.0.0.1:7070")
	v.SetDefault("hub.token", "")
	v.SetDefault("hub.db_path", "")
	v.SetDefault("hub.actor", "")
	v.SetDefault("hub.admins", []string{"aspen"})
	v.SetDefault("hub.log_path", "")

	v.SetDefault("ember.host", "")
	v.SetDefault("ember.listen", "127.0.0.1:7071")
	v.SetDefault("ember.url", "http://127.0.0.1:7071")
	v.SetDefault("ember.token", "")
	v.SetDefault("ember.capacity", 4)
	v.SetDefault("ember.repo_path", ".")
	v.SetDefault("ember.worktree_base", "")
	v.SetDefault("ember.agent_command", []string{"claude", "-p", "{prompt}"})
	v.SetDefault("ember.reap_interval", "30s")
	v.SetDefault("ember.log_path", "")

	v.SetDefault("conductor.tick_interval", "30s")
	v.SetDefault("conductor.retry_ceiling", 2)
	v.SetDefault("conductor.stale_launched", "10m")
	v.SetDefault("conductor.max_active_per_host", 0)
	v.SetDefault("conductor.default_max_depth", 10)
	v.SetDefault("conductor.signal_dir", "")
}

// getUserConfigDir returns the XDG config directory for aspen.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "aspen")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "aspen")
	}
	return filepath.Join(home, ".config", "aspen")
}

// findProjectConfig searches for .aspen.yaml in the current directory and
// parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".aspen.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with environment values.
func expandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		return os.Getenv(name)
	})
}
