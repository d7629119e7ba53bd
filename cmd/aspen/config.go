package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/aspen/internal/config"
	"github.com/ShayCichocki/aspen/internal/state"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	RunE:  runConfig,
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dbPath := cfg.Hub.DBPath
	if dbPath == "" {
		dbPath = state.DefaultDBPath()
	}

	fmt.Printf("config file: %s\n\n", config.GetUserConfigPath())
	fmt.Printf("hub:\n")
	fmt.Printf("  listen:  %s\n", cfg.Hub.Listen)
	fmt.Printf("  url:     %s\n", cfg.Hub.URL)
	fmt.Printf("  store:   %s\n", dbPath)
	fmt.Printf("  actor:   %s\n", cfg.Hub.Actor)
	fmt.Printf("  admins:  %v\n", cfg.Hub.Admins)
	fmt.Printf("  token:   %s\n", maskToken(cfg.Hub.Token))
	fmt.Printf("ember:\n")
	fmt.Printf("  host:     %s\n", cfg.Ember.Host)
	fmt.Printf("  listen:   %s\n", cfg.Ember.Listen)
	fmt.Printf("  url:      %s\n", cfg.Ember.URL)
	fmt.Printf("  capacity: %d\n", cfg.Ember.Capacity)
	fmt.Printf("  repo:     %s\n", cfg.Ember.RepoPath)
	fmt.Printf("  command:  %v\n", cfg.Ember.AgentCommand)
	fmt.Printf("  token:    %s\n", maskToken(cfg.Ember.Token))
	fmt.Printf("conductor:\n")
	fmt.Printf("  tick:           %s\n", cfg.Conductor.TickInterval)
	fmt.Printf("  retry ceiling:  %d\n", cfg.Conductor.RetryCeiling)
	fmt.Printf("  stale launched: %s\n", cfg.Conductor.StaleLaunched)
	if cfg.Conductor.SignalDir != "" {
		fmt.Printf("  signal dir:     %s\n", cfg.Conductor.SignalDir)
	}
	return nil
}

// maskToken hides all but a hint of a secret.
func maskToken(token string) string {
	if token == "" {
		return "(none)"
	}
	if len(token) <= 4 {
		return "****"
	}
	return token[:2] + "****" + token[len(token)-2:]
}
