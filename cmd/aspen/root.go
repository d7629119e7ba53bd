package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/aspen/internal/config"
	"github.com/ShayCichocki/aspen/internal/hub"
)

var rootCmd = &cobra.Command{
	Use:   "aspen",
	Short: "Task dependency and scheduling engine",
	Long: `Aspen tracks trees of tasks with dependencies and drives them to
completion across remote execution hosts.

A hub process owns the task store and the dependency engine: tasks
blocked on other tasks wait, completed blockers release their
dependents, and failures cascade down the chain. Per-host ember
daemons run each task in an isolated git worktree and report the
outcome back.

Typical setup:
  aspen hub                          # start the hub on one machine
  aspen ember --host worker-1        # start an executor per host
  aspen task create --assignee worker-1 --subject "build it" ...`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the effective configuration for CLI commands.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

// newHubClient builds a hub client acting as the configured participant.
// The actor falls back to the OS username when unset.
func newHubClient(cfg *config.Config) *hub.Client {
	actor := cfg.Hub.Actor
	if actor == "" {
		actor = os.Getenv("USER")
	}
	return hub.NewClient(cfg.Hub.URL, cfg.Hub.Token, actor)
}

func init() {
	rootCmd.AddCommand(hubCmd)
	rootCmd.AddCommand(emberCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(treesCmd)
	rootCmd.AddCommand(executorsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
