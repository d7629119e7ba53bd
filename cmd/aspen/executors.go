package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var executorsCmd = &cobra.Command{
	Use:   "executors",
	Short: "Manage executor endpoints",
}

var executorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered executors",
	RunE:  runExecutorsList,
}

var executorsAddCmd = &cobra.Command{
	Use:   "add <name> <url>",
	Short: "Register an executor endpoint",
	Args:  cobra.ExactArgs(2),
	RunE:  runExecutorsAdd,
}

var executorsRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Withdraw an executor endpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecutorsRemove,
}

func init() {
	executorsCmd.AddCommand(executorsListCmd)
	executorsCmd.AddCommand(executorsAddCmd)
	executorsCmd.AddCommand(executorsRemoveCmd)
}

func runExecutorsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	eps, err := newHubClient(cfg).ListExecutors(context.Background())
	if err != nil {
		return err
	}
	if len(eps) == 0 {
		fmt.Println("No executors registered.")
		return nil
	}
	for _, ep := range eps {
		fmt.Printf("%-16s %-32s last seen %s\n", ep.Name, ep.URL, ep.LastSeen.Local().Format(time.RFC822))
	}
	return nil
}

func runExecutorsAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ep, err := newHubClient(cfg).RegisterExecutor(context.Background(), args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("executor %s registered at %s\n", ep.Name, ep.URL)
	return nil
}

func runExecutorsRemove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := newHubClient(cfg).RemoveExecutor(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("executor %s removed\n", args[0])
	return nil
}
