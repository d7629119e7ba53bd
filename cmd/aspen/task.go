package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/aspen/internal/hub"
	"github.com/ShayCichocki/aspen/internal/state"
	"github.com/ShayCichocki/aspen/pkg/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and manage tasks",
}

var createFlags struct {
	creator    string
	assignee   string
	subject    string
	prompt     string
	workingDir string
	hostHint   string
	blockedBy  int64
	parent     int64
	onComplete string
	cardRef    string
	maxDepth   int
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task",
	Long: `Create a task and dispatch it if nothing blocks it.

A task blocked on another task waits until its blocker completes; if
the blocker fails, the failure cascades and this task fails too. The
parent defaults to the blocker, so chains form a tree without extra
flags.

Examples:
  aspen task create --assignee worker-1 --subject "build" --prompt "build the feature"
  aspen task create --assignee worker-1 --subject "test" --prompt "run tests" --blocked-by 12
  aspen task create --assignee worker-1 --subject "ship" --prompt "ship it" \
      --on-complete "verify the deployment"`,
	RunE: runTaskCreate,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show one task",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTaskShow,
}

var listFlags struct {
	assignee string
	creator  string
	status   string
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskStartCmd = &cobra.Command{
	Use:   "start [id]",
	Short: "Mark a task in progress",
	Args:  cobra.MaximumNArgs(1),
	RunE:  transitionRunE(models.TaskStatusInProgress),
}

var taskDoneCmd = &cobra.Command{
	Use:   "done [id]",
	Short: "Mark a task completed",
	Long: `Mark a task completed. Tasks blocked on it are released and
dispatched.

Inside a session the id can be omitted; it is taken from the session
environment.`,
	Args: cobra.MaximumNArgs(1),
	RunE: transitionRunE(models.TaskStatusCompleted),
}

var taskFailCmd = &cobra.Command{
	Use:   "fail [id]",
	Short: "Mark a task failed",
	Long: `Mark a task failed. The failure cascades: every task blocked on
it, directly or transitively, fails as well.`,
	Args: cobra.MaximumNArgs(1),
	RunE: transitionRunE(models.TaskStatusFailed),
}

var transitionOutput string

var taskRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Retry a failed task",
	Long: `Create a fresh child task copying the failed task's work and
dispatch it immediately. Only failed tasks can be retried.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskRetry,
}

var taskKillCmd = &cobra.Command{
	Use:   "kill <id>",
	Short: "Kill an active task",
	Long: `Terminate a task's running session and mark it killed. Unlike
failure, a kill never cascades: tasks blocked on the killed task keep
waiting.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskKill,
}

var taskReparentCmd = &cobra.Command{
	Use:   "reparent <id> <new-parent-id>",
	Short: "Move a task under a new parent",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskReparent,
}

func init() {
	f := taskCreateCmd.Flags()
	f.StringVar(&createFlags.creator, "creator", "", "Creator name (defaults to the configured actor)")
	f.StringVar(&createFlags.assignee, "assignee", "", "Participant the task is assigned to")
	f.StringVar(&createFlags.subject, "subject", "", "Short task label")
	f.StringVar(&createFlags.prompt, "prompt", "", "Full work instructions")
	f.StringVar(&createFlags.workingDir, "working-dir", "", "Repository the session runs against")
	f.StringVar(&createFlags.hostHint, "host", "", "Route the session to this host's executor")
	f.Int64Var(&createFlags.blockedBy, "blocked-by", 0, "Task that must complete first")
	f.Int64Var(&createFlags.parent, "parent", 0, "Parent task (defaults to the blocker)")
	f.StringVar(&createFlags.onComplete, "on-complete", "", "Prompt for a follow-up task spawned after completion")
	f.StringVar(&createFlags.cardRef, "card", "", "External card or ticket reference")
	f.IntVar(&createFlags.maxDepth, "max-depth", 0, "Depth ceiling for this task's tree")

	lf := taskListCmd.Flags()
	lf.StringVar(&listFlags.assignee, "assignee", "", "Filter by assignee")
	lf.StringVar(&listFlags.creator, "creator", "", "Filter by creator")
	lf.StringVar(&listFlags.status, "status", "", "Filter by status")

	for _, c := range []*cobra.Command{taskStartCmd, taskDoneCmd, taskFailCmd} {
		c.Flags().StringVar(&transitionOutput, "output", "", "Result text recorded on the task")
	}

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskStartCmd)
	taskCmd.AddCommand(taskDoneCmd)
	taskCmd.AddCommand(taskFailCmd)
	taskCmd.AddCommand(taskRetryCmd)
	taskCmd.AddCommand(taskKillCmd)
	taskCmd.AddCommand(taskReparentCmd)
	taskCmd.AddCommand(taskImportCmd)
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := newHubClient(cfg)

	creator := createFlags.creator
	if creator == "" {
		creator = cfg.Hub.Actor
	}

	var metadata *models.TaskMetadata
	if createFlags.maxDepth > 0 {
		metadata = &models.TaskMetadata{MaxDepth: createFlags.maxDepth}
	}

	task, err := client.CreateTask(context.Background(), hub.CreateTaskRequest{
		Creator:         creator,
		Assignee:        createFlags.assignee,
		Subject:         createFlags.subject,
		Prompt:          createFlags.prompt,
		WorkingDir:      createFlags.workingDir,
		HostHint:        createFlags.hostHint,
		BlockedByTaskID: createFlags.blockedBy,
		ParentTaskID:    createFlags.parent,
		OnComplete:      createFlags.onComplete,
		CardRef:         createFlags.cardRef,
		Metadata:        metadata,
	})
	if err != nil {
		return err
	}

	printTask(task)
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	id, err := resolveTaskID(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	task, err := newHubClient(cfg).GetTask(context.Background(), id)
	if err != nil {
		return err
	}
	printTask(task)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tasks, err := newHubClient(cfg).ListTasks(context.Background(), state.TaskFilter{
		Assignee: listFlags.assignee,
		Creator:  listFlags.creator,
		Status:   models.TaskStatus(listFlags.status),
	})
	if err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}
	for _, task := range tasks {
		fmt.Printf("%5d  %-12s %-10s %s\n", task.ID, statusColored(task.Status), task.Assignee, task.Subject)
	}
	return nil
}

// transitionRunE builds the RunE for start/done/fail commands.
func transitionRunE(status models.TaskStatus) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := resolveTaskID(args)
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		task, err := newHubClient(cfg).Transition(context.Background(), id, status, transitionOutput)
		if err != nil {
			return err
		}
		fmt.Printf("task %d is now %s\n", task.ID, statusColored(task.Status))
		return nil
	}
}

func runTaskRetry(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid task id %q", args[0])
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	retry, err := newHubClient(cfg).Retry(context.Background(), id)
	if err != nil {
		return err
	}
	fmt.Printf("task %d retried as %d (attempt %d, %s)\n", id, retry.ID, retry.RetryCount, statusColored(retry.Status))
	return nil
}

func runTaskKill(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid task id %q", args[0])
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	task, err := newHubClient(cfg).Kill(context.Background(), id)
	if err != nil {
		return err
	}
	fmt.Printf("task %d is now %s\n", task.ID, statusColored(task.Status))
	return nil
}

func runTaskReparent(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid task id %q", args[0])
	}
	parentID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid parent id %q", args[1])
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	task, err := newHubClient(cfg).Reparent(context.Background(), id, parentID)
	if err != nil {
		return err
	}
	fmt.Printf("task %d now under %d at depth %d\n", task.ID, task.ParentTaskID, task.Depth)
	return nil
}

// printTask prints one task in full.
func printTask(task *models.Task) {
	bold := color.New(color.Bold)
	bold.Printf("task %d", task.ID)
	fmt.Printf("  %s\n", statusColored(task.Status))
	fmt.Printf("  subject:  %s\n", task.Subject)
	fmt.Printf("  creator:  %s\n", task.Creator)
	fmt.Printf("  assignee: %s\n", task.Assignee)
	if task.BlockedByTaskID != 0 {
		fmt.Printf("  blocked by: %d\n", task.BlockedByTaskID)
	}
	if task.ParentTaskID != 0 {
		fmt.Printf("  parent: %d (root %d, depth %d)\n", task.ParentTaskID, task.RootTaskID, task.Depth)
	}
	if task.OnComplete != "" {
		fmt.Printf("  on complete: %s\n", task.OnComplete)
	}
	if task.CardRef != "" {
		fmt.Printf("  card: %s\n", task.CardRef)
	}
	if task.RetryCount > 0 {
		fmt.Printf("  retry: attempt %d\n", task.RetryCount)
	}
	fmt.Printf("  created: %s\n", task.CreatedAt.Local().Format(time.RFC822))
	if task.CompletedAt != nil {
		fmt.Printf("  finished: %s\n", task.CompletedAt.Local().Format(time.RFC822))
	}
	if task.Output != "" {
		fmt.Printf("  output:\n")
		for _, line := range strings.Split(task.Output, "\n") {
			fmt.Printf("    %s\n", line)
		}
	}
}

// statusColored renders a status with the conventional color.
func statusColored(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusCompleted:
		return color.GreenString(string(status))
	case models.TaskStatusFailed:
		return color.RedString(string(status))
	case models.TaskStatusKilled:
		return color.MagentaString(string(status))
	case models.TaskStatusInProgress, models.TaskStatusLaunched:
		return color.YellowString(string(status))
	default:
		return color.CyanString(string(status))
	}
}
