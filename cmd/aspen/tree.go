package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/aspen/internal/state"
	"github.com/ShayCichocki/aspen/pkg/models"
)

var treeCmd = &cobra.Command{
	Use:   "tree [id]",
	Short: "Show a task tree",
	Long: `Show the tree a task belongs to, anchored at the given task.
Inside a session the id can be omitted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTree,
}

var treesCmd = &cobra.Command{
	Use:   "trees",
	Short: "Show an overview of all task trees",
	RunE:  runTrees,
}

var (
	treeSubjectStyle = lipgloss.NewStyle().Bold(true)
	treeDimStyle     = lipgloss.NewStyle().Faint(true)
	treeStatusStyles = map[models.TaskStatus]lipgloss.Style{
		models.TaskStatusPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		models.TaskStatusLaunched:   lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		models.TaskStatusInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		models.TaskStatusCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		models.TaskStatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		models.TaskStatusKilled:     lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
	}
)

func runTree(cmd *cobra.Command, args []string) error {
	id, err := resolveTaskID(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tree, err := newHubClient(cfg).GetTree(context.Background(), id)
	if err != nil {
		return err
	}

	var b strings.Builder
	renderNode(&b, tree.Root, "", true)
	fmt.Print(b.String())
	fmt.Printf("\n%d tasks: %s\n", tree.Total, summaryLine(tree.Summary))
	return nil
}

func runTrees(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	trees, err := newHubClient(cfg).ListTrees(context.Background())
	if err != nil {
		return err
	}
	if len(trees) == 0 {
		fmt.Println("No task trees.")
		return nil
	}

	for _, overview := range trees {
		root := overview.Root
		fmt.Printf("%5d  %s %s\n", root.ID, treeSubjectStyle.Render(root.Subject), statusBadge(root.Status))
		fmt.Printf("       %s\n", treeDimStyle.Render(fmt.Sprintf("%d tasks: %s", overview.Total, summaryLine(overview.Summary))))
	}
	return nil
}

// renderNode renders one tree node and its subtree with box-drawing
// connectors.
func renderNode(b *strings.Builder, node *state.TreeNode, prefix string, isLast bool) {
	connector := "├── "
	childPrefix := prefix + "│   "
	if isLast {
		connector = "└── "
		childPrefix = prefix + "    "
	}
	if prefix == "" && isLast {
		connector = ""
		childPrefix = ""
	}

	task := node.Task
	line := fmt.Sprintf("%s%s%s %s %s",
		prefix, connector,
		treeDimStyle.Render(fmt.Sprintf("#%d", task.ID)),
		treeSubjectStyle.Render(task.Subject),
		statusBadge(task.Status))
	if task.Blocked() {
		line += treeDimStyle.Render(fmt.Sprintf(" (waiting on #%d)", task.BlockedByTaskID))
	}
	b.WriteString(line + "\n")

	for i, child := range node.Children {
		renderNode(b, child, childPrefix, i == len(node.Children)-1)
	}
}

// statusBadge renders a status in its conventional color.
func statusBadge(status models.TaskStatus) string {
	style, ok := treeStatusStyles[status]
	if !ok {
		return string(status)
	}
	return style.Render("[" + string(status) + "]")
}

// summaryLine renders the non-zero status counts of a summary.
func summaryLine(s state.StatusSummary) string {
	parts := []string{}
	add := func(n int, label string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, label))
		}
	}
	add(s.Completed, "completed")
	add(s.InProgress, "in progress")
	add(s.Launched, "launched")
	add(s.Blocked, "blocked")
	add(s.Pending-s.Blocked, "pending")
	add(s.Failed, "failed")
	add(s.Killed, "killed")
	if len(parts) == 0 {
		return "empty"
	}
	return strings.Join(parts, ", ")
}
