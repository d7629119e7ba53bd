package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/aspen/internal/hub"
	"github.com/ShayCichocki/aspen/pkg/models"
)

// importFile is the YAML shape for bulk task creation. Tasks reference
// each other by key, so a whole dependency chain imports in one file.
type importFile struct {
	Tasks []importTask `yaml:"tasks"`
}

type importTask struct {
	Key        string `yaml:"key"`
	Creator    string `yaml:"creator"`
	Assignee   string `yaml:"assignee"`
	Subject    string `yaml:"subject"`
	Prompt     string `yaml:"prompt"`
	WorkingDir string `yaml:"working_dir"`
	Host       string `yaml:"host"`
	BlockedBy  string `yaml:"blocked_by"`
	Parent     string `yaml:"parent"`
	OnComplete string `yaml:"on_complete"`
	CardRef    string `yaml:"card"`
	MaxDepth   int    `yaml:"max_depth"`
}

var taskImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create tasks from a YAML file",
	Long: `Create a batch of tasks from a YAML file. Tasks reference each
other by key, so chains and trees import in one shot:

  tasks:
    - key: build
      assignee: worker-1
      subject: Build the feature
      prompt: Implement the feature described in the card
      card: PROJ-123
    - key: test
      assignee: worker-1
      subject: Test the feature
      prompt: Run the full test suite
      blocked_by: build

Tasks are created in file order; a blocked_by or parent reference must
point at an earlier task's key.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskImport,
}

func runTaskImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}

	var file importFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}
	if len(file.Tasks) == 0 {
		return fmt.Errorf("%s contains no tasks", args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := newHubClient(cfg)
	ctx := context.Background()

	created := make(map[string]int64, len(file.Tasks))
	resolveKey := func(field, key string) (int64, error) {
		if key == "" {
			return 0, nil
		}
		id, ok := created[key]
		if !ok {
			return 0, fmt.Errorf("%s references key %q, which is not an earlier task", field, key)
		}
		return id, nil
	}

	for i, def := range file.Tasks {
		if def.Key == "" {
			return fmt.Errorf("task %d has no key", i+1)
		}
		if _, dup := created[def.Key]; dup {
			return fmt.Errorf("duplicate task key %q", def.Key)
		}

		blockedBy, err := resolveKey("blocked_by", def.BlockedBy)
		if err != nil {
			return err
		}
		parent, err := resolveKey("parent", def.Parent)
		if err != nil {
			return err
		}

		creator := def.Creator
		if creator == "" {
			creator = cfg.Hub.Actor
		}
		var metadata *models.TaskMetadata
		if def.MaxDepth > 0 {
			metadata = &models.TaskMetadata{MaxDepth: def.MaxDepth}
		}

		task, err := client.CreateTask(ctx, hub.CreateTaskRequest{
			Creator:         creator,
			Assignee:        def.Assignee,
			Subject:         def.Subject,
			Prompt:          def.Prompt,
			WorkingDir:      def.WorkingDir,
			HostHint:        def.Host,
			BlockedByTaskID: blockedBy,
			ParentTaskID:    parent,
			OnComplete:      def.OnComplete,
			CardRef:         def.CardRef,
			Metadata:        metadata,
		})
		if err != nil {
			return fmt.Errorf("create task %q: %w", def.Key, err)
		}
		created[def.Key] = task.ID
		fmt.Printf("%-20s -> task %d (%s)\n", def.Key, task.ID, statusColored(task.Status))
	}

	fmt.Printf("imported %d tasks\n", len(created))
	return nil
}
