package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/autoclaude/autoclaude/internal/registry"
)

var statusCmd = &cobra.Command{
	Use:   "status [project-path]",
	Short: "Show durable task statuses for a project",
	Long:  `Display every task under the project's spec directory with its durable status.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	projectPath, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}
	if len(args) == 1 {
		projectPath, err = filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolve project path: %w", err)
		}
	}

	reg, err := registry.NewRegistry(nil)
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}
	defer reg.Close()

	projectID := filepath.Base(projectPath)
	if err := reg.AddProject(projectID, projectPath); err != nil {
		return fmt.Errorf("register project: %w", err)
	}

	tasks, err := reg.Tasks(projectID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks")
		return nil
	}

	fmt.Printf("Project: %s (%d tasks)\n\n", projectID, len(tasks))
	for _, task := range tasks {
		fmt.Printf("%-24s %-14s %s\n", task.ID, task.Status, task.Title)
		if !task.UpdatedAt.IsZero() {
			fmt.Printf("    Updated: %s\n", task.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		done := 0
		for _, st := range task.Subtasks {
			if st.Completed {
				done++
			}
		}
		if len(task.Subtasks) > 0 {
			fmt.Printf("    Subtasks: %d/%d complete\n", done, len(task.Subtasks))
		}
	}
	return nil
}
