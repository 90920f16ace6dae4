package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/fentz26/hub/internal/models"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new task",
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskUpdateCmd = &cobra.Command{
	Use:   "update [task-id]",
	Short: "Update a task's description or status",
	Long: `Update a task. Moving a task to "in-progress" starts a pipeline for it
when the daemon runs with auto-start enabled; the --git-* flags are passed to
that pipeline only and are never stored.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskUpdate,
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete [task-id]",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskDelete,
}

var (
	taskDesc    string
	taskStatus  string
	gitURL      string
	gitUsername string
	gitToken    string
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskUpdateCmd, taskDeleteCmd)

	taskAddCmd.Flags().StringVar(&taskDesc, "desc", "", "Task description (required)")
	taskAddCmd.MarkFlagRequired("desc")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Only show tasks with this status")

	taskUpdateCmd.Flags().StringVar(&taskDesc, "desc", "", "New description")
	taskUpdateCmd.Flags().StringVar(&taskStatus, "status", "", "New status (pending, in-progress, done)")
	addGitFlags(taskUpdateCmd)
}

func addGitFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&gitURL, "git-url", "", "Repository URL for the pipeline")
	cmd.Flags().StringVar(&gitUsername, "git-username", "", "Repository username")
	cmd.Flags().StringVar(&gitToken, "git-token", "", "Repository token (defaults to $HUB_GIT_TOKEN)")
}

// resolvedGitToken prefers the flag and falls back to the environment, so the
// token need not appear in shell history.
func resolvedGitToken() string {
	if gitToken != "" {
		return gitToken
	}
	return os.Getenv("HUB_GIT_TOKEN")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/api/tasks", map[string]string{"description": taskDesc})
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}

	fmt.Printf("Created task: %s\n", task.ID)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/api/tasks")
	if err != nil {
		return err
	}

	var tasks []models.Task
	if err := json.Unmarshal(resp, &tasks); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tUPDATED\tDESCRIPTION")
	shown := 0
	for _, t := range tasks {
		if taskStatus != "" && string(t.Status) != taskStatus {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Status, t.UpdatedAt.Local().Format("2006-01-02 15:04"), truncate(t.Description, 50))
		shown++
	}
	if shown == 0 {
		fmt.Println("No tasks found")
		return nil
	}
	w.Flush()
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/api/tasks/" + url.PathEscape(args[0]))
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", task.ID)
	fmt.Printf("Description: %s\n", task.Description)
	fmt.Printf("Status:      %s\n", task.Status)
	fmt.Printf("Created:     %s\n", task.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:     %s\n", task.UpdatedAt.Local().Format("2006-01-02 15:04:05"))

	pipelines, err := fetchPipelines(task.ID)
	if err != nil {
		return err
	}
	if len(pipelines) > 0 {
		fmt.Println()
		printPipelines(pipelines)
	}
	return nil
}

func runTaskUpdate(cmd *cobra.Command, args []string) error {
	body := map[string]string{}
	if cmd.Flags().Changed("desc") {
		body["description"] = taskDesc
	}
	if taskStatus != "" {
		body["status"] = taskStatus
	}
	if gitURL != "" {
		body["gitUrl"] = gitURL
	}
	if gitUsername != "" {
		body["gitUsername"] = gitUsername
	}
	if token := resolvedGitToken(); token != "" {
		body["gitToken"] = token
	}
	if len(body) == 0 {
		return fmt.Errorf("nothing to update: pass --desc or --status")
	}

	resp, err := apiPut("/api/tasks/"+url.PathEscape(args[0]), body)
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}
	fmt.Printf("Updated task %s (%s)\n", task.ID, task.Status)
	return nil
}

func runTaskDelete(cmd *cobra.Command, args []string) error {
	if _, err := apiDelete("/api/tasks/" + url.PathEscape(args[0])); err != nil {
		return err
	}
	fmt.Printf("Deleted task %s\n", args[0])
	return nil
}

// --- Helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
