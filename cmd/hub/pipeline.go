package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fentz26/hub/internal/controlplane"
	"github.com/fentz26/hub/internal/models"
	"github.com/spf13/cobra"
)

var pipelineCmd = &cobra.Command{
	Use:     "pipeline",
	Aliases: []string{"pipe"},
	Short:   "Manage pipelines",
}

var pipelineCreateCmd = &cobra.Command{
	Use:   "create [task-id]",
	Short: "Start a new pipeline for a task, stopping any active one",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineCreate,
}

var pipelineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipelines",
	RunE:  runPipelineList,
}

var pipelineShowCmd = &cobra.Command{
	Use:   "show [pipeline-id]",
	Short: "Show a pipeline record",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineShow,
}

var pipelineStopCmd = &cobra.Command{
	Use:   "stop [pipeline-id]",
	Short: "Stop a running pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineStop,
}

var pipelineStatusCmd = &cobra.Command{
	Use:   "status [pipeline-id]",
	Short: "Show the engine's live status for a pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printEngineText(args[0], "status")
	},
}

var pipelineLogsCmd = &cobra.Command{
	Use:   "logs [pipeline-id]",
	Short: "Show the engine's logs for a pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printEngineText(args[0], "logs")
	},
}

var pipelineReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare pipeline records with what the engine reports",
	RunE:  runPipelineReconcile,
}

var pipelineAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the decision record trail",
	RunE:  runPipelineAudit,
}

var (
	pipelineTask string
	pipelineDesc string
)

func init() {
	pipelineCmd.AddCommand(pipelineCreateCmd, pipelineListCmd, pipelineShowCmd, pipelineStopCmd,
		pipelineStatusCmd, pipelineLogsCmd, pipelineReconcileCmd, pipelineAuditCmd)

	pipelineCreateCmd.Flags().StringVar(&pipelineDesc, "desc", "", "Work description passed to the engine (defaults to the task's)")
	addGitFlags(pipelineCreateCmd)

	pipelineListCmd.Flags().StringVar(&pipelineTask, "task", "", "Only list pipelines of this task")
	pipelineReconcileCmd.Flags().StringVar(&pipelineTask, "task", "", "Only check pipelines of this task")
	pipelineAuditCmd.Flags().StringVar(&pipelineTask, "task", "", "Only show entries for this task")
}

func runPipelineCreate(cmd *cobra.Command, args []string) error {
	desc := pipelineDesc
	if desc == "" {
		resp, err := apiGet("/api/tasks/" + url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var task models.Task
		if err := json.Unmarshal(resp, &task); err != nil {
			return err
		}
		desc = task.Description
	}

	resp, err := apiPostSlow("/api/pipelines", map[string]string{
		"taskId":      args[0],
		"description": desc,
		"gitUrl":      gitURL,
		"gitUsername": gitUsername,
		"gitToken":    resolvedGitToken(),
	})
	if err != nil {
		return err
	}

	var p models.Pipeline
	if err := json.Unmarshal(resp, &p); err != nil {
		return err
	}
	fmt.Printf("Pipeline %s is %s\n", p.ID, p.Status)
	fmt.Printf("Container: %s\n", p.ContainerName)
	return nil
}

func fetchPipelines(taskID string) ([]models.Pipeline, error) {
	path := "/api/pipelines"
	if taskID != "" {
		path += "?task=" + url.QueryEscape(taskID)
	}
	resp, err := apiGet(path)
	if err != nil {
		return nil, err
	}
	var pipelines []models.Pipeline
	if err := json.Unmarshal(resp, &pipelines); err != nil {
		return nil, err
	}
	return pipelines, nil
}

func printPipelines(pipelines []models.Pipeline) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tDESCRIPTION")
	for _, p := range pipelines {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Status, p.CreatedAt.Local().Format("2006-01-02 15:04"), truncate(p.Description, 40))
	}
	w.Flush()
}

func runPipelineList(cmd *cobra.Command, args []string) error {
	pipelines, err := fetchPipelines(pipelineTask)
	if err != nil {
		return err
	}
	if len(pipelines) == 0 {
		fmt.Println("No pipelines found")
		return nil
	}
	printPipelines(pipelines)
	return nil
}

func runPipelineShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/api/pipelines/" + url.PathEscape(args[0]))
	if err != nil {
		return err
	}

	var p models.Pipeline
	if err := json.Unmarshal(resp, &p); err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", p.ID)
	fmt.Printf("Task:        %s\n", p.TaskID)
	fmt.Printf("Status:      %s\n", p.Status)
	fmt.Printf("Description: %s\n", p.Description)
	fmt.Printf("Container:   %s\n", p.ContainerName)
	fmt.Printf("Volume:      %s\n", p.VolumeName)
	fmt.Printf("Created:     %s\n", formatTime(&p.CreatedAt))
	fmt.Printf("Started:     %s\n", formatTime(p.StartedAt))
	fmt.Printf("Stopped:     %s\n", formatTime(p.StoppedAt))
	if p.GitURL != "" {
		fmt.Printf("Git URL:     %s\n", p.GitURL)
	}
	if p.Error != "" {
		fmt.Printf("Error:       %s\n", p.Error)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func runPipelineStop(cmd *cobra.Command, args []string) error {
	resp, err := apiPostSlow("/api/pipelines/"+url.PathEscape(args[0])+"/stop", nil)
	if err != nil {
		return err
	}
	var p models.Pipeline
	if err := json.Unmarshal(resp, &p); err != nil {
		return err
	}
	fmt.Printf("Pipeline %s is %s\n", p.ID, p.Status)
	return nil
}

func printEngineText(id, action string) error {
	resp, err := apiGet("/api/pipelines/" + url.PathEscape(id) + "/" + action)
	if err != nil {
		return err
	}
	fmt.Print(string(resp))
	return nil
}

func runPipelineReconcile(cmd *cobra.Command, args []string) error {
	path := "/api/reconcile"
	if pipelineTask != "" {
		path += "?task=" + url.QueryEscape(pipelineTask)
	}
	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var report controlplane.ReconcileReport
	if err := json.Unmarshal(resp, &report); err != nil {
		return err
	}

	if len(report.Stale) == 0 && len(report.Orphaned) == 0 {
		fmt.Println("Records and engine agree")
		return nil
	}
	for _, p := range report.Stale {
		fmt.Printf("stale     %s  (recorded %s, unknown to engine)\n", p.ID, p.Status)
	}
	for _, lp := range report.Orphaned {
		fmt.Printf("orphaned  %s  (engine reports %q, no record)\n", lp.ID, lp.Status)
	}
	return nil
}

func runPipelineAudit(cmd *cobra.Command, args []string) error {
	path := "/api/audit"
	if pipelineTask != "" {
		path += "?task=" + url.QueryEscape(pipelineTask)
	}
	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var entries []models.PDREntry
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tPIPELINE\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			e.Action, e.Outcome, e.PipelineID, truncate(e.Details, 40))
	}
	w.Flush()
	return nil
}
