package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/web/api"
	"github.com/hochfrequenz/issue-orchestrator/web/client"
)

var (
	createMaxIterations int
	createWatch         bool
	listAll             bool
	listPhase           string
	listSource          string
	artifactIteration   int
)

func init() {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}

	createCmd := &cobra.Command{
		Use:   "create OWNER/REPO#NUMBER",
		Short: "Create a task for an issue (returns the open task if one exists)",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskCreate,
	}
	createCmd.Flags().IntVar(&createMaxIterations, "max-iterations", 0, "iteration budget, 1-10 (default from server config)")
	createCmd.Flags().BoolVar(&createWatch, "watch", false, "follow the task until it finishes")
	taskCmd.AddCommand(createCmd)

	taskCmd.AddCommand(&cobra.Command{
		Use:   "get TASK",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskGet,
	})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE:  runTaskList,
	}
	listCmd.Flags().BoolVar(&listAll, "all", false, "include finished tasks")
	listCmd.Flags().StringVar(&listPhase, "phase", "", "filter by phase")
	listCmd.Flags().StringVar(&listSource, "source", "", "filter by repository (owner/repo)")
	taskCmd.AddCommand(listCmd)

	taskCmd.AddCommand(&cobra.Command{
		Use:   "cancel TASK",
		Short: "Cancel a running task",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskCancel,
	})
	taskCmd.AddCommand(&cobra.Command{
		Use:   "retry TASK",
		Short: "Rerun the issue of a finished task",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskRetry,
	})
	taskCmd.AddCommand(&cobra.Command{
		Use:   "delete TASK",
		Short: "Delete a finished task",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskDelete,
	})
	taskCmd.AddCommand(&cobra.Command{
		Use:   "watch TASK",
		Short: "Follow a task's events until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskWatch,
	})

	artifactCmd := &cobra.Command{
		Use:   "artifact TASK",
		Short: "Print the change set of an iteration as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskArtifact,
	}
	artifactCmd.Flags().IntVar(&artifactIteration, "iteration", 0, "iteration number (default latest)")
	taskCmd.AddCommand(artifactCmd)

	rootCmd.AddCommand(taskCmd)
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	resp, err := c.CreateTask(cmd.Context(), args[0], createMaxIterations)
	if err != nil {
		return err
	}
	if resp.Created {
		fmt.Printf("Created task %s for %s\n", resp.Task.ID, resp.Task.WorkItem)
	} else {
		fmt.Printf("Task %s already open for %s (%s)\n", resp.Task.ID, resp.Task.WorkItem, resp.Task.Phase)
	}
	if createWatch {
		return watchTask(cmd.Context(), c, resp.Task.ID)
	}
	return nil
}

func runTaskGet(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	task, err := c.GetTask(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	iterations, err := c.Iterations(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printTask(task, iterations)
	return nil
}

func printTask(t *api.TaskResponse, iterations []domain.IterationRecord) {
	fmt.Printf("Task:       %s\n", t.ID)
	fmt.Printf("Work item:  %s\n", t.WorkItem)
	if t.Title != "" {
		fmt.Printf("Title:      %s\n", t.Title)
	}
	fmt.Printf("Phase:      %s\n", t.Phase)
	fmt.Printf("Iteration:  %d of %d\n", t.Iteration, t.MaxIterations)
	if t.PullRequest != nil {
		fmt.Printf("PR:         #%d %s\n", t.PullRequest.Number, t.PullRequest.URL)
	}
	fmt.Printf("Created:    %s\n", humanize.Time(t.CreatedAt))
	fmt.Printf("Updated:    %s\n", humanize.Time(t.UpdatedAt))
	if t.CancelRequested && t.Outcome == nil {
		fmt.Println("Cancellation requested")
	}
	if t.Outcome != nil {
		fmt.Printf("Outcome:    %s: %s\n", t.Outcome.Kind, t.Outcome.Detail)
	}

	if len(iterations) == 0 {
		return
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tDECISION\tSCORE\tCI\tISSUES\tDURATION")
	for _, it := range iterations {
		fmt.Fprintf(w, "%d\t%s\t%.1f\t%s\t%d\t%s\n",
			it.Index, it.Decision, it.Score, it.CIStatus, len(it.Issues), it.Duration.Round(1e9))
	}
	w.Flush()
}

func runTaskList(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	tasks, err := c.ListTasks(cmd.Context(), client.ListOptions{
		ActiveOnly: !listAll,
		Phase:      listPhase,
		Source:     listSource,
	})
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORK ITEM\tPHASE\tITER\tUPDATED\tOUTCOME")
	for _, t := range tasks {
		outcome := "-"
		if t.Outcome != nil {
			outcome = string(t.Outcome.Kind)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			shortID(t.ID), t.WorkItem, t.Phase, t.Iteration, t.MaxIterations, humanize.Time(t.UpdatedAt), outcome)
	}
	w.Flush()
	return nil
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	res, err := c.CancelTask(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if res == "already_terminal" {
		fmt.Println("Task already finished")
		return nil
	}
	fmt.Println("Cancellation requested")
	return nil
}

func runTaskRetry(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	task, err := c.RetryTask(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Created task %s for %s\n", task.ID, task.WorkItem)
	return nil
}

func runTaskDelete(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	if err := c.DeleteTask(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted task %s\n", args[0])
	return nil
}

func runTaskWatch(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	return watchTask(cmd.Context(), c, args[0])
}

func watchTask(ctx context.Context, c *client.Client, id string) error {
	var last domain.Event
	err := c.Watch(ctx, id, func(ev domain.Event) error {
		last = ev
		if ev.Skipped {
			fmt.Println("  (some events were skipped)")
		}
		summary := ev.Summary
		if summary == "" {
			summary = "-"
		}
		fmt.Printf("%s  %-22s iter %d  %s\n", ev.At.Local().Format("15:04:05"), ev.Phase, ev.Iteration, summary)
		return nil
	})
	if err != nil {
		return err
	}
	if last.Outcome != nil {
		fmt.Printf("Finished: %s (%s)\n", last.Outcome.Kind, last.Outcome.Detail)
	}
	return nil
}

func runTaskArtifact(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	cs, err := c.Artifact(cmd.Context(), args[0], artifactIteration)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cs)
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
