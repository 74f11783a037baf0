package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/web/api"
)

var (
	sourceInterval      string
	sourceSchedule      string
	sourceLabels        []string
	sourceDisabled      bool
	sourceMaxIterations int
)

func init() {
	sourceCmd := &cobra.Command{
		Use:   "source",
		Short: "Manage monitored repositories",
	}

	addCmd := &cobra.Command{
		Use:   "add OWNER/REPO",
		Short: "Monitor a repository for new issues",
		Args:  cobra.ExactArgs(1),
		RunE:  runSourceAdd,
	}
	addCmd.Flags().StringVar(&sourceInterval, "interval", "", "poll interval, e.g. 5m (default from server config)")
	addCmd.Flags().StringVar(&sourceSchedule, "schedule", "", "cron schedule instead of an interval")
	addCmd.Flags().StringSliceVar(&sourceLabels, "label", nil, "only pick up issues carrying this label (repeatable)")
	addCmd.Flags().BoolVar(&sourceDisabled, "disabled", false, "register without polling")
	addCmd.Flags().IntVar(&sourceMaxIterations, "max-iterations", 0, "iteration budget for tasks from this source")
	sourceCmd.AddCommand(addCmd)

	sourceCmd.AddCommand(&cobra.Command{
		Use:   "remove OWNER/REPO",
		Short: "Stop monitoring a repository",
		Args:  cobra.ExactArgs(1),
		RunE:  runSourceRemove,
	})
	sourceCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List monitored repositories",
		RunE:  runSourceList,
	})
	sourceCmd.AddCommand(&cobra.Command{
		Use:   "poll OWNER/REPO",
		Short: "Poll a repository now",
		Args:  cobra.ExactArgs(1),
		RunE:  runSourcePoll,
	})
	rootCmd.AddCommand(sourceCmd)

	schedulerCmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Control the poll scheduler",
	}
	schedulerCmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start polling",
		RunE:  runSchedulerStart,
	})
	schedulerCmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop polling",
		RunE:  runSchedulerStop,
	})
	schedulerCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show scheduler status",
		RunE:  runSchedulerStatus,
	})
	rootCmd.AddCommand(schedulerCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show task statistics",
		RunE:  runStats,
	})
}

func runSourceAdd(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	enabled := !sourceDisabled
	src, err := c.AddSource(cmd.Context(), api.SourceRequest{
		Repo:          args[0],
		Interval:      sourceInterval,
		Schedule:      sourceSchedule,
		Labels:        sourceLabels,
		Enabled:       &enabled,
		MaxIterations: sourceMaxIterations,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Monitoring %s\n", src.Repo)
	return nil
}

func runSourceRemove(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	if err := c.RemoveSource(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Stopped monitoring %s\n", args[0])
	return nil
}

func runSourceList(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	sources, err := c.ListSources(cmd.Context())
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		fmt.Println("No monitored repositories")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REPO\tENABLED\tEVERY\tLABELS\tCURSOR\tLAST POLL\tERROR")
	for _, s := range sources {
		every := s.Interval
		if s.Schedule != "" {
			every = s.Schedule
		}
		if every == "" {
			every = "default"
		}
		fmt.Fprintf(w, "%s\t%v\t%s\t%s\t%d\t%s\t%s\n",
			s.Repo, s.Enabled, every, orDash(fmt.Sprint(s.Labels)), s.Cursor, since(s.LastPolledAt), orDash(s.LastError))
	}
	w.Flush()
	return nil
}

func runSourcePoll(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	res, err := c.PollSource(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Discovered %d issues: %d new tasks, %d already open (cursor %d)\n",
		res.Discovered, len(res.Created), len(res.Existing), res.Cursor)
	return nil
}

func runSchedulerStart(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	if err := c.StartScheduler(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("Scheduler started")
	return nil
}

func runSchedulerStop(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	if err := c.StopScheduler(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("Scheduler stopped")
	return nil
}

func runSchedulerStatus(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	st, err := c.SchedulerStatus(cmd.Context())
	if err != nil {
		return err
	}
	state := "stopped"
	if st.Running {
		state = "running"
	}
	fmt.Printf("Scheduler %s, %d sources\n", state, len(st.Sources))
	if len(st.Sources) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REPO\tENABLED\tIN FLIGHT\tNEXT POLL\tLAST POLL\tCREATED")
	for _, s := range st.Sources {
		fmt.Fprintf(w, "%s\t%v\t%v\t%s\t%s\t%d\n",
			s.Ref, s.Enabled, s.InFlight, since(s.NextPoll), since(s.LastPolledAt), s.TasksCreated)
	}
	w.Flush()
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	stats, err := c.Stats(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Tasks: %d total | %d active | %d running\n", stats.Total, stats.Active, stats.Running)
	if stats.AverageDuration > 0 {
		fmt.Printf("Average duration of finished tasks: %s\n", stats.AverageDuration.Round(time.Second))
	}

	if len(stats.ByOutcome) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "OUTCOME\tCOUNT")
		kinds := make([]domain.OutcomeKind, 0, len(stats.ByOutcome))
		for k := range stats.ByOutcome {
			kinds = append(kinds, k)
		}
		sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
		for _, k := range kinds {
			fmt.Fprintf(w, "%s\t%s\n", k, humanize.Comma(int64(stats.ByOutcome[k])))
		}
		w.Flush()
	}
	return nil
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func orDash(s string) string {
	if s == "" || s == "[]" {
		return "-"
	}
	return s
}
