package main

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/issue-orchestrator/tui"
)

var tuiRefresh time.Duration

func init() {
	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Open the terminal dashboard",
		RunE:  runTUI,
	}
	tuiCmd.Flags().DurationVar(&tuiRefresh, "refresh", 2*time.Second, "refresh interval")
	rootCmd.AddCommand(tuiCmd)
}

func runTUI(cmd *cobra.Command, args []string) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	model := tui.NewModel(tui.ModelConfig{Source: c, Refresh: tuiRefresh})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
	_, err = p.Run()
	return err
}
