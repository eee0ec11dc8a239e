package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/prompt-ledger/tui"
)

var watchServer string

func init() {
	watchCmd := &cobra.Command{
		Use:   "watch BATCH_ID",
		Short: "Follow a batch's progress",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}
	watchCmd.Flags().StringVar(&watchServer, "server", "", "server base URL (defaults to the configured web address)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	base := watchServer
	if base == "" {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		base = fmt.Sprintf("http://%s:%d", cfg.Web.Host, cfg.Web.Port)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := tui.NewClient(base)
	cfg := tui.ModelConfig{BatchID: args[0], Fetcher: client}
	if events, err := client.Stream(ctx, args[0]); err == nil {
		cfg.Events = events
	}

	final, err := tea.NewProgram(tui.NewModel(cfg)).Run()
	if err != nil {
		return err
	}
	if m, ok := final.(tui.Model); ok && m.Done() {
		s := m.Status()
		fmt.Printf("Batch %s finished: %d passed, %d failed, %d errors\n", s.BatchID, s.Passed, s.Failed, s.Errors)
	}
	return nil
}
