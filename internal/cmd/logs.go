package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/impromptu/internal/config"
	"github.com/Iron-Ham/impromptu/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View hub logs",
	Long: `View and filter the hub log, including rotated backups.

Examples:
  # Last 50 entries
  impromptu logs

  # Everything one agent's listener logged in the last hour
  impromptu logs --agent a1 --component listener --since 1h -n 0

  # Warnings and errors as JSON
  impromptu logs --level warn --json`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsTail      int
	logsLevel     string
	logsSince     time.Duration
	logsAgent     string
	logsComponent string
	logsGrep      string
	logsJSON      bool
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Minimum level (debug/info/warn/error)")
	logsCmd.Flags().DurationVar(&logsSince, "since", 0, "Only entries newer than this (e.g. 30m, 2h)")
	logsCmd.Flags().StringVar(&logsAgent, "agent", "", "Only entries for this agent")
	logsCmd.Flags().StringVar(&logsComponent, "component", "", "Only entries from this component (hub, listener, router, watcher)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Only entries whose message contains this text")
	logsCmd.Flags().BoolVar(&logsJSON, "json", false, "Output as JSON")
}

func runLogs(cmd *cobra.Command, _ []string) error {
	cfg := config.Get()

	entries, err := logging.AggregateLogs(cfg.Hub.StateDir)
	if err != nil {
		return fmt.Errorf("failed to read logs: %w", err)
	}

	filter := logging.LogFilter{
		AgentID:   logsAgent,
		Component: logsComponent,
		Contains:  logsGrep,
	}
	if logsLevel != "" {
		filter.Level = logging.ParseLevel(logsLevel)
	}
	if logsSince > 0 {
		filter.Since = time.Now().Add(-logsSince)
	}
	entries = logging.FilterLogs(entries, filter)

	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}

	out := cmd.OutOrStdout()
	if logsJSON {
		return logging.WriteJSON(out, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No log entries.")
		return nil
	}
	return logging.WriteText(out, entries)
}
