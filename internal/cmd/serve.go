package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Iron-Ham/impromptu/internal/config"
	"github.com/Iron-Ham/impromptu/internal/errors"
	"github.com/Iron-Ham/impromptu/internal/hub"
	"github.com/Iron-Ham/impromptu/internal/logging"
	"github.com/Iron-Ham/impromptu/internal/statusline"
	"github.com/Iron-Ham/impromptu/internal/tmux"
)

var serveCmd = &cobra.Command{
	Use:   "serve [agent-id...]",
	Short: "Run the event hub",
	Long: `Run the event hub in the foreground until interrupted.

The hub serves one channel per agent: the IDs given as arguments, the
agents listed in the config file, and any agents spawned with --spawn.
Channels left behind by a previous run are reported and reclaimed.

While running, the hub prints one line per agent status change.

Examples:
  # Serve channels for two named agents
  impromptu serve planner coder

  # Start three new agents in tmux running claude
  impromptu serve --spawn 3 --command claude`,
	RunE: runServe,
}

var (
	servePlain   bool
	serveSpawn   int
	serveCommand string
	serveWorkdir string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&servePlain, "plain", false, "Disable colors even on a terminal")
	serveCmd.Flags().IntVar(&serveSpawn, "spawn", 0, "Number of new agents to launch in tmux")
	serveCmd.Flags().StringVar(&serveCommand, "command", "claude", "Agent command for --spawn")
	serveCmd.Flags().StringVar(&serveWorkdir, "workdir", "", "Working directory for spawned agents (default: current)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := openLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup, err := hub.New(cfg, hub.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := sup.Shutdown(context.Background()); err != nil {
			logger.Error("shutdown incomplete", "error", err.Error())
		}
	}()

	report, err := sup.Start(ctx, agentIDs(cfg.Agents, args))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printReport(out, report)

	sub := sup.Subscribe()
	defer sub.Close()

	if serveSpawn > 0 {
		spawnAgents(ctx, cmd, sup, cfg, logger)
	}

	render := statusline.New(out, isTerminal(out) && !servePlain)
	if snapshot := sub.Snapshot(); len(snapshot) > 0 {
		fmt.Fprintln(out, render.Table(snapshot))
	}
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "\nShutting down...")
			return nil
		case d, ok := <-sub.Updates():
			if !ok {
				return nil
			}
			if line := render.Delta(d); line != "" {
				fmt.Fprintln(out, line)
			}
		}
	}
}

// agentIDs merges configured and requested agents, keeping first occurrence order.
func agentIDs(configured, requested []string) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, id := range append(append([]string{}, configured...), requested...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func printReport(w io.Writer, report *hub.StartReport) {
	for _, ep := range report.Recovered {
		fmt.Fprintf(w, "Recovered stale channel: %s\n", ep.AgentID)
	}
	if len(report.Active) > 0 {
		fmt.Fprintf(w, "Serving: %s\n", strings.Join(report.Active, ", "))
	}
	failed := make([]string, 0, len(report.Failed))
	for id := range report.Failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	for _, id := range failed {
		fmt.Fprintf(w, "Failed: %s: %v\n", id, report.Failed[id])
	}
}

// spawnAgents creates fresh agents, serves their channels and launches
// them in tmux. Failures are reported per agent.
func spawnAgents(ctx context.Context, cmd *cobra.Command, sup *hub.Supervisor, cfg *config.Config, logger *logging.Logger) {
	host := tmux.NewHost(cfg.Tmux.Socket, cfg.Tmux.Session)
	command := strings.Fields(serveCommand)
	workdir := serveWorkdir
	if workdir == "" {
		workdir, _ = os.Getwd()
	}

	for range serveSpawn {
		id := hub.NewAgentID()
		if err := sup.AddAgent(ctx, id); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Failed to serve %s: %v\n", id, err)
			if !errors.IsAgentScoped(err) {
				return
			}
			continue
		}
		if err := host.Launch(ctx, id, workdir, command); err != nil {
			logger.WithAgent(id).Error("tmux launch failed", "error", err.Error())
			fmt.Fprintf(cmd.ErrOrStderr(), "Failed to launch %s: %v\n", id, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Launched %s in tmux -L %s (%s)\n", id, host.Socket, host.Session)
	}
}

// isTerminal reports whether w is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
