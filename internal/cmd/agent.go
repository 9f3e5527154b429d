package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/impromptu/internal/config"
	"github.com/Iron-Ham/impromptu/internal/hub"
	"github.com/Iron-Ham/impromptu/internal/tmux"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agent windows in tmux",
	Long: `Manage the tmux windows agents run in.

Agents run on an isolated tmux server (see tmux.socket in the config) with
one window per agent, named after the agent ID. The hub serves channels;
these commands only start, focus and stop the agent processes.`,
}

var agentLaunchCmd = &cobra.Command{
	Use:   "launch [agent-id] -- <command> [args...]",
	Short: "Start an agent in a new tmux window",
	Long: `Start an agent command in a new tmux window with IMPROMPTU_AGENT_ID set.

If no agent ID is given a new one is generated and printed. The hub must
serve a channel for the ID (see "impromptu serve") for its events to be
recorded.

Example:
  impromptu agent launch coder -- claude --continue`,
	RunE: runAgentLaunch,
}

var agentSelectCmd = &cobra.Command{
	Use:   "select <agent-id>",
	Short: "Focus an agent's tmux window",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentSelect,
}

var agentKillCmd = &cobra.Command{
	Use:   "kill <agent-id>",
	Short: "Close an agent's tmux window",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentKill,
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents running in tmux",
	Args:  cobra.NoArgs,
	RunE:  runAgentList,
}

var agentWorkdir string

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.AddCommand(agentLaunchCmd)
	agentCmd.AddCommand(agentSelectCmd)
	agentCmd.AddCommand(agentKillCmd)
	agentCmd.AddCommand(agentListCmd)

	agentLaunchCmd.Flags().StringVar(&agentWorkdir, "workdir", "", "Working directory (default: current)")
}

func tmuxHost() *tmux.Host {
	cfg := config.Get()
	return tmux.NewHost(cfg.Tmux.Socket, cfg.Tmux.Session)
}

func runAgentLaunch(cmd *cobra.Command, args []string) error {
	dash := cmd.ArgsLenAtDash()
	if dash < 0 || dash >= len(args) {
		return fmt.Errorf("missing agent command after --")
	}
	command := args[dash:]

	var agentID string
	switch dash {
	case 0:
		agentID = hub.NewAgentID()
	case 1:
		agentID = args[0]
	default:
		return fmt.Errorf("expected at most one agent ID before --")
	}
	cfg := config.Get()
	if err := config.ValidateAgentID(cfg.Hub.ChannelDir, agentID); err != nil {
		return err
	}

	workdir := agentWorkdir
	if workdir == "" {
		workdir, _ = os.Getwd()
	}
	host := tmuxHost()
	if err := host.Launch(cmd.Context(), agentID, workdir, command); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), agentID)
	return nil
}

func runAgentSelect(cmd *cobra.Command, args []string) error {
	return tmuxHost().Select(cmd.Context(), args[0])
}

func runAgentKill(cmd *cobra.Command, args []string) error {
	return tmuxHost().Kill(cmd.Context(), args[0])
}

func runAgentList(cmd *cobra.Command, _ []string) error {
	names, err := tmuxHost().ListWindows(cmd.Context())
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}
