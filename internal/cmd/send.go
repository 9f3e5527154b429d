package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/impromptu/internal/config"
	"github.com/Iron-Ham/impromptu/internal/hookclient"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Deliver one hook event from stdin to the hub",
	Long: `Read one event from stdin and deliver it to the agent's channel.

This is what agent hooks run. It never fails: if the hub is not running or
the agent has no channel, the event is dropped and the command still exits
successfully, so the agent is never slowed down or interrupted.

The agent ID comes from --agent or from $IMPROMPTU_AGENT_ID.`,
	Args: cobra.NoArgs,
	RunE: runSend,
}

var sendAgent string

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVar(&sendAgent, "agent", "", "Agent ID (default: $IMPROMPTU_AGENT_ID)")
}

func runSend(cmd *cobra.Command, _ []string) error {
	agentID := sendAgent
	if agentID == "" {
		var ok bool
		if agentID, ok = hookclient.AgentIDFromEnv(); !ok {
			return nil
		}
	}

	cfg := config.Get()
	client := hookclient.New(cfg.Hub.ChannelDir, cfg.Hook.DialTimeout())
	// Undeliverable events are dropped by contract.
	_ = client.DeliverFrom(context.Background(), agentID, cmd.InOrStdin(), cfg.Hub.MaxPayloadBytes)
	return nil
}
