package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var hooksCmd = &cobra.Command{
	Use:   "hooks",
	Short: "Agent hook configuration",
}

var hooksPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the hooks block for the agent's settings.json",
	Long: `Print the hooks section that makes an agent report its lifecycle to
impromptu. Merge it into the agent's settings.json:

  Claude Code: ~/.claude/settings.json
  Gemini CLI:  ~/.gemini/settings.json

Every hook pipes its event into "impromptu send", which finds the agent's
channel through $IMPROMPTU_AGENT_ID.`,
	Args: cobra.NoArgs,
	RunE: runHooksPrint,
}

var (
	hooksFormat  string
	hooksCommand string
)

// Hook events each agent CLI emits that the hub understands.
var (
	claudeHookEvents = []string{"SessionStart", "SessionEnd", "UserPromptSubmit", "PreToolUse", "Notification", "Stop"}
	geminiHookEvents = []string{"SessionStart", "SessionEnd", "BeforeAgent", "BeforeTool", "Notification", "AfterAgent"}
)

func init() {
	rootCmd.AddCommand(hooksCmd)
	hooksCmd.AddCommand(hooksPrintCmd)

	hooksPrintCmd.Flags().StringVar(&hooksFormat, "format", "claude", "Settings format: claude or gemini")
	hooksPrintCmd.Flags().StringVar(&hooksCommand, "command", "impromptu send", "Command each hook runs")
}

func runHooksPrint(cmd *cobra.Command, _ []string) error {
	settings, err := hookSettings(hooksFormat, hooksCommand)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), settings)
}

type hookCommand struct {
	Name        string `json:"name,omitempty"`
	Type        string `json:"type"`
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
	Timeout     int    `json:"timeout,omitempty"`
}

type hookMatcher struct {
	Matcher string        `json:"matcher,omitempty"`
	Hooks   []hookCommand `json:"hooks"`
}

// hookSettings builds the settings.json hooks block for format.
func hookSettings(format, command string) (map[string]map[string][]hookMatcher, error) {
	var events []string
	var hook func(event string) hookCommand

	switch format {
	case "claude":
		events = claudeHookEvents
		hook = func(string) hookCommand {
			// Claude Code timeouts are in seconds.
			return hookCommand{Type: "command", Command: command, Timeout: 5}
		}
	case "gemini":
		events = geminiHookEvents
		hook = func(event string) hookCommand {
			// Gemini CLI timeouts are in milliseconds.
			return hookCommand{
				Name:        "impromptu-" + event,
				Type:        "command",
				Command:     command,
				Description: "Reports " + event + " to impromptu",
				Timeout:     5000,
			}
		}
	default:
		return nil, fmt.Errorf("unknown hook format %q (want claude or gemini)", format)
	}

	hooks := make(map[string][]hookMatcher, len(events))
	for _, event := range events {
		m := hookMatcher{Hooks: []hookCommand{hook(event)}}
		if event == "PreToolUse" || event == "BeforeTool" {
			m.Matcher = "*"
		}
		hooks[event] = []hookMatcher{m}
	}
	return map[string]map[string][]hookMatcher{"hooks": hooks}, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
