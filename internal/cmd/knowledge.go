package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/impromptu/internal/config"
	"github.com/Iron-Ham/impromptu/internal/knowledge"
)

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Read and write the shared knowledge base",
}

var knowledgePutCmd = &cobra.Command{
	Use:   "put <topic> <content-ref>",
	Short: "Record a knowledge entry",
	Long: `Record a pointer in the shared knowledge base.

The content reference is usually a path or URL; short notes may be stored
inline. The new entry's ID is printed.`,
	Args: cobra.ExactArgs(2),
	RunE: runKnowledgePut,
}

var knowledgeQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "List knowledge entries",
	Long: `List knowledge entries, oldest first.

Examples:
  # Transcripts recorded for one agent
  impromptu knowledge query --topic transcript --agent a1

  # The ten most recent notifications, as JSON
  impromptu knowledge query --topic notification -n 10 --json

  # Everything agent a1 recorded, ready to paste into another agent's prompt
  impromptu knowledge query --agent a1 --prompt`,
	Args: cobra.NoArgs,
	RunE: runKnowledgeQuery,
}

var (
	knowledgeAgent string
	knowledgeTopic string
	knowledgeLimit int
	knowledgeJSON   bool
	knowledgePrompt bool
)

func init() {
	rootCmd.AddCommand(knowledgeCmd)
	knowledgeCmd.AddCommand(knowledgePutCmd)
	knowledgeCmd.AddCommand(knowledgeQueryCmd)

	knowledgePutCmd.Flags().StringVar(&knowledgeAgent, "agent", "", "Source agent ID")

	knowledgeQueryCmd.Flags().StringVar(&knowledgeTopic, "topic", "", "Only entries with this topic")
	knowledgeQueryCmd.Flags().StringVar(&knowledgeAgent, "agent", "", "Only entries from this agent")
	knowledgeQueryCmd.Flags().IntVarP(&knowledgeLimit, "limit", "n", 0, "Keep only the most recent N entries (0 for all)")
	knowledgeQueryCmd.Flags().BoolVar(&knowledgeJSON, "json", false, "Output as JSON")
	knowledgeQueryCmd.Flags().BoolVar(&knowledgePrompt, "prompt", false, "Output as a context block for an agent prompt (ignored with --json)")
}

func openKnowledge() (knowledge.Index, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	idx, err := knowledge.Open(cfg.Knowledge, cfg.Hub.StateDir)
	if err != nil {
		return nil, nil, err
	}
	return idx, cfg, nil
}

func runKnowledgePut(cmd *cobra.Command, args []string) error {
	idx, cfg, err := openKnowledge()
	if err != nil {
		return err
	}
	defer func() { _ = idx.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Hub.KnowledgeTimeout())
	defer cancel()

	id, err := idx.Put(ctx, knowledge.Entry{Topic: args[0], ContentRef: args[1], SourceAgentID: knowledgeAgent})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runKnowledgeQuery(cmd *cobra.Command, _ []string) error {
	idx, cfg, err := openKnowledge()
	if err != nil {
		return err
	}
	defer func() { _ = idx.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Hub.KnowledgeTimeout())
	defer cancel()

	entries, err := idx.Query(ctx, knowledge.Query{Topic: knowledgeTopic, AgentID: knowledgeAgent, Limit: knowledgeLimit})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if knowledgeJSON {
		if entries == nil {
			entries = []knowledge.Entry{}
		}
		return writeJSON(out, entries)
	}
	if knowledgePrompt {
		if block := knowledge.FormatForPrompt(entries); block != "" {
			fmt.Fprintln(out, block)
		}
		return nil
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No entries.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tTOPIC\tAGENT\tCONTENT")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.CreatedAt.Local().Format(time.DateTime), e.Topic, e.SourceAgentID, e.ContentRef)
	}
	return tw.Flush()
}
