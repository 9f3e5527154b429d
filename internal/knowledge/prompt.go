package knowledge

import (
	"fmt"
	"strings"
	"time"
)

// FormatForPrompt renders entries as a block an agent can take into its
// prompt. Entries are grouped by topic in order of first appearance and
// keep their order within a topic. No entries render as "".
func FormatForPrompt(entries []Entry) string {
	if len(entries) == 0 {
		return ""
	}

	groups := make(map[string][]Entry)
	var topics []string
	for _, e := range entries {
		if _, ok := groups[e.Topic]; !ok {
			topics = append(topics, e.Topic)
		}
		groups[e.Topic] = append(groups[e.Topic], e)
	}

	var b strings.Builder
	b.WriteString("<shared-knowledge>\n")
	for i, topic := range topics {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s]\n", strings.ToUpper(topic))
		for _, e := range groups[topic] {
			from := e.SourceAgentID
			if from == "" {
				from = "unknown"
			}
			fmt.Fprintf(&b, "  From: %s at %s\n", from, e.CreatedAt.UTC().Format(time.RFC3339))
			fmt.Fprintf(&b, "  %s\n", e.ContentRef)
		}
	}
	b.WriteString("</shared-knowledge>")
	return b.String()
}
