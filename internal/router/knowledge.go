package router

import (
	"context"

	"github.com/Iron-Ham/impromptu/internal/event"
	"github.com/Iron-Ham/impromptu/internal/knowledge"
	"github.com/Iron-Ham/impromptu/internal/logging"
)

// startKnowledgeSink consumes the router's own deltas and records
// knowledge entries from them.
func (r *Router) startKnowledgeSink() {
	sub := r.Subscribe()
	r.sinks.Add(1)
	go func() {
		defer r.sinks.Done()
		for d := range sub.Updates() {
			if d.Event == nil {
				continue
			}
			if entry, ok := knowledgeEntry(*d.Event); ok {
				r.record(entry)
			}
		}
	}()
}

// knowledgeEntry maps an applied event to the entry it contributes, if any.
func knowledgeEntry(ev event.AgentEvent) (knowledge.Entry, bool) {
	switch ev.Kind {
	case event.KindSessionStart, event.KindSessionEnd:
		if ev.TranscriptPath == "" {
			return knowledge.Entry{}, false
		}
		return knowledge.Entry{
			Topic:         knowledge.TopicTranscript,
			SourceAgentID: ev.AgentID,
			ContentRef:    ev.TranscriptPath,
			CreatedAt:     ev.ReceivedAt,
		}, true
	case event.KindNotification:
		if ev.Text == "" {
			return knowledge.Entry{}, false
		}
		return knowledge.Entry{
			Topic:         knowledge.TopicNotification,
			SourceAgentID: ev.AgentID,
			ContentRef:    ev.Text,
			CreatedAt:     ev.ReceivedAt,
		}, true
	default:
		return knowledge.Entry{}, false
	}
}

func (r *Router) record(entry knowledge.Entry) {
	ctx := context.Background()
	if r.knowledgeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.knowledgeTimeout)
		defer cancel()
	}
	if _, err := r.knowledge.Put(ctx, entry); err != nil {
		r.logger.Warn("knowledge write failed",
			logging.KeyAgent, entry.SourceAgentID,
			"topic", entry.Topic,
			"error", err.Error())
	}
}
