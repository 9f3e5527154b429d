package agentstate

import "time"

// Snapshot is the part of a State that survives a hub restart. History is
// not kept: a restored agent starts with an empty history.
type Snapshot struct {
	AgentID        string    `json:"agent_id"`
	Status         Status    `json:"status"`
	LastActivityAt time.Time `json:"last_activity_at"`
	SessionID      string    `json:"session_id,omitempty"`
	TranscriptPath string    `json:"transcript_path,omitempty"`
}

// Snapshot captures the persistent fields of s.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		AgentID:        s.AgentID,
		Status:         s.Status,
		LastActivityAt: s.LastActivityAt,
		SessionID:      s.SessionID,
		TranscriptPath: s.TranscriptPath,
	}
}

// Restore rebuilds a State from snap. The first event applied afterwards is
// accepted whatever its sequence number, since the counter restarts with
// the hub.
func Restore(snap Snapshot, historySize int, now time.Time) *State {
	s := New(snap.AgentID, historySize, now)
	s.Status = snap.Status
	if !snap.LastActivityAt.IsZero() {
		s.LastActivityAt = snap.LastActivityAt
	}
	s.SessionID = snap.SessionID
	s.TranscriptPath = snap.TranscriptPath
	return s
}
