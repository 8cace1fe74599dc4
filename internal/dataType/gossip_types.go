package dataType

import "time"

// GossipMessage is the wire envelope exchanged between agents. The JSON
// field names are the fleet wire format and must not change.
type GossipMessage struct {
	ID        string         `json:"id" validate:"required"`
	Type      string         `json:"type" validate:"required"`
	SenderID  string         `json:"senderId" validate:"required"`
	Timestamp time.Time      `json:"timestamp" validate:"required"`
	Payload   map[string]any `json:"payload"`
	TTL       int            `json:"ttl"`
	SeenBy    []string       `json:"seenBy"`
}

const (
	GossipTypeHealthCheck = "HEALTH_CHECK"
	GossipTypeProposal    = "CONSENSUS_PROPOSAL"
	GossipTypeVote        = "CONSENSUS_VOTE"
)

// Seen reports whether the given agent already appears in the message's
// dissemination path.
func (m *GossipMessage) Seen(agentID string) bool {
	for _, id := range m.SeenBy {
		if id == agentID {
			return true
		}
	}
	return false
}

// MarkSeen appends the agent to the dissemination path. SeenBy only grows.
func (m *GossipMessage) MarkSeen(agentID string) {
	if !m.Seen(agentID) {
		m.SeenBy = append(m.SeenBy, agentID)
	}
}

// Peer is one registered fleet member. Peers are upserted on registration
// and never evicted; LastSeen and Healthy are advisory only.
type Peer struct {
	ID       string
	Address  string
	Port     int
	LastSeen time.Time
	Healthy  bool
}
