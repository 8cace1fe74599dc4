package dataType

import "time"

// VoteType is a single agent's position on a proposal.
type VoteType string

const (
	VoteApprove VoteType = "approve"
	VoteReject  VoteType = "reject"
	VoteAbstain VoteType = "abstain"
)

// ProposalStatus transitions are one-way: pending is the only non-terminal
// state, and a terminal proposal is immutable.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExpired  ProposalStatus = "expired"
)

// Terminal reports whether the status can no longer change.
func (s ProposalStatus) Terminal() bool {
	return s != ProposalPending
}

// ConsensusProposal is a parameterized action awaiting fleet agreement.
// Votes is keyed by agent id; a later vote from the same agent overwrites
// the earlier one.
type ConsensusProposal struct {
	ID            string              `json:"id"`
	ProposerID    string              `json:"proposerId"`
	Type          string              `json:"type"`
	Description   string              `json:"description"`
	Parameters    map[string]any      `json:"parameters"`
	CreatedAt     time.Time           `json:"createdAt"`
	ExpiresAt     time.Time           `json:"expiresAt"`
	RequiredVotes int                 `json:"requiredVotes"`
	Votes         map[string]VoteType `json:"votes"`
	Status        ProposalStatus      `json:"status"`
}

// Tally returns the current approve and reject counts.
func (p *ConsensusProposal) Tally() (approves, rejects int) {
	for _, v := range p.Votes {
		switch v {
		case VoteApprove:
			approves++
		case VoteReject:
			rejects++
		}
	}
	return approves, rejects
}
