package consensus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/automateyournetwork/neighbourd/internal/config"
	"github.com/automateyournetwork/neighbourd/internal/dataType"
	"github.com/automateyournetwork/neighbourd/internal/gossip"
	"github.com/automateyournetwork/neighbourd/internal/metrics"
	"go.uber.org/zap"
)

// Engine reaches quorum agreement on proposed actions using gossip purely
// as its message bus. A proposal is approved once it collects RequiredVotes
// approvals with zero rejections; a single reject is a veto. Votes converge
// asynchronously, so peers may transiently disagree on a proposal's status
// until it finalizes or expires.
type Engine struct {
	nodeID string
	proto  *gossip.Protocol
	logger *zap.Logger

	timeout    time.Duration
	autoVote   bool
	historyCap int

	// numeric range used by the auto-vote heuristic for metric adjustments
	metricMin float64
	metricMax float64

	mu        sync.Mutex
	active    map[string]*dataType.ConsensusProposal
	completed []*dataType.ConsensusProposal
	watchers  map[string][]chan dataType.ProposalStatus
}

func NewEngine(proto *gossip.Protocol, cfg config.ConsensusConfig, safetyCfg config.SafetyConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		nodeID:     proto.NodeID(),
		proto:      proto,
		logger:     logger,
		timeout:    time.Duration(cfg.ProposalTimeoutSeconds) * time.Second,
		autoVote:   cfg.AutoVote,
		historyCap: cfg.HistorySize,
		metricMin:  float64(safetyCfg.MetricMin),
		metricMax:  float64(safetyCfg.MetricMax),
		active:     make(map[string]*dataType.ConsensusProposal),
		watchers:   make(map[string][]chan dataType.ProposalStatus),
	}
	proto.RegisterHandler(dataType.GossipTypeProposal, e.handleProposalMessage)
	proto.RegisterHandler(dataType.GossipTypeVote, e.handleVoteMessage)
	return e
}

// CreateProposal opens a proposal, stores it locally and announces it to
// the fleet. The proposer does not implicitly vote on its own proposal.
func (e *Engine) CreateProposal(actionType, description string, params map[string]any, requiredVotes int) dataType.ConsensusProposal {
	now := time.Now().UTC()
	p := &dataType.ConsensusProposal{
		ID:            gossip.MessageID(e.nodeID, now, params),
		ProposerID:    e.nodeID,
		Type:          actionType,
		Description:   description,
		Parameters:    params,
		CreatedAt:     now,
		ExpiresAt:     now.Add(e.timeout),
		RequiredVotes: requiredVotes,
		Votes:         make(map[string]dataType.VoteType),
		Status:        dataType.ProposalPending,
	}

	e.mu.Lock()
	e.active[p.ID] = p
	snapshot := *p
	e.mu.Unlock()

	e.logger.Info("proposal created",
		zap.String("proposal", p.ID),
		zap.String("type", actionType),
		zap.Int("required_votes", requiredVotes))

	msg := e.proto.CreateMessage(dataType.GossipTypeProposal, proposalPayload(&snapshot), 0)
	e.proto.Broadcast(msg)
	return snapshot
}

// ReceiveProposal stores a remote proposal snapshot. The first writer wins:
// a replayed or duplicate announcement never resets accumulated vote state.
// With auto-voting enabled the engine immediately casts a local vote using
// a deterministic heuristic.
func (e *Engine) ReceiveProposal(snapshot dataType.ConsensusProposal) dataType.ConsensusProposal {
	e.mu.Lock()
	if existing, ok := e.active[snapshot.ID]; ok {
		out := *existing
		e.mu.Unlock()
		return out
	}
	if done := e.completedLocked(snapshot.ID); done != nil {
		out := *done
		e.mu.Unlock()
		return out
	}

	p := snapshot
	if p.Votes == nil {
		p.Votes = make(map[string]dataType.VoteType)
	}
	p.Status = dataType.ProposalPending
	e.active[p.ID] = &p
	own := p.ProposerID == e.nodeID
	e.mu.Unlock()

	e.logger.Info("proposal received",
		zap.String("proposal", p.ID),
		zap.String("proposer", p.ProposerID),
		zap.String("type", p.Type))

	if e.autoVote && !own {
		vote, reason := e.autoVoteDecision(&p)
		e.Vote(p.ID, vote, reason)
	}
	return p
}

// autoVoteDecision is the pure voting heuristic: graceful shutdowns are
// always rejected, metric adjustments approved iff the proposed value lies
// inside the configured range, everything else abstains.
func (e *Engine) autoVoteDecision(p *dataType.ConsensusProposal) (dataType.VoteType, string) {
	switch p.Type {
	case "graceful_shutdown":
		return dataType.VoteReject, "graceful shutdown requires operator approval"
	case "metric_adjustment":
		proposed, ok := numericParam(p.Parameters, "proposed")
		if !ok {
			return dataType.VoteReject, "missing proposed metric value"
		}
		if proposed < e.metricMin || proposed > e.metricMax {
			return dataType.VoteReject, "proposed metric outside configured range"
		}
		return dataType.VoteApprove, "proposed metric within configured range"
	default:
		return dataType.VoteAbstain, "unknown proposal type"
	}
}

// Vote records this agent's vote and announces it. It returns false for
// unknown proposals and for proposals past their deadline; an expired
// proposal is finalized as a side effect. A later vote from the same agent
// overwrites the earlier one.
func (e *Engine) Vote(proposalID string, vote dataType.VoteType, reason string) bool {
	e.mu.Lock()
	p, ok := e.active[proposalID]
	if !ok {
		e.mu.Unlock()
		return false
	}
	if time.Now().After(p.ExpiresAt) {
		e.finalizeLocked(p, dataType.ProposalExpired)
		e.mu.Unlock()
		return false
	}
	p.Votes[e.nodeID] = vote
	e.evaluateLocked(p)
	e.mu.Unlock()

	metrics.VotesCast.WithLabelValues(string(vote)).Inc()
	e.logger.Info("vote cast",
		zap.String("proposal", proposalID),
		zap.String("vote", string(vote)),
		zap.String("reason", reason))

	msg := e.proto.CreateMessage(dataType.GossipTypeVote, map[string]any{
		"proposalId": proposalID,
		"voterId":    e.nodeID,
		"vote":       string(vote),
		"reason":     reason,
	}, 0)
	e.proto.Broadcast(msg)
	return true
}

// ReceiveVote records a remote vote if the proposal is still tracked.
// Votes on finalized or unknown proposals are dropped.
func (e *Engine) ReceiveVote(proposalID, voterID string, vote dataType.VoteType) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.active[proposalID]
	if !ok {
		return
	}
	p.Votes[voterID] = vote
	e.evaluateLocked(p)
}

// CleanupExpired force-finalizes proposals past their deadline. It is
// driven by the caller's loop; the engine has no internal ticker.
func (e *Engine) CleanupExpired() int {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, p := range e.active {
		if now.After(p.ExpiresAt) {
			e.finalizeLocked(p, dataType.ProposalExpired)
			n++
		}
	}
	return n
}

// Watch returns a channel that yields the proposal's terminal status
// exactly once. For an already finalized proposal the status is delivered
// immediately. An id that is neither active nor in the completed history
// (never seen, or evicted) yields expired immediately rather than parking
// a watcher that can never fire.
func (e *Engine) Watch(proposalID string) <-chan dataType.ProposalStatus {
	ch := make(chan dataType.ProposalStatus, 1)
	e.mu.Lock()
	defer e.mu.Unlock()
	if done := e.completedLocked(proposalID); done != nil {
		ch <- done.Status
		close(ch)
		return ch
	}
	if _, ok := e.active[proposalID]; !ok {
		ch <- dataType.ProposalExpired
		close(ch)
		return ch
	}
	e.watchers[proposalID] = append(e.watchers[proposalID], ch)
	return ch
}

// GetProposal returns a snapshot of the proposal, active or completed.
func (e *Engine) GetProposal(proposalID string) (dataType.ConsensusProposal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.active[proposalID]; ok {
		return *p, true
	}
	if done := e.completedLocked(proposalID); done != nil {
		return *done, true
	}
	return dataType.ConsensusProposal{}, false
}

// ActiveCount reports the number of proposals still pending.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// CompletedProposals returns a snapshot of the bounded completed history,
// oldest first.
func (e *Engine) CompletedProposals() []dataType.ConsensusProposal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]dataType.ConsensusProposal, len(e.completed))
	for i, p := range e.completed {
		out[i] = *p
	}
	return out
}

// evaluateLocked re-derives the proposal status after a vote. Expiry takes
// precedence over rejection, rejection over approval.
func (e *Engine) evaluateLocked(p *dataType.ConsensusProposal) {
	if p.Status.Terminal() {
		return
	}
	if time.Now().After(p.ExpiresAt) {
		e.finalizeLocked(p, dataType.ProposalExpired)
		return
	}
	approves, rejects := p.Tally()
	if rejects > 0 {
		e.finalizeLocked(p, dataType.ProposalRejected)
		return
	}
	if approves >= p.RequiredVotes {
		e.finalizeLocked(p, dataType.ProposalApproved)
	}
}

// finalizeLocked moves the proposal from the active table to the completed
// history exactly once and wakes any watchers.
func (e *Engine) finalizeLocked(p *dataType.ConsensusProposal, status dataType.ProposalStatus) {
	if p.Status.Terminal() {
		return
	}
	p.Status = status
	delete(e.active, p.ID)
	e.completed = append(e.completed, p)
	for len(e.completed) > e.historyCap {
		e.completed = e.completed[1:]
	}
	metrics.ProposalsCompleted.WithLabelValues(string(status)).Inc()
	e.logger.Info("proposal finalized",
		zap.String("proposal", p.ID),
		zap.String("status", string(status)))

	for _, ch := range e.watchers[p.ID] {
		ch <- status
		close(ch)
	}
	delete(e.watchers, p.ID)
}

func (e *Engine) completedLocked(proposalID string) *dataType.ConsensusProposal {
	for _, p := range e.completed {
		if p.ID == proposalID {
			return p
		}
	}
	return nil
}

// handleProposalMessage decodes a gossiped proposal announcement. Malformed
// payloads are dropped; peers are not assumed well-formed.
func (e *Engine) handleProposalMessage(msg dataType.GossipMessage) {
	var snapshot dataType.ConsensusProposal
	if err := decodePayload(msg.Payload, &snapshot); err != nil || snapshot.ID == "" {
		e.logger.Warn("dropped malformed proposal payload",
			zap.String("sender", msg.SenderID), zap.Error(err))
		return
	}
	e.ReceiveProposal(snapshot)
}

// handleVoteMessage decodes a gossiped vote announcement.
func (e *Engine) handleVoteMessage(msg dataType.GossipMessage) {
	proposalID, _ := msg.Payload["proposalId"].(string)
	voterID, _ := msg.Payload["voterId"].(string)
	vote, _ := msg.Payload["vote"].(string)
	if proposalID == "" || voterID == "" {
		e.logger.Warn("dropped malformed vote payload", zap.String("sender", msg.SenderID))
		return
	}
	switch dataType.VoteType(vote) {
	case dataType.VoteApprove, dataType.VoteReject, dataType.VoteAbstain:
		e.ReceiveVote(proposalID, voterID, dataType.VoteType(vote))
	default:
		e.logger.Warn("dropped vote with unknown value",
			zap.String("proposal", proposalID), zap.String("vote", vote))
	}
}

func proposalPayload(p *dataType.ConsensusProposal) map[string]any {
	raw, _ := json.Marshal(p)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}

func decodePayload(payload map[string]any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func numericParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
