package consensus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/automateyournetwork/neighbourd/internal/config"
	"github.com/automateyournetwork/neighbourd/internal/dataType"
	"github.com/automateyournetwork/neighbourd/internal/gossip"
)

// nullTransport drops every send; unit tests drive the engine directly.
type nullTransport struct{}

func (nullTransport) SendToPeer(context.Context, dataType.Peer, dataType.GossipMessage) error {
	return nil
}

func testGossipConfig() config.GossipConfig {
	return config.GossipConfig{
		Fanout:              3,
		IntervalSeconds:     30,
		DefaultTTL:          3,
		SeenCacheSize:       256,
		BufferMaxAgeSeconds: 600,
	}
}

func testConsensusConfig() config.ConsensusConfig {
	return config.ConsensusConfig{
		ProposalTimeoutSeconds: 60,
		RequiredVotes:          2,
		AutoVote:               false,
		HistorySize:            10,
	}
}

func testSafetyConfig() config.SafetyConfig {
	return config.SafetyConfig{MetricMin: 1, MetricMax: 1000}
}

func newTestEngine(t *testing.T, nodeID string, autoVote bool) *Engine {
	t.Helper()
	proto := gossip.NewProtocol(nodeID, nullTransport{}, testGossipConfig(), nil)
	cfg := testConsensusConfig()
	cfg.AutoVote = autoVote
	return NewEngine(proto, cfg, testSafetyConfig(), nil)
}

func remoteProposal(id, proposer, actionType string, params map[string]any, requiredVotes int, expiresIn time.Duration) dataType.ConsensusProposal {
	now := time.Now().UTC()
	return dataType.ConsensusProposal{
		ID:            id,
		ProposerID:    proposer,
		Type:          actionType,
		Description:   "test proposal",
		Parameters:    params,
		CreatedAt:     now,
		ExpiresAt:     now.Add(expiresIn),
		RequiredVotes: requiredVotes,
		Votes:         map[string]dataType.VoteType{},
		Status:        dataType.ProposalPending,
	}
}

func TestQuorumApproval(t *testing.T) {
	e := newTestEngine(t, "agent-a", false)
	e.ReceiveProposal(remoteProposal("p1", "agent-b", "metric_adjustment", nil, 2, time.Minute))

	e.ReceiveVote("p1", "agent-b", dataType.VoteApprove)
	p, _ := e.GetProposal("p1")
	if p.Status != dataType.ProposalPending {
		t.Fatalf("one approve of two required should stay pending, got %s", p.Status)
	}

	e.ReceiveVote("p1", "agent-c", dataType.VoteApprove)
	p, _ = e.GetProposal("p1")
	if p.Status != dataType.ProposalApproved {
		t.Errorf("expected approved at quorum, got %s", p.Status)
	}
}

func TestRejectIsVeto(t *testing.T) {
	e := newTestEngine(t, "agent-a", false)
	e.ReceiveProposal(remoteProposal("p1", "agent-b", "metric_adjustment", nil, 2, time.Minute))

	e.ReceiveVote("p1", "agent-b", dataType.VoteApprove)
	e.ReceiveVote("p1", "agent-c", dataType.VoteReject)
	e.ReceiveVote("p1", "agent-d", dataType.VoteApprove)

	p, _ := e.GetProposal("p1")
	if p.Status != dataType.ProposalRejected {
		t.Errorf("a single reject must veto regardless of approve count, got %s", p.Status)
	}
}

func TestAbstainDoesNotCount(t *testing.T) {
	e := newTestEngine(t, "agent-a", false)
	e.ReceiveProposal(remoteProposal("p1", "agent-b", "metric_adjustment", nil, 2, time.Minute))

	e.ReceiveVote("p1", "agent-b", dataType.VoteAbstain)
	e.ReceiveVote("p1", "agent-c", dataType.VoteAbstain)
	e.ReceiveVote("p1", "agent-d", dataType.VoteApprove)

	p, _ := e.GetProposal("p1")
	if p.Status != dataType.ProposalPending {
		t.Errorf("abstains must not satisfy quorum, got %s", p.Status)
	}
}

func TestLastWriteWinsVote(t *testing.T) {
	e := newTestEngine(t, "agent-a", false)
	e.ReceiveProposal(remoteProposal("p1", "agent-b", "metric_adjustment", nil, 2, time.Minute))

	e.ReceiveVote("p1", "agent-b", dataType.VoteApprove)
	e.ReceiveVote("p1", "agent-b", dataType.VoteAbstain)

	p, _ := e.GetProposal("p1")
	if len(p.Votes) != 1 {
		t.Fatalf("expected one vote per agent, got %d", len(p.Votes))
	}
	if p.Votes["agent-b"] != dataType.VoteAbstain {
		t.Errorf("expected the later vote to overwrite, got %s", p.Votes["agent-b"])
	}
}

func TestExpiryPrecedesOtherOutcomes(t *testing.T) {
	e := newTestEngine(t, "agent-a", false)
	e.ReceiveProposal(remoteProposal("p1", "agent-b", "metric_adjustment", nil, 1, -time.Second))

	// The deadline already passed, so even a quorum of approvals expires it.
	e.ReceiveVote("p1", "agent-b", dataType.VoteApprove)
	e.ReceiveVote("p1", "agent-c", dataType.VoteApprove)

	p, _ := e.GetProposal("p1")
	if p.Status != dataType.ProposalExpired {
		t.Errorf("expected expired to take precedence, got %s", p.Status)
	}
}

func TestVoteAfterExpiryIsIgnored(t *testing.T) {
	e := newTestEngine(t, "agent-a", false)
	e.ReceiveProposal(remoteProposal("p1", "agent-b", "metric_adjustment", nil, 1, -time.Second))

	if n := e.CleanupExpired(); n != 1 {
		t.Fatalf("expected one expired proposal, got %d", n)
	}
	p, _ := e.GetProposal("p1")
	if p.Status != dataType.ProposalExpired {
		t.Fatalf("expected expired, got %s", p.Status)
	}

	e.ReceiveVote("p1", "agent-b", dataType.VoteApprove)
	p, _ = e.GetProposal("p1")
	if p.Status != dataType.ProposalExpired {
		t.Errorf("a late vote must not change a finalized status, got %s", p.Status)
	}
	if len(p.Votes) != 0 {
		t.Errorf("finalized proposal must be immutable, got votes %v", p.Votes)
	}
}

func TestVoteOnUnknownOrExpired(t *testing.T) {
	e := newTestEngine(t, "agent-a", false)

	if e.Vote("missing", dataType.VoteApprove, "") {
		t.Error("vote on unknown proposal must return false")
	}

	e.ReceiveProposal(remoteProposal("p1", "agent-b", "metric_adjustment", nil, 1, -time.Second))
	if e.Vote("p1", dataType.VoteApprove, "") {
		t.Error("vote on expired proposal must return false")
	}
	p, _ := e.GetProposal("p1")
	if p.Status != dataType.ProposalExpired {
		t.Errorf("voting on an expired proposal should finalize it, got %s", p.Status)
	}
}

func TestDuplicateProposalKeepsVoteState(t *testing.T) {
	e := newTestEngine(t, "agent-a", false)
	snapshot := remoteProposal("p1", "agent-b", "metric_adjustment", nil, 3, time.Minute)
	e.ReceiveProposal(snapshot)
	e.ReceiveVote("p1", "agent-c", dataType.VoteApprove)

	// A replayed announcement must not reset accumulated votes.
	replay := snapshot
	replay.Votes = map[string]dataType.VoteType{}
	got := e.ReceiveProposal(replay)
	if len(got.Votes) != 1 {
		t.Errorf("first writer wins: expected 1 vote preserved, got %d", len(got.Votes))
	}
}

func TestAutoVoteHeuristics(t *testing.T) {
	cases := []struct {
		name       string
		actionType string
		params     map[string]any
		want       dataType.VoteType
	}{
		{"GracefulShutdownRejected", "graceful_shutdown", map[string]any{"protocol": "ospf"}, dataType.VoteReject},
		{"MetricInRangeApproved", "metric_adjustment", map[string]any{"proposed": float64(100)}, dataType.VoteApprove},
		{"MetricOutOfRangeRejected", "metric_adjustment", map[string]any{"proposed": float64(100000)}, dataType.VoteReject},
		{"MetricMissingValueRejected", "metric_adjustment", map[string]any{}, dataType.VoteReject},
		{"UnknownTypeAbstains", "firmware_upgrade", nil, dataType.VoteAbstain},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(t, "agent-a", true)
			e.ReceiveProposal(remoteProposal("p-"+tc.name, "agent-b", tc.actionType, tc.params, 5, time.Minute))
			p, ok := e.GetProposal("p-" + tc.name)
			if !ok {
				t.Fatal("proposal not tracked")
			}
			if got := p.Votes["agent-a"]; got != tc.want {
				t.Errorf("expected auto-vote %s, got %s", tc.want, got)
			}
		})
	}
}

func TestWatchDeliversTerminalStatus(t *testing.T) {
	e := newTestEngine(t, "agent-a", false)
	e.ReceiveProposal(remoteProposal("p1", "agent-b", "metric_adjustment", nil, 1, time.Minute))

	ch := e.Watch("p1")
	e.ReceiveVote("p1", "agent-b", dataType.VoteApprove)

	select {
	case status := <-ch:
		if status != dataType.ProposalApproved {
			t.Errorf("expected approved, got %s", status)
		}
	case <-time.After(time.Second):
		t.Fatal("watch never fired")
	}

	// Watching an already finalized proposal fires immediately.
	select {
	case status := <-e.Watch("p1"):
		if status != dataType.ProposalApproved {
			t.Errorf("expected approved, got %s", status)
		}
	case <-time.After(time.Second):
		t.Fatal("watch on completed proposal never fired")
	}
}

func TestWatchUnknownProposal(t *testing.T) {
	e := newTestEngine(t, "agent-a", false)

	select {
	case status := <-e.Watch("never-seen"):
		if status != dataType.ProposalExpired {
			t.Errorf("expected expired for an untracked id, got %s", status)
		}
	case <-time.After(time.Second):
		t.Fatal("watch on an untracked id must fire immediately")
	}

	e.mu.Lock()
	leaked := len(e.watchers)
	e.mu.Unlock()
	if leaked != 0 {
		t.Errorf("untracked ids must not register watchers, found %d", leaked)
	}
}

func TestCompletedHistoryBounded(t *testing.T) {
	e := newTestEngine(t, "agent-a", false)
	for i := 0; i < 15; i++ {
		id := string(rune('a' + i))
		e.ReceiveProposal(remoteProposal(id, "agent-b", "metric_adjustment", nil, 1, -time.Second))
	}
	e.CleanupExpired()

	if got := len(e.CompletedProposals()); got != 10 {
		t.Errorf("expected completed history capped at 10, got %d", got)
	}
	if e.ActiveCount() != 0 {
		t.Errorf("expected no active proposals after sweep, got %d", e.ActiveCount())
	}
}

func TestTransientStatusDivergence(t *testing.T) {
	// Two engines tracking the same proposal may disagree on its status
	// while votes are in flight; they reconcile once the votes land.
	a := newTestEngine(t, "agent-a", false)
	b := newTestEngine(t, "agent-b", false)

	snapshot := remoteProposal("p1", "agent-c", "metric_adjustment", nil, 1, time.Minute)
	a.ReceiveProposal(snapshot)
	b.ReceiveProposal(snapshot)

	// The vote reaches A but not yet B.
	a.ReceiveVote("p1", "agent-c", dataType.VoteApprove)

	pa, _ := a.GetProposal("p1")
	pb, _ := b.GetProposal("p1")
	if pa.Status != dataType.ProposalApproved {
		t.Fatalf("expected A finalized approved, got %s", pa.Status)
	}
	if pb.Status != dataType.ProposalPending {
		t.Fatalf("expected B still pending while the vote is in flight, got %s", pb.Status)
	}

	// The delayed vote arrives; B converges to the same terminal status.
	b.ReceiveVote("p1", "agent-c", dataType.VoteApprove)
	pb, _ = b.GetProposal("p1")
	if pb.Status != pa.Status {
		t.Errorf("expected B to converge to %s, got %s", pa.Status, pb.Status)
	}
}

// memTransport hands messages straight to the target protocol, giving an
// in-process two-node fleet.
type memTransport struct {
	mu    sync.Mutex
	nodes map[string]*gossip.Protocol
}

func (m *memTransport) SendToPeer(_ context.Context, peer dataType.Peer, msg dataType.GossipMessage) error {
	m.mu.Lock()
	target := m.nodes[peer.ID]
	m.mu.Unlock()
	if target != nil {
		target.Receive(msg)
	}
	return nil
}

func TestTwoNodeConvergence(t *testing.T) {
	mt := &memTransport{nodes: make(map[string]*gossip.Protocol)}

	protoA := gossip.NewProtocol("agent-a", mt, testGossipConfig(), nil)
	protoB := gossip.NewProtocol("agent-b", mt, testGossipConfig(), nil)
	mt.nodes["agent-a"] = protoA
	mt.nodes["agent-b"] = protoB
	protoA.RegisterPeer("agent-b", "127.0.0.1", 1)
	protoB.RegisterPeer("agent-a", "127.0.0.1", 1)

	cfgA := testConsensusConfig()
	cfgA.RequiredVotes = 1
	engineA := NewEngine(protoA, cfgA, testSafetyConfig(), nil)

	cfgB := testConsensusConfig()
	cfgB.AutoVote = true
	NewEngine(protoB, cfgB, testSafetyConfig(), nil)

	p := engineA.CreateProposal("metric_adjustment", "raise eth0 cost",
		map[string]any{"interface": "eth0", "proposed": float64(50)}, 1)

	// B auto-approves via gossip; A should converge to approved.
	deadline := time.After(5 * time.Second)
	for {
		got, _ := engineA.GetProposal(p.ID)
		if got.Status == dataType.ProposalApproved {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("proposal never approved, status %s votes %v", got.Status, got.Votes)
		case <-time.After(20 * time.Millisecond):
		}
	}
}
