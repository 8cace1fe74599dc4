package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gossip metrics
	GossipMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neighbourd_gossip_messages_received_total",
			Help: "Gossip messages accepted by Receive",
		},
		[]string{"type"},
	)

	GossipMessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neighbourd_gossip_messages_dropped_total",
			Help: "Gossip messages dropped before delivery",
		},
		[]string{"reason"}, // "duplicate", "ttl", "invalid"
	)

	GossipMessagesForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "neighbourd_gossip_messages_forwarded_total",
			Help: "Per-peer forward attempts",
		},
	)

	// Consensus metrics
	ProposalsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neighbourd_proposals_completed_total",
			Help: "Proposals that reached a terminal status",
		},
		[]string{"status"},
	)

	VotesCast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neighbourd_votes_cast_total",
			Help: "Local votes cast on proposals",
		},
		[]string{"vote"},
	)

	// Safety / executor metrics
	SafetyViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neighbourd_safety_violations_total",
			Help: "Safety violations raised by validation",
		},
		[]string{"severity"},
	)

	ActionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neighbourd_actions_completed_total",
			Help: "Actions that reached a terminal or blocked state",
		},
		[]string{"status"},
	)
)
