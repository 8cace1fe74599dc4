package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/automateyournetwork/neighbourd/internal/config"
	"github.com/automateyournetwork/neighbourd/internal/dataType"
	"github.com/automateyournetwork/neighbourd/internal/metrics"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// Transport delivers a message to one peer, best-effort. Failures are not
// retried here; reliability comes from fanout redundancy.
type Transport interface {
	SendToPeer(ctx context.Context, peer dataType.Peer, msg dataType.GossipMessage) error
}

// Handler is invoked for each newly received message of a registered type.
type Handler func(msg dataType.GossipMessage)

type bufferedMessage struct {
	msg        dataType.GossipMessage
	receivedAt time.Time
}

// Protocol floods typed messages across the registered peer set with
// bounded TTL and random fanout. Peers are never auto-evicted once
// registered.
type Protocol struct {
	nodeID    string
	transport Transport
	logger    *zap.Logger

	fanout       int
	interval     time.Duration
	defaultTTL   int
	seenCacheCap int
	bufferMaxAge time.Duration

	mu        sync.RWMutex
	peers     map[string]dataType.Peer
	handlers  map[string]Handler
	seen      map[string]struct{}
	seenOrder []string
	buffer    []bufferedMessage

	forwards sync.WaitGroup
}

func NewProtocol(nodeID string, transport Transport, cfg config.GossipConfig, logger *zap.Logger) *Protocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Protocol{
		nodeID:       nodeID,
		transport:    transport,
		logger:       logger,
		fanout:       cfg.Fanout,
		interval:     time.Duration(cfg.IntervalSeconds) * time.Second,
		defaultTTL:   cfg.DefaultTTL,
		seenCacheCap: cfg.SeenCacheSize,
		bufferMaxAge: time.Duration(cfg.BufferMaxAgeSeconds) * time.Second,
		peers:        make(map[string]dataType.Peer),
		handlers:     make(map[string]Handler),
		seen:         make(map[string]struct{}),
	}
	p.RegisterHandler(dataType.GossipTypeHealthCheck, p.handleHealthCheck)
	return p
}

func (p *Protocol) NodeID() string { return p.nodeID }

// RegisterPeer upserts a peer. Registration is idempotent and peers are
// never removed afterwards.
func (p *Protocol) RegisterPeer(id, address string, port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers[id] = dataType.Peer{
		ID:       id,
		Address:  address,
		Port:     port,
		LastSeen: time.Now(),
		Healthy:  true,
	}
}

// Peers returns a snapshot of the peer table.
func (p *Protocol) Peers() []dataType.Peer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]dataType.Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		out = append(out, peer)
	}
	return out
}

// KnownPeer reports whether the given agent id is registered.
func (p *Protocol) KnownPeer(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.peers[id]
	return ok
}

// RegisterHandler installs the handler for one message type. At most one
// handler per type; a later registration replaces the earlier one.
func (p *Protocol) RegisterHandler(msgType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[msgType] = h
}

// CreateMessage builds a new message originating at this node. ttl <= 0
// selects the configured default.
func (p *Protocol) CreateMessage(msgType string, payload map[string]any, ttl int) dataType.GossipMessage {
	if ttl <= 0 {
		ttl = p.defaultTTL
	}
	now := time.Now().UTC()
	return dataType.GossipMessage{
		ID:        MessageID(p.nodeID, now, payload),
		Type:      msgType,
		SenderID:  p.nodeID,
		Timestamp: now,
		Payload:   payload,
		TTL:       ttl,
		SeenBy:    []string{p.nodeID},
	}
}

// MessageID derives a deterministic content hash from sender, timestamp and
// payload. Collision-free in practice for a trusted fleet; not adversarially
// safe.
func MessageID(senderID string, ts time.Time, payload map[string]any) string {
	h := xxhash.New()
	_, _ = h.WriteString(senderID)
	_, _ = h.WriteString(ts.Format(time.RFC3339Nano))
	if payload != nil {
		raw, _ := json.Marshal(payload)
		_, _ = h.Write(raw)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Broadcast disseminates a locally created message.
func (p *Protocol) Broadcast(msg dataType.GossipMessage) {
	p.markSeen(msg.ID)
	msg.MarkSeen(p.nodeID)

	p.mu.Lock()
	p.buffer = append(p.buffer, bufferedMessage{msg: msg, receivedAt: time.Now()})
	p.mu.Unlock()

	p.forward(msg)
}

// Receive processes a message from the mesh. It returns true only when the
// message is new and was delivered; duplicates and exhausted-TTL messages
// are idempotent no-ops. The duplicate check and the marking happen in one
// critical section so concurrent deliveries of the same id (the HTTP server
// runs handlers concurrently) agree on a single winner.
func (p *Protocol) Receive(msg dataType.GossipMessage) bool {
	if reason := p.admit(msg.ID, msg.TTL); reason != "" {
		metrics.GossipMessagesDropped.WithLabelValues(reason).Inc()
		return false
	}

	msg.MarkSeen(p.nodeID)
	metrics.GossipMessagesReceived.WithLabelValues(msg.Type).Inc()

	p.mu.RLock()
	handler := p.handlers[msg.Type]
	p.mu.RUnlock()
	if handler != nil {
		handler(msg)
	}

	msg.TTL--
	if msg.TTL > 0 {
		p.forward(msg)
	}
	return true
}

// forward fans the message out to up to fanout random peers, skipping any
// peer already on the message's dissemination path.
func (p *Protocol) forward(msg dataType.GossipMessage) {
	p.mu.RLock()
	candidates := make([]dataType.Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		if peer.ID == p.nodeID || msg.Seen(peer.ID) {
			continue
		}
		candidates = append(candidates, peer)
	}
	p.mu.RUnlock()

	if len(candidates) == 0 {
		return
	}

	perm := rand.Perm(len(candidates))
	count := 0
	for _, i := range perm {
		if count >= p.fanout {
			break
		}
		peer := candidates[i]
		p.forwards.Add(1)
		go func(peer dataType.Peer) {
			defer p.forwards.Done()
			metrics.GossipMessagesForwarded.Inc()
			if err := p.transport.SendToPeer(context.Background(), peer, msg); err != nil {
				p.logger.Warn("forward failed",
					zap.String("peer", peer.ID),
					zap.String("msg_id", msg.ID),
					zap.Error(err))
			}
		}(peer)
		count++
	}
}

// Start drives the periodic health broadcast and buffer maintenance until
// ctx is cancelled, then drains in-flight forwards before returning.
func (p *Protocol) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("gossip protocol started",
		zap.String("node", p.nodeID),
		zap.Int("fanout", p.fanout),
		zap.Duration("interval", p.interval))

	for {
		select {
		case <-ctx.Done():
			p.forwards.Wait()
			p.logger.Info("gossip protocol stopped", zap.String("node", p.nodeID))
			return
		case <-ticker.C:
			msg := p.CreateMessage(dataType.GossipTypeHealthCheck, map[string]any{
				"status": "healthy",
				"peers":  len(p.Peers()),
			}, 0)
			p.Broadcast(msg)
			p.pruneBuffer()
		}
	}
}

func (p *Protocol) handleHealthCheck(msg dataType.GossipMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if peer, ok := p.peers[msg.SenderID]; ok {
		peer.LastSeen = time.Now()
		peer.Healthy = true
		p.peers[msg.SenderID] = peer
	}
}

// admit atomically decides whether a message id is deliverable. It returns
// the drop reason ("duplicate" or "ttl"), or "" after recording the id in
// the dedup set. Exhausted messages are never marked seen.
func (p *Protocol) admit(id string, ttl int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[id]; ok {
		return "duplicate"
	}
	if ttl <= 0 {
		return "ttl"
	}
	p.insertSeenLocked(id)
	return ""
}

// markSeen records the id in the dedup set.
func (p *Protocol) markSeen(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[id]; ok {
		return
	}
	p.insertSeenLocked(id)
}

// insertSeenLocked adds the id, evicting the oldest entries once the cap is
// reached. Caller holds mu.
func (p *Protocol) insertSeenLocked(id string) {
	p.seen[id] = struct{}{}
	p.seenOrder = append(p.seenOrder, id)
	for len(p.seenOrder) > p.seenCacheCap {
		oldest := p.seenOrder[0]
		p.seenOrder = p.seenOrder[1:]
		delete(p.seen, oldest)
	}
}

func (p *Protocol) pruneBuffer() {
	cutoff := time.Now().Add(-p.bufferMaxAge)
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.buffer[:0]
	for _, bm := range p.buffer {
		if bm.receivedAt.After(cutoff) {
			kept = append(kept, bm)
		}
	}
	p.buffer = kept
}

// BufferLen reports the number of buffered messages. Used by maintenance
// tests and the health endpoint.
func (p *Protocol) BufferLen() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.buffer)
}
