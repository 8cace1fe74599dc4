package transport

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/automateyournetwork/neighbourd/internal/dataType"
	"github.com/automateyournetwork/neighbourd/internal/metrics"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	MaxSkew = 2 * time.Minute
	MaxAge  = 10 * time.Minute

	signatureHeader = "X-Agent-Signature"
)

// Receiver is the gossip engine side of the transport: inbound messages are
// handed to Receive after authentication, and KnownPeer gates senders.
type Receiver interface {
	Receive(msg dataType.GossipMessage) bool
	KnownPeer(id string) bool
}

// HTTPTransport carries gossip messages as HMAC-SHA512 signed JSON over
// HTTP POST. Sends are best-effort with a hard client timeout; inbound
// messages that fail any check are dropped, never fatal.
type HTTPTransport struct {
	webPath  string
	secret   []byte
	client   *http.Client
	logger   *zap.Logger
	receiver Receiver
	validate *validator.Validate
}

func NewHTTPTransport(webPath, secret string, logger *zap.Logger) *HTTPTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{
		webPath:  webPath,
		secret:   []byte(secret),
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
		validate: validator.New(),
	}
}

// Bind attaches the gossip engine. Must be called before serving.
func (t *HTTPTransport) Bind(r Receiver) { t.receiver = r }

// SendToPeer posts the message to one peer. Failures are logged and
// returned but never retried by this layer.
func (t *HTTPTransport) SendToPeer(ctx context.Context, peer dataType.Peer, msg dataType.GossipMessage) error {
	url := fmt.Sprintf("http://%s:%d%s/gossip", peer.Address, peer.Port, t.webPath)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal gossip message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("build request for peer %s: %w", peer.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, t.sign(data))

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send to peer %s: %w", peer.ID, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.Warn("failed to close response body", zap.String("peer", peer.ID), zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer %s returned status %d", peer.ID, resp.StatusCode)
	}
	return nil
}

func (t *HTTPTransport) sign(data []byte) string {
	mac := hmac.New(sha512.New, t.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// HandleGossip is the inbound side. Authentication order: signature, JSON
// shape, known sender, replay window — then the message is handed to the
// engine. Stale and future-dated messages are ACKed but dropped so peers do
// not retry them.
func (t *HTTPTransport) HandleGossip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := r.Body.Close(); err != nil {
			t.logger.Warn("failed to close request body", zap.Error(err))
		}
	}()

	sigHex := r.Header.Get(signatureHeader)
	if sigHex == "" {
		t.logger.Warn("[SECURITY] missing signature", zap.String("remote", r.RemoteAddr))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		t.logger.Warn("[SECURITY] invalid signature format", zap.String("remote", r.RemoteAddr))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	mac := hmac.New(sha512.New, t.secret)
	mac.Write(body)
	if !hmac.Equal(sigBytes, mac.Sum(nil)) {
		t.logger.Warn("[SECURITY] invalid signature", zap.String("remote", r.RemoteAddr))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var msg dataType.GossipMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := t.validate.Struct(&msg); err != nil {
		metrics.GossipMessagesDropped.WithLabelValues("invalid").Inc()
		t.logger.Warn("[SECURITY] malformed envelope",
			zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "Invalid envelope", http.StatusBadRequest)
		return
	}

	if !t.receiver.KnownPeer(msg.SenderID) {
		t.logger.Warn("[SECURITY] gossip from unknown sender",
			zap.String("sender", msg.SenderID), zap.String("remote", r.RemoteAddr))
		http.Error(w, "Forbidden: unknown sender", http.StatusForbidden)
		return
	}

	now := time.Now()
	if now.Sub(msg.Timestamp) > MaxAge {
		t.logger.Warn("[SECURITY] dropped stale gossip",
			zap.String("sender", msg.SenderID), zap.Time("ts", msg.Timestamp))
		t.ack(w)
		return
	}
	if msg.Timestamp.Sub(now) > MaxSkew {
		t.logger.Warn("[SECURITY] dropped future gossip",
			zap.String("sender", msg.SenderID), zap.Time("ts", msg.Timestamp))
		t.ack(w)
		return
	}

	t.receiver.Receive(msg)
	t.ack(w)
}

func (t *HTTPTransport) ack(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ACK")); err != nil {
		t.logger.Error("failed to write ACK response", zap.Error(err))
	}
}
