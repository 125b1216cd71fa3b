package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"medsync/internal/config"
	"medsync/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrClosed    = errors.New("bridge endpoint closed")
	errPeerFull  = errors.New("bridge peer buffer full")
	errPeerGone  = errors.New("bridge peer detached")
	defaultRetry = 5 * time.Second
)

// Peer is the worker-side handle of one live page.
type Peer interface {
	// Deliver must not block.
	Deliver(frame []byte) error
}

// Endpoint is the page-side handle of the bridge.
type Endpoint interface {
	Receive(ctx context.Context) (Envelope, error)
	Ack(ctx context.Context, id string) error
	Close() error
}

type outboxEntry struct {
	id    string
	kind  string
	frame []byte
}

// Hub tracks live pages and fans worker messages out to them.
type Hub struct {
	ackMode        bool
	resendInterval time.Duration
	outboxSize     int
	logger         zerolog.Logger

	mu     sync.Mutex
	peers  map[string]Peer
	outbox []outboxEntry
}

func NewHub(cfg config.BridgeConfig, logger *zerolog.Logger) *Hub {
	h := &Hub{
		ackMode:        cfg.AckMode,
		resendInterval: cfg.ResendInterval,
		outboxSize:     cfg.OutboxSize,
		logger:         zerolog.Nop(),
		peers:          make(map[string]Peer),
	}
	if logger != nil {
		h.logger = logger.With().Str("component", "bridge-hub").Logger()
	}
	if h.resendInterval <= 0 {
		h.resendInterval = defaultRetry
	}
	if h.outboxSize <= 0 {
		h.outboxSize = 256
	}
	return h
}

// AckMode reports whether persist messages are held until acknowledged.
func (h *Hub) AckMode() bool {
	return h.ackMode
}

// Attach registers p and returns its detach function. In ack mode every
// unacknowledged message is replayed to the new peer.
func (h *Hub) Attach(p Peer) func() {
	id := uuid.NewString()

	h.mu.Lock()
	h.peers[id] = p
	backlog := h.backlogLocked()
	h.mu.Unlock()

	h.logger.Debug().Str("peer_id", id).Int("backlog", len(backlog)).Msg("page attached")
	for _, e := range backlog {
		h.deliver(p, e.kind, e.frame, "resent")
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.peers, id)
			h.mu.Unlock()
			h.logger.Debug().Str("peer_id", id).Msg("page detached")
		})
	}
}

// Peers returns the number of live pages.
func (h *Hub) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Outstanding returns the number of persist messages awaiting acknowledgement.
func (h *Hub) Outstanding() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.outbox)
}

// Send delivers msg to every live page and returns how many were reached.
// With no page open the message is lost, unless ack mode holds it.
func (h *Hub) Send(msg Message) int {
	n, err := h.Broadcast(msg)
	if err != nil {
		ev := h.logger.Warn().Err(err).Str("type", msg.Type())
		if save, ok := msg.(SavePendingChange); ok {
			ev = ev.Str("method", save.Method).Str("url", save.URL)
		}
		ev.Msg("bridge message not delivered")
	}
	return n
}

// Broadcast is Send with the failure surfaced: ErrNoPeers when no page was reached.
func (h *Hub) Broadcast(msg Message) (int, error) {
	env := Envelope{Msg: msg}
	if _, persist := msg.(SavePendingChange); persist && h.ackMode {
		env.ID = uuid.NewString()
	}

	data, err := EncodeEnvelope(env)
	if err != nil {
		metrics.IncBridge(msg.Type(), "rejected")
		return 0, err
	}

	h.mu.Lock()
	if env.ID != "" {
		h.outbox = append(h.outbox, outboxEntry{id: env.ID, kind: msg.Type(), frame: data})
		if over := len(h.outbox) - h.outboxSize; over > 0 {
			h.logger.Error().Int("dropped", over).Msg("bridge outbox full, dropping oldest messages")
			h.outbox = append([]outboxEntry(nil), h.outbox[over:]...)
		}
	}
	peers := h.peersLocked()
	h.mu.Unlock()

	reached := 0
	for _, p := range peers {
		if h.deliver(p, msg.Type(), data, "delivered") {
			reached++
		}
	}

	if reached == 0 {
		if env.ID != "" {
			metrics.IncBridge(msg.Type(), "held")
		} else {
			metrics.IncBridge(msg.Type(), "lost")
		}
		return 0, ErrNoPeers
	}
	return reached, nil
}

// Acknowledge releases a held persist message. It reports whether id was outstanding.
func (h *Hub) Acknowledge(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, e := range h.outbox {
		if e.id == id {
			h.outbox = append(h.outbox[:i], h.outbox[i+1:]...)
			metrics.IncBridge(e.kind, "acked")
			return true
		}
	}
	return false
}

// Run resends unacknowledged messages on every tick until ctx is done.
// Without ack mode it returns immediately.
func (h *Hub) Run(ctx context.Context) {
	if !h.ackMode {
		return
	}
	ticker := time.NewTicker(h.resendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.resend()
		}
	}
}

func (h *Hub) resend() {
	h.mu.Lock()
	backlog := h.backlogLocked()
	peers := h.peersLocked()
	h.mu.Unlock()

	if len(backlog) == 0 || len(peers) == 0 {
		return
	}
	h.logger.Debug().Int("messages", len(backlog)).Int("peers", len(peers)).Msg("resending unacknowledged messages")
	for _, e := range backlog {
		for _, p := range peers {
			h.deliver(p, e.kind, e.frame, "resent")
		}
	}
}

func (h *Hub) deliver(p Peer, kind string, frame []byte, result string) bool {
	if err := p.Deliver(frame); err != nil {
		h.logger.Warn().Err(err).Str("type", kind).Msg("failed to deliver bridge message")
		return false
	}
	metrics.IncBridge(kind, result)
	return true
}

func (h *Hub) peersLocked() []Peer {
	peers := make([]Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	return peers
}

func (h *Hub) backlogLocked() []outboxEntry {
	return append([]outboxEntry(nil), h.outbox...)
}
