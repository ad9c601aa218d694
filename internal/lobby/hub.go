// Package lobby owns the relay's shared state: which connections are open,
// which lobby each one is in, and the identity it claims there.
//
// Lock order is Session.mu, then lobby.mu (two lobbies are locked in code
// order), then Hub.mu. Every check-then-mutate sequence for a lobby runs under
// that lobby's mutex, and outbound messages are enqueued while it is held so
// recipients observe broadcasts in the order they were issued.
package lobby

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/wilsonzlin/aero/proxy/voice-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/voice-signal-relay/internal/protocol"
)

var (
	ErrSpoofAttempt        = errors.New("client id spoofing attempt")
	ErrClosed              = errors.New("session closed")
	ErrTooManyConnections  = errors.New("too many connections")
	ErrDuplicateConnection = errors.New("duplicate connection id")
)

// Peer is the transport side of a connection.
type Peer interface {
	ID() string
	// Send enqueues msg without blocking. Messages to one peer are delivered
	// in the order they were sent.
	Send(msg protocol.Outbound)
	// Terminate delivers an error event and then closes the transport with a
	// policy-violation status. It must not block.
	Terminate(code, message string)
}

type Config struct {
	// MaxConnections caps open sessions. <= 0 means unlimited.
	MaxConnections int
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

type Hub struct {
	maxConns int
	log      *slog.Logger
	metrics  *metrics.Metrics

	connected atomic.Int64

	mu       sync.RWMutex
	sessions map[string]*Session
	lobbies  map[string]*lobby
}

func NewHub(cfg Config) *Hub {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		maxConns: cfg.MaxConnections,
		log:      log,
		metrics:  cfg.Metrics,
		sessions: make(map[string]*Session),
		lobbies:  make(map[string]*lobby),
	}
}

// Connect registers a newly admitted transport connection and bumps the
// connected counter. The returned Session must eventually be closed.
func (h *Hub) Connect(p Peer) (*Session, error) {
	id := p.ID()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.maxConns > 0 && len(h.sessions) >= h.maxConns {
		return nil, ErrTooManyConnections
	}
	if _, dup := h.sessions[id]; dup {
		return nil, ErrDuplicateConnection
	}

	s := &Session{
		hub:  h,
		peer: p,
		id:   id,
		log:  h.log.With("conn_id", id),
	}
	h.sessions[id] = s
	h.connected.Add(1)
	return s, nil
}

// Connected is the number of open sessions.
func (h *Hub) Connected() int64 {
	return h.connected.Load()
}

// Lobbies is the number of non-empty lobbies.
func (h *Hub) Lobbies() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.lobbies)
}

// Snapshot is a point-in-time view of one lobby.
type Snapshot struct {
	Code    string                       `json:"code"`
	Count   int                          `json:"count"`
	Clients map[string]protocol.Identity `json:"clients"`
}

// Lookup returns the members of code. Unknown and empty lobbies yield a zero
// count and an empty map.
func (h *Hub) Lookup(code string) Snapshot {
	snap := Snapshot{Code: code, Clients: map[string]protocol.Identity{}}

	h.mu.RLock()
	l := h.lobbies[code]
	h.mu.RUnlock()
	if l == nil {
		return snap
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return snap
	}
	snap.Clients = l.snapshot("")
	snap.Count = len(snap.Clients)
	return snap
}

// Identity returns the registered identity of connID and the lobby it was
// registered in. ok is false when the connection is unknown or not in a lobby.
func (h *Hub) Identity(connID string) (id protocol.Identity, lobbyCode string, ok bool) {
	h.mu.RLock()
	s := h.sessions[connID]
	h.mu.RUnlock()
	if s == nil {
		return protocol.Identity{}, "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lobby
	if l == nil {
		return protocol.Identity{}, "", false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.members[connID]
	if !ok {
		return protocol.Identity{}, "", false
	}
	return m.identity, l.code, true
}

// TerminateAll asks every open connection's transport to shut down. Sessions
// are released as their transports close.
func (h *Hub) TerminateAll(code, message string) {
	h.mu.RLock()
	peers := make([]Peer, 0, len(h.sessions))
	for _, s := range h.sessions {
		peers = append(peers, s.peer)
	}
	h.mu.RUnlock()

	for _, p := range peers {
		p.Terminate(code, message)
	}
}

func (h *Hub) session(id string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[id]
}

// lobbyFor returns the live lobby for code, creating it if needed. The caller
// must re-check closed after locking it.
func (h *Hub) lobbyFor(code string) *lobby {
	h.mu.Lock()
	defer h.mu.Unlock()
	l := h.lobbies[code]
	if l == nil {
		l = &lobby{code: code, members: make(map[string]member)}
		h.lobbies[code] = l
	}
	return l
}

// dropLobby is called with l.mu held after l became empty.
func (h *Hub) dropLobby(l *lobby) {
	l.closed = true
	h.mu.Lock()
	if h.lobbies[l.code] == l {
		delete(h.lobbies, l.code)
	}
	h.mu.Unlock()
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	if h.sessions[s.id] == s {
		delete(h.sessions, s.id)
		h.connected.Add(-1)
	}
	h.mu.Unlock()
}
