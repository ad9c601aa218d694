package lobby

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/proxy/voice-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/voice-signal-relay/internal/protocol"
)

// Session is the per-connection state machine. It starts connected with no
// lobby, moves in and out of lobbies via Join and Leave, and ends at Close.
type Session struct {
	hub  *Hub
	peer Peer
	id   string
	log  *slog.Logger

	mu     sync.Mutex
	lobby  *lobby
	closed bool
}

func (s *Session) ID() string { return s.id }

// LobbyCode returns the current lobby, or "" when not in one.
func (s *Session) LobbyCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lobby == nil {
		return ""
	}
	return s.lobby.code
}

// Handle applies one validated inbound message.
func (s *Session) Handle(msg protocol.Message) error {
	switch msg.Event {
	case protocol.EventJoin:
		return s.Join(msg.LobbyCode, msg.Identity)
	case protocol.EventID:
		return s.UpdateIdentity(msg.Identity)
	case protocol.EventLeave:
		s.Leave()
		return nil
	case protocol.EventSignal:
		return s.Signal(msg.To, msg.Data)
	default:
		return fmt.Errorf("%w: unsupported event %q", protocol.ErrMalformed, msg.Event)
	}
}

// Join moves the session into code. Existing members get a join notice and the
// joiner gets a snapshot of the members that were there before it.
//
// A non-null client id already held by another member fails with
// ErrSpoofAttempt and leaves all state untouched, including any lobby the
// session was already in.
func (s *Session) Join(code string, id protocol.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	for {
		prev := s.lobby
		target := s.hub.lobbyFor(code)
		unlock := lockPair(prev, target)
		if target.closed {
			unlock()
			continue
		}

		if holder := target.clientHolder(id, s.id); holder != "" {
			unlock()
			return fmt.Errorf("%w: client id %d already held by %s in lobby %s", ErrSpoofAttempt, *id.ClientID, holder, code)
		}

		if prev != nil && prev != target {
			delete(prev.members, s.id)
			if len(prev.members) == 0 {
				s.hub.dropLobby(prev)
			}
		}

		existing := target.snapshot(s.id)
		target.members[s.id] = member{session: s, identity: id}
		notified := target.broadcast(s.id, protocol.JoinNotice(s.id, id))
		s.peer.Send(protocol.SetClients(existing))
		s.lobby = target
		unlock()

		s.hub.metrics.Inc(metrics.LobbyJoins)
		s.log.Info("joined lobby", "lobby", code, "identity", id, "members", len(existing)+1, "notified", notified)
		return nil
	}
}

// UpdateIdentity replaces the session's identity in its lobby and notifies the
// other members. It is a no-op outside a lobby.
//
// Once a non-null client id is registered it cannot change: a different
// non-null value fails with ErrSpoofAttempt, and a null value keeps the
// registered one.
func (s *Session) UpdateIdentity(id protocol.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	l := s.lobby
	if l == nil {
		s.log.Debug("identity update outside lobby ignored", "identity", id)
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.members[s.id].identity
	if cur.HasClientID() && id.HasClientID() && !cur.SameClient(id) {
		return fmt.Errorf("%w: client id %d registered, got %d", ErrSpoofAttempt, *cur.ClientID, *id.ClientID)
	}
	if !id.HasClientID() {
		id.ClientID = cur.ClientID
	}
	if holder := l.clientHolder(id, s.id); holder != "" {
		return fmt.Errorf("%w: client id %d already held by %s in lobby %s", ErrSpoofAttempt, *id.ClientID, holder, l.code)
	}

	l.members[s.id] = member{session: s, identity: id}
	l.broadcast(s.id, protocol.SetClient(s.id, id))

	s.hub.metrics.Inc(metrics.IdentityUpdates)
	s.log.Debug("identity updated", "lobby", l.code, "identity", id)
	return nil
}

// Leave removes the session from its lobby. Calling it outside a lobby is a
// no-op.
func (s *Session) Leave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lobby == nil {
		return
	}
	code := s.lobby.code
	s.leaveLocked()
	s.hub.metrics.Inc(metrics.LobbyLeaves)
	s.log.Debug("left lobby", "lobby", code)
}

func (s *Session) leaveLocked() {
	l := s.lobby
	s.lobby = nil

	l.mu.Lock()
	delete(l.members, s.id)
	if len(l.members) == 0 {
		s.hub.dropLobby(l)
	}
	l.mu.Unlock()
}

// Signal forwards data to the connection named by to. Unknown targets are
// dropped silently; the sender is not told.
func (s *Session) Signal(to string, data json.RawMessage) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	target := s.hub.session(to)
	if target == nil {
		s.hub.metrics.Inc(metrics.SignalsDropped)
		s.log.Debug("signal target not found", "to", to)
		return nil
	}
	target.peer.Send(protocol.Signal(s.id, data))
	s.hub.metrics.Inc(metrics.SignalsRelayed)
	return nil
}

// Close releases the session's lobby membership and registry entry and
// decrements the connected counter. Only the first call has any effect.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.lobby != nil {
		s.leaveLocked()
	}
	s.hub.remove(s)
}

// Disconnect forcibly ends the connection: state is released first, then the
// transport is asked to send an error event and close. raw is the inbound
// frame that triggered it and is logged for auditing.
func (s *Session) Disconnect(code string, cause error, raw []byte) {
	lobbyCode := s.LobbyCode()
	s.Close()

	s.hub.metrics.Inc(metrics.ForcedDisconnects)
	switch {
	case errors.Is(cause, ErrSpoofAttempt):
		s.hub.metrics.Inc(metrics.SpoofAttempts)
	case errors.Is(cause, protocol.ErrMalformed):
		s.hub.metrics.Inc(metrics.MalformedMessages)
	}

	message := code
	if cause != nil {
		message = cause.Error()
	}
	s.log.Warn("forcibly disconnecting connection", "reason", code, "lobby", lobbyCode, "err", cause, "raw", string(raw))
	s.peer.Terminate(code, message)
}
