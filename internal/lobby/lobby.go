package lobby

import (
	"sync"

	"github.com/wilsonzlin/aero/proxy/voice-signal-relay/internal/protocol"
)

type member struct {
	session  *Session
	identity protocol.Identity
}

type lobby struct {
	code string

	mu      sync.Mutex
	members map[string]member
	// closed is set once the lobby emptied and left the hub. A closed lobby is
	// never reused.
	closed bool
}

// snapshot copies every member's identity except the given connection id.
func (l *lobby) snapshot(except string) map[string]protocol.Identity {
	out := make(map[string]protocol.Identity, len(l.members))
	for id, m := range l.members {
		if id == except {
			continue
		}
		out[id] = m.identity
	}
	return out
}

// clientHolder returns the id of another member already carrying id's client
// id, or "".
func (l *lobby) clientHolder(id protocol.Identity, self string) string {
	if !id.HasClientID() {
		return ""
	}
	for connID, m := range l.members {
		if connID != self && m.identity.SameClient(id) {
			return connID
		}
	}
	return ""
}

func (l *lobby) broadcast(except string, msg protocol.Outbound) int {
	n := 0
	for id, m := range l.members {
		if id == except {
			continue
		}
		m.session.peer.Send(msg)
		n++
	}
	return n
}

// lockPair locks a and b in code order and returns the matching unlock. a may
// be nil or equal to b.
func lockPair(a, b *lobby) func() {
	if a == nil || a == b {
		b.mu.Lock()
		return b.mu.Unlock
	}
	first, second := a, b
	if second.code < first.code {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}
