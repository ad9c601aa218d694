package metrics

import "sync"

// Event counter names.
const (
	ConnectionsAccepted = "connections_accepted"
	ConnectionsRejected = "connections_rejected"

	AdmissionRejected   = "admission_rejected"
	OriginRejected      = "origin_rejected"
	TooManyConnections  = "too_many_connections"
	DropReasonRateLimit = "rate_limited"

	LobbyJoins      = "lobby_joins"
	LobbyLeaves     = "lobby_leaves"
	IdentityUpdates = "identity_updates"

	SignalsRelayed = "signals_relayed"
	SignalsDropped = "signals_dropped"

	ForcedDisconnects = "forced_disconnects"
	SpoofAttempts     = "spoof_attempts"
	MalformedMessages = "malformed_messages"
	SlowConsumers     = "slow_consumers"
)

// Metrics is a concurrency-safe counter registry. A nil *Metrics discards
// everything so callers never need to guard.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
