package lobby

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/voice-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/voice-signal-relay/internal/protocol"
)

type fakePeer struct {
	id string

	mu         sync.Mutex
	msgs       []protocol.Outbound
	terminated []string
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(msg protocol.Outbound) {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
}

func (p *fakePeer) Terminate(code, message string) {
	p.mu.Lock()
	p.terminated = append(p.terminated, code)
	p.mu.Unlock()
}

func (p *fakePeer) messages() []protocol.Outbound {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Outbound(nil), p.msgs...)
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	p.msgs = nil
	p.mu.Unlock()
}

func (p *fakePeer) terminations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.terminated...)
}

func (p *fakePeer) eventsOf(event protocol.Event) []protocol.Outbound {
	var out []protocol.Outbound
	for _, m := range p.messages() {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

type testHub struct {
	*Hub
	metrics *metrics.Metrics
	logs    *syncBuffer
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestHub(t *testing.T, maxConns int) testHub {
	t.Helper()
	m := metrics.New()
	logs := &syncBuffer{}
	h := NewHub(Config{
		MaxConnections: maxConns,
		Logger:         slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Metrics:        m,
	})
	return testHub{Hub: h, metrics: m, logs: logs}
}

func connect(t *testing.T, h *Hub, id string) (*Session, *fakePeer) {
	t.Helper()
	p := &fakePeer{id: id}
	s, err := h.Connect(p)
	if err != nil {
		t.Fatalf("Connect(%s): %v", id, err)
	}
	return s, p
}

func identity(playerID, clientID int64) protocol.Identity {
	return protocol.NewIdentity(playerID, clientID)
}

func mustJoin(t *testing.T, s *Session, code string, id protocol.Identity) {
	t.Helper()
	if err := s.Join(code, id); err != nil {
		t.Fatalf("Join(%s, %s) by %s: %v", code, id, s.ID(), err)
	}
}

// setClientsArg extracts the snapshot from a setClients message.
func setClientsArg(t *testing.T, msg protocol.Outbound) map[string]protocol.Identity {
	t.Helper()
	if msg.Event != protocol.EventSetClients || len(msg.Args) != 1 {
		t.Fatalf("not a setClients message: %#v", msg)
	}
	m, ok := msg.Args[0].(map[string]protocol.Identity)
	if !ok {
		t.Fatalf("setClients arg is %T", msg.Args[0])
	}
	return m
}

// noticeArgs extracts (connID, identity) from a join or setClient message.
func noticeArgs(t *testing.T, msg protocol.Outbound) (string, protocol.Identity) {
	t.Helper()
	if len(msg.Args) != 2 {
		t.Fatalf("unexpected args: %#v", msg)
	}
	connID, ok := msg.Args[0].(string)
	if !ok {
		t.Fatalf("arg0 is %T", msg.Args[0])
	}
	id, ok := msg.Args[1].(protocol.Identity)
	if !ok {
		t.Fatalf("arg1 is %T", msg.Args[1])
	}
	return connID, id
}

func sameIdentities(a, b map[string]protocol.Identity) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !v.Equal(w) {
			return false
		}
	}
	return true
}
