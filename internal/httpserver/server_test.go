package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/voice-signal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/voice-signal-relay/internal/lobby"
	"github.com/wilsonzlin/aero/proxy/voice-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/voice-signal-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/voice-signal-relay/internal/turnrest"
)

type fakeDirectory struct {
	connected int64
	lobbies   map[string]lobby.Snapshot
}

func (d *fakeDirectory) Connected() int64 { return d.connected }
func (d *fakeDirectory) Lobbies() int     { return len(d.lobbies) }

func (d *fakeDirectory) Lookup(code string) lobby.Snapshot {
	if snap, ok := d.lobbies[code]; ok {
		return snap
	}
	return lobby.Snapshot{Code: code, Clients: map[string]protocol.Identity{}}
}

func baseConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		PublicBaseURL:   "https://voice.example.com",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, cfg config.Config, opts Options) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build, opts)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, url string, header http.Header, out any) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, baseConfig(), Options{})

	t.Run("healthz", func(t *testing.T) {
		var body map[string]any
		resp := getJSON(t, baseURL+"/healthz", nil, &body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want 200", resp.StatusCode)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		var body map[string]any
		resp := getJSON(t, baseURL+"/readyz", nil, &body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want 200", resp.StatusCode)
		}
		if body["ready"] != true {
			t.Fatalf("body=%v, want ready=true", body)
		}
	})

	t.Run("version", func(t *testing.T) {
		var body BuildInfo
		resp := getJSON(t, baseURL+"/version", nil, &body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want 200", resp.StatusCode)
		}
		if body.Commit != "abc" || body.BuildTime != "time" {
			t.Fatalf("version=%+v", body)
		}
	})

	t.Run("request id echoed", func(t *testing.T) {
		resp := getJSON(t, baseURL+"/healthz", http.Header{"X-Request-ID": {"req-1"}}, nil)
		if got := resp.Header.Get("X-Request-ID"); got != "req-1" {
			t.Fatalf("X-Request-ID=%q, want %q", got, "req-1")
		}
	})
}

func TestHealthReportsRelayStatus(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var calls atomic.Int32
	dir := &fakeDirectory{connected: 3}

	// The first call stamps the start time; later calls are 90s in.
	baseURL := startTestServer(t, baseConfig(), Options{
		Directory: dir,
		Now: func() time.Time {
			if calls.Add(1) == 1 {
				return start
			}
			return start.Add(90 * time.Second)
		},
	})

	var body healthResponse
	resp := getJSON(t, baseURL+"/health", nil, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	want := healthResponse{
		Name:            ServiceName,
		UptimeSeconds:   90,
		ConnectionCount: 3,
		Address:         "https://voice.example.com",
	}
	if body != want {
		t.Fatalf("health=%+v, want %+v", body, want)
	}
}

func TestLobbyIntrospection(t *testing.T) {
	cid := int64(7)
	dir := &fakeDirectory{lobbies: map[string]lobby.Snapshot{
		"ABCDEF": {
			Code:  "ABCDEF",
			Count: 2,
			Clients: map[string]protocol.Identity{
				"conn-1": {PlayerID: 1, ClientID: &cid},
				"conn-2": {PlayerID: 2},
			},
		},
	}}
	baseURL := startTestServer(t, baseConfig(), Options{Directory: dir})

	t.Run("populated", func(t *testing.T) {
		var snap lobby.Snapshot
		resp := getJSON(t, baseURL+"/lobbies/ABCDEF", nil, &snap)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want 200", resp.StatusCode)
		}
		if snap.Code != "ABCDEF" || snap.Count != 2 || len(snap.Clients) != 2 {
			t.Fatalf("snapshot=%+v", snap)
		}
		got := snap.Clients["conn-1"]
		if got.PlayerID != 1 || got.ClientID == nil || *got.ClientID != 7 {
			t.Fatalf("conn-1=%v, want player 1 client 7", got)
		}
		if snap.Clients["conn-2"].ClientID != nil {
			t.Fatalf("conn-2 clientId=%v, want null", snap.Clients["conn-2"])
		}
	})

	t.Run("empty lobby", func(t *testing.T) {
		var snap lobby.Snapshot
		resp := getJSON(t, baseURL+"/lobbies/ZZZZZZ", nil, &snap)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want 200", resp.StatusCode)
		}
		if snap.Count != 0 || snap.Clients == nil || len(snap.Clients) != 0 {
			t.Fatalf("snapshot=%+v, want empty clients", snap)
		}
	})

	t.Run("multibyte code counts runes", func(t *testing.T) {
		resp := getJSON(t, baseURL+"/lobbies/%C3%A9%C3%A9%C3%A9%C3%A9%C3%A9%C3%A9", nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want 200", resp.StatusCode)
		}
	})

	for _, code := range []string{"ABC", "ABCDEFG"} {
		t.Run("bad length "+code, func(t *testing.T) {
			resp := getJSON(t, baseURL+"/lobbies/"+code, nil, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status=%d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := baseConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	baseURL := startTestServer(t, cfg, Options{})

	resp, err := http.Get(baseURL + "/webrtc/ice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control=%q, want no-store", got)
	}

	var body struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
		ExpiresAt *time.Time `json:"expiresAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.ICEServers) != 2 {
		t.Fatalf("iceServers=%d, want 2", len(body.ICEServers))
	}
	if body.ICEServers[1].Username != "user" || body.ICEServers[1].Credential != "pass" {
		t.Fatalf("turn server=%+v, want static credentials", body.ICEServers[1])
	}
	if body.ExpiresAt != nil {
		t.Fatalf("expiresAt=%v, want omitted without TURN REST", body.ExpiresAt)
	}
}

func TestICEEndpoint_TURNRESTCredentials(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gen, err := turnrest.NewGenerator(turnrest.Config{
		SharedSecret:   "s3cret",
		TTL:            time.Hour,
		UsernamePrefix: "voice",
		Now:            func() time.Time { return now },
		NewID:          func() string { return "fixed" },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	cfg := baseConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turns:turn.example.com:5349"}},
	}
	baseURL := startTestServer(t, cfg, Options{TURN: gen})

	var body struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
		ExpiresAt *time.Time `json:"expiresAt"`
	}
	resp := getJSON(t, baseURL+"/webrtc/ice", nil, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}

	wantUser := "1704070800:voice:fixed"
	if body.ICEServers[0].Username != "" {
		t.Fatalf("stun server got credentials: %+v", body.ICEServers[0])
	}
	turn := body.ICEServers[1]
	if turn.Username != wantUser {
		t.Fatalf("username=%q, want %q", turn.Username, wantUser)
	}
	if want := turnrest.Sign([]byte("s3cret"), wantUser); turn.Credential != want {
		t.Fatalf("credential=%q, want %q", turn.Credential, want)
	}
	if body.ExpiresAt == nil || !body.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expiresAt=%v, want %v", body.ExpiresAt, now.Add(time.Hour))
	}
}

func TestStatusEndpoints_OriginPolicy(t *testing.T) {
	cfg := baseConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	baseURL := startTestServer(t, cfg, Options{Directory: &fakeDirectory{}})

	for _, path := range []string{"/health", "/lobbies/ABCDEF", "/webrtc/ice"} {
		t.Run(path, func(t *testing.T) {
			resp := getJSON(t, baseURL+path, http.Header{"Origin": {"https://evil.example.com"}}, nil)
			if resp.StatusCode != http.StatusForbidden {
				t.Fatalf("status=%d, want 403", resp.StatusCode)
			}

			resp = getJSON(t, baseURL+path, http.Header{"Origin": {"HTTPS://APP.example.com:443"}}, nil)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status=%d, want 200", resp.StatusCode)
			}
			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
				t.Fatalf("Access-Control-Allow-Origin=%q", got)
			}
		})
	}
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("VOICE_RELAY_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, cfg, Options{})

	for _, path := range []string{"/readyz", "/webrtc/ice"} {
		resp := getJSON(t, baseURL+path, nil, nil)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("%s status=%d, want 503", path, resp.StatusCode)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.SignalsRelayed)
	m.Inc(metrics.SignalsRelayed)
	dir := &fakeDirectory{connected: 4, lobbies: map[string]lobby.Snapshot{"ABCDEF": {}}}
	baseURL := startTestServer(t, baseConfig(), Options{Directory: dir, Metrics: m})

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	body := string(raw)

	for _, want := range []string{
		`voice_signal_relay_events_total{event="` + metrics.SignalsRelayed + `"} 2`,
		"voice_signal_relay_connections 4",
		"voice_signal_relay_lobbies 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}

type hijackableWriter struct {
	http.ResponseWriter
	hijacked bool
}

func (h *hijackableWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestStatusWriterForwardsHijack(t *testing.T) {
	inner := &hijackableWriter{ResponseWriter: httptest.NewRecorder()}
	sw := &statusWriter{ResponseWriter: inner, status: http.StatusOK}

	if _, _, err := sw.Hijack(); err != nil {
		t.Fatalf("Hijack: %v", err)
	}
	if !inner.hijacked {
		t.Fatalf("inner writer was not hijacked")
	}
	if sw.status != http.StatusSwitchingProtocols {
		t.Fatalf("status=%d, want %d", sw.status, http.StatusSwitchingProtocols)
	}

	plain := &statusWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := plain.Hijack(); err == nil {
		t.Fatalf("expected error hijacking a non-hijackable writer")
	}
}
