package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/voice-signal-relay/internal/admission"
	"github.com/wilsonzlin/aero/proxy/voice-signal-relay/internal/lobby"
	"github.com/wilsonzlin/aero/proxy/voice-signal-relay/internal/metrics"
)

// Error codes sent in the error event before a forced close.
const (
	CodeUnsupportedVersion = "unsupported_version"
	CodeTooManyConnections = "too_many_connections"
	CodeBadMessage         = "bad_message"
	CodeSpoofAttempt       = "spoof_attempt"
	CodeRateLimited        = "rate_limited"
	CodeShuttingDown       = "shutting_down"
	CodeInternalError      = "internal_error"
)

const (
	defaultIdleTimeout          = 60 * time.Second
	defaultPingInterval         = 20 * time.Second
	defaultMaxMessageBytes      = 64 * 1024
	defaultMaxMessagesPerSecond = 50
	defaultSendQueueSize        = 256
)

var errRateLimited = errors.New("rate limit exceeded")

type Config struct {
	Hub       *lobby.Hub
	Admission *admission.Filter
	Logger    *slog.Logger
	Metrics   *metrics.Metrics

	// AllowedOrigins is the normalized browser origin allow list. Empty means
	// same-host only.
	AllowedOrigins []string

	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueSize        int

	// NewConnID overrides connection id generation in tests.
	NewConnID func() string
}

// Server upgrades signaling requests and runs one connection per request.
type Server struct {
	hub       *lobby.Hub
	admission *admission.Filter
	log       *slog.Logger
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader

	idleTimeout          time.Duration
	pingInterval         time.Duration
	maxMessageBytes      int64
	maxMessagesPerSecond int
	sendQueueSize        int
	newConnID            func() string

	active sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	s := &Server{
		hub:       cfg.Hub,
		admission: cfg.Admission,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin(cfg.AllowedOrigins),
		},

		idleTimeout:          cfg.IdleTimeout,
		pingInterval:         cfg.PingInterval,
		maxMessageBytes:      cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		sendQueueSize:        cfg.SendQueueSize,
		newConnID:            cfg.NewConnID,
	}
	if s.hub == nil {
		s.hub = lobby.NewHub(lobby.Config{Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.admission == nil {
		s.admission = admission.NewFilter(admission.Config{AllowAny: true, Logger: s.log})
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = defaultIdleTimeout
	}
	if s.pingInterval <= 0 || s.pingInterval >= s.idleTimeout {
		s.pingInterval = s.idleTimeout / 3
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = defaultMaxMessageBytes
	}
	if s.maxMessagesPerSecond <= 0 {
		s.maxMessagesPerSecond = defaultMaxMessagesPerSecond
	}
	if s.sendQueueSize <= 0 {
		s.sendQueueSize = defaultSendQueueSize
	}
	if s.newConnID == nil {
		s.newConnID = uuid.NewString
	}
	s.upgrader.Error = func(w http.ResponseWriter, r *http.Request, status int, reason error) {
		if status == http.StatusForbidden {
			s.metrics.Inc(metrics.OriginRejected)
		}
		s.log.Debug("signaling upgrade failed", "status", status, "err", reason, "remote_addr", r.RemoteAddr)
		http.Error(w, http.StatusText(status), status)
	}
	return s
}

func (s *Server) Hub() *lobby.Hub { return s.hub }

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
	mux.HandleFunc("GET /{$}", s.handleSignal)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Shutdown terminates every open connection and waits for their handlers to
// return or ctx to end. Hijacked WebSocket connections are invisible to
// http.Server.Shutdown, so callers run both.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.TerminateAll(CodeShuttingDown, "relay is shutting down")

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "expected websocket upgrade", http.StatusUpgradeRequired)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.active.Add(1)
	defer s.active.Done()

	id := s.newConnID()
	c := newConn(s, ws, id)
	go c.writePump()
	defer c.wait()

	log := c.log.With("remote_addr", r.RemoteAddr)

	if err := s.admission.Admit(r.UserAgent()); err != nil {
		s.metrics.Inc(metrics.AdmissionRejected)
		s.metrics.Inc(metrics.ConnectionsRejected)
		log.Info("signaling connection rejected", "reason", CodeUnsupportedVersion)
		c.Terminate(CodeUnsupportedVersion, err.Error())
		return
	}

	sess, err := s.hub.Connect(c)
	if err != nil {
		code := CodeInternalError
		if errors.Is(err, lobby.ErrTooManyConnections) {
			code = CodeTooManyConnections
			s.metrics.Inc(metrics.TooManyConnections)
		}
		s.metrics.Inc(metrics.ConnectionsRejected)
		log.Warn("signaling connection rejected", "reason", code, "err", err)
		c.Terminate(code, err.Error())
		return
	}
	defer sess.Close()

	s.metrics.Inc(metrics.ConnectionsAccepted)
	log.Info("signaling connection opened", "user_agent", r.UserAgent(), "connected", s.hub.Connected())

	limiter := rate.NewLimiter(rate.Limit(s.maxMessagesPerSecond), s.maxMessagesPerSecond)
	c.readLoop(sess, limiter)

	sess.Close()
	log.Info("signaling connection closed", "connected", s.hub.Connected())
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
