package signaling

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/voice-signal-relay/internal/lobby"
	"github.com/wilsonzlin/aero/proxy/voice-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/voice-signal-relay/internal/protocol"
)

const wsWriteWait = 1 * time.Second

type closeFrame struct {
	code   int
	reason string
}

// conn is the transport half of a signaling connection. All socket writes
// happen on the writePump goroutine; Send and Terminate only enqueue, so they
// are safe to call while a lobby lock is held.
type conn struct {
	ws      *websocket.Conn
	id      string
	log     *slog.Logger
	metrics *metrics.Metrics

	idleTimeout     time.Duration
	pingInterval    time.Duration
	maxMessageBytes int64

	mu      sync.Mutex
	send    chan []byte
	closing bool
	frame   closeFrame

	done chan struct{}
}

var _ lobby.Peer = (*conn)(nil)

func newConn(s *Server, ws *websocket.Conn, id string) *conn {
	return &conn{
		ws:              ws,
		id:              id,
		log:             s.log.With("conn_id", id),
		metrics:         s.metrics,
		idleTimeout:     s.idleTimeout,
		pingInterval:    s.pingInterval,
		maxMessageBytes: s.maxMessageBytes,
		send:            make(chan []byte, s.sendQueueSize),
		done:            make(chan struct{}),
	}
}

func (c *conn) ID() string { return c.id }

func (c *conn) Send(msg protocol.Outbound) {
	b, err := msg.Encode()
	if err != nil {
		c.log.Error("failed to encode outbound message", "event", msg.Event, "err", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return
	}
	select {
	case c.send <- b:
	default:
		c.metrics.Inc(metrics.SlowConsumers)
		c.log.Warn("send queue full; closing slow connection", "event", msg.Event, "queued", len(c.send))
		c.closeLocked(websocket.ClosePolicyViolation, "send queue full")
	}
}

// Terminate queues an error event followed by a close frame. Messages queued
// earlier are still delivered first.
func (c *conn) Terminate(code, message string) {
	b, err := protocol.Error(code, message).Encode()
	if err != nil {
		b = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return
	}
	if b != nil {
		select {
		case c.send <- b:
		default:
		}
	}
	closeCode := websocket.ClosePolicyViolation
	if code == CodeShuttingDown {
		closeCode = websocket.CloseGoingAway
	}
	c.closeLocked(closeCode, code)
}

func (c *conn) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closing {
		c.closeLocked(code, reason)
	}
}

func (c *conn) closeLocked(code int, reason string) {
	c.closing = true
	c.frame = closeFrame{code: code, reason: reason}
	close(c.send)
}

// wait ends the connection normally if nothing else did and blocks until the
// writer has flushed and closed the socket.
func (c *conn) wait() {
	c.closeWith(websocket.CloseNormalClosure, "")
	<-c.done
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.done)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.mu.Lock()
				frame := c.frame
				c.mu.Unlock()
				_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(frame.code, frame.reason), time.Now().Add(wsWriteWait))
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("signaling write failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// readLoop feeds inbound frames to sess until the socket fails or the session
// is forcibly disconnected.
func (c *conn) readLoop(sess *lobby.Session, limiter *rate.Limiter) {
	c.ws.SetReadLimit(c.maxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent 1009.
				c.log.Warn("signaling message too large", "limit", c.maxMessageBytes)
				c.closeWith(websocket.CloseMessageTooBig, "message too large")
			case isTimeout(err):
				c.log.Debug("signaling connection idle", "timeout", c.idleTimeout)
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))

		// Rate limit after reading so the frame is consumed and the client can
		// observe the close reason instead of a reset.
		if !limiter.Allow() {
			c.metrics.Inc(metrics.DropReasonRateLimit)
			sess.Disconnect(CodeRateLimited, errRateLimited, nil)
			return
		}
		if msgType != websocket.TextMessage {
			sess.Disconnect(CodeBadMessage, fmt.Errorf("%w: expected text message", protocol.ErrMalformed), data)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			sess.Disconnect(CodeBadMessage, err, data)
			return
		}
		if err := sess.Handle(msg); err != nil {
			if errors.Is(err, lobby.ErrClosed) {
				return
			}
			sess.Disconnect(errorCode(err), err, data)
			return
		}
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, lobby.ErrSpoofAttempt):
		return CodeSpoofAttempt
	case errors.Is(err, protocol.ErrMalformed):
		return CodeBadMessage
	default:
		return CodeInternalError
	}
}
