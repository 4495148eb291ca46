package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/inercia/wsrelay/internal/auth"
	"github.com/inercia/wsrelay/internal/logging"
	"github.com/inercia/wsrelay/internal/relay"
)

// wsSession is the read side of one upgraded connection. Writes go through
// the relay worker once the connection is Active.
type wsSession struct {
	server  *Server
	conn    *websocket.Conn
	rc      *relay.Connection
	limiter *rate.Limiter
	logger  *slog.Logger
}

// handleWebSocket runs the handshake and then the read loop of one client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := s.proxies.ClientIP(r)

	if !s.tracker.TryAdd(clientIP) {
		s.logger.Warn("WebSocket rejected: too many connections", "client_ip", clientIP)
		writeErrorJSON(w, http.StatusTooManyRequests, "too_many_connections", "too many connections")
		return
	}

	hs := s.hub.Handshaker()
	rc := hs.Begin(clientIP)

	credential := auth.BearerToken(r.Header.Get("Authorization"))
	if credential == "" {
		credential = r.URL.Query().Get("token")
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.tracker.Remove(clientIP)
		hs.Close(rc, relay.CloseNormal, "upgrade failed")
		s.logger.Debug("WebSocket upgrade failed", "client_ip", clientIP, "error", err)
		return
	}
	configureWebSocketConn(conn, s.wsConfig)

	transport := newWSTransport(conn, s.wsConfig.WriteWait, func() { s.tracker.Remove(clientIP) })
	if err := hs.Accept(rc, transport); err != nil {
		s.logger.Info("WebSocket accept failed", "connection_id", rc.ID(), "error", err)
		transport.Close()
		return
	}

	if credential == "" {
		credential, err = readAuthFrame(conn)
		if err != nil {
			code := relay.CloseAuthFailed
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				code = relay.CloseHandshakeTimeout
			}
			// No-op when the watchdog already closed the connection.
			hs.Close(rc, code, err.Error())
			s.handshakeFailed(r, rc, err)
			return
		}
	}

	identity, err := hs.Authenticate(s.baseCtx, rc, credential)
	if err != nil {
		s.handshakeFailed(r, rc, err)
		return
	}
	s.recordRequest(r, http.StatusSwitchingProtocols)

	sess := &wsSession{
		server:  s,
		conn:    conn,
		rc:      rc,
		limiter: newLimiter(s.config.InboundRate, s.config.InboundBurst),
		logger:  logging.WithConnection(s.logger, rc.ID(), identity.UserID),
	}
	sess.readLoop()
}

var errAuthRequired = errors.New("authentication required")

// handshakeFailed reports a connection that never got past authentication
// to the scanner defense and the access log. The code is the one the
// connection was actually closed with, which may come from the handshake
// watchdog rather than from err.
func (s *Server) handshakeFailed(r *http.Request, rc *relay.Connection, err error) {
	code, reason := handshakeCloseStatus(rc, err)
	s.recordRequest(r, handshakeStatus(code))
	s.accessLogger.Handshake(r, rc.ID(), code, reason)
}

func handshakeCloseStatus(rc *relay.Connection, err error) (int, string) {
	code, reason := rc.CloseStatus()
	if code == 0 {
		return relay.CloseCodeFor(err), err.Error()
	}
	if reason == "" {
		reason = err.Error()
	}
	return code, reason
}

// handshakeStatus maps a handshake close code to the HTTP status reported to
// the scanner defense.
func handshakeStatus(code int) int {
	switch code {
	case relay.CloseHandshakeTimeout:
		return http.StatusRequestTimeout
	case relay.CloseDuplicateConnection:
		return http.StatusConflict
	case relay.CloseInternalError:
		return http.StatusInternalServerError
	}
	return http.StatusUnauthorized
}

// readAuthFrame waits for the first frame, which must be an auth message.
// The handshake watchdog closes the socket when the auth timeout expires,
// which ends the read.
func readAuthFrame(conn *websocket.Conn) (string, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	msg, err := ParseMessage(data)
	if err != nil || msg.Type != MsgTypeAuth || msg.Token == "" {
		return "", errAuthRequired
	}
	return msg.Token, nil
}

func (sess *wsSession) readLoop() {
	hs := sess.server.hub.Handshaker()
	defer hs.Close(sess.rc, relay.CloseNormal, "connection closed")

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				sess.rc.State().Registered() {
				sess.logger.Debug("WebSocket read failed", "error", err)
			}
			return
		}
		sess.rc.Touch()
		sess.conn.SetReadDeadline(time.Now().Add(sess.server.wsConfig.PongWait))

		if !sess.limiter.Allow() {
			sess.reply(protocolError("rate limit exceeded"))
			continue
		}

		receivedAt := time.Now()
		err = sess.server.inbound.Submit(sess.rc.ID(), func(ctx context.Context) {
			sess.handleFrame(ctx, data, receivedAt)
		})
		switch {
		case errors.Is(err, relay.ErrPoolBusy):
			sess.reply(protocolError("server busy"))
		case errors.Is(err, relay.ErrPoolClosed):
			return
		}
	}
}

// handleFrame runs on the inbound pool. Frames of one connection are handled
// in arrival order.
func (sess *wsSession) handleFrame(ctx context.Context, data []byte, receivedAt time.Time) {
	msg, err := ParseMessage(data)
	if err != nil {
		sess.reply(protocolError("invalid message: " + err.Error()))
		return
	}

	switch msg.Type {
	case MsgTypePing:
		if sess.activate() {
			sess.reply(pongMessage())
		}

	case MsgTypeSubscribe:
		if msg.ThreadID == "" {
			sess.reply(protocolError("subscribe requires thread_id"))
			return
		}
		if !sess.activate() {
			return
		}
		if err := sess.server.hub.Registry().Subscribe(sess.rc.ID(), msg.ThreadID); err != nil {
			sess.logger.Debug("Subscribe failed", "thread_id", msg.ThreadID, "error", err)
			return
		}
		sess.logger.Debug("Subscribed", "thread_id", msg.ThreadID)
		sess.reply(ThreadAck{Type: MsgTypeSubscribed, ThreadID: msg.ThreadID})

	case MsgTypeUnsubscribe:
		if msg.ThreadID == "" {
			sess.reply(protocolError("unsubscribe requires thread_id"))
			return
		}
		if err := sess.server.hub.Registry().Unsubscribe(sess.rc.ID(), msg.ThreadID); err != nil {
			sess.logger.Debug("Unsubscribe failed", "thread_id", msg.ThreadID, "error", err)
			return
		}
		sess.reply(ThreadAck{Type: MsgTypeUnsubscribed, ThreadID: msg.ThreadID})

	case MsgTypeAuth:
		sess.reply(protocolError("already authenticated"))

	default:
		in := relay.InboundMessage{
			ConnectionID: sess.rc.ID(),
			UserID:       sess.rc.UserID(),
			Type:         msg.Type,
			Raw:          json.RawMessage(data),
			ReceivedAt:   receivedAt,
		}
		if err := sess.server.inboundHandler.HandleInbound(ctx, in); err != nil {
			sess.logger.Warn("Inbound handler failed", "type", msg.Type, "error", err)
			sess.reply(protocolError("message rejected"))
		}
	}
}

// activate moves the connection to Active on its first ping or subscribe and
// sends the connected message exactly once.
func (sess *wsSession) activate() bool {
	activated, err := sess.server.hub.Handshaker().Activate(sess.rc)
	if err != nil {
		sess.logger.Debug("Activation failed", "error", err)
		return false
	}
	if activated {
		sess.reply(ConnectedMessage{
			Type:         MsgTypeConnected,
			ConnectionID: sess.rc.ID(),
			UserID:       sess.rc.UserID(),
		})
	}
	return true
}

// reply queues a control frame behind pending envelopes. Before the
// connection is Active nothing is written and the frame is dropped.
func (sess *wsSession) reply(v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		sess.logger.Error("Failed to encode reply", "error", err)
		return
	}
	if err := sess.rc.Send(frame); err != nil {
		sess.logger.Debug("Reply dropped", "error", err)
	}
}
