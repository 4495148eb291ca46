package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/inercia/wsrelay/internal/events"
	"github.com/inercia/wsrelay/internal/web"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("session closed")

// SessionCallbacks defines callbacks for session events.
// All callbacks are optional; nil callbacks are ignored. Callbacks run on
// the session's read goroutine and must not block for long.
type SessionCallbacks struct {
	// OnConnected is called when the server activates the connection, after
	// the first ping or subscribe.
	OnConnected func(connectionID, userID string)

	// OnEnvelope is called for every event envelope. When nil, envelopes are
	// buffered for Next.
	OnEnvelope func(env events.Envelope)

	// OnGap is called when the sequence of a (user, thread) skips or repeats.
	OnGap func(gap Gap)

	OnSubscribed   func(threadID string)
	OnUnsubscribed func(threadID string)
	OnPong         func()

	// OnProtocolError is called when the server rejects a frame.
	OnProtocolError func(message string)

	// OnMessage receives frames of any other type.
	OnMessage func(msgType string, raw json.RawMessage)

	// OnDisconnected is called once when the connection ends.
	OnDisconnected func(err error)
}

const envelopeBuffer = 256

// Session is an open WebSocket connection to the relay.
// It is safe for concurrent use.
type Session struct {
	conn      *websocket.Conn
	callbacks SessionCallbacks
	tracker   *SequenceTracker

	envelopes chan events.Envelope
	connected chan struct{}
	done      chan struct{}

	writeMu sync.Mutex

	mu           sync.Mutex
	closed       bool
	connectionID string
	userID       string
	err          error
	dropped      uint64
}

// Connect opens a session. The credential set with WithToken is sent in the
// Authorization header; when the token is empty the caller must send an auth
// frame with Authenticate before anything else.
func (c *Client) Connect(ctx context.Context, callbacks SessionCallbacks) (*Session, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = web.PathWebSocket

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.handshake,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket connect: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	s := &Session{
		conn:      conn,
		callbacks: callbacks,
		tracker:   NewSequenceTracker(),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	if callbacks.OnEnvelope == nil {
		s.envelopes = make(chan events.Envelope, envelopeBuffer)
	}

	go s.readLoop()
	return s, nil
}

// ConnectionID returns the ID assigned by the server, once connected.
func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

// UserID returns the authenticated user, once connected.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Tracker exposes the per-thread sequence tracker.
func (s *Session) Tracker() *SequenceTracker {
	return s.tracker
}

// Done is closed when the connection ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the connection, if it has ended.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// CloseCode returns the WebSocket close code sent by the server, or 0 when
// the connection is open or ended without a close frame.
func (s *Session) CloseCode() int {
	var ce *websocket.CloseError
	if errors.As(s.Err(), &ce) {
		return ce.Code
	}
	return 0
}

// Dropped counts envelopes discarded because the Next buffer was full.
func (s *Session) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Authenticate sends the auth frame for sessions opened without a token.
func (s *Session) Authenticate(token string) error {
	return s.send(web.ClientMessage{Type: web.MsgTypeAuth, Token: token})
}

// Ping sends a heartbeat. The first ping activates the connection.
func (s *Session) Ping() error {
	return s.send(web.ClientMessage{Type: web.MsgTypePing})
}

// Subscribe starts delivery of threadID's events.
func (s *Session) Subscribe(threadID string) error {
	return s.send(web.ClientMessage{Type: web.MsgTypeSubscribe, ThreadID: threadID})
}

// Unsubscribe stops delivery of threadID's events.
func (s *Session) Unsubscribe(threadID string) error {
	return s.send(web.ClientMessage{Type: web.MsgTypeUnsubscribe, ThreadID: threadID})
}

// Send writes an arbitrary frame, forwarded by the server to its inbound
// handler.
func (s *Session) Send(v any) error {
	return s.send(v)
}

// WaitConnected blocks until the server activates the connection.
func (s *Session) WaitConnected(ctx context.Context) error {
	select {
	case <-s.connected:
		return nil
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next buffered envelope. It is only usable when
// OnEnvelope is nil.
func (s *Session) Next(ctx context.Context) (events.Envelope, error) {
	if s.envelopes == nil {
		return events.Envelope{}, errors.New("envelopes are delivered to OnEnvelope")
	}
	select {
	case env, ok := <-s.envelopes:
		if !ok {
			if err := s.Err(); err != nil {
				return events.Envelope{}, err
			}
			return events.Envelope{}, ErrSessionClosed
		}
		return env, nil
	case <-ctx.Done():
		return events.Envelope{}, ctx.Err()
	}
}

// Close sends a normal close frame and closes the connection.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *Session) send(v any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// serverMessage covers every control frame the server sends.
type serverMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	ThreadID     string `json:"thread_id"`
	Message      string `json:"message"`
}

func (s *Session) readLoop() {
	var err error
	defer func() {
		s.mu.Lock()
		s.closed = true
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
		_ = s.conn.Close()
		if s.envelopes != nil {
			close(s.envelopes)
		}
		close(s.done)
		if s.callbacks.OnDisconnected != nil {
			s.callbacks.OnDisconnected(err)
		}
	}()

	for {
		var data []byte
		_, data, err = s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(data)
	}
}

func (s *Session) handleFrame(data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	if events.EventType(msg.Type).Valid() {
		env, err := events.Decode(data)
		if err != nil {
			if s.callbacks.OnProtocolError != nil {
				s.callbacks.OnProtocolError("undecodable envelope: " + err.Error())
			}
			return
		}
		s.handleEnvelope(env)
		return
	}

	switch msg.Type {
	case web.MsgTypeConnected:
		s.mu.Lock()
		first := s.connectionID == ""
		s.connectionID = msg.ConnectionID
		s.userID = msg.UserID
		s.mu.Unlock()
		if first {
			close(s.connected)
		}
		if s.callbacks.OnConnected != nil {
			s.callbacks.OnConnected(msg.ConnectionID, msg.UserID)
		}

	case web.MsgTypePong:
		if s.callbacks.OnPong != nil {
			s.callbacks.OnPong()
		}

	case web.MsgTypeSubscribed:
		if s.callbacks.OnSubscribed != nil {
			s.callbacks.OnSubscribed(msg.ThreadID)
		}

	case web.MsgTypeUnsubscribed:
		s.tracker.ForgetThread(msg.ThreadID)
		if s.callbacks.OnUnsubscribed != nil {
			s.callbacks.OnUnsubscribed(msg.ThreadID)
		}

	case web.MsgTypeProtocolError:
		if s.callbacks.OnProtocolError != nil {
			s.callbacks.OnProtocolError(msg.Message)
		}

	default:
		if s.callbacks.OnMessage != nil {
			s.callbacks.OnMessage(msg.Type, json.RawMessage(data))
		}
	}
}

func (s *Session) handleEnvelope(env events.Envelope) {
	if gap, ok := s.tracker.Observe(env); ok && s.callbacks.OnGap != nil {
		s.callbacks.OnGap(gap)
	}

	if s.callbacks.OnEnvelope != nil {
		s.callbacks.OnEnvelope(env)
		return
	}
	select {
	case s.envelopes <- env:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}
