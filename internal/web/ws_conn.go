package web

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport adapts a gorilla connection to relay.Transport. Only the
// connection's delivery worker calls WriteMessage; pings and close frames go
// through WriteControl, which gorilla allows concurrently with other writes.
type wsTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration

	closeOnce sync.Once
	release   func()
	closeErr  error
}

func newWSTransport(conn *websocket.Conn, writeWait time.Duration, release func()) *wsTransport {
	return &wsTransport{conn: conn, writeWait: writeWait, release: release}
}

// WriteMessage writes one text frame.
func (t *wsTransport) WriteMessage(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// WritePing sends a ping control frame.
func (t *wsTransport) WritePing() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeWait))
}

// WriteClose sends a close frame with code and reason.
func (t *wsTransport) WriteClose(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	return t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeWait))
}

// Close closes the socket and releases the connection slot once.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
		if t.release != nil {
			t.release()
		}
	})
	return t.closeErr
}
