package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inercia/wsrelay/internal/auth"
	"github.com/inercia/wsrelay/internal/events"
)

// Transport is the write side of an accepted socket. Only the connection's
// DeliveryWorker writes to it once the connection is Active; before that the
// handshake may write a close frame.
type Transport interface {
	WriteMessage(data []byte) error
	WritePing() error
	WriteClose(code int, reason string) error
	Close() error
}

// Connection is one live client session. The registry holds non-owning
// references; writes go exclusively through the connection's worker.
type Connection struct {
	id         string
	remoteAddr string
	createdAt  time.Time

	mu          sync.RWMutex
	state       State
	transport   Transport
	identity    auth.Identity
	worker      *Worker
	closeCode   int
	closeReason string

	lastActivity atomic.Int64

	accepted      chan struct{}
	authenticated chan struct{}
	active        chan struct{}
	done          chan struct{}
}

func newConnection(id, remoteAddr string) *Connection {
	now := time.Now()
	c := &Connection{
		id:            id,
		remoteAddr:    remoteAddr,
		createdAt:     now,
		state:         StateConnecting,
		accepted:      make(chan struct{}),
		authenticated: make(chan struct{}),
		active:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

func (c *Connection) ID() string         { return c.id }
func (c *Connection) RemoteAddr() string { return c.remoteAddr }
func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// UserID returns the authenticated user, or "" before authentication.
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity.UserID
}

// Identity returns the authenticated identity.
func (c *Connection) Identity() auth.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// CloseStatus returns the code and reason the connection was closed with.
func (c *Connection) CloseStatus() (int, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeCode, c.closeReason
}

// LastActivity is the time of the last successful write or received heartbeat.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Touch records client activity.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Done is closed when the connection reaches Closed or Rejected.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Accepted is closed once the transport-level accept completed.
func (c *Connection) Accepted() <-chan struct{} { return c.accepted }

// WaitActive blocks until the connection is Active, terminated, or ctx ends.
func (c *Connection) WaitActive(ctx context.Context) error {
	select {
	case <-c.active:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: %s terminated", ErrConnectionNotReady, c.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueLen returns the number of frames waiting in the outbound queue.
func (c *Connection) QueueLen() int {
	c.mu.RLock()
	w := c.worker
	c.mu.RUnlock()
	if w == nil {
		return 0
	}
	return w.Len()
}

// Enqueue hands env to the connection's worker. It fails fast with
// ErrConnectionNotReady unless the connection is Active, and with a
// *QueueFullError when the queue is at capacity.
func (c *Connection) Enqueue(env events.Envelope) error {
	w, err := c.activeWorker()
	if err != nil {
		return err
	}
	return w.Enqueue(env)
}

// Send queues a non-envelope frame (acks, pongs) behind any pending envelopes.
func (c *Connection) Send(frame []byte) error {
	w, err := c.activeWorker()
	if err != nil {
		return err
	}
	return w.Send(frame)
}

func (c *Connection) activeWorker() (*Worker, error) {
	c.mu.RLock()
	state, w := c.state, c.worker
	c.mu.RUnlock()
	if state != StateActive || w == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrConnectionNotReady, c.id, state)
	}
	return w, nil
}

// transitionLocked moves to the next state and publishes the matching signal.
// c.mu must be held for writing.
func (c *Connection) transitionLocked(to State) error {
	if !c.state.CanTransition(to) {
		return &TransitionError{From: c.state, To: to}
	}
	c.state = to
	switch to {
	case StateAccepted:
		close(c.accepted)
	case StateAuthenticated:
		close(c.authenticated)
	case StateActive:
		close(c.active)
	case StateClosed, StateRejected:
		close(c.done)
	}
	return nil
}
