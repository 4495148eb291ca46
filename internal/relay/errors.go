package relay

import (
	"errors"
	"fmt"

	"github.com/inercia/wsrelay/internal/events"
)

// WebSocket close codes used when tearing down a connection.
const (
	CloseNormal              = 1000
	CloseGoingAway           = 1001
	CloseInternalError       = 1011
	CloseAuthFailed          = 4401
	CloseHandshakeTimeout    = 4408
	CloseDuplicateConnection = 4409
)

var (
	ErrDuplicateConnection = errors.New("duplicate connection id")
	ErrConnectionNotReady  = errors.New("connection not ready")
	ErrQueueFull           = errors.New("outbound queue full")
	ErrAuthRejected        = errors.New("authentication rejected")
	ErrHandshakeTimeout    = errors.New("handshake timeout")
	ErrCrossUserRouting    = errors.New("cross-user routing violation")
	ErrUnknownConnection   = errors.New("unknown connection")
	ErrNotSubscribed       = errors.New("connection not subscribed to thread")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrPoolClosed          = errors.New("inbound pool closed")
	ErrPoolBusy            = errors.New("inbound pool busy")
)

// DuplicateConnectionError is returned by Registry.Register on an id collision.
type DuplicateConnectionError struct {
	ConnectionID string
}

func (e *DuplicateConnectionError) Error() string {
	return fmt.Sprintf("duplicate connection id %q", e.ConnectionID)
}

func (e *DuplicateConnectionError) Unwrap() error { return ErrDuplicateConnection }

// QueueFullError is the backpressure signal of a DeliveryWorker.
type QueueFullError struct {
	ConnectionID string
	Capacity     int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("outbound queue of %s full (capacity %d)", e.ConnectionID, e.Capacity)
}

func (e *QueueFullError) Unwrap() error { return ErrQueueFull }

// RoutingViolationError reports a target whose user does not own the envelope.
// It should be unreachable; seeing one means the isolation invariant broke.
type RoutingViolationError struct {
	ConnectionID   string
	ConnectionUser string
	Key            events.Key
	Sequence       uint64
}

func (e *RoutingViolationError) Error() string {
	return fmt.Sprintf("cross-user routing violation: envelope %s#%d targeted connection %s of user %q",
		e.Key, e.Sequence, e.ConnectionID, e.ConnectionUser)
}

func (e *RoutingViolationError) Unwrap() error { return ErrCrossUserRouting }

// TransitionError is returned when a state change is not allowed.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// CloseCodeFor maps an error to the close code sent to the client.
func CloseCodeFor(err error) int {
	switch {
	case err == nil:
		return CloseNormal
	case errors.Is(err, ErrAuthRejected):
		return CloseAuthFailed
	case errors.Is(err, ErrHandshakeTimeout):
		return CloseHandshakeTimeout
	case errors.Is(err, ErrDuplicateConnection):
		return CloseDuplicateConnection
	default:
		return CloseInternalError
	}
}
