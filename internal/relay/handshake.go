package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/wsrelay/internal/auth"
	"github.com/inercia/wsrelay/internal/logging"
)

// Default handshake timeouts.
const (
	DefaultAcceptTimeout    = 5 * time.Second
	DefaultAuthTimeout      = 10 * time.Second
	DefaultAdmissionTimeout = 15 * time.Second
)

// HandshakeConfig bounds each handshake stage.
type HandshakeConfig struct {
	// AcceptTimeout bounds Connecting -> Accepted.
	AcceptTimeout time.Duration
	// AuthTimeout bounds Accepted -> Authenticated.
	AuthTimeout time.Duration
	// AdmissionTimeout bounds Connecting -> Active overall.
	AdmissionTimeout time.Duration
	Worker           WorkerConfig
	// NewID generates connection ids. Defaults to random UUIDs.
	NewID func() string
}

func (c HandshakeConfig) withDefaults() HandshakeConfig {
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = DefaultAcceptTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.AdmissionTimeout <= 0 {
		c.AdmissionTimeout = DefaultAdmissionTimeout
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	c.Worker = c.Worker.withDefaults()
	return c
}

// Handshaker drives connections through the handshake state machine and owns
// their teardown. A connection becomes a delivery target only once it is
// Active, and it only becomes Active after its transport was accepted, its
// credential validated and its registry entry created.
type Handshaker struct {
	cfg       HandshakeConfig
	registry  *Registry
	validator auth.Validator
	limiter   *auth.FailureLimiter
	observer  DeliveryObserver
	metrics   *Metrics
	logger    *slog.Logger
}

// HandshakerOptions are the collaborators of a Handshaker.
type HandshakerOptions struct {
	Config    HandshakeConfig
	Registry  *Registry
	Validator auth.Validator
	// Limiter is optional.
	Limiter *auth.FailureLimiter
	// Observer is optional.
	Observer DeliveryObserver
	Metrics  *Metrics
}

// NewHandshaker creates a Handshaker.
func NewHandshaker(opts HandshakerOptions) (*Handshaker, error) {
	if opts.Registry == nil {
		return nil, errors.New("handshaker requires a registry")
	}
	if opts.Validator == nil {
		return nil, errors.New("handshaker requires a validator")
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Handshaker{
		cfg:       opts.Config.withDefaults(),
		registry:  opts.Registry,
		validator: opts.Validator,
		limiter:   opts.Limiter,
		observer:  opts.Observer,
		metrics:   metrics,
		logger:    logging.Handshake(),
	}, nil
}

// Begin creates a connection in state Connecting and arms its handshake
// watchdog. Call it before the transport-level accept starts.
func (h *Handshaker) Begin(remoteAddr string) *Connection {
	c := newConnection(h.cfg.NewID(), remoteAddr)
	h.logger.Debug("Handshake started", "connection_id", c.id, "remote_addr", remoteAddr)
	go h.watch(c)
	return c
}

// Accept attaches the accepted transport and moves to Accepted. If the
// handshake already timed out, t is closed with 4408.
func (h *Handshaker) Accept(c *Connection, t Transport) error {
	c.mu.Lock()
	if c.state != StateConnecting {
		state := c.state
		c.mu.Unlock()
		_ = t.WriteClose(CloseHandshakeTimeout, "handshake timeout")
		_ = t.Close()
		return fmt.Errorf("%w: connection %s is %s", ErrHandshakeTimeout, c.id, state)
	}
	c.transport = t
	err := c.transitionLocked(StateAccepted)
	c.mu.Unlock()
	if err == nil {
		h.logger.Debug("Connection accepted", "connection_id", c.id)
	}
	return err
}

// Authenticate validates credential and registers the connection. Any failure
// rejects the connection: the socket is closed with 4401 (or 4409 on an id
// collision) and the returned error wraps ErrAuthRejected or
// ErrDuplicateConnection.
func (h *Handshaker) Authenticate(ctx context.Context, c *Connection, credential string) (auth.Identity, error) {
	if state := c.State(); state != StateAccepted {
		return auth.Identity{}, fmt.Errorf("%w: connection %s is %s", ErrConnectionNotReady, c.id, state)
	}

	addr := hostOf(c.remoteAddr)
	if h.limiter != nil {
		if blocked, remaining := h.limiter.IsBlocked(addr); blocked {
			h.metrics.AuthFailures.Add(1)
			h.logger.Warn("Connection from locked out address", "connection_id", c.id,
				"remote_addr", addr, "remaining", remaining.Round(time.Second))
			h.Close(c, CloseAuthFailed, "too many failed attempts")
			return auth.Identity{}, fmt.Errorf("%w: address locked out", ErrAuthRejected)
		}
	}

	vctx, cancel := context.WithTimeout(ctx, h.cfg.AuthTimeout)
	defer cancel()
	id, err := h.validator.Validate(vctx, credential)
	if err == nil && id.UserID == "" {
		err = fmt.Errorf("%w: empty user", auth.ErrMissingClaim)
	}
	if err != nil {
		h.metrics.AuthFailures.Add(1)
		if h.limiter != nil && h.limiter.RecordFailure(addr) {
			h.logger.Warn("Address locked out after repeated auth failures", "remote_addr", addr)
		}
		h.logger.Info("Authentication failed", "connection_id", c.id, "remote_addr", addr, "error", err)
		h.Close(c, CloseAuthFailed, "authentication failed")
		return auth.Identity{}, fmt.Errorf("%w: %w", ErrAuthRejected, err)
	}
	if h.limiter != nil {
		h.limiter.RecordSuccess(addr)
	}

	c.mu.Lock()
	if c.state != StateAccepted {
		state := c.state
		c.mu.Unlock()
		return auth.Identity{}, fmt.Errorf("%w: connection %s is %s", ErrHandshakeTimeout, c.id, state)
	}
	c.identity = id
	err = c.transitionLocked(StateAuthenticated)
	c.mu.Unlock()
	if err != nil {
		return auth.Identity{}, err
	}

	if err := h.registry.Register(c); err != nil {
		code := CloseCodeFor(err)
		if !errors.Is(err, ErrDuplicateConnection) {
			code = CloseInternalError
		}
		h.Close(c, code, "registration failed")
		return auth.Identity{}, err
	}
	// A concurrent Close may have run between the transition and Register.
	if !c.State().Registered() {
		h.registry.unregister(c.id, c)
		return auth.Identity{}, fmt.Errorf("%w: connection %s closed during handshake", ErrConnectionNotReady, c.id)
	}

	logging.WithConnection(h.logger, c.id, id.UserID).Debug("Connection authenticated")
	return id, nil
}

// Activate moves an Authenticated connection to Active and starts its
// delivery worker. It reports whether this call performed the transition;
// activating an Active connection is a no-op.
func (h *Handshaker) Activate(c *Connection) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateActive:
		return false, nil
	case StateAuthenticated:
	default:
		return false, fmt.Errorf("%w: connection %s is %s", ErrConnectionNotReady, c.id, c.state)
	}

	logger := logging.WithConnection(logging.Delivery(), c.id, c.identity.UserID)
	w := newWorker(c, c.transport, h.cfg.Worker, h.observer, h.metrics, logger, func(err error) {
		h.Close(c, CloseInternalError, "write failure")
	})
	if err := c.transitionLocked(StateActive); err != nil {
		return false, err
	}
	c.worker = w
	go w.run()
	c.Touch()

	logging.WithConnection(h.logger, c.id, c.identity.UserID).Debug("Connection active")
	return true, nil
}

// Close tears the connection down. Before authentication it ends in Rejected;
// afterwards it passes through Closing, is unregistered, its queue is flushed
// (or discarded after a write failure) and it ends in Closed. Close is
// idempotent and safe to call from any goroutine, including the worker's.
func (h *Handshaker) Close(c *Connection, code int, reason string) {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateAccepted:
		c.closeCode, c.closeReason = code, reason
		_ = c.transitionLocked(StateRejected)
		t := c.transport
		c.mu.Unlock()
		if t != nil {
			_ = t.WriteClose(code, reason)
			_ = t.Close()
		}
		h.logger.Debug("Connection rejected", "connection_id", c.id, "code", code, "reason", reason)
		return

	case StateAuthenticated, StateActive:
		c.closeCode, c.closeReason = code, reason
		_ = c.transitionLocked(StateClosing)

	default:
		c.mu.Unlock()
		return
	}
	w, t, userID := c.worker, c.transport, c.identity.UserID
	c.mu.Unlock()

	h.registry.unregister(c.id, c)

	if w != nil {
		w.Stop(code, reason)
		<-w.Done()
		if w.Err() != nil && t != nil {
			_ = t.WriteClose(code, reason)
		}
	} else if t != nil {
		_ = t.WriteClose(code, reason)
	}
	if t != nil {
		_ = t.Close()
	}

	c.mu.Lock()
	_ = c.transitionLocked(StateClosed)
	c.mu.Unlock()

	if h.observer != nil {
		h.observer.Closed(c.id)
	}
	logging.WithConnection(h.logger, c.id, userID).Debug("Connection closed", "code", code, "reason", reason)
}

// watch enforces the accept, auth and admission deadlines.
func (h *Handshaker) watch(c *Connection) {
	admission := time.NewTimer(h.cfg.AdmissionTimeout)
	defer admission.Stop()

	stage := func(reached <-chan struct{}, limit time.Duration, name string) bool {
		timer := time.NewTimer(limit)
		defer timer.Stop()
		select {
		case <-reached:
			return true
		case <-c.done:
			return false
		case <-timer.C:
		case <-admission.C:
			name = "admission"
		}
		h.logger.Info("Handshake timed out", "connection_id", c.id, "stage", name)
		h.Close(c, CloseHandshakeTimeout, "handshake timeout")
		return false
	}

	if !stage(c.accepted, h.cfg.AcceptTimeout, "accept") {
		return
	}
	if !stage(c.authenticated, h.cfg.AuthTimeout, "auth") {
		return
	}
	stage(c.active, h.cfg.AdmissionTimeout, "admission")
}

func hostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
