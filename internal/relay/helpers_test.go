package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inercia/wsrelay/internal/auth"
	"github.com/inercia/wsrelay/internal/events"
)

var errTransportClosed = errors.New("transport closed")

// fakeTransport records frames in memory.
type fakeTransport struct {
	mu          sync.Mutex
	frames      [][]byte
	writeTimes  []time.Time
	pings       int
	closeCode   int
	closeReason string
	closeWrites int
	closed      bool
	failWrites  bool

	// gate, when set, blocks every WriteMessage until it is closed.
	gate chan struct{}
	// started receives a value each time WriteMessage is entered.
	started chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func newGatedTransport() *fakeTransport {
	return &fakeTransport{gate: make(chan struct{}), started: make(chan struct{}, 64)}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errTransportClosed
	}
	if f.failWrites {
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	f.writeTimes = append(f.writeTimes, time.Now())
	return nil
}

func (f *fakeTransport) WritePing() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeTransport) WriteClose(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeWrites++
	f.closeCode, f.closeReason = code, reason
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) setFailWrites(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = v
}

func (f *fakeTransport) closeStatus() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeReason
}

func (f *fakeTransport) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) rawFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

// envelopes decodes the envelope frames, skipping control frames.
func (f *fakeTransport) envelopes(t *testing.T) []events.Envelope {
	t.Helper()
	var out []events.Envelope
	for _, frame := range f.rawFrames() {
		var head struct {
			Type events.EventType `json:"type"`
		}
		if err := json.Unmarshal(frame, &head); err != nil {
			t.Fatalf("frame is not JSON: %v", err)
		}
		if !head.Type.Valid() {
			continue
		}
		env, err := events.Decode(frame)
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", frame, err)
		}
		out = append(out, env)
	}
	return out
}

// userValidator accepts credentials of the form "user:<id>".
var userValidator = auth.ValidatorFunc(func(_ context.Context, credential string) (auth.Identity, error) {
	user, ok := strings.CutPrefix(credential, "user:")
	if !ok || user == "" {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return auth.Identity{UserID: user}, nil
})

func newTestHandshaker(t *testing.T, registry *Registry, cfg HandshakeConfig, observer DeliveryObserver) *Handshaker {
	t.Helper()
	h, err := NewHandshaker(HandshakerOptions{
		Config:    cfg,
		Registry:  registry,
		Validator: userValidator,
		Observer:  observer,
	})
	if err != nil {
		t.Fatalf("NewHandshaker() error = %v", err)
	}
	return h
}

func newTestHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	if opts.Validator == nil {
		opts.Validator = userValidator
	}
	hub, err := NewHub(opts)
	if err != nil {
		t.Fatalf("NewHub() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
	})
	return hub
}

// connect runs a full handshake for userID with transport t and returns the
// Active connection.
func connect(t *testing.T, h *Handshaker, userID string, tr Transport) *Connection {
	t.Helper()
	c := h.Begin("127.0.0.1:50000")
	if err := h.Accept(c, tr); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if _, err := h.Authenticate(context.Background(), c, "user:"+userID); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if _, err := h.Activate(c); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	return c
}

// newAuthenticated builds a connection already in Authenticated state,
// bypassing the handshake.
func newAuthenticated(id, userID string) *Connection {
	c := newConnection(id, "127.0.0.1:1")
	c.identity = auth.Identity{UserID: userID}
	c.state = StateAuthenticated
	close(c.accepted)
	close(c.authenticated)
	return c
}

func mustEnvelope(t *testing.T, userID, threadID string, seq uint64) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(events.Meta{UserID: userID, ThreadID: threadID, Sequence: seq},
		events.AgentThinkingPayload{Thought: "thinking"})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	return env
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func sequences(envs []events.Envelope) []uint64 {
	out := make([]uint64, len(envs))
	for i, e := range envs {
		out[i] = e.Sequence()
	}
	return out
}
