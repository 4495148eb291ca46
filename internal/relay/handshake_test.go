package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/inercia/wsrelay/internal/auth"
	"github.com/inercia/wsrelay/internal/events"
)

func TestHandshake_Lifecycle(t *testing.T) {
	registry := NewRegistry()
	h := newTestHandshaker(t, registry, HandshakeConfig{}, nil)
	tr := newFakeTransport()

	c := h.Begin("10.0.0.1:4242")
	if c.State() != StateConnecting {
		t.Fatalf("state after Begin = %s", c.State())
	}
	if err := h.Accept(c, tr); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if c.State() != StateAccepted {
		t.Fatalf("state after Accept = %s", c.State())
	}
	if registry.Len() != 0 {
		t.Fatal("accepted connection must not be registered yet")
	}

	id, err := h.Authenticate(context.Background(), c, "user:alice")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if id.UserID != "alice" || c.UserID() != "alice" || c.State() != StateAuthenticated {
		t.Fatalf("after Authenticate: id=%+v state=%s", id, c.State())
	}
	if _, ok := registry.Get(c.ID()); !ok {
		t.Fatal("authenticated connection must be registered")
	}
	if err := c.Enqueue(mustEnvelope(t, "alice", "t1", 1)); !errors.Is(err, ErrConnectionNotReady) {
		t.Fatalf("Enqueue before Active error = %v", err)
	}

	activated, err := h.Activate(c)
	if err != nil || !activated {
		t.Fatalf("Activate() = %v, %v", activated, err)
	}
	if again, err := h.Activate(c); err != nil || again {
		t.Fatalf("second Activate() = %v, %v; want false, nil", again, err)
	}
	if err := c.WaitActive(context.Background()); err != nil {
		t.Fatalf("WaitActive() error = %v", err)
	}

	h.Close(c, CloseNormal, "done")
	h.Close(c, CloseInternalError, "ignored")
	if c.State() != StateClosed {
		t.Fatalf("state after Close = %s", c.State())
	}
	if registry.Len() != 0 {
		t.Fatal("closed connection still registered")
	}
	if code, reason := tr.closeStatus(); code != CloseNormal || reason != "done" {
		t.Errorf("close frame = %d %q", code, reason)
	}
	tr.mu.Lock()
	writes := tr.closeWrites
	tr.mu.Unlock()
	if writes != 1 {
		t.Errorf("close frame written %d times, want 1", writes)
	}
}

func TestHandshake_AuthFailureRejects(t *testing.T) {
	registry := NewRegistry()
	h := newTestHandshaker(t, registry, HandshakeConfig{}, nil)
	tr := newFakeTransport()

	c := h.Begin("10.0.0.1:1")
	_ = h.Accept(c, tr)
	_, err := h.Authenticate(context.Background(), c, "garbage")
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Authenticate() error = %v, want ErrAuthRejected", err)
	}
	if !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("error should wrap the validator error, got %v", err)
	}
	if CloseCodeFor(err) != CloseAuthFailed {
		t.Errorf("CloseCodeFor = %d", CloseCodeFor(err))
	}
	if c.State() != StateRejected {
		t.Errorf("state = %s, want rejected", c.State())
	}
	if code, _ := tr.closeStatus(); code != CloseAuthFailed {
		t.Errorf("close code = %d, want 4401", code)
	}
	if registry.Len() != 0 {
		t.Error("rejected connection registered")
	}
	if tr.frameCount() != 0 {
		t.Error("rejected connection received data frames")
	}
}

func TestHandshake_LockoutAfterFailures(t *testing.T) {
	limiter := auth.NewFailureLimiter(2, time.Minute, time.Minute)
	defer limiter.Close()
	h, err := NewHandshaker(HandshakerOptions{
		Registry:  NewRegistry(),
		Validator: userValidator,
		Limiter:   limiter,
	})
	if err != nil {
		t.Fatal(err)
	}

	attempt := func(cred string) error {
		c := h.Begin("10.9.9.9:1000")
		_ = h.Accept(c, newFakeTransport())
		_, err := h.Authenticate(context.Background(), c, cred)
		return err
	}

	_ = attempt("bad")
	_ = attempt("bad")
	// Even a valid credential is refused while locked out.
	if err := attempt("user:alice"); !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("attempt while locked out error = %v, want ErrAuthRejected", err)
	}
	if got := h.metrics.AuthFailures.Load(); got != 3 {
		t.Errorf("AuthFailures = %d, want 3", got)
	}
}

func TestHandshake_AcceptTimeout(t *testing.T) {
	h := newTestHandshaker(t, NewRegistry(), HandshakeConfig{AcceptTimeout: 20 * time.Millisecond}, nil)
	c := h.Begin("10.0.0.1:1")

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("accept timeout did not fire")
	}
	if c.State() != StateRejected {
		t.Fatalf("state = %s, want rejected", c.State())
	}

	// The upgrade finishing late is closed with 4408.
	tr := newFakeTransport()
	err := h.Accept(c, tr)
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("late Accept() error = %v, want ErrHandshakeTimeout", err)
	}
	if code, _ := tr.closeStatus(); code != CloseHandshakeTimeout {
		t.Errorf("late transport close code = %d, want 4408", code)
	}
}

func TestHandshake_AuthTimeout(t *testing.T) {
	h := newTestHandshaker(t, NewRegistry(), HandshakeConfig{AuthTimeout: 20 * time.Millisecond}, nil)
	tr := newFakeTransport()
	c := h.Begin("10.0.0.1:1")
	_ = h.Accept(c, tr)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("auth timeout did not fire")
	}
	if code, _ := tr.closeStatus(); code != CloseHandshakeTimeout {
		t.Errorf("close code = %d, want 4408", code)
	}
	if _, err := h.Authenticate(context.Background(), c, "user:alice"); !errors.Is(err, ErrConnectionNotReady) {
		t.Errorf("Authenticate after timeout error = %v", err)
	}
}

func TestHandshake_AdmissionTimeout(t *testing.T) {
	registry := NewRegistry()
	h := newTestHandshaker(t, registry, HandshakeConfig{AdmissionTimeout: 30 * time.Millisecond}, nil)
	tr := newFakeTransport()
	c := h.Begin("10.0.0.1:1")
	_ = h.Accept(c, tr)
	if _, err := h.Authenticate(context.Background(), c, "user:alice"); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	// Never activated: the admission window expires.
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("admission timeout did not fire")
	}
	if c.State() != StateClosed {
		t.Errorf("state = %s, want closed", c.State())
	}
	if registry.Len() != 0 {
		t.Error("timed out connection still registered")
	}
	if code, _ := tr.closeStatus(); code != CloseHandshakeTimeout {
		t.Errorf("close code = %d, want 4408", code)
	}
}

func TestHandshake_ActiveConnectionSurvivesWatchdog(t *testing.T) {
	cfg := HandshakeConfig{
		AcceptTimeout:    20 * time.Millisecond,
		AuthTimeout:      20 * time.Millisecond,
		AdmissionTimeout: 30 * time.Millisecond,
	}
	h := newTestHandshaker(t, NewRegistry(), cfg, nil)
	c := connect(t, h, "alice", newFakeTransport())

	time.Sleep(80 * time.Millisecond)
	if c.State() != StateActive {
		t.Errorf("state = %s, want active", c.State())
	}
}

func TestHandshake_DuplicateConnectionID(t *testing.T) {
	registry := NewRegistry()
	h := newTestHandshaker(t, registry, HandshakeConfig{NewID: func() string { return "fixed" }}, nil)

	first := connect(t, h, "alice", newFakeTransport())

	tr := newFakeTransport()
	c := h.Begin("10.0.0.2:1")
	_ = h.Accept(c, tr)
	_, err := h.Authenticate(context.Background(), c, "user:bob")
	if !errors.Is(err, ErrDuplicateConnection) {
		t.Fatalf("Authenticate() error = %v, want ErrDuplicateConnection", err)
	}
	if code, _ := tr.closeStatus(); code != CloseDuplicateConnection {
		t.Errorf("close code = %d, want 4409", code)
	}
	// The colliding close must not evict the original.
	if got, ok := registry.Get("fixed"); !ok || got != first {
		t.Error("original connection lost its registry entry")
	}
}

// Publishing while connections are still handshaking never writes to a
// socket that is not Active: those connections are simply not targets.
func TestHandshake_PublishDuringHandshake(t *testing.T) {
	hub := newTestHub(t, Options{})
	h := hub.Handshaker()

	const conns = 20
	var (
		wg         sync.WaitGroup
		stop       = make(chan struct{})
		transports = make([]*fakeTransport, conns)
		connsDone  = make([]*Connection, conns)
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, err := hub.Bridge().Publish(context.Background(), "alice", "", "",
				events.NotificationPayload{Title: "hello"})
			if err != nil {
				t.Errorf("Publish() error = %v", err)
				return
			}
		}
	}()

	var hw sync.WaitGroup
	for i := 0; i < conns; i++ {
		hw.Add(1)
		go func(i int) {
			defer hw.Done()
			tr := newFakeTransport()
			transports[i] = tr
			c := h.Begin("10.0.0.1:1")
			if tr.frameCount() != 0 {
				t.Errorf("frame written before accept")
			}
			_ = h.Accept(c, tr)
			if tr.frameCount() != 0 {
				t.Errorf("frame written before activation")
			}
			_, _ = h.Authenticate(context.Background(), c, "user:alice")
			if tr.frameCount() != 0 {
				t.Errorf("frame written before activation")
			}
			_, _ = h.Activate(c)
			connsDone[i] = c
		}(i)
	}
	hw.Wait()
	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()

	for i, c := range connsDone {
		if c.State() != StateActive {
			t.Errorf("connection %d state = %s", i, c.State())
		}
		// Every frame is a complete, decodable envelope.
		envs := transports[i].envelopes(t)
		for j := 1; j < len(envs); j++ {
			if envs[j].Sequence() <= envs[j-1].Sequence() {
				t.Fatalf("connection %d: sequence went from %d to %d", i, envs[j-1].Sequence(), envs[j].Sequence())
			}
		}
	}
	if report := hub.Validator().Report(); report.ViolationCount != 0 {
		t.Errorf("violations: %v", report.Violations)
	}
}
