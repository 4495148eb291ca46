package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRouter_Resolve(t *testing.T) {
	registry := NewRegistry()
	h := newTestHandshaker(t, registry, HandshakeConfig{}, nil)
	router := NewRouter(registry, RouterOptions{})

	c1 := connect(t, h, "alice", newFakeTransport())
	connect(t, h, "alice", newFakeTransport())
	connect(t, h, "bob", newFakeTransport())
	_ = registry.Subscribe(c1.ID(), "t1")

	if got := router.Resolve("alice", ""); len(got) != 2 {
		t.Errorf("Resolve(alice, \"\") = %d connections, want 2", len(got))
	}
	got := router.Resolve("alice", "t1")
	if len(got) != 1 || got[0] != c1 {
		t.Errorf("Resolve(alice, t1) = %v, want [%s]", ids(got), c1.ID())
	}
	if got := router.Resolve("alice", "t2"); len(got) != 0 {
		t.Errorf("Resolve(alice, t2) = %v, want none", ids(got))
	}
}

func TestRouter_DispatchPartialFailure(t *testing.T) {
	registry := NewRegistry()
	h := newTestHandshaker(t, registry, HandshakeConfig{}, nil)
	router := NewRouter(registry, RouterOptions{})

	good := newFakeTransport()
	c1 := connect(t, h, "alice", good)
	_ = registry.Subscribe(c1.ID(), "t1")

	// Authenticated but not yet Active.
	pending := h.Begin("10.0.0.1:1")
	_ = h.Accept(pending, newFakeTransport())
	if _, err := h.Authenticate(context.Background(), pending, "user:alice"); err != nil {
		t.Fatal(err)
	}
	_ = registry.Subscribe(pending.ID(), "t1")

	targets := router.Resolve("alice", "t1")
	if len(targets) != 2 {
		t.Fatalf("Resolve() = %d targets, want 2", len(targets))
	}

	result, err := router.Dispatch(context.Background(), mustEnvelope(t, "alice", "t1", 1), targets)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if result.Delivered != 1 || len(result.Failed) != 1 {
		t.Fatalf("Dispatch() = %+v, want 1 delivered, 1 failed", result)
	}
	if result.Failed[0].ConnectionID != pending.ID() || !errors.Is(result.Failed[0].Err, ErrConnectionNotReady) {
		t.Errorf("failure = %+v", result.Failed[0])
	}
	if ids := result.FailedIDs(); len(ids) != 1 || ids[0] != pending.ID() {
		t.Errorf("FailedIDs() = %v", ids)
	}
	waitFor(t, time.Second, func() bool { return good.frameCount() == 1 }, "delivery to active connection")
}

func TestRouter_DispatchSkipsUnsubscribed(t *testing.T) {
	registry := NewRegistry()
	h := newTestHandshaker(t, registry, HandshakeConfig{}, nil)
	router := NewRouter(registry, RouterOptions{})

	tr := newFakeTransport()
	c := connect(t, h, "alice", tr)
	_ = registry.Subscribe(c.ID(), "t1")
	targets := router.Resolve("alice", "t1")
	_ = registry.Unsubscribe(c.ID(), "t1")

	result, err := router.Dispatch(context.Background(), mustEnvelope(t, "alice", "t1", 1), targets)
	if err != nil {
		t.Fatal(err)
	}
	if result.Delivered != 0 || len(result.Failed) != 1 || !errors.Is(result.Failed[0].Err, ErrNotSubscribed) {
		t.Errorf("Dispatch() = %+v, want one ErrNotSubscribed failure", result)
	}
}

func TestRouter_CrossUserViolation(t *testing.T) {
	registry := NewRegistry()
	h := newTestHandshaker(t, registry, HandshakeConfig{}, nil)

	var alerts []*RoutingViolationError
	metrics := &Metrics{}
	router := NewRouter(registry, RouterOptions{
		Metrics:     metrics,
		OnViolation: func(e *RoutingViolationError) { alerts = append(alerts, e) },
	})

	aliceTr, bobTr := newFakeTransport(), newFakeTransport()
	alice := connect(t, h, "alice", aliceTr)
	bob := connect(t, h, "bob", bobTr)

	// A corrupted target list that mixes users.
	_, err := router.Dispatch(context.Background(), mustEnvelope(t, "alice", "t1", 1), []*Connection{alice, bob})
	var violation *RoutingViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("Dispatch() error = %v, want *RoutingViolationError", err)
	}
	if !errors.Is(err, ErrCrossUserRouting) {
		t.Error("violation should unwrap to ErrCrossUserRouting")
	}
	if violation.ConnectionID != bob.ID() || violation.ConnectionUser != "bob" {
		t.Errorf("violation = %+v", violation)
	}
	if len(alerts) != 1 {
		t.Errorf("alerts = %d, want 1", len(alerts))
	}
	if metrics.Violations.Load() != 1 {
		t.Errorf("Violations metric = %d", metrics.Violations.Load())
	}

	// Nothing is enqueued for anyone when the dispatch is aborted.
	time.Sleep(20 * time.Millisecond)
	if aliceTr.frameCount() != 0 || bobTr.frameCount() != 0 {
		t.Errorf("frames written after violation: alice=%d bob=%d", aliceTr.frameCount(), bobTr.frameCount())
	}
}
