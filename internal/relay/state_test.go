package relay

import (
	"errors"
	"testing"
)

func TestState_Transitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateConnecting, StateAccepted, true},
		{StateConnecting, StateRejected, true},
		{StateConnecting, StateActive, false},
		{StateAccepted, StateAuthenticated, true},
		{StateAccepted, StateRejected, true},
		{StateAccepted, StateActive, false},
		{StateAuthenticated, StateActive, true},
		{StateAuthenticated, StateClosing, true},
		{StateAuthenticated, StateRejected, false},
		{StateActive, StateClosing, true},
		{StateActive, StateClosed, false},
		{StateClosing, StateClosed, true},
		{StateClosed, StateConnecting, false},
		{StateRejected, StateAccepted, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestState_String(t *testing.T) {
	if StateActive.String() != "active" {
		t.Errorf("StateActive.String() = %q", StateActive.String())
	}
	if State(42).String() != "unknown" {
		t.Errorf("State(42).String() = %q", State(42).String())
	}
	if !StateClosed.Terminal() || !StateRejected.Terminal() || StateClosing.Terminal() {
		t.Error("Terminal() mismatch")
	}
}

func TestConnection_TransitionSignals(t *testing.T) {
	c := newConnection("c1", "127.0.0.1:1")

	c.mu.Lock()
	err := c.transitionLocked(StateActive)
	c.mu.Unlock()
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Connecting -> Active error = %v, want ErrInvalidTransition", err)
	}

	c.mu.Lock()
	_ = c.transitionLocked(StateAccepted)
	c.mu.Unlock()
	select {
	case <-c.Accepted():
	default:
		t.Fatal("accepted signal not published")
	}

	c.mu.Lock()
	_ = c.transitionLocked(StateRejected)
	c.mu.Unlock()
	select {
	case <-c.Done():
	default:
		t.Fatal("done signal not published on Rejected")
	}
}

func TestCloseCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, CloseNormal},
		{ErrAuthRejected, CloseAuthFailed},
		{ErrHandshakeTimeout, CloseHandshakeTimeout},
		{&DuplicateConnectionError{ConnectionID: "x"}, CloseDuplicateConnection},
		{errors.New("boom"), CloseInternalError},
		{&QueueFullError{}, CloseInternalError},
	}
	for _, tt := range tests {
		if got := CloseCodeFor(tt.err); got != tt.want {
			t.Errorf("CloseCodeFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
