package relay

// State is a connection's position in the handshake state machine.
type State int32

const (
	StateConnecting State = iota
	StateAccepted
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
	StateRejected
)

var stateNames = [...]string{
	StateConnecting:    "connecting",
	StateAccepted:      "accepted",
	StateAuthenticated: "authenticated",
	StateActive:        "active",
	StateClosing:       "closing",
	StateClosed:        "closed",
	StateRejected:      "rejected",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateRejected
}

// Registered reports whether a connection in this state may appear in the
// registry indices.
func (s State) Registered() bool {
	return s == StateAuthenticated || s == StateActive
}

var transitions = map[State][]State{
	StateConnecting:    {StateAccepted, StateRejected},
	StateAccepted:      {StateAuthenticated, StateRejected},
	StateAuthenticated: {StateActive, StateClosing},
	StateActive:        {StateClosing},
	StateClosing:       {StateClosed},
}

// CanTransition reports whether s -> to is a legal transition.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
