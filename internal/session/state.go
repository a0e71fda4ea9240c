package session

import "fmt"

// State is a session's lifecycle state.
type State int

const (
	StateInit State = iota
	StateImageReady
	StateProvisioning
	StateAttached
	StateRunning
	StateClosing
	StateTerminated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateImageReady:
		return "image_ready"
	case StateProvisioning:
		return "provisioning"
	case StateAttached:
		return "attached"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateTerminated:
		return "terminated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in API responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateInit; st <= StateFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// canTransition enforces forward-only progress. FAILED is reachable from
// any non-terminal state.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return to > from
}
