package session

// State is one phase of a session's lifecycle.
type State string

const (
	StatePending    State = "pending"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateDraining   State = "draining"
	StateTerminated State = "terminated"
	StateFailed     State = "failed"
)

func (s State) String() string { return string(s) }

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// validTransitions defines the session lifecycle. Failed is reachable from
// every non-terminal state.
var validTransitions = map[State][]State{
	StatePending:    {StateConnecting, StateFailed},
	StateConnecting: {StateActive, StateFailed},
	StateActive:     {StateDraining, StateFailed},
	StateDraining:   {StateTerminated, StateFailed},
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid session transition from " + e.From.String() + " to " + e.To.String()
}
