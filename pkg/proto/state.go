package proto

import (
	"fmt"
	"strings"
)

// State is an agent's position in the lifecycle machine. Transitions
// are gated by the registry; the supervisor drives them.
type State string

const (
	// StateRegistered is the initial state after register and the state
	// descriptors reload into on warm restart.
	StateRegistered State = "REGISTERED"
	// StateStarting covers agent initialization.
	StateStarting State = "STARTING"
	// StateRunning is the normal working state.
	StateRunning State = "RUNNING"
	// StateIdle is Running with no recent activity.
	StateIdle State = "IDLE"
	// StateDegraded is reached after a failed health sample; the agent
	// keeps receiving messages.
	StateDegraded State = "DEGRADED"
	// StateFailing means the supervisor is deciding between restart and
	// Dead.
	StateFailing State = "FAILING"
	// StateStopping drains the inbox ahead of Stopped.
	StateStopping State = "STOPPING"
	// StateStopped is terminal until a manual start or deregister.
	StateStopped State = "STOPPED"
	// StateDead is terminal; only deregister applies.
	StateDead State = "DEAD"
)

// AllStates lists every lifecycle state, in FSM order.
func AllStates() []State {
	return []State{
		StateRegistered, StateStarting, StateRunning, StateIdle,
		StateDegraded, StateFailing, StateStopping, StateStopped,
		StateDead,
	}
}

// ValidateState reports whether s names a known lifecycle state.
func ValidateState(s string) (State, bool) {
	switch State(s) {
	case StateRegistered, StateStarting, StateRunning, StateIdle,
		StateDegraded, StateFailing, StateStopping, StateStopped, StateDead:
		return State(s), true
	default:
		return "", false
	}
}

// ParseState parses s into a State, accepting any case.
func ParseState(s string) (State, error) {
	if st, ok := ValidateState(strings.ToUpper(s)); ok {
		return st, nil
	}
	return "", fmt.Errorf("unknown agent state: %s", s)
}

func (s State) String() string {
	return string(s)
}

// Routable reports whether an agent in this state appears in the
// capability index and accepts new messages.
func (s State) Routable() bool {
	switch s {
	case StateRunning, StateIdle, StateDegraded:
		return true
	default:
		return false
	}
}

// Terminal reports whether the state admits no supervisor-driven exit.
// Stopped still allows a manual start; Dead allows only deregister.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateDead
}

// Stoppable reports whether a stop request is legal from this state.
func (s State) Stoppable() bool {
	switch s {
	case StateStarting, StateRunning, StateIdle, StateDegraded:
		return true
	default:
		return false
	}
}
