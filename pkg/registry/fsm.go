// Package registry owns the agent descriptor table: registration,
// lookup, and lifecycle state transitions. All other components read
// descriptors through immutable snapshots handed out here.
package registry

import (
	"mas/pkg/proto"
)

// validTransitions defines the lifecycle state machine. Transitions
// not listed are rejected with IllegalTransition.
//
//nolint:gochecknoglobals // Intentional package-level constant for state machine definition
var validTransitions = map[proto.State][]proto.State{
	proto.StateRegistered: {
		proto.StateStarting, // start
	},
	proto.StateStarting: {
		proto.StateRunning,  // init ok
		proto.StateFailing,  // init failed or timed out
		proto.StateStopping, // stop during startup
	},
	proto.StateRunning: {
		proto.StateIdle,     // no activity for idle_after
		proto.StateDegraded, // health sample failed
		proto.StateFailing,  // fatal handler error
		proto.StateStopping, // stop
	},
	proto.StateIdle: {
		proto.StateRunning,  // message arrived
		proto.StateDegraded, // health sample failed
		proto.StateFailing,  // fatal handler error
		proto.StateStopping, // stop
	},
	proto.StateDegraded: {
		proto.StateRunning,  // consecutive healthy samples
		proto.StateFailing,  // consecutive failures reached the ceiling
		proto.StateStopping, // stop
	},
	proto.StateFailing: {
		proto.StateStarting, // restart attempt
		proto.StateDead,     // restart budget exhausted
	},
	proto.StateStopping: {
		proto.StateStopped, // drained
	},
	proto.StateStopped: {
		proto.StateStarting, // manual start of a stopped agent
	},
	proto.StateDead: {
		// Terminal. Only deregister applies.
	},
}

// IsValidTransition checks if a lifecycle transition is allowed.
func IsValidTransition(from, to proto.State) bool {
	allowed, exists := validTransitions[from]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// ValidNextStates returns the allowed next states for a given state.
func ValidNextStates(from proto.State) []proto.State {
	return validTransitions[from]
}
