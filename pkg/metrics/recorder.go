// Package metrics provides metrics recording for runtime operations.
package metrics

import (
	"time"

	"mas/pkg/proto"
)

// Recorder defines the interface for recording runtime metrics.
type Recorder interface {
	// SetAgentsInState sets the gauge of agents currently in a state.
	// The supervisor samples descriptor states and calls this for every
	// state, zeros included.
	SetAgentsInState(state proto.State, count int)

	// IncSent counts an accepted send by kind and priority.
	IncSent(kind proto.MsgKind, priority proto.Priority)

	// IncAcked counts a delivery acknowledgement by outcome label.
	IncAcked(outcome string)

	// IncDeadLettered counts a dead-lettered message by reason.
	IncDeadLettered(reason string)

	// ObserveHandler records one handler invocation for an agent.
	ObserveHandler(agentID string, duration time.Duration)

	// SetInboxDepth records the sampled inbox depth for an agent.
	SetInboxDepth(agentID string, depth int)

	// IncRestart counts a supervisor-initiated restart of an agent.
	IncRestart(agentID string)

	// DropAgent removes per-agent series after a deregister so gauges
	// do not report departed agents forever.
	DropAgent(agentID string)
}

// OutcomeLabel renders an ack outcome as a stable metric label.
func OutcomeLabel(o proto.AckOutcome) string {
	switch o.Kind {
	case proto.AckHandled:
		return "handled"
	case proto.AckDeferred:
		return "deferred"
	case proto.AckRejected:
		if o.Permanent {
			return "rejected_permanent"
		}
		return "rejected_transient"
	default:
		return "unknown"
	}
}

// NopRecorder implements Recorder with no-op behavior for when metrics
// are disabled.
type NopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NopRecorder{}
}

// SetAgentsInState does nothing in the no-op recorder.
func (n *NopRecorder) SetAgentsInState(_ proto.State, _ int) {}

// IncSent does nothing in the no-op recorder.
func (n *NopRecorder) IncSent(_ proto.MsgKind, _ proto.Priority) {}

// IncAcked does nothing in the no-op recorder.
func (n *NopRecorder) IncAcked(_ string) {}

// IncDeadLettered does nothing in the no-op recorder.
func (n *NopRecorder) IncDeadLettered(_ string) {}

// ObserveHandler does nothing in the no-op recorder.
func (n *NopRecorder) ObserveHandler(_ string, _ time.Duration) {}

// SetInboxDepth does nothing in the no-op recorder.
func (n *NopRecorder) SetInboxDepth(_ string, _ int) {}

// IncRestart does nothing in the no-op recorder.
func (n *NopRecorder) IncRestart(_ string) {}

// DropAgent does nothing in the no-op recorder.
func (n *NopRecorder) DropAgent(_ string) {}

// MultiRecorder fans every observation out to several recorders, so the
// kernel can feed Prometheus and the snapshot view from one call site.
type MultiRecorder struct {
	recorders []Recorder
}

// Multi combines recorders into one. Nil entries are skipped.
func Multi(recorders ...Recorder) Recorder {
	rs := make([]Recorder, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			rs = append(rs, r)
		}
	}
	return &MultiRecorder{recorders: rs}
}

func (m *MultiRecorder) SetAgentsInState(state proto.State, count int) {
	for _, r := range m.recorders {
		r.SetAgentsInState(state, count)
	}
}

func (m *MultiRecorder) IncSent(kind proto.MsgKind, priority proto.Priority) {
	for _, r := range m.recorders {
		r.IncSent(kind, priority)
	}
}

func (m *MultiRecorder) IncAcked(outcome string) {
	for _, r := range m.recorders {
		r.IncAcked(outcome)
	}
}

func (m *MultiRecorder) IncDeadLettered(reason string) {
	for _, r := range m.recorders {
		r.IncDeadLettered(reason)
	}
}

func (m *MultiRecorder) ObserveHandler(agentID string, duration time.Duration) {
	for _, r := range m.recorders {
		r.ObserveHandler(agentID, duration)
	}
}

func (m *MultiRecorder) SetInboxDepth(agentID string, depth int) {
	for _, r := range m.recorders {
		r.SetInboxDepth(agentID, depth)
	}
}

func (m *MultiRecorder) IncRestart(agentID string) {
	for _, r := range m.recorders {
		r.IncRestart(agentID)
	}
}

func (m *MultiRecorder) DropAgent(agentID string) {
	for _, r := range m.recorders {
		r.DropAgent(agentID)
	}
}
