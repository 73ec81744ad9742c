// Package metrics provides in-memory metrics aggregation for the
// snapshot view.
package metrics

import (
	"sync"
	"time"

	"mas/pkg/proto"
)

// AgentStats holds the aggregated per-agent numbers.
type AgentStats struct {
	Invocations    int64   `json:"invocations"`
	HandlerSeconds float64 `json:"handler_seconds_total"`
	InboxDepth     int     `json:"inbox_depth"`
	Restarts       int64   `json:"restarts"`
}

// Snapshot is a consistent point-in-time view of every counter. All
// numbers are copied under one lock, so they agree with each other.
type Snapshot struct {
	TakenAt        time.Time                   `json:"taken_at"`
	AgentsByState  map[string]int              `json:"agents_by_state"`
	Sent           map[string]map[string]int64 `json:"messages_sent"`
	AckedByOutcome map[string]int64            `json:"messages_acked"`
	DeadByReason   map[string]int64            `json:"messages_dead_lettered"`
	Agents         map[string]AgentStats       `json:"agents"`
}

// SnapshotRecorder implements the Recorder interface using in-memory
// aggregation. It is much simpler than Prometheus and serves the HTTP
// snapshot endpoint without a scrape round-trip.
type SnapshotRecorder struct {
	mu     sync.RWMutex
	now    func() time.Time
	states map[string]int
	sent   map[string]map[string]int64 // kind -> priority -> count
	acked  map[string]int64
	dead   map[string]int64
	agents map[string]*AgentStats
}

// NewSnapshotRecorder creates an empty snapshot recorder.
func NewSnapshotRecorder(now func() time.Time) *SnapshotRecorder {
	if now == nil {
		now = time.Now
	}
	return &SnapshotRecorder{
		now:    now,
		states: make(map[string]int),
		sent:   make(map[string]map[string]int64),
		acked:  make(map[string]int64),
		dead:   make(map[string]int64),
		agents: make(map[string]*AgentStats),
	}
}

// SetAgentsInState sets the per-state agent count.
func (r *SnapshotRecorder) SetAgentsInState(state proto.State, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if count == 0 {
		delete(r.states, string(state))
		return
	}
	r.states[string(state)] = count
}

// IncSent counts an accepted send.
func (r *SnapshotRecorder) IncSent(kind proto.MsgKind, priority proto.Priority) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byPriority, ok := r.sent[string(kind)]
	if !ok {
		byPriority = make(map[string]int64)
		r.sent[string(kind)] = byPriority
	}
	byPriority[string(priority)]++
}

// IncAcked counts an acknowledgement outcome.
func (r *SnapshotRecorder) IncAcked(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acked[outcome]++
}

// IncDeadLettered counts a dead-lettered message.
func (r *SnapshotRecorder) IncDeadLettered(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dead[reason]++
}

// ObserveHandler records one handler invocation.
func (r *SnapshotRecorder) ObserveHandler(agentID string, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := r.agent(agentID)
	stats.Invocations++
	stats.HandlerSeconds += duration.Seconds()
}

// SetInboxDepth records the sampled inbox depth.
func (r *SnapshotRecorder) SetInboxDepth(agentID string, depth int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agent(agentID).InboxDepth = depth
}

// IncRestart counts a restart.
func (r *SnapshotRecorder) IncRestart(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agent(agentID).Restarts++
}

// DropAgent removes the per-agent entry.
func (r *SnapshotRecorder) DropAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}

// agent returns the stats entry for an agent, creating it if needed.
// Callers hold the lock.
func (r *SnapshotRecorder) agent(agentID string) *AgentStats {
	stats, ok := r.agents[agentID]
	if !ok {
		stats = &AgentStats{}
		r.agents[agentID] = stats
	}
	return stats
}

// Take returns a consistent copy of every counter.
func (r *SnapshotRecorder) Take() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		TakenAt:        r.now(),
		AgentsByState:  make(map[string]int, len(r.states)),
		Sent:           make(map[string]map[string]int64, len(r.sent)),
		AckedByOutcome: make(map[string]int64, len(r.acked)),
		DeadByReason:   make(map[string]int64, len(r.dead)),
		Agents:         make(map[string]AgentStats, len(r.agents)),
	}
	for state, count := range r.states {
		snap.AgentsByState[state] = count
	}
	for kind, byPriority := range r.sent {
		dst := make(map[string]int64, len(byPriority))
		for priority, count := range byPriority {
			dst[priority] = count
		}
		snap.Sent[kind] = dst
	}
	for outcome, count := range r.acked {
		snap.AckedByOutcome[outcome] = count
	}
	for reason, count := range r.dead {
		snap.DeadByReason[reason] = count
	}
	for agentID, stats := range r.agents {
		snap.Agents[agentID] = *stats
	}
	return snap
}

// Reset clears all metrics (useful for testing).
func (r *SnapshotRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = make(map[string]int)
	r.sent = make(map[string]map[string]int64)
	r.acked = make(map[string]int64)
	r.dead = make(map[string]int64)
	r.agents = make(map[string]*AgentStats)
}
