// Package capindex maintains the inverted index from capability tag to
// the agents that can serve it right now. Reads go through a
// copy-on-write snapshot so dispatch never contends with registry
// writes; mutations arrive via the registry's Indexer hook while the
// registry lock is held.
package capindex

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"mas/pkg/proto"
	"mas/pkg/registry"
)

// PolicyKind selects how Resolve picks among candidates.
type PolicyKind string

const (
	// PolicyAny picks the first candidate in lexicographic id order.
	PolicyAny PolicyKind = "any"
	// PolicyLeastLoaded picks the candidate with the shallowest inbox,
	// ties broken by lexicographic id order.
	PolicyLeastLoaded PolicyKind = "least_loaded"
	// PolicyRoundRobin rotates a per-capability cursor over the sorted
	// candidate list.
	PolicyRoundRobin PolicyKind = "round_robin"
	// PolicyPreferred picks the named agent when it holds the capability
	// and is Running or Idle, falling back to least-loaded.
	PolicyPreferred PolicyKind = "preferred"
)

// Policy is a resolution policy, optionally carrying a preferred agent.
type Policy struct {
	Kind      PolicyKind
	Preferred string
}

// Any returns the any-candidate policy.
func Any() Policy { return Policy{Kind: PolicyAny} }

// LeastLoaded returns the least-loaded policy.
func LeastLoaded() Policy { return Policy{Kind: PolicyLeastLoaded} }

// RoundRobin returns the round-robin policy.
func RoundRobin() Policy { return Policy{Kind: PolicyRoundRobin} }

// Preferred returns a policy that favors the given agent id.
func Preferred(id string) Policy { return Policy{Kind: PolicyPreferred, Preferred: id} }

// ParsePolicy parses a config or wire policy string. The preferred
// form is "preferred:<agent-id>".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", string(PolicyLeastLoaded):
		return LeastLoaded(), nil
	case string(PolicyAny):
		return Any(), nil
	case string(PolicyRoundRobin):
		return RoundRobin(), nil
	}
	if id, ok := strings.CutPrefix(s, string(PolicyPreferred)+":"); ok && id != "" {
		return Preferred(id), nil
	}
	return Policy{}, fmt.Errorf("unknown resolve policy: %q", s)
}

// DepthFunc reports the current inbox depth of an agent. Supplied by
// the bus after construction; it must not call back into the registry
// (lock order is registry > index > inbox).
type DepthFunc func(agentID string) int

// snapshot is the immutable read view. Candidate slices are sorted and
// never mutated after publication.
type snapshot struct {
	byCap  map[string][]string
	states map[string]proto.State
	all    []string
}

var emptySnapshot = &snapshot{
	byCap:  map[string][]string{},
	states: map[string]proto.State{},
}

// Index is the capability index.
type Index struct {
	mu sync.Mutex

	// Master copy, mutated under mu.
	caps   map[string][]string    // agent id -> capability tags
	states map[string]proto.State // agent id -> state (routable agents only)

	cursors map[string]int // per-capability round-robin cursor
	depth   atomic.Pointer[DepthFunc]
	view    atomic.Pointer[snapshot]
}

// New creates an empty index. Wire it into the registry with
// registry.WithIndexer.
func New() *Index {
	ix := &Index{
		caps:    make(map[string][]string),
		states:  make(map[string]proto.State),
		cursors: make(map[string]int),
	}
	ix.view.Store(emptySnapshot)
	return ix
}

// SetDepthFunc installs the inbox depth callback used by the
// least-loaded policy. Before it is set, all depths read as zero.
func (ix *Index) SetDepthFunc(fn DepthFunc) {
	ix.depth.Store(&fn)
}

// AgentTransitioned implements registry.Indexer. Routable states keep
// the agent indexed under its capabilities; any other state removes it.
func (ix *Index) AgentTransitioned(d registry.Descriptor, _, to proto.State) {
	ix.Transitioned(d.ID, d.Capabilities, to)
}

// AgentRemoved implements registry.Indexer.
func (ix *Index) AgentRemoved(id string) {
	ix.Removed(id)
}

// Transitioned records a lifecycle transition for an agent with the
// given capability set. The registry calls this (through its Indexer
// hook) inside its own critical section.
func (ix *Index) Transitioned(id string, capabilities []string, to proto.State) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if to.Routable() {
		tags := append([]string(nil), capabilities...)
		sort.Strings(tags)
		ix.caps[id] = tags
		ix.states[id] = to
	} else {
		delete(ix.caps, id)
		delete(ix.states, id)
	}
	ix.publish()
}

// Removed drops an agent from the index after deregistration.
func (ix *Index) Removed(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.caps, id)
	delete(ix.states, id)
	ix.publish()
}

// publish rebuilds the read snapshot. Callers hold mu.
func (ix *Index) publish() {
	byCap := make(map[string][]string)
	states := make(map[string]proto.State, len(ix.states))
	all := make([]string, 0, len(ix.caps))
	for id, tags := range ix.caps {
		all = append(all, id)
		states[id] = ix.states[id]
		for _, tag := range tags {
			byCap[tag] = append(byCap[tag], id)
		}
	}
	for _, ids := range byCap {
		sort.Strings(ids)
	}
	sort.Strings(all)
	ix.view.Store(&snapshot{byCap: byCap, states: states, all: all})
}

// Candidates returns the agents currently serving a capability, in
// lexicographic id order. Only Running, Idle and Degraded agents
// appear.
func (ix *Index) Candidates(capability string) []string {
	ids := ix.view.Load().byCap[capability]
	return append([]string(nil), ids...)
}

// Routable returns every indexed agent id, for broadcast fan-out.
func (ix *Index) Routable() []string {
	return append([]string(nil), ix.view.Load().all...)
}

// State returns the indexed state of an agent, if it is routable.
func (ix *Index) State(id string) (proto.State, bool) {
	s, ok := ix.view.Load().states[id]
	return s, ok
}

// Resolve picks one recipient for a capability per the policy, or
// NoSuchRecipient when no candidate exists.
func (ix *Index) Resolve(capability string, policy Policy) (string, error) {
	candidates := ix.view.Load().byCap[capability]
	if len(candidates) == 0 {
		return "", proto.Errorf(proto.ErrNoSuchRecipient, "no agent serves capability %q", capability)
	}

	switch policy.Kind {
	case PolicyAny:
		return candidates[0], nil

	case PolicyRoundRobin:
		ix.mu.Lock()
		cursor := ix.cursors[capability]
		id := candidates[cursor%len(candidates)]
		ix.cursors[capability] = (cursor + 1) % len(candidates)
		ix.mu.Unlock()
		return id, nil

	case PolicyPreferred:
		if s, ok := ix.view.Load().states[policy.Preferred]; ok {
			if s == proto.StateRunning || s == proto.StateIdle {
				for _, id := range candidates {
					if id == policy.Preferred {
						return id, nil
					}
				}
			}
		}
		return ix.leastLoaded(candidates), nil

	case PolicyLeastLoaded:
		return ix.leastLoaded(candidates), nil

	default:
		return ix.leastLoaded(candidates), nil
	}
}

// leastLoaded ranks by inbox depth, smallest first; candidates arrive
// sorted so equal depths fall back to lexicographic id order.
func (ix *Index) leastLoaded(candidates []string) string {
	depthOf := func(string) int { return 0 }
	if fn := ix.depth.Load(); fn != nil {
		depthOf = *fn
	}
	best := candidates[0]
	bestDepth := depthOf(best)
	for _, id := range candidates[1:] {
		if d := depthOf(id); d < bestDepth {
			best, bestDepth = id, d
		}
	}
	return best
}
