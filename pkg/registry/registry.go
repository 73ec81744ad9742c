package registry

import (
	"sort"
	"sync"
	"time"

	"mas/pkg/clock"
	"mas/pkg/config"
	"mas/pkg/logx"
	"mas/pkg/proto"
)

// Descriptor is the registry's record of one agent. Values returned by
// the registry are snapshots: mutating them does not touch the live
// record.
type Descriptor struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Capabilities  []string           `json:"capabilities"`
	Relationships []string           `json:"relationships,omitempty"`
	State         proto.State        `json:"state"`
	LastHeartbeat time.Time          `json:"last_heartbeat_at"`
	Failures      int                `json:"consecutive_failures"`
	Config        config.AgentConfig `json:"config"`
	RegisteredAt  time.Time          `json:"registered_at"`
}

// HasCapability reports whether the descriptor carries the tag.
func (d *Descriptor) HasCapability(tag string) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// RegisterSpec is the caller-supplied part of a registration.
type RegisterSpec struct {
	Name          string             `json:"name"`
	Capabilities  []string           `json:"capabilities"`
	Relationships []string           `json:"relationships,omitempty"`
	Config        config.AgentConfig `json:"config"`
}

// ListFilter narrows List results. Zero value matches everything.
type ListFilter struct {
	States     []proto.State `json:"states,omitempty"`
	Capability string        `json:"capability,omitempty"`
}

func (f *ListFilter) matches(d *Descriptor) bool {
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if d.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Capability != "" && !d.HasCapability(f.Capability) {
		return false
	}
	return true
}

// Indexer is notified of transitions while the registry lock is held,
// so the capability index never disagrees with descriptor state. Lock
// order is registry before index; the indexer must not call back into
// the registry.
type Indexer interface {
	AgentTransitioned(d Descriptor, from, to proto.State)
	AgentRemoved(id string)
}

// Saver persists descriptor snapshots for warm restart. Calls happen
// outside the registry lock and failures are logged, not returned:
// persistence is best-effort.
type Saver interface {
	SaveAgent(d Descriptor) error
	DeleteAgent(id string) error
}

// Transition describes one applied state change, for journaling.
type Transition struct {
	AgentID string
	Name    string
	From    proto.State
	To      proto.State
	At      time.Time
}

// Registry holds the live descriptor table.
type Registry struct {
	mu          sync.RWMutex
	logger      *logx.Logger
	clock       clock.Clock
	ids         proto.IDSource
	uniqueNames bool

	agents map[string]*Descriptor
	names  map[string]string // name -> id, kept when uniqueNames

	indexer Indexer
	saver   Saver
	notify  func(Transition)
}

// Option configures a Registry.
type Option func(*Registry)

// WithIndexer attaches the capability index.
func WithIndexer(ix Indexer) Option {
	return func(r *Registry) { r.indexer = ix }
}

// WithSaver attaches descriptor persistence.
func WithSaver(s Saver) Option {
	return func(r *Registry) { r.saver = s }
}

// WithNotify attaches a transition callback, invoked after the lock is
// released.
func WithNotify(fn func(Transition)) Option {
	return func(r *Registry) { r.notify = fn }
}

// WithUniqueNames toggles duplicate-name rejection.
func WithUniqueNames(on bool) Option {
	return func(r *Registry) { r.uniqueNames = on }
}

// New creates an empty registry.
func New(clk clock.Clock, ids proto.IDSource, opts ...Option) *Registry {
	r := &Registry{
		logger:      logx.NewLogger("registry"),
		clock:       clk,
		ids:         ids,
		uniqueNames: true,
		agents:      make(map[string]*Descriptor),
		names:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates a descriptor in Registered state and returns its
// snapshot.
func (r *Registry) Register(spec RegisterSpec) (Descriptor, error) {
	if spec.Name == "" {
		return Descriptor{}, proto.Errorf(proto.ErrIllegalState, "agent name must not be empty")
	}

	now := r.clock.Now()
	d := &Descriptor{
		ID:            r.ids.NewID(proto.PrefixAgent),
		Name:          spec.Name,
		Capabilities:  normalizeTags(spec.Capabilities),
		Relationships: normalizeTags(spec.Relationships),
		State:         proto.StateRegistered,
		Config:        spec.Config,
		RegisteredAt:  now,
	}

	r.mu.Lock()
	if r.uniqueNames {
		if existing, taken := r.names[spec.Name]; taken {
			r.mu.Unlock()
			return Descriptor{}, proto.Errorf(proto.ErrDuplicateName,
				"agent name %q is already registered as %s", spec.Name, existing)
		}
		r.names[spec.Name] = d.ID
	}
	r.agents[d.ID] = d
	snap := d.snapshot()
	r.mu.Unlock()

	r.logger.Info("registered agent %s (%s) capabilities=%v", d.ID, d.Name, d.Capabilities)
	r.save(snap)
	return snap, nil
}

// Restore reinserts a persisted descriptor under its original id, used
// on warm restart. The agent always comes back Registered: heartbeats,
// failure counts and the old runtime state do not survive a process
// boundary.
func (r *Registry) Restore(d Descriptor) (Descriptor, error) {
	if d.ID == "" || d.Name == "" {
		return Descriptor{}, proto.Errorf(proto.ErrIllegalState, "restore needs id and name")
	}

	cp := d
	cp.State = proto.StateRegistered
	cp.LastHeartbeat = time.Time{}
	cp.Failures = 0
	cp.Capabilities = normalizeTags(d.Capabilities)
	cp.Relationships = normalizeTags(d.Relationships)

	r.mu.Lock()
	if _, exists := r.agents[cp.ID]; exists {
		r.mu.Unlock()
		return Descriptor{}, proto.Errorf(proto.ErrDuplicateName, "agent id %s already present", cp.ID)
	}
	if r.uniqueNames {
		if existing, taken := r.names[cp.Name]; taken {
			r.mu.Unlock()
			return Descriptor{}, proto.Errorf(proto.ErrDuplicateName,
				"agent name %q is already registered as %s", cp.Name, existing)
		}
		r.names[cp.Name] = cp.ID
	}
	r.agents[cp.ID] = &cp
	snap := cp.snapshot()
	r.mu.Unlock()

	r.logger.Info("restored agent %s (%s)", cp.ID, cp.Name)
	r.save(snap)
	return snap, nil
}

// Deregister removes a descriptor. Only Stopped and Dead agents may be
// removed.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	d, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return proto.Errorf(proto.ErrNoSuchAgent, "agent %s is not registered", id)
	}
	if !d.State.Terminal() && d.State != proto.StateRegistered {
		state := d.State
		r.mu.Unlock()
		return proto.Errorf(proto.ErrIllegalState,
			"agent %s is %s; only Registered, Stopped or Dead agents can be deregistered", id, state)
	}
	delete(r.agents, id)
	delete(r.names, d.Name)
	name := d.Name
	if r.indexer != nil {
		r.indexer.AgentRemoved(id)
	}
	r.mu.Unlock()

	r.logger.Info("deregistered agent %s (%s)", id, name)
	if r.saver != nil {
		if err := r.saver.DeleteAgent(id); err != nil {
			r.logger.Warn("failed to delete persisted agent %s: %v", id, err)
		}
	}
	return nil
}

// Get returns a snapshot of one descriptor.
func (r *Registry) Get(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.agents[id]
	if !ok {
		return Descriptor{}, proto.Errorf(proto.ErrNoSuchAgent, "agent %s is not registered", id)
	}
	return d.snapshot(), nil
}

// GetByName returns the descriptor registered under name.
func (r *Registry) GetByName(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.names[name]; ok {
		return r.agents[id].snapshot(), nil
	}
	// Names are not indexed when uniqueness is off; fall back to a scan
	// and return the first match.
	for _, d := range r.agents {
		if d.Name == name {
			return d.snapshot(), nil
		}
	}
	return Descriptor{}, proto.Errorf(proto.ErrNoSuchAgent, "no agent named %q", name)
}

// List returns snapshots of matching descriptors, ordered by id.
func (r *Registry) List(filter ListFilter) []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.agents))
	for _, d := range r.agents {
		if filter.matches(d) {
			out = append(out, d.snapshot())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// UpdateState applies one lifecycle transition and returns the updated
// snapshot. The capability index is updated under the same lock, so
// readers never observe a routable agent the index does not know.
func (r *Registry) UpdateState(id string, to proto.State) (Descriptor, error) {
	r.mu.Lock()
	d, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return Descriptor{}, proto.Errorf(proto.ErrNoSuchAgent, "agent %s is not registered", id)
	}
	from := d.State
	if !IsValidTransition(from, to) {
		r.mu.Unlock()
		return Descriptor{}, proto.Errorf(proto.ErrIllegalTransition,
			"agent %s cannot transition %s -> %s", id, from, to)
	}
	d.State = to
	snap := d.snapshot()
	if r.indexer != nil {
		r.indexer.AgentTransitioned(snap, from, to)
	}
	r.mu.Unlock()

	r.logger.Debug("agent %s (%s): %s -> %s", snap.ID, snap.Name, from, to)
	r.save(snap)
	if r.notify != nil {
		r.notify(Transition{
			AgentID: snap.ID,
			Name:    snap.Name,
			From:    from,
			To:      to,
			At:      r.clock.Now(),
		})
	}
	return snap, nil
}

// Heartbeat records agent liveness. Timestamps never move backwards.
func (r *Registry) Heartbeat(id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.agents[id]
	if !ok {
		return proto.Errorf(proto.ErrNoSuchAgent, "agent %s is not registered", id)
	}
	if at.After(d.LastHeartbeat) {
		d.LastHeartbeat = at
	}
	return nil
}

// RecordFailure increments the consecutive failure counter and returns
// the new value.
func (r *Registry) RecordFailure(id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.agents[id]
	if !ok {
		return 0, proto.Errorf(proto.ErrNoSuchAgent, "agent %s is not registered", id)
	}
	d.Failures++
	return d.Failures, nil
}

// ResetFailures zeroes the consecutive failure counter.
func (r *Registry) ResetFailures(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.agents[id]
	if !ok {
		return proto.Errorf(proto.ErrNoSuchAgent, "agent %s is not registered", id)
	}
	d.Failures = 0
	return nil
}

func (r *Registry) save(d Descriptor) {
	if r.saver == nil {
		return
	}
	if err := r.saver.SaveAgent(d); err != nil {
		r.logger.Warn("failed to persist agent %s: %v", d.ID, err)
	}
}

func (d *Descriptor) snapshot() Descriptor {
	cp := *d
	cp.Capabilities = append([]string(nil), d.Capabilities...)
	cp.Relationships = append([]string(nil), d.Relationships...)
	return cp
}

// normalizeTags dedupes and sorts, so capability sets compare and
// iterate deterministically.
func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
