// Package supervisor drives the agent lifecycle: it starts and stops
// runners, samples health, degrades and restarts unhealthy agents with
// exponential backoff, and declares them Dead when the restart budget
// is spent.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mas/pkg/alerts"
	"mas/pkg/audit"
	"mas/pkg/bus"
	"mas/pkg/clock"
	"mas/pkg/config"
	"mas/pkg/logx"
	"mas/pkg/metrics"
	"mas/pkg/proto"
	"mas/pkg/registry"
	"mas/pkg/runner"
)

// drainPoll is the inbox re-check interval while a Stopping agent
// drains.
const drainPoll = 10 * time.Millisecond

// supervised is the supervisor's bookkeeping for one agent.
type supervised struct {
	id    string
	agent runner.Agent
	run   *runner.Runner

	// restarts counts automatic restart attempts since the last manual
	// start; at max_restarts the agent goes Dead.
	restarts      int
	healthyStreak int
}

// Supervisor owns lifecycle transitions for every managed agent.
type Supervisor struct {
	cfg    config.Config
	reg    *registry.Registry
	bus    *bus.Bus
	clock  clock.Clock
	rec    metrics.Recorder
	logger *logx.Logger

	auditLog   *audit.Log // optional
	sink       alerts.Sink
	runnerOpts []runner.Option

	mu     sync.Mutex
	agents map[string]*supervised

	ctx context.Context
	wg  sync.WaitGroup
}

// Option configures the supervisor.
type Option func(*Supervisor)

// WithRecorder wires the metrics recorder.
func WithRecorder(rec metrics.Recorder) Option {
	return func(s *Supervisor) { s.rec = rec }
}

// WithAudit wires the action log.
func WithAudit(l *audit.Log) Option {
	return func(s *Supervisor) { s.auditLog = l }
}

// WithAlerts wires the alert sink.
func WithAlerts(sink alerts.Sink) Option {
	return func(s *Supervisor) { s.sink = sink }
}

// WithRunnerOptions passes options through to every runner the
// supervisor creates.
func WithRunnerOptions(opts ...runner.Option) Option {
	return func(s *Supervisor) { s.runnerOpts = opts }
}

// New creates a supervisor. Call Run to start health polling.
func New(cfg config.Config, reg *registry.Registry, b *bus.Bus, clk clock.Clock, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		reg:    reg,
		bus:    b,
		clock:  clk,
		rec:    metrics.Nop(),
		logger: logx.NewLogger("supervisor"),
		sink:   alerts.NewLogSink(),
		agents: make(map[string]*supervised),
		ctx:    context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the health-polling loop on ctx; restart timers share the
// same context.
func (s *Supervisor) Run(ctx context.Context) {
	s.ctx = ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.healthLoop(ctx)
	}()
}

// Wait blocks until the health loop and restart timers have finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Manage takes lifecycle ownership of a registered agent.
func (s *Supervisor) Manage(id string, agent runner.Agent) error {
	if _, err := s.reg.Get(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; ok {
		return proto.Errorf(proto.ErrIllegalState, "agent %s is already managed", id)
	}
	s.agents[id] = &supervised{id: id, agent: agent}
	return nil
}

// Forget drops a deregistered agent's bookkeeping.
func (s *Supervisor) Forget(id string) {
	s.mu.Lock()
	delete(s.agents, id)
	s.mu.Unlock()
}

// Start moves an agent from Registered or Stopped into service. The
// restart budget resets: a manual start is a clean slate.
func (s *Supervisor) Start(id string) error {
	sv := s.lookup(id)
	if sv == nil {
		return proto.Errorf(proto.ErrNoSuchAgent, "agent %s is not managed", id)
	}
	if _, err := s.reg.UpdateState(id, proto.StateStarting); err != nil {
		return err
	}
	d, err := s.reg.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	sv.restarts = 0
	sv.healthyStreak = 0
	s.mu.Unlock()
	// Reopen the inbox: the stopping gate from a previous stop clears,
	// and messages rehydrated before a warm-restart start stay queued.
	s.bus.EnsureInbox(id, s.cfg.ResolveAgentConfig(d.Config).InboxCapacity)
	if err := s.spawn(sv, d); err != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleFailing(sv)
		}()
		return err
	}
	return nil
}

// spawn initializes and launches a runner for the agent. The caller
// has already transitioned the agent to Starting.
func (s *Supervisor) spawn(sv *supervised, d registry.Descriptor) error {
	opts := append(append([]runner.Option(nil), s.runnerOpts...),
		runner.WithRecorder(s.rec),
		runner.WithOnFatal(s.onFatal),
	)
	if s.auditLog != nil {
		opts = append(opts, runner.WithAudit(s.auditLog))
	}
	run := runner.New(sv.id, sv.agent, s.cfg.ResolveAgentConfig(d.Config), s.bus, s.reg, s.clock, opts...)

	if err := run.Init(s.ctx, s.cfg.Supervisor.InitTimeout.D()); err != nil {
		s.logger.Warn("init failed for %s: %v", sv.id, err)
		if _, terr := s.reg.UpdateState(sv.id, proto.StateFailing); terr != nil {
			s.logger.Warn("mark failing %s: %v", sv.id, terr)
		}
		return err
	}
	if err := run.Start(s.ctx); err != nil {
		if _, terr := s.reg.UpdateState(sv.id, proto.StateFailing); terr != nil {
			s.logger.Warn("mark failing %s: %v", sv.id, terr)
		}
		return err
	}

	s.mu.Lock()
	sv.run = run
	s.mu.Unlock()

	if _, err := s.reg.UpdateState(sv.id, proto.StateRunning); err != nil {
		run.Stop()
		return err
	}
	if err := s.reg.ResetFailures(sv.id); err != nil {
		s.logger.Debug("reset failures %s: %v", sv.id, err)
	}
	// Start the inactivity clock now; a zero heartbeat would read as
	// infinitely stale.
	if err := s.reg.Heartbeat(sv.id, s.clock.Now()); err != nil {
		s.logger.Debug("seed heartbeat %s: %v", sv.id, err)
	}
	s.logger.Info("agent %s running", sv.id)
	return nil
}

// Stop drains and stops an agent: Stopping gates new sends, the inbox
// drains up to the deadline, the rest dead-letters, then the runner
// stops and the agent's Shutdown runs.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	sv := s.lookup(id)
	if sv == nil {
		return proto.Errorf(proto.ErrNoSuchAgent, "agent %s is not managed", id)
	}
	if _, err := s.reg.UpdateState(id, proto.StateStopping); err != nil {
		return err
	}
	s.bus.MarkStopping(id)

	deadline := s.clock.Now().Add(s.cfg.Supervisor.DrainDeadline.D())
	for s.bus.Depth(id) > 0 && s.clock.Now().Before(deadline) {
		if err := s.clock.Sleep(ctx, drainPoll); err != nil {
			break
		}
	}
	if n := s.bus.DrainRemaining(id, bus.ReasonUndrained); n > 0 {
		s.logger.Warn("stop %s: %d undrained messages dead-lettered", id, n)
	}

	s.mu.Lock()
	run := sv.run
	sv.run = nil
	s.mu.Unlock()
	if run != nil {
		run.Stop()
		select {
		case <-run.Done():
		case <-ctx.Done():
			s.logger.Warn("stop %s: abandoning runner still in a handler", id)
		}
	}

	if _, err := s.reg.UpdateState(id, proto.StateStopped); err != nil {
		return err
	}
	if run != nil {
		if err := run.Shutdown(ctx, s.cfg.Supervisor.InitTimeout.D()); err != nil {
			s.logger.Warn("shutdown %s: %v", id, err)
		}
	}
	s.logger.Info("agent %s stopped", id)
	return nil
}

// Restart stops and starts an agent; the restart budget resets.
func (s *Supervisor) Restart(ctx context.Context, id string) error {
	if err := s.Stop(ctx, id); err != nil {
		return err
	}
	return s.Start(id)
}

// StopAll stops every stoppable agent concurrently, bounded by
// deadline. Stragglers are abandoned with a log line.
func (s *Supervisor) StopAll(deadline time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	var g errgroup.Group
	for _, d := range s.reg.List(registry.ListFilter{}) {
		if !d.State.Stoppable() {
			continue
		}
		id := d.ID
		g.Go(func() error {
			if err := s.Stop(ctx, id); err != nil {
				s.logger.Warn("stop-all %s: %v", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Supervisor) lookup(id string) *supervised {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agents[id]
}

// onFatal is the runner callback for Fatal handler errors.
func (s *Supervisor) onFatal(id string, err error) {
	sv := s.lookup(id)
	if sv == nil {
		return
	}
	s.logger.Error("agent %s fatal: %v", id, err)
	if _, terr := s.reg.UpdateState(id, proto.StateFailing); terr != nil {
		s.logger.Warn("mark failing %s: %v", id, terr)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleFailing(sv)
	}()
}

// handleFailing runs the restart loop for a Failing agent: backoff,
// attempt, and at the budget's end, Dead plus one Critical alert.
func (s *Supervisor) handleFailing(sv *supervised) {
	for {
		s.mu.Lock()
		attempt := sv.restarts
		run := sv.run
		sv.run = nil
		s.mu.Unlock()
		if run != nil {
			run.Stop()
			<-run.Done()
		}

		if attempt >= s.cfg.Supervisor.MaxRestarts {
			s.declareDead(sv.id)
			return
		}

		delay := s.restartBackoff(attempt)
		s.mu.Lock()
		sv.restarts++
		s.mu.Unlock()
		s.rec.IncRestart(sv.id)
		s.logger.Warn("restarting %s in %s (attempt %d/%d)",
			sv.id, delay, attempt+1, s.cfg.Supervisor.MaxRestarts)
		if err := s.clock.Sleep(s.ctx, delay); err != nil {
			return
		}

		if _, err := s.reg.UpdateState(sv.id, proto.StateStarting); err != nil {
			s.logger.Warn("restart %s: %v", sv.id, err)
			return
		}
		d, err := s.reg.Get(sv.id)
		if err != nil {
			return
		}
		if err := s.spawn(sv, d); err == nil {
			return
		}
	}
}

// restartBackoff is restart_base × 2^attempt capped at restart_max.
func (s *Supervisor) restartBackoff(attempt int) time.Duration {
	shift := uint(attempt)
	if shift > 32 {
		shift = 32
	}
	d := s.cfg.Supervisor.RestartBase.D() << shift
	if limit := s.cfg.Supervisor.RestartMax.D(); d > limit || d <= 0 {
		d = limit
	}
	return d
}

// declareDead marks the agent Dead and emits exactly one Critical
// alert, through both the sink and a broadcast StatusUpdate.
func (s *Supervisor) declareDead(id string) {
	if _, err := s.reg.UpdateState(id, proto.StateDead); err != nil {
		s.logger.Warn("mark dead %s: %v", id, err)
		return
	}
	msg := fmt.Sprintf("agent %s is dead after %d restarts", id, s.cfg.Supervisor.MaxRestarts)
	s.logger.Error("%s", msg)
	s.sink.Emit(alerts.SeverityCritical, "agent_dead", msg, "")

	payload, _ := json.Marshal(map[string]string{"agent_id": id, "state": string(proto.StateDead)})
	note := proto.NewMessage(proto.KindStatusUpdate, "supervisor", proto.Broadcast)
	note.Priority = proto.PriorityCritical
	note.AckPolicy = proto.AckFireAndForget
	note.WithPayload(proto.ContentTypeJSON, payload)
	if _, err := s.bus.Send(s.ctx, note); err != nil {
		s.logger.Warn("dead broadcast for %s: %v", id, err)
	}

	if s.auditLog != nil {
		s.auditLog.Record("supervisor", audit.CategoryStateChange, "", map[string]string{
			"agent_id": id,
			"state":    string(proto.StateDead),
		}, audit.StatusCompleted)
	}
}

// healthLoop samples every routable agent each health_interval.
func (s *Supervisor) healthLoop(ctx context.Context) {
	for {
		if err := s.clock.Sleep(ctx, s.cfg.Supervisor.HealthInterval.D()); err != nil {
			return
		}
		s.sample()
	}
}

// sample runs one health pass: gauge refresh, per-agent predicates,
// degrade/recover/fail transitions, and the idle flip.
func (s *Supervisor) sample() {
	now := s.clock.Now()
	counts := make(map[proto.State]int, len(proto.AllStates()))
	for _, d := range s.reg.List(registry.ListFilter{}) {
		counts[d.State]++
		if !d.State.Routable() {
			continue
		}
		s.sampleAgent(d, now)
	}
	for _, st := range proto.AllStates() {
		s.rec.SetAgentsInState(st, counts[st])
	}
}

func (s *Supervisor) sampleAgent(d registry.Descriptor, now time.Time) {
	sv := s.lookup(d.ID)
	if sv == nil {
		return
	}
	s.mu.Lock()
	run := sv.run
	s.mu.Unlock()
	if run == nil {
		return
	}

	depth := s.bus.Depth(d.ID)
	s.rec.SetInboxDepth(d.ID, depth)

	healthy := depth <= s.cfg.Supervisor.InboxSoftLimit &&
		run.ErrorRate() <= s.cfg.Supervisor.ErrorRateCeiling &&
		run.Health().Healthy
	// Staleness only means something for an agent that should be
	// working; an Idle agent is quiet on purpose.
	if healthy && d.State != proto.StateIdle {
		healthy = now.Sub(d.LastHeartbeat) <= s.cfg.Supervisor.HeartbeatStaleness.D()
	}

	switch {
	case healthy && d.State == proto.StateDegraded:
		s.mu.Lock()
		sv.healthyStreak++
		streak := sv.healthyStreak
		s.mu.Unlock()
		if streak >= s.cfg.Supervisor.HealthySamples {
			if _, err := s.reg.UpdateState(d.ID, proto.StateRunning); err == nil {
				_ = s.reg.ResetFailures(d.ID)
				s.logger.Info("agent %s recovered", d.ID)
			}
		}

	case healthy:
		s.mu.Lock()
		sv.healthyStreak = 0
		s.mu.Unlock()
		if d.State == proto.StateRunning && depth == 0 &&
			now.Sub(d.LastHeartbeat) >= s.cfg.Supervisor.IdleAfter.D() {
			if _, err := s.reg.UpdateState(d.ID, proto.StateIdle); err == nil {
				s.logger.Debug("agent %s idle", d.ID)
			}
		}

	default:
		s.mu.Lock()
		sv.healthyStreak = 0
		s.mu.Unlock()
		fails, err := s.reg.RecordFailure(d.ID)
		if err != nil {
			return
		}
		if d.State != proto.StateDegraded {
			if _, err := s.reg.UpdateState(d.ID, proto.StateDegraded); err != nil {
				return
			}
			s.logger.Warn("agent %s degraded (failures=%d, depth=%d)", d.ID, fails, depth)
		}
		if fails >= s.cfg.Supervisor.MaxFailures {
			if _, err := s.reg.UpdateState(d.ID, proto.StateFailing); err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleFailing(sv)
			}()
		}
	}
}
