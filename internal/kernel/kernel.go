// Package kernel assembles the runtime: it opens storage, wires the
// registry, capability index, bus, supervisor, audit log and metrics
// together, and implements the control API the operator surfaces
// consume. Component construction order follows the dependency chain;
// shutdown runs it in reverse.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mas/internal/supervisor"
	"mas/pkg/alerts"
	"mas/pkg/audit"
	"mas/pkg/bus"
	"mas/pkg/capindex"
	"mas/pkg/clock"
	"mas/pkg/config"
	"mas/pkg/control"
	"mas/pkg/eventlog"
	"mas/pkg/logx"
	"mas/pkg/metrics"
	"mas/pkg/proto"
	"mas/pkg/registry"
	"mas/pkg/runner"
	"mas/pkg/store"
)

// operatorActor tags control-surface operations in the audit log.
const operatorActor = "operator"

// agentKeyPrefix is the KV namespace for persisted descriptors.
const agentKeyPrefix = "agents/"

// saveTimeout bounds each best-effort descriptor persistence call.
const saveTimeout = 5 * time.Second

// AgentFactory builds the hosted agent instance for a registration.
// The kernel calls it on Register and again on warm restart for every
// reloaded descriptor.
type AgentFactory func(spec registry.RegisterSpec) (runner.Agent, error)

// Kernel owns every runtime component and implements control.API.
type Kernel struct {
	cfg    config.Config
	logger *logx.Logger
	clk    clock.Clock
	ids    proto.IDSource

	kv      store.KV
	queue   store.DurableQueue // nil unless the backend supports it and durable_inbox is on
	journal *eventlog.Writer   // nil unless journal.enabled

	auditLog *audit.Log
	sink     alerts.Sink
	snap     *metrics.SnapshotRecorder
	promReg  *prometheus.Registry

	reg *registry.Registry
	ix  *capindex.Index
	bus *bus.Bus
	sup *supervisor.Supervisor

	factory AgentFactory

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// Option configures the kernel before components are built.
type Option func(*options)

type options struct {
	clk     clock.Clock
	ids     proto.IDSource
	kv      store.KV
	sink    alerts.Sink
	factory AgentFactory
}

// WithClock injects the clock; tests pass a fake.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clk = clk }
}

// WithIDSource injects the id source.
func WithIDSource(ids proto.IDSource) Option {
	return func(o *options) { o.ids = ids }
}

// WithStore injects an already-open KV, bypassing config-driven open.
func WithStore(kv store.KV) Option {
	return func(o *options) { o.kv = kv }
}

// WithAlertSink replaces the default throttled log sink.
func WithAlertSink(sink alerts.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithAgentFactory installs the factory behind Register and warm
// restart. Without one, registrations host an inert agent that answers
// Event messages with an error-free no-op.
func WithAgentFactory(f AgentFactory) Option {
	return func(o *options) { o.factory = f }
}

// New builds the runtime. Nothing runs until Start.
func New(cfg config.Config, opts ...Option) (*Kernel, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.clk == nil {
		o.clk = clock.NewReal()
	}
	if o.ids == nil {
		o.ids = proto.NewUUIDSource()
	}
	if o.factory == nil {
		o.factory = inertFactory
	}

	kv := o.kv
	if kv == nil {
		var err error
		kv, err = store.Open(cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	k := &Kernel{
		cfg:     cfg,
		logger:  logx.NewLogger("kernel"),
		clk:     o.clk,
		ids:     o.ids,
		kv:      kv,
		factory: o.factory,
		promReg: prometheus.NewRegistry(),
	}

	if cfg.Storage.DurableInbox {
		q, ok := kv.(store.DurableQueue)
		if !ok {
			kv.Close()
			return nil, fmt.Errorf("storage backend %q does not support durable inboxes", cfg.Storage.Backend)
		}
		k.queue = q
	}

	if cfg.Journal.Enabled {
		w, err := eventlog.NewWriter(cfg.Journal.Dir, cfg.Journal.KeepDays)
		if err != nil {
			kv.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		k.journal = w
	}

	k.sink = o.sink
	if k.sink == nil {
		k.sink = alerts.NewThrottled(alerts.NewLogSink(), cfg.Alerts)
	}

	k.snap = metrics.NewSnapshotRecorder(k.clk.Now)
	rec := metrics.Multi(metrics.NewPrometheusRecorder(k.promReg), k.snap)

	k.auditLog = audit.NewLog(cfg.Audit, k.clk, k.ids, audit.WithStore(kv))

	k.ix = capindex.New()
	k.reg = registry.New(k.clk, k.ids,
		registry.WithIndexer(k.ix),
		registry.WithSaver(&descriptorSaver{kv: kv}),
		registry.WithUniqueNames(cfg.Agents.UniqueNames),
	)

	busOpts := []bus.Option{bus.WithRecorder(rec), bus.WithAudit(k.auditLog)}
	if k.journal != nil {
		busOpts = append(busOpts, bus.WithJournal(k.journal))
	}
	if k.queue != nil {
		busOpts = append(busOpts, bus.WithDurableQueue(k.queue))
	}
	k.bus = bus.New(cfg.Bus, k.clk, k.ids, k.ix, busOpts...)

	k.sup = supervisor.New(cfg, k.reg, k.bus, k.clk,
		supervisor.WithRecorder(rec),
		supervisor.WithAudit(k.auditLog),
		supervisor.WithAlerts(k.sink),
	)
	return k, nil
}

// Start launches the supervisor loops. With resume true, descriptors
// persisted by the previous run reload into Registered and, in durable
// mode, their inboxes rehydrate before any send is accepted.
func (k *Kernel) Start(ctx context.Context, resume bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return proto.Errorf(proto.ErrIllegalState, "kernel already started")
	}
	if resume {
		if err := k.resume(ctx); err != nil {
			return fmt.Errorf("warm restart: %w", err)
		}
	}
	runCtx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	k.sup.Run(runCtx)
	k.started = true
	k.logger.Info("kernel started (resume=%v, storage=%s)", resume, k.cfg.Storage.Backend)
	return nil
}

// resume reloads persisted descriptors and rehydrates durable inboxes.
func (k *Kernel) resume(ctx context.Context) error {
	keys, err := k.kv.List(ctx, agentKeyPrefix)
	if err != nil {
		return fmt.Errorf("list persisted agents: %w", err)
	}
	for _, key := range keys {
		raw, err := k.kv.Get(ctx, key)
		if err != nil {
			k.logger.Warn("load %s: %v", key, err)
			continue
		}
		var d registry.Descriptor
		if err := json.Unmarshal(raw, &d); err != nil {
			k.logger.Warn("decode %s: %v", key, err)
			continue
		}
		restored, err := k.reg.Restore(d)
		if err != nil {
			k.logger.Warn("restore agent %s: %v", d.ID, err)
			continue
		}
		agent, err := k.factory(registry.RegisterSpec{
			Name:          restored.Name,
			Capabilities:  restored.Capabilities,
			Relationships: restored.Relationships,
			Config:        restored.Config,
		})
		if err != nil {
			k.logger.Warn("rebuild agent %s: %v", restored.ID, err)
			continue
		}
		if err := k.sup.Manage(restored.ID, agent); err != nil {
			k.logger.Warn("manage restored agent %s: %v", restored.ID, err)
			continue
		}
		if k.queue != nil {
			msgs, err := k.queue.Load(ctx, restored.ID)
			if err != nil {
				k.logger.Warn("load durable inbox %s: %v", restored.ID, err)
				continue
			}
			if len(msgs) > 0 {
				k.bus.RegisterInbox(restored.ID, restored.Config.InboxCapacity)
				n := k.bus.Rehydrate(restored.ID, msgs)
				k.logger.Info("rehydrated %d/%d messages for %s", n, len(msgs), restored.ID)
			}
		}
	}
	return nil
}

// Shutdown stops every agent, persists descriptors, and closes the
// components in reverse construction order.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	if !k.started {
		k.mu.Unlock()
		return proto.Errorf(proto.ErrIllegalState, "kernel not started")
	}
	k.started = false
	k.mu.Unlock()

	deadline := k.cfg.Supervisor.DrainDeadline.D() + k.cfg.Supervisor.InitTimeout.D()
	if d, ok := ctx.Deadline(); ok {
		if until := time.Until(d); until < deadline {
			deadline = until
		}
	}
	k.sup.StopAll(deadline)
	k.cancel()
	k.sup.Wait()

	k.persistDescriptors(ctx)

	k.bus.Close()
	k.auditLog.Close()
	if k.journal != nil {
		k.journal.Close()
	}
	if err := k.kv.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}
	k.logger.Info("kernel stopped")
	return nil
}

// persistDescriptors writes a final snapshot of every descriptor. The
// saver already persists on each transition; this catches heartbeat
// and failure-count drift since the last one.
func (k *Kernel) persistDescriptors(ctx context.Context) {
	saver := &descriptorSaver{kv: k.kv}
	for _, d := range k.reg.List(registry.ListFilter{}) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := saver.SaveAgent(d); err != nil {
			k.logger.Warn("persist agent %s: %v", d.ID, err)
		}
	}
}

// Control returns the typed operator surface.
func (k *Kernel) Control() control.API {
	return &controlAPI{k: k}
}

// controlAPI adapts the kernel to control.API; the kernel itself keeps
// Start/Stop for its own lifecycle.
type controlAPI struct {
	k *Kernel
}

func (c *controlAPI) Register(ctx context.Context, spec registry.RegisterSpec) (registry.Descriptor, error) {
	return c.k.register(ctx, spec)
}

func (c *controlAPI) Deregister(ctx context.Context, id string) error {
	return c.k.deregister(ctx, id)
}

func (c *controlAPI) Get(ctx context.Context, id string) (registry.Descriptor, error) {
	return c.k.get(ctx, id)
}

func (c *controlAPI) List(ctx context.Context, filter registry.ListFilter) ([]registry.Descriptor, error) {
	return c.k.list(ctx, filter)
}

func (c *controlAPI) Start(ctx context.Context, id string) error {
	return c.k.startAgent(ctx, id)
}

func (c *controlAPI) Stop(ctx context.Context, id string) error {
	return c.k.stopAgent(ctx, id)
}

func (c *controlAPI) Restart(ctx context.Context, id string) error {
	return c.k.restartAgent(ctx, id)
}

func (c *controlAPI) Send(ctx context.Context, req control.SendRequest) (control.SendResult, error) {
	return c.k.send(ctx, req)
}

func (c *controlAPI) MetricsSnapshot(ctx context.Context) (metrics.Snapshot, error) {
	return c.k.metricsSnapshot(ctx)
}

func (c *controlAPI) AuditQuery(ctx context.Context, filter audit.Filter) ([]audit.ActionRecord, error) {
	return c.k.auditQuery(ctx, filter)
}

func (c *controlAPI) DLQ(ctx context.Context) ([]bus.DeadLetter, error) {
	return c.k.dlq(ctx)
}

func (c *controlAPI) Messages(ctx context.Context, limit int) ([]eventlog.Entry, error) {
	return c.k.messages(ctx, limit)
}

// Gatherer exposes the Prometheus registry for the /metrics endpoint.
func (k *Kernel) Gatherer() prometheus.Gatherer {
	return k.promReg
}

// Bus exposes the message bus for in-process agents and tests.
func (k *Kernel) Bus() *bus.Bus {
	return k.bus
}

// RegisterAgent hosts a caller-supplied agent implementation; the demo
// fleet and embedded deployments use it instead of the factory path.
func (k *Kernel) RegisterAgent(spec registry.RegisterSpec, agent runner.Agent) (registry.Descriptor, error) {
	d, err := k.reg.Register(spec)
	if err != nil {
		return registry.Descriptor{}, asProtoErr(err)
	}
	if err := k.sup.Manage(d.ID, agent); err != nil {
		return registry.Descriptor{}, asProtoErr(err)
	}
	return d, nil
}

// register creates a descriptor plus a factory-built agent.
func (k *Kernel) register(_ context.Context, spec registry.RegisterSpec) (registry.Descriptor, error) {
	agent, err := k.factory(spec)
	if err != nil {
		return registry.Descriptor{}, proto.Errorf(proto.ErrInternal, "build agent %q: %v", spec.Name, err)
	}
	d, err := k.RegisterAgent(spec, agent)
	if err != nil {
		return registry.Descriptor{}, err
	}
	k.auditControl("register", d.ID, map[string]string{"name": spec.Name}, audit.StatusCompleted)
	return d, nil
}

// deregister removes an agent, stopping it first when needed.
func (k *Kernel) deregister(ctx context.Context, id string) error {
	d, err := k.reg.Get(id)
	if err != nil {
		return asProtoErr(err)
	}
	if d.State.Stoppable() {
		if err := k.sup.Stop(ctx, id); err != nil {
			return asProtoErr(err)
		}
	}
	if err := k.reg.Deregister(id); err != nil {
		return asProtoErr(err)
	}
	k.sup.Forget(id)
	k.bus.RemoveInbox(id)
	if k.queue != nil {
		if err := k.queue.Clear(ctx, id); err != nil {
			k.logger.Warn("clear durable inbox %s: %v", id, err)
		}
	}
	k.auditControl("deregister", id, nil, audit.StatusCompleted)
	return nil
}

func (k *Kernel) get(_ context.Context, id string) (registry.Descriptor, error) {
	d, err := k.reg.Get(id)
	return d, asProtoErr(err)
}

func (k *Kernel) list(_ context.Context, filter registry.ListFilter) ([]registry.Descriptor, error) {
	return k.reg.List(filter), nil
}

// startAgent launches a Registered or Stopped agent.
func (k *Kernel) startAgent(_ context.Context, id string) error {
	if err := k.sup.Start(id); err != nil {
		k.auditControl("start", id, map[string]string{"error": err.Error()}, audit.StatusFailed)
		return asProtoErr(err)
	}
	k.auditControl("start", id, nil, audit.StatusCompleted)
	return nil
}

// stopAgent drains and stops a running agent.
func (k *Kernel) stopAgent(ctx context.Context, id string) error {
	if err := k.sup.Stop(ctx, id); err != nil {
		k.auditControl("stop", id, map[string]string{"error": err.Error()}, audit.StatusFailed)
		return asProtoErr(err)
	}
	k.auditControl("stop", id, nil, audit.StatusCompleted)
	return nil
}

// restartAgent stop-then-starts an agent with a fresh restart budget.
func (k *Kernel) restartAgent(ctx context.Context, id string) error {
	if err := k.sup.Restart(ctx, id); err != nil {
		k.auditControl("restart", id, map[string]string{"error": err.Error()}, audit.StatusFailed)
		return asProtoErr(err)
	}
	k.auditControl("restart", id, nil, audit.StatusCompleted)
	return nil
}

// send injects an operator message into the bus, marked external.
func (k *Kernel) send(ctx context.Context, req control.SendRequest) (control.SendResult, error) {
	if req.Message == nil {
		return control.SendResult{}, proto.Errorf(proto.ErrIllegalState, "send request carries no message")
	}
	msg := req.Message.Clone()
	if msg.From == "" {
		msg.From = proto.ExternalSender
	}
	var opts []bus.SendOption
	if req.Policy != "" {
		policy, err := capindex.ParsePolicy(req.Policy)
		if err != nil {
			return control.SendResult{}, proto.Errorf(proto.ErrIllegalState, "bad resolve policy: %v", err)
		}
		opts = append(opts, bus.WithPolicy(policy))
	}
	rcpt, err := k.bus.Send(ctx, msg, opts...)
	if err != nil {
		return control.SendResult{}, asProtoErr(err)
	}
	status, reason := rcpt.Status()
	return control.SendResult{
		MessageID:     rcpt.MessageID,
		CorrelationID: rcpt.CorrelationID,
		To:            rcpt.To,
		Status:        status,
		Reason:        reason,
	}, nil
}

func (k *Kernel) metricsSnapshot(context.Context) (metrics.Snapshot, error) {
	return k.snap.Take(), nil
}

func (k *Kernel) auditQuery(_ context.Context, filter audit.Filter) ([]audit.ActionRecord, error) {
	return k.auditLog.Query(filter), nil
}

func (k *Kernel) dlq(context.Context) ([]bus.DeadLetter, error) {
	return k.bus.DLQ(), nil
}

// messages returns the newest journal entries.
func (k *Kernel) messages(_ context.Context, limit int) ([]eventlog.Entry, error) {
	if k.journal == nil {
		return nil, nil
	}
	entries, err := k.journal.Recent(limit)
	if err != nil {
		return nil, proto.Errorf(proto.ErrInternal, "read journal: %v", err)
	}
	return entries, nil
}

// auditControl records one operator action against the audit log.
func (k *Kernel) auditControl(op, agentID string, extra map[string]string, status audit.Status) {
	inputs := map[string]string{"op": op, "agent_id": agentID}
	for key, v := range extra {
		inputs[key] = v
	}
	k.auditLog.Record(operatorActor, audit.CategoryControl, "", inputs, status)
}

// asProtoErr passes *proto.Error values through and wraps everything
// else as Internal, keeping the control boundary typed.
func asProtoErr(err error) error {
	if err == nil {
		return nil
	}
	var pe *proto.Error
	if errors.As(err, &pe) {
		return err
	}
	return proto.WrapErr(proto.ErrInternal, err, "internal error")
}

// descriptorSaver persists descriptors under agents/<id>.
type descriptorSaver struct {
	kv store.KV
}

func (s *descriptorSaver) SaveAgent(d registry.Descriptor) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode descriptor %s: %w", d.ID, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	return s.kv.Put(ctx, agentKey(d.ID), raw)
}

func (s *descriptorSaver) DeleteAgent(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	return s.kv.Delete(ctx, agentKey(id))
}

func agentKey(id string) string {
	return agentKeyPrefix + strings.TrimPrefix(id, agentKeyPrefix)
}

// inertFactory hosts a do-nothing agent: Event messages acknowledge
// successfully so externally registered agents are routable before a
// real implementation attaches.
func inertFactory(registry.RegisterSpec) (runner.Agent, error) {
	a := &inertAgent{}
	a.Handle(proto.KindEvent, func(context.Context, *runner.Env, *proto.Message) error {
		return nil
	})
	return a, nil
}

type inertAgent struct {
	runner.BaseAgent
}
