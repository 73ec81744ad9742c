package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"mas/pkg/audit"
	"mas/pkg/bus"
	"mas/pkg/clock"
	"mas/pkg/config"
	"mas/pkg/logx"
	"mas/pkg/metrics"
	"mas/pkg/proto"
	"mas/pkg/registry"
)

// PolicyFunc guards Destructive handlers. A non-nil return refuses the
// action: the message is rejected permanently, audited DeniedByPolicy,
// never retried.
type PolicyFunc func(msg *proto.Message) error

// AllowAll is the default policy.
func AllowAll(*proto.Message) error { return nil }

// errorWindow is a fixed-size ring of recent handler outcomes; the
// supervisor reads the failure rate off it.
type errorWindow struct {
	mu      sync.Mutex
	results []bool
	idx     int
	filled  int
}

func newErrorWindow(size int) *errorWindow {
	return &errorWindow{results: make([]bool, size)}
}

func (w *errorWindow) record(ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results[w.idx] = ok
	w.idx = (w.idx + 1) % len(w.results)
	if w.filled < len(w.results) {
		w.filled++
	}
}

func (w *errorWindow) rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.filled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < w.filled; i++ {
		if !w.results[i] {
			failures++
		}
	}
	return float64(failures) / float64(w.filled)
}

// errorWindowSize is the sample count backing the error-rate health
// predicate.
const errorWindowSize = 20

// Runner owns one agent's delivery loop.
type Runner struct {
	agentID string
	agent   Agent
	cfg     config.AgentConfig

	bus    *bus.Bus
	reg    *registry.Registry
	clock  clock.Clock
	rec    metrics.Recorder
	logger *logx.Logger
	tracer trace.Tracer

	auditLog *audit.Log // optional
	policy   PolicyFunc
	onFatal  func(agentID string, err error)

	env    *Env
	window *errorWindow
	sem    *semaphore.Weighted // reentrant agents only

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// Option configures a runner.
type Option func(*Runner)

// WithRecorder wires the metrics recorder.
func WithRecorder(rec metrics.Recorder) Option {
	return func(r *Runner) { r.rec = rec }
}

// WithAudit wires the action log.
func WithAudit(l *audit.Log) Option {
	return func(r *Runner) { r.auditLog = l }
}

// WithPolicy installs the Destructive-action guard.
func WithPolicy(p PolicyFunc) Option {
	return func(r *Runner) { r.policy = p }
}

// WithOnFatal installs the callback invoked when a handler returns a
// Fatal error; the supervisor uses it to mark the agent Failing.
func WithOnFatal(fn func(agentID string, err error)) Option {
	return func(r *Runner) { r.onFatal = fn }
}

// New builds a runner for one agent. cfg must already be resolved
// against the runtime defaults.
func New(agentID string, agent Agent, cfg config.AgentConfig, b *bus.Bus, reg *registry.Registry, clk clock.Clock, opts ...Option) *Runner {
	r := &Runner{
		agentID: agentID,
		agent:   agent,
		cfg:     cfg,
		bus:     b,
		reg:     reg,
		clock:   clk,
		rec:     metrics.Nop(),
		logger:  logx.NewLogger("runner:" + agentID),
		tracer:  otel.Tracer("mas/runner"),
		policy:  AllowAll,
		window:  newErrorWindow(errorWindowSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if cfg.Reentrant {
		r.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	r.env = &Env{AgentID: agentID, Logger: logx.NewLogger("agent:" + agentID), bus: b}
	return r
}

// Env returns the environment handed to the agent's Init and handlers.
func (r *Runner) Env() *Env {
	return r.env
}

// ErrorRate reports the failure fraction over the recent window.
func (r *Runner) ErrorRate() float64 {
	return r.window.rate()
}

// Start subscribes to the agent's inbox and launches the loop.
func (r *Runner) Start(ctx context.Context) error {
	sub, err := r.bus.Subscribe(r.agentID)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.agentID, err)
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	go r.loop(sub)
	return nil
}

// Stop cancels the loop; Done closes once in-flight handlers finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Done closes when the loop and all in-flight handlers have finished.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

func (r *Runner) loop(sub *bus.Subscription) {
	defer close(r.done)
	defer r.wg.Wait()
	for {
		msg, err := r.next(sub)
		if err != nil {
			return
		}
		r.wakeIfIdle()
		if r.sem != nil {
			if err := r.sem.Acquire(r.ctx, 1); err != nil {
				return
			}
			r.wg.Add(1)
			go func(m *proto.Message) {
				defer r.wg.Done()
				defer r.sem.Release(1)
				r.handle(m)
			}(msg)
			continue
		}
		r.handle(msg)
	}
}

func (r *Runner) next(sub *bus.Subscription) (*proto.Message, error) {
	msg, err := sub.Next(r.ctx)
	if err != nil {
		if r.ctx.Err() == nil && !proto.IsKind(err, proto.ErrNoSuchAgent) {
			r.logger.Warn("subscription ended: %v", err)
		}
		return nil, err
	}
	return msg, nil
}

// wakeIfIdle flips an Idle agent back to Running before handling.
func (r *Runner) wakeIfIdle() {
	d, err := r.reg.Get(r.agentID)
	if err != nil || d.State != proto.StateIdle {
		return
	}
	if _, err := r.reg.UpdateState(r.agentID, proto.StateRunning); err != nil {
		r.logger.Warn("wake from idle: %v", err)
	}
}

func (r *Runner) handle(msg *proto.Message) {
	handler, ok := r.agent.Handlers()[msg.Kind]
	if !ok {
		r.bus.Ack(msg.ID, proto.RejectedPermanent(fmt.Sprintf("no handler for kind %s", msg.Kind)))
		r.window.record(false)
		return
	}

	category := handler.Category
	if msg.Kind == proto.KindControl {
		// Operator traffic is always audited.
		category = audit.CategoryControl
	}

	if category == audit.CategoryDestructive {
		if err := r.policy(msg); err != nil {
			r.refuse(msg, err)
			return
		}
	}

	actionID := r.startAction(msg, category)

	ctx, span := r.tracer.Start(r.ctx, "runner.handle", trace.WithAttributes(
		attribute.String("agent.id", r.agentID),
		attribute.String("message.kind", msg.Kind.String()),
	))
	hctx, expired, cancel := r.handlerContext(ctx)
	start := r.clock.Now()
	err := handler.Fn(hctx, r.env, msg)
	elapsed := r.clock.Now().Sub(start)
	cancel()
	span.End()

	r.rec.ObserveHandler(r.agentID, elapsed)

	switch {
	case err == nil:
		r.bus.Ack(msg.ID, proto.Handled())
		r.heartbeat()
		r.window.record(true)
		r.finishAction(actionID, audit.StatusCompleted, nil)

	case errors.Is(err, context.DeadlineExceeded) || expired():
		r.bus.Ack(msg.ID, proto.RejectedTransient("handler timeout"))
		r.heartbeat()
		r.window.record(false)
		r.finishAction(actionID, audit.StatusFailed, map[string]string{"error": "handler timeout"})

	default:
		r.fail(msg, err, actionID)
	}
}

// handlerContext bounds one handler invocation. The budget runs on the
// injected clock, so a fake clock drives the timeout in tests; the
// handler observes expiry as cancellation and expired reports whether
// the budget ran out.
func (r *Runner) handlerContext(parent context.Context) (context.Context, func() bool, func()) {
	hctx, cancel := context.WithCancelCause(parent)
	go func() {
		if r.clock.Sleep(hctx, r.cfg.HandlerTimeout.D()) == nil {
			cancel(context.DeadlineExceeded)
		}
	}()
	expired := func() bool {
		return errors.Is(context.Cause(hctx), context.DeadlineExceeded)
	}
	return hctx, expired, func() { cancel(context.Canceled) }
}

// refuse handles a policy denial: permanent rejection, DeniedByPolicy
// audit record, no retry. Policy refusals do not count against the
// agent's error rate.
func (r *Runner) refuse(msg *proto.Message, err error) {
	r.logger.Warn("policy refused %s %s: %v", msg.Kind, msg.ID, err)
	r.bus.Ack(msg.ID, proto.RejectedPermanent(fmt.Sprintf("denied by policy: %v", err)))
	if r.auditLog != nil {
		r.auditLog.Record(r.agentID, audit.CategoryDestructive, msg.CorrelationID, map[string]string{
			"message_id": msg.ID,
			"reason":     err.Error(),
		}, audit.StatusDenied)
	}
}

func (r *Runner) fail(msg *proto.Message, err error, actionID string) {
	class := proto.ClassOf(err)
	switch class {
	case proto.FailurePolicy:
		r.bus.Ack(msg.ID, proto.RejectedPermanent(err.Error()))
		r.finishAction(actionID, audit.StatusDenied, map[string]string{"error": err.Error()})

	case proto.FailurePermanent:
		r.bus.Ack(msg.ID, proto.RejectedPermanent(err.Error()))
		r.window.record(false)
		r.finishAction(actionID, audit.StatusFailed, map[string]string{"error": err.Error()})

	case proto.FailureFatal:
		r.logger.Error("fatal handler error on %s: %v", msg.ID, err)
		r.bus.Ack(msg.ID, proto.RejectedTransient(err.Error()))
		r.window.record(false)
		r.finishAction(actionID, audit.StatusFailed, map[string]string{"error": err.Error()})
		r.Stop()
		if r.onFatal != nil {
			r.onFatal(r.agentID, err)
		}

	default: // Transient, including unclassified errors.
		r.bus.Ack(msg.ID, proto.RejectedTransient(err.Error()))
		r.window.record(false)
		r.finishAction(actionID, audit.StatusFailed, map[string]string{"error": err.Error()})
	}
}

func (r *Runner) heartbeat() {
	if err := r.reg.Heartbeat(r.agentID, r.clock.Now()); err != nil {
		r.logger.Debug("heartbeat: %v", err)
	}
}

// startAction opens an audit record for categories that require one.
func (r *Runner) startAction(msg *proto.Message, category audit.Category) string {
	if r.auditLog == nil || !audited(category) {
		return ""
	}
	return r.auditLog.StartAction(r.agentID, category, msg.CorrelationID, map[string]string{
		"message_id": msg.ID,
		"kind":       msg.Kind.String(),
		"from":       msg.From,
	})
}

func (r *Runner) finishAction(actionID string, status audit.Status, outputs map[string]string) {
	if r.auditLog == nil || actionID == "" {
		return
	}
	r.auditLog.UpdateAction(actionID, status, outputs)
}

// audited reports whether invocations in the category produce action
// records.
func audited(category audit.Category) bool {
	switch category {
	case audit.CategoryExternalWrite, audit.CategoryStateChange,
		audit.CategoryDestructive, audit.CategoryControl:
		return true
	default:
		return false
	}
}

// Init runs the agent's Init under a deadline; the supervisor calls
// this during Starting.
func (r *Runner) Init(ctx context.Context, timeout time.Duration) error {
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := r.agent.Init(ictx, r.env); err != nil {
		return fmt.Errorf("init agent %s: %w", r.agentID, err)
	}
	return nil
}

// Shutdown runs the agent's Shutdown under a deadline.
func (r *Runner) Shutdown(ctx context.Context, timeout time.Duration) error {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.agent.Shutdown(sctx)
}

// Health returns the agent's self-reported status.
func (r *Runner) Health() Status {
	return r.agent.Health()
}
