// Package bus moves messages between agents: capability resolution at
// enqueue, bounded priority inboxes, at-least-once delivery with
// exponential retry, and a dead-letter queue for everything that runs
// out of road.
package bus

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mas/pkg/audit"
	"mas/pkg/capindex"
	"mas/pkg/clock"
	"mas/pkg/config"
	"mas/pkg/eventlog"
	"mas/pkg/logx"
	"mas/pkg/metrics"
	"mas/pkg/proto"
	"mas/pkg/store"
)

// Dead-letter reasons, used as metric labels and journal annotations.
const (
	ReasonDeadline    = "deadline"
	ReasonMaxAttempts = "max_attempts"
	ReasonRejected    = "rejected"
	ReasonUndrained   = "undrained"
	ReasonOverflow    = "rehydrate_overflow"
)

// DeadLetter is one DLQ entry.
type DeadLetter struct {
	Message *proto.Message `json:"message"`
	Reason  string         `json:"reason"`
	At      time.Time      `json:"at"`
}

// delivery tracks one at-least-once message from enqueue to terminal
// outcome. pending flips true at dequeue and false at ack, which is
// what makes a double ack a no-op.
type delivery struct {
	msg     *proto.Message
	receipt *Receipt
	pending bool
}

// Bus is the message bus.
type Bus struct {
	cfg    config.BusConfig
	logger *logx.Logger
	clock  clock.Clock
	ids    proto.IDSource
	index  *capindex.Index
	rec    metrics.Recorder
	tracer trace.Tracer

	journal  *eventlog.Writer   // optional
	auditLog *audit.Log         // optional
	queue    store.DurableQueue // optional

	defaultPolicy capindex.Policy

	rngMu sync.Mutex
	rng   *rand.Rand

	mu       sync.Mutex
	inboxes  map[string]*inbox
	inflight map[string]*delivery
	dlq      []DeadLetter

	// ctx outlives any caller context so retry timers survive the
	// sender returning; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// Option configures the bus.
type Option func(*Bus)

// WithRecorder wires the metrics recorder.
func WithRecorder(rec metrics.Recorder) Option {
	return func(b *Bus) { b.rec = rec }
}

// WithJournal appends enqueue/deliver/dead-letter events to the JSONL
// journal.
func WithJournal(w *eventlog.Writer) Option {
	return func(b *Bus) { b.journal = w }
}

// WithAudit records dead letters in the audit log.
func WithAudit(l *audit.Log) Option {
	return func(b *Bus) { b.auditLog = l }
}

// WithDurableQueue write-through persists inboxes: enqueues append,
// terminal outcomes remove.
func WithDurableQueue(q store.DurableQueue) Option {
	return func(b *Bus) { b.queue = q }
}

// New creates a bus. The capability index supplies resolution; the bus
// feeds its inbox depths back via SetDepthFunc.
func New(cfg config.BusConfig, clk clock.Clock, ids proto.IDSource, index *capindex.Index, opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	policy, err := capindex.ParsePolicy(cfg.ResolvePolicy)
	if err != nil {
		policy = capindex.LeastLoaded()
	}
	b := &Bus{
		cfg:           cfg,
		logger:        logx.NewLogger("bus"),
		clock:         clk,
		ids:           ids,
		index:         index,
		rec:           metrics.Nop(),
		tracer:        otel.Tracer("mas/bus"),
		defaultPolicy: policy,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		inboxes:       make(map[string]*inbox),
		inflight:      make(map[string]*delivery),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	index.SetDepthFunc(b.Depth)
	return b
}

// sendOptions are per-send overrides.
type sendOptions struct {
	policy  *capindex.Policy
	timeout time.Duration
}

// SendOption overrides a send default.
type SendOption func(*sendOptions)

// WithPolicy overrides the capability resolution policy for this send.
func WithPolicy(p capindex.Policy) SendOption {
	return func(o *sendOptions) { o.policy = &p }
}

// WithEnqueueTimeout overrides how long this send blocks on a full
// inbox.
func WithEnqueueTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) { o.timeout = d }
}

// Send validates, stamps, resolves and enqueues msg. The returned
// receipt tracks the message to its terminal status for at-least-once
// sends; fire-and-forget and broadcast receipts resolve at accept.
func (b *Bus) Send(ctx context.Context, msg *proto.Message, opts ...SendOption) (*Receipt, error) {
	var so sendOptions
	so.timeout = b.cfg.EnqueueTimeout.D()
	for _, opt := range opts {
		opt(&so)
	}

	if err := msg.Validate(); err != nil {
		return nil, proto.WrapErr(proto.ErrInternal, err, "invalid message")
	}
	if msg.ID == "" {
		msg.ID = b.ids.NewID(proto.PrefixMessage)
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = b.ids.NewID(proto.PrefixCorrelation)
	}
	msg.EnqueuedAt = b.clock.Now()
	if msg.DeadlineAt.IsZero() && b.cfg.DefaultTTL.D() > 0 {
		msg.DeadlineAt = msg.EnqueuedAt.Add(b.cfg.DefaultTTL.D())
	}
	if msg.DeadlineAt.Before(msg.EnqueuedAt) && !msg.DeadlineAt.IsZero() {
		return nil, proto.Errorf(proto.ErrDeadlineExceeded, "message %s deadline precedes enqueue", msg.ID)
	}

	ctx, span := b.tracer.Start(ctx, "bus.send", trace.WithAttributes(
		attribute.String("message.kind", msg.Kind.String()),
		attribute.String("message.to", msg.To),
		attribute.String("message.priority", msg.Priority.String()),
	))
	defer span.End()

	if msg.To == proto.Broadcast {
		return b.broadcast(ctx, msg, so)
	}

	if tag, ok := proto.ParseCapabilityTarget(msg.To); ok {
		policy := b.defaultPolicy
		if so.policy != nil {
			policy = *so.policy
		}
		id, err := b.index.Resolve(tag, policy)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		// Frozen from here on: retries go to the same agent.
		msg.To = id
		msg.SetMetadata("capability", tag)
	}

	return b.enqueue(ctx, msg, so.timeout)
}

// broadcast fans out one clone per routable agent, skipping the
// sender. Each clone gets a fresh id; the correlation id is shared.
func (b *Bus) broadcast(ctx context.Context, msg *proto.Message, so sendOptions) (*Receipt, error) {
	recipients := b.index.Routable()
	delivered := 0
	for _, id := range recipients {
		if id == msg.From {
			continue
		}
		clone := msg.Clone()
		clone.ID = b.ids.NewID(proto.PrefixMessage)
		clone.To = id
		clone.AckPolicy = proto.AckFireAndForget
		if _, err := b.enqueue(ctx, clone, so.timeout); err != nil {
			b.logger.Warn("broadcast %s to %s dropped: %v", msg.CorrelationID, id, err)
			continue
		}
		delivered++
	}
	b.logger.Debug("broadcast %s fanned out to %d/%d agents", msg.CorrelationID, delivered, len(recipients))
	r := newReceipt(msg.ID, msg.CorrelationID, proto.Broadcast)
	r.resolve(StatusAccepted, "")
	return r, nil
}

// enqueue places msg in its recipient's inbox, blocking up to timeout
// when the inbox is full.
func (b *Bus) enqueue(ctx context.Context, msg *proto.Message, timeout time.Duration) (*Receipt, error) {
	in := b.inboxFor(msg.To)
	if in == nil {
		return nil, proto.Errorf(proto.ErrNoSuchRecipient, "no inbox for agent %s", msg.To)
	}

	if err := b.push(ctx, in, msg, timeout); err != nil {
		return nil, err
	}

	b.rec.IncSent(msg.Kind, msg.Priority)
	b.journalEvent(eventlog.EventEnqueued, "", msg)
	b.persistAppend(msg)

	r := newReceipt(msg.ID, msg.CorrelationID, msg.To)
	if msg.AckPolicy == proto.AckFireAndForget {
		r.resolve(StatusAccepted, "")
		return r, nil
	}
	b.mu.Lock()
	b.inflight[msg.ID] = &delivery{msg: msg, receipt: r}
	b.mu.Unlock()
	return r, nil
}

// push blocks until the inbox takes msg, the timeout lapses, or ctx is
// done. The timeout runs on the injected clock.
func (b *Bus) push(ctx context.Context, in *inbox, msg *proto.Message, timeout time.Duration) error {
	ok, wait, err := in.tryPush(msg)
	if err != nil || ok {
		return err
	}

	timerCtx, cancelTimer := context.WithCancel(ctx)
	defer cancelTimer()
	expired := make(chan struct{})
	go func() {
		if b.clock.Sleep(timerCtx, timeout) == nil {
			close(expired)
		}
	}()

	for {
		select {
		case <-wait:
		case <-expired:
			return proto.Errorf(proto.ErrBackpressureTimeout,
				"inbox for %s full after %s", in.agentID, timeout)
		case <-ctx.Done():
			return proto.WrapErr(proto.ErrBackpressureTimeout, ctx.Err(),
				"send to %s canceled", in.agentID)
		}
		ok, wait, err = in.tryPush(msg)
		if err != nil || ok {
			return err
		}
	}
}

// Subscription is one agent's read side of the bus.
type Subscription struct {
	bus     *Bus
	agentID string
	in      *inbox
}

// Subscribe returns the read side for an agent's inbox.
func (b *Bus) Subscribe(agentID string) (*Subscription, error) {
	in := b.inboxFor(agentID)
	if in == nil {
		return nil, proto.Errorf(proto.ErrNoSuchAgent, "no inbox for agent %s", agentID)
	}
	return &Subscription{bus: b, agentID: agentID, in: in}, nil
}

// Next blocks for the next deliverable message: Critical before Normal,
// FIFO within class. Messages past their deadline are dead-lettered at
// this point and skipped. The returned message is a clone; the caller
// acks by id.
func (s *Subscription) Next(ctx context.Context) (*proto.Message, error) {
	b := s.bus
	for {
		msg, wait := s.in.tryPop()
		if msg != nil {
			if msg.Expired(b.clock.Now()) {
				b.deadLetterMsg(msg, ReasonDeadline)
				continue
			}
			b.mu.Lock()
			msg.Attempts++
			if d, ok := b.inflight[msg.ID]; ok {
				d.pending = true
			}
			b.mu.Unlock()
			return msg.Clone(), nil
		}
		if wait == nil {
			return nil, proto.Errorf(proto.ErrNoSuchAgent, "inbox for %s closed", s.agentID)
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Depth reports the current inbox depth; unknown agents read zero.
// Installed as the capability index's depth callback.
func (b *Bus) Depth(agentID string) int {
	in := b.inboxFor(agentID)
	if in == nil {
		return 0
	}
	return in.depth()
}

// Ack records the consumer's verdict on the last delivery of a
// message. Unknown ids and double acks are no-ops.
func (b *Bus) Ack(messageID string, outcome proto.AckOutcome) {
	b.mu.Lock()
	d, ok := b.inflight[messageID]
	if !ok || !d.pending {
		b.mu.Unlock()
		return
	}
	d.pending = false
	b.mu.Unlock()

	b.rec.IncAcked(metrics.OutcomeLabel(outcome))

	switch outcome.Kind {
	case proto.AckHandled:
		b.finishHandled(d)

	case proto.AckDeferred:
		// Back of the class, no attempt consumed; the deadline still
		// bounds it.
		if d.msg.Expired(b.clock.Now()) {
			b.deadLetter(d, ReasonDeadline)
			return
		}
		// The next dequeue re-increments, so the redelivered message
		// carries the same attempts count it had this time.
		b.mu.Lock()
		if d.msg.Attempts > 0 {
			d.msg.Attempts--
		}
		b.mu.Unlock()
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.requeue(d)
		}()

	case proto.AckRejected:
		if outcome.Permanent {
			reason := outcome.Reason
			if reason == "" {
				reason = ReasonRejected
			}
			b.deadLetter(d, reason)
			return
		}
		if d.msg.Attempts >= b.cfg.MaxAttempts {
			b.deadLetter(d, ReasonMaxAttempts)
			return
		}
		b.scheduleRetry(d)
	}
}

// DeadLetter force-moves an in-flight message to the DLQ.
func (b *Bus) DeadLetter(messageID, reason string) error {
	b.mu.Lock()
	d, ok := b.inflight[messageID]
	b.mu.Unlock()
	if !ok {
		return proto.Errorf(proto.ErrNoSuchRecipient, "message %s is not in flight", messageID)
	}
	b.deadLetter(d, reason)
	return nil
}

// DLQ returns a copy of the dead-letter queue, oldest first.
func (b *Bus) DLQ() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadLetter(nil), b.dlq...)
}

// RegisterInbox creates (or replaces) an agent's inbox. A replaced
// inbox starts empty and accepting; capacity zero takes the bus
// default.
func (b *Bus) RegisterInbox(agentID string, capacity int) {
	if capacity <= 0 {
		capacity = b.cfg.InboxCapacity
	}
	b.mu.Lock()
	if old, ok := b.inboxes[agentID]; ok {
		old.close()
	}
	b.inboxes[agentID] = newInbox(agentID, capacity)
	b.mu.Unlock()
}

// EnsureInbox makes an agent's inbox accept sends: an existing inbox
// reopens in place, clearing the stopping gate from a previous stop
// while keeping queued messages — rehydrated ones included. Only a
// missing or closed inbox is replaced with a fresh one. Start paths
// use this; RegisterInbox is for first registration.
func (b *Bus) EnsureInbox(agentID string, capacity int) {
	if capacity <= 0 {
		capacity = b.cfg.InboxCapacity
	}
	b.mu.Lock()
	if in, ok := b.inboxes[agentID]; ok && in.reopen(capacity) {
		b.mu.Unlock()
		return
	}
	b.inboxes[agentID] = newInbox(agentID, capacity)
	b.mu.Unlock()
}

// RemoveInbox drops an agent's inbox after deregistration.
func (b *Bus) RemoveInbox(agentID string) {
	b.mu.Lock()
	in, ok := b.inboxes[agentID]
	if ok {
		delete(b.inboxes, agentID)
	}
	b.mu.Unlock()
	if ok {
		in.close()
	}
}

// MarkStopping gates new sends to the agent while its drain runs.
// Sends now fail with NoSuchRecipient; queued messages stay
// deliverable.
func (b *Bus) MarkStopping(agentID string) {
	if in := b.inboxFor(agentID); in != nil {
		in.markStopping()
	}
}

// DrainRemaining dead-letters everything still queued for the agent
// and reports how many messages that was.
func (b *Bus) DrainRemaining(agentID, reason string) int {
	in := b.inboxFor(agentID)
	if in == nil {
		return 0
	}
	msgs := in.drain()
	for _, msg := range msgs {
		b.deadLetterMsg(msg, reason)
	}
	return len(msgs)
}

// Rehydrate loads persisted messages back into an agent's inbox in
// their stored order, re-registering in-flight tracking. Overflow
// beyond the inbox capacity is dead-lettered.
func (b *Bus) Rehydrate(agentID string, msgs []*proto.Message) int {
	in := b.inboxFor(agentID)
	if in == nil {
		return 0
	}
	loaded := 0
	for _, msg := range msgs {
		ok, _, err := in.tryPush(msg)
		if err != nil || !ok {
			b.deadLetterMsg(msg, ReasonOverflow)
			continue
		}
		if msg.AckPolicy == proto.AckAtLeastOnce {
			r := newReceipt(msg.ID, msg.CorrelationID, agentID)
			b.mu.Lock()
			b.inflight[msg.ID] = &delivery{msg: msg, receipt: r}
			b.mu.Unlock()
		}
		loaded++
	}
	if loaded > 0 {
		b.logger.Info("rehydrated %d messages for %s", loaded, agentID)
	}
	return loaded
}

// Close stops retry timers, closes every inbox and waits for
// background work to finish.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	inboxes := make([]*inbox, 0, len(b.inboxes))
	for _, in := range b.inboxes {
		inboxes = append(inboxes, in)
	}
	b.mu.Unlock()

	b.cancel()
	for _, in := range inboxes {
		in.close()
	}
	b.wg.Wait()
}

func (b *Bus) inboxFor(agentID string) *inbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inboxes[agentID]
}

// finishHandled resolves a delivery as Handled.
func (b *Bus) finishHandled(d *delivery) {
	b.mu.Lock()
	delete(b.inflight, d.msg.ID)
	b.mu.Unlock()
	d.receipt.resolve(StatusHandled, "")
	b.journalEvent(eventlog.EventDelivered, "", d.msg)
	b.persistRemove(d.msg)
}

// scheduleRetry requeues after exponential backoff with ±25% jitter,
// on the bus's own context so the timer outlives the sender.
func (b *Bus) scheduleRetry(d *delivery) {
	backoff := b.backoff(d.msg.Attempts)
	b.logger.Debug("retrying %s to %s in %s (attempt %d/%d)",
		d.msg.ID, d.msg.To, backoff, d.msg.Attempts, b.cfg.MaxAttempts)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.clock.Sleep(b.ctx, backoff); err != nil {
			return
		}
		b.requeue(d)
	}()
}

// requeue pushes an in-flight message back into its recipient's inbox,
// waiting out a full inbox; a closed or stopping inbox dead-letters.
func (b *Bus) requeue(d *delivery) {
	if d.msg.Expired(b.clock.Now()) {
		b.deadLetter(d, ReasonDeadline)
		return
	}
	in := b.inboxFor(d.msg.To)
	if in == nil {
		b.deadLetter(d, ReasonUndrained)
		return
	}
	for {
		ok, wait, err := in.tryPush(d.msg)
		if ok {
			return
		}
		if err != nil {
			b.deadLetter(d, ReasonUndrained)
			return
		}
		select {
		case <-wait:
		case <-b.ctx.Done():
			return
		}
	}
}

// deadLetter moves a tracked delivery to the DLQ.
func (b *Bus) deadLetter(d *delivery, reason string) {
	b.mu.Lock()
	delete(b.inflight, d.msg.ID)
	b.mu.Unlock()
	d.receipt.resolve(StatusDeadLettered, reason)
	b.recordDeadLetter(d.msg, reason)
}

// deadLetterMsg moves an untracked (or not-yet-delivered) message to
// the DLQ, resolving its receipt when one exists.
func (b *Bus) deadLetterMsg(msg *proto.Message, reason string) {
	b.mu.Lock()
	d, ok := b.inflight[msg.ID]
	if ok {
		delete(b.inflight, msg.ID)
	}
	b.mu.Unlock()
	if ok {
		d.receipt.resolve(StatusDeadLettered, reason)
	}
	b.recordDeadLetter(msg, reason)
}

func (b *Bus) recordDeadLetter(msg *proto.Message, reason string) {
	at := b.clock.Now()
	b.mu.Lock()
	b.dlq = append(b.dlq, DeadLetter{Message: msg, Reason: reason, At: at})
	b.mu.Unlock()

	b.rec.IncDeadLettered(reason)
	b.journalEvent(eventlog.EventDeadLettered, reason, msg)
	b.persistRemove(msg)
	if b.auditLog != nil {
		b.auditLog.Record("bus", audit.CategoryStateChange, msg.CorrelationID, map[string]string{
			"message_id": msg.ID,
			"to":         msg.To,
			"reason":     reason,
		}, audit.StatusFailed)
	}
	b.logger.Warn("dead-lettered %s to %s: %s", msg.ID, msg.To, reason)
}

func (b *Bus) journalEvent(event eventlog.Event, reason string, msg *proto.Message) {
	if b.journal == nil {
		return
	}
	err := b.journal.Append(eventlog.Entry{
		At:      b.clock.Now(),
		Event:   event,
		Reason:  reason,
		Message: msg,
	})
	if err != nil {
		b.logger.Warn("journal %s for %s: %v", event, msg.ID, err)
	}
}

func (b *Bus) persistAppend(msg *proto.Message) {
	if b.queue == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.queue.Append(ctx, msg.To, msg); err != nil {
		b.logger.Warn("persist %s for %s: %v", msg.ID, msg.To, err)
	}
}

func (b *Bus) persistRemove(msg *proto.Message) {
	if b.queue == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.queue.Remove(ctx, msg.To, msg.ID); err != nil {
		b.logger.Warn("unpersist %s for %s: %v", msg.ID, msg.To, err)
	}
}

// backoff computes the retry delay for the given attempt count:
// base × 2^(attempts−1), capped, then jittered ±25%.
func (b *Bus) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	shift := uint(attempts - 1)
	if shift > 32 {
		shift = 32
	}
	d := b.cfg.RetryBase.D() << shift
	if limit := b.cfg.RetryMax.D(); d > limit || d <= 0 {
		d = limit
	}
	b.rngMu.Lock()
	factor := 0.75 + 0.5*b.rng.Float64()
	b.rngMu.Unlock()
	return time.Duration(float64(d) * factor)
}
