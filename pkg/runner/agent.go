// Package runner drives one agent: it pulls messages off the agent's
// subscription, runs the matching handler under a timeout, classifies
// the outcome and acks back to the bus.
package runner

import (
	"context"

	"mas/pkg/audit"
	"mas/pkg/bus"
	"mas/pkg/logx"
	"mas/pkg/proto"
)

// Status is an agent's self-reported health.
type Status struct {
	Healthy bool
	Detail  string
}

// HandlerFunc processes one message. The context carries the handler
// timeout; the env is the agent's window back into the runtime.
type HandlerFunc func(ctx context.Context, env *Env, msg *proto.Message) error

// Handler pairs a function with its audit category. The zero category
// means the invocation is not audited; Destructive handlers pass the
// policy predicate before running.
type Handler struct {
	Fn       HandlerFunc
	Category audit.Category
}

// HandlerTable maps message kinds to handlers.
type HandlerTable map[proto.MsgKind]Handler

// Agent is the contract the runner drives. Implementations embed
// BaseAgent and register handlers in Init or at construction.
type Agent interface {
	// Init prepares the agent; called once during Starting, bounded by
	// the init timeout.
	Init(ctx context.Context, env *Env) error
	// Handlers returns the message dispatch table.
	Handlers() HandlerTable
	// Health reports the agent's own view; sampled by the supervisor.
	Health() Status
	// Shutdown releases resources; called after the drain in Stopping.
	Shutdown(ctx context.Context) error
}

// BaseAgent carries a handler table and no-op lifecycle methods, so
// concrete agents override only what they need.
type BaseAgent struct {
	handlers HandlerTable
}

// Handle registers an unaudited handler for a message kind.
func (b *BaseAgent) Handle(kind proto.MsgKind, fn HandlerFunc) {
	b.handle(kind, Handler{Fn: fn})
}

// HandleAudited registers a handler whose invocations produce action
// records in the given category.
func (b *BaseAgent) HandleAudited(kind proto.MsgKind, category audit.Category, fn HandlerFunc) {
	b.handle(kind, Handler{Fn: fn, Category: category})
}

func (b *BaseAgent) handle(kind proto.MsgKind, h Handler) {
	if b.handlers == nil {
		b.handlers = make(HandlerTable)
	}
	b.handlers[kind] = h
}

// Handlers returns the registered table.
func (b *BaseAgent) Handlers() HandlerTable {
	return b.handlers
}

// Init is a no-op.
func (b *BaseAgent) Init(context.Context, *Env) error { return nil }

// Health reports healthy.
func (b *BaseAgent) Health() Status { return Status{Healthy: true} }

// Shutdown is a no-op.
func (b *BaseAgent) Shutdown(context.Context) error { return nil }

// Env is the surface a handler sees: its own identity, a logger, and
// the send side of the bus.
type Env struct {
	AgentID string
	Logger  *logx.Logger
	bus     *bus.Bus
}

// Send puts a message on the bus with this agent as sender. The caller
// keeps ownership of msg: the bus stamps and resolves a clone, and the
// receipt reports the assigned id and recipient, so the same template
// can be sent repeatedly.
func (e *Env) Send(ctx context.Context, msg *proto.Message, opts ...bus.SendOption) (*bus.Receipt, error) {
	m := msg.Clone()
	m.From = e.AgentID
	return e.bus.Send(ctx, m, opts...)
}

// Reply sends a response along the correlation chain of msg.
func (e *Env) Reply(ctx context.Context, msg *proto.Message, kind proto.MsgKind, contentType string, payload []byte) (*bus.Receipt, error) {
	r := proto.Reply(msg, kind)
	r.From = e.AgentID
	r.WithPayload(contentType, payload)
	return e.bus.Send(ctx, r)
}
