package testkit

import (
	"context"
	"sync"

	"mas/pkg/proto"
	"mas/pkg/runner"
)

// ScriptedAgent is a test double driven by per-kind scripts. The
// default Event handler records the message and succeeds; HandleWith
// scripts a sequence of outcomes for a kind.
type ScriptedAgent struct {
	runner.BaseAgent

	mu      sync.Mutex
	handled []*proto.Message
	initErr error
	health  runner.Status

	initCalls     int
	shutdownCalls int
}

// NewScriptedAgent returns an agent that handles Event messages by
// recording them.
func NewScriptedAgent() *ScriptedAgent {
	a := &ScriptedAgent{health: runner.Status{Healthy: true}}
	a.Handle(proto.KindEvent, func(_ context.Context, _ *runner.Env, msg *proto.Message) error {
		a.record(msg)
		return nil
	})
	return a
}

// HandleWith registers a handler for kind that records the message and
// returns the scripted outcomes in order, then nil forever.
func (a *ScriptedAgent) HandleWith(kind proto.MsgKind, outcomes ...error) {
	var mu sync.Mutex
	remaining := append([]error(nil), outcomes...)
	a.Handle(kind, func(_ context.Context, _ *runner.Env, msg *proto.Message) error {
		a.record(msg)
		mu.Lock()
		defer mu.Unlock()
		if len(remaining) == 0 {
			return nil
		}
		err := remaining[0]
		remaining = remaining[1:]
		return err
	})
}

// HandleFunc registers a custom handler that also records the message.
func (a *ScriptedAgent) HandleFunc(kind proto.MsgKind, fn runner.HandlerFunc) {
	a.Handle(kind, func(ctx context.Context, env *runner.Env, msg *proto.Message) error {
		a.record(msg)
		return fn(ctx, env, msg)
	})
}

func (a *ScriptedAgent) record(msg *proto.Message) {
	a.mu.Lock()
	a.handled = append(a.handled, msg)
	a.mu.Unlock()
}

// Handled returns a copy of every message any handler has seen.
func (a *ScriptedAgent) Handled() []*proto.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*proto.Message(nil), a.handled...)
}

// HandledCount reports how many messages handlers have seen.
func (a *ScriptedAgent) HandledCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.handled)
}

// SetInitErr makes the next Init calls fail.
func (a *ScriptedAgent) SetInitErr(err error) {
	a.mu.Lock()
	a.initErr = err
	a.mu.Unlock()
}

// SetHealth scripts the agent's self-reported health.
func (a *ScriptedAgent) SetHealth(s runner.Status) {
	a.mu.Lock()
	a.health = s
	a.mu.Unlock()
}

// Init counts the call and returns the scripted error, if any.
func (a *ScriptedAgent) Init(context.Context, *runner.Env) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initCalls++
	return a.initErr
}

// InitCalls reports how many times Init ran.
func (a *ScriptedAgent) InitCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initCalls
}

// Health returns the scripted status.
func (a *ScriptedAgent) Health() runner.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.health
}

// Shutdown counts the call.
func (a *ScriptedAgent) Shutdown(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdownCalls++
	return nil
}

// ShutdownCalls reports how many times Shutdown ran.
func (a *ScriptedAgent) ShutdownCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shutdownCalls
}
