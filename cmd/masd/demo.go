package main

import (
	"context"
	"time"

	"mas/internal/kernel"
	"mas/pkg/proto"
	"mas/pkg/registry"
	"mas/pkg/runner"
)

// tickInterval paces the demo ticker's status broadcasts.
const tickInterval = 10 * time.Second

// registerDemoFleet hosts a small observable fleet: an echo agent that
// answers capability requests with their own payload, and a ticker
// that broadcasts a status update on an interval.
func registerDemoFleet(ctx context.Context, k *kernel.Kernel) error {
	echo, err := k.RegisterAgent(registry.RegisterSpec{
		Name:         "demo-echo",
		Capabilities: []string{"echo"},
	}, newEchoAgent())
	if err != nil {
		return err
	}
	ticker, err := k.RegisterAgent(registry.RegisterSpec{
		Name:         "demo-ticker",
		Capabilities: []string{"tick"},
	}, newTickerAgent(tickInterval))
	if err != nil {
		return err
	}
	for _, d := range []registry.Descriptor{echo, ticker} {
		if err := k.Control().Start(ctx, d.ID); err != nil {
			return err
		}
	}
	return nil
}

// echoAgent answers CapabilityRequest messages by mirroring the
// payload back along the correlation chain.
type echoAgent struct {
	runner.BaseAgent
}

func newEchoAgent() *echoAgent {
	a := &echoAgent{}
	a.Handle(proto.KindCapabilityRequest, func(ctx context.Context, env *runner.Env, msg *proto.Message) error {
		_, err := env.Reply(ctx, msg, proto.KindCapabilityResponse, msg.ContentType, msg.Payload)
		return err
	})
	a.Handle(proto.KindEvent, func(context.Context, *runner.Env, *proto.Message) error {
		return nil
	})
	return a
}

// tickerAgent broadcasts a StatusUpdate every interval; the goroutine
// starts in Init and stops in Shutdown.
type tickerAgent struct {
	runner.BaseAgent

	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func newTickerAgent(interval time.Duration) *tickerAgent {
	a := &tickerAgent{interval: interval}
	a.Handle(proto.KindEvent, func(context.Context, *runner.Env, *proto.Message) error {
		return nil
	})
	a.Handle(proto.KindStatusUpdate, func(context.Context, *runner.Env, *proto.Message) error {
		return nil
	})
	return a
}

func (a *tickerAgent) Init(_ context.Context, env *runner.Env) error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.tick(ctx, env)
	return nil
}

func (a *tickerAgent) tick(ctx context.Context, env *runner.Env) {
	defer close(a.done)
	t := time.NewTicker(a.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			msg := proto.NewMessage(proto.KindStatusUpdate, env.AgentID, proto.Broadcast)
			msg.AckPolicy = proto.AckFireAndForget
			msg.WithPayload("text/plain", []byte("tick"))
			if _, err := env.Send(ctx, msg); err != nil {
				env.Logger.Warn("tick broadcast: %v", err)
			}
		}
	}
}

func (a *tickerAgent) Shutdown(ctx context.Context) error {
	if a.cancel == nil {
		return nil
	}
	a.cancel()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
