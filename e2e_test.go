package mas_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mas/internal/kernel"
	"mas/pkg/alerts"
	"mas/pkg/bus"
	"mas/pkg/config"
	"mas/pkg/control"
	"mas/pkg/proto"
	"mas/pkg/registry"
	"mas/pkg/runner"
	"mas/pkg/store"
	"mas/pkg/testkit"
)

// fleet tracks the scripted agents the kernel factory hands out, keyed
// by registration name.
type fleet struct {
	mu     sync.Mutex
	agents map[string]*testkit.ScriptedAgent
}

func (f *fleet) build(spec registry.RegisterSpec) (runner.Agent, error) {
	a := testkit.NewScriptedAgent()
	f.mu.Lock()
	f.agents[spec.Name] = a
	f.mu.Unlock()
	return a, nil
}

func (f *fleet) get(name string) *testkit.ScriptedAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agents[name]
}

type rig struct {
	k     *kernel.Kernel
	api   control.API
	fleet *fleet
	sink  *alerts.Recording
}

func newRig(t *testing.T, mutate func(*config.Config)) *rig {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	fl := &fleet{agents: make(map[string]*testkit.ScriptedAgent)}
	sink := alerts.NewRecording()
	k, err := kernel.New(cfg,
		kernel.WithStore(store.NewMemory()),
		kernel.WithIDSource(proto.NewSeqSource()),
		kernel.WithAgentFactory(fl.build),
		kernel.WithAlertSink(sink),
	)
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background(), false))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = k.Shutdown(ctx)
	})
	return &rig{k: k, api: k.Control(), fleet: fl, sink: sink}
}

// register creates an agent; start launches it when asked.
func (r *rig) register(t *testing.T, name string, caps []string, ac config.AgentConfig, start bool) registry.Descriptor {
	t.Helper()
	d, err := r.api.Register(context.Background(), registry.RegisterSpec{
		Name: name, Capabilities: caps, Config: ac,
	})
	require.NoError(t, err)
	if start {
		require.NoError(t, r.api.Start(context.Background(), d.ID))
	}
	return d
}

func (r *rig) send(t *testing.T, msg *proto.Message, policy string) control.SendResult {
	t.Helper()
	res, err := r.api.Send(context.Background(), control.SendRequest{Message: msg, Policy: policy})
	require.NoError(t, err)
	return res
}

func (r *rig) waitState(t *testing.T, id string, want proto.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		d, err := r.api.Get(context.Background(), id)
		require.NoError(t, err)
		if d.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	d, _ := r.api.Get(context.Background(), id)
	t.Fatalf("agent %s never reached %s (now %s)", id, want, d.State)
}

func waitCount(t *testing.T, timeout time.Duration, want int, count func() int, msg string) {
	t.Helper()
	waitUntil(t, timeout, func() bool { return count() >= want }, msg)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestCapabilityRoundRobin(t *testing.T) {
	r := newRig(t, nil)
	a := r.register(t, "pay-a", []string{"pay"}, config.AgentConfig{}, true)
	b := r.register(t, "pay-b", []string{"pay"}, config.AgentConfig{}, true)

	var got []string
	for i := 0; i < 4; i++ {
		res := r.send(t, proto.NewMessage(proto.KindEvent, proto.ExternalSender, proto.CapabilityTarget("pay")), "round_robin")
		got = append(got, res.To)
	}
	assert.Equal(t, []string{a.ID, b.ID, a.ID, b.ID}, got)

	waitCount(t, 2*time.Second, 2, r.fleet.get("pay-a").HandledCount, "pay-a deliveries")
	waitCount(t, 2*time.Second, 2, r.fleet.get("pay-b").HandledCount, "pay-b deliveries")
	dlq, err := r.api.DLQ(context.Background())
	require.NoError(t, err)
	assert.Empty(t, dlq)
}

func TestLeastLoadedTieBreak(t *testing.T) {
	r := newRig(t, nil)
	gate := make(chan struct{})
	block := func(ctx context.Context, _ *runner.Env, _ *proto.Message) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := r.register(t, "pay-a", []string{"pay"}, config.AgentConfig{}, false)
	b := r.register(t, "pay-b", []string{"pay"}, config.AgentConfig{}, false)
	r.fleet.get("pay-a").HandleFunc(proto.KindEvent, block)
	r.fleet.get("pay-b").HandleFunc(proto.KindEvent, block)
	require.NoError(t, r.api.Start(context.Background(), a.ID))
	require.NoError(t, r.api.Start(context.Background(), b.ID))
	defer close(gate)

	// One message occupies each handler; three more sit queued, so
	// both inboxes level at depth 3.
	for _, id := range []string{a.ID, b.ID} {
		for i := 0; i < 4; i++ {
			r.send(t, proto.NewMessage(proto.KindEvent, proto.ExternalSender, id), "")
		}
		waitUntil(t, 2*time.Second, func() bool { return r.k.Bus().Depth(id) == 3 }, "inbox fill "+id)
	}

	// Equal depths fall back to lexicographic id order: a wins.
	res := r.send(t, proto.NewMessage(proto.KindEvent, proto.ExternalSender, proto.CapabilityTarget("pay")), "least_loaded")
	assert.Equal(t, a.ID, res.To)
	assert.Equal(t, 4, r.k.Bus().Depth(a.ID))
	assert.Equal(t, 3, r.k.Bus().Depth(b.ID))

	// Now a is deeper, so the next one lands on b.
	res = r.send(t, proto.NewMessage(proto.KindEvent, proto.ExternalSender, proto.CapabilityTarget("pay")), "least_loaded")
	assert.Equal(t, b.ID, res.To)
}

func TestRestartStormEndsDead(t *testing.T) {
	r := newRig(t, func(cfg *config.Config) {
		cfg.Supervisor.MaxRestarts = 3
		cfg.Supervisor.RestartBase = config.Duration(100 * time.Millisecond)
		cfg.Supervisor.RestartMax = config.Duration(time.Second)
	})
	x := r.register(t, "crasher", nil, config.AgentConfig{}, false)
	r.fleet.get("crasher").SetInitErr(assert.AnError)

	require.Error(t, r.api.Start(context.Background(), x.ID))
	// Three backoff attempts (100+200+400ms) end in Dead.
	r.waitState(t, x.ID, proto.StateDead, 5*time.Second)

	critical := 0
	for _, al := range r.sink.All() {
		if al.Severity == alerts.SeverityCritical {
			critical++
		}
	}
	assert.Equal(t, 1, critical, "exactly one Critical alert")

	snap, err := r.api.MetricsSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Agents[x.ID].Restarts)
	assert.Equal(t, 4, r.fleet.get("crasher").InitCalls())
}

func TestBackpressureTimeout(t *testing.T) {
	r := newRig(t, func(cfg *config.Config) {
		cfg.Bus.EnqueueTimeout = config.Duration(500 * time.Millisecond)
	})
	gate := make(chan struct{})
	y := r.register(t, "slow", nil, config.AgentConfig{InboxCapacity: 2}, false)
	r.fleet.get("slow").HandleFunc(proto.KindEvent, func(ctx context.Context, _ *runner.Env, _ *proto.Message) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	require.NoError(t, r.api.Start(context.Background(), y.ID))
	defer close(gate)

	// One in the handler, two queued: the inbox sits at capacity.
	for i := 0; i < 3; i++ {
		r.send(t, proto.NewMessage(proto.KindEvent, proto.ExternalSender, y.ID), "")
	}
	waitUntil(t, 2*time.Second, func() bool { return r.k.Bus().Depth(y.ID) == 2 }, "inbox fill")

	start := time.Now()
	_, err := r.api.Send(context.Background(), control.SendRequest{
		Message: proto.NewMessage(proto.KindEvent, proto.ExternalSender, y.ID),
	})
	assert.True(t, proto.IsKind(err, proto.ErrBackpressureTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond, "send blocked for the enqueue timeout")

	dlq, derr := r.api.DLQ(context.Background())
	require.NoError(t, derr)
	assert.Empty(t, dlq, "a refused send is not a dead letter")
	assert.Equal(t, 2, r.k.Bus().Depth(y.ID), "the refused message never entered the inbox")
}

func TestDeadlineExpiryDeadLetters(t *testing.T) {
	r := newRig(t, nil)
	gate := make(chan struct{})
	z := r.register(t, "tardy", nil, config.AgentConfig{}, false)
	agent := r.fleet.get("tardy")
	agent.HandleFunc(proto.KindEvent, func(ctx context.Context, _ *runner.Env, _ *proto.Message) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	require.NoError(t, r.api.Start(context.Background(), z.ID))

	// The first message parks in the handler; M waits behind it past
	// its deadline.
	r.send(t, proto.NewMessage(proto.KindEvent, proto.ExternalSender, z.ID), "")
	m := proto.NewMessage(proto.KindEvent, proto.ExternalSender, z.ID)
	m.DeadlineAt = time.Now().Add(200 * time.Millisecond)
	res := r.send(t, m, "")

	time.Sleep(300 * time.Millisecond)
	close(gate)

	rcpt := res.MessageID
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		dlq, err := r.api.DLQ(context.Background())
		require.NoError(t, err)
		for _, e := range dlq {
			if e.Message.ID == rcpt {
				assert.Equal(t, bus.ReasonDeadline, e.Reason)
				assert.Equal(t, 1, agent.HandledCount(), "the expired message never ran")
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expired message never reached the DLQ")
}
