package kernel

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mas/pkg/audit"
	"mas/pkg/config"
	"mas/pkg/control"
	"mas/pkg/proto"
	"mas/pkg/registry"
	"mas/pkg/runner"
	"mas/pkg/store"
	"mas/pkg/testkit"
)

// newKernel boots a kernel on the shared memory KV with a factory that
// hands out fresh scripted agents, recording each one by name.
func newKernel(t *testing.T, kv store.KV, resume bool) (*Kernel, map[string]*testkit.ScriptedAgent) {
	t.Helper()
	cfg := config.Default()
	agents := make(map[string]*testkit.ScriptedAgent)
	factory := func(spec registry.RegisterSpec) (runner.Agent, error) {
		a := testkit.NewScriptedAgent()
		agents[spec.Name] = a
		return a, nil
	}
	k, err := New(cfg, WithStore(kv), WithAgentFactory(factory))
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background(), resume))
	return k, agents
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
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

func TestRegisterStartSendLifecycle(t *testing.T) {
	kv := store.NewMemory()
	k, agents := newKernel(t, kv, false)
	defer k.Shutdown(context.Background())
	api := k.Control()
	ctx := context.Background()

	d, err := api.Register(ctx, registry.RegisterSpec{Name: "echo", Capabilities: []string{"echo"}})
	require.NoError(t, err)
	assert.Equal(t, proto.StateRegistered, d.State)

	require.NoError(t, api.Start(ctx, d.ID))
	got, err := api.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StateRunning, got.State)

	res, err := api.Send(ctx, sendTo("echo"))
	require.NoError(t, err)
	assert.Equal(t, d.ID, res.To, "capability resolves to the only provider")

	waitFor(t, 2*time.Second, func() bool {
		return agents["echo"].HandledCount() == 1
	}, "message never reached the agent")

	snap, err := api.MetricsSnapshot(ctx)
	require.NoError(t, err)
	var sent int64
	for _, byPriority := range snap.Sent {
		for _, n := range byPriority {
			sent += n
		}
	}
	assert.Equal(t, int64(1), sent)

	records, err := api.AuditQuery(ctx, audit.Filter{Actor: operatorActor})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(records), 2, "register and start are audited")

	require.NoError(t, api.Stop(ctx, d.ID))
	require.NoError(t, api.Deregister(ctx, d.ID))
	_, err = api.Get(ctx, d.ID)
	assert.True(t, proto.IsKind(err, proto.ErrNoSuchAgent))
}

func TestSendUnknownCapability(t *testing.T) {
	kv := store.NewMemory()
	k, _ := newKernel(t, kv, false)
	defer k.Shutdown(context.Background())

	_, err := k.Control().Send(context.Background(), sendTo("nobody-provides-this"))
	assert.True(t, proto.IsKind(err, proto.ErrNoSuchRecipient))
}

func TestWarmRestartReloadsDescriptors(t *testing.T) {
	kv := store.NewMemory()
	k1, _ := newKernel(t, kv, false)
	api1 := k1.Control()
	ctx := context.Background()

	d, err := api1.Register(ctx, registry.RegisterSpec{Name: "persistent", Capabilities: []string{"work"}})
	require.NoError(t, err)
	require.NoError(t, api1.Start(ctx, d.ID))
	require.NoError(t, k1.Shutdown(ctx))

	k2, agents := newKernel(t, kv, true)
	defer k2.Shutdown(ctx)
	api2 := k2.Control()

	got, err := api2.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StateRegistered, got.State, "descriptors reload cold")
	assert.Equal(t, []string{"work"}, got.Capabilities)

	// The factory rebuilt the agent, so a start works immediately.
	require.NoError(t, api2.Start(ctx, d.ID))
	_, err = api2.Send(ctx, sendTo("work"))
	require.NoError(t, err)
	waitFor(t, 2*time.Second, func() bool {
		return agents["persistent"].HandledCount() == 1
	}, "restored agent never handled the message")
}

// TestWarmRestartDeliversDurableInbox drives the durable path end to
// end: messages persisted by one run survive a crash, rehydrate on the
// next boot, and the operator's start delivers them instead of wiping
// the inbox.
func TestWarmRestartDeliversDurableInbox(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.Backend = config.StorageSQLite
	cfg.Storage.DurableInbox = true
	ctx := context.Background()

	openKV := func() store.KV {
		s, err := store.OpenSQLite(filepath.Join(dir, "mas.db"))
		require.NoError(t, err)
		return s
	}

	// First run: the handler parks, so one message is in flight and two
	// stay queued — all three persisted. The kernel is then abandoned
	// without a graceful shutdown, like a crash.
	parked := testkit.NewScriptedAgent()
	parked.HandleFunc(proto.KindEvent, func(ctx context.Context, _ *runner.Env, _ *proto.Message) error {
		<-ctx.Done()
		return ctx.Err()
	})
	k1, err := New(cfg, WithStore(openKV()), WithAgentFactory(func(registry.RegisterSpec) (runner.Agent, error) {
		return parked, nil
	}))
	require.NoError(t, err)
	require.NoError(t, k1.Start(ctx, false))

	d, err := k1.Control().Register(ctx, registry.RegisterSpec{Name: "worker", Capabilities: []string{"work"}})
	require.NoError(t, err)
	require.NoError(t, k1.Control().Start(ctx, d.ID))
	for i := 0; i < 3; i++ {
		_, err := k1.Control().Send(ctx, sendTo("work"))
		require.NoError(t, err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return parked.HandledCount() == 1
	}, "first message never reached the handler")

	// Second run resumes from the same database.
	agents := make(map[string]*testkit.ScriptedAgent)
	k2, err := New(cfg, WithStore(openKV()), WithAgentFactory(func(spec registry.RegisterSpec) (runner.Agent, error) {
		a := testkit.NewScriptedAgent()
		agents[spec.Name] = a
		return a, nil
	}))
	require.NoError(t, err)
	require.NoError(t, k2.Start(ctx, true))
	defer k2.Shutdown(context.Background())

	assert.Equal(t, 3, k2.Bus().Depth(d.ID), "persisted messages rehydrate before start")

	require.NoError(t, k2.Control().Start(ctx, d.ID))
	waitFor(t, 5*time.Second, func() bool {
		return agents["worker"].HandledCount() == 3
	}, "rehydrated messages were not delivered after start")

	dlq, err := k2.Control().DLQ(ctx)
	require.NoError(t, err)
	assert.Empty(t, dlq, "nothing is lost or dead-lettered on the durable path")
}

func TestDeregisterStopsRunningAgent(t *testing.T) {
	kv := store.NewMemory()
	k, agents := newKernel(t, kv, false)
	defer k.Shutdown(context.Background())
	api := k.Control()
	ctx := context.Background()

	d, err := api.Register(ctx, registry.RegisterSpec{Name: "short-lived"})
	require.NoError(t, err)
	require.NoError(t, api.Start(ctx, d.ID))

	require.NoError(t, api.Deregister(ctx, d.ID))
	assert.Equal(t, 1, agents["short-lived"].ShutdownCalls())
	keys, err := kv.List(ctx, "agents/")
	require.NoError(t, err)
	assert.Empty(t, keys, "persisted descriptor is deleted")
}

func TestShutdownPersistsDescriptors(t *testing.T) {
	kv := store.NewMemory()
	k, _ := newKernel(t, kv, false)
	ctx := context.Background()

	_, err := k.Control().Register(ctx, registry.RegisterSpec{Name: "a"})
	require.NoError(t, err)
	_, err = k.Control().Register(ctx, registry.RegisterSpec{Name: "b"})
	require.NoError(t, err)

	require.NoError(t, k.Shutdown(ctx))
	keys, err := kv.List(ctx, "agents/")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

// sendTo builds a capability-addressed Event send request.
func sendTo(capability string) control.SendRequest {
	return control.SendRequest{
		Message: proto.NewMessage(proto.KindEvent, proto.ExternalSender, proto.CapabilityTarget(capability)),
	}
}
