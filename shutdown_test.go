package mas_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mas/pkg/config"
	"mas/pkg/control"
	"mas/pkg/proto"
	"mas/pkg/runner"
)

// TestGracefulStopDrains covers the stop sequence: the inbox drains
// Critical first, state walks Running -> Stopping -> Stopped, and new
// sends are refused while draining.
func TestGracefulStopDrains(t *testing.T) {
	r := newRig(t, func(cfg *config.Config) {
		cfg.Supervisor.DrainDeadline = config.Duration(2 * time.Second)
	})

	gate := make(chan struct{})
	var gated atomic.Bool
	gated.Store(true)
	z := r.register(t, "drainer", nil, config.AgentConfig{}, false)
	agent := r.fleet.get("drainer")
	agent.HandleFunc(proto.KindEvent, func(ctx context.Context, _ *runner.Env, _ *proto.Message) error {
		if gated.Load() {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	require.NoError(t, r.api.Start(context.Background(), z.ID))

	// The first message parks in the handler and holds the queue.
	blocker := proto.NewMessage(proto.KindEvent, proto.ExternalSender, z.ID)
	r.send(t, blocker, "")
	waitUntil(t, 2*time.Second, func() bool { return agent.HandledCount() == 1 }, "blocker never started")

	var queued []string
	for i := 0; i < 5; i++ {
		res := r.send(t, proto.NewMessage(proto.KindEvent, proto.ExternalSender, z.ID), "")
		queued = append(queued, res.MessageID)
	}
	critical := proto.NewMessage(proto.KindEvent, proto.ExternalSender, z.ID)
	critical.Priority = proto.PriorityCritical
	res := r.send(t, critical, "")
	criticalID := res.MessageID

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		stopped <- r.api.Stop(ctx, z.ID)
	}()
	r.waitState(t, z.ID, proto.StateStopping, 2*time.Second)

	// The stopping gate refuses new sends immediately.
	_, err := r.api.Send(context.Background(), control.SendRequest{
		Message: proto.NewMessage(proto.KindEvent, proto.ExternalSender, z.ID),
	})
	assert.True(t, proto.IsKind(err, proto.ErrNoSuchRecipient))

	// Release the handler; the queue drains inside the deadline.
	gated.Store(false)
	close(gate)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("stop never finished")
	}

	d, err := r.api.Get(context.Background(), z.ID)
	require.NoError(t, err)
	assert.Equal(t, proto.StateStopped, d.State)

	// Delivery order after the blocker: the Critical message, then the
	// five Normals in enqueue order.
	handled := agent.Handled()
	require.Len(t, handled, 7)
	assert.Equal(t, criticalID, handled[1].ID, "critical preempts the queued normals")
	var normals []string
	for _, m := range handled[2:] {
		normals = append(normals, m.ID)
	}
	assert.Equal(t, queued, normals)

	dlq, err := r.api.DLQ(context.Background())
	require.NoError(t, err)
	assert.Empty(t, dlq, "a full drain leaves nothing behind")
}
