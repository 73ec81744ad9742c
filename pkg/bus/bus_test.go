package bus_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"mas/pkg/bus"
	"mas/pkg/capindex"
	"mas/pkg/config"
	"mas/pkg/proto"
	"mas/pkg/store"
	"mas/pkg/testkit"
)

func newBusForTest(t *testing.T, mutate func(*config.BusConfig), opts ...bus.Option) (*bus.Bus, *capindex.Index, *testkit.FakeClock) {
	t.Helper()
	cfg := config.Default().Bus
	if mutate != nil {
		mutate(&cfg)
	}
	clk := testkit.NewFakeClock(time.Time{})
	ix := capindex.New()
	b := bus.New(cfg, clk, proto.NewSeqSource(), ix, opts...)
	t.Cleanup(b.Close)
	return b, ix, clk
}

func mustNext(t *testing.T, sub *bus.Subscription) *proto.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	return msg
}

func TestCriticalPreemptsNormal(t *testing.T) {
	b, _, _ := newBusForTest(t, nil)
	b.RegisterInbox("agent-b", 0)

	var ids []string
	for i, prio := range []proto.Priority{
		proto.PriorityNormal, proto.PriorityNormal, proto.PriorityCritical, proto.PriorityNormal,
	} {
		msg := proto.NewMessage(proto.KindEvent, "agent-a", "agent-b")
		msg.Priority = prio
		msg.Payload = []byte(fmt.Sprintf("m%d", i))
		_, err := b.Send(context.Background(), msg)
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	sub, err := b.Subscribe("agent-b")
	require.NoError(t, err)

	// Critical first, then Normal in send order.
	assert.Equal(t, ids[2], mustNext(t, sub).ID)
	assert.Equal(t, ids[0], mustNext(t, sub).ID)
	assert.Equal(t, ids[1], mustNext(t, sub).ID)
	assert.Equal(t, ids[3], mustNext(t, sub).ID)
}

func TestCapabilityResolutionFreezesRecipient(t *testing.T) {
	b, ix, _ := newBusForTest(t, nil)
	b.RegisterInbox("agent-a", 0)
	ix.Transitioned("agent-a", []string{"build"}, proto.StateRunning)

	msg := proto.NewMessage(proto.KindCapabilityRequest, proto.ExternalSender, proto.CapabilityTarget("build"))
	r, err := b.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", r.To)
	assert.Equal(t, "agent-a", msg.To, "capability target resolved at enqueue")

	sub, err := b.Subscribe("agent-a")
	require.NoError(t, err)
	got := mustNext(t, sub)
	assert.Equal(t, "agent-a", got.To)
	tag, _ := got.GetMetadata("capability")
	assert.Equal(t, "build", tag)
}

func TestSendToUnknownCapability(t *testing.T) {
	b, _, _ := newBusForTest(t, nil)
	msg := proto.NewMessage(proto.KindCapabilityRequest, proto.ExternalSender, proto.CapabilityTarget("no-such"))
	_, err := b.Send(context.Background(), msg)
	assert.True(t, proto.IsKind(err, proto.ErrNoSuchRecipient))
}

func TestLeastLoadedPrefersShallowInbox(t *testing.T) {
	b, ix, _ := newBusForTest(t, nil)
	b.RegisterInbox("agent-a", 0)
	b.RegisterInbox("agent-b", 0)
	ix.Transitioned("agent-a", []string{"build"}, proto.StateRunning)
	ix.Transitioned("agent-b", []string{"build"}, proto.StateRunning)

	// Load agent-a with one direct message; least-loaded now favors b.
	_, err := b.Send(context.Background(), proto.NewMessage(proto.KindEvent, proto.ExternalSender, "agent-a"))
	require.NoError(t, err)

	msg := proto.NewMessage(proto.KindCapabilityRequest, proto.ExternalSender, proto.CapabilityTarget("build"))
	r, err := b.Send(context.Background(), msg, bus.WithPolicy(capindex.LeastLoaded()))
	require.NoError(t, err)
	assert.Equal(t, "agent-b", r.To)
}

func TestBackpressureTimeout(t *testing.T) {
	b, _, clk := newBusForTest(t, func(cfg *config.BusConfig) {
		cfg.EnqueueTimeout = config.Duration(500 * time.Millisecond)
	})
	b.RegisterInbox("agent-b", 1)

	_, err := b.Send(context.Background(), proto.NewMessage(proto.KindEvent, "agent-a", "agent-b"))
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := b.Send(context.Background(), proto.NewMessage(proto.KindEvent, "agent-a", "agent-b"))
		errs <- err
	}()

	require.True(t, clk.WaitForSleepers(1, 2*time.Second), "sender should be waiting on the timeout")
	clk.Advance(600 * time.Millisecond)

	select {
	case err := <-errs:
		assert.True(t, proto.IsKind(err, proto.ErrBackpressureTimeout), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return after timeout")
	}
	assert.Equal(t, 1, b.Depth("agent-b"), "rejected message never entered the inbox")
}

func TestRetryThenDeadLetterAtMaxAttempts(t *testing.T) {
	b, _, clk := newBusForTest(t, func(cfg *config.BusConfig) {
		cfg.MaxAttempts = 3
		cfg.RetryBase = config.Duration(100 * time.Millisecond)
		cfg.RetryMax = config.Duration(time.Second)
	})
	b.RegisterInbox("agent-b", 0)
	sub, err := b.Subscribe("agent-b")
	require.NoError(t, err)

	r, err := b.Send(context.Background(), proto.NewMessage(proto.KindEvent, "agent-a", "agent-b"))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		msg := mustNext(t, sub)
		assert.Equal(t, attempt, msg.Attempts)
		b.Ack(msg.ID, proto.RejectedTransient("busy"))
		if attempt < 3 {
			// Redelivery waits out backoff on the injected clock.
			require.True(t, clk.WaitForSleepers(1, 2*time.Second))
			clk.Advance(time.Second)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	status, reason, err := r.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, bus.StatusDeadLettered, status)
	assert.Equal(t, bus.ReasonMaxAttempts, reason)

	dlq := b.DLQ()
	require.Len(t, dlq, 1)
	assert.Equal(t, bus.ReasonMaxAttempts, dlq[0].Reason)
}

func TestRejectedPermanentSkipsRetry(t *testing.T) {
	b, _, _ := newBusForTest(t, nil)
	b.RegisterInbox("agent-b", 0)
	sub, err := b.Subscribe("agent-b")
	require.NoError(t, err)

	r, err := b.Send(context.Background(), proto.NewMessage(proto.KindEvent, "agent-a", "agent-b"))
	require.NoError(t, err)

	msg := mustNext(t, sub)
	b.Ack(msg.ID, proto.RejectedPermanent("malformed payload"))

	status, reason, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, bus.StatusDeadLettered, status)
	assert.Equal(t, "malformed payload", reason)
}

func TestDeferredRequeuesWithoutConsumingAttempt(t *testing.T) {
	b, _, _ := newBusForTest(t, nil)
	b.RegisterInbox("agent-b", 0)
	sub, err := b.Subscribe("agent-b")
	require.NoError(t, err)

	m1 := proto.NewMessage(proto.KindEvent, "agent-a", "agent-b")
	m2 := proto.NewMessage(proto.KindEvent, "agent-a", "agent-b")
	_, err = b.Send(context.Background(), m1)
	require.NoError(t, err)
	_, err = b.Send(context.Background(), m2)
	require.NoError(t, err)

	first := mustNext(t, sub)
	assert.Equal(t, m1.ID, first.ID)
	b.Ack(first.ID, proto.Deferred())

	// m2 goes ahead of the deferred m1.
	assert.Equal(t, m2.ID, mustNext(t, sub).ID)
	again := mustNext(t, sub)
	assert.Equal(t, m1.ID, again.ID)
	assert.Equal(t, 1, again.Attempts, "deferral does not consume an attempt")
}

func TestExpiredMessageDeadLettersAtDequeue(t *testing.T) {
	b, _, clk := newBusForTest(t, nil)
	b.RegisterInbox("agent-b", 0)
	sub, err := b.Subscribe("agent-b")
	require.NoError(t, err)

	msg := proto.NewMessage(proto.KindEvent, "agent-a", "agent-b")
	msg.DeadlineAt = clk.Now().Add(200 * time.Millisecond)
	r, err := b.Send(context.Background(), msg)
	require.NoError(t, err)

	clk.Advance(300 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "expired message is skipped, not delivered")

	status, reason := r.Status()
	assert.Equal(t, bus.StatusDeadLettered, status)
	assert.Equal(t, bus.ReasonDeadline, reason)
	require.Len(t, b.DLQ(), 1)
}

func TestAckIsIdempotent(t *testing.T) {
	b, _, _ := newBusForTest(t, nil)
	b.RegisterInbox("agent-b", 0)
	sub, err := b.Subscribe("agent-b")
	require.NoError(t, err)

	r, err := b.Send(context.Background(), proto.NewMessage(proto.KindEvent, "agent-a", "agent-b"))
	require.NoError(t, err)

	msg := mustNext(t, sub)
	b.Ack(msg.ID, proto.Handled())
	b.Ack(msg.ID, proto.RejectedPermanent("late second ack"))

	status, _ := r.Status()
	assert.Equal(t, bus.StatusHandled, status)
	assert.Empty(t, b.DLQ())
}

func TestFireAndForgetResolvesAtAccept(t *testing.T) {
	b, _, _ := newBusForTest(t, nil)
	b.RegisterInbox("agent-b", 0)

	msg := proto.NewMessage(proto.KindEvent, "agent-a", "agent-b")
	msg.AckPolicy = proto.AckFireAndForget
	r, err := b.Send(context.Background(), msg)
	require.NoError(t, err)

	status, _ := r.Status()
	assert.Equal(t, bus.StatusAccepted, status)
}

func TestBroadcastFansOutWithFreshIDs(t *testing.T) {
	b, ix, _ := newBusForTest(t, nil)
	for _, id := range []string{"agent-a", "agent-b", "agent-c"} {
		b.RegisterInbox(id, 0)
		ix.Transitioned(id, nil, proto.StateRunning)
	}

	msg := proto.NewMessage(proto.KindStatusUpdate, "agent-a", proto.Broadcast)
	r, err := b.Send(context.Background(), msg)
	require.NoError(t, err)
	status, _ := r.Status()
	assert.Equal(t, bus.StatusAccepted, status)

	assert.Equal(t, 0, b.Depth("agent-a"), "sender excluded from fan-out")

	var got []*proto.Message
	for _, id := range []string{"agent-b", "agent-c"} {
		sub, err := b.Subscribe(id)
		require.NoError(t, err)
		got = append(got, mustNext(t, sub))
	}
	assert.NotEqual(t, got[0].ID, got[1].ID, "each clone gets a fresh id")
	assert.Equal(t, got[0].CorrelationID, got[1].CorrelationID, "correlation id is shared")
	assert.Equal(t, msg.CorrelationID, got[0].CorrelationID)
}

func TestStoppingGateAndDrain(t *testing.T) {
	b, _, _ := newBusForTest(t, nil)
	b.RegisterInbox("agent-b", 0)

	_, err := b.Send(context.Background(), proto.NewMessage(proto.KindEvent, "agent-a", "agent-b"))
	require.NoError(t, err)

	b.MarkStopping("agent-b")
	_, err = b.Send(context.Background(), proto.NewMessage(proto.KindEvent, "agent-a", "agent-b"))
	assert.True(t, proto.IsKind(err, proto.ErrNoSuchRecipient), "stopping agents refuse sends")

	n := b.DrainRemaining("agent-b", bus.ReasonUndrained)
	assert.Equal(t, 1, n)
	dlq := b.DLQ()
	require.Len(t, dlq, 1)
	assert.Equal(t, bus.ReasonUndrained, dlq[0].Reason)

	// A fresh inbox accepts again.
	b.RegisterInbox("agent-b", 0)
	_, err = b.Send(context.Background(), proto.NewMessage(proto.KindEvent, "agent-a", "agent-b"))
	assert.NoError(t, err)
}

func TestRehydratePreservesOrder(t *testing.T) {
	b, _, _ := newBusForTest(t, nil)
	b.RegisterInbox("agent-b", 0)

	var msgs []*proto.Message
	for i := 0; i < 3; i++ {
		m := proto.NewMessage(proto.KindEvent, "agent-a", "agent-b")
		m.ID = fmt.Sprintf("msg-%d", i)
		m.CorrelationID = "corr-warm"
		msgs = append(msgs, m)
	}
	assert.Equal(t, 3, b.Rehydrate("agent-b", msgs))

	sub, err := b.Subscribe("agent-b")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), mustNext(t, sub).ID)
	}
}

func TestEnsureInboxKeepsQueuedMessages(t *testing.T) {
	b, _, _ := newBusForTest(t, nil)
	b.RegisterInbox("agent-b", 0)

	var msgs []*proto.Message
	for i := 0; i < 2; i++ {
		m := proto.NewMessage(proto.KindEvent, "agent-a", "agent-b")
		m.ID = fmt.Sprintf("warm-%d", i)
		msgs = append(msgs, m)
	}
	require.Equal(t, 2, b.Rehydrate("agent-b", msgs))

	// The start path reopens the inbox; rehydrated messages survive.
	b.EnsureInbox("agent-b", 0)
	require.Equal(t, 2, b.Depth("agent-b"))

	sub, err := b.Subscribe("agent-b")
	require.NoError(t, err)
	assert.Equal(t, "warm-0", mustNext(t, sub).ID)
	assert.Equal(t, "warm-1", mustNext(t, sub).ID)
	assert.Empty(t, b.DLQ())
}

func TestEnsureInboxClearsStoppingGate(t *testing.T) {
	b, _, _ := newBusForTest(t, nil)
	b.RegisterInbox("agent-b", 0)
	b.MarkStopping("agent-b")
	_, err := b.Send(context.Background(), proto.NewMessage(proto.KindEvent, "agent-a", "agent-b"))
	require.True(t, proto.IsKind(err, proto.ErrNoSuchRecipient))

	b.EnsureInbox("agent-b", 0)
	_, err = b.Send(context.Background(), proto.NewMessage(proto.KindEvent, "agent-a", "agent-b"))
	assert.NoError(t, err)
}

func TestDurableQueueWriteThrough(t *testing.T) {
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "mas.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	b, _, _ := newBusForTest(t, nil, bus.WithDurableQueue(s))
	b.RegisterInbox("agent-b", 0)
	sub, err := b.Subscribe("agent-b")
	require.NoError(t, err)

	_, err = b.Send(context.Background(), proto.NewMessage(proto.KindEvent, "agent-a", "agent-b"))
	require.NoError(t, err)
	persisted, err := s.Load(context.Background(), "agent-b")
	require.NoError(t, err)
	require.Len(t, persisted, 1)

	msg := mustNext(t, sub)
	b.Ack(msg.ID, proto.Handled())
	persisted, err = s.Load(context.Background(), "agent-b")
	require.NoError(t, err)
	assert.Empty(t, persisted, "handled messages leave the durable queue")
}

func TestInboxOrderingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		b, _, _ := newBusForTest(t, func(cfg *config.BusConfig) {
			cfg.InboxCapacity = 128
		})
		b.RegisterInbox("agent-b", 0)

		n := rapid.IntRange(1, 40).Draw(rt, "n")
		var critical, normal []string
		for i := 0; i < n; i++ {
			msg := proto.NewMessage(proto.KindEvent, "agent-a", "agent-b")
			if rapid.Bool().Draw(rt, "critical") {
				msg.Priority = proto.PriorityCritical
			}
			_, err := b.Send(context.Background(), msg)
			if err != nil {
				rt.Fatalf("send: %v", err)
			}
			if msg.Priority == proto.PriorityCritical {
				critical = append(critical, msg.ID)
			} else {
				normal = append(normal, msg.ID)
			}
		}

		sub, err := b.Subscribe("agent-b")
		if err != nil {
			rt.Fatalf("subscribe: %v", err)
		}
		want := append(append([]string(nil), critical...), normal...)
		for _, wantID := range want {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			msg, err := sub.Next(ctx)
			cancel()
			if err != nil {
				rt.Fatalf("next: %v", err)
			}
			if msg.ID != wantID {
				rt.Fatalf("dequeue order: got %s, want %s", msg.ID, wantID)
			}
			b.Ack(msg.ID, proto.Handled())
		}
		b.Close()
	})
}
