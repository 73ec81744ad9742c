package capindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"mas/pkg/proto"
)

func running(ix *Index, id string, caps ...string) {
	ix.Transitioned(id, caps, proto.StateRunning)
}

func TestCandidatesOnlyRoutableStates(t *testing.T) {
	ix := New()
	running(ix, "agent-a", "pay")
	ix.Transitioned("agent-b", []string{"pay"}, proto.StateIdle)
	ix.Transitioned("agent-c", []string{"pay"}, proto.StateDegraded)
	ix.Transitioned("agent-d", []string{"pay"}, proto.StateStopping)
	ix.Transitioned("agent-e", []string{"pay"}, proto.StateRegistered)

	assert.Equal(t, []string{"agent-a", "agent-b", "agent-c"}, ix.Candidates("pay"))
}

func TestTransitionOutRemovesEntries(t *testing.T) {
	ix := New()
	running(ix, "agent-a", "pay", "audit")
	require.Len(t, ix.Candidates("pay"), 1)

	ix.Transitioned("agent-a", []string{"pay", "audit"}, proto.StateFailing)
	assert.Empty(t, ix.Candidates("pay"))
	assert.Empty(t, ix.Candidates("audit"))
	assert.Empty(t, ix.Routable())
}

func TestRemovedDropsAgent(t *testing.T) {
	ix := New()
	running(ix, "agent-a", "pay")
	ix.Removed("agent-a")
	assert.Empty(t, ix.Candidates("pay"))
}

func TestResolveNoCandidates(t *testing.T) {
	ix := New()
	_, err := ix.Resolve("pay", Any())
	require.Error(t, err)
	assert.Equal(t, proto.ErrNoSuchRecipient, proto.KindOf(err))
}

func TestResolveAnyIsDeterministic(t *testing.T) {
	ix := New()
	running(ix, "agent-b", "pay")
	running(ix, "agent-a", "pay")

	for i := 0; i < 3; i++ {
		id, err := ix.Resolve("pay", Any())
		require.NoError(t, err)
		assert.Equal(t, "agent-a", id)
	}
}

func TestResolveRoundRobinRotates(t *testing.T) {
	ix := New()
	running(ix, "agent-a", "pay")
	running(ix, "agent-b", "pay")

	var got []string
	for i := 0; i < 4; i++ {
		id, err := ix.Resolve("pay", RoundRobin())
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, []string{"agent-a", "agent-b", "agent-a", "agent-b"}, got)
}

func TestResolveLeastLoadedTieBreaksByID(t *testing.T) {
	ix := New()
	running(ix, "agent-a", "pay")
	running(ix, "agent-b", "pay")

	depths := map[string]int{"agent-a": 3, "agent-b": 3}
	ix.SetDepthFunc(func(id string) int { return depths[id] })

	id, err := ix.Resolve("pay", LeastLoaded())
	require.NoError(t, err)
	assert.Equal(t, "agent-a", id, "equal depth falls back to lexicographic order")

	depths["agent-a"] = 4
	id, err = ix.Resolve("pay", LeastLoaded())
	require.NoError(t, err)
	assert.Equal(t, "agent-b", id)
}

func TestResolvePreferred(t *testing.T) {
	ix := New()
	running(ix, "agent-a", "pay")
	ix.Transitioned("agent-b", []string{"pay"}, proto.StateIdle)
	ix.SetDepthFunc(func(id string) int {
		if id == "agent-b" {
			return 9
		}
		return 0
	})

	id, err := ix.Resolve("pay", Preferred("agent-b"))
	require.NoError(t, err)
	assert.Equal(t, "agent-b", id, "preferred wins despite load when Running/Idle")

	// Degraded preferred agents fall back to least-loaded.
	ix.Transitioned("agent-b", []string{"pay"}, proto.StateDegraded)
	id, err = ix.Resolve("pay", Preferred("agent-b"))
	require.NoError(t, err)
	assert.Equal(t, "agent-a", id)

	// A preferred agent without the capability falls back too.
	running(ix, "agent-c", "audit")
	id, err = ix.Resolve("pay", Preferred("agent-c"))
	require.NoError(t, err)
	assert.Equal(t, "agent-a", id)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("round_robin")
	require.NoError(t, err)
	assert.Equal(t, PolicyRoundRobin, p.Kind)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyLeastLoaded, p.Kind)

	p, err = ParsePolicy("preferred:agent-42")
	require.NoError(t, err)
	assert.Equal(t, PolicyPreferred, p.Kind)
	assert.Equal(t, "agent-42", p.Preferred)

	_, err = ParsePolicy("sticky")
	require.Error(t, err)
}

// The index must always agree with the last transition applied per
// agent: indexed iff routable, under every interleaving.
func TestIndexConsistencyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ix := New()
		agents := []string{"agent-a", "agent-b", "agent-c"}
		tags := []string{"pay", "audit", "report"}
		last := map[string]proto.State{}

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.SampledFrom(agents).Draw(t, "agent")
			if rapid.Bool().Draw(t, "remove") {
				ix.Removed(id)
				delete(last, id)
				continue
			}
			state := rapid.SampledFrom(proto.AllStates()).Draw(t, "state")
			ix.Transitioned(id, tags, state)
			if state.Routable() {
				last[id] = state
			} else {
				delete(last, id)
			}
		}

		for _, tag := range tags {
			got := ix.Candidates(tag)
			var want []string
			for _, id := range agents {
				if _, ok := last[id]; ok {
					want = append(want, id)
				}
			}
			assert.Equal(t, want, got, "capability %s", tag)
		}
	})
}
