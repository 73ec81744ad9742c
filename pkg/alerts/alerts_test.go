package alerts

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mas/pkg/config"
)

func TestThrottledSuppressesBeyondBurst(t *testing.T) {
	rec := NewRecording()
	th := NewThrottled(rec, config.AlertsConfig{RatePerMinute: 5})

	for i := 0; i < 20; i++ {
		th.Emit(SeverityWarning, "restart", "agent agent-1 restarting", "corr-1")
	}

	// Burst admits the configured per-minute count; the rest are
	// swallowed and counted.
	assert.Len(t, rec.All(), 5)
	assert.Equal(t, int64(15), th.Suppressed())
}

func TestThrottledForwardsFields(t *testing.T) {
	rec := NewRecording()
	th := NewThrottled(rec, config.AlertsConfig{RatePerMinute: 60})

	th.Emit(SeverityCritical, "dead", "agent agent-1 is dead", "corr-9")

	all := rec.All()
	assert.Len(t, all, 1)
	assert.Equal(t, SeverityCritical, all[0].Severity)
	assert.Equal(t, "dead", all[0].Category)
	assert.Equal(t, "corr-9", all[0].CorrelationID)
}
