// Package alerts carries operator-facing notifications out of the
// runtime: supervisor restart storms, dead agents, audit anomalies.
package alerts

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"mas/pkg/config"
	"mas/pkg/logx"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Sink receives alerts. Implementations must not block the caller.
type Sink interface {
	Emit(severity Severity, category, message, correlationID string)
}

// LogSink writes alerts to the component log.
type LogSink struct {
	logger *logx.Logger
}

// NewLogSink returns the default sink.
func NewLogSink() *LogSink {
	return &LogSink{logger: logx.NewLogger("alerts")}
}

// Emit logs one alert at a level matching its severity.
func (s *LogSink) Emit(severity Severity, category, message, correlationID string) {
	switch severity {
	case SeverityCritical:
		s.logger.Error("[%s] %s (correlation=%s)", category, message, correlationID)
	case SeverityWarning:
		s.logger.Warn("[%s] %s (correlation=%s)", category, message, correlationID)
	default:
		s.logger.Info("[%s] %s (correlation=%s)", category, message, correlationID)
	}
}

// Throttled rate-limits a sink with a token bucket so an alert storm
// collapses to its configured rate. Suppressed alerts are counted, not
// logged.
type Throttled struct {
	next       Sink
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewThrottled wraps next with cfg.RatePerMinute as both refill rate
// and burst.
func NewThrottled(next Sink, cfg config.AlertsConfig) *Throttled {
	perMinute := cfg.RatePerMinute
	if perMinute < 1 {
		perMinute = 1
	}
	return &Throttled{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}
}

// Emit forwards when a token is available; otherwise the alert is
// counted as suppressed.
func (t *Throttled) Emit(severity Severity, category, message, correlationID string) {
	if !t.limiter.Allow() {
		t.suppressed.Add(1)
		return
	}
	t.next.Emit(severity, category, message, correlationID)
}

// Suppressed reports how many alerts the throttle has swallowed.
func (t *Throttled) Suppressed() int64 {
	return t.suppressed.Load()
}

// Nop discards all alerts; for tests.
type Nop struct{}

func (Nop) Emit(Severity, string, string, string) {}

// Recording collects alerts in memory; for tests.
type Recording struct {
	mu     sync.Mutex
	alerts []Recorded
}

// Recorded is one captured alert.
type Recorded struct {
	Severity      Severity
	Category      string
	Message       string
	CorrelationID string
}

// NewRecording returns an empty recording sink.
func NewRecording() *Recording {
	return &Recording{}
}

// Emit captures the alert.
func (r *Recording) Emit(severity Severity, category, message, correlationID string) {
	r.mu.Lock()
	r.alerts = append(r.alerts, Recorded{severity, category, message, correlationID})
	r.mu.Unlock()
}

// All returns a copy of every captured alert.
func (r *Recording) All() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.alerts...)
}
