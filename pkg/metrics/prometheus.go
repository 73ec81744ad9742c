// Package metrics provides Prometheus-based metrics recording.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mas/pkg/proto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus
// metrics registered on the given registerer.
type PrometheusRecorder struct {
	agentsTotal       *prometheus.GaugeVec
	sentTotal         *prometheus.CounterVec
	ackedTotal        *prometheus.CounterVec
	deadLetteredTotal *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	inboxDepth        *prometheus.GaugeVec
	restartsTotal     *prometheus.CounterVec
}

// NewPrometheusRecorder creates a Prometheus-based metrics recorder.
// Pass prometheus.DefaultRegisterer in the daemon and a fresh
// prometheus.NewRegistry in tests.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		agentsTotal: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agents_total",
				Help: "Number of registered agents by lifecycle state",
			},
			[]string{"state"},
		),
		sentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messages_sent_total",
				Help: "Total number of messages accepted by the bus",
			},
			[]string{"kind", "priority"},
		),
		ackedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messages_acked_total",
				Help: "Total number of delivery acknowledgements by outcome",
			},
			[]string{"outcome"},
		),
		deadLetteredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messages_dead_lettered_total",
				Help: "Total number of messages moved to the dead letter queue",
			},
			[]string{"reason"},
		),
		handlerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "handler_duration_seconds",
				Help:    "Duration of agent handler invocations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent"},
		),
		inboxDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "inbox_depth",
				Help: "Sampled inbox depth per agent",
			},
			[]string{"agent"},
		),
		restartsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "restarts_total",
				Help: "Total number of supervisor restarts per agent",
			},
			[]string{"agent"},
		),
	}
}

// SetAgentsInState sets the per-state agent gauge.
func (p *PrometheusRecorder) SetAgentsInState(state proto.State, count int) {
	p.agentsTotal.WithLabelValues(string(state)).Set(float64(count))
}

// IncSent counts an accepted send.
func (p *PrometheusRecorder) IncSent(kind proto.MsgKind, priority proto.Priority) {
	p.sentTotal.WithLabelValues(string(kind), string(priority)).Inc()
}

// IncAcked counts an acknowledgement outcome.
func (p *PrometheusRecorder) IncAcked(outcome string) {
	p.ackedTotal.WithLabelValues(outcome).Inc()
}

// IncDeadLettered counts a dead-lettered message.
func (p *PrometheusRecorder) IncDeadLettered(reason string) {
	p.deadLetteredTotal.WithLabelValues(reason).Inc()
}

// ObserveHandler records one handler invocation.
func (p *PrometheusRecorder) ObserveHandler(agentID string, duration time.Duration) {
	p.handlerDuration.WithLabelValues(agentID).Observe(duration.Seconds())
}

// SetInboxDepth records the sampled inbox depth.
func (p *PrometheusRecorder) SetInboxDepth(agentID string, depth int) {
	p.inboxDepth.WithLabelValues(agentID).Set(float64(depth))
}

// IncRestart counts a restart.
func (p *PrometheusRecorder) IncRestart(agentID string) {
	p.restartsTotal.WithLabelValues(agentID).Inc()
}

// DropAgent removes the per-agent series.
func (p *PrometheusRecorder) DropAgent(agentID string) {
	p.handlerDuration.DeleteLabelValues(agentID)
	p.inboxDepth.DeleteLabelValues(agentID)
	p.restartsTotal.DeleteLabelValues(agentID)
}
