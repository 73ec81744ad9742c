// Package control defines the typed contract between the runtime and
// its operator surfaces. The kernel implements API; httpapi and masctl
// consume it. Every error crossing this boundary is a *proto.Error.
package control

import (
	"context"

	"mas/pkg/audit"
	"mas/pkg/bus"
	"mas/pkg/eventlog"
	"mas/pkg/metrics"
	"mas/pkg/proto"
	"mas/pkg/registry"
)

// SendRequest carries an operator-originated message plus an optional
// capability resolve policy override ("any", "least_loaded",
// "round_robin", "preferred:<id>"). Empty policy uses the bus default.
type SendRequest struct {
	Message *proto.Message `json:"message"`
	Policy  string         `json:"policy,omitempty"`
}

// SendResult reports where a message landed and its receipt status at
// return time. FireAndForget sends resolve immediately; AtLeastOnce
// sends report the resolved recipient with a Pending status.
type SendResult struct {
	MessageID     string     `json:"message_id"`
	CorrelationID string     `json:"correlation_id"`
	To            string     `json:"to"`
	Status        bus.Status `json:"status"`
	Reason        string     `json:"reason,omitempty"`
}

// API is the control surface. Lifecycle commands are synchronous up to
// their configured deadlines; progress of a slow Stop or Restart can be
// observed by polling Get.
type API interface {
	// Register creates a descriptor (and a hosted agent instance) in
	// Registered state.
	Register(ctx context.Context, spec registry.RegisterSpec) (registry.Descriptor, error)
	// Deregister stops the agent if needed and removes its descriptor.
	Deregister(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (registry.Descriptor, error)
	List(ctx context.Context, filter registry.ListFilter) ([]registry.Descriptor, error)

	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error

	Send(ctx context.Context, req SendRequest) (SendResult, error)

	MetricsSnapshot(ctx context.Context) (metrics.Snapshot, error)
	AuditQuery(ctx context.Context, filter audit.Filter) ([]audit.ActionRecord, error)
	DLQ(ctx context.Context) ([]bus.DeadLetter, error)
	// Messages returns the newest journal entries, up to limit. An
	// empty slice means the journal is disabled or empty.
	Messages(ctx context.Context, limit int) ([]eventlog.Entry, error)
}
