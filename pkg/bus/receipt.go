package bus

import (
	"context"
	"sync"
)

// Status is the delivery state a receipt reports.
type Status string

const (
	// StatusPending means the message sits in an inbox or a retry wait.
	StatusPending Status = "PENDING"
	// StatusAccepted is the terminal status for fire-and-forget and
	// broadcast sends: the bus took the message, tracking ends there.
	StatusAccepted Status = "ACCEPTED"
	// StatusHandled means the consumer acked Handled.
	StatusHandled Status = "HANDLED"
	// StatusDeadLettered means the message ended in the DLQ.
	StatusDeadLettered Status = "DEAD_LETTERED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Receipt tracks one send to its terminal status. At-least-once sends
// resolve at Handled or DeadLettered; fire-and-forget and broadcast
// resolve at accept.
type Receipt struct {
	MessageID     string
	CorrelationID string
	// To is the concrete recipient after resolution, or
	// proto.Broadcast for fan-out sends.
	To string

	mu     sync.Mutex
	status Status
	reason string
	done   chan struct{}
}

func newReceipt(messageID, correlationID, to string) *Receipt {
	return &Receipt{
		MessageID:     messageID,
		CorrelationID: correlationID,
		To:            to,
		status:        StatusPending,
		done:          make(chan struct{}),
	}
}

// Status returns the current status and, for dead letters, the reason.
func (r *Receipt) Status() (Status, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.reason
}

// Done is closed when the receipt reaches a terminal status.
func (r *Receipt) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the receipt is terminal or ctx is done.
func (r *Receipt) Wait(ctx context.Context) (Status, string, error) {
	select {
	case <-r.done:
		s, reason := r.Status()
		return s, reason, nil
	case <-ctx.Done():
		s, reason := r.Status()
		return s, reason, ctx.Err()
	}
}

// resolve moves the receipt to a terminal status once; later calls are
// no-ops, which is what makes Ack idempotent from the caller's view.
func (r *Receipt) resolve(status Status, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	r.status = status
	r.reason = reason
	close(r.done)
}
