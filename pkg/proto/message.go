// Package proto defines the message vocabulary shared by every runtime
// component: message kinds, priorities, ack outcomes, agent lifecycle
// states, control-boundary errors, and id minting.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MsgKind tags the variant of a Message. The set is closed; payload
// semantics within a kind are opaque to the runtime.
type MsgKind string

const (
	// KindCapabilityRequest asks an agent holding a capability to do work.
	KindCapabilityRequest MsgKind = "CAPABILITY_REQUEST"
	// KindCapabilityResponse answers a CapabilityRequest.
	KindCapabilityResponse MsgKind = "CAPABILITY_RESPONSE"
	// KindStatusUpdate carries lifecycle and health announcements.
	KindStatusUpdate MsgKind = "STATUS_UPDATE"
	// KindEvent is a fire-and-forget domain event.
	KindEvent MsgKind = "EVENT"
	// KindError reports a failure back along a correlation chain.
	KindError MsgKind = "ERROR"
	// KindControl carries operator commands; always audited.
	KindControl MsgKind = "CONTROL"
)

// Priority orders delivery within an inbox. Critical messages are
// dequeued before any Normal message; within a class order is FIFO.
type Priority string

const (
	PriorityNormal   Priority = "NORMAL"
	PriorityCritical Priority = "CRITICAL"
)

// AckPolicy selects the delivery contract for a message.
type AckPolicy string

const (
	// AckAtLeastOnce retries per bus policy until a terminal outcome.
	AckAtLeastOnce AckPolicy = "AT_LEAST_ONCE"
	// AckFireAndForget is accepted-and-done; no terminal tracking.
	AckFireAndForget AckPolicy = "FIRE_AND_FORGET"
)

// Addressing sentinels. To may be a concrete agent id, a capability
// target ("cap:<tag>"), or Broadcast. From may be an agent id or
// ExternalSender for messages injected through the control surface.
const (
	ExternalSender   = "external"
	Broadcast        = "broadcast"
	capTargetPrefix  = "cap:"
	ContentTypeJSON  = "application/json"
	ContentTypeText  = "text/plain"
	ContentTypeBytes = "application/octet-stream"
)

// CapabilityTarget builds a To value addressing any holder of tag.
func CapabilityTarget(tag string) string {
	return capTargetPrefix + tag
}

// ParseCapabilityTarget reports whether to addresses a capability and,
// if so, returns the bare tag.
func ParseCapabilityTarget(to string) (string, bool) {
	if strings.HasPrefix(to, capTargetPrefix) {
		return strings.TrimPrefix(to, capTargetPrefix), true
	}
	return "", false
}

// Message is the unit transferred by the bus.
//
// Invariants maintained by the bus: a capability To is resolved to a
// concrete agent id at enqueue time and frozen afterwards; Attempts is
// monotone non-decreasing; DeadlineAt is never before EnqueuedAt.
type Message struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlation_id"`
	From          string            `json:"from"`
	To            string            `json:"to"`
	Kind          MsgKind           `json:"kind"`
	Payload       []byte            `json:"payload,omitempty"`
	ContentType   string            `json:"content_type,omitempty"`
	Priority      Priority          `json:"priority"`
	AckPolicy     AckPolicy         `json:"ack_policy"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
	DeadlineAt    time.Time         `json:"deadline_at,omitempty"`
	Attempts      int               `json:"attempts,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewMessage builds a message with defaults (Normal priority,
// AtLeastOnce). ID, CorrelationID and EnqueuedAt are stamped by the bus
// at send time so that id minting stays injectable.
func NewMessage(kind MsgKind, from, to string) *Message {
	return &Message{
		Kind:      kind,
		From:      from,
		To:        to,
		Priority:  PriorityNormal,
		AckPolicy: AckAtLeastOnce,
	}
}

// Reply builds a response to msg: recipient is the original sender, the
// correlation id carries over. The bus stamps the new message id.
func Reply(msg *Message, kind MsgKind) *Message {
	r := NewMessage(kind, msg.To, msg.From)
	r.CorrelationID = msg.CorrelationID
	r.Priority = msg.Priority
	return r
}

// WithPayload sets the payload and content type, returning msg for
// chaining at construction sites.
func (m *Message) WithPayload(contentType string, payload []byte) *Message {
	m.ContentType = contentType
	m.Payload = payload
	return m
}

// WithJSONPayload marshals v as the payload.
func (m *Message) WithJSONPayload(v any) (*Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return m.WithPayload(ContentTypeJSON, data), nil
}

// SetMetadata records an annotation on the message.
func (m *Message) SetMetadata(key, value string) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[key] = value
}

// GetMetadata returns an annotation if present.
func (m *Message) GetMetadata(key string) (string, bool) {
	if m.Metadata == nil {
		return "", false
	}
	v, ok := m.Metadata[key]
	return v, ok
}

// Clone returns a deep copy. The bus clones per recipient on broadcast
// fan-out and before handing messages to handlers.
func (m *Message) Clone() *Message {
	c := *m
	if m.Payload != nil {
		c.Payload = make([]byte, len(m.Payload))
		copy(c.Payload, m.Payload)
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Validate checks structural requirements before a message enters the
// bus. Fields stamped at send time (id, enqueued_at) are not required
// here.
func (m *Message) Validate() error {
	if m.From == "" {
		return fmt.Errorf("message from is required")
	}
	if m.To == "" {
		return fmt.Errorf("message to is required")
	}
	if _, ok := ValidateMsgKind(string(m.Kind)); !ok {
		return fmt.Errorf("invalid message kind: %q", m.Kind)
	}
	if _, ok := ValidatePriority(string(m.Priority)); !ok {
		return fmt.Errorf("invalid priority: %q", m.Priority)
	}
	if _, ok := ValidateAckPolicy(string(m.AckPolicy)); !ok {
		return fmt.Errorf("invalid ack policy: %q", m.AckPolicy)
	}
	if !m.DeadlineAt.IsZero() && !m.EnqueuedAt.IsZero() && m.DeadlineAt.Before(m.EnqueuedAt) {
		return fmt.Errorf("deadline_at precedes enqueued_at")
	}
	return nil
}

// Expired reports whether the message deadline has passed at now. A
// zero DeadlineAt never expires.
func (m *Message) Expired(now time.Time) bool {
	return !m.DeadlineAt.IsZero() && now.After(m.DeadlineAt)
}

// ToJSON serializes the message for journals and durable queues.
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// MessageFromJSON deserializes a message produced by ToJSON.
func MessageFromJSON(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &m, nil
}

// ValidateMsgKind reports whether s names a known message kind.
func ValidateMsgKind(s string) (MsgKind, bool) {
	switch MsgKind(s) {
	case KindCapabilityRequest, KindCapabilityResponse, KindStatusUpdate,
		KindEvent, KindError, KindControl:
		return MsgKind(s), true
	default:
		return "", false
	}
}

// ParseMsgKind parses s into a MsgKind, accepting any case.
func ParseMsgKind(s string) (MsgKind, error) {
	if k, ok := ValidateMsgKind(strings.ToUpper(s)); ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown message kind: %s", s)
}

func (k MsgKind) String() string {
	return string(k)
}

// ValidatePriority reports whether s names a known priority.
func ValidatePriority(s string) (Priority, bool) {
	switch Priority(s) {
	case PriorityNormal, PriorityCritical:
		return Priority(s), true
	default:
		return "", false
	}
}

// ParsePriority parses s into a Priority, accepting any case.
func ParsePriority(s string) (Priority, error) {
	if p, ok := ValidatePriority(strings.ToUpper(s)); ok {
		return p, nil
	}
	return "", fmt.Errorf("unknown priority: %s", s)
}

func (p Priority) String() string {
	return string(p)
}

// ValidateAckPolicy reports whether s names a known ack policy.
func ValidateAckPolicy(s string) (AckPolicy, bool) {
	switch AckPolicy(s) {
	case AckAtLeastOnce, AckFireAndForget:
		return AckPolicy(s), true
	default:
		return "", false
	}
}

// ParseAckPolicy parses s into an AckPolicy, accepting any case.
func ParseAckPolicy(s string) (AckPolicy, error) {
	if p, ok := ValidateAckPolicy(strings.ToUpper(s)); ok {
		return p, nil
	}
	return "", fmt.Errorf("unknown ack policy: %s", s)
}

func (p AckPolicy) String() string {
	return string(p)
}

// AckKind is the terminal disposition a consumer reports for a message.
type AckKind string

const (
	AckHandled  AckKind = "HANDLED"
	AckRejected AckKind = "REJECTED"
	AckDeferred AckKind = "DEFERRED"
)

// AckOutcome is the consumer's verdict on one delivery. Rejected
// outcomes carry a reason and whether retrying is pointless.
type AckOutcome struct {
	Kind      AckKind `json:"kind"`
	Reason    string  `json:"reason,omitempty"`
	Permanent bool    `json:"permanent,omitempty"`
}

// Handled acknowledges successful processing.
func Handled() AckOutcome {
	return AckOutcome{Kind: AckHandled}
}

// RejectedTransient asks the bus to retry per its backoff policy.
func RejectedTransient(reason string) AckOutcome {
	return AckOutcome{Kind: AckRejected, Reason: reason}
}

// RejectedPermanent routes the message straight to the dead-letter
// queue.
func RejectedPermanent(reason string) AckOutcome {
	return AckOutcome{Kind: AckRejected, Reason: reason, Permanent: true}
}

// Deferred re-enqueues the message at the back of its priority class
// without counting an attempt.
func Deferred() AckOutcome {
	return AckOutcome{Kind: AckDeferred}
}

func (o AckOutcome) String() string {
	if o.Kind == AckRejected {
		mode := "transient"
		if o.Permanent {
			mode = "permanent"
		}
		return fmt.Sprintf("%s(%s: %s)", o.Kind, mode, o.Reason)
	}
	return string(o.Kind)
}
