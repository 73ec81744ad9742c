// Package audit keeps the append-only record of consequential actions:
// lifecycle commands, destructive handler work, dead-lettered traffic.
// All writes funnel through one writer goroutine behind a bounded
// channel; when the channel fills, callers block rather than lose a
// record.
package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"mas/pkg/clock"
	"mas/pkg/config"
	"mas/pkg/logx"
	"mas/pkg/proto"
	"mas/pkg/store"
)

// Category classifies an action.
type Category string

const (
	CategoryToolCall      Category = "TOOL_CALL"
	CategoryExternalRead  Category = "EXTERNAL_READ"
	CategoryExternalWrite Category = "EXTERNAL_WRITE"
	CategoryStateChange   Category = "STATE_CHANGE"
	CategoryDestructive   Category = "DESTRUCTIVE"
	CategoryControl       Category = "CONTROL"
)

// Status is the action's disposition.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusDenied    Status = "DENIED_BY_POLICY"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDenied
}

// ActionRecord is one audited action. Inputs and outputs are stored
// redacted; the raw values never reach the log.
type ActionRecord struct {
	ActionID      string            `json:"action_id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Actor         string            `json:"actor"`
	Kind          Category          `json:"kind"`
	Inputs        map[string]string `json:"inputs,omitempty"`
	Outputs       map[string]string `json:"outputs,omitempty"`
	Status        Status            `json:"status"`
	StartedAt     time.Time         `json:"started_at"`
	EndedAt       time.Time         `json:"ended_at,omitempty"`
}

// Filter narrows Query results. Zero value matches everything.
type Filter struct {
	Actor         string    `json:"actor,omitempty"`
	Kind          Category  `json:"kind,omitempty"`
	Status        Status    `json:"status,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Since         time.Time `json:"since,omitempty"`
	Until         time.Time `json:"until,omitempty"`
	Limit         int       `json:"limit,omitempty"`
}

func (f *Filter) matches(r *ActionRecord) bool {
	if f.Actor != "" && r.Actor != f.Actor {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.CorrelationID != "" && r.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.Since.IsZero() && r.StartedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.StartedAt.After(f.Until) {
		return false
	}
	return true
}

type opKind int

const (
	opStart opKind = iota
	opUpdate
	opFlush
)

type op struct {
	kind    opKind
	record  *ActionRecord
	id      string
	status  Status
	outputs map[string]string
	flushed chan struct{}
}

// Log is the audit log.
type Log struct {
	logger *logx.Logger
	clock  clock.Clock
	ids    proto.IDSource
	cfg    config.AuditConfig

	redactSet map[string]struct{}
	redactKey []byte
	kv        store.KV // optional persistence

	ops  chan op
	done chan struct{}

	// Mutated only by the writer goroutine; mu covers readers. Query
	// additionally flushes the queue first so it reads its own writes.
	mu      sync.Mutex
	records []*ActionRecord
	byID    map[string]*ActionRecord
}

// Option configures the Log.
type Option func(*Log)

// WithStore persists terminal records to the KV under
// audit/<bucket>/<action_id>.
func WithStore(kv store.KV) Option {
	return func(l *Log) { l.kv = kv }
}

// NewLog creates the audit log and starts its writer goroutine.
func NewLog(cfg config.AuditConfig, clk clock.Clock, ids proto.IDSource, opts ...Option) *Log {
	l := &Log{
		logger:    logx.NewLogger("audit"),
		clock:     clk,
		ids:       ids,
		cfg:       cfg,
		redactSet: make(map[string]struct{}, len(cfg.RedactFields)),
		redactKey: deriveKey(cfg.RedactKey),
		ops:       make(chan op, cfg.QueueSize),
		done:      make(chan struct{}),
		byID:      make(map[string]*ActionRecord),
	}
	for _, f := range cfg.RedactFields {
		l.redactSet[f] = struct{}{}
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.writer()
	return l
}

// StartAction opens a Pending record and returns its id. Blocks when
// the writer queue is full.
func (l *Log) StartAction(actor string, kind Category, correlationID string, inputs map[string]string) string {
	r := &ActionRecord{
		ActionID:      l.ids.NewID(proto.PrefixAction),
		CorrelationID: correlationID,
		Actor:         actor,
		Kind:          kind,
		Inputs:        l.redact(inputs),
		Status:        StatusPending,
		StartedAt:     l.clock.Now(),
	}
	l.ops <- op{kind: opStart, record: r}
	return r.ActionID
}

// UpdateAction moves a record to a new status, attaching outputs.
func (l *Log) UpdateAction(actionID string, status Status, outputs map[string]string) {
	l.ops <- op{kind: opUpdate, id: actionID, status: status, outputs: l.redact(outputs)}
}

// Record writes a one-shot action that is already terminal.
func (l *Log) Record(actor string, kind Category, correlationID string, inputs map[string]string, status Status) string {
	now := l.clock.Now()
	r := &ActionRecord{
		ActionID:      l.ids.NewID(proto.PrefixAction),
		CorrelationID: correlationID,
		Actor:         actor,
		Kind:          kind,
		Inputs:        l.redact(inputs),
		Status:        status,
		StartedAt:     now,
		EndedAt:       now,
	}
	l.ops <- op{kind: opStart, record: r}
	return r.ActionID
}

// Query returns copies of matching records, oldest first. It drains
// the writer queue first so callers read their own writes.
func (l *Log) Query(filter Filter) []ActionRecord {
	l.flush()

	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ActionRecord, 0, len(l.records))
	for _, r := range l.records {
		if filter.matches(r) {
			out = append(out, cloneRecord(r))
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// Len reports the number of retained records.
func (l *Log) Len() int {
	l.flush()
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Close drains outstanding writes and stops the writer goroutine.
func (l *Log) Close() {
	close(l.ops)
	<-l.done
}

func (l *Log) flush() {
	o := op{kind: opFlush, flushed: make(chan struct{})}
	l.ops <- o
	<-o.flushed
}

func (l *Log) writer() {
	defer close(l.done)
	for o := range l.ops {
		l.apply(o)
	}
}

func (l *Log) apply(o op) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var persist *ActionRecord
	switch o.kind {
	case opStart:
		l.records = append(l.records, o.record)
		l.byID[o.record.ActionID] = o.record
		persist = o.record
	case opUpdate:
		r, ok := l.byID[o.id]
		if !ok {
			l.logger.Warn("update for unknown action %s ignored", o.id)
			return
		}
		r.Status = o.status
		if len(o.outputs) > 0 {
			r.Outputs = o.outputs
		}
		if o.status.Terminal() {
			r.EndedAt = l.clock.Now()
		}
		persist = r
	case opFlush:
		close(o.flushed)
	}
	l.pruneLocked()
	if persist != nil {
		l.persist(persist)
	}
}

// pruneLocked enforces the ring bounds. Runs on the writer goroutine.
func (l *Log) pruneLocked() {
	cutoff := l.clock.Now().Add(-l.cfg.MaxAge.D())
	drop := 0
	for drop < len(l.records) && l.records[drop].StartedAt.Before(cutoff) {
		drop++
	}
	if over := len(l.records) - l.cfg.MaxRecords; over > drop {
		drop = over
	}
	if drop > 0 {
		for _, r := range l.records[:drop] {
			delete(l.byID, r.ActionID)
		}
		l.records = append([]*ActionRecord(nil), l.records[drop:]...)
	}
}

func (l *Log) persist(r *ActionRecord) {
	if l.kv == nil || !r.Status.Terminal() {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		l.logger.Warn("serialize action %s: %v", r.ActionID, err)
		return
	}
	key := fmt.Sprintf("audit/%s/%s", r.StartedAt.Format("2006-01-02"), r.ActionID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.kv.Put(ctx, key, data); err != nil {
		l.logger.Warn("persist action %s: %v", r.ActionID, err)
	}
}

// redact replaces configured field values with a stable keyed hash so
// records stay correlatable without exposing the raw value.
func (l *Log) redact(fields map[string]string) map[string]string {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if _, hide := l.redactSet[k]; hide {
			out[k] = l.hash(v)
		} else {
			out[k] = v
		}
	}
	return out
}

func (l *Log) hash(value string) string {
	h, err := blake2b.New256(l.redactKey)
	if err != nil {
		// Only an oversized key can fail; deriveKey bounds it.
		return "redacted:invalid-key"
	}
	_, _ = h.Write([]byte(value))
	return "redacted:" + hex.EncodeToString(h.Sum(nil)[:12])
}

// deriveKey maps the configured redaction key to a blake2b key. An
// empty key still redacts, just without cross-restart stability
// guarantees beyond the default.
func deriveKey(key string) []byte {
	if key == "" {
		key = "mas-audit"
	}
	sum := blake2b.Sum256([]byte(key))
	return sum[:32]
}

func cloneRecord(r *ActionRecord) ActionRecord {
	cp := *r
	if r.Inputs != nil {
		cp.Inputs = make(map[string]string, len(r.Inputs))
		for k, v := range r.Inputs {
			cp.Inputs[k] = v
		}
	}
	if r.Outputs != nil {
		cp.Outputs = make(map[string]string, len(r.Outputs))
		for k, v := range r.Outputs {
			cp.Outputs[k] = v
		}
	}
	return cp
}
