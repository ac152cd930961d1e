// Package audit records an append-only trail of privileged actions taken
// during call handling. Entries are sequenced and self-hashed so a reader
// can detect gaps or tampering after the fact.
//
// Free-text payloads (transcripts, model output) are never written to the
// trail: callers record lengths and identifiers only, and phone numbers
// pass through [MaskIdentifier] before they reach any sink.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// Actions recorded by the conversation pipeline.
const (
	ActionCallInitiated  = "CALL_INITIATED"
	ActionCallStatus     = "CALL_STATUS_CHANGE"
	ActionCallEnded      = "CALL_ENDED"
	ActionAIConversation = "AI_CONVERSATION"
	ActionEscalation     = "ESCALATION"
	ActionRecording      = "RECORDING_AVAILABLE"
	ActionLateEvent      = "LATE_EVENT_DISCARDED"
	ActionPipelineFailed = "PIPELINE_FAILED"
	ActionRateLimited    = "RATE_LIMITED"
	ActionTemplateSwap   = "TEMPLATE_SWAP"
)

// Severity levels for audit entries.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Entry is one immutable record in the audit trail.
type Entry struct {
	Seq      uint64            `json:"seq"`
	Time     time.Time         `json:"time"`
	Actor    string            `json:"actor"`
	Action   string            `json:"action"`
	Resource string            `json:"resource"`
	Severity string            `json:"severity"`
	Detail   map[string]string `json:"detail,omitempty"`
	Hash     string            `json:"hash"`
}

// computeHash covers every field except Hash itself. Detail keys are
// folded in sorted order so the digest is deterministic.
func computeHash(e Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|", e.Seq, e.Time.UTC().Format(time.RFC3339Nano), e.Actor, e.Action, e.Resource, e.Severity)
	for _, k := range sortedKeys(e.Detail) {
		fmt.Fprintf(h, "%s=%s|", k, e.Detail[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Verify recomputes the entry hash and reports whether it matches.
func Verify(e Entry) bool {
	return computeHash(e) == e.Hash
}

// Sink receives finalized audit entries. Implementations must not
// mutate the entry.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Recorder assigns sequence numbers and hashes, then fans entries out.
type Recorder struct {
	mu    sync.Mutex
	seq   uint64
	sinks []Sink
	now   func() time.Time
}

// RecorderOption configures a [Recorder].
type RecorderOption func(*Recorder)

// WithNow overrides the clock. Intended for tests.
func WithNow(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		r.now = now
	}
}

// NewRecorder builds a Recorder writing to every given sink.
func NewRecorder(sinks []Sink, opts ...RecorderOption) *Recorder {
	r := &Recorder{sinks: sinks, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record finalizes the entry (sequence, timestamp, hash) and writes it to
// all sinks. Sink failures are joined; a failing sink never blocks the
// others.
func (r *Recorder) Record(ctx context.Context, actor, action, resource, severity string, detail map[string]string) error {
	r.mu.Lock()
	r.seq++
	e := Entry{
		Seq:      r.seq,
		Time:     r.now().UTC(),
		Actor:    actor,
		Action:   action,
		Resource: resource,
		Severity: severity,
		Detail:   detail,
	}
	r.mu.Unlock()
	e.Hash = computeHash(e)

	var errs []error
	for _, s := range r.sinks {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("audit: sink write: %w", err))
		}
	}
	return errors.Join(errs...)
}

// MaskIdentifier redacts a phone number or similar identifier, keeping
// only the last four characters. Short values are fully masked.
func MaskIdentifier(id string) string {
	if id == "" {
		return ""
	}
	if len(id) <= 4 {
		return strings.Repeat("*", len(id))
	}
	return "***" + id[len(id)-4:]
}
