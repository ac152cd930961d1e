package turn

import (
	"errors"
	"fmt"
)

// FailureKind classifies a pipeline failure. The adapter selects the
// user-visible fallback based on the kind, never on the wrapped cause.
type FailureKind string

const (
	// TranscriptionFailed means the audio could not be turned into text.
	// Recoverable: the caller is asked to repeat, the turn counter is
	// not advanced.
	TranscriptionFailed FailureKind = "transcription_failed"
	// GenerationFailed means the response model was unavailable. The
	// turn completes with a scripted apology.
	GenerationFailed FailureKind = "generation_failed"
	// SynthesisFailed means text was produced but no audio. The turn
	// result carries text only.
	SynthesisFailed FailureKind = "synthesis_failed"
	// TurnTimeout means the whole pipeline exceeded its deadline.
	TurnTimeout FailureKind = "turn_timeout"
	// StoreUnavailable means state could not be read or written after
	// the retry budget. No partial state was persisted.
	StoreUnavailable FailureKind = "store_unavailable"
	// StateConflict means a concurrent writer kept winning the
	// read-modify-write race beyond the retry budget.
	StateConflict FailureKind = "state_conflict"
	// InputError means the request itself was malformed. No state was
	// touched.
	InputError FailureKind = "input_error"
)

// Error is a classified pipeline failure.
type Error struct {
	Kind FailureKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("turn: %s", e.Kind)
	}
	return fmt.Sprintf("turn: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind from err, or "" if err is not a
// pipeline [Error].
func KindOf(err error) FailureKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

func newError(kind FailureKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
