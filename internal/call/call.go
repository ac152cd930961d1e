// Package call models the lifecycle of a telephone call: the call session
// record, its status state machine, and the mapping from carrier status
// strings to lifecycle events.
//
// The state machine is deliberately small. A call starts Ringing, moves to
// InProgress once answered, and ends in exactly one terminal status. Once
// terminal, a status never changes again: late carrier events are the
// caller's problem to record, not the state machine's to apply.
package call

import (
	"errors"
	"fmt"
	"time"
)

// Status is a call lifecycle state.
type Status string

const (
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusEscalated  Status = "escalated"
	StatusAbandoned  Status = "abandoned"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusEscalated, StatusAbandoned, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRinging, StatusInProgress, StatusCompleted, StatusEscalated, StatusAbandoned, StatusFailed:
		return true
	}
	return false
}

// Event is a lifecycle trigger.
type Event string

const (
	EventAnswered          Event = "answered"
	EventTurnCompleted     Event = "turn_completed"
	EventEscalationDecided Event = "escalation_decided"
	EventManualEscalate    Event = "manual_escalate"
	EventHangup            Event = "hangup"
	EventNoAnswer          Event = "no_answer"
	EventPipelineError     Event = "pipeline_error"
)

// ErrInvalidTransition is returned by [Transition] when the event does not
// apply to the current status. Late events on terminal statuses return a
// wrapped ErrInvalidTransition; callers detect that case via
// [Status.Terminal] and record it rather than failing the request.
var ErrInvalidTransition = errors.New("call: invalid transition")

// Transition applies an event to a status and returns the next status.
// EventTurnCompleted on an InProgress call is a self-loop.
func Transition(from Status, ev Event) (Status, error) {
	// Unrecoverable pipeline errors fail the call from any live state.
	if ev == EventPipelineError && !from.Terminal() {
		return StatusFailed, nil
	}

	switch from {
	case StatusRinging:
		switch ev {
		case EventAnswered:
			return StatusInProgress, nil
		case EventNoAnswer:
			return StatusAbandoned, nil
		case EventHangup:
			return StatusAbandoned, nil
		}
	case StatusInProgress:
		switch ev {
		case EventTurnCompleted:
			return StatusInProgress, nil
		case EventEscalationDecided, EventManualEscalate:
			return StatusEscalated, nil
		case EventHangup:
			return StatusCompleted, nil
		}
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
}

// EventForCarrierStatus maps a carrier's status-callback string to a
// lifecycle event. Unknown strings return false; callers treat them as
// informational and record them without transitioning.
func EventForCarrierStatus(status string) (Event, bool) {
	switch status {
	case "in-progress", "answered":
		return EventAnswered, true
	case "completed":
		return EventHangup, true
	case "busy", "no-answer", "canceled":
		return EventNoAnswer, true
	case "failed":
		return EventPipelineError, true
	case "queued", "ringing", "initiated":
		// Pre-answer progress, no transition.
		return "", false
	}
	return "", false
}

// StatusChange is one entry in a session's status history.
type StatusChange struct {
	Status Status    `json:"status"`
	Event  Event     `json:"event"`
	At     time.Time `json:"at"`
}

// Session is the carrier-facing record for one call. It is persisted
// alongside the conversation state and read by dashboards; only the
// orchestrator writes it.
type Session struct {
	CallID        string         `json:"call_id"`
	From          string         `json:"from"`
	To            string         `json:"to"`
	Direction     string         `json:"direction"`
	Status        Status         `json:"status"`
	StatusHistory []StatusChange `json:"status_history,omitempty"`
	Scenario      string         `json:"scenario"`
	RecordingURL  string         `json:"recording_url,omitempty"`
	Duration      int            `json:"duration_seconds,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Apply transitions the session with ev at time now, appending to the
// status history. Terminal sessions reject all events.
func (s *Session) Apply(ev Event, now time.Time) error {
	next, err := Transition(s.Status, ev)
	if err != nil {
		return err
	}
	s.Status = next
	s.StatusHistory = append(s.StatusHistory, StatusChange{Status: next, Event: ev, At: now.UTC()})
	s.UpdatedAt = now.UTC()
	return nil
}

// NewSession creates a Ringing session for an inbound or outbound call.
func NewSession(callID, from, to, direction, scenario string, now time.Time) *Session {
	return &Session{
		CallID:    callID,
		From:      from,
		To:        to,
		Direction: direction,
		Status:    StatusRinging,
		Scenario:  scenario,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}
