package turn

import (
	"encoding/json"
	"time"
)

// State is the persisted conversation record for one call. The turn
// counter only moves forward and the escalation flag, once set, never
// clears within a session.
type State struct {
	CallID           string    `json:"call_id"`
	Scenario         string    `json:"scenario"`
	TurnCount        int       `json:"turn_count"`
	Transcript       string    `json:"last_transcript"`
	Response         string    `json:"last_response"`
	Intent           string    `json:"last_intent"`
	Confidence       float64   `json:"last_confidence"`
	Escalated        bool      `json:"escalated"`
	EscalationReason string    `json:"escalation_reason,omitempty"`
	FailureStreak    int       `json:"failure_streak,omitempty"`
	StartedAt        time.Time `json:"started_at"`
}

// ContextJSON renders the state as the compact context string embedded in
// generation prompts. Free text is summarized to lengths elsewhere; the
// prompt context legitimately carries the last exchange so the model has
// the conversation thread.
func (s State) ContextJSON() string {
	ctx := struct {
		Scenario   string `json:"scenario"`
		TurnCount  int    `json:"turn_count"`
		Transcript string `json:"last_transcript,omitempty"`
		Response   string `json:"last_response,omitempty"`
		Intent     string `json:"last_intent,omitempty"`
	}{
		Scenario:   s.Scenario,
		TurnCount:  s.TurnCount,
		Transcript: s.Transcript,
		Response:   s.Response,
		Intent:     s.Intent,
	}
	b, err := json.Marshal(ctx)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Result is the ephemeral outcome of one turn. It is handed to the call
// control adapter to build the carrier response and then discarded.
type Result struct {
	Transcript string
	Response   string
	Intent     string
	Confidence float64
	Escalate   bool
	Reason     string
	AudioRef   string
	TurnCount  int
	// Degraded is set when the response is a scripted fallback rather
	// than generated content.
	Degraded bool
	// Failed is set when consecutive degraded turns have exhausted the
	// failure budget. The adapter should fail the call rather than keep
	// the caller looping on apologies.
	Failed bool
}
