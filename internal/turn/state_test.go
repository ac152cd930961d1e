package turn

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/carillon-health/carillon/internal/session"
)

func TestState_RoundTripThroughStore(t *testing.T) {
	ks := session.NewKeyspace[State](session.NewMemStore(), "conv", 30*time.Minute)
	ctx := context.Background()

	want := State{
		CallID:           "CA1",
		Scenario:         "billing_inquiry",
		TurnCount:        3,
		Transcript:       "what do I owe",
		Response:         "Your balance is eighty dollars.",
		Intent:           "billing_inquiry",
		Confidence:       0.92,
		Escalated:        true,
		EscalationReason: "trigger_term",
		StartedAt:        time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if err := ks.Put(ctx, "CA1", want); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := ks.Get(ctx, "CA1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestState_ContextJSON(t *testing.T) {
	s := State{
		Scenario:   "billing_inquiry",
		TurnCount:  2,
		Transcript: "what do I owe",
		Intent:     "billing_inquiry",
	}
	got := s.ContextJSON()
	for _, want := range []string{`"scenario":"billing_inquiry"`, `"turn_count":2`, `"last_transcript":"what do I owe"`} {
		if !strings.Contains(got, want) {
			t.Errorf("ContextJSON = %s, missing %s", got, want)
		}
	}

	// Empty optional fields are omitted entirely.
	empty := State{Scenario: "billing_inquiry"}
	if strings.Contains(empty.ContextJSON(), "last_response") {
		t.Errorf("ContextJSON = %s, want last_response omitted", empty.ContextJSON())
	}
}
