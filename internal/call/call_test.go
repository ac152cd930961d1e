package call

import (
	"errors"
	"testing"
	"time"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		ev      Event
		want    Status
		wantErr bool
	}{
		{"answered", StatusRinging, EventAnswered, StatusInProgress, false},
		{"no answer abandons", StatusRinging, EventNoAnswer, StatusAbandoned, false},
		{"hangup while ringing abandons", StatusRinging, EventHangup, StatusAbandoned, false},
		{"turn self-loop", StatusInProgress, EventTurnCompleted, StatusInProgress, false},
		{"policy escalation", StatusInProgress, EventEscalationDecided, StatusEscalated, false},
		{"manual escalation", StatusInProgress, EventManualEscalate, StatusEscalated, false},
		{"hangup completes", StatusInProgress, EventHangup, StatusCompleted, false},
		{"pipeline error from ringing", StatusRinging, EventPipelineError, StatusFailed, false},
		{"pipeline error in progress", StatusInProgress, EventPipelineError, StatusFailed, false},
		{"turn before answer rejected", StatusRinging, EventTurnCompleted, StatusRinging, true},
		{"escalation before answer rejected", StatusRinging, EventEscalationDecided, StatusRinging, true},
		{"event on completed rejected", StatusCompleted, EventHangup, StatusCompleted, true},
		{"event on escalated rejected", StatusEscalated, EventTurnCompleted, StatusEscalated, true},
		{"pipeline error on terminal rejected", StatusFailed, EventPipelineError, StatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transition(tt.from, tt.ev)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("err = %v, want ErrInvalidTransition", err)
				}
			} else if err != nil {
				t.Fatalf("Transition: %v", err)
			}
			if got != tt.want {
				t.Errorf("Transition(%s, %s) = %s, want %s", tt.from, tt.ev, got, tt.want)
			}
		})
	}
}

func TestTerminalStatusesAreImmutable(t *testing.T) {
	events := []Event{EventAnswered, EventTurnCompleted, EventEscalationDecided, EventManualEscalate, EventHangup, EventNoAnswer, EventPipelineError}
	for _, terminal := range []Status{StatusCompleted, StatusEscalated, StatusAbandoned, StatusFailed} {
		for _, ev := range events {
			got, err := Transition(terminal, ev)
			if err == nil {
				t.Errorf("Transition(%s, %s) accepted, want rejection", terminal, ev)
			}
			if got != terminal {
				t.Errorf("Transition(%s, %s) moved to %s", terminal, ev, got)
			}
		}
	}
}

func TestEventForCarrierStatus(t *testing.T) {
	tests := []struct {
		status string
		want   Event
		ok     bool
	}{
		{"in-progress", EventAnswered, true},
		{"answered", EventAnswered, true},
		{"completed", EventHangup, true},
		{"busy", EventNoAnswer, true},
		{"no-answer", EventNoAnswer, true},
		{"canceled", EventNoAnswer, true},
		{"failed", EventPipelineError, true},
		{"queued", "", false},
		{"ringing", "", false},
		{"initiated", "", false},
		{"garbage", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			got, ok := EventForCarrierStatus(tt.status)
			if got != tt.want || ok != tt.ok {
				t.Errorf("EventForCarrierStatus(%q) = (%q, %v), want (%q, %v)", tt.status, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestSessionApply(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := NewSession("CA123", "+15550001111", "+15550002222", "inbound", "billing_inquiry", now)

	if s.Status != StatusRinging {
		t.Fatalf("initial status = %s, want ringing", s.Status)
	}
	if err := s.Apply(EventAnswered, now.Add(time.Second)); err != nil {
		t.Fatalf("Apply answered: %v", err)
	}
	if err := s.Apply(EventHangup, now.Add(time.Minute)); err != nil {
		t.Fatalf("Apply hangup: %v", err)
	}
	if s.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", s.Status)
	}
	if len(s.StatusHistory) != 2 {
		t.Fatalf("history length = %d, want 2", len(s.StatusHistory))
	}

	// A late event must not mutate the session.
	before := *s
	if err := s.Apply(EventAnswered, now.Add(2*time.Minute)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("late Apply err = %v, want ErrInvalidTransition", err)
	}
	if s.Status != before.Status || len(s.StatusHistory) != len(before.StatusHistory) || !s.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("late event mutated a terminal session")
	}
}
