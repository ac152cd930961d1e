package prompt

import (
	"strings"
	"testing"
)

func TestRender_SubstitutesPlaceholders(t *testing.T) {
	r := NewRegistry()

	got, err := r.Render("billing_inquiry", `{"turn":1}`, "why was I charged")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(got, `{"turn":1}`) {
		t.Error("context not substituted")
	}
	if !strings.Contains(got, "why was I charged") {
		t.Error("message not substituted")
	}
	if strings.Contains(got, "{context}") || strings.Contains(got, "{message}") {
		t.Error("placeholder left unreplaced")
	}
}

func TestRender_UnknownScenarioFallsBack(t *testing.T) {
	r := NewRegistry()

	got, err := r.Render("pharmacy", "ctx", "msg")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want, err := r.Render(DefaultScenario, "ctx", "msg")
	if err != nil {
		t.Fatalf("Render default: %v", err)
	}
	if got != want {
		t.Error("unknown scenario did not fall back to the default template")
	}
}

func TestRegistry_BuiltinScenarios(t *testing.T) {
	r := NewRegistry()
	for _, s := range []string{"billing_inquiry", "insurance_verification", "appointment_scheduling"} {
		if !r.Has(s) {
			t.Errorf("missing built-in scenario %q", s)
		}
	}
}

func TestWithTemplateIsCopyOnWrite(t *testing.T) {
	base := NewRegistry()
	derived := base.WithTemplate("pharmacy", "You handle prescriptions. {context} {message}")

	if base.Has("pharmacy") {
		t.Error("WithTemplate mutated the receiver")
	}
	if !derived.Has("pharmacy") {
		t.Fatal("derived registry missing new scenario")
	}

	got, err := derived.Render("pharmacy", "c", "m")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(got, "prescriptions") {
		t.Errorf("Render = %q, want pharmacy template", got)
	}

	// Overriding an existing scenario leaves the base intact.
	override := base.WithTemplate("billing_inquiry", "short {message}")
	baseOut, _ := base.Render("billing_inquiry", "c", "m")
	overrideOut, _ := override.Render("billing_inquiry", "c", "m")
	if baseOut == overrideOut {
		t.Error("override leaked into the base registry")
	}
}
