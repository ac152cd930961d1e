// Package policy decides when an automated call should be handed off to a
// human agent. The decision function is pure: it inspects only its inputs
// and performs no I/O, so the same inputs always produce the same outcome.
package policy

import "strings"

// Escalation reasons, matching the first rule that fired.
const (
	ReasonTriggerTerm = "trigger_term"
	ReasonTurnLimit   = "turn_limit"
	ReasonManual      = "manual"
)

// DefaultTurnLimit is the number of automated turns allowed before the
// call escalates regardless of content.
const DefaultTurnLimit = 5

// DefaultTriggerTerms is the standard escalation vocabulary. A response
// containing any of these (case-insensitive substring) escalates the call.
var DefaultTriggerTerms = []string{
	"escalate",
	"human",
	"agent",
	"supervisor",
	"manager",
	"complex",
	"complicated",
	"detailed",
	"specific",
	"legal",
	"complaint",
	"dispute",
	"appeal",
}

// Config parameterizes the decision. The zero value is not usable; build
// it with [DefaultConfig] and override fields as needed.
type Config struct {
	// TurnLimit escalates once the turn count exceeds it.
	TurnLimit int
	// TriggerTerms is matched case-insensitively as substrings of the
	// generated response.
	TriggerTerms []string
}

// DefaultConfig returns the standard policy parameters.
func DefaultConfig() Config {
	return Config{
		TurnLimit:    DefaultTurnLimit,
		TriggerTerms: DefaultTriggerTerms,
	}
}

// Input carries everything the decision inspects. Callers pass the turn
// count AFTER the current turn is counted, so a limit of 5 escalates on
// the sixth turn.
type Input struct {
	ResponseText    string
	TurnCount       int
	ManualRequested bool
}

// Decision is the policy outcome. Reason is empty when Escalate is false.
type Decision struct {
	Escalate bool
	Reason   string
}

// Decide evaluates the escalation rules in order: trigger term, then turn
// limit, then manual request. The reason names the first rule that fired.
func Decide(cfg Config, in Input) Decision {
	lower := strings.ToLower(in.ResponseText)
	for _, term := range cfg.TriggerTerms {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			return Decision{Escalate: true, Reason: ReasonTriggerTerm}
		}
	}
	if in.TurnCount > cfg.TurnLimit {
		return Decision{Escalate: true, Reason: ReasonTurnLimit}
	}
	if in.ManualRequested {
		return Decision{Escalate: true, Reason: ReasonManual}
	}
	return Decision{}
}
