// Package intent classifies caller utterances into a fixed set of intent
// tags using deterministic keyword rules. It exists so routing and prompt
// selection never depend on model output.
package intent

import "strings"

// Intent tags produced by the classifier.
const (
	BillingInquiry        = "billing_inquiry"
	InsuranceVerification = "insurance_verification"
	AppointmentScheduling = "appointment_scheduling"
	ComplaintHandling     = "complaint_handling"
	GeneralInquiry        = "general_inquiry"
)

// Rule maps surface keywords to an intent tag. Rules are evaluated in
// order and the first match wins.
type Rule struct {
	Intent   string
	Keywords []string
}

// DefaultRules is the standard rule set for the billing assistant.
var DefaultRules = []Rule{
	{Intent: BillingInquiry, Keywords: []string{"bill", "charge", "payment", "cost"}},
	{Intent: InsuranceVerification, Keywords: []string{"insurance", "coverage", "benefit"}},
	{Intent: AppointmentScheduling, Keywords: []string{"appointment", "schedule", "booking"}},
	{Intent: ComplaintHandling, Keywords: []string{"complaint", "issue", "problem"}},
}

// Classifier detects intents via case-insensitive substring matching.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier. With no rules it uses [DefaultRules].
func NewClassifier(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Classifier{rules: rules}
}

// Classify returns the intent tag for a transcript. Unmatched transcripts
// classify as [GeneralInquiry].
func (c *Classifier) Classify(transcript string) string {
	lower := strings.ToLower(transcript)
	for _, r := range c.rules {
		for _, kw := range r.Keywords {
			if kw != "" && strings.Contains(lower, kw) {
				return r.Intent
			}
		}
	}
	return GeneralInquiry
}
