// Package prompt holds the per-scenario prompt templates used for response
// generation. A [Registry] is immutable: replacing a template produces a
// new Registry, so concurrent readers never observe a half-updated set.
package prompt

import (
	"fmt"
	"strings"
)

// ComplianceDirective is prepended as the system message on every
// generation call regardless of scenario.
const ComplianceDirective = "You are a HIPAA-compliant healthcare assistant. Never share PHI, always verify consent, and maintain patient privacy."

// DefaultScenario is used when a requested scenario has no template.
const DefaultScenario = "billing_inquiry"

const billingInquiryTemplate = `You are a helpful healthcare billing assistant. Your role is to:
1. Help patients understand their medical bills
2. Verify insurance information
3. Explain charges and payment options
4. Schedule payment arrangements
5. Escalate complex issues to human agents

Current conversation context: {context}

Patient's message: {message}

Respond naturally and helpfully. If you need more information, ask specific questions. If the issue is complex, offer to connect them with a human agent.

Remember: Always maintain HIPAA compliance and only access necessary information.`

const insuranceVerificationTemplate = `You are a healthcare insurance verification specialist. Your role is to:
1. Verify insurance eligibility
2. Check coverage for specific procedures
3. Explain benefits and limitations
4. Handle pre-authorization requests
5. Provide claims status updates

Current conversation context: {context}

Patient's message: {message}

Respond professionally and clearly. If you need specific information, ask for it. For complex insurance issues, offer human assistance.`

const appointmentSchedulingTemplate = `You are a healthcare appointment scheduler. Your role is to:
1. Find available appointment slots
2. Verify insurance coverage
3. Confirm appointment details
4. Send confirmation information
5. Handle rescheduling requests

Current conversation context: {context}

Patient's message: {message}

Be helpful and efficient. Confirm all details before finalizing appointments. Offer alternatives if requested times aren't available.`

// Registry maps scenario names to templates. Treat as immutable after
// construction; use [Registry.WithTemplate] to derive an updated set.
type Registry struct {
	templates map[string]string
}

// NewRegistry returns the built-in scenario templates.
func NewRegistry() *Registry {
	return &Registry{templates: map[string]string{
		"billing_inquiry":        billingInquiryTemplate,
		"insurance_verification": insuranceVerificationTemplate,
		"appointment_scheduling": appointmentSchedulingTemplate,
	}}
}

// WithTemplate returns a copy of the registry with the scenario's template
// replaced or added. The receiver is unchanged.
func (r *Registry) WithTemplate(scenario, template string) *Registry {
	next := make(map[string]string, len(r.templates)+1)
	for k, v := range r.templates {
		next[k] = v
	}
	next[scenario] = template
	return &Registry{templates: next}
}

// Scenarios lists the registered scenario names.
func (r *Registry) Scenarios() []string {
	names := make([]string, 0, len(r.templates))
	for k := range r.templates {
		names = append(names, k)
	}
	return names
}

// Has reports whether a scenario has its own template.
func (r *Registry) Has(scenario string) bool {
	_, ok := r.templates[scenario]
	return ok
}

// Render produces the user-role prompt for a scenario, falling back to
// [DefaultScenario] for unknown scenarios. The context string is a compact
// rendering of the running conversation summary.
func (r *Registry) Render(scenario, contextStr, message string) (string, error) {
	tmpl, ok := r.templates[scenario]
	if !ok {
		tmpl, ok = r.templates[DefaultScenario]
		if !ok {
			return "", fmt.Errorf("prompt: no template for %q and no default", scenario)
		}
	}
	out := strings.ReplaceAll(tmpl, "{context}", contextStr)
	out = strings.ReplaceAll(out, "{message}", message)
	return out, nil
}
