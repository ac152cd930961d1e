package config

import (
	"maps"
	"slices"
)

// ChangeSet describes what changed between two configs. Only changes that
// can be applied without a restart are tracked; everything else needs a
// process bounce.
type ChangeSet struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PolicyChanged covers turn_limit and trigger_terms.
	PolicyChanged bool

	// TemplatesChanged covers the per-scenario template overrides.
	TemplatesChanged bool

	// RateLimitChanged covers rate_limit.per_minute.
	RateLimitChanged bool
}

// Any reports whether the change set carries anything to apply.
func (c ChangeSet) Any() bool {
	return c.LogLevelChanged || c.PolicyChanged || c.TemplatesChanged || c.RateLimitChanged
}

// Diff compares old and new configs and returns the hot-reloadable
// changes between them.
func Diff(old, new *Config) ChangeSet {
	var c ChangeSet

	if old.Server.LogLevel != new.Server.LogLevel {
		c.LogLevelChanged = true
		c.NewLogLevel = new.Server.LogLevel
	}

	if old.Conversation.TurnLimit != new.Conversation.TurnLimit ||
		!slices.Equal(old.Conversation.TriggerTerms, new.Conversation.TriggerTerms) {
		c.PolicyChanged = true
	}

	if !maps.Equal(old.Conversation.Templates, new.Conversation.Templates) {
		c.TemplatesChanged = true
	}

	if old.RateLimit.PerMinute != new.RateLimit.PerMinute {
		c.RateLimitChanged = true
	}

	return c
}
