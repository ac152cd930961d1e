package config

import "testing"

func base() *Config {
	return &Config{
		Server: ServerConfig{LogLevel: LogInfo},
		Conversation: ConversationConfig{
			TurnLimit:    5,
			TriggerTerms: []string{"agent", "human"},
			Templates:    map[string]string{"billing_inquiry": "Caller: {message}"},
		},
		RateLimit: RateLimitConfig{PerMinute: 30},
	}
}

func TestDiffNoChanges(t *testing.T) {
	old, new := base(), base()
	if d := Diff(old, new); d.Any() {
		t.Errorf("unexpected changes: %+v", d)
	}
}

func TestDiffLogLevel(t *testing.T) {
	old, new := base(), base()
	new.Server.LogLevel = LogDebug

	d := Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if d.PolicyChanged || d.TemplatesChanged || d.RateLimitChanged {
		t.Errorf("unrelated changes flagged: %+v", d)
	}
}

func TestDiffPolicy(t *testing.T) {
	t.Run("turn limit", func(t *testing.T) {
		old, new := base(), base()
		new.Conversation.TurnLimit = 8
		if d := Diff(old, new); !d.PolicyChanged {
			t.Errorf("diff = %+v", d)
		}
	})
	t.Run("trigger terms", func(t *testing.T) {
		old, new := base(), base()
		new.Conversation.TriggerTerms = []string{"agent", "human", "lawyer"}
		if d := Diff(old, new); !d.PolicyChanged {
			t.Errorf("diff = %+v", d)
		}
	})
	t.Run("term order matters", func(t *testing.T) {
		old, new := base(), base()
		new.Conversation.TriggerTerms = []string{"human", "agent"}
		if d := Diff(old, new); !d.PolicyChanged {
			t.Errorf("diff = %+v", d)
		}
	})
}

func TestDiffTemplates(t *testing.T) {
	old, new := base(), base()
	new.Conversation.Templates = map[string]string{
		"billing_inquiry": "Caller: {message}",
		"followup":        "Context: {context}\nCaller: {message}",
	}
	if d := Diff(old, new); !d.TemplatesChanged {
		t.Errorf("diff = %+v", d)
	}
}

func TestDiffRateLimit(t *testing.T) {
	old, new := base(), base()
	new.RateLimit.PerMinute = 60
	if d := Diff(old, new); !d.RateLimitChanged {
		t.Errorf("diff = %+v", d)
	}
}
