package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per capability. [Validate]
// warns about unrecognised names rather than failing, so third-party
// registrations keep working.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "gemini", "mistral", "groq", "ollama"},
	"stt": {"openai", "deepgram"},
	"tts": {"openai", "elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown fields are rejected; a typo fails loudly instead of silently
// configuring nothing.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromBytes is LoadFromReader over an in-memory document.
func LoadFromBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// Validate checks that cfg is coherent. It returns a joined error listing
// every failure found; advisory issues are logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	for _, e := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm", e.Name)
	}
	for _, e := range cfg.Providers.STTFallbacks {
		validateProviderName("stt", e.Name)
	}
	for _, e := range cfg.Providers.TTSFallbacks {
		validateProviderName("tts", e.Name)
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; turns will fall back to scripted responses")
	}

	if cfg.Store.Backend != "" && !cfg.Store.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, redis", cfg.Store.Backend))
	}
	if cfg.Store.Backend == StoreRedis && cfg.Store.RedisAddr == "" {
		errs = append(errs, errors.New("store.redis_addr is required when store.backend is redis"))
	}
	if cfg.Store.SessionTTL < 0 || cfg.Store.ConversationTTL < 0 {
		errs = append(errs, errors.New("store TTLs must not be negative"))
	}

	if cfg.Conversation.TurnLimit < 0 {
		errs = append(errs, errors.New("conversation.turn_limit must not be negative"))
	}
	if cfg.Conversation.FailureBudget < 0 {
		errs = append(errs, errors.New("conversation.failure_budget must not be negative"))
	}
	if t := cfg.Conversation.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("conversation.temperature %.2f is out of range [0, 2]", t))
	}
	for scenario, tmpl := range cfg.Conversation.Templates {
		if !strings.Contains(tmpl, "{message}") {
			errs = append(errs, fmt.Errorf("conversation.templates[%s] is missing the {message} placeholder", scenario))
		}
	}

	if (cfg.Carrier.AccountSID == "") != (cfg.Carrier.AuthToken == "") {
		errs = append(errs, errors.New("carrier.account_sid and carrier.auth_token must be set together"))
	}
	if cfg.Carrier.Enabled() && cfg.Server.PublicBaseURL == "" {
		errs = append(errs, errors.New("server.public_base_url is required when a carrier is configured"))
	}

	if cfg.RateLimit.PerMinute < 0 {
		errs = append(errs, errors.New("rate_limit.per_minute must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName warns when name is non-empty and unknown for kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
