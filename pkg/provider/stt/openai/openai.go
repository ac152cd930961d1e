// Package openai provides an STT provider backed by the OpenAI audio
// transcription API (Whisper).
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/carillon-health/carillon/pkg/provider/stt"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = oai.AudioModelWhisper1

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	model   string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Useful for
// OpenAI-compatible transcription servers.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel selects the transcription model (e.g., "whisper-1").
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New creates a Provider using the given API key. apiKey must be non-empty
// unless a base URL pointing at an unauthenticated compatible server is set.
func New(apiKey string, opts ...Option) (*Provider, error) {
	cfg := &config{model: string(DefaultModel)}
	for _, o := range opts {
		o(cfg)
	}
	if apiKey == "" && cfg.baseURL == "" {
		return nil, fmt.Errorf("openai stt: apiKey must not be empty")
	}

	ropts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		ropts = append(ropts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		ropts = append(ropts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client: oai.NewClient(ropts...),
		model:  cfg.model,
	}, nil
}

// Transcribe implements stt.Provider. The audio bytes are uploaded as a single
// file; cfg.MIMEType selects the upload content type (default "audio/wav").
func (p *Provider) Transcribe(ctx context.Context, audio []byte, cfg stt.AudioConfig) (stt.Transcription, error) {
	if len(audio) == 0 {
		return stt.Transcription{}, fmt.Errorf("openai stt: empty audio")
	}

	mimeType := cfg.MIMEType
	if mimeType == "" {
		mimeType = "audio/wav"
	}

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(audio), fileName(mimeType), mimeType),
		Model: oai.AudioModel(p.model),
	}
	if cfg.Language != "" {
		// Whisper expects a bare ISO-639-1 code, not a full BCP-47 tag.
		params.Language = oai.String(baseLanguage(cfg.Language))
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Transcription{}, fmt.Errorf("openai stt: transcribe: %w", err)
	}

	return stt.Transcription{
		Text:     strings.TrimSpace(resp.Text),
		Language: cfg.Language,
	}, nil
}

// fileName picks an upload file name whose extension matches the content type.
// The OpenAI endpoint uses the extension as a format hint.
func fileName(mimeType string) string {
	switch mimeType {
	case "audio/mpeg", "audio/mp3":
		return "audio.mp3"
	case "audio/ogg":
		return "audio.ogg"
	case "audio/flac":
		return "audio.flac"
	default:
		return "audio.wav"
	}
}

// baseLanguage reduces a BCP-47 tag like "en-US" to its primary subtag "en".
func baseLanguage(tag string) string {
	if i := strings.IndexByte(tag, '-'); i > 0 {
		return tag[:i]
	}
	return tag
}
