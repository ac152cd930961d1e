// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// pre-recorded transcription REST API. It implements the stt.Provider interface.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/carillon-health/carillon/pkg/provider/stt"
)

const (
	deepgramEndpoint = "https://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithBaseURL overrides the default Deepgram API endpoint. Useful for
// self-hosted Deepgram deployments and tests.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by the Deepgram pre-recorded API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	baseURL    string
	httpClient *http.Client
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		baseURL:    deepgramEndpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// response mirrors the subset of the Deepgram pre-recorded JSON response the
// provider consumes.
type response struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
			DetectedLanguage string `json:"detected_language"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe implements stt.Provider. It POSTs the raw audio bytes to the
// /v1/listen endpoint and returns the top alternative of the first channel.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, cfg stt.AudioConfig) (stt.Transcription, error) {
	if len(audio) == 0 {
		return stt.Transcription{}, errors.New("deepgram: empty audio")
	}

	endpoint, err := p.requestURL(cfg)
	if err != nil {
		return stt.Transcription{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(audio))
	if err != nil {
		return stt.Transcription{}, fmt.Errorf("deepgram: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	if cfg.MIMEType != "" {
		req.Header.Set("Content-Type", cfg.MIMEType)
	} else {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return stt.Transcription{}, fmt.Errorf("deepgram: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return stt.Transcription{}, fmt.Errorf("deepgram: status %d: %s", resp.StatusCode, body)
	}

	var dg response
	if err := json.NewDecoder(resp.Body).Decode(&dg); err != nil {
		return stt.Transcription{}, fmt.Errorf("deepgram: decode response: %w", err)
	}
	if len(dg.Results.Channels) == 0 || len(dg.Results.Channels[0].Alternatives) == 0 {
		return stt.Transcription{}, errors.New("deepgram: no transcription alternatives in response")
	}

	channel := dg.Results.Channels[0]
	alt := channel.Alternatives[0]
	lang := channel.DetectedLanguage
	if lang == "" {
		lang = p.language
	}

	return stt.Transcription{
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
		Language:   lang,
	}, nil
}

// requestURL assembles the /v1/listen URL with model, language, and audio
// format query parameters.
func (p *Provider) requestURL(cfg stt.AudioConfig) (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", fmt.Errorf("deepgram: parse base url: %w", err)
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("smart_format", "true")

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	if lang != "" {
		q.Set("language", lang)
	}
	if cfg.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}
