// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., OpenAI speech or
// ElevenLabs) and presents a uniform batch interface: response text in, a
// finished audio clip out. Carrier platforms play a complete clip per turn, so
// a streaming contract would add complexity without reducing caller-perceived
// latency.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel (one per active call).
package tts

import "context"

// VoiceProfile selects the synthesis voice and delivery parameters.
type VoiceProfile struct {
	// VoiceID is the provider-specific voice identifier (e.g., "alloy" for
	// OpenAI, a 20-character ID for ElevenLabs). Empty selects the provider
	// default.
	VoiceID string

	// Speed scales speaking rate where supported. 1.0 is normal; zero means
	// provider default.
	Speed float64
}

// Clip is a synthesised audio clip.
type Clip struct {
	// Data is the encoded audio payload.
	Data []byte

	// MIMEType identifies the encoding of Data (e.g., "audio/mpeg").
	MIMEType string
}

// Provider is the abstraction over any batch TTS backend.
//
// Implementations must be safe for concurrent use and must return promptly
// when ctx is cancelled.
type Provider interface {
	// Synthesize converts text into a complete audio clip using the given
	// voice profile.
	//
	// Returns an error if the provider cannot be reached, the voice is not
	// available, or ctx is cancelled before synthesis completes.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (Clip, error)
}
