// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., OpenAI Whisper or
// Deepgram) and exposes a uniform batch interface: a complete recorded
// utterance goes in, a transcript with a confidence score comes out. Carrier
// platforms deliver caller speech as a finished recording per turn, so the
// batch contract is sufficient; no streaming session management is needed.
//
// Implementations must be safe for concurrent use. Multiple transcriptions may
// run in parallel (one per active call).
package stt

import "context"

// AudioConfig describes the format of the audio handed to Transcribe.
type AudioConfig struct {
	// SampleRate is the audio sample rate in Hz. Telephony audio is commonly
	// 8000; STT-optimised audio is 16000. Zero lets the provider assume its
	// default.
	SampleRate int

	// MIMEType identifies the container/encoding (e.g., "audio/wav",
	// "audio/mpeg", "audio/x-mulaw"). Empty lets the provider sniff or assume
	// its default.
	MIMEType string

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect, if supported.
	Language string
}

// Transcription is the result of transcribing one utterance.
type Transcription struct {
	// Text is the transcribed speech content.
	Text string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Language is the detected or configured language tag.
	Language string
}

// Provider is the abstraction over any batch STT backend.
//
// Implementations must be safe for concurrent use and must return promptly
// when ctx is cancelled.
type Provider interface {
	// Transcribe submits a complete audio utterance for recognition and waits
	// for the result.
	//
	// Returns an error if the provider cannot be reached, rejects the audio, or
	// ctx is cancelled before the transcript arrives.
	Transcribe(ctx context.Context, audio []byte, cfg AudioConfig) (Transcription, error)
}
