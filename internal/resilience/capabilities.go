package resilience

import (
	"context"

	"github.com/carillon-health/carillon/pkg/provider/llm"
	"github.com/carillon-health/carillon/pkg/provider/stt"
	"github.com/carillon-health/carillon/pkg/provider/tts"
)

// LLMChain implements [llm.Provider] with failover across backends.
type LLMChain struct {
	chain *Chain[llm.Provider]
}

var _ llm.Provider = (*LLMChain)(nil)

// NewLLMChain creates an empty chain; register backends with Add.
func NewLLMChain(cfg BreakerConfig) *LLMChain {
	return &LLMChain{chain: NewChain[llm.Provider](cfg)}
}

// Add registers a generation backend in preference order.
func (c *LLMChain) Add(name string, p llm.Provider) *LLMChain {
	c.chain.Add(name, p)
	return c
}

func (c *LLMChain) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return RunResult(c.chain, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// STTChain implements [stt.Provider] with failover across backends.
type STTChain struct {
	chain *Chain[stt.Provider]
}

var _ stt.Provider = (*STTChain)(nil)

// NewSTTChain creates an empty chain; register backends with Add.
func NewSTTChain(cfg BreakerConfig) *STTChain {
	return &STTChain{chain: NewChain[stt.Provider](cfg)}
}

// Add registers a transcription backend in preference order.
func (c *STTChain) Add(name string, p stt.Provider) *STTChain {
	c.chain.Add(name, p)
	return c
}

func (c *STTChain) Transcribe(ctx context.Context, audio []byte, cfg stt.AudioConfig) (stt.Transcription, error) {
	return RunResult(c.chain, func(p stt.Provider) (stt.Transcription, error) {
		return p.Transcribe(ctx, audio, cfg)
	})
}

// TTSChain implements [tts.Provider] with failover across backends.
type TTSChain struct {
	chain *Chain[tts.Provider]
}

var _ tts.Provider = (*TTSChain)(nil)

// NewTTSChain creates an empty chain; register backends with Add.
func NewTTSChain(cfg BreakerConfig) *TTSChain {
	return &TTSChain{chain: NewChain[tts.Provider](cfg)}
}

// Add registers a synthesis backend in preference order.
func (c *TTSChain) Add(name string, p tts.Provider) *TTSChain {
	c.chain.Add(name, p)
	return c
}

func (c *TTSChain) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (tts.Clip, error) {
	return RunResult(c.chain, func(p tts.Provider) (tts.Clip, error) {
		return p.Synthesize(ctx, text, voice)
	})
}
