package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/carillon-health/carillon/pkg/provider/llm"
	llmmock "github.com/carillon-health/carillon/pkg/provider/llm/mock"
	"github.com/carillon-health/carillon/pkg/provider/stt"
	sttmock "github.com/carillon-health/carillon/pkg/provider/stt/mock"
	"github.com/carillon-health/carillon/pkg/provider/tts"
	ttsmock "github.com/carillon-health/carillon/pkg/provider/tts/mock"
)

func TestLLMChain_FailoverProducesFallbackResponse(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("rate limited")}
	backup := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from backup"}}

	c := NewLLMChain(BreakerConfig{}).Add("primary", primary).Add("backup", backup)

	resp, err := c.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from backup" {
		t.Errorf("Content = %q, want from backup", resp.Content)
	}
	if len(primary.Calls()) != 1 {
		t.Errorf("primary calls = %d, want 1", len(primary.Calls()))
	}
}

func TestSTTChain_AllFailingSurfacesExhausted(t *testing.T) {
	c := NewSTTChain(BreakerConfig{}).
		Add("a", &sttmock.Provider{Err: errors.New("down")}).
		Add("b", &sttmock.Provider{Err: errors.New("down")})

	_, err := c.Transcribe(context.Background(), []byte("audio"), stt.AudioConfig{})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
}

func TestTTSChain_PrimarySuffices(t *testing.T) {
	primary := &ttsmock.Provider{Clip: tts.Clip{Data: []byte("mp3"), MIMEType: "audio/mpeg"}}
	backup := &ttsmock.Provider{}
	c := NewTTSChain(BreakerConfig{}).Add("primary", primary).Add("backup", backup)

	clip, err := c.Synthesize(context.Background(), "hello", tts.VoiceProfile{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(clip.Data) != "mp3" {
		t.Errorf("clip = %q, want mp3", clip.Data)
	}
	if len(backup.SynthesizeCalls) != 0 {
		t.Errorf("backup calls = %d, want 0", len(backup.SynthesizeCalls))
	}
}
