// Package turn implements the conversation pipeline: transcribe the
// caller's input, generate a response, classify intent, decide on
// escalation, and persist the updated conversation state atomically.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/carillon-health/carillon/internal/audit"
	"github.com/carillon-health/carillon/internal/intent"
	"github.com/carillon-health/carillon/internal/observe"
	"github.com/carillon-health/carillon/internal/policy"
	"github.com/carillon-health/carillon/internal/prompt"
	"github.com/carillon-health/carillon/internal/session"
	"github.com/carillon-health/carillon/pkg/provider/llm"
	"github.com/carillon-health/carillon/pkg/provider/stt"
	"github.com/carillon-health/carillon/pkg/provider/tts"
)

// Scripted responses used when a capability is unavailable. The turn still
// completes; the caller hears a safe message instead of generated content.
const (
	RetryPrompt      = "I'm sorry, I didn't catch that. Could you please repeat your question?"
	ApologyResponse  = "I apologize, I'm having trouble answering right now. If this is urgent, I can connect you with a human agent."
	HandoffFraming   = "I'm connecting you to a human agent who can better assist you with your request."
	CallBackResponse = "We're unable to continue this call right now. Please call back in a few minutes."
)

// Capabilities bundles the external providers the pipeline calls.
type Capabilities struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
}

// ClipStore persists synthesized audio and returns a playable reference.
type ClipStore interface {
	Save(data []byte, mimeType string) (string, error)
}

// Config tunes the pipeline. Zero fields take defaults.
type Config struct {
	// MaxTokens and Temperature bound the generation call. Model selection
	// happens at provider construction.
	MaxTokens   int
	Temperature float64

	// Voice selects the synthesis voice.
	Voice tts.VoiceProfile

	// Audio describes the inbound audio format for transcription.
	Audio stt.AudioConfig

	// Deadline is the per-turn budget. Default 10s.
	Deadline time.Duration

	// FailureBudget is the number of consecutive degraded turns tolerated
	// before the call is declared failed. Default 3.
	FailureBudget int

	// RetryBackoff is the pause before the single store retry. Default 100ms.
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Deadline <= 0 {
		c.Deadline = 10 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 300
	}
	if c.FailureBudget <= 0 {
		c.FailureBudget = 3
	}
	return c
}

// Input is the caller's contribution to one turn. Exactly one of Audio or
// Text must be set; Text arrives with the carrier's own transcription
// confidence, Audio is transcribed by the pipeline.
type Input struct {
	Audio      []byte
	Text       string
	Confidence float64
}

// Processor runs the turn pipeline. Safe for concurrent use across call
// ids; turns for one call id serialize through the session store.
type Processor struct {
	states     session.Keyspace[State]
	caps       Capabilities
	classifier *intent.Classifier
	recorder   *audit.Recorder
	clips      ClipStore
	metrics    *observe.Metrics
	cfg        Config

	templates atomic.Pointer[prompt.Registry]
	policyCfg atomic.Pointer[policy.Config]
}

// NewProcessor wires the pipeline. clips may be nil, in which case turns
// produce text-only results.
func NewProcessor(states session.Keyspace[State], caps Capabilities, recorder *audit.Recorder, clips ClipStore, metrics *observe.Metrics, polCfg policy.Config, cfg Config) *Processor {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	p := &Processor{
		states:     states,
		caps:       caps,
		classifier: intent.NewClassifier(),
		recorder:   recorder,
		clips:      clips,
		metrics:    metrics,
		cfg:        cfg.withDefaults(),
	}
	p.templates.Store(prompt.NewRegistry())
	p.policyCfg.Store(&polCfg)
	return p
}

// SetTemplates atomically replaces the template registry. In-flight turns
// keep the registry they already loaded.
func (p *Processor) SetTemplates(reg *prompt.Registry) {
	p.templates.Store(reg)
}

// Templates returns the current template registry.
func (p *Processor) Templates() *prompt.Registry {
	return p.templates.Load()
}

// SetPolicy atomically replaces the escalation policy parameters.
func (p *Processor) SetPolicy(cfg policy.Config) {
	p.policyCfg.Store(&cfg)
}

// ProcessTurn runs one conversation turn for callID. On recoverable
// capability failures the returned Result carries a scripted response and
// Degraded=true alongside a non-nil *Error describing the failure; on
// unrecoverable failures (store down, malformed input) the Result is nil.
func (p *Processor) ProcessTurn(ctx context.Context, callID string, in Input, scenario string) (*Result, error) {
	if callID == "" {
		return nil, newError(InputError, errors.New("empty call id"))
	}
	if len(in.Audio) == 0 && in.Text == "" {
		return nil, newError(InputError, errors.New("no audio or text input"))
	}
	if scenario == "" {
		scenario = prompt.DefaultScenario
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Deadline)
	defer cancel()

	start := time.Now()
	log := observe.Logger(ctx).With("call_id", callID, "scenario", scenario)

	// Current state for prompt context. Absent state means first turn.
	state, err := p.loadState(ctx, callID, scenario)
	if err != nil {
		return nil, err
	}

	// Transcription. Failure here does not advance the turn: the caller
	// is asked to repeat instead.
	transcript, confidence, terr := p.transcribe(ctx, in)
	if terr != nil {
		p.metrics.RecordCapabilityError(ctx, "stt", string(KindOf(terr)))
		log.Warn("transcription failed", "error", terr)
		return &Result{
			Response:  RetryPrompt,
			TurnCount: state.TurnCount,
			Degraded:  true,
		}, terr
	}

	// Generation. Failure degrades to a scripted apology but the turn
	// still counts.
	response, gerr := p.generate(ctx, state, scenario, transcript)
	degraded := false
	if gerr != nil {
		p.metrics.RecordCapabilityError(ctx, "llm", string(KindOf(gerr)))
		log.Warn("generation failed, using scripted response", "error", gerr)
		response = ApologyResponse
		degraded = true
	}

	// A capability call may have consumed the whole turn budget. The
	// degraded turn still has to complete, so the write-back and audit run
	// on a detached context with a small grace allowance.
	if ctx.Err() != nil {
		var cancelGrace context.CancelFunc
		ctx, cancelGrace = context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancelGrace()
	}

	detected := p.classifier.Classify(transcript)

	// Policy sees the turn count including this turn. Only generated content
	// is scanned for trigger terms: the scripted apology mentions a human
	// agent and must not latch an escalation on its own.
	polIn := policy.Input{TurnCount: state.TurnCount + 1}
	if !degraded {
		polIn.ResponseText = response
	}
	polCfg := *p.policyCfg.Load()
	decision := policy.Decide(polCfg, polIn)

	updated, err := p.writeState(ctx, callID, scenario, transcript, response, detected, confidence, degraded, decision)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Transcript: transcript,
		Response:   response,
		Intent:     detected,
		Confidence: confidence,
		Escalate:   updated.Escalated,
		Reason:     updated.EscalationReason,
		TurnCount:  updated.TurnCount,
		Degraded:   degraded,
		Failed:     degraded && updated.FailureStreak >= p.cfg.FailureBudget,
	}

	// Synthesis. The handoff framing replaces the generated response when
	// the call is being escalated. Failure leaves the result text-only.
	speech := response
	if result.Escalate {
		speech = HandoffFraming
	}
	if ref, serr := p.synthesize(ctx, speech); serr != nil {
		p.metrics.RecordCapabilityError(ctx, "tts", string(KindOf(serr)))
		log.Warn("synthesis failed, returning text-only result", "error", serr)
	} else {
		result.AudioRef = ref
	}

	// Record the escalation once, on the turn that latched it.
	if result.Escalate && !state.Escalated {
		p.metrics.RecordEscalation(ctx, result.Reason)
		if aerr := p.recorder.Record(ctx, "system", audit.ActionEscalation, callID, audit.SeverityWarning, map[string]string{
			"reason": result.Reason,
			"turn":   strconv.Itoa(updated.TurnCount),
		}); aerr != nil {
			log.Error("audit write failed", "error", aerr)
		}
	}
	status := "ok"
	if degraded {
		status = "degraded"
	}
	p.metrics.RecordTurn(ctx, scenario, status, time.Since(start).Seconds())

	// Lengths only, never transcript or response content.
	if aerr := p.recorder.Record(ctx, "system", audit.ActionAIConversation, callID, audit.SeverityInfo, map[string]string{
		"scenario":          scenario,
		"turn":              strconv.Itoa(updated.TurnCount),
		"transcript_length": strconv.Itoa(len(transcript)),
		"response_length":   strconv.Itoa(len(response)),
		"intent":            detected,
		"escalated":         strconv.FormatBool(result.Escalate),
	}); aerr != nil {
		log.Error("audit write failed", "error", aerr)
	}

	if gerr != nil {
		return result, gerr
	}
	return result, nil
}

// Escalate forces the call to a human agent outside the policy path. The
// latch semantics are identical to a policy escalation.
func (p *Processor) Escalate(ctx context.Context, callID, reason string) (State, error) {
	if reason == "" {
		reason = policy.ReasonManual
	}
	state, err := p.states.Update(ctx, callID, func(v State, exists bool) (State, error) {
		if !exists {
			v = newState(callID, prompt.DefaultScenario)
		}
		if !v.Escalated {
			v.Escalated = true
			v.EscalationReason = reason
		}
		return v, nil
	})
	if err != nil {
		return State{}, p.classifyStoreErr(err)
	}

	p.metrics.RecordEscalation(ctx, reason)
	if aerr := p.recorder.Record(ctx, "operator", audit.ActionEscalation, callID, audit.SeverityWarning, map[string]string{
		"reason": reason,
	}); aerr != nil {
		observe.Logger(ctx).Error("audit write failed", "call_id", callID, "error", aerr)
	}
	return state, nil
}

// Summary returns the current conversation state for read-only consumers.
func (p *Processor) Summary(ctx context.Context, callID string) (State, error) {
	state, err := p.states.Get(ctx, callID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return State{}, err
		}
		return State{}, p.classifyStoreErr(err)
	}
	return state, nil
}

// End discards the conversation state when a call finishes.
func (p *Processor) End(ctx context.Context, callID string) error {
	if err := p.states.Delete(ctx, callID); err != nil && !errors.Is(err, session.ErrNotFound) {
		return p.classifyStoreErr(err)
	}
	return nil
}

func (p *Processor) loadState(ctx context.Context, callID, scenario string) (State, error) {
	state, err := p.states.Get(ctx, callID)
	if errors.Is(err, session.ErrNotFound) {
		return newState(callID, scenario), nil
	}
	if errors.Is(err, session.ErrUnavailable) {
		// Retryable exactly once.
		select {
		case <-time.After(p.cfg.RetryBackoff):
		case <-ctx.Done():
			return State{}, newError(TurnTimeout, ctx.Err())
		}
		state, err = p.states.Get(ctx, callID)
		if errors.Is(err, session.ErrNotFound) {
			return newState(callID, scenario), nil
		}
	}
	if err != nil {
		return State{}, p.classifyStoreErr(err)
	}
	return state, nil
}

func (p *Processor) writeState(ctx context.Context, callID, scenario, transcript, response, detected string, confidence float64, degraded bool, decision policy.Decision) (State, error) {
	mutate := func(v State, exists bool) (State, error) {
		if !exists {
			v = newState(callID, scenario)
		}
		v.TurnCount++
		v.Transcript = transcript
		v.Response = response
		v.Intent = detected
		v.Confidence = confidence
		// One healthy turn clears the streak; only uninterrupted failures
		// count against the budget.
		if degraded {
			v.FailureStreak++
		} else {
			v.FailureStreak = 0
		}
		// The escalation flag latches: a later calm turn never clears it.
		if !v.Escalated && decision.Escalate {
			v.Escalated = true
			v.EscalationReason = decision.Reason
		}
		return v, nil
	}

	state, err := p.states.Update(ctx, callID, mutate)
	if errors.Is(err, session.ErrUnavailable) {
		select {
		case <-time.After(p.cfg.RetryBackoff):
		case <-ctx.Done():
			return State{}, newError(TurnTimeout, ctx.Err())
		}
		state, err = p.states.Update(ctx, callID, mutate)
	}
	if err != nil {
		return State{}, p.classifyStoreErr(err)
	}
	return state, nil
}

func (p *Processor) transcribe(ctx context.Context, in Input) (string, float64, error) {
	if in.Text != "" {
		return in.Text, in.Confidence, nil
	}
	tr, err := p.caps.STT.Transcribe(ctx, in.Audio, p.cfg.Audio)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", 0, newError(TurnTimeout, err)
		}
		return "", 0, newError(TranscriptionFailed, err)
	}
	return tr.Text, tr.Confidence, nil
}

func (p *Processor) generate(ctx context.Context, state State, scenario, transcript string) (string, error) {
	rendered, err := p.templates.Load().Render(scenario, state.ContextJSON(), transcript)
	if err != nil {
		return "", newError(GenerationFailed, err)
	}

	req := llm.CompletionRequest{
		SystemPrompt: prompt.ComplianceDirective,
		Messages:     []llm.Message{{Role: "user", Content: rendered}},
		Temperature:  p.cfg.Temperature,
		MaxTokens:    p.cfg.MaxTokens,
	}
	resp, err := p.caps.LLM.Complete(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", newError(TurnTimeout, err)
		}
		return "", newError(GenerationFailed, err)
	}
	if resp.Content == "" {
		return "", newError(GenerationFailed, errors.New("empty completion"))
	}
	return resp.Content, nil
}

func (p *Processor) synthesize(ctx context.Context, text string) (string, error) {
	if p.clips == nil {
		return "", newError(SynthesisFailed, errors.New("no clip store configured"))
	}
	clip, err := p.caps.TTS.Synthesize(ctx, text, p.cfg.Voice)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", newError(TurnTimeout, err)
		}
		return "", newError(SynthesisFailed, err)
	}
	ref, err := p.clips.Save(clip.Data, clip.MIMEType)
	if err != nil {
		return "", newError(SynthesisFailed, fmt.Errorf("store clip: %w", err))
	}
	return ref, nil
}

func (p *Processor) classifyStoreErr(err error) error {
	switch {
	case errors.Is(err, session.ErrConflict):
		return newError(StateConflict, err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(TurnTimeout, err)
	default:
		return newError(StoreUnavailable, err)
	}
}

func newState(callID, scenario string) State {
	return State{
		CallID:    callID,
		Scenario:  scenario,
		StartedAt: time.Now().UTC(),
	}
}
