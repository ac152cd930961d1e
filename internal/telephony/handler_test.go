package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/carillon-health/carillon/internal/audit"
	"github.com/carillon-health/carillon/internal/call"
	"github.com/carillon-health/carillon/internal/policy"
	"github.com/carillon-health/carillon/internal/session"
	"github.com/carillon-health/carillon/internal/turn"
	"github.com/carillon-health/carillon/pkg/provider/llm"
	llmmock "github.com/carillon-health/carillon/pkg/provider/llm/mock"
	"github.com/carillon-health/carillon/pkg/provider/stt"
	sttmock "github.com/carillon-health/carillon/pkg/provider/stt/mock"
	"github.com/carillon-health/carillon/pkg/provider/tts"
	ttsmock "github.com/carillon-health/carillon/pkg/provider/tts/mock"
)

type fakeCarrier struct {
	mu        sync.Mutex
	placeSID  string
	placeErr  error
	voiceURL  string
	statusURL string
	updates   []string
}

func (f *fakeCarrier) PlaceCall(ctx context.Context, to, voiceURL, statusURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voiceURL, f.statusURL = voiceURL, statusURL
	if f.placeErr != nil {
		return "", f.placeErr
	}
	if f.placeSID == "" {
		f.placeSID = "CA_OUT"
	}
	return f.placeSID, nil
}

func (f *fakeCarrier) FetchCall(ctx context.Context, callID string) (CallDetails, error) {
	return CallDetails{CallID: callID}, nil
}

func (f *fakeCarrier) UpdateStatus(ctx context.Context, callID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, callID+":"+status)
	return nil
}

type sinkCapture struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *sinkCapture) Write(ctx context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *sinkCapture) byAction(action string) []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Entry
	for _, e := range s.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type fixedLimiter struct{ allow bool }

func (l fixedLimiter) Allow(ctx context.Context, key string) bool { return l.allow }

type capturePublisher struct {
	mu       sync.Mutex
	payloads []string
}

func (p *capturePublisher) Publish(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, string(payload))
	return nil
}

type clipStub struct{}

func (clipStub) Save(data []byte, mimeType string) (string, error) {
	return "/audio/clip.mp3", nil
}

type harness struct {
	mux       *http.ServeMux
	sessions  session.Keyspace[call.Session]
	states    session.Keyspace[turn.State]
	carrier   *fakeCarrier
	sink      *sinkCapture
	publisher *capturePublisher
	llm       *llmmock.Provider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := session.NewMemStore()
	sessions := session.NewKeyspace[call.Session](store, "call", time.Hour)
	states := session.NewKeyspace[turn.State](store, "conv", 30*time.Minute)

	llmMock := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "Your balance is two hundred dollars."},
	}
	caps := turn.Capabilities{
		STT: &sttmock.Provider{Result: stt.Transcription{Text: "what is my balance", Confidence: 0.95}},
		LLM: llmMock,
		TTS: &ttsmock.Provider{Clip: tts.Clip{Data: []byte{1, 2}, MIMEType: "audio/mpeg"}},
	}

	sink := &sinkCapture{}
	recorder := audit.NewRecorder([]audit.Sink{sink})
	proc := turn.NewProcessor(states, caps, recorder, clipStub{}, nil, policy.DefaultConfig(), turn.Config{})

	carrier := &fakeCarrier{}
	publisher := &capturePublisher{}
	h := NewHandler(sessions, proc, carrier, recorder, fixedLimiter{allow: true}, publisher, HandlerConfig{
		PublicBaseURL: "https://carillon.example.com",
	})
	mux := http.NewServeMux()
	h.Register(mux)

	return &harness{
		mux:       mux,
		sessions:  sessions,
		states:    states,
		carrier:   carrier,
		sink:      sink,
		publisher: publisher,
		llm:       llmMock,
	}
}

func (h *harness) postForm(t *testing.T, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.mux.ServeHTTP(w, req)
	return w
}

func (h *harness) postJSON(t *testing.T, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.mux.ServeHTTP(w, req)
	return w
}

// answer drives a call through the initial webhook so speech tests start
// from an in-progress session.
func (h *harness) answer(t *testing.T, callID string) {
	t.Helper()
	w := h.postForm(t, "/voice/webhook", url.Values{
		"CallSid": {callID},
		"From":    {"+15550001111"},
		"To":      {"+15559998888"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("answer webhook status = %d: %s", w.Code, w.Body.String())
	}
}

func TestAnswerCreatesSessionAndGreets(t *testing.T) {
	h := newHarness(t)
	h.answer(t, "CA100")

	sess, err := h.sessions.Get(context.Background(), "CA100")
	if err != nil {
		t.Fatalf("session not created: %v", err)
	}
	if sess.Status != call.StatusInProgress {
		t.Errorf("status = %q, want in_progress", sess.Status)
	}
	if sess.From != "+15550001111" {
		t.Errorf("from = %q", sess.From)
	}

	if got := h.publisher.payloads; len(got) != 1 || !strings.Contains(got[0], "in_progress") {
		t.Errorf("published events = %v", got)
	}
}

func TestAnswerRendersWelcome(t *testing.T) {
	h := newHarness(t)
	w := h.postForm(t, "/voice/webhook", url.Values{"CallSid": {"CA101"}, "From": {"+15550001111"}})

	body := w.Body.String()
	if !strings.Contains(body, "Welcome to our healthcare billing assistance line") {
		t.Errorf("greeting missing:\n%s", body)
	}
	if got := w.Header().Get("Content-Type"); got != "application/xml" {
		t.Errorf("content type = %q", got)
	}
}

func TestAnswerMissingCallSid(t *testing.T) {
	h := newHarness(t)
	w := h.postForm(t, "/voice/webhook", url.Values{"From": {"+15550001111"}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSpeechTurnRepliesWithClip(t *testing.T) {
	h := newHarness(t)
	h.answer(t, "CA200")

	w := h.postForm(t, "/voice/speech", url.Values{
		"CallSid":      {"CA200"},
		"SpeechResult": {"what is my current balance"},
		"Confidence":   {"0.92"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "<Play>/audio/clip.mp3</Play>") {
		t.Errorf("clip not played:\n%s", body)
	}

	state, err := h.states.Get(context.Background(), "CA200")
	if err != nil {
		t.Fatalf("conversation state missing: %v", err)
	}
	if state.TurnCount != 1 {
		t.Errorf("turn count = %d, want 1", state.TurnCount)
	}
}

func TestSpeechWithoutResultReprompts(t *testing.T) {
	h := newHarness(t)
	h.answer(t, "CA201")

	w := h.postForm(t, "/voice/speech", url.Values{"CallSid": {"CA201"}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "state your question") {
		t.Errorf("expected re-prompt:\n%s", w.Body.String())
	}
	// No turn was consumed.
	if _, err := h.states.Get(context.Background(), "CA201"); err == nil {
		t.Error("conversation state created for empty speech")
	}
}

func TestSpeechTriggerTermEscalates(t *testing.T) {
	h := newHarness(t)
	h.answer(t, "CA300")
	h.llm.CompleteResponse = &llm.CompletionResponse{
		Content: "Let me transfer you to a human agent for that.",
	}

	w := h.postForm(t, "/voice/speech", url.Values{
		"CallSid":      {"CA300"},
		"SpeechResult": {"I need help with a dispute"},
	})
	body := w.Body.String()
	if !strings.Contains(body, "<Enqueue>healthcare_support") {
		t.Errorf("call not enqueued:\n%s", body)
	}
	if !strings.Contains(body, "trigger_term") {
		t.Errorf("escalation reason missing from task metadata:\n%s", body)
	}

	sess, _ := h.sessions.Get(context.Background(), "CA300")
	if sess.Status != call.StatusEscalated {
		t.Errorf("session status = %q, want escalated", sess.Status)
	}
	if got := h.sink.byAction(audit.ActionEscalation); len(got) != 1 {
		t.Errorf("escalation audit entries = %d, want 1", len(got))
	}
}

func TestSpeechOnTerminalSessionIsLate(t *testing.T) {
	h := newHarness(t)
	h.answer(t, "CA400")
	h.postForm(t, "/voice/status", url.Values{"CallSid": {"CA400"}, "CallStatus": {"completed"}})

	before, _ := h.sessions.Get(context.Background(), "CA400")
	w := h.postForm(t, "/voice/speech", url.Values{
		"CallSid":      {"CA400"},
		"SpeechResult": {"hello are you there"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<Hangup>") {
		t.Errorf("late speech should hang up:\n%s", w.Body.String())
	}

	after, _ := h.sessions.Get(context.Background(), "CA400")
	if after.Status != before.Status || after.UpdatedAt != before.UpdatedAt {
		t.Errorf("terminal session mutated: before=%+v after=%+v", before, after)
	}
	if got := h.sink.byAction(audit.ActionLateEvent); len(got) != 1 {
		t.Errorf("late event audit entries = %d, want 1", len(got))
	}
}

func TestStatusCompletedCleansConversation(t *testing.T) {
	h := newHarness(t)
	h.answer(t, "CA500")
	h.postForm(t, "/voice/speech", url.Values{"CallSid": {"CA500"}, "SpeechResult": {"billing question"}})

	w := h.postForm(t, "/voice/status", url.Values{
		"CallSid":      {"CA500"},
		"CallStatus":   {"completed"},
		"CallDuration": {"73"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	sess, _ := h.sessions.Get(context.Background(), "CA500")
	if sess.Status != call.StatusCompleted {
		t.Errorf("session status = %q, want completed", sess.Status)
	}
	if sess.Duration != 73 {
		t.Errorf("duration = %d, want 73", sess.Duration)
	}
	if _, err := h.states.Get(context.Background(), "CA500"); err == nil {
		t.Error("conversation state survived call completion")
	}
}

func TestStatusLateEventAuditedOnce(t *testing.T) {
	h := newHarness(t)
	h.answer(t, "CA501")
	h.postForm(t, "/voice/status", url.Values{"CallSid": {"CA501"}, "CallStatus": {"completed"}})

	w := h.postForm(t, "/voice/status", url.Values{"CallSid": {"CA501"}, "CallStatus": {"failed"}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "late") {
		t.Errorf("late ack missing: %s", w.Body.String())
	}

	sess, _ := h.sessions.Get(context.Background(), "CA501")
	if sess.Status != call.StatusCompleted {
		t.Errorf("terminal status changed to %q", sess.Status)
	}
	if got := h.sink.byAction(audit.ActionLateEvent); len(got) != 1 {
		t.Errorf("late event audit entries = %d, want 1", len(got))
	}
}

func TestStatusPreAnswerProgressIgnored(t *testing.T) {
	h := newHarness(t)
	w := h.postForm(t, "/voice/status", url.Values{"CallSid": {"CA502"}, "CallStatus": {"ringing"}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ignored") {
		t.Errorf("expected ignore ack: %s", w.Body.String())
	}
}

func TestRateLimitedAnswer(t *testing.T) {
	h := newHarness(t)
	limited := NewHandler(h.sessions, nil, h.carrier, audit.NewRecorder([]audit.Sink{h.sink}), fixedLimiter{allow: false}, nil, HandlerConfig{})
	mux := http.NewServeMux()
	limited.Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/voice/webhook", strings.NewReader(url.Values{
		"CallSid": {"CA600"}, "From": {"+15550001111"},
	}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
	if got := h.sink.byAction(audit.ActionRateLimited); len(got) != 1 {
		t.Errorf("rate limit audit entries = %d, want 1", len(got))
	}
}

func TestRecordingStored(t *testing.T) {
	h := newHarness(t)
	h.answer(t, "CA700")

	w := h.postForm(t, "/voice/recording", url.Values{
		"CallSid":      {"CA700"},
		"RecordingUrl": {"https://carrier.example.com/rec/RE1.mp3"},
		"RecordingSid": {"RE1"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	sess, _ := h.sessions.Get(context.Background(), "CA700")
	if sess.RecordingURL != "https://carrier.example.com/rec/RE1.mp3" {
		t.Errorf("recording url = %q", sess.RecordingURL)
	}
	if got := h.sink.byAction(audit.ActionRecording); len(got) != 1 {
		t.Errorf("recording audit entries = %d, want 1", len(got))
	}
}

func TestRecordingUnknownCall(t *testing.T) {
	h := newHarness(t)
	w := h.postForm(t, "/voice/recording", url.Values{
		"CallSid":      {"CA_MISSING"},
		"RecordingUrl": {"https://carrier.example.com/rec/RE2.mp3"},
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestInitiateOutboundCall(t *testing.T) {
	h := newHarness(t)
	h.carrier.placeSID = "CA_OUT_1"

	w := h.postJSON(t, "/calls", `{"to":"+15552223333","scenario":"insurance_verification"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["call_id"] != "CA_OUT_1" || resp["status"] != "ringing" {
		t.Errorf("response = %v", resp)
	}

	if h.carrier.voiceURL != "https://carillon.example.com/voice/webhook" {
		t.Errorf("voice url = %q", h.carrier.voiceURL)
	}
	if h.carrier.statusURL != "https://carillon.example.com/voice/status" {
		t.Errorf("status url = %q", h.carrier.statusURL)
	}

	sess, err := h.sessions.Get(context.Background(), "CA_OUT_1")
	if err != nil {
		t.Fatalf("session not created: %v", err)
	}
	if sess.Direction != "outbound" || sess.Scenario != "insurance_verification" {
		t.Errorf("session = %+v", sess)
	}
}

func TestDetailsMasksNumbers(t *testing.T) {
	h := newHarness(t)
	h.answer(t, "CA800")
	h.postForm(t, "/voice/speech", url.Values{"CallSid": {"CA800"}, "SpeechResult": {"billing question"}})

	req := httptest.NewRequest(http.MethodGet, "/calls/CA800", nil)
	w := httptest.NewRecorder()
	h.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var view callView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.From != "***1111" {
		t.Errorf("from = %q, want ***1111", view.From)
	}
	if view.To != "***8888" {
		t.Errorf("to = %q, want ***8888", view.To)
	}
	if view.TurnCount != 1 {
		t.Errorf("turn count = %d, want 1", view.TurnCount)
	}
}

func TestDetailsUnknownCall(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/calls/CA_MISSING", nil)
	w := httptest.NewRecorder()
	h.mux.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestOperatorEndHangsUpAndCleans(t *testing.T) {
	h := newHarness(t)
	h.answer(t, "CA900")
	h.postForm(t, "/voice/speech", url.Values{"CallSid": {"CA900"}, "SpeechResult": {"billing question"}})

	w := h.postJSON(t, "/calls/CA900/end", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	if len(h.carrier.updates) != 1 || h.carrier.updates[0] != "CA900:completed" {
		t.Errorf("carrier updates = %v", h.carrier.updates)
	}
	sess, _ := h.sessions.Get(context.Background(), "CA900")
	if sess.Status != call.StatusCompleted {
		t.Errorf("session status = %q, want completed", sess.Status)
	}
	if _, err := h.states.Get(context.Background(), "CA900"); err == nil {
		t.Error("conversation state survived operator end")
	}
}

func TestOperatorEscalate(t *testing.T) {
	h := newHarness(t)
	h.answer(t, "CA901")

	w := h.postJSON(t, "/calls/CA901/escalate", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["reason"] != policy.ReasonManual {
		t.Errorf("reason = %q, want manual", resp["reason"])
	}

	sess, _ := h.sessions.Get(context.Background(), "CA901")
	if sess.Status != call.StatusEscalated {
		t.Errorf("session status = %q, want escalated", sess.Status)
	}
}

func TestTemplateSwap(t *testing.T) {
	h := newHarness(t)
	w := h.postJSON(t, "/admin/templates", `{"scenario":"billing_followup","template":"Context: {context}\nCaller: {message}"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "billing_followup") {
		t.Errorf("new scenario not listed: %s", w.Body.String())
	}
	if got := h.sink.byAction(audit.ActionTemplateSwap); len(got) != 1 {
		t.Errorf("template swap audit entries = %d, want 1", len(got))
	}
}

func TestSpeechRepeatedFailuresFailTheCall(t *testing.T) {
	h := newHarness(t)
	h.answer(t, "CA850")
	h.llm.CompleteResponse = nil
	h.llm.CompleteErr = errors.New("model down")

	speak := func() *httptest.ResponseRecorder {
		return h.postForm(t, "/voice/speech", url.Values{
			"CallSid":      {"CA850"},
			"SpeechResult": {"what is my balance"},
		})
	}

	// Two degraded turns keep the call alive on scripted apologies.
	for i := 0; i < 2; i++ {
		w := speak()
		if w.Code != http.StatusOK {
			t.Fatalf("degraded turn %d status = %d", i+1, w.Code)
		}
		if !strings.Contains(w.Body.String(), "having trouble answering") {
			t.Fatalf("degraded turn %d did not render the apology:\n%s", i+1, w.Body.String())
		}
		sess, _ := h.sessions.Get(context.Background(), "CA850")
		if sess.Status != call.StatusInProgress {
			t.Fatalf("session status = %q after %d failures, want in_progress", sess.Status, i+1)
		}
	}

	// The third consecutive failure exhausts the budget.
	w := speak()
	body := w.Body.String()
	if !strings.Contains(body, "Please call back") || !strings.Contains(body, "<Hangup>") {
		t.Errorf("exhausted budget did not hang up with the call-back line:\n%s", body)
	}

	sess, err := h.sessions.Get(context.Background(), "CA850")
	if err != nil {
		t.Fatalf("session gone: %v", err)
	}
	if sess.Status != call.StatusFailed {
		t.Errorf("session status = %q, want failed", sess.Status)
	}
	if got := h.sink.byAction(audit.ActionPipelineFailed); len(got) != 1 {
		t.Errorf("pipeline failure audit entries = %d, want 1", len(got))
	}
	if _, err := h.states.Get(context.Background(), "CA850"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("conversation state not cleaned up: err = %v", err)
	}
}

func TestDefaultScenarioAppliesWhenAbsent(t *testing.T) {
	h := newHarness(t)
	withDefault := NewHandler(h.sessions, nil, h.carrier, audit.NewRecorder([]audit.Sink{h.sink}), fixedLimiter{allow: true}, nil, HandlerConfig{
		PublicBaseURL:   "https://carillon.example.com",
		DefaultScenario: "billing_inquiry",
	})
	mux := http.NewServeMux()
	withDefault.Register(mux)
	h.mux = mux

	h.answer(t, "CA860")
	sess, err := h.sessions.Get(context.Background(), "CA860")
	if err != nil {
		t.Fatalf("session not created: %v", err)
	}
	if sess.Scenario != "billing_inquiry" {
		t.Errorf("inbound scenario = %q, want configured default", sess.Scenario)
	}

	w := h.postJSON(t, "/calls", `{"to": "+15557776666"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("initiate status = %d: %s", w.Code, w.Body.String())
	}
	out, err := h.sessions.Get(context.Background(), h.carrier.placeSID)
	if err != nil {
		t.Fatalf("outbound session not created: %v", err)
	}
	if out.Scenario != "billing_inquiry" {
		t.Errorf("outbound scenario = %q, want configured default", out.Scenario)
	}
}
