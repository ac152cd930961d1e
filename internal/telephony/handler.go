package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/carillon-health/carillon/internal/audit"
	"github.com/carillon-health/carillon/internal/call"
	"github.com/carillon-health/carillon/internal/observe"
	"github.com/carillon-health/carillon/internal/session"
	"github.com/carillon-health/carillon/internal/turn"
)

// Limiter rejects callers exceeding the webhook rate limit. Implementations
// should fail open.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// Publisher broadcasts call events for dashboards and other listeners.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// HandlerConfig tunes the adapter.
type HandlerConfig struct {
	// Queue is the agent queue escalated calls are enqueued to.
	// Default "healthcare_support".
	Queue string
	// SpeechAction is the webhook path the carrier posts speech results
	// to. Default "/voice/speech".
	SpeechAction string
	// PublicBaseURL is this service's externally reachable base URL,
	// used as the callback for outbound calls.
	PublicBaseURL string
	// DefaultScenario applies when a call arrives without one.
	DefaultScenario string
}

func (c HandlerConfig) withDefaults() HandlerConfig {
	if c.Queue == "" {
		c.Queue = "healthcare_support"
	}
	if c.SpeechAction == "" {
		c.SpeechAction = "/voice/speech"
	}
	return c
}

// Handler is the carrier-facing HTTP adapter. It owns the CallSession
// records and translates carrier events into state machine transitions and
// turn pipeline invocations.
type Handler struct {
	sessions session.Keyspace[call.Session]
	proc     *turn.Processor
	carrier  Carrier
	recorder *audit.Recorder
	limiter  Limiter
	events   Publisher
	cfg      HandlerConfig
	now      func() time.Time
}

// NewHandler wires the adapter. limiter and events may be nil.
func NewHandler(sessions session.Keyspace[call.Session], proc *turn.Processor, carrier Carrier, recorder *audit.Recorder, limiter Limiter, events Publisher, cfg HandlerConfig) *Handler {
	return &Handler{
		sessions: sessions,
		proc:     proc,
		carrier:  carrier,
		recorder: recorder,
		limiter:  limiter,
		events:   events,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// Register mounts all carrier and operator routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /voice/webhook", h.handleAnswer)
	mux.HandleFunc("POST /voice/speech", h.handleSpeech)
	mux.HandleFunc("POST /voice/status", h.handleStatus)
	mux.HandleFunc("POST /voice/recording", h.handleRecording)
	mux.HandleFunc("POST /calls", h.handleInitiate)
	mux.HandleFunc("GET /calls/{id}", h.handleDetails)
	mux.HandleFunc("POST /calls/{id}/end", h.handleEnd)
	mux.HandleFunc("POST /calls/{id}/escalate", h.handleEscalate)
	mux.HandleFunc("POST /admin/templates", h.handleTemplateSwap)
}

// handleAnswer serves the first webhook for a call: it creates or answers
// the CallSession and greets the caller.
func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callID := r.PostFormValue("CallSid")
	if callID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}
	if h.limiter != nil && !h.limiter.Allow(ctx, r.PostFormValue("From")) {
		h.auditEvent(ctx, audit.ActionRateLimited, callID, audit.SeverityWarning, map[string]string{
			"from": audit.MaskIdentifier(r.PostFormValue("From")),
		})
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	scenario := h.scenarioOr(r.PostFormValue("scenario"))
	from, to := r.PostFormValue("From"), r.PostFormValue("To")

	sess, late, err := h.applyEvent(ctx, callID, call.EventAnswered, func(s *call.Session) {
		if s.CallID == "" {
			*s = *call.NewSession(callID, from, to, "inbound", scenario, h.now())
		}
	})
	if err != nil {
		h.renderStoreFailure(ctx, w, err)
		return
	}
	if late {
		h.writeTwiML(ctx, w, Apology(goodbyeLine))
		return
	}

	h.publishStatus(ctx, callID, sess.Status)
	h.auditEvent(ctx, audit.ActionCallStatus, callID, audit.SeverityInfo, map[string]string{
		"status": string(sess.Status),
		"from":   audit.MaskIdentifier(from),
		"to":     audit.MaskIdentifier(to),
	})
	h.writeTwiML(ctx, w, Welcome(h.cfg.SpeechAction))
}

// handleSpeech runs one conversation turn from a carrier speech result.
func (h *Handler) handleSpeech(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callID := r.PostFormValue("CallSid")
	if callID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}
	speech := r.PostFormValue("SpeechResult")
	if speech == "" {
		// No speech captured; re-prompt rather than burning a turn.
		h.writeTwiML(ctx, w, Welcome(h.cfg.SpeechAction))
		return
	}
	confidence, _ := strconv.ParseFloat(r.PostFormValue("Confidence"), 64)
	scenario := h.scenarioOr(r.PostFormValue("scenario"))

	// Refuse turns for finished calls before touching conversation state.
	if sess, err := h.sessions.Get(ctx, callID); err == nil && sess.Status.Terminal() {
		h.recordLateEvent(ctx, callID, "speech", sess.Status)
		h.writeTwiML(ctx, w, Apology(goodbyeLine))
		return
	}

	res, terr := h.proc.ProcessTurn(ctx, callID, turn.Input{Text: speech, Confidence: confidence}, scenario)
	if terr != nil && res == nil {
		switch turn.KindOf(terr) {
		case turn.InputError:
			http.Error(w, "malformed speech payload", http.StatusBadRequest)
		default:
			h.renderStoreFailure(ctx, w, terr)
		}
		return
	}

	// Consecutive degraded turns past the budget fail the call; the caller
	// hears the call-back line instead of a fourth apology.
	if res.Failed {
		if _, _, err := h.applyEvent(ctx, callID, call.EventPipelineError, nil); err != nil {
			observe.Logger(ctx).Error("failure transition failed", "call_id", callID, "error", err)
		}
		h.publishStatus(ctx, callID, call.StatusFailed)
		h.auditEvent(ctx, audit.ActionPipelineFailed, callID, audit.SeverityError, map[string]string{
			"turn": strconv.Itoa(res.TurnCount),
		})
		if err := h.proc.End(ctx, callID); err != nil {
			observe.Logger(ctx).Warn("conversation cleanup failed", "call_id", callID, "error", err)
		}
		h.writeTwiML(ctx, w, Apology(turn.CallBackResponse))
		return
	}

	// Degraded results still render; the caller hears the scripted line.
	if res.Escalate {
		if _, _, err := h.applyEvent(ctx, callID, call.EventEscalationDecided, nil); err != nil {
			observe.Logger(ctx).Error("escalation transition failed", "call_id", callID, "error", err)
		}
		h.publishStatus(ctx, callID, call.StatusEscalated)
		h.writeTwiML(ctx, w, Handoff(turn.HandoffFraming, h.cfg.Queue, callID, res.Reason))
		return
	}

	if _, _, err := h.applyEvent(ctx, callID, call.EventTurnCompleted, nil); err != nil {
		observe.Logger(ctx).Error("turn transition failed", "call_id", callID, "error", err)
	}

	// Re-read before rendering: a status webhook may have finished the
	// call while this turn was processing.
	if sess, err := h.sessions.Get(ctx, callID); err == nil && sess.Status.Terminal() {
		h.writeTwiML(ctx, w, Apology(goodbyeLine))
		return
	}
	h.writeTwiML(ctx, w, TurnReply(res.Response, res.AudioRef, h.cfg.SpeechAction))
}

// handleStatus ingests carrier status callbacks.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callID := r.PostFormValue("CallSid")
	status := r.PostFormValue("CallStatus")
	if callID == "" || status == "" {
		http.Error(w, "missing CallSid or CallStatus", http.StatusBadRequest)
		return
	}
	duration, _ := strconv.Atoi(r.PostFormValue("CallDuration"))

	ev, ok := call.EventForCarrierStatus(status)
	if !ok {
		// Pre-answer progress or unknown status: acknowledge without
		// transitioning.
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	sess, late, err := h.applyEvent(ctx, callID, ev, func(s *call.Session) {
		if s.CallID == "" {
			*s = *call.NewSession(callID, "", "", "inbound", "", h.now())
		}
		if duration > 0 {
			s.Duration = duration
		}
	})
	if err != nil {
		h.jsonStoreFailure(ctx, w, err)
		return
	}
	if late {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "late"})
		return
	}

	h.publishStatus(ctx, callID, sess.Status)
	h.auditEvent(ctx, audit.ActionCallStatus, callID, audit.SeverityInfo, map[string]string{
		"carrier_status": status,
		"status":         string(sess.Status),
	})
	if sess.Status.Terminal() {
		if err := h.proc.End(ctx, callID); err != nil {
			observe.Logger(ctx).Warn("conversation cleanup failed", "call_id", callID, "error", err)
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRecording stores the recording reference. Recording callbacks
// normally arrive after the call has completed, so no transition happens.
func (h *Handler) handleRecording(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callID := r.PostFormValue("CallSid")
	recordingURL := r.PostFormValue("RecordingUrl")
	if callID == "" || recordingURL == "" {
		http.Error(w, "missing CallSid or RecordingUrl", http.StatusBadRequest)
		return
	}

	_, err := h.sessions.Update(ctx, callID, func(s call.Session, exists bool) (call.Session, error) {
		if !exists {
			return s, session.ErrNotFound
		}
		s.RecordingURL = recordingURL
		s.UpdatedAt = h.now().UTC()
		return s, nil
	})
	if errors.Is(err, session.ErrNotFound) {
		http.Error(w, "unknown call", http.StatusNotFound)
		return
	}
	if err != nil {
		h.jsonStoreFailure(ctx, w, err)
		return
	}

	h.auditEvent(ctx, audit.ActionRecording, callID, audit.SeverityInfo, map[string]string{
		"recording_sid": r.PostFormValue("RecordingSid"),
	})
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// initiateRequest is the operator-facing outbound call request.
type initiateRequest struct {
	To       string `json:"to"`
	Scenario string `json:"scenario"`
}

func (h *Handler) handleInitiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	callID, err := h.carrier.PlaceCall(ctx, req.To, h.cfg.PublicBaseURL+"/voice/webhook", h.cfg.PublicBaseURL+"/voice/status")
	if err != nil {
		observe.Logger(ctx).Error("outbound call failed", "error", err)
		http.Error(w, "carrier rejected call", http.StatusBadGateway)
		return
	}

	sess := call.NewSession(callID, "", req.To, "outbound", h.scenarioOr(req.Scenario), h.now())
	if err := h.sessions.Put(ctx, callID, *sess); err != nil {
		observe.Logger(ctx).Error("session create failed", "call_id", callID, "error", err)
	}

	h.auditEvent(ctx, audit.ActionCallInitiated, callID, audit.SeverityInfo, map[string]string{
		"to":       audit.MaskIdentifier(req.To),
		"scenario": sess.Scenario,
	})
	h.writeJSON(w, http.StatusCreated, map[string]string{
		"call_id": callID,
		"status":  string(sess.Status),
	})
}

// callView is the dashboard-facing read model with masked identifiers.
type callView struct {
	CallID       string      `json:"call_id"`
	From         string      `json:"from"`
	To           string      `json:"to"`
	Direction    string      `json:"direction"`
	Status       call.Status `json:"status"`
	Scenario     string      `json:"scenario"`
	TurnCount    int         `json:"turn_count"`
	Escalated    bool        `json:"escalated"`
	Reason       string      `json:"escalation_reason,omitempty"`
	RecordingURL string      `json:"recording_url,omitempty"`
	Duration     int         `json:"duration_seconds,omitempty"`
}

func (h *Handler) handleDetails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callID := r.PathValue("id")

	sess, err := h.sessions.Get(ctx, callID)
	if errors.Is(err, session.ErrNotFound) {
		http.Error(w, "unknown call", http.StatusNotFound)
		return
	}
	if err != nil {
		h.jsonStoreFailure(ctx, w, err)
		return
	}

	view := callView{
		CallID:       sess.CallID,
		From:         audit.MaskIdentifier(sess.From),
		To:           audit.MaskIdentifier(sess.To),
		Direction:    sess.Direction,
		Status:       sess.Status,
		Scenario:     sess.Scenario,
		RecordingURL: sess.RecordingURL,
		Duration:     sess.Duration,
	}
	if state, err := h.proc.Summary(ctx, callID); err == nil {
		view.TurnCount = state.TurnCount
		view.Escalated = state.Escalated
		view.Reason = state.EscalationReason
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callID := r.PathValue("id")

	if err := h.carrier.UpdateStatus(ctx, callID, "completed"); err != nil {
		observe.Logger(ctx).Error("carrier hangup failed", "call_id", callID, "error", err)
		http.Error(w, "carrier rejected hangup", http.StatusBadGateway)
		return
	}
	sess, late, err := h.applyEvent(ctx, callID, call.EventHangup, nil)
	if err != nil {
		h.jsonStoreFailure(ctx, w, err)
		return
	}
	if !late {
		h.publishStatus(ctx, callID, sess.Status)
		if err := h.proc.End(ctx, callID); err != nil {
			observe.Logger(ctx).Warn("conversation cleanup failed", "call_id", callID, "error", err)
		}
	}

	h.auditEvent(ctx, audit.ActionCallEnded, callID, audit.SeverityInfo, nil)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": string(call.StatusCompleted)})
}

func (h *Handler) handleEscalate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callID := r.PathValue("id")

	state, err := h.proc.Escalate(ctx, callID, "manual")
	if err != nil {
		h.jsonStoreFailure(ctx, w, err)
		return
	}
	if _, _, err := h.applyEvent(ctx, callID, call.EventManualEscalate, nil); err != nil {
		observe.Logger(ctx).Warn("escalation transition failed", "call_id", callID, "error", err)
	}
	h.publishStatus(ctx, callID, call.StatusEscalated)
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": string(call.StatusEscalated),
		"reason": state.EscalationReason,
	})
}

// templateSwapRequest replaces one scenario's prompt template.
type templateSwapRequest struct {
	Scenario string `json:"scenario"`
	Template string `json:"template"`
}

func (h *Handler) handleTemplateSwap(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req templateSwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Scenario == "" || req.Template == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	h.proc.SetTemplates(h.proc.Templates().WithTemplate(req.Scenario, req.Template))
	h.auditEvent(ctx, audit.ActionTemplateSwap, req.Scenario, audit.SeverityInfo, map[string]string{
		"template_length": strconv.Itoa(len(req.Template)),
	})
	h.writeJSON(w, http.StatusOK, map[string]any{
		"scenarios": h.proc.Templates().Scenarios(),
	})
}

// applyEvent transitions the CallSession under the store's per-key lock.
// prepare, when non-nil, runs before the transition and may initialise a
// fresh session. Returns late=true when the session was already terminal;
// in that case nothing was written and exactly one late-event audit entry
// is recorded.
func (h *Handler) applyEvent(ctx context.Context, callID string, ev call.Event, prepare func(*call.Session)) (call.Session, bool, error) {
	var wasTerminal call.Status
	sess, err := h.sessions.Update(ctx, callID, func(s call.Session, exists bool) (call.Session, error) {
		if prepare != nil {
			prepare(&s)
		}
		if s.Status.Terminal() {
			wasTerminal = s.Status
			return s, call.ErrInvalidTransition
		}
		if err := s.Apply(ev, h.now()); err != nil {
			return s, err
		}
		return s, nil
	})
	if err != nil {
		if wasTerminal != "" {
			h.recordLateEvent(ctx, callID, string(ev), wasTerminal)
			return call.Session{}, true, nil
		}
		if errors.Is(err, call.ErrInvalidTransition) {
			// Out-of-order but not late; log and move on.
			observe.Logger(ctx).Warn("ignoring out-of-order event", "call_id", callID, "event", string(ev))
			return call.Session{}, false, nil
		}
		return call.Session{}, false, err
	}
	return sess, false, nil
}

func (h *Handler) recordLateEvent(ctx context.Context, callID, event string, status call.Status) {
	h.auditEvent(ctx, audit.ActionLateEvent, callID, audit.SeverityWarning, map[string]string{
		"event":  event,
		"status": string(status),
	})
}

// scenarioOr falls back to the configured default scenario.
func (h *Handler) scenarioOr(scenario string) string {
	if scenario == "" {
		return h.cfg.DefaultScenario
	}
	return scenario
}

func (h *Handler) auditEvent(ctx context.Context, action, resource, severity string, detail map[string]string) {
	if err := h.recorder.Record(ctx, "system", action, resource, severity, detail); err != nil {
		observe.Logger(ctx).Error("audit write failed", "action", action, "error", err)
	}
}

func (h *Handler) publishStatus(ctx context.Context, callID string, status call.Status) {
	if h.events == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"call_sid":  callID,
		"status":    string(status),
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
	if err := h.events.Publish(ctx, payload); err != nil {
		observe.Logger(ctx).Warn("event publish failed", "call_id", callID, "error", err)
	}
}

// renderStoreFailure answers a caller-facing route when the session store is
// down: the caller hears the call-back line instead of dead air.
func (h *Handler) renderStoreFailure(ctx context.Context, w http.ResponseWriter, err error) {
	observe.Logger(ctx).Error("session store failure", "error", err)
	h.writeTwiML(ctx, w, Apology(turn.CallBackResponse))
}

func (h *Handler) jsonStoreFailure(ctx context.Context, w http.ResponseWriter, err error) {
	observe.Logger(ctx).Error("session store failure", "error", err)
	http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
}

func (h *Handler) writeTwiML(ctx context.Context, w http.ResponseWriter, d Document) {
	body, err := Render(d)
	if err != nil {
		observe.Logger(ctx).Error("twiml render failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
