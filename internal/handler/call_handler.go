package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ClareAI/astra-dialer/internal/callstate"
	"github.com/ClareAI/astra-dialer/internal/config"
	"github.com/ClareAI/astra-dialer/internal/core/session"
	"github.com/ClareAI/astra-dialer/pkg/logger"
	ptwilio "github.com/ClareAI/astra-dialer/pkg/twilio"
)

// CallControl is the slice of the provider call service the handlers use.
type CallControl interface {
	PlaceCall(opts ptwilio.CallOptions) (string, error)
	Hangup(callSid string) error
	IsEnabled() bool
}

// CallHandler serves the REST surface: placing calls, the TwiML and status
// webhooks Twilio calls back on, and health.
type CallHandler struct {
	cfg      *config.CallAgentConfig
	sessions *session.Manager
	calls    CallControl

	warmSessions func() int
}

// NewCallHandler builds the handler set.
func NewCallHandler(cfg *config.CallAgentConfig, sessions *session.Manager, calls CallControl) *CallHandler {
	return &CallHandler{cfg: cfg, sessions: sessions, calls: calls}
}

// SetWarmSessionFunc wires in the model session pool's availability counter,
// reported at place-call time and on the health endpoint.
func (h *CallHandler) SetWarmSessionFunc(fn func() int) {
	h.warmSessions = fn
}

// PlaceCallRequest is the body of POST /place-call.
type PlaceCallRequest struct {
	To string `json:"to"`
}

// PlaceCallResponse is returned once the provider accepted the call.
type PlaceCallResponse struct {
	SessionID string `json:"session_id"`
	CallSid   string `json:"call_sid"`
	Status    string `json:"status"`
}

// HandlePlaceCall starts an outbound call and registers its session.
func (h *CallHandler) HandlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var req PlaceCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.To == "" {
		writeJSONError(w, http.StatusBadRequest, "field 'to' is required")
		return
	}
	if !h.calls.IsEnabled() {
		writeJSONError(w, http.StatusServiceUnavailable, "call service is not configured")
		return
	}

	sess := h.sessions.Create(req.To)
	callSid, err := h.calls.PlaceCall(ptwilio.CallOptions{To: req.To, SessionID: sess.ID})
	if err != nil {
		h.sessions.Remove(sess.ID)
		logger.Base().Error("placing call failed", zap.String("to", req.To), zap.Error(err))
		writeJSONError(w, http.StatusBadGateway, "provider rejected the call")
		return
	}
	if err := h.sessions.BindCallSid(sess.ID, callSid); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "session bookkeeping failed")
		return
	}
	sess.SetTracker(callstate.NewTracker(callSid, h.onCallClosed(sess.ID, callSid)))

	if h.warmSessions != nil {
		logger.Base().Info("call placed",
			zap.String("call_sid", callSid),
			zap.Int("warm_model_sessions", h.warmSessions()))
	}

	writeJSON(w, http.StatusOK, PlaceCallResponse{
		SessionID: sess.ID,
		CallSid:   callSid,
		Status:    callstate.StateDialing.String(),
	})
}

// onCallClosed runs once per call, when its tracker reaches a terminal
// state. Outcomes we decided locally mean the provider leg may still be
// live, so those hang the call up; everything else already ended upstream.
func (h *CallHandler) onCallClosed(sessionID, callSid string) func(callstate.Outcome) {
	return func(outcome callstate.Outcome) {
		logger.Base().Info("call closed",
			zap.String("call_sid", callSid),
			zap.String("outcome", outcome.String()))

		switch outcome {
		case callstate.OutcomeMachineDetected, callstate.OutcomeSystemHangup:
			if err := h.calls.Hangup(callSid); err != nil {
				logger.Base().Warn("hangup after close failed",
					zap.String("call_sid", callSid), zap.Error(err))
			}
		}
		h.sessions.Remove(sessionID)
	}
}

// HandleStreamTwiML answers Twilio's webhook for an answered call. When AMD
// already classified the answerer as a machine the call is hung up without
// a word; otherwise the call is connected to the media stream.
func (h *CallHandler) HandleStreamTwiML(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed webhook", http.StatusBadRequest)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	answeredBy := r.FormValue("AnsweredBy")

	if callstate.MachineAnsweredBy(answeredBy) {
		logger.Base().Info("machine answered before bridging, hanging up",
			zap.String("session_id", sessionID),
			zap.String("answered_by", answeredBy))
		if sess, ok := h.sessions.Get(sessionID); ok {
			if tr := sess.Tracker(); tr != nil {
				tr.Signal(callstate.SignalAnswered)
				tr.Signal(callstate.SignalMachineDetected)
			}
		}
		writeTwiML(w, ptwilio.HangupTwiML)
		return
	}

	writeTwiML(w, func() (string, error) {
		return ptwilio.StreamTwiML(h.cfg.WebSocketBaseURL()+"/media-stream", sessionID)
	})
}

// HandleCallStatus consumes provider status callbacks and feeds the call
// state machine. Callbacks are delivered at least once and can arrive out
// of order; the tracker absorbs both.
func (h *CallHandler) HandleCallStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed webhook", http.StatusBadRequest)
		return
	}
	callSid := r.FormValue("CallSid")
	status := r.FormValue("CallStatus")
	answeredBy := r.FormValue("AnsweredBy")

	sess, ok := h.sessions.GetByCallSid(callSid)
	if !ok {
		// Late callback for a call we already forgot. Acknowledge so the
		// provider stops retrying.
		w.WriteHeader(http.StatusOK)
		return
	}
	tracker := sess.Tracker()
	if tracker == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	if callstate.MachineAnsweredBy(answeredBy) {
		tracker.Signal(callstate.SignalAnswered)
		tracker.Signal(callstate.SignalMachineDetected)
		w.WriteHeader(http.StatusOK)
		return
	}

	if sig, known := callstate.SignalFromProviderStatus(status); known {
		tracker.Signal(sig)
	} else {
		logger.Base().Debug("ignoring unknown call status",
			zap.String("call_sid", callSid), zap.String("status", status))
	}
	w.WriteHeader(http.StatusOK)
}

// HandleHealth reports liveness, active call sessions and pre-warmed model
// session availability.
func (h *CallHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":          "ok",
		"active_sessions": h.sessions.Count(),
	}
	if h.warmSessions != nil {
		body["warm_model_sessions"] = h.warmSessions()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeTwiML(w http.ResponseWriter, render func() (string, error)) {
	doc, err := render()
	if err != nil {
		logger.Base().Error("twiml render failed", zap.Error(err))
		http.Error(w, "twiml render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(doc))
}
