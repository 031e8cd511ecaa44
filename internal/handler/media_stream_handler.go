package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	twadapter "github.com/ClareAI/astra-dialer/internal/adapters/twilio"
	"github.com/ClareAI/astra-dialer/internal/bridge"
	"github.com/ClareAI/astra-dialer/internal/callstate"
	"github.com/ClareAI/astra-dialer/internal/config"
	"github.com/ClareAI/astra-dialer/internal/core/session"
	"github.com/ClareAI/astra-dialer/internal/gemini"
	"github.com/ClareAI/astra-dialer/internal/storage"
	"github.com/ClareAI/astra-dialer/pkg/logger"
)

// greetingTrigger is injected as a user turn right after the model session
// opens, so the assistant speaks first instead of waiting for the callee.
const greetingTrigger = "The call has just been answered. Greet the person and explain why you are calling."

// MediaStreamHandler accepts Twilio Media Streams connections and runs the
// media bridge for the call they belong to.
type MediaStreamHandler struct {
	cfg      *config.CallAgentConfig
	sessions *session.Manager
	pool     *gemini.Pool
	upgrader websocket.Upgrader
}

// NewMediaStreamHandler builds the WebSocket handler. The pool may be nil;
// every call then dials the model cold.
func NewMediaStreamHandler(cfg *config.CallAgentConfig, sessions *session.Manager, pool *gemini.Pool) *MediaStreamHandler {
	return &MediaStreamHandler{
		cfg:      cfg,
		sessions: sessions,
		pool:     pool,
		upgrader: websocket.Upgrader{
			// Twilio does not send an Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// dialModel takes a pre-warmed session from the pool when one exists,
// otherwise dials a fresh one.
func (h *MediaStreamHandler) dialModel(ctx context.Context) (*gemini.Client, error) {
	if h.pool != nil {
		return h.pool.Acquire(ctx)
	}
	return gemini.Dial(ctx, gemini.Config{
		BaseURL:      h.cfg.GeminiBaseURL,
		APIKey:       h.cfg.GeminiAPIKey,
		Model:        h.cfg.GeminiModel,
		SystemPrompt: h.cfg.SystemPrompt,
	})
}

// HandleMediaStream upgrades the connection, matches it to a live session
// and runs the bridge until the call ends.
func (h *MediaStreamHandler) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Base().Warn("media stream upgrade failed", zap.Error(err))
		return
	}

	handshakeCtx, cancel := context.WithTimeout(r.Context(), h.cfg.ConnectionTimeout)
	stream, err := twadapter.Accept(handshakeCtx, conn)
	cancel()
	if err != nil {
		logger.Base().Warn("media stream handshake failed", zap.Error(err))
		conn.Close()
		return
	}

	sess, ok := h.lookupSession(stream)
	if !ok {
		logger.Base().Warn("media stream for unknown session",
			zap.String("call_sid", stream.CallSid()))
		stream.Close()
		return
	}
	tracker := sess.Tracker()

	dialCtx, cancel := context.WithTimeout(context.Background(), h.cfg.ConnectionTimeout)
	model, err := h.dialModel(dialCtx)
	cancel()
	if err != nil {
		// Without the model leg the call cannot proceed; hang it up rather
		// than leave the callee listening to silence.
		logger.Base().Error("model session dial failed",
			zap.String("call_sid", stream.CallSid()), zap.Error(err))
		stream.Close()
		if tracker != nil {
			tracker.Signal(callstate.SignalAnswered)
			tracker.Signal(callstate.SignalSystemHangup)
		}
		return
	}

	if tracker != nil {
		tracker.Signal(callstate.SignalAnswered)
	}

	bridgeCfg := bridge.Config{
		CallSid:           stream.CallSid(),
		Greeting:          greetingTrigger,
		FirstFrameTimeout: h.cfg.FirstFrameTimeout,
		IdleTimeout:       h.cfg.IdleTimeout,
		DrainTimeout:      h.cfg.DrainTimeout,
		Detector:          callstate.NewEnergyCadenceDetector(),
	}

	var recorder *storage.CallRecorder
	if h.cfg.RecordingEnabled {
		recorder, err = storage.NewCallRecorder(h.cfg.RecordingDir, stream.CallSid())
		if err != nil {
			logger.Base().Warn("debug recording unavailable",
				zap.String("call_sid", stream.CallSid()), zap.Error(err))
		} else {
			bridgeCfg.Recorder = recorder
		}
	}

	b := bridge.New(stream, model, tracker, bridgeCfg)
	sess.SetShutdown(b.Shutdown)

	runErr := b.Run(context.Background())
	if recorder != nil {
		recorder.Close()
	}

	if runErr != nil {
		logger.Base().Error("media bridge failed",
			zap.String("call_sid", stream.CallSid()), zap.Error(runErr))
	}
	if tracker != nil && !tracker.State().Terminal() {
		if runErr != nil {
			tracker.Signal(callstate.SignalSystemHangup)
		} else {
			tracker.Signal(callstate.SignalCompleted)
		}
	}
	h.sessions.Remove(sess.ID)
}

// lookupSession resolves the stream to a session, preferring the session ID
// passed through the TwiML and falling back to the provider call SID.
func (h *MediaStreamHandler) lookupSession(stream *twadapter.Stream) (*session.Session, bool) {
	if id := stream.CustomParameter("session_id"); id != "" {
		if sess, ok := h.sessions.Get(id); ok {
			return sess, true
		}
	}
	return h.sessions.GetByCallSid(stream.CallSid())
}
