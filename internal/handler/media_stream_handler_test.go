package handler

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	twadapter "github.com/ClareAI/astra-dialer/internal/adapters/twilio"
	"github.com/ClareAI/astra-dialer/internal/callstate"
	"github.com/ClareAI/astra-dialer/internal/config"
	"github.com/ClareAI/astra-dialer/internal/core/session"
	"github.com/ClareAI/astra-dialer/internal/gemini"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeModelBackend speaks just enough of the live protocol for a call: it
// acks setup, answers the greeting trigger with one audio turn and counts
// uplink frames.
func fakeModelBackend(t *testing.T, uplinkFrames *atomic.Int64) *httptest.Server {
	t.Helper()
	modelAudio := make([]byte, 960) // one 20ms turn at 24kHz
	for i := range modelAudio {
		modelAudio[i] = byte(i)
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var setup map[string]json.RawMessage
		require.NoError(t, conn.ReadJSON(&setup))
		require.Contains(t, setup, "setup")
		require.NoError(t, conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}}))

		for {
			var msg map[string]json.RawMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if _, ok := msg["clientContent"]; ok {
				_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{
					"modelTurn": map[string]any{"parts": []map[string]any{
						{"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString(modelAudio),
						}},
					}},
				}})
				_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{"turnComplete": true}})
			}
			if _, ok := msg["realtimeInput"]; ok {
				uplinkFrames.Add(1)
			}
		}
	}))
}

func TestMediaStreamEndToEnd(t *testing.T) {
	var uplinkFrames atomic.Int64
	backend := fakeModelBackend(t, &uplinkFrames)
	defer backend.Close()

	cfg := &config.CallAgentConfig{
		ServerBaseURL:     "https://dialer.example.com",
		GeminiBaseURL:     "ws" + strings.TrimPrefix(backend.URL, "http"),
		GeminiAPIKey:      "k",
		GeminiModel:       "models/test-live",
		SystemPrompt:      "You are a calling assistant.",
		ConnectionTimeout: 5 * time.Second,
		DrainTimeout:      time.Second,
	}

	sessions := session.NewManager()
	sess := sessions.Create("+15557654321")
	require.NoError(t, sessions.BindCallSid(sess.ID, "CAe2e"))
	tracker := callstate.NewTracker("CAe2e", func(callstate.Outcome) {})
	sess.SetTracker(tracker)

	// A pre-warmed pool, so the bridge runs on an already-established
	// model session.
	pool := gemini.NewPool(gemini.Config{
		BaseURL:      cfg.GeminiBaseURL,
		APIKey:       cfg.GeminiAPIKey,
		Model:        cfg.GeminiModel,
		SystemPrompt: cfg.SystemPrompt,
	}, 1)
	defer pool.Close()
	require.Eventually(t, func() bool { return pool.Available() == 1 },
		5*time.Second, 20*time.Millisecond)

	router := mux.NewRouter()
	router.HandleFunc("/media-stream", NewMediaStreamHandler(cfg, sessions, pool).HandleMediaStream)
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(srv.URL, "http")+"/media-stream", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(twadapter.Message{Event: twadapter.EventConnected}))
	require.NoError(t, conn.WriteJSON(twadapter.Message{
		Event: twadapter.EventStart,
		Start: &twadapter.StartPayload{
			StreamSid:        "MZe2e",
			AccountSid:       "ACe2e",
			CallSid:          "CAe2e",
			Tracks:           []string{"inbound"},
			MediaFormat:      twadapter.MediaFormat{Encoding: "audio/x-mulaw", SampleRate: 8000, Channels: 1},
			CustomParameters: map[string]string{"session_id": sess.ID},
		},
	}))

	downlink := make(chan []byte, 16)
	go func() {
		for {
			var msg twadapter.Message
			if err := conn.ReadJSON(&msg); err != nil {
				close(downlink)
				return
			}
			if msg.Event == twadapter.EventMedia && msg.Media != nil {
				frame, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
				if err == nil {
					downlink <- frame
				}
			}
		}
	}()

	// Caller speaks a few frames.
	frame := make([]byte, 160)
	for i := range frame {
		frame[i] = 0x9F
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteJSON(twadapter.Message{
			Event: twadapter.EventMedia,
			Media: &twadapter.MediaPayload{Payload: base64.StdEncoding.EncodeToString(frame)},
		}))
	}

	// The assistant's greeting audio must come back as telephony frames.
	select {
	case got, ok := <-downlink:
		require.True(t, ok, "stream closed before any assistant audio")
		assert.Len(t, got, 160)
	case <-time.After(10 * time.Second):
		t.Fatal("no assistant audio arrived")
	}

	require.Eventually(t, func() bool { return uplinkFrames.Load() >= 3 },
		5*time.Second, 20*time.Millisecond)

	// Caller hangs up.
	require.NoError(t, conn.WriteJSON(twadapter.Message{Event: twadapter.EventStop}))

	require.Eventually(t, func() bool { return sessions.Count() == 0 },
		10*time.Second, 20*time.Millisecond)
	assert.Equal(t, callstate.OutcomeCompleted, tracker.Outcome())
}

func TestMediaStreamUnknownSessionIsRejected(t *testing.T) {
	cfg := &config.CallAgentConfig{
		ServerBaseURL:     "https://dialer.example.com",
		GeminiBaseURL:     "ws://127.0.0.1:1",
		GeminiAPIKey:      "k",
		GeminiModel:       "models/test-live",
		ConnectionTimeout: 2 * time.Second,
	}
	sessions := session.NewManager()

	router := mux.NewRouter()
	router.HandleFunc("/media-stream", NewMediaStreamHandler(cfg, sessions, nil).HandleMediaStream)
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(srv.URL, "http")+"/media-stream", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(twadapter.Message{Event: twadapter.EventConnected}))
	require.NoError(t, conn.WriteJSON(twadapter.Message{
		Event: twadapter.EventStart,
		Start: &twadapter.StartPayload{StreamSid: "MZx", CallSid: "CAnobody"},
	}))

	// The server drops the connection without bridging.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
