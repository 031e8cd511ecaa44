package gemini

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeLiveServer runs a minimal BidiGenerateContent endpoint. The script
// function runs after the setup handshake with the server-side connection.
func fakeLiveServer(t *testing.T, acceptSetup bool, script func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var setup setupMessage
		require.NoError(t, conn.ReadJSON(&setup))
		require.NotEmpty(t, setup.Setup.Model)

		if !acceptSetup {
			_ = conn.WriteJSON(map[string]any{"error": "unauthorized model"})
			return
		}
		require.NoError(t, conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}}))

		if script != nil {
			script(conn)
			return
		}
		// Hold the session open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTest(t *testing.T, srv *httptest.Server, cfg Config) *Client {
	t.Helper()
	cfg.BaseURL = wsURL(srv)
	if cfg.Model == "" {
		cfg.Model = "models/test-live"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, cfg)
	require.NoError(t, err)
	return c
}

func TestDialRejectedSetupIsFatal(t *testing.T) {
	srv := fakeLiveServer(t, false, nil)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, Config{BaseURL: wsURL(srv), Model: "bad-model", APIKey: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestDialRequiresModel(t *testing.T) {
	_, err := Dial(context.Background(), Config{BaseURL: "ws://127.0.0.1:1"})
	require.Error(t, err)
}

func TestEventsDecodedInArrivalOrder(t *testing.T) {
	audio := []byte{1, 2, 3, 4}
	srv := fakeLiveServer(t, true, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []map[string]any{
				{"inlineData": map[string]any{
					"mimeType": "audio/pcm;rate=24000",
					"data":     base64.StdEncoding.EncodeToString(audio),
				}},
			}},
		}})
		_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": "hello there"},
		}})
		_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{"interrupted": true}})
		_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	})
	defer srv.Close()

	c := dialTest(t, srv, Config{APIKey: "k"})
	defer c.Close()

	var got []Event
	for ev := range c.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 4)
	assert.Equal(t, AudioChunk{PCM: audio}, got[0])
	assert.Equal(t, Transcript{Speaker: "model", Text: "hello there"}, got[1])
	assert.Equal(t, Interrupted{}, got[2])
	assert.Equal(t, TurnComplete{}, got[3])
}

func TestSendAudioPreservesOrder(t *testing.T) {
	received := make(chan []byte, 16)
	srv := fakeLiveServer(t, true, func(conn *websocket.Conn) {
		for i := 0; i < 5; i++ {
			var msg realtimeInputMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if len(msg.RealtimeInput.MediaChunks) != 1 {
				continue
			}
			pcm, _ := base64.StdEncoding.DecodeString(msg.RealtimeInput.MediaChunks[0].Data)
			received <- pcm
		}
	})
	defer srv.Close()

	c := dialTest(t, srv, Config{APIKey: "k"})
	defer c.Close()

	for i := byte(0); i < 5; i++ {
		require.NoError(t, c.SendAudio([]byte{i, i}))
	}
	for i := byte(0); i < 5; i++ {
		select {
		case pcm := <-received:
			assert.Equal(t, []byte{i, i}, pcm)
		case <-time.After(5 * time.Second):
			t.Fatalf("frame %d never arrived", i)
		}
	}
}

func TestSendAudioBackpressureSignal(t *testing.T) {
	// No write loop running: the bounded queue fills and SendAudio must
	// report backpressure instead of blocking or growing.
	c := &Client{
		sendCh: make(chan []byte, 1),
		done:   make(chan struct{}),
	}
	require.NoError(t, c.SendAudio([]byte{1}))
	assert.ErrorIs(t, c.SendAudio([]byte{2}), ErrSendQueueFull)
}

func TestSendAudioAfterCloseFails(t *testing.T) {
	srv := fakeLiveServer(t, true, nil)
	defer srv.Close()

	c := dialTest(t, srv, Config{APIKey: "k"})
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.SendAudio([]byte{1}), ErrSessionClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := fakeLiveServer(t, true, nil)
	defer srv.Close()

	c := dialTest(t, srv, Config{APIKey: "k"})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	// The event stream ends after close.
	select {
	case _, open := <-c.Events():
		assert.False(t, open)
	case <-time.After(5 * time.Second):
		t.Fatal("event stream did not close")
	}
}

func TestSessionErrorOnAbnormalClose(t *testing.T) {
	srv := fakeLiveServer(t, true, func(conn *websocket.Conn) {
		// Slam the TCP connection without a close handshake.
		_ = conn.UnderlyingConn().Close()
	})
	defer srv.Close()

	c := dialTest(t, srv, Config{APIKey: "k"})
	defer c.Close()

	var sawError bool
	for ev := range c.Events() {
		if _, ok := ev.(SessionError); ok {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestSendTextTriggersClientContent(t *testing.T) {
	got := make(chan clientContentMessage, 1)
	srv := fakeLiveServer(t, true, func(conn *websocket.Conn) {
		var msg clientContentMessage
		if err := conn.ReadJSON(&msg); err == nil {
			got <- msg
		}
	})
	defer srv.Close()

	c := dialTest(t, srv, Config{APIKey: "k"})
	defer c.Close()

	require.NoError(t, c.SendText("greet the caller"))
	select {
	case msg := <-got:
		require.Len(t, msg.ClientContent.Turns, 1)
		assert.True(t, msg.ClientContent.TurnComplete)
		assert.Equal(t, "greet the caller", msg.ClientContent.Turns[0].Parts[0].Text)
	case <-time.After(5 * time.Second):
		t.Fatal("clientContent never arrived")
	}
}
