// Package gemini maintains one live bidirectional audio session against the
// Gemini Live API for the duration of a call.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ClareAI/astra-dialer/pkg/logger"
)

const (
	// bidiPath is the BidiGenerateContent WebSocket endpoint path.
	bidiPath = "/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	uplinkMimeType = "audio/pcm;rate=16000"

	defaultSendQueueSize  = 64
	defaultEventQueueSize = 64
)

// ErrSendQueueFull is the backpressure signal: the uplink queue reached its
// watermark and the caller must pause reading telephony audio until the
// session drains.
var ErrSendQueueFull = errors.New("gemini: send queue full")

// ErrSessionClosed is returned by SendAudio after the session ended.
var ErrSessionClosed = errors.New("gemini: session closed")

// ErrSetupRejected means the backend refused the session configuration.
// Fatal for the call; it is never bridged.
var ErrSetupRejected = errors.New("gemini: backend rejected setup")

// Config describes one session.
type Config struct {
	BaseURL      string // ws:// or wss:// base, no trailing slash
	APIKey       string
	Model        string // e.g. "models/gemini-live-2.5-flash-preview-native-audio"
	SystemPrompt string

	// SendQueueSize bounds the uplink audio queue. Zero means the default.
	SendQueueSize int
}

// Client is one live session. SendAudio enqueues uplink audio without
// blocking; Events delivers downlink audio and control events in arrival
// order; Close is idempotent and always releases the connection.
type Client struct {
	conn   *websocket.Conn
	sendCh chan []byte
	events chan Event

	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens a session: connects the WebSocket, sends the setup message and
// waits for the server's setup acknowledgment. A failure here is fatal for
// the call — the bridge never starts.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("gemini: model is required")
	}
	model := cfg.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	endpoint := fmt.Sprintf("%s%s?key=%s", strings.TrimRight(cfg.BaseURL, "/"), bidiPath, cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: connect failed: %w", err)
	}

	setup := setupMessage{Setup: setupPayload{
		Model:            model,
		GenerationConfig: &generationConfig{ResponseModalities: []string{"AUDIO"}},
	}}
	if cfg.SystemPrompt != "" {
		setup.Setup.SystemInstruction = &content{
			Role:  "system",
			Parts: []part{{Text: cfg.SystemPrompt}},
		}
	}
	if err := conn.WriteJSON(setup); err != nil {
		conn.Close()
		return nil, fmt.Errorf("gemini: setup send failed: %w", err)
	}

	// The first server message must acknowledge the setup; anything else
	// means the backend rejected the configuration.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var ack serverMessage
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("gemini: setup ack read failed: %w", err)
	}
	if ack.SetupComplete == nil {
		conn.Close()
		return nil, fmt.Errorf("%w for model %s", ErrSetupRejected, model)
	}
	_ = conn.SetReadDeadline(time.Time{})

	queueSize := cfg.SendQueueSize
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}

	c := &Client{
		conn:   conn,
		sendCh: make(chan []byte, queueSize),
		events: make(chan Event, defaultEventQueueSize),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()

	logger.Base().Info("gemini session established", zap.String("model", model))
	return c, nil
}

// SendAudio enqueues one 16kHz PCM frame toward the model. It never blocks:
// when the bounded queue is full it returns ErrSendQueueFull and the caller
// must back off.
func (c *Client) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}
	msg := realtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []inlineData{{
			MimeType: uplinkMimeType,
			Data:     base64.StdEncoding.EncodeToString(pcm),
		}},
	}}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- raw:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// SendText injects a text turn into the conversation, used to trigger the
// model's opening greeting before the caller has spoken.
func (c *Client) SendText(text string) error {
	msg := clientContentMessage{ClientContent: clientContent{
		Turns:        []content{{Role: "user", Parts: []part{{Text: text}}}},
		TurnComplete: true,
	}}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- raw:
		return nil
	case <-c.done:
		return ErrSessionClosed
	}
}

// Events returns the server event stream. The channel closes when the
// session ends, after a final SessionError if the session failed.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Alive reports whether the session is still open. A session that died
// server-side while idle reports false once its read loop notices.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close tears the session down. It is safe to call from any goroutine, any
// number of times, including concurrently with an in-flight error path.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
	return nil
}

// writeLoop is the single writer for all client messages. Keeping one
// writer satisfies gorilla/websocket's concurrency contract and preserves
// frame order end to end.
func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case raw := <-c.sendCh:
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				select {
				case <-c.done:
				default:
					logger.Base().Warn("gemini uplink write failed", zap.Error(err))
				}
				return
			}
		}
	}
}

// readLoop decodes server messages into events until the session ends.
func (c *Client) readLoop() {
	defer close(c.events)
	for {
		var msg serverMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
				// Local close; the stream just ends.
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Base().Info("gemini session closed by server")
				} else {
					c.emit(SessionError{Err: err})
				}
				c.Close()
			}
			return
		}

		sc := msg.ServerContent
		if sc == nil {
			continue
		}

		if sc.Interrupted {
			c.emit(Interrupted{})
		}
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			c.emit(Transcript{Speaker: "user", Text: sc.InputTranscription.Text})
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.Text != "" {
					c.emit(Transcript{Speaker: "model", Text: p.Text})
				}
				if p.InlineData != nil && p.InlineData.Data != "" {
					pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
					if err != nil {
						logger.Base().Warn("gemini audio chunk not valid base64", zap.Error(err))
						continue
					}
					c.emit(AudioChunk{PCM: pcm})
				}
			}
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			c.emit(Transcript{Speaker: "model", Text: sc.OutputTranscription.Text})
		}
		if sc.TurnComplete {
			c.emit(TurnComplete{})
		}
	}
}

// emit delivers an event unless the session is shutting down. Events are
// dropped rather than blocking forever once the consumer is gone.
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}
