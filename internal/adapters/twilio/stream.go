// Package twilio adapts a Twilio Media Streams WebSocket connection into the
// frame-level interface the bridge consumes: inbound µ-law frames out, paced
// µ-law frames and clear commands in.
package twilio

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ClareAI/astra-dialer/internal/audio"
	"github.com/ClareAI/astra-dialer/pkg/logger"
)

// ErrStreamStopped is returned by ReadMedia once Twilio sends the stop event
// or closes the connection normally. It is the clean end of the inbound leg.
var ErrStreamStopped = errors.New("twilio: media stream stopped")

// writeBurst lets a short backlog of frames go out immediately before the
// 20ms pacing kicks in, so playback starts without a ramp-up stutter.
const writeBurst = 5

// Stream wraps one accepted Media Streams connection.
type Stream struct {
	conn      *websocket.Conn
	streamSid string
	callSid   string
	account   string
	params    map[string]string

	limiter *rate.Limiter

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Accept performs the Media Streams handshake on an already-upgraded
// connection: it consumes the connected event and waits for start, which
// carries the stream and call identity. The context bounds the handshake.
func Accept(ctx context.Context, conn *websocket.Conn) (*Stream, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return nil, fmt.Errorf("twilio: handshake read failed: %w", err)
		}
		switch msg.Event {
		case EventConnected:
			continue
		case EventStart:
			if msg.Start == nil || msg.Start.CallSid == "" {
				return nil, fmt.Errorf("twilio: start event missing call identity")
			}
			logger.Base().Info("media stream started",
				zap.String("call_sid", msg.Start.CallSid),
				zap.String("stream_sid", msg.Start.StreamSid),
				zap.Int("sample_rate", msg.Start.MediaFormat.SampleRate))
			return &Stream{
				conn:      conn,
				streamSid: msg.Start.StreamSid,
				callSid:   msg.Start.CallSid,
				account:   msg.Start.AccountSid,
				params:    msg.Start.CustomParameters,
				limiter: rate.NewLimiter(
					rate.Every(audio.FrameDurationMs*time.Millisecond), writeBurst),
			}, nil
		default:
			return nil, fmt.Errorf("twilio: unexpected %q event before start", msg.Event)
		}
	}
}

// CallSid returns the call this stream belongs to.
func (s *Stream) CallSid() string { return s.callSid }

// StreamSid returns the Media Streams identifier used in outbound frames.
func (s *Stream) StreamSid() string { return s.streamSid }

// CustomParameter returns a <Parameter> value passed in the TwiML, or "".
func (s *Stream) CustomParameter(name string) string { return s.params[name] }

// ReadMedia blocks for the next inbound µ-law frame. Mark acknowledgments
// and unknown events are skipped; stop or a normal close ends the stream
// with ErrStreamStopped.
func (s *Stream) ReadMedia() ([]byte, error) {
	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrStreamStopped
			}
			return nil, fmt.Errorf("twilio: media read failed: %w", err)
		}
		switch msg.Event {
		case EventMedia:
			if msg.Media == nil {
				continue
			}
			frame, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				logger.Base().Warn("dropping undecodable media frame",
					zap.String("call_sid", s.callSid), zap.Error(err))
				continue
			}
			return frame, nil
		case EventStop:
			logger.Base().Info("media stream stopped", zap.String("call_sid", s.callSid))
			return nil, ErrStreamStopped
		case EventMark:
			continue
		default:
			logger.Base().Debug("ignoring media stream event",
				zap.String("event", msg.Event), zap.String("call_sid", s.callSid))
		}
	}
}

// WriteMedia sends one µ-law frame toward the caller, paced to real time so
// Twilio's playout buffer stays shallow and a clear takes effect quickly.
func (s *Stream) WriteMedia(ctx context.Context, mulaw []byte) error {
	if len(mulaw) == 0 {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.writeJSON(Message{
		Event:     EventMedia,
		StreamSid: s.streamSid,
		Media:     &MediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
}

// WriteClear tells Twilio to discard any buffered outbound audio it has not
// yet played. Used when the caller barges in over the assistant.
func (s *Stream) WriteClear() error {
	return s.writeJSON(Message{Event: EventClear, StreamSid: s.streamSid})
}

// WriteMark asks Twilio to echo a named checkpoint once playback reaches it.
func (s *Stream) WriteMark(name string) error {
	return s.writeJSON(Message{
		Event:     EventMark,
		StreamSid: s.streamSid,
		Mark:      &MarkPayload{Name: name},
	})
}

func (s *Stream) writeJSON(msg Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("twilio: %s write failed: %w", msg.Event, err)
	}
	return nil
}

// Close shuts the connection down. Safe to call multiple times.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}
