// Package bridge runs the media session at the heart of a call: one pump
// carrying caller audio up to the model and one carrying model speech back
// down to the telephone leg, with barge-in flushing, machine detection and
// idempotent teardown.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	twadapter "github.com/ClareAI/astra-dialer/internal/adapters/twilio"
	"github.com/ClareAI/astra-dialer/internal/audio"
	"github.com/ClareAI/astra-dialer/internal/callstate"
	"github.com/ClareAI/astra-dialer/internal/gemini"
	"github.com/ClareAI/astra-dialer/pkg/logger"
)

const (
	defaultPlayQueueSize       = 64
	defaultInboundQueueSize    = 32
	defaultBackpressureTimeout = 2 * time.Second

	// telephonyFrameBytes is one 20ms µ-law frame on the wire.
	telephonyFrameBytes = audio.TelephonyRate / 1000 * audio.FrameDurationMs

	uplinkDropLogEvery = 50
)

// TelephonyStream is the telephone leg as the bridge sees it.
type TelephonyStream interface {
	ReadMedia() ([]byte, error)
	WriteMedia(ctx context.Context, mulaw []byte) error
	WriteClear() error
	Close() error
}

// ModelSession is the model leg as the bridge sees it.
type ModelSession interface {
	SendAudio(pcm []byte) error
	SendText(text string) error
	Events() <-chan gemini.Event
	Close() error
}

// Recorder receives raw audio copies for debugging. Calls must not block.
type Recorder interface {
	RecordInbound(mulaw []byte)
	RecordOutbound(pcm []byte)
}

// Config tunes one bridge run. Zero durations fall back to package defaults
// only where noted; timeouts of zero disable the corresponding watchdog.
type Config struct {
	CallSid  string
	Greeting string

	// FirstFrameTimeout bounds the wait for the first caller frame after
	// the stream starts. IdleTimeout bounds silence gaps after that.
	FirstFrameTimeout time.Duration
	IdleTimeout       time.Duration

	// DrainTimeout bounds how long teardown waits for queued playback.
	DrainTimeout time.Duration

	PlayQueueSize int

	Detector callstate.MachineDetector
	Recorder Recorder
}

type playChunk struct {
	gen uint64
	pcm []byte
}

// Bridge couples one telephony stream to one model session.
type Bridge struct {
	stream  TelephonyStream
	session ModelSession
	tracker *callstate.Tracker
	tc      *audio.Transcoder
	cfg     Config

	playCh chan playChunk
	gen    atomic.Uint64

	uplinkDropped atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// New builds a bridge. The tracker may be nil when no call-state bookkeeping
// is wanted, as in offline replay.
func New(stream TelephonyStream, session ModelSession, tracker *callstate.Tracker, cfg Config) *Bridge {
	queueSize := cfg.PlayQueueSize
	if queueSize <= 0 {
		queueSize = defaultPlayQueueSize
	}
	return &Bridge{
		stream:  stream,
		session: session,
		tracker: tracker,
		tc:      audio.NewTranscoder(),
		cfg:     cfg,
		playCh:  make(chan playChunk, queueSize),
		done:    make(chan struct{}),
	}
}

// Run pumps media in both directions until the call ends: the caller hangs
// up, the model session fails, a watchdog fires, the context is canceled or
// Shutdown is called. It always tears both legs down before returning. A nil
// return means a clean end of call.
func (b *Bridge) Run(ctx context.Context) error {
	log := logger.Base().With(zap.String("call_sid", b.cfg.CallSid))

	if b.cfg.Greeting != "" {
		if err := b.session.SendText(b.cfg.Greeting); err != nil {
			b.Shutdown()
			return fmt.Errorf("%w: greeting send: %v", ErrConnectionLost, err)
		}
	}

	inbound := make(chan []byte, defaultInboundQueueSize)
	readErr := make(chan error, 1)
	go b.readInbound(inbound, readErr)

	playErr := make(chan error, 1)
	playerDone := make(chan struct{})
	go b.playLoop(ctx, playErr, playerDone)

	// One watchdog covers both the first-frame wait and later idle gaps.
	watchdog, stopWatchdog := newWatchdog(b.cfg.FirstFrameTimeout)
	defer stopWatchdog()
	firstFrame := true

	events := b.session.Events()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop

		case <-b.done:
			break loop

		case frame := <-inbound:
			if firstFrame {
				firstFrame = false
			}
			watchdog.reset(b.cfg.IdleTimeout)
			if b.handleInbound(frame, log) {
				log.Info("answering machine detected, ending call")
				if b.tracker != nil {
					b.tracker.Signal(callstate.SignalMachineDetected)
				}
				break loop
			}

		case err := <-readErr:
			if errors.Is(err, twadapter.ErrStreamStopped) {
				log.Info("caller leg ended")
			} else {
				runErr = fmt.Errorf("%w: telephony read: %v", ErrConnectionLost, err)
			}
			break loop

		case err := <-playErr:
			runErr = err
			break loop

		case ev, ok := <-events:
			if !ok {
				log.Info("model session ended")
				break loop
			}
			// Downlink audio also counts against idle: a caller silently
			// listening to the assistant is not an idle call. The first-frame
			// wait stays pinned to caller audio.
			if _, isAudio := ev.(gemini.AudioChunk); isAudio && !firstFrame {
				watchdog.reset(b.cfg.IdleTimeout)
			}
			if err := b.handleEvent(ev, log); err != nil {
				runErr = err
				break loop
			}

		case <-watchdog.C:
			if firstFrame {
				runErr = fmt.Errorf("%w: no caller audio within %s",
					ErrConnectionLost, b.cfg.FirstFrameTimeout)
			} else {
				log.Warn("caller silent past idle timeout, ending call")
			}
			break loop
		}
	}

	b.Shutdown()

	// Give the player a bounded chance to finish its current frame.
	drain := b.cfg.DrainTimeout
	if drain <= 0 {
		drain = time.Second
	}
	select {
	case <-playerDone:
	case <-time.After(drain):
		log.Warn("playback did not drain before deadline")
	}

	if dropped := b.uplinkDropped.Load(); dropped > 0 {
		log.Warn("uplink frames dropped under backpressure", zap.Uint64("count", dropped))
	}
	return runErr
}

// Shutdown ends the session from any goroutine. Safe to call repeatedly and
// concurrently with Run's own teardown.
func (b *Bridge) Shutdown() {
	b.closeOnce.Do(func() {
		close(b.done)
		_ = b.session.Close()
		_ = b.stream.Close()
	})
}

// readInbound moves caller frames off the socket so the main loop can select
// across both legs and its watchdog.
func (b *Bridge) readInbound(inbound chan<- []byte, readErr chan<- error) {
	for {
		frame, err := b.stream.ReadMedia()
		if err != nil {
			select {
			case readErr <- err:
			case <-b.done:
			}
			return
		}
		select {
		case inbound <- frame:
		case <-b.done:
			return
		}
	}
}

// handleInbound transcodes one caller frame and forwards it to the model.
// It reports true once the machine detector trips.
func (b *Bridge) handleInbound(mulaw []byte, log *zap.Logger) bool {
	if b.cfg.Recorder != nil {
		b.cfg.Recorder.RecordInbound(mulaw)
	}
	pcm := b.tc.DecodeInbound(mulaw)
	if len(pcm) == 0 {
		return false
	}
	if b.cfg.Detector != nil && b.cfg.Detector.Feed(pcm) {
		return true
	}
	if err := b.session.SendAudio(pcm); err != nil {
		if errors.Is(err, gemini.ErrSendQueueFull) {
			// Real-time audio: dropping a late frame beats buffering a
			// growing backlog the model will hear seconds late.
			if n := b.uplinkDropped.Add(1); n%uplinkDropLogEvery == 1 {
				log.Warn("uplink saturated, dropping caller audio", zap.Uint64("dropped", n))
			}
			return false
		}
		if !errors.Is(err, gemini.ErrSessionClosed) {
			log.Warn("uplink send failed", zap.Error(err))
		}
	}
	return false
}

// handleEvent dispatches one model event. A non-nil return ends the call.
func (b *Bridge) handleEvent(ev gemini.Event, log *zap.Logger) error {
	switch ev := ev.(type) {
	case gemini.AudioChunk:
		return b.enqueuePlayback(ev.PCM)
	case gemini.Interrupted:
		b.flushPlayback(log)
	case gemini.Transcript:
		log.Info("transcript", zap.String("speaker", ev.Speaker), zap.String("text", ev.Text))
	case gemini.TurnComplete:
		log.Debug("model turn complete")
	case gemini.SessionError:
		return fmt.Errorf("%w: model session: %v", ErrConnectionLost, ev.Err)
	}
	return nil
}

// enqueuePlayback hands a model audio chunk to the player. The queue is
// bounded; a sustained stall means the telephone leg stopped consuming, so
// the call fails fast instead of accruing latency.
func (b *Bridge) enqueuePlayback(pcm []byte) error {
	chunk := playChunk{gen: b.gen.Load(), pcm: pcm}
	select {
	case b.playCh <- chunk:
		return nil
	default:
	}
	timer := time.NewTimer(defaultBackpressureTimeout)
	defer timer.Stop()
	select {
	case b.playCh <- chunk:
		return nil
	case <-timer.C:
		return ErrBackpressureTimeout
	case <-b.done:
		return nil
	}
}

// flushPlayback discards everything queued for the interrupted turn and
// tells the telephone leg to drop what it has already buffered. Chunks from
// before the barge-in carry a stale generation and the player skips them.
func (b *Bridge) flushPlayback(log *zap.Logger) {
	b.gen.Add(1)
	for {
		select {
		case <-b.playCh:
		default:
			if err := b.stream.WriteClear(); err != nil {
				log.Warn("clear after barge-in failed", zap.Error(err))
			}
			log.Debug("playback flushed after barge-in")
			return
		}
	}
}

// playLoop is the only writer on the telephone leg. It transcodes queued
// model audio and writes it one paced telephony frame at a time, re-checking
// the generation between frames so a barge-in cuts playback mid-chunk.
func (b *Bridge) playLoop(ctx context.Context, playErr chan<- error, playerDone chan<- struct{}) {
	defer close(playerDone)
	for {
		select {
		case <-b.done:
			return
		case chunk := <-b.playCh:
			if chunk.gen != b.gen.Load() {
				continue
			}
			if b.cfg.Recorder != nil {
				b.cfg.Recorder.RecordOutbound(chunk.pcm)
			}
			mulaw := b.tc.EncodeOutbound(chunk.pcm)
			for off := 0; off < len(mulaw); off += telephonyFrameBytes {
				if chunk.gen != b.gen.Load() {
					break
				}
				end := off + telephonyFrameBytes
				if end > len(mulaw) {
					end = len(mulaw)
				}
				if err := b.stream.WriteMedia(ctx, mulaw[off:end]); err != nil {
					select {
					case <-b.done:
					default:
						playErr <- fmt.Errorf("%w: telephony write: %v", ErrConnectionLost, err)
					}
					return
				}
			}
		}
	}
}

// watchdog wraps a resettable timer that can also be disabled entirely.
type watchdog struct {
	C     <-chan time.Time
	timer *time.Timer
}

func newWatchdog(d time.Duration) (*watchdog, func()) {
	w := &watchdog{}
	if d > 0 {
		w.timer = time.NewTimer(d)
		w.C = w.timer.C
	}
	stop := func() {
		if w.timer != nil {
			w.timer.Stop()
		}
	}
	return w, stop
}

func (w *watchdog) reset(d time.Duration) {
	if w.timer == nil {
		if d > 0 {
			w.timer = time.NewTimer(d)
			w.C = w.timer.C
		}
		return
	}
	if !w.timer.Stop() {
		select {
		case <-w.timer.C:
		default:
		}
	}
	if d > 0 {
		w.timer.Reset(d)
	}
}
