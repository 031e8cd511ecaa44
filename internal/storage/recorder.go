// Package storage persists per-call debug audio. Each call gets two WAV
// files: the caller leg as raw 8kHz µ-law and the model leg as 24kHz PCM.
// Recording is best effort and must never slow the media path, so writes go
// through a bounded queue and are dropped when the disk cannot keep up.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ClareAI/astra-dialer/internal/audio"
	"github.com/ClareAI/astra-dialer/pkg/logger"
)

const recordQueueSize = 256

type leg int

const (
	legInbound leg = iota
	legOutbound
)

type recordItem struct {
	leg  leg
	data []byte
}

// CallRecorder writes one call's audio to disk in the background.
type CallRecorder struct {
	callSid  string
	inbound  *wavWriter
	outbound *wavWriter

	ch      chan recordItem
	dropped atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
	finished  chan struct{}
}

// NewCallRecorder opens the two WAV files under dir and starts the writer
// goroutine. The directory is created if missing.
func NewCallRecorder(dir, callSid string) (*CallRecorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create recording dir: %w", err)
	}

	inbound, err := newWavWriter(
		filepath.Join(dir, callSid+"_caller.wav"), formatMulaw, audio.TelephonyRate)
	if err != nil {
		return nil, err
	}
	outbound, err := newWavWriter(
		filepath.Join(dir, callSid+"_assistant.wav"), formatPCM, audio.DownlinkRate)
	if err != nil {
		inbound.Close()
		return nil, err
	}

	r := &CallRecorder{
		callSid:  callSid,
		inbound:  inbound,
		outbound: outbound,
		ch:       make(chan recordItem, recordQueueSize),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go r.writeLoop()
	return r, nil
}

// RecordInbound queues one caller µ-law frame. Never blocks.
func (r *CallRecorder) RecordInbound(mulaw []byte) {
	r.enqueue(legInbound, mulaw)
}

// RecordOutbound queues one model PCM chunk. Never blocks.
func (r *CallRecorder) RecordOutbound(pcm []byte) {
	r.enqueue(legOutbound, pcm)
}

func (r *CallRecorder) enqueue(l leg, data []byte) {
	if len(data) == 0 {
		return
	}
	item := recordItem{leg: l, data: append([]byte(nil), data...)}
	select {
	case r.ch <- item:
	default:
		r.dropped.Add(1)
	}
}

// Close drains what is already queued, patches the WAV headers and closes
// the files. Safe to call more than once.
func (r *CallRecorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		<-r.finished

		if err := r.inbound.Close(); err != nil {
			logger.Base().Warn("closing caller recording failed",
				zap.String("call_sid", r.callSid), zap.Error(err))
		}
		if err := r.outbound.Close(); err != nil {
			logger.Base().Warn("closing assistant recording failed",
				zap.String("call_sid", r.callSid), zap.Error(err))
		}
		if n := r.dropped.Load(); n > 0 {
			logger.Base().Warn("recording frames dropped",
				zap.String("call_sid", r.callSid), zap.Uint64("count", n))
		}
	})
	return nil
}

func (r *CallRecorder) writeLoop() {
	defer close(r.finished)
	for {
		select {
		case item := <-r.ch:
			r.write(item)
		case <-r.done:
			// Drain whatever made it into the queue before the close.
			for {
				select {
				case item := <-r.ch:
					r.write(item)
				default:
					return
				}
			}
		}
	}
}

func (r *CallRecorder) write(item recordItem) {
	w := r.inbound
	if item.leg == legOutbound {
		w = r.outbound
	}
	if err := w.Write(item.data); err != nil {
		r.dropped.Add(1)
	}
}
