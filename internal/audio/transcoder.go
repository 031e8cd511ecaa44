// Package audio converts between the telephony audio domain (8kHz G.711
// µ-law) and the model audio domain (16-bit linear PCM, 16kHz uplink and
// 24kHz downlink), one frame at a time.
package audio

import (
	"github.com/zaf/g711"
	"go.uber.org/zap"

	"github.com/ClareAI/astra-dialer/pkg/logger"
)

// Sample rates of the three audio domains the bridge touches.
const (
	TelephonyRate = 8000  // Twilio Media Streams, µ-law
	UplinkRate    = 16000 // PCM toward Gemini
	DownlinkRate  = 24000 // PCM from Gemini
)

// FrameDurationMs is the duration of one telephony media frame.
const FrameDurationMs = 20

// Transcoder performs bidirectional conversion between µ-law telephony
// frames and linear PCM model frames. It keeps a small amount of resampler
// state (last sample, decimation carry) so conversion stays continuous
// across frame boundaries; one Transcoder belongs to exactly one bridge and
// must not be shared between concurrent calls.
type Transcoder struct {
	upPrev    int16   // last 8kHz sample seen by the upsampler
	upPrimed  bool    // false until the first uplink frame
	downCarry []int16 // 24kHz samples left over from 3:1 decimation
}

// NewTranscoder returns a Transcoder with clean filter state.
func NewTranscoder() *Transcoder {
	return &Transcoder{}
}

// Reset clears all internal filter history. Call it before reusing a
// Transcoder for a new call.
func (t *Transcoder) Reset() {
	t.upPrev = 0
	t.upPrimed = false
	t.downCarry = t.downCarry[:0]
}

// DecodeInbound converts one µ-law 8kHz telephony frame into 16-bit PCM at
// 16kHz for the model session. A malformed or empty frame yields an empty
// slice; it never fails into the caller's hot loop.
func (t *Transcoder) DecodeInbound(mulaw []byte) []byte {
	if len(mulaw) == 0 {
		logger.Base().Debug("dropping empty inbound frame")
		return nil
	}

	pcm8k := bytesToSamples(g711.DecodeUlaw(mulaw))

	// Upsample 8kHz -> 16kHz by linear interpolation against the previous
	// sample. Zero-order hold is not good enough here: the model's speech
	// understanding is sensitive to the aliasing it introduces.
	out := make([]int16, 0, len(pcm8k)*2)
	prev := t.upPrev
	if !t.upPrimed {
		prev = pcm8k[0]
		t.upPrimed = true
	}
	for _, cur := range pcm8k {
		mid := int16((int32(prev) + int32(cur)) / 2)
		out = append(out, mid, cur)
		prev = cur
	}
	t.upPrev = prev

	return samplesToBytes(out)
}

// EncodeOutbound converts one 24kHz 16-bit PCM frame from the model into a
// µ-law 8kHz telephony frame. Out-of-range intermediate values are clamped,
// never wrapped. A malformed or empty frame yields an empty slice.
func (t *Transcoder) EncodeOutbound(pcm []byte) []byte {
	if len(pcm) == 0 {
		logger.Base().Debug("dropping empty outbound frame")
		return nil
	}
	if len(pcm)%2 != 0 {
		logger.Base().Warn("outbound frame has odd byte length, truncating",
			zap.Int("bytes", len(pcm)))
		pcm = pcm[:len(pcm)-1]
		if len(pcm) == 0 {
			return nil
		}
	}

	// Prepend any samples carried over from the previous frame so the 3:1
	// decimation stays aligned across frame boundaries.
	samples := append(t.downCarry, bytesToSamples(pcm)...)

	// Downsample 24kHz -> 8kHz by averaging each group of three samples.
	// The averaging doubles as a crude low-pass so the decimation does not
	// fold high frequencies back into the voice band.
	n := len(samples) / 3
	pcm8k := make([]int16, n)
	for i := 0; i < n; i++ {
		sum := int32(samples[i*3]) + int32(samples[i*3+1]) + int32(samples[i*3+2])
		pcm8k[i] = clamp16(sum / 3)
	}
	t.downCarry = append(t.downCarry[:0], samples[n*3:]...)

	if n == 0 {
		return nil
	}
	return g711.EncodeUlaw(samplesToBytes(pcm8k))
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// bytesToSamples reinterprets little-endian 16-bit PCM bytes as samples.
func bytesToSamples(b []byte) []int16 {
	s := make([]int16, len(b)/2)
	for i := range s {
		s[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return s
}

// samplesToBytes writes samples as little-endian 16-bit PCM bytes.
func samplesToBytes(s []int16) []byte {
	b := make([]byte, len(s)*2)
	for i, v := range s {
		b[i*2] = byte(v)
		b[i*2+1] = byte(uint16(v) >> 8)
	}
	return b
}
