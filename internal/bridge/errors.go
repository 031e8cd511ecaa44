package bridge

import "errors"

// Failure classes for a media session. Callers branch on these to decide
// between clean teardown and error teardown; everything else is wrapped
// context.
var (
	// ErrConnectionLost means one of the two legs dropped mid-call without
	// a clean close handshake.
	ErrConnectionLost = errors.New("bridge: connection lost")

	// ErrBackpressureTimeout means the playback queue stayed full past its
	// deadline. The downstream writer is stuck, so the call is torn down
	// rather than letting audio latency grow without bound.
	ErrBackpressureTimeout = errors.New("bridge: playback queue stalled")
)
