// Package callstate models the lifecycle of one outbound call as a small
// explicit state machine driven by provider status callbacks and machine
// detection signals.
package callstate

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ClareAI/astra-dialer/pkg/logger"
)

// State is one phase in the call lifecycle.
type State int

const (
	StateDialing State = iota
	StateRinging
	StateAnswered
	StateInProgress
	StateMachineDetected
	StateBusy
	StateFailed
	StateNoAnswer
	StateCompleted
	StateCallerHangup
	StateSystemHangup
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateRinging:
		return "ringing"
	case StateAnswered:
		return "answered"
	case StateInProgress:
		return "in_progress"
	case StateMachineDetected:
		return "machine_detected"
	case StateBusy:
		return "busy"
	case StateFailed:
		return "failed"
	case StateNoAnswer:
		return "no_answer"
	case StateCompleted:
		return "completed"
	case StateCallerHangup:
		return "caller_hangup"
	case StateSystemHangup:
		return "system_hangup"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can leave the state.
func (s State) Terminal() bool {
	switch s {
	case StateBusy, StateFailed, StateNoAnswer, StateCompleted,
		StateCallerHangup, StateSystemHangup, StateMachineDetected:
		return true
	}
	return false
}

// Outcome classifies why a call ended. It is set exactly once.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeCompleted
	OutcomeMachineDetected
	OutcomeDeclined
	OutcomeNoAnswer
	OutcomeFailed
	OutcomeCallerHangup
	OutcomeSystemHangup
)

// String returns a human-readable outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "answered_and_conversed"
	case OutcomeMachineDetected:
		return "answering_machine_detected"
	case OutcomeDeclined:
		return "declined_or_busy"
	case OutcomeNoAnswer:
		return "no_answer"
	case OutcomeFailed:
		return "failed"
	case OutcomeCallerHangup:
		return "hung_up_by_caller"
	case OutcomeSystemHangup:
		return "hung_up_by_system"
	default:
		return "unknown"
	}
}

// Signal is a lifecycle input to the tracker. Provider status callbacks map
// onto these; they are delivered at least once and may repeat.
type Signal int

const (
	SignalInitiated Signal = iota
	SignalRinging
	SignalAnswered
	SignalMachineDetected
	SignalBusy
	SignalFailed
	SignalNoAnswer
	SignalCompleted
	SignalCallerHangup
	SignalSystemHangup
)

// MachineDetector is a pluggable strategy for deciding, from the first
// seconds of inbound uplink PCM, whether the far end is a recorded greeting.
// Provider-native detection (Twilio AMD) is the primary source; this exists
// for deployments that want a local heuristic as well.
type MachineDetector interface {
	// Feed consumes one inbound PCM frame and reports true once the
	// detector concludes a machine answered. After returning true it is
	// never called again for the call.
	Feed(pcm []byte) bool
}

// Tracker drives the per-call state machine. Duplicate signals and signals
// arriving after a terminal state are no-ops, since the provider delivers
// status callbacks at least once.
type Tracker struct {
	mu       sync.Mutex
	callSID  string
	state    State
	outcome  Outcome
	started  time.Time
	ended    time.Time
	onClose  func(Outcome)
	notified bool
}

// NewTracker creates a tracker in the dialing state. onClose fires exactly
// once, when the call reaches a terminal state that requires the media
// bridge (if any) to shut down.
func NewTracker(callSID string, onClose func(Outcome)) *Tracker {
	return &Tracker{
		callSID: callSID,
		state:   StateDialing,
		started: time.Now(),
		onClose: onClose,
	}
}

// State returns the current lifecycle state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Outcome returns the final call outcome, or OutcomeUnknown while the call
// is still live.
func (t *Tracker) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// CallSID returns the provider call identifier.
func (t *Tracker) CallSID() string {
	return t.callSID
}

// Signal applies one lifecycle signal. It returns the resulting state.
func (t *Tracker) Signal(sig Signal) State {
	t.mu.Lock()

	if t.state.Terminal() {
		// Duplicate delivery after the call ended; nothing to do.
		t.mu.Unlock()
		return t.state
	}

	next, outcome, valid := transition(t.state, sig)
	if !valid {
		logger.Base().Warn("ignoring invalid call state transition",
			zap.String("call_sid", t.callSID),
			zap.String("state", t.state.String()),
			zap.Int("signal", int(sig)))
		t.mu.Unlock()
		return t.state
	}

	logger.Base().Info("call state transition",
		zap.String("call_sid", t.callSID),
		zap.String("from", t.state.String()),
		zap.String("to", next.String()))

	t.state = next
	var fire func(Outcome)
	if next.Terminal() {
		t.outcome = outcome
		t.ended = time.Now()
		if !t.notified {
			t.notified = true
			fire = t.onClose
		}
	}
	t.mu.Unlock()

	if fire != nil {
		fire(outcome)
	}
	return next
}

// transition is the exhaustive transition table. It returns the next state,
// the outcome latched when that state is terminal, and whether the
// transition is allowed at all.
func transition(from State, sig Signal) (State, Outcome, bool) {
	switch sig {
	case SignalInitiated:
		return from, OutcomeUnknown, from == StateDialing
	case SignalRinging:
		if from == StateDialing || from == StateRinging {
			return StateRinging, OutcomeUnknown, true
		}
	case SignalAnswered:
		switch from {
		case StateDialing, StateRinging:
			return StateAnswered, OutcomeUnknown, true
		case StateAnswered:
			return StateInProgress, OutcomeUnknown, true
		}
	case SignalMachineDetected:
		switch from {
		case StateAnswered, StateInProgress:
			return StateMachineDetected, OutcomeMachineDetected, true
		}
	case SignalBusy:
		switch from {
		case StateDialing, StateRinging:
			return StateBusy, OutcomeDeclined, true
		}
	case SignalFailed:
		switch from {
		case StateDialing, StateRinging:
			return StateFailed, OutcomeFailed, true
		}
	case SignalNoAnswer:
		switch from {
		case StateDialing, StateRinging:
			return StateNoAnswer, OutcomeNoAnswer, true
		}
	case SignalCompleted:
		switch from {
		case StateAnswered, StateInProgress:
			return StateCompleted, OutcomeCompleted, true
		case StateDialing, StateRinging:
			// Provider ended the call before it was ever bridged.
			return StateFailed, OutcomeFailed, true
		}
	case SignalCallerHangup:
		switch from {
		case StateAnswered, StateInProgress:
			return StateCallerHangup, OutcomeCallerHangup, true
		}
	case SignalSystemHangup:
		switch from {
		case StateAnswered, StateInProgress:
			return StateSystemHangup, OutcomeSystemHangup, true
		}
	}
	return from, OutcomeUnknown, false
}

// SignalFromProviderStatus maps a Twilio CallStatus string to a Signal.
// AnsweredBy values indicating a machine are handled separately via
// SignalMachineDetected. The second return is false for statuses the
// tracker does not consume.
func SignalFromProviderStatus(status string) (Signal, bool) {
	switch status {
	case "initiated", "queued":
		return SignalInitiated, true
	case "ringing":
		return SignalRinging, true
	case "answered", "in-progress":
		return SignalAnswered, true
	case "busy":
		return SignalBusy, true
	case "failed", "canceled":
		return SignalFailed, true
	case "no-answer":
		return SignalNoAnswer, true
	case "completed":
		return SignalCompleted, true
	}
	return 0, false
}

// MachineAnsweredBy reports whether a Twilio AnsweredBy value means an
// answering machine or fax picked up.
func MachineAnsweredBy(answeredBy string) bool {
	switch answeredBy {
	case "machine_start", "machine_end_beep", "machine_end_silence",
		"machine_end_other", "fax":
		return true
	}
	return false
}
