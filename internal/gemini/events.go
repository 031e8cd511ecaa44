package gemini

// Event is one item in the session's server event stream, delivered in
// arrival order. It is a closed set of variants so consumers can switch
// exhaustively.
type Event interface {
	isEvent()
}

// AudioChunk carries one chunk of 24kHz 16-bit PCM model speech.
type AudioChunk struct {
	PCM []byte
}

// TurnComplete marks the end of one model speech turn.
type TurnComplete struct{}

// Interrupted means the model's server-side VAD heard the caller barge in;
// any queued playback of the current turn must be discarded.
type Interrupted struct{}

// Transcript carries a text transcription of either party's speech.
type Transcript struct {
	Speaker string // "user" or "model"
	Text    string
}

// SessionError means the session failed; the stream ends after it.
type SessionError struct {
	Err error
}

func (AudioChunk) isEvent()   {}
func (TurnComplete) isEvent() {}
func (Interrupted) isEvent()  {}
func (Transcript) isEvent()   {}
func (SessionError) isEvent() {}
