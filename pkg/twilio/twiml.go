package twilio

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// TwiML response builder for the two documents this service serves: connect
// the call to our media stream, or hang up immediately.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type twimlConnect struct {
	XMLName xml.Name    `xml:"Connect"`
	Stream  twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter,omitempty"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// StreamTwiML renders the document that bridges an answered call onto the
// media stream WebSocket. The session ID rides along as a stream parameter
// so the WebSocket handler can find the session the call belongs to.
func StreamTwiML(wsURL, sessionID string) (string, error) {
	r := twimlResponse{Verbs: []any{
		twimlSay{Text: "Connecting you now, one moment please."},
		twimlConnect{Stream: twimlStream{
			URL:        wsURL,
			Parameters: []twimlParameter{{Name: "session_id", Value: sessionID}},
		}},
	}}
	return renderTwiML(r)
}

// HangupTwiML renders an immediate hangup, served when machine detection
// already concluded before the call was bridged.
func HangupTwiML() (string, error) {
	return renderTwiML(twimlResponse{Verbs: []any{twimlHangup{}}})
}

func renderTwiML(r twimlResponse) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", fmt.Errorf("twilio: render twiml: %w", err)
	}
	if err := enc.Flush(); err != nil {
		return "", fmt.Errorf("twilio: render twiml: %w", err)
	}
	return buf.String(), nil
}
