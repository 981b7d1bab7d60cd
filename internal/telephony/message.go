package telephony

import "fmt"

// ProtocolError reports a malformed or unparseable media stream frame.
// Recoverable: the bridge skips the frame and keeps the call alive.
type ProtocolError struct {
	Event string
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("media stream protocol error: %v", e.Err)
	}
	return fmt.Sprintf("media stream protocol error in %s event: %v", e.Event, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Twilio Media Streams event names. Anything else is treated as an
// unknown event and ignored for forward compatibility.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
)

// StreamMessage is one inbound Media Streams frame, dispatched on the
// Event tag. Only the payload matching the tag is populated.
type StreamMessage struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
	Start     *StartPayload `json:"start,omitempty"`
	Mark      *MarkPayload  `json:"mark,omitempty"`
	Stop      *StopPayload  `json:"stop,omitempty"`
}

// StartPayload carries the identifiers and custom parameters for a new
// media stream.
type StartPayload struct {
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaPayload carries one base64-encoded mu-law audio chunk.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// MarkPayload is a timing/synchronization marker. Informational only.
type MarkPayload struct {
	Name string `json:"name"`
}

// StopPayload signals the end of the media stream.
type StopPayload struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// OutboundMedia is an audio frame sent back to the provider. StreamSid
// must be the exact value received at start so the provider routes the
// audio to the right call leg.
type OutboundMedia struct {
	Event     string               `json:"event"`
	StreamSid string               `json:"streamSid"`
	Media     OutboundMediaPayload `json:"media"`
}

// OutboundMediaPayload holds the base64-encoded mu-law bytes.
type OutboundMediaPayload struct {
	Payload string `json:"payload"`
}

// OutboundMark is a best-effort marker frame, used to signal a fatal
// bridge error to the provider before closing.
type OutboundMark struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid"`
	Mark      MarkPayload `json:"mark"`
}

// CallState tracks the lifecycle of one phone call session.
type CallState int

const (
	CallInitiating CallState = iota
	CallConnected
	CallStreaming
	CallTerminated
)

func (s CallState) String() string {
	switch s {
	case CallInitiating:
		return "initiating"
	case CallConnected:
		return "connected"
	case CallStreaming:
		return "streaming"
	case CallTerminated:
		return "terminated"
	}
	return "unknown"
}
