package domain

import "time"

// MessageKind classifies an inbound frame.
type MessageKind string

const (
	KindVoice     MessageKind = "voice"
	KindScreen    MessageKind = "screen"
	KindCommand   MessageKind = "command"
	KindHeartbeat MessageKind = "heartbeat"
	KindError     MessageKind = "error"
)

// ResponseKind classifies an outbound frame.
type ResponseKind string

const (
	ResponseInstruction  ResponseKind = "instruction"
	ResponseHighlight    ResponseKind = "highlight"
	ResponseVerification ResponseKind = "verification"
	ResponseProactive    ResponseKind = "proactive"
	ResponseError        ResponseKind = "error"
)

// Rect is a pixel rectangle on the device screen.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// UIElement describes an on-screen element the user should interact with.
type UIElement struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Bounds     Rect   `json:"position"`
	Label      string `json:"label,omitempty"`
	AppContext string `json:"app_context,omitempty"`
}

// VoicePayload carries encoded audio and an optional on-device transcript.
type VoicePayload struct {
	Audio      []byte
	Language   string
	Transcript string
}

// ScreenPayload carries an encoded screenshot and its pixel dimensions.
type ScreenPayload struct {
	Image       []byte
	Width       int
	Height      int
	AppContext  string
	VisibleText string
}

// CommandPayload carries a text command with optional parameters.
type CommandPayload struct {
	Text       string
	Parameters map[string]any
}

// ClientErrorPayload carries an error reported by the client.
type ClientErrorPayload struct {
	Code    string
	Message string
}

// InboundFrame is one classified message from the client. It is never mutated
// after classification.
type InboundFrame struct {
	Kind        MessageKind
	SessionID   string
	Voice       *VoicePayload
	Screen      *ScreenPayload
	Command     *CommandPayload
	ClientError *ClientErrorPayload
	// Violation is set when the frame's kind and session are valid but the
	// kind-specific payload is not.
	Violation error
	Timestamp time.Time
}

// OutboundFrame is the single response produced by one pipeline run.
type OutboundFrame struct {
	Kind      ResponseKind
	Content   string
	Audio     []byte
	UIElement *UIElement
	NextStep  string
	SessionID string
	// Ack marks a heartbeat acknowledgement.
	Ack       bool
	Timestamp time.Time
}
