// Package protocol implements the wire schema of the session channel: it
// classifies inbound frames and serializes outbound ones.
package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/safehands/internal/domain"
)

var (
	// ErrMalformedFrame is returned for frames that are not valid envelopes.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnsupportedKind is returned for envelopes with an unknown message_type.
	ErrUnsupportedKind = errors.New("unsupported message kind")
	// ErrInvalidPayload marks a kind-specific payload that failed validation.
	ErrInvalidPayload = errors.New("invalid payload")
)

type inboundEnvelope struct {
	MessageType string          `json:"message_type"`
	SessionID   string          `json:"session_id,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   json.RawMessage `json:"timestamp,omitempty"`
}

type voiceData struct {
	Audio      string `json:"audio"`
	Language   string `json:"language"`
	Transcript string `json:"transcript"`
}

type screenData struct {
	Image       string `json:"image"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	AppContext  string `json:"app_context"`
	VisibleText string `json:"visible_text"`
}

type commandData struct {
	Text       string         `json:"text"`
	Parameters map[string]any `json:"parameters"`
}

type errorData struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
}

// Classify validates one raw frame received on the channel of sessionID.
//
// Envelope problems (bad JSON, missing kind or session reference, unknown
// kind) fail with ErrMalformedFrame or ErrUnsupportedKind. A frame whose
// envelope is valid but whose payload is not is returned with Violation set
// so the caller can answer it without dropping the connection.
func Classify(sessionID string, raw []byte) (domain.InboundFrame, error) {
	var env inboundEnvelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return domain.InboundFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.MessageType == "" {
		return domain.InboundFrame{}, fmt.Errorf("%w: missing message_type", ErrMalformedFrame)
	}

	ref := env.SessionID
	switch {
	case ref == "" && sessionID == "":
		return domain.InboundFrame{}, fmt.Errorf("%w: missing session reference", ErrMalformedFrame)
	case ref == "":
		ref = sessionID
	case sessionID != "" && ref != sessionID:
		return domain.InboundFrame{}, fmt.Errorf("%w: session reference does not match channel", ErrMalformedFrame)
	}

	kind, ok := parseKind(env.MessageType)
	if !ok {
		return domain.InboundFrame{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, env.MessageType)
	}

	ts, err := parseTimestamp(env.Timestamp)
	if err != nil {
		return domain.InboundFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	frame := domain.InboundFrame{Kind: kind, SessionID: ref, Timestamp: ts}
	switch kind {
	case domain.KindVoice:
		frame.Voice, frame.Violation = parseVoice(env.Data)
	case domain.KindScreen:
		frame.Screen, frame.Violation = parseScreen(env.Data)
	case domain.KindCommand:
		frame.Command, frame.Violation = parseCommand(env.Data)
	case domain.KindError:
		frame.ClientError, frame.Violation = parseClientError(env.Data)
	case domain.KindHeartbeat:
	}
	return frame, nil
}

func parseKind(s string) (domain.MessageKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "voice":
		return domain.KindVoice, true
	case "screen":
		return domain.KindScreen, true
	case "command", "text":
		return domain.KindCommand, true
	case "heartbeat":
		return domain.KindHeartbeat, true
	case "error":
		return domain.KindError, true
	}
	return "", false
}

// parseTimestamp accepts RFC 3339 strings or unix time in seconds or
// milliseconds. An absent timestamp yields the zero time.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("timestamp: %w", err)
		}
		if s == "" {
			return time.Time{}, nil
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("timestamp %q is not RFC 3339", s)
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	if f > 1e12 {
		return time.UnixMilli(int64(f)), nil
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9)), nil
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// decodeBase64 decodes standard base64, tolerating a data URL prefix.
func decodeBase64(s string) ([]byte, error) {
	if i := strings.Index(s, ";base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+len(";base64,"):]
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

func parseVoice(raw json.RawMessage) (*domain.VoicePayload, error) {
	var d voiceData
	if err := decodeData(raw, &d); err != nil {
		return nil, err
	}
	p := &domain.VoicePayload{
		Language:   strings.TrimSpace(d.Language),
		Transcript: strings.TrimSpace(d.Transcript),
	}
	if p.Language == "" {
		p.Language = "en"
	}
	if d.Audio != "" {
		audio, err := decodeBase64(d.Audio)
		if err != nil {
			return nil, fmt.Errorf("%w: audio is not base64", ErrInvalidPayload)
		}
		p.Audio = audio
	}
	if len(p.Audio) == 0 && p.Transcript == "" {
		return nil, fmt.Errorf("%w: voice frame carries no audio", ErrInvalidPayload)
	}
	return p, nil
}

func parseScreen(raw json.RawMessage) (*domain.ScreenPayload, error) {
	var d screenData
	if err := decodeData(raw, &d); err != nil {
		return nil, err
	}
	if d.Image == "" {
		return nil, fmt.Errorf("%w: screen frame carries no image", ErrInvalidPayload)
	}
	if d.Width <= 0 || d.Height <= 0 {
		return nil, fmt.Errorf("%w: screen dimensions must be positive, got %dx%d", ErrInvalidPayload, d.Width, d.Height)
	}
	img, err := decodeBase64(d.Image)
	if err != nil || len(img) == 0 {
		return nil, fmt.Errorf("%w: image is not base64", ErrInvalidPayload)
	}
	return &domain.ScreenPayload{
		Image:       img,
		Width:       d.Width,
		Height:      d.Height,
		AppContext:  strings.ToLower(strings.TrimSpace(d.AppContext)),
		VisibleText: d.VisibleText,
	}, nil
}

func parseCommand(raw json.RawMessage) (*domain.CommandPayload, error) {
	var d commandData
	if err := decodeData(raw, &d); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(d.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: command text is empty", ErrInvalidPayload)
	}
	return &domain.CommandPayload{Text: text, Parameters: d.Parameters}, nil
}

func parseClientError(raw json.RawMessage) (*domain.ClientErrorPayload, error) {
	var d errorData
	if err := decodeData(raw, &d); err != nil {
		return nil, err
	}
	if d.Code == "" && d.Message == "" {
		return nil, fmt.Errorf("%w: error frame carries no code or message", ErrInvalidPayload)
	}
	return &domain.ClientErrorPayload{Code: d.Code, Message: d.Message}, nil
}
