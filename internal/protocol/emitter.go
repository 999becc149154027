package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/safehands/internal/domain"
)

// Outbound envelope message types.
const (
	MessageResponse  = "response"
	MessageHeartbeat = "heartbeat"
)

type outboundEnvelope struct {
	MessageType string       `json:"message_type"`
	Data        outboundData `json:"data"`
	Timestamp   time.Time    `json:"timestamp"`
}

type outboundData struct {
	Type          domain.ResponseKind `json:"type"`
	Content       string              `json:"content"`
	AudioResponse string              `json:"audio_response,omitempty"`
	UIElement     *domain.UIElement   `json:"ui_element,omitempty"`
	NextStep      string              `json:"next_step,omitempty"`
	SessionID     string              `json:"session_id"`
}

// Encode serializes an outbound frame into its wire envelope. The response
// kind chosen by the orchestrator is written unchanged.
func Encode(f domain.OutboundFrame) ([]byte, error) {
	env := outboundEnvelope{
		MessageType: MessageResponse,
		Data: outboundData{
			Type:      f.Kind,
			Content:   f.Content,
			UIElement: f.UIElement,
			NextStep:  f.NextStep,
			SessionID: f.SessionID,
		},
		Timestamp: f.Timestamp,
	}
	if f.Ack {
		env.MessageType = MessageHeartbeat
	}
	if len(f.Audio) > 0 {
		env.Data.AudioResponse = base64.StdEncoding.EncodeToString(f.Audio)
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode outbound frame: %w", err)
	}
	return data, nil
}

// DecodeOutbound parses a serialized outbound frame.
func DecodeOutbound(data []byte) (domain.OutboundFrame, error) {
	var env outboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.OutboundFrame{}, fmt.Errorf("decode outbound frame: %w", err)
	}
	f := domain.OutboundFrame{
		Kind:      env.Data.Type,
		Content:   env.Data.Content,
		UIElement: env.Data.UIElement,
		NextStep:  env.Data.NextStep,
		SessionID: env.Data.SessionID,
		Ack:       env.MessageType == MessageHeartbeat,
		Timestamp: env.Timestamp,
	}
	if env.Data.AudioResponse != "" {
		audio, err := base64.StdEncoding.DecodeString(env.Data.AudioResponse)
		if err != nil {
			return domain.OutboundFrame{}, fmt.Errorf("decode audio_response: %w", err)
		}
		f.Audio = audio
	}
	return f, nil
}

// Rejection builds the error frame answering a frame that failed
// classification or payload validation.
func Rejection(sessionID string, err error, now time.Time) domain.OutboundFrame {
	content := "Sorry, I could not understand that message. Please try again."
	switch {
	case errors.Is(err, ErrUnsupportedKind):
		content = "Sorry, that kind of message is not supported."
	case errors.Is(err, domain.ErrBusy):
		content = "I'm still working on your last request. Please wait a moment and try again."
	case errors.Is(err, ErrInvalidPayload):
		content = "Sorry, part of that message was missing or unreadable. Please try again."
	}
	return domain.OutboundFrame{
		Kind:      domain.ResponseError,
		Content:   content,
		SessionID: sessionID,
		Timestamp: now,
	}
}
