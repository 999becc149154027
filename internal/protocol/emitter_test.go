package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/ashureev/safehands/internal/domain"
)

func TestEncodeRoundTripUIElement(t *testing.T) {
	in := domain.OutboundFrame{
		Kind:    domain.ResponseHighlight,
		Content: "Tap the search bar",
		Audio:   []byte{0x01, 0x02, 0xff},
		UIElement: &domain.UIElement{
			ID:         "search_bar",
			Type:       "input",
			Bounds:     domain.Rect{X: 2147483000, Y: -12, Width: 1079, Height: 1},
			Label:      "Search",
			AppContext: "swiggy",
		},
		NextStep:  "Type the dish name",
		SessionID: "sess-1",
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 600, time.UTC),
	}

	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	out, err := DecodeOutbound(data)
	if err != nil {
		t.Fatalf("DecodeOutbound() error = %v", err)
	}

	if !reflect.DeepEqual(in.UIElement, out.UIElement) {
		t.Errorf("UIElement = %+v, want %+v", out.UIElement, in.UIElement)
	}
	if out.Kind != in.Kind || out.Content != in.Content || out.NextStep != in.NextStep {
		t.Errorf("frame mismatch: got %+v", out)
	}
	if string(out.Audio) != string(in.Audio) {
		t.Errorf("Audio = %v, want %v", out.Audio, in.Audio)
	}
	if !out.Timestamp.Equal(in.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", out.Timestamp, in.Timestamp)
	}
}

func TestEncodeSchema(t *testing.T) {
	data, err := Encode(domain.OutboundFrame{Kind: domain.ResponseInstruction, Content: "hi", SessionID: "s"})
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["message_type"] != "response" {
		t.Errorf("message_type = %v, want response", raw["message_type"])
	}
	payload, ok := raw["data"].(map[string]any)
	if !ok {
		t.Fatalf("data is %T", raw["data"])
	}
	if payload["type"] != "instruction" || payload["session_id"] != "s" {
		t.Errorf("unexpected data: %v", payload)
	}
	for _, key := range []string{"audio_response", "ui_element", "next_step"} {
		if _, present := payload[key]; present {
			t.Errorf("optional %s should be omitted", key)
		}
	}
	if _, ok := raw["timestamp"].(string); !ok {
		t.Error("timestamp missing")
	}
}

func TestEncodeHeartbeatAck(t *testing.T) {
	data, err := Encode(domain.OutboundFrame{Kind: domain.ResponseVerification, Ack: true, SessionID: "s"})
	if err != nil {
		t.Fatal(err)
	}
	out, err := DecodeOutbound(data)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Ack || out.Kind != domain.ResponseVerification {
		t.Errorf("ack frame decoded as %+v", out)
	}
}

func TestRejection(t *testing.T) {
	now := time.Now()
	for _, err := range []error{
		ErrMalformedFrame,
		fmt.Errorf("%w: x", ErrUnsupportedKind),
		fmt.Errorf("%w: x", ErrInvalidPayload),
		domain.ErrBusy,
		errors.New("other"),
	} {
		f := Rejection("s", err, now)
		if f.Kind != domain.ResponseError {
			t.Errorf("Rejection(%v).Kind = %q, want error", err, f.Kind)
		}
		if f.Content == "" || f.SessionID != "s" {
			t.Errorf("Rejection(%v) = %+v", err, f)
		}
	}
}
