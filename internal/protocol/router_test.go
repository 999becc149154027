package protocol

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/safehands/internal/domain"
)

var png = base64.StdEncoding.EncodeToString([]byte("\x89PNG fake image"))

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		raw           string
		wantKind      domain.MessageKind
		wantErr       error
		wantViolation bool
	}{
		{
			name:     "heartbeat",
			raw:      `{"message_type":"heartbeat","timestamp":"2024-01-02T03:04:05Z"}`,
			wantKind: domain.KindHeartbeat,
		},
		{
			name:     "command",
			raw:      `{"message_type":"command","data":{"text":"order food"}}`,
			wantKind: domain.KindCommand,
		},
		{
			name:     "text alias",
			raw:      `{"message_type":"text","data":{"text":"hello"}}`,
			wantKind: domain.KindCommand,
		},
		{
			name:     "screen",
			raw:      `{"message_type":"screen","data":{"image":"` + png + `","width":1080,"height":1920}}`,
			wantKind: domain.KindScreen,
		},
		{
			name:          "screen zero width",
			raw:           `{"message_type":"screen","data":{"image":"` + png + `","width":0,"height":1920}}`,
			wantKind:      domain.KindScreen,
			wantViolation: true,
		},
		{
			name:          "screen no image",
			raw:           `{"message_type":"screen","data":{"width":10,"height":10}}`,
			wantKind:      domain.KindScreen,
			wantViolation: true,
		},
		{
			name:     "voice with transcript",
			raw:      `{"message_type":"voice","data":{"transcript":"help me"}}`,
			wantKind: domain.KindVoice,
		},
		{
			name:          "voice bad audio",
			raw:           `{"message_type":"voice","data":{"audio":"***"}}`,
			wantKind:      domain.KindVoice,
			wantViolation: true,
		},
		{
			name:          "empty command",
			raw:           `{"message_type":"command","data":{"text":"   "}}`,
			wantKind:      domain.KindCommand,
			wantViolation: true,
		},
		{
			name:     "client error",
			raw:      `{"message_type":"error","data":{"error_code":"E1","error_message":"camera failed"}}`,
			wantKind: domain.KindError,
		},
		{
			name:    "not json",
			raw:     `{{{`,
			wantErr: ErrMalformedFrame,
		},
		{
			name:    "missing kind",
			raw:     `{"data":{}}`,
			wantErr: ErrMalformedFrame,
		},
		{
			name:    "unknown kind",
			raw:     `{"message_type":"telepathy"}`,
			wantErr: ErrUnsupportedKind,
		},
		{
			name:    "foreign session",
			raw:     `{"message_type":"heartbeat","session_id":"other"}`,
			wantErr: ErrMalformedFrame,
		},
		{
			name:    "bad timestamp",
			raw:     `{"message_type":"heartbeat","timestamp":"yesterday"}`,
			wantErr: ErrMalformedFrame,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Classify("sess-1", []byte(tt.raw))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Classify() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Classify() unexpected error: %v", err)
			}
			if frame.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", frame.Kind, tt.wantKind)
			}
			if frame.SessionID != "sess-1" {
				t.Errorf("SessionID = %q, want sess-1", frame.SessionID)
			}
			if (frame.Violation != nil) != tt.wantViolation {
				t.Errorf("Violation = %v, wantViolation %v", frame.Violation, tt.wantViolation)
			}
			if frame.Violation != nil && !errors.Is(frame.Violation, ErrInvalidPayload) {
				t.Errorf("Violation %v does not wrap ErrInvalidPayload", frame.Violation)
			}
		})
	}
}

func TestClassifyPayloads(t *testing.T) {
	frame, err := Classify("s", []byte(`{"message_type":"screen","data":{"image":"data:image/png;base64,`+png+`","width":5,"height":6,"app_context":" Swiggy "}}`))
	if err != nil {
		t.Fatal(err)
	}
	if frame.Screen == nil || string(frame.Screen.Image) != "\x89PNG fake image" {
		t.Fatalf("unexpected screen payload: %+v", frame.Screen)
	}
	if frame.Screen.AppContext != "swiggy" {
		t.Errorf("AppContext = %q, want swiggy", frame.Screen.AppContext)
	}

	frame, err = Classify("s", []byte(`{"message_type":"voice","data":{"transcript":"hi"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if frame.Voice.Language != "en" {
		t.Errorf("Language = %q, want default en", frame.Voice.Language)
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	tests := []struct {
		raw  string
		want time.Time
	}{
		{`"2024-05-06T07:08:09Z"`, want},
		{`1714979289`, want},
		{`1714979289000`, want},
		{``, time.Time{}},
		{`null`, time.Time{}},
	}
	for _, tt := range tests {
		got, err := parseTimestamp([]byte(tt.raw))
		if err != nil {
			t.Errorf("parseTimestamp(%s) error = %v", tt.raw, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseTimestamp(%s) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
