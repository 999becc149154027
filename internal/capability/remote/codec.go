// Package remote exposes capability providers over gRPC and consumes them
// from a remote sidecar. Messages are google.protobuf.Struct values holding
// the JSON form of the capability types, so no generated code is needed.
package remote

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/safehands/internal/capability"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "safehands.capability.v1.Capability"

// Method names.
const (
	MethodClassifyIntent   = "ClassifyIntent"
	MethodAnalyzeScreen    = "AnalyzeScreen"
	MethodGenerateGuidance = "GenerateGuidance"
	MethodVerifyStep       = "VerifyStep"
	MethodSynthesize       = "Synthesize"
	MethodTranscribe       = "Transcribe"
)

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type synthesizeRequest struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

type synthesizeReply struct {
	Audio []byte `json:"audio"`
}

type transcribeRequest struct {
	Audio    []byte `json:"audio"`
	Language string `json:"language,omitempty"`
}

type transcribeReply struct {
	Text string `json:"text"`
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// toStatus maps provider errors onto gRPC status codes.
func toStatus(err error) error {
	var ce *capability.Error
	switch {
	case errors.Is(err, capability.ErrUnavailable):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.As(err, &ce) && ce.Timeout:
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
