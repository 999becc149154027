package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ashureev/safehands/internal/capability"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server serves a provider set over gRPC.
type Server struct {
	providers capability.Providers
	logger    *slog.Logger
}

// NewServer creates a Server for providers.
func NewServer(providers capability.Providers, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{providers: providers, logger: logger}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodClassifyIntent, func(s *Server, ctx context.Context, req capability.IntentRequest) (capability.Intent, error) {
			if s.providers.Intent == nil {
				return capability.Intent{}, capability.ErrUnavailable
			}
			return s.providers.Intent.ClassifyIntent(ctx, req)
		}),
		unary(MethodAnalyzeScreen, func(s *Server, ctx context.Context, req capability.ScreenRequest) (capability.ScreenAnalysis, error) {
			if s.providers.Screen == nil {
				return capability.ScreenAnalysis{}, capability.ErrUnavailable
			}
			return s.providers.Screen.AnalyzeScreen(ctx, req)
		}),
		unary(MethodGenerateGuidance, func(s *Server, ctx context.Context, req capability.GuidanceRequest) (capability.Guidance, error) {
			if s.providers.Guidance == nil {
				return capability.Guidance{}, capability.ErrUnavailable
			}
			return s.providers.Guidance.GenerateGuidance(ctx, req)
		}),
		unary(MethodVerifyStep, func(s *Server, ctx context.Context, req capability.VerifyRequest) (capability.Verification, error) {
			if s.providers.Verifier == nil {
				return capability.Verification{}, capability.ErrUnavailable
			}
			return s.providers.Verifier.VerifyStep(ctx, req)
		}),
		unary(MethodSynthesize, func(s *Server, ctx context.Context, req synthesizeRequest) (synthesizeReply, error) {
			if s.providers.Synthesizer == nil {
				return synthesizeReply{}, capability.ErrUnavailable
			}
			audio, err := s.providers.Synthesizer.Synthesize(ctx, req.Text, req.Language)
			return synthesizeReply{Audio: audio}, err
		}),
		unary(MethodTranscribe, func(s *Server, ctx context.Context, req transcribeRequest) (transcribeReply, error) {
			if s.providers.Transcriber == nil {
				return transcribeReply{}, capability.ErrUnavailable
			}
			text, err := s.providers.Transcriber.Transcribe(ctx, req.Audio, req.Language)
			return transcribeReply{Text: text}, err
		}),
	},
	Metadata: "safehands/capability/v1/capability.proto",
}

// unary adapts a typed provider call to a gRPC method handler.
func unary[Req, Resp any](method string, call func(*Server, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, msg any) (any, error) {
				var req Req
				if err := fromStruct(msg.(*structpb.Struct), &req); err != nil {
					return nil, status.Error(codes.InvalidArgument, err.Error())
				}
				s := srv.(*Server)
				resp, err := call(s, ctx, req)
				if err != nil {
					s.logger.Warn("Capability call failed", "method", method, "error", err)
					return nil, toStatus(err)
				}
				return toStruct(resp)
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Register adds the capability and health services to g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(g, hs)
}

// Serve serves s on lis until ctx is done, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	g := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: time.Minute}),
		grpc.KeepaliveParams(keepalive.ServerParameters{MaxConnectionIdle: 15 * time.Minute}),
	)
	s.Register(g)

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Capability server listening", "addr", lis.Addr().String())
		errc <- g.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		g.GracefulStop()
		<-errc
		return nil
	case err := <-errc:
		return fmt.Errorf("serve capabilities: %w", err)
	}
}
