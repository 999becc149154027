package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/safehands/internal/capability"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// ClientConfig holds connection settings for a capability sidecar.
type ClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultClientConfig returns the default settings for addr.
func DefaultClientConfig(addr string) ClientConfig {
	return ClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Client calls a remote capability server.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	logger *slog.Logger
}

// Dial connects to the capability server described by cfg and waits until
// the connection is ready or cfg.ConnectTimeout elapses.
func Dial(cfg ClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to capability server at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("capability server at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to capability server", "address", cfg.Address)

	return &Client{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   cfg.Address,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *Client) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks that the server reports the capability service as serving.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("capability server at %s is %s", c.addr, resp.GetStatus())
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		if status.Code(err) == codes.Unimplemented {
			return fmt.Errorf("%s: %w", method, capability.ErrUnavailable)
		}
		return fmt.Errorf("%s: %w", method, err)
	}
	return fromStruct(out, resp)
}

// ClassifyIntent implements capability.IntentClassifier.
func (c *Client) ClassifyIntent(ctx context.Context, req capability.IntentRequest) (capability.Intent, error) {
	var out capability.Intent
	err := c.invoke(ctx, MethodClassifyIntent, req, &out)
	return out, err
}

// AnalyzeScreen implements capability.ScreenAnalyzer.
func (c *Client) AnalyzeScreen(ctx context.Context, req capability.ScreenRequest) (capability.ScreenAnalysis, error) {
	var out capability.ScreenAnalysis
	err := c.invoke(ctx, MethodAnalyzeScreen, req, &out)
	return out, err
}

// GenerateGuidance implements capability.GuidanceGenerator.
func (c *Client) GenerateGuidance(ctx context.Context, req capability.GuidanceRequest) (capability.Guidance, error) {
	var out capability.Guidance
	err := c.invoke(ctx, MethodGenerateGuidance, req, &out)
	return out, err
}

// VerifyStep implements capability.StepVerifier.
func (c *Client) VerifyStep(ctx context.Context, req capability.VerifyRequest) (capability.Verification, error) {
	var out capability.Verification
	err := c.invoke(ctx, MethodVerifyStep, req, &out)
	return out, err
}

// Synthesize implements capability.SpeechSynthesizer.
func (c *Client) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	var out synthesizeReply
	err := c.invoke(ctx, MethodSynthesize, synthesizeRequest{Text: text, Language: language}, &out)
	return out.Audio, err
}

// Transcribe implements capability.SpeechTranscriber.
func (c *Client) Transcribe(ctx context.Context, audio []byte, language string) (string, error) {
	var out transcribeReply
	err := c.invoke(ctx, MethodTranscribe, transcribeRequest{Audio: audio, Language: language}, &out)
	return out.Text, err
}

// Providers returns c as every capability. Speech is included only when
// speech is true, since the server may not offer it.
func (c *Client) Providers(speech bool) capability.Providers {
	p := capability.Providers{Intent: c, Screen: c, Guidance: c, Verifier: c}
	if speech {
		p.Synthesizer = c
		p.Transcriber = c
	}
	return p
}
