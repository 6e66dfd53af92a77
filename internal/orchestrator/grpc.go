package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/ashureev/scenario-lab/internal/domain"
)

// ServiceName is the gRPC service exposed by a remote orchestrator.
const ServiceName = "scenariolab.orchestrator.v1.Orchestrator"

const (
	continueTurnMethod  = "/" + ServiceName + "/ContinueTurn"
	evaluateMethod      = "/" + ServiceName + "/Evaluate"
	validateThemeMethod = "/" + ServiceName + "/ValidateTheme"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNotServing               = errors.New("orchestrator not serving")
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries orchestrator messages as JSON so the service needs no
// generated stubs. Health checks keep the default proto codec.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

type remoteTurnRequest struct {
	SystemInstruction string           `json:"system_instruction"`
	History           []domain.Message `json:"history"`
	Text              string           `json:"text"`
}

type remoteTurnResponse struct {
	Text string `json:"text"`
}

type remoteEvaluateRequest struct {
	Transcript string `json:"transcript"`
}

type remoteEvaluateResponse struct {
	Evaluation json.RawMessage `json:"evaluation"`
}

type remoteThemeRequest struct {
	Theme string `json:"theme"`
}

type remoteThemeResponse struct {
	Valid bool `json:"valid"`
}

// GrpcClient talks to a remote orchestrator service.
type GrpcClient struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	addr    string
	timeout time.Duration
	logger  *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	DialOptions      []grpc.DialOption
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   90 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to a remote orchestrator and waits until the
// connection is ready.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}
	opts = append(opts, cfg.DialOptions...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to orchestrator at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("orchestrator at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to orchestrator service", "address", cfg.Address)

	return &GrpcClient{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		addr:    cfg.Address,
		timeout: cfg.RequestTimeout,
		logger:  logger,
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
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks the remote service through the standard health protocol.
func (c *GrpcClient) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}
	return nil
}

func (c *GrpcClient) invoke(ctx context.Context, method string, req, resp any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.conn.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(jsonCodec{}.Name()))
}

// ContinueTurn forwards the turn to the remote service.
func (c *GrpcClient) ContinueTurn(ctx context.Context, req TurnRequest) (string, error) {
	var resp remoteTurnResponse
	err := c.invoke(ctx, continueTurnMethod, &remoteTurnRequest{
		SystemInstruction: req.SystemInstruction,
		History:           req.History,
		Text:              req.Text,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("remote continue turn: %w", err)
	}
	if resp.Text == "" {
		return "", ErrEmptyResponse
	}
	return resp.Text, nil
}

// Evaluate forwards the transcript and validates the returned evaluation.
func (c *GrpcClient) Evaluate(ctx context.Context, transcript string) (*domain.EvaluationResult, error) {
	var resp remoteEvaluateResponse
	if err := c.invoke(ctx, evaluateMethod, &remoteEvaluateRequest{Transcript: transcript}, &resp); err != nil {
		return nil, fmt.Errorf("remote evaluate: %w", err)
	}
	return ParseEvaluation(resp.Evaluation)
}

// ValidateTheme forwards the theme check to the remote service.
func (c *GrpcClient) ValidateTheme(ctx context.Context, theme string) (bool, error) {
	var resp remoteThemeResponse
	if err := c.invoke(ctx, validateThemeMethod, &remoteThemeRequest{Theme: theme}, &resp); err != nil {
		return false, fmt.Errorf("remote validate theme: %w", err)
	}
	return resp.Valid, nil
}

// RegisterServer exposes o on s under ServiceName, along with a health
// service reporting it as serving.
func RegisterServer(s *grpc.Server, o Orchestrator) {
	s.RegisterService(&orchestratorServiceDesc, o)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
}

var orchestratorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Orchestrator)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ContinueTurn", Handler: unaryHandler(continueTurnMethod, serveContinueTurn)},
		{MethodName: "Evaluate", Handler: unaryHandler(evaluateMethod, serveEvaluate)},
		{MethodName: "ValidateTheme", Handler: unaryHandler(validateThemeMethod, serveValidateTheme)},
	},
	Streams: []grpc.StreamDesc{},
}

func unaryHandler[Req any](method string, call func(context.Context, Orchestrator, *Req) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		o := srv.(Orchestrator)
		if interceptor == nil {
			return call(ctx, o, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
			return call(ctx, o, r.(*Req))
		})
	}
}

func serveContinueTurn(ctx context.Context, o Orchestrator, req *remoteTurnRequest) (any, error) {
	text, err := o.ContinueTurn(ctx, TurnRequest{
		SystemInstruction: req.SystemInstruction,
		History:           req.History,
		Text:              req.Text,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &remoteTurnResponse{Text: text}, nil
}

func serveEvaluate(ctx context.Context, o Orchestrator, req *remoteEvaluateRequest) (any, error) {
	result, err := o.Evaluate(ctx, req.Transcript)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &remoteEvaluateResponse{Evaluation: raw}, nil
}

func serveValidateTheme(ctx context.Context, o Orchestrator, req *remoteThemeRequest) (any, error) {
	v, ok := o.(ThemeValidator)
	if !ok {
		return nil, status.Error(codes.Unimplemented, "theme validation not supported")
	}
	valid, err := v.ValidateTheme(ctx, req.Theme)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &remoteThemeResponse{Valid: valid}, nil
}
