package verifyapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/faceverify/internal/detector"
	"github.com/example/faceverify/internal/logging"
)

const (
	// ServiceName is the fully qualified gRPC service.
	ServiceName    = "faceverify.v1.VerificationService"
	verifyMethod   = "/" + ServiceName + "/Verify"
	registerMethod = "/" + ServiceName + "/RegisterProfile"
)

// GRPCClient talks to the verification service with structpb messages.
type GRPCClient struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	timeout time.Duration
	logger  *zap.Logger
}

// DialGRPC connects to addr and returns a ready-to-use client.
func DialGRPC(ctx context.Context, addr string, timeout time.Duration, logger *zap.Logger) (*GRPCClient, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("verifyapi.dial", "", err)
		logger.Error("failed to dial verification service", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	c := NewGRPCClient(conn, timeout, logger)
	c.closer = conn.Close
	return c, nil
}

// NewGRPCClient wraps an existing connection.
func NewGRPCClient(conn grpc.ClientConnInterface, timeout time.Duration, logger *zap.Logger) *GRPCClient {
	return &GRPCClient{conn: conn, timeout: timeout, logger: logger.Named("verifyapi")}
}

// Verify implements Client.
func (g *GRPCClient) Verify(ctx context.Context, userID string, artifact detector.Artifact, live bool, meta Metadata) (Result, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"user_id":      userID,
		"image":        artifact.Data,
		"content_type": artifact.ContentType,
		"liveness":     live,
		"context":      metadataFields(meta),
	})
	if err != nil {
		return Result{}, logging.NewOperationError("verifyapi.verify", meta.SessionID, err)
	}

	resp := &structpb.Struct{}
	if err := g.invoke(ctx, verifyMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("verifyapi.verify", meta.SessionID, err)
		g.logger.Error("verification call failed", zap.Error(wrapped), zap.String("user_id", userID))
		return Result{}, wrapped
	}

	fields := resp.GetFields()
	return Result{
		Success:    fields["success"].GetBoolValue(),
		Confidence: fields["confidence"].GetNumberValue(),
		MatchID:    fields["match_id"].GetStringValue(),
	}, nil
}

// RegisterProfile implements Client.
func (g *GRPCClient) RegisterProfile(ctx context.Context, userID string, encoding []byte, meta Metadata) error {
	req, err := structpb.NewStruct(map[string]interface{}{
		"user_id":  userID,
		"encoding": encoding,
		"context":  metadataFields(meta),
	})
	if err != nil {
		return logging.NewOperationError("verifyapi.register_profile", meta.SessionID, err)
	}
	if err := g.invoke(ctx, registerMethod, req, &structpb.Struct{}); err != nil {
		wrapped := logging.NewOperationError("verifyapi.register_profile", meta.SessionID, err)
		g.logger.Error("profile registration failed", zap.Error(wrapped), zap.String("user_id", userID))
		return wrapped
	}
	return nil
}

// Close releases the underlying connection when the client owns it.
func (g *GRPCClient) Close() error {
	if g.closer == nil {
		return nil
	}
	return g.closer()
}

func (g *GRPCClient) invoke(ctx context.Context, method string, req, resp *structpb.Struct) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	return g.conn.Invoke(ctx, method, req, resp)
}

func metadataFields(meta Metadata) map[string]interface{} {
	fields := map[string]interface{}{
		"session_id":     meta.SessionID,
		"attempt":        meta.Attempt,
		"liveness_score": meta.LivenessScore,
		"manual":         meta.Manual,
	}
	if meta.DeviceID != "" {
		fields["device_id"] = meta.DeviceID
	}
	return fields
}
