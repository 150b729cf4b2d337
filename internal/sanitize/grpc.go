package sanitize

import (
	"context"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// SanitizeMethod is the full gRPC method of the external sanitizer service.
// Requests and responses are google.protobuf.Struct messages:
//
//	request:  {agent_tool_id, tool_name, raw}
//	response: {output, residual_untrusted}
const SanitizeMethod = "/triage.sanitizer.v1.SanitizerService/Sanitize"

// GRPCAdapter calls an external sanitizer service over gRPC.
type GRPCAdapter struct {
	conn   grpc.ClientConnInterface
	closer func() error
	logger *zap.Logger
}

// NewGRPCAdapter dials endpoint (e.g. "sanitizer:50053").
func NewGRPCAdapter(endpoint string, logger *zap.Logger) (*GRPCAdapter, error) {
	conn, err := grpc.NewClient(
		endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("NewGRPCAdapter: %w", err)
	}

	logger.Info("grpc sanitizer configured",
		zap.String("endpoint", endpoint),
	)

	a := NewGRPCAdapterWithConn(conn, logger)
	a.closer = conn.Close
	return a, nil
}

// NewGRPCAdapterWithConn uses an existing connection.
func NewGRPCAdapterWithConn(conn grpc.ClientConnInterface, logger *zap.Logger) *GRPCAdapter {
	return &GRPCAdapter{conn: conn, logger: logger}
}

func (a *GRPCAdapter) Sanitize(ctx context.Context, req Request) (*Outcome, error) {
	raw := &structpb.Value{}
	if err := protojson.Unmarshal(req.Raw, raw); err != nil {
		return nil, fmt.Errorf("GRPCAdapter: raw result is not JSON: %w", err)
	}
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"agent_tool_id": structpb.NewStringValue(req.AgentToolID),
		"tool_name":     structpb.NewStringValue(req.ToolName),
		"raw":           raw,
	}}

	out := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, SanitizeMethod, in, out); err != nil {
		return nil, a.upstreamError(err)
	}

	output, ok := out.Fields["output"]
	if !ok {
		return nil, gwerr.Upstream("sanitizer", fmt.Errorf("response has no output"))
	}
	encoded, err := protojson.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("GRPCAdapter: encoding output: %w", err)
	}
	residual := true
	if v, ok := out.Fields["residual_untrusted"]; ok {
		residual = v.GetBoolValue()
	}
	return &Outcome{Output: encoded, ResidualUntrusted: residual}, nil
}

// upstreamError maps gRPC status codes onto the retry classification.
// Unavailable is the only code guaranteeing the call was never processed.
func (a *GRPCAdapter) upstreamError(err error) error {
	ue := gwerr.Upstream("sanitizer", err)
	switch status.Code(err) {
	case codes.Unavailable:
		ue.Delivered = false
	case codes.DeadlineExceeded:
		ue.Timeout = true
	case codes.InvalidArgument:
		ue.StatusCode = 400
	}
	a.logger.Warn("sanitizer call failed", zap.Error(err))
	return ue
}

// Close shuts down the gRPC connection.
func (a *GRPCAdapter) Close() error {
	if a.closer != nil {
		return a.closer()
	}
	return nil
}
