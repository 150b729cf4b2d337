// Package server is the gRPC surface of the trust gateway.
package server

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/auth"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gateway"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/trust"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ToolCaller runs tool calls. *gateway.Router implements it.
type ToolCaller interface {
	HandleToolCall(ctx context.Context, agentToolID string, req gateway.ToolCallRequest, tc *trust.Context) (*gateway.ToolCallResult, error)
}

// TrustGatewayServer implements the TrustGatewayService gRPC service.
type TrustGatewayServer struct {
	tools    ToolCaller
	sessions *trust.Sessions
	auth     auth.Authenticator
	logger   *zap.Logger
}

var _ TrustGatewayServiceServer = (*TrustGatewayServer)(nil)

// NewTrustGatewayServer creates a new TrustGatewayServer with the given dependencies.
func NewTrustGatewayServer(
	tools ToolCaller,
	sessions *trust.Sessions,
	authenticator auth.Authenticator,
	logger *zap.Logger,
) *TrustGatewayServer {
	return &TrustGatewayServer{
		tools:    tools,
		sessions: sessions,
		auth:     authenticator,
		logger:   logger,
	}
}

// CallTool implements the TrustGatewayService.CallTool RPC.
func (s *TrustGatewayServer) CallTool(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	// 1. Authenticate
	caller, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	// 2. Decode
	agentToolID := stringField(in, "agent_tool_id")
	sessionID := stringField(in, "session_id")
	if agentToolID == "" || sessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "agent_tool_id and session_id are required")
	}
	var args json.RawMessage
	if v, ok := in.Fields["arguments"]; ok {
		if args, err = protojson.Marshal(v); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "arguments: %v", err)
		}
	}

	// 3. Run
	requestID := requestIDFrom(ctx)
	res, err := s.tools.HandleToolCall(ctx, agentToolID, gateway.ToolCallRequest{
		RequestID: requestID,
		CallID:    stringField(in, "call_id"),
		Arguments: args,
		Caller:    caller,
	}, s.sessions.Get(caller.SessionKey(sessionID)))
	if err != nil {
		return nil, s.statusError(err, requestID)
	}
	return toStruct(res)
}

// GetSessionTrust implements the TrustGatewayService.GetSessionTrust RPC.
func (s *TrustGatewayServer) GetSessionTrust(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	sessionID := stringField(in, "session_id")
	tc, ok := s.sessions.Lookup(caller.SessionKey(sessionID))
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown session %q", sessionID)
	}
	snap := tc.Snapshot()
	snap.SessionID = sessionID
	return toStruct(snap)
}

// ResetSession implements the TrustGatewayService.ResetSession RPC.
func (s *TrustGatewayServer) ResetSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	sessionID := stringField(in, "session_id")
	if sessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id is required")
	}
	existed := s.sessions.Reset(caller.SessionKey(sessionID))
	s.logger.Info("session reset",
		zap.String("session_id", sessionID),
		zap.String("agent_id", caller.AgentID),
		zap.Bool("existed", existed),
	)
	return structpb.NewStruct(map[string]any{"session_id": sessionID, "reset": existed})
}

func (s *TrustGatewayServer) authenticate(ctx context.Context) (*auth.AgentContext, error) {
	token, err := auth.TokenFromMetadata(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	caller, err := s.auth.Authenticate(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			return nil, status.Error(codes.Unauthenticated, "invalid api key")
		}
		s.logger.Error("authentication unavailable", zap.Error(err))
		return nil, status.Error(codes.Unavailable, "authentication unavailable")
	}
	return caller, nil
}

// statusError maps the gateway error taxonomy onto gRPC codes. Upstream
// failures never map to Unavailable: clients retry that code blindly,
// which would re-run non-idempotent tools.
func (s *TrustGatewayServer) statusError(err error, requestID string) error {
	var code codes.Code
	switch gwerr.Kind(err) {
	case "policy_violation":
		code = codes.PermissionDenied
		if pv, ok := gwerr.AsPolicyViolation(err); ok {
			return status.Errorf(code, "%s (rule %q)", pv.Reason, pv.RuleID)
		}
	case "invalid_arguments":
		code = codes.InvalidArgument
	case "not_found":
		code = codes.NotFound
	case "store_unavailable":
		code = codes.Unavailable
	case "upstream_error":
		code = codes.Aborted
		if ue, ok := gwerr.AsUpstream(err); ok && ue.Timeout {
			code = codes.DeadlineExceeded
		}
	case "configuration_error":
		code = codes.FailedPrecondition
	default:
		code = codes.Internal
	}

	if code == codes.Internal || code == codes.FailedPrecondition || code == codes.Unavailable {
		s.logger.Error("tool call failed",
			zap.String("request_id", requestID),
			zap.String("error_kind", gwerr.Kind(err)),
			zap.Error(err),
		)
		return status.Error(code, code.String())
	}
	return status.Error(code, err.Error())
}

func requestIDFrom(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("x-request-id"); len(v) > 0 && v[0] != "" {
			return v[0]
		}
	}
	return uuid.New().String()
}

func stringField(s *structpb.Struct, name string) string {
	if s == nil {
		return ""
	}
	return s.Fields[name].GetStringValue()
}

// toStruct converts a JSON-tagged value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return out, nil
}
