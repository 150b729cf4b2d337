package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/auth"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gateway"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/policy"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/trust"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const agentKey = "agk_agent1key_secret"

type fakeTools struct {
	agentToolID string
	req         gateway.ToolCallRequest
	tc          *trust.Context
	err         error
}

func (f *fakeTools) HandleToolCall(_ context.Context, agentToolID string, req gateway.ToolCallRequest, tc *trust.Context) (*gateway.ToolCallResult, error) {
	f.agentToolID, f.req, f.tc = agentToolID, req, tc
	if f.err != nil {
		return nil, f.err
	}
	tc.Observe(trust.Observation{Label: trust.Untrusted, Source: agentToolID})
	return &gateway.ToolCallResult{
		AgentToolID:  agentToolID,
		ToolName:     "fetch_page",
		Output:       json.RawMessage(`{"title":"example"}`),
		Label:        "untrusted",
		Treatment:    policy.TreatmentUntrusted,
		SessionState: "untrusted",
		Tainted:      true,
	}, nil
}

type harness struct {
	conn     *grpc.ClientConn
	tools    *fakeTools
	sessions *trust.Sessions
}

func setupTestServer(t *testing.T) *harness {
	t.Helper()
	h := &harness{tools: &fakeTools{}, sessions: trust.NewSessions()}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterTrustGatewayServiceServer(srv, NewTrustGatewayServer(
		h.tools,
		h.sessions,
		auth.NewStaticAuthenticator(map[string]string{agentKey: "agent-1"}),
		zap.NewNop(),
	))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	h.conn = conn
	return h
}

func authed(key string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+key, "x-request-id", "req-42")
}

func (h *harness) invoke(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := h.conn.Invoke(ctx, method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func TestCallTool(t *testing.T) {
	h := setupTestServer(t)

	out, err := h.invoke(authed(agentKey), CallToolMethod, map[string]any{
		"agent_tool_id": "at-web",
		"session_id":    "s-1",
		"call_id":       "c-1",
		"arguments":     map[string]any{"url": "https://example.com"},
	})
	require.NoError(t, err)

	assert.Equal(t, "untrusted", out.Fields["label"].GetStringValue())
	assert.True(t, out.Fields["tainted"].GetBoolValue())
	assert.Equal(t, "example", out.Fields["output"].GetStructValue().Fields["title"].GetStringValue())

	assert.Equal(t, "at-web", h.tools.agentToolID)
	assert.Equal(t, "c-1", h.tools.req.CallID)
	assert.Equal(t, "req-42", h.tools.req.RequestID)
	assert.JSONEq(t, `{"url":"https://example.com"}`, string(h.tools.req.Arguments))
	assert.Equal(t, "agent-1", h.tools.req.Caller.AgentID)
	assert.Equal(t, "agent-1/s-1", h.tools.tc.SessionID())
}

func TestCallTool_Unauthenticated(t *testing.T) {
	h := setupTestServer(t)

	_, err := h.invoke(context.Background(), CallToolMethod, map[string]any{"agent_tool_id": "at-1", "session_id": "s-1"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = h.invoke(authed("agk_unknown00_secret"), CallToolMethod, map[string]any{"agent_tool_id": "at-1", "session_id": "s-1"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Empty(t, h.tools.agentToolID)
}

func TestCallTool_MissingFields(t *testing.T) {
	h := setupTestServer(t)

	_, err := h.invoke(authed(agentKey), CallToolMethod, map[string]any{"agent_tool_id": "at-1"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestCallTool_ErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"policy violation", &gwerr.PolicyViolation{AgentToolID: "at-1", Reason: policy.ReasonDefaultDenyUntrusted}, codes.PermissionDenied},
		{"not found", policy.ErrAgentToolNotFound, codes.NotFound},
		{"invalid arguments", gwerr.InvalidArguments(fmt.Errorf("missing id"), "read_email"), codes.InvalidArgument},
		{"store unavailable", gwerr.StoreUnavailable(fmt.Errorf("connection refused"), "at-1"), codes.Unavailable},
		{"upstream", gwerr.Upstream("mcp_remote/jira", fmt.Errorf("reset")), codes.Aborted},
		{"upstream timeout", &gwerr.UpstreamError{Target: "mcp_remote/jira", Timeout: true, Err: fmt.Errorf("deadline")}, codes.DeadlineExceeded},
		{"configuration", gwerr.Configuration("intercepted tool"), codes.FailedPrecondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupTestServer(t)
			h.tools.err = tt.err

			_, err := h.invoke(authed(agentKey), CallToolMethod, map[string]any{"agent_tool_id": "at-1", "session_id": "s-1"})
			assert.Equal(t, tt.want, status.Code(err))
		})
	}
}

func TestCallTool_PolicyViolationMessage(t *testing.T) {
	h := setupTestServer(t)
	h.tools.err = &gwerr.PolicyViolation{AgentToolID: "at-1", Reason: policy.ReasonOverrideBlock, RuleID: "r-7"}

	_, err := h.invoke(authed(agentKey), CallToolMethod, map[string]any{"agent_tool_id": "at-1", "session_id": "s-1"})
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Contains(t, st.Message(), policy.ReasonOverrideBlock)
	assert.Contains(t, st.Message(), "r-7")
}

func TestSessionTrustAndReset(t *testing.T) {
	h := setupTestServer(t)
	ctx := authed(agentKey)

	_, err := h.invoke(ctx, GetSessionTrustMethod, map[string]any{"session_id": "s-1"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = h.invoke(ctx, CallToolMethod, map[string]any{"agent_tool_id": "at-web", "session_id": "s-1"})
	require.NoError(t, err)

	out, err := h.invoke(ctx, GetSessionTrustMethod, map[string]any{"session_id": "s-1"})
	require.NoError(t, err)
	assert.Equal(t, "s-1", out.Fields["session_id"].GetStringValue())
	assert.Equal(t, "untrusted", out.Fields["state"].GetStringValue())
	assert.Equal(t, "at-web", out.Fields["tainted_by"].GetStructValue().Fields["source"].GetStringValue())

	out, err = h.invoke(ctx, ResetSessionMethod, map[string]any{"session_id": "s-1"})
	require.NoError(t, err)
	assert.True(t, out.Fields["reset"].GetBoolValue())
	assert.Equal(t, 0, h.sessions.Len())
}
