// Package gateway routes agent tool calls to their backends with trust
// policy enforced on both sides of the call: the invocation is resolved
// against the session's trust state before anything is dispatched, and the
// result is treated and labeled before it re-enters the session.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/auth"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/metrics"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/policy"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/retry"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/sanitize"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/storage"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/toolserver"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/trust"
	"go.uber.org/zap"
)

const maxAuditArgs = 4096

// PolicyResolver answers the two policy questions of a tool call.
type PolicyResolver interface {
	ResolveInvocation(ctx context.Context, agentToolID string, args json.RawMessage, state trust.Label) (policy.InvocationDecision, error)
	ResolveResultTreatment(ctx context.Context, agentToolID string, result json.RawMessage) (policy.ResultDecision, error)
}

// TargetResolver maps an AgentTool to where it executes.
type TargetResolver interface {
	Resolve(ctx context.Context, at policy.AgentTool) (toolserver.Target, error)
}

// ToolCallRequest is one tool call intent from an agent.
type ToolCallRequest struct {
	RequestID string
	CallID    string
	Arguments json.RawMessage
	// Caller scopes the call to the caller's own AgentTools. Nil skips the
	// ownership check (internal callers).
	Caller *auth.AgentContext
}

// ToolCallResult is a tool result labeled for the agent's context.
type ToolCallResult struct {
	CallID      string           `json:"call_id,omitempty"`
	AgentToolID string           `json:"agent_tool_id"`
	ToolName    string           `json:"tool_name"`
	Output      json.RawMessage  `json:"output"`
	IsError     bool             `json:"is_error"`
	Label       string           `json:"label"`
	Treatment   policy.Treatment `json:"treatment"`
	Sanitized   bool             `json:"sanitized"`
	// Residual is set when sanitization left (or may have left) untrusted
	// content in Output.
	Residual bool `json:"residual_untrusted"`
	Reason   string `json:"reason"`
	RuleID   string `json:"rule_id,omitempty"`
	// SessionState is the session's trust state after this result was applied.
	SessionState string `json:"session_state"`
	Tainted      bool   `json:"tainted"`
}

// Config configures the Router.
type Config struct {
	Policies  PolicyResolver
	Targets   TargetResolver
	Invoker   toolserver.Invoker
	Sanitizer sanitize.Adapter // nil: sanitize treatments fall back to untrusted
	Events    storage.EventWriter
	Retry     retry.Policy
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Router is the gateway's tool call pipeline. It is safe for concurrent use.
type Router struct {
	policies  PolicyResolver
	targets   TargetResolver
	invoker   toolserver.Invoker
	sanitizer sanitize.Adapter
	events    storage.EventWriter
	retry     retry.Policy
	metrics   *metrics.Metrics
	logger    *zap.Logger
	schemas   schemaCache
}

// NewRouter creates a Router.
func NewRouter(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := cfg.Events
	if events == nil {
		events = storage.NewLogWriter(logger)
	}
	rp := cfg.Retry
	if rp.MaxAttempts == 0 {
		rp = retry.DefaultPolicy()
	}
	return &Router{
		policies:  cfg.Policies,
		targets:   cfg.Targets,
		invoker:   cfg.Invoker,
		sanitizer: cfg.Sanitizer,
		events:    events,
		retry:     rp,
		metrics:   cfg.Metrics,
		logger:    logger,
	}
}

// HandleToolCall runs one tool call for the session owning tc. Errors are
// PolicyViolation, ConfigurationError, UpstreamError, StoreUnavailable,
// InvalidArguments or not found. When an error is returned no result
// entered the session and tc is unchanged.
func (r *Router) HandleToolCall(ctx context.Context, agentToolID string, req ToolCallRequest, tc *trust.Context) (*ToolCallResult, error) {
	start := time.Now()
	args := req.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	ev := &storage.ToolCallEvent{
		RequestID:     req.RequestID,
		CallID:        req.CallID,
		Timestamp:     start,
		AgentToolID:   agentToolID,
		SessionID:     tc.SessionID(),
		ArgumentsJSON: truncate(args, maxAuditArgs),
	}
	defer func() {
		d := time.Since(start)
		ev.LatencyMs = float32(d.Microseconds()) / 1000
		r.events.Write(ev)
		r.metrics.ToolCall(ev.Outcome, d)
	}()

	res, err := r.handle(ctx, agentToolID, req, args, tc, ev)
	if err != nil {
		if ev.Outcome == "" {
			ev.Outcome = storage.OutcomeFailed
		}
		ev.ErrorKind = gwerr.Kind(err)
		return nil, err
	}
	ev.Outcome = storage.OutcomeDelivered
	return res, nil
}

func (r *Router) handle(ctx context.Context, agentToolID string, req ToolCallRequest, args json.RawMessage, tc *trust.Context, ev *storage.ToolCallEvent) (*ToolCallResult, error) {
	log := r.logger.With(
		zap.String("agent_tool_id", agentToolID),
		zap.String("session_id", tc.SessionID()),
		zap.String("request_id", req.RequestID),
	)

	// 1. May this tool run now?
	state := tc.State()
	dec, err := r.policies.ResolveInvocation(ctx, agentToolID, args, state)
	r.metrics.InvocationDecision(dec.Allow && err == nil, string(dec.Source))
	ev.Reason, ev.RuleID, ev.DecisionSource = dec.Reason, dec.RuleID, string(dec.Source)
	ev.SessionState = state.String()
	if err != nil {
		ev.Outcome = storage.OutcomeDenied
		if errors.Is(err, gwerr.ErrStoreUnavailable) {
			ev.BlockedBy = "infrastructure"
		}
		return nil, err
	}
	at := dec.Snapshot.AgentTool
	ev.AgentID, ev.ToolName = at.AgentID, at.Tool.Name

	if req.Caller != nil && !req.Caller.Owns(at.AgentID) {
		ev.Outcome = storage.OutcomeDenied
		log.Warn("agent tool belongs to another agent",
			zap.String("caller_agent_id", req.Caller.AgentID),
			zap.String("owner_agent_id", at.AgentID),
		)
		return nil, policy.ErrAgentToolNotFound
	}
	if !dec.Allow {
		ev.Outcome, ev.BlockedBy = storage.OutcomeDenied, "policy"
		log.Info("tool call denied",
			zap.String("tool_name", at.Tool.Name),
			zap.String("reason", dec.Reason),
			zap.String("rule_id", dec.RuleID),
			zap.String("blocked_by", "policy"),
		)
		return nil, &gwerr.PolicyViolation{AgentToolID: agentToolID, Reason: dec.Reason, RuleID: dec.RuleID}
	}

	// 2. Arguments.
	if err := r.schemas.validate(at.Tool, args); err != nil {
		return nil, err
	}

	// 3. Dispatch.
	target, err := r.targets.Resolve(ctx, at)
	if err != nil {
		log.Error("resolving execution target failed", zap.Error(err))
		return nil, err
	}
	ev.TargetKind, ev.Target = string(target.Kind), target.Name()

	resp, err := r.invoke(ctx, at.Tool.Name, target, args, log)
	if err != nil {
		if ue, ok := gwerr.AsUpstream(err); ok {
			ev.Attempts = int32(ue.Attempts)
		}
		return nil, err
	}

	// 4. How must the result be treated?
	rdec, err := r.policies.ResolveResultTreatment(ctx, agentToolID, resp.Content)
	switch {
	case err == nil:
	case errors.Is(err, gwerr.ErrConfiguration):
		log.Error("result withheld, invalid policy configuration", zap.Error(err))
		return nil, err
	default:
		// The policy could not be read: the result is delivered, never as trusted.
		log.Error("result treatment unavailable, labeling untrusted",
			zap.String("blocked_by", "infrastructure"),
			zap.Error(err),
		)
		rdec = policy.ResultDecision{
			Treatment: policy.TreatmentUntrusted,
			Reason:    policy.ReasonStoreUnavailable,
			Source:    policy.SourceStoreUnavailable,
		}
	}
	r.metrics.ResultTreatment(string(rdec.Treatment), rdec.Blocked)
	ev.Treatment, ev.Reason, ev.RuleID, ev.DecisionSource = string(rdec.Treatment), rdec.Reason, rdec.RuleID, string(rdec.Source)

	if rdec.Blocked {
		ev.Outcome, ev.BlockedBy = storage.OutcomeBlocked, "policy"
		log.Info("tool result blocked",
			zap.String("tool_name", at.Tool.Name),
			zap.String("rule_id", rdec.RuleID),
			zap.String("blocked_by", "policy"),
		)
		return nil, &gwerr.PolicyViolation{AgentToolID: agentToolID, Reason: rdec.Reason, RuleID: rdec.RuleID}
	}

	out := &ToolCallResult{
		CallID:      req.CallID,
		AgentToolID: agentToolID,
		ToolName:    at.Tool.Name,
		Output:      resp.Content,
		IsError:     resp.IsError,
		Treatment:   rdec.Treatment,
		Reason:      rdec.Reason,
		RuleID:      rdec.RuleID,
	}
	label := trust.Untrusted
	switch rdec.Treatment {
	case policy.TreatmentTrusted:
		label = trust.Trusted
	case policy.TreatmentSanitizeDual:
		label = r.sanitize(ctx, at, resp.Content, out, log)
	}

	// 5. Apply the label to the session.
	newState, tainted := tc.Observe(trust.Observation{Label: label, Residual: out.Residual, Source: agentToolID})
	if tainted {
		r.metrics.TaintTransition()
		log.Info("session tainted by tool result", zap.String("tool_name", at.Tool.Name))
	}
	out.Label = label.String()
	out.SessionState = newState.String()
	out.Tainted = tainted

	ev.Label, ev.Residual, ev.Tainted, ev.SessionState = out.Label, out.Residual, tainted, out.SessionState
	return out, nil
}

// invoke dispatches with the retry policy of the target. Provider routes
// carry their own retry boundary in the dispatcher, so they get one attempt here.
func (r *Router) invoke(ctx context.Context, toolName string, target toolserver.Target, args json.RawMessage, log *zap.Logger) (*toolserver.Response, error) {
	p := r.retry
	p.Idempotent = target.Idempotent
	if target.Kind == toolserver.TargetProvider {
		p.MaxAttempts = 1
	}
	kind := string(target.Kind)

	resp, err := retry.Do(ctx, p, target.Name(), func(attempt int, err error, wait time.Duration) {
		r.metrics.UpstreamRetry(kind)
		log.Warn("retrying tool call",
			zap.String("target", target.Name()),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}, func(ctx context.Context) (*toolserver.Response, error) {
		return r.invoker.Invoke(ctx, toolName, target, args, p.AttemptTimeout)
	})
	if err != nil {
		if ue, ok := gwerr.AsUpstream(err); ok {
			r.metrics.UpstreamFailure(kind, ue.Timeout)
		}
		log.Warn("tool call failed",
			zap.String("target", target.Name()),
			zap.String("error_kind", gwerr.Kind(err)),
			zap.Error(err),
		)
		return nil, err
	}
	return resp, nil
}

// sanitize runs the sanitizer and fills out. The result is trusted only
// when the sanitizer reports no residual untrusted content; on failure the
// raw result is delivered untrusted with the residual flag.
func (r *Router) sanitize(ctx context.Context, at policy.AgentTool, raw json.RawMessage, out *ToolCallResult, log *zap.Logger) trust.Label {
	if r.sanitizer == nil {
		r.metrics.Sanitization("unavailable")
		out.Residual = true
		return trust.Untrusted
	}

	p := r.retry
	p.Idempotent = true
	res, err := retry.Do(ctx, p, "sanitizer", nil, func(ctx context.Context) (*sanitize.Outcome, error) {
		return r.sanitizer.Sanitize(ctx, sanitize.Request{AgentToolID: at.ID, ToolName: at.Tool.Name, Raw: raw})
	})
	if err != nil {
		r.metrics.Sanitization("failed")
		log.Warn("sanitization failed, delivering raw result as untrusted", zap.Error(err))
		out.Residual = true
		return trust.Untrusted
	}

	out.Output = res.Output
	out.Sanitized = true
	if res.ResidualUntrusted {
		r.metrics.Sanitization("residual")
		out.Residual = true
		return trust.Untrusted
	}
	r.metrics.Sanitization("clean")
	return trust.Trusted
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
