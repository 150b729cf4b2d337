// Package policy resolves per agent-tool trust policy into enforceable
// decisions.
//
// Precedence for both invocation and result treatment is:
//
//  1. Override rules for the pairing, most-specific-first, first match wins.
//     When overrides exist the AgentTool default is never consulted.
//  2. The AgentTool default flag.
//
// Evaluation is a pure function of a Snapshot; the Resolver only adds the
// store fetch and failure classification around it.
package policy

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/trust"
	"go.uber.org/zap"
)

// ErrAgentToolNotFound is returned by a Store when no AgentTool exists for an id.
var ErrAgentToolNotFound = errors.Mark(errors.New("agent tool not found"), gwerr.ErrNotFound)

// Store is the read side of the policy store.
type Store interface {
	Snapshot(ctx context.Context, agentToolID string) (*Snapshot, error)
}

// Resolver combines stored policy and session trust into decisions.
type Resolver struct {
	store  Store
	logger *zap.Logger
}

// NewResolver creates a Resolver reading through store.
func NewResolver(store Store, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// ResolveInvocation decides whether agentToolID may be invoked with args in
// a session whose current trust state is state. It fails closed: whenever
// an error is returned, Allow is false.
func (r *Resolver) ResolveInvocation(ctx context.Context, agentToolID string, args json.RawMessage, state trust.Label) (InvocationDecision, error) {
	snap, err := r.snapshot(ctx, agentToolID)
	if err != nil {
		return deniedBy(err), err
	}
	d := EvaluateInvocation(snap, args, state)
	d.Snapshot = snap
	return d, nil
}

// ResolveResultTreatment decides how result, produced by agentToolID, must
// be treated. The treatment is always one of the three known values.
func (r *Resolver) ResolveResultTreatment(ctx context.Context, agentToolID string, result json.RawMessage) (ResultDecision, error) {
	snap, err := r.snapshot(ctx, agentToolID)
	if err != nil {
		d := deniedBy(err)
		return ResultDecision{Treatment: TreatmentUntrusted, Reason: d.Reason, Source: d.Source}, err
	}
	return EvaluateResult(snap, result), nil
}

func (r *Resolver) snapshot(ctx context.Context, agentToolID string) (*Snapshot, error) {
	snap, err := r.store.Snapshot(ctx, agentToolID)
	switch {
	case err == nil:
		return snap, nil
	case errors.Is(err, ErrAgentToolNotFound), errors.Is(err, gwerr.ErrConfiguration):
		return nil, err
	case errors.Is(err, gwerr.ErrStoreUnavailable):
	default:
		err = gwerr.StoreUnavailable(err, agentToolID)
	}
	r.logger.Error("policy store unavailable, failing closed",
		zap.String("agent_tool_id", agentToolID),
		zap.String("blocked_by", "infrastructure"),
		zap.Error(err),
	)
	return nil, err
}

func deniedBy(err error) InvocationDecision {
	switch {
	case errors.Is(err, ErrAgentToolNotFound):
		return InvocationDecision{Reason: ReasonAgentToolNotFound, Source: SourceNotFound}
	case errors.Is(err, gwerr.ErrConfiguration):
		return InvocationDecision{Reason: ReasonInvalidConfiguration, Source: SourceConfiguration}
	default:
		return InvocationDecision{Reason: ReasonStoreUnavailable, Source: SourceStoreUnavailable}
	}
}

// EvaluateInvocation applies invocation precedence to a snapshot.
func EvaluateInvocation(snap *Snapshot, args json.RawMessage, state trust.Label) InvocationDecision {
	if snap.HasInvocationOverrides() {
		for _, rule := range snap.Invocation {
			if !rule.cond.matches(args) {
				continue
			}
			if rule.Action == ActionBlockAlways {
				return InvocationDecision{
					Allow:  false,
					Reason: withRuleReason(ReasonOverrideBlock, rule.Reason),
					RuleID: rule.ID,
					Source: SourceOverride,
				}
			}
			return InvocationDecision{
				Allow:  true,
				Reason: withRuleReason(ReasonOverrideAllow, rule.Reason),
				RuleID: rule.ID,
				Source: SourceOverride,
			}
		}
		if state == trust.Trusted {
			return InvocationDecision{Allow: true, Reason: ReasonOverrideNoMatchTrusted, Source: SourceOverride}
		}
		return InvocationDecision{Allow: false, Reason: ReasonOverrideNoMatchDeny, Source: SourceOverride}
	}

	if state == trust.Trusted {
		return InvocationDecision{Allow: true, Reason: ReasonTrustedContext, Source: SourceDefault}
	}
	if snap.AgentTool.AllowUsageWhenUntrustedDataIsPresent {
		return InvocationDecision{Allow: true, Reason: ReasonDefaultAllowUntrusted, Source: SourceDefault}
	}
	return InvocationDecision{Allow: false, Reason: ReasonDefaultDenyUntrusted, Source: SourceDefault}
}

// EvaluateResult applies result precedence to a snapshot.
func EvaluateResult(snap *Snapshot, result json.RawMessage) ResultDecision {
	if snap.HasResultOverrides() {
		for _, rule := range snap.Result {
			if !rule.cond.matches(result) {
				continue
			}
			if rule.Action == ResultBlockAlways {
				return ResultDecision{
					Treatment: TreatmentUntrusted,
					Blocked:   true,
					Reason:    ReasonOverrideBlockResult,
					RuleID:    rule.ID,
					Source:    SourceOverride,
				}
			}
			return ResultDecision{
				Treatment: rule.Action.treatment(),
				Reason:    ReasonOverrideTreatment,
				RuleID:    rule.ID,
				Source:    SourceOverride,
			}
		}
		return ResultDecision{
			Treatment: snap.AgentTool.ToolResultTreatment,
			Reason:    ReasonOverrideNoMatchDefault,
			Source:    SourceOverride,
		}
	}
	return ResultDecision{
		Treatment: snap.AgentTool.ToolResultTreatment,
		Reason:    ReasonDefaultTreatment,
		Source:    SourceDefault,
	}
}

func withRuleReason(reason, ruleReason string) string {
	if ruleReason == "" {
		return reason
	}
	return reason + ": " + ruleReason
}
