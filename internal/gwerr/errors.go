// Package gwerr defines the error taxonomy shared by the policy resolver,
// the dispatcher and the gateway router.
//
// Every error surfaced by the gateway belongs to exactly one kind. Callers
// classify with errors.Is against the Err* sentinels; the typed errors
// carry the details the HTTP and gRPC surfaces need.
package gwerr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind sentinels.
var (
	ErrPolicyViolation  = errors.New("policy violation")
	ErrConfiguration    = errors.New("configuration error")
	ErrUpstream         = errors.New("upstream error")
	ErrStoreUnavailable = errors.New("policy store unavailable")
	ErrInvalidArguments = errors.New("invalid tool arguments")
	ErrNotFound         = errors.New("not found")
)

// PolicyViolation is a deterministic deny. It is never retried and its
// reason is surfaced verbatim to the caller.
type PolicyViolation struct {
	AgentToolID string
	Reason      string
	RuleID      string
}

func (e *PolicyViolation) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("policy violation: %s (rule %s)", e.Reason, e.RuleID)
	}
	return "policy violation: " + e.Reason
}

func (e *PolicyViolation) Is(target error) bool { return target == ErrPolicyViolation }

// UpstreamError wraps a failed or timed-out backend, provider or sanitizer call.
type UpstreamError struct {
	Target     string // backend or provider the call was addressed to
	StatusCode int    // 0 when no response was received
	Timeout    bool
	// Delivered is false only when the request provably was not processed:
	// it never reached the upstream (dial/handshake failures), or the
	// upstream refused it up front (429, 503 with Retry-After).
	// Non-idempotent calls are retried only in that case.
	Delivered bool
	Attempts  int
	Err       error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("upstream %s: timed out: %v", e.Target, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("upstream %s: status %d: %v", e.Target, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("upstream %s: %v", e.Target, e.Err)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// Retryable reports whether another attempt may be made for a call whose
// backend contract is (or is not) idempotent.
func (e *UpstreamError) Retryable(idempotent bool) bool {
	if e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 408 && e.StatusCode != 429 {
		return false
	}
	return idempotent || !e.Delivered
}

// Configuration builds a ConfigurationError.
func Configuration(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrConfiguration)
}

// WrapConfiguration marks err as a ConfigurationError.
func WrapConfiguration(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrConfiguration)
}

// StoreUnavailable marks err as a policy store outage.
func StoreUnavailable(err error, agentToolID string) error {
	return errors.Mark(errors.Wrapf(err, "policy store lookup for agent tool %s", agentToolID), ErrStoreUnavailable)
}

// InvalidArguments builds an argument validation error.
func InvalidArguments(err error, toolName string) error {
	return errors.Mark(errors.Wrapf(err, "arguments for tool %s", toolName), ErrInvalidArguments)
}

// Upstream builds a delivered UpstreamError for target.
func Upstream(target string, err error) *UpstreamError {
	return &UpstreamError{Target: target, Delivered: true, Err: err}
}

// Kind returns the taxonomy name of err, or "internal" when err does not
// belong to any kind.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPolicyViolation):
		return "policy_violation"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, ErrInvalidArguments):
		return "invalid_arguments"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUpstream):
		return "upstream_error"
	default:
		return "internal"
	}
}

// AsPolicyViolation extracts the PolicyViolation carried by err.
func AsPolicyViolation(err error) (*PolicyViolation, bool) {
	var pv *PolicyViolation
	if errors.As(err, &pv) {
		return pv, true
	}
	return nil, false
}

// AsUpstream extracts the UpstreamError carried by err.
func AsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
