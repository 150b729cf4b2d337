// Package storage persists the gateway's audit events. Every tool call
// produces exactly one ToolCallEvent, whatever its outcome.
package storage

import "time"

// EventWriter is the interface for writing tool call events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *ToolCallEvent)
	Close()
}

// Tool call outcomes.
const (
	OutcomeDelivered = "delivered" // result returned to the agent
	OutcomeDenied    = "denied"    // invocation refused, backend never called
	OutcomeBlocked   = "blocked"   // result withheld by a result policy
	OutcomeFailed    = "failed"    // backend, sanitizer or configuration failure
)

// ToolCallEvent is one tool call routed through the gateway.
type ToolCallEvent struct {
	RequestID   string
	CallID      string
	Timestamp   time.Time
	AgentID     string
	AgentToolID string
	ToolName    string
	SessionID   string

	Outcome        string
	Reason         string
	RuleID         string
	DecisionSource string
	// BlockedBy is "policy" for deterministic denies and "infrastructure"
	// when the policy store could not be read.
	BlockedBy string

	Treatment    string
	Label        string
	Residual     bool
	Tainted      bool
	SessionState string

	TargetKind string
	Target     string
	Attempts   int32
	ErrorKind  string

	ArgumentsJSON string
	LatencyMs     float32
	Metadata      map[string]string
}
