package policy

import (
	"encoding/json"
	"time"
)

// Origin is where a tool was discovered and therefore how it executes.
type Origin string

const (
	OriginMCPLocal    Origin = "mcp_local"
	OriginMCPRemote   Origin = "mcp_remote"
	OriginLLMProxy    Origin = "llm_proxy"
	OriginIntercepted Origin = "intercepted"
)

// Treatment is how a tool result is handled before it re-enters an agent's context.
type Treatment string

const (
	TreatmentTrusted      Treatment = "trusted"
	TreatmentUntrusted    Treatment = "untrusted"
	TreatmentSanitizeDual Treatment = "sanitize_with_dual_llm"
)

// ParseTreatment validates a stored treatment value. Unknown values are
// rejected, never coerced.
func ParseTreatment(s string) (Treatment, error) {
	switch t := Treatment(s); t {
	case TreatmentTrusted, TreatmentUntrusted, TreatmentSanitizeDual:
		return t, nil
	default:
		return "", errUnknownValue("tool result treatment", s)
	}
}

// Tool is the tool half of an AgentTool pairing.
type Tool struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Origin      Origin          `json:"origin"`
	CatalogID   string          `json:"catalog_id,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	// Idempotent tools may be retried after a delivered-but-failed call.
	Idempotent bool `json:"idempotent"`
	// LLM proxied tools execute through a provider route.
	Provider        string `json:"provider,omitempty"`
	ProviderVersion string `json:"provider_version,omitempty"`
	Model           string `json:"model,omitempty"`
}

// AgentTool is the unique binding of one agent to one tool together with
// its default policy flags.
type AgentTool struct {
	ID                                   string    `json:"id"`
	AgentID                              string    `json:"agent_id"`
	Tool                                 Tool      `json:"tool"`
	AllowUsageWhenUntrustedDataIsPresent bool      `json:"allow_usage_when_untrusted_data_is_present"`
	ToolResultTreatment                  Treatment `json:"tool_result_treatment"`
	CredentialSourceID                   string    `json:"credential_source_id,omitempty"`
	ExecutionSourceID                    string    `json:"execution_source_id,omitempty"`
	CreatedAt                            time.Time `json:"created_at"`
	UpdatedAt                            time.Time `json:"updated_at"`
}

// Operator compares the value selected by a rule path against the rule value.
type Operator string

const (
	OpEqual       Operator = "equal"
	OpNotEqual    Operator = "notEqual"
	OpContains    Operator = "contains"
	OpNotContains Operator = "notContains"
	OpStartsWith  Operator = "startsWith"
	OpEndsWith    Operator = "endsWith"
	OpRegex       Operator = "regex"
)

// InvocationAction is the verdict of a matching invocation override.
type InvocationAction string

const (
	ActionAllowWhenUntrusted InvocationAction = "allow_when_context_is_untrusted"
	ActionBlockAlways        InvocationAction = "block_always"
)

// ResultAction is the verdict of a matching result override.
type ResultAction string

const (
	ResultMarkTrusted   ResultAction = "mark_as_trusted"
	ResultMarkUntrusted ResultAction = "mark_as_untrusted"
	ResultSanitize      ResultAction = "sanitize_with_dual_llm"
	ResultBlockAlways   ResultAction = "block_always"
)

// InvocationPolicy is a custom rule overriding AllowUsageWhenUntrustedDataIsPresent.
// An empty ArgumentName matches every call.
type InvocationPolicy struct {
	ID           string           `json:"id"`
	AgentToolID  string           `json:"agent_tool_id"`
	ArgumentName string           `json:"argument_name"`
	Operator     Operator         `json:"operator"`
	Value        string           `json:"value"`
	Action       InvocationAction `json:"action"`
	Reason       string           `json:"reason,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`

	cond condition
}

// ResultPolicy is a custom rule overriding ToolResultTreatment. An empty
// AttributePath matches every result.
type ResultPolicy struct {
	ID            string       `json:"id"`
	AgentToolID   string       `json:"agent_tool_id"`
	AttributePath string       `json:"attribute_path"`
	Operator      Operator     `json:"operator"`
	Value         string       `json:"value"`
	Action        ResultAction `json:"action"`
	CreatedAt     time.Time    `json:"created_at"`

	cond condition
}

// DecisionSource says which layer of precedence produced a decision.
type DecisionSource string

const (
	SourceOverride         DecisionSource = "override"
	SourceDefault          DecisionSource = "default"
	SourceStoreUnavailable DecisionSource = "store_unavailable"
	SourceConfiguration    DecisionSource = "configuration"
	SourceNotFound         DecisionSource = "not_found"
)

// Decision reasons.
const (
	ReasonTrustedContext         = "trusted-context"
	ReasonDefaultAllowUntrusted  = "default-allow-untrusted"
	ReasonDefaultDenyUntrusted   = "default-deny-untrusted"
	ReasonOverrideAllow          = "override-allow"
	ReasonOverrideBlock          = "override-block"
	ReasonOverrideNoMatchDeny    = "override-no-match-deny-untrusted"
	ReasonOverrideNoMatchTrusted = "override-no-match-trusted"
	ReasonStoreUnavailable       = "store-unavailable"
	ReasonInvalidConfiguration   = "invalid-configuration"
	ReasonAgentToolNotFound      = "agent-tool-not-found"

	ReasonDefaultTreatment       = "default-treatment"
	ReasonOverrideTreatment      = "override-treatment"
	ReasonOverrideNoMatchDefault = "override-no-match-default"
	ReasonOverrideBlockResult    = "override-block-result"
)

// InvocationDecision answers "may this tool run now?".
type InvocationDecision struct {
	Allow  bool
	Reason string
	RuleID string
	Source DecisionSource
	// Snapshot is the policy state the decision was made against. Nil when
	// the state could not be loaded.
	Snapshot *Snapshot
}

// ResultDecision answers "how must this result be treated?". A blocked
// result carries TreatmentUntrusted and must never be delivered.
type ResultDecision struct {
	Treatment Treatment
	Blocked   bool
	Reason    string
	RuleID    string
	Source    DecisionSource
}
