// Package sanitize runs the secondary "dual LLM" pass over tool results
// whose treatment is sanitize_with_dual_llm.
package sanitize

import (
	"context"
	"encoding/json"
)

//go:generate mockgen -source=sanitize.go -destination=../mocks/mocksanitize/sanitize_mock.gen.go -package mocksanitize

// Request is one raw tool result to sanitize.
type Request struct {
	AgentToolID string
	ToolName    string
	Raw         json.RawMessage
}

// Outcome is the sanitized result. ResidualUntrusted reports that the
// sanitizer could not vouch for the output; the gateway then labels it
// untrusted.
type Outcome struct {
	Output            json.RawMessage
	ResidualUntrusted bool
}

// Adapter sanitizes raw tool results. Errors mean no sanitized output
// exists and the raw result must be treated as untrusted.
type Adapter interface {
	Sanitize(ctx context.Context, req Request) (*Outcome, error)
}
