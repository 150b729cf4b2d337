package toolserver

//go:generate mockgen -source=invoker.go -destination=../mocks/mocktoolserver/invoker_mock.gen.go -package mocktoolserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
)

// Response is the raw result of a tool call. IsError reports a tool level
// failure: the call was delivered and the backend answered with an error
// result, which still goes through result treatment.
type Response struct {
	Content json.RawMessage
	IsError bool
}

// Invoker executes one tool call against a resolved target. timeout bounds
// the call; zero leaves it bounded by ctx only. Transport failures and
// timeouts are *gwerr.UpstreamError.
type Invoker interface {
	Invoke(ctx context.Context, toolName string, target Target, args json.RawMessage, timeout time.Duration) (*Response, error)
}

// Mux routes a call to the invoker for its target kind.
type Mux struct {
	MCP      Invoker
	Provider Invoker
}

func (m *Mux) Invoke(ctx context.Context, toolName string, target Target, args json.RawMessage, timeout time.Duration) (*Response, error) {
	var inv Invoker
	switch target.Kind {
	case TargetLocal, TargetRemote:
		inv = m.MCP
	case TargetProvider:
		inv = m.Provider
	}
	if inv == nil {
		return nil, gwerr.Configuration("no invoker for %s targets", target.Kind)
	}
	return inv.Invoke(ctx, toolName, target, args, timeout)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
