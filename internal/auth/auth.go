// Package auth authenticates agents by their agk_ API keys. Tool calls are
// scoped to the AgentTools of the authenticated agent.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc/metadata"
)

// KeyPrefix starts every agent API key.
const KeyPrefix = "agk_"

// lookupPrefixLen is how much of a key is stored in clear for lookup.
const lookupPrefixLen = 12

// Authenticator validates an agent API key.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*AgentContext, error)
}

// AgentContext is the authenticated caller.
type AgentContext struct {
	AgentID        string
	OrganizationID string
}

// Owns reports whether the caller may use an AgentTool bound to agentID.
// An empty AgentID is a development identity that owns everything.
func (a *AgentContext) Owns(agentID string) bool {
	return a.AgentID == "" || a.AgentID == agentID
}

// SessionKey scopes a caller supplied session id to the caller, so two
// agents never share trust state by picking the same id.
func (a *AgentContext) SessionKey(sessionID string) string {
	if a == nil || a.AgentID == "" {
		return sessionID
	}
	return a.AgentID + "/" + sessionID
}

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

type agentKey struct{}

// WithAgent attaches the authenticated caller to ctx.
func WithAgent(ctx context.Context, a *AgentContext) context.Context {
	return context.WithValue(ctx, agentKey{}, a)
}

// AgentFrom returns the caller attached by WithAgent.
func AgentFrom(ctx context.Context) (*AgentContext, bool) {
	a, ok := ctx.Value(agentKey{}).(*AgentContext)
	return a, ok
}

// TokenFromMetadata extracts an agk_ API key from gRPC metadata.
func TokenFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrUnauthenticated
	}
	return bearer(values[0])
}

// TokenFromRequest extracts an agk_ API key from the Authorization header.
func TokenFromRequest(r *http.Request) (string, error) {
	return bearer(r.Header.Get("Authorization"))
}

func bearer(value string) (string, error) {
	token := strings.TrimPrefix(value, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	if !strings.HasPrefix(token, KeyPrefix) || len(token) < lookupPrefixLen {
		return "", ErrUnauthenticated
	}
	return token, nil
}
