package auth

import (
	"context"
)

// StaticAuthenticator is a development-only authenticator. With a key map
// it accepts exactly those keys; with none it accepts any agk_ key as an
// unscoped identity.
type StaticAuthenticator struct {
	keys map[string]string // key -> agent id
}

func NewStaticAuthenticator(keys map[string]string) *StaticAuthenticator {
	return &StaticAuthenticator{keys: keys}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (*AgentContext, error) {
	if _, err := bearer(token); err != nil {
		return nil, err
	}
	if len(a.keys) == 0 {
		return &AgentContext{OrganizationID: "static"}, nil
	}
	agentID, ok := a.keys[token]
	if !ok {
		return nil, ErrUnauthenticated
	}
	return &AgentContext{AgentID: agentID, OrganizationID: "static"}, nil
}
