package adapters

import (
	"context"
	"net/http"
	"os"

	"github.com/triage-ai/palisade/services/trust_gateway/internal/dispatch"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
)

// Deps are shared by every adapter the factory builds.
type Deps struct {
	HTTPClient *http.Client
	// Getenv resolves route api_key_env names. Defaults to os.Getenv.
	Getenv func(string) string
}

// Factory returns the dispatch.Factory building real provider adapters.
func Factory(ctx context.Context, deps Deps) dispatch.Factory {
	getenv := deps.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	return func(r dispatch.Route) (dispatch.Adapter, error) {
		var key string
		if r.APIKeyEnv != "" {
			key = getenv(r.APIKeyEnv)
		}
		switch r.Adapter {
		case dispatch.KindPassthrough:
			return NewPassthrough(r.Provider, r.BaseURL, key, deps.HTTPClient)
		case dispatch.KindAnthropicUnified:
			return NewAnthropicUnified(r.BaseURL, key, deps.HTTPClient), nil
		case dispatch.KindOpenAIUnified:
			return NewOpenAIUnified(r.BaseURL, key, deps.HTTPClient), nil
		case dispatch.KindBedrock:
			return NewBedrock(ctx, r.Region, r.Model)
		default:
			return nil, gwerr.Configuration("unknown adapter kind %q", r.Adapter)
		}
	}
}
