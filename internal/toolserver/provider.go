package toolserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/triage-ai/palisade/services/trust_gateway/internal/dispatch"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
)

// Selector is the dispatcher surface ProviderInvoker needs.
type Selector interface {
	Select(provider, version string) (dispatch.Handle, error)
	SelectConfigured(provider string) (dispatch.Handle, error)
}

// ProviderInvoker executes LLM proxied tools. The call arguments are the
// provider request body; they are forwarded through the tool's route with
// the tool's model.
type ProviderInvoker struct {
	routes Selector
}

// NewProviderInvoker creates a ProviderInvoker over routes.
func NewProviderInvoker(routes Selector) *ProviderInvoker {
	return &ProviderInvoker{routes: routes}
}

func (p *ProviderInvoker) Invoke(ctx context.Context, toolName string, target Target, args json.RawMessage, timeout time.Duration) (*Response, error) {
	h, err := p.handle(target)
	if err != nil {
		return nil, err
	}
	req, err := providerRequest(toolName, h.Provider, target.Model, args)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	resp, err := h.Adapter.Forward(callCtx, req)
	if err != nil {
		return nil, err
	}

	content := json.RawMessage(resp.Body)
	if !json.Valid(content) {
		content, _ = json.Marshal(string(resp.Body))
	}
	return &Response{
		Content: content,
		IsError: resp.StatusCode < 200 || resp.StatusCode >= 300,
	}, nil
}

func (p *ProviderInvoker) handle(target Target) (dispatch.Handle, error) {
	if target.Provider == "" {
		return dispatch.Handle{}, gwerr.Configuration("provider target has no provider")
	}
	if target.Version == "" {
		return p.routes.SelectConfigured(target.Provider)
	}
	return p.routes.Select(target.Provider, target.Version)
}

// providerRequest builds the provider's generation call. Gemini and
// Bedrock carry the model in the path; the others take it in the body.
func providerRequest(toolName, provider, model string, args json.RawMessage) (*dispatch.Request, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(args, &body); err != nil {
		return nil, gwerr.InvalidArguments(err, toolName)
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	req := &dispatch.Request{Method: http.MethodPost, Header: header, Body: args}

	switch provider {
	case "anthropic":
		req.Path, req.Model = "/v1/messages", model
	case "gemini":
		if model == "" {
			return nil, gwerr.Configuration("gemini tool %s has no model", toolName)
		}
		req.Path = "/v1beta/models/" + url.PathEscape(model) + ":generateContent"
	case "bedrock":
		req.Path, req.Model = "/model/"+url.PathEscape(model)+"/invoke", model
	default:
		req.Path, req.Model = "/v1/chat/completions", model
	}
	return req, nil
}
