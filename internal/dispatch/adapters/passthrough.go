package adapters

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/triage-ai/palisade/services/trust_gateway/internal/dispatch"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
)

// Passthrough is the legacy adapter: it forwards the caller's body to the
// provider's REST API unchanged apart from authentication and the model
// override.
type Passthrough struct {
	provider string
	baseURL  *url.URL
	apiKey   string
	client   *http.Client
}

// NewPassthrough creates a passthrough adapter for provider at baseURL.
func NewPassthrough(provider, baseURL, apiKey string, client *http.Client) (*Passthrough, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, gwerr.Configuration("invalid base URL %q for provider %s", baseURL, provider)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Passthrough{provider: provider, baseURL: u, apiKey: apiKey, client: client}, nil
}

func (p *Passthrough) Forward(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error) {
	target, err := p.resolve(req.Path)
	if err != nil {
		return nil, err
	}
	body, err := withModel(req.Body, req.Model)
	if err != nil {
		return &dispatch.Response{StatusCode: http.StatusBadRequest, Body: []byte(`{"error":"request body is not a JSON object"}`)}, nil
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, gwerr.WrapConfiguration(err, "building %s request", p.provider)
	}
	copyForwardedHeaders(httpReq.Header, req.Header)
	p.authenticate(httpReq.Header)
	if httpReq.Header.Get("Content-Type") == "" && len(body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, transportError(p.provider, err)
	}
	return fromHTTPResponse(p.provider, resp)
}

func (p *Passthrough) resolve(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", gwerr.WrapConfiguration(err, "invalid %s path %q", p.provider, path)
	}
	u := *p.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(ref.Path, "/")
	u.RawQuery = ref.RawQuery
	return u.String(), nil
}

func (p *Passthrough) authenticate(h http.Header) {
	if p.apiKey == "" {
		return
	}
	switch p.provider {
	case "anthropic":
		h.Set("X-Api-Key", p.apiKey)
		if h.Get("Anthropic-Version") == "" {
			h.Set("Anthropic-Version", "2023-06-01")
		}
	case "gemini":
		h.Set("X-Goog-Api-Key", p.apiKey)
	default:
		h.Set("Authorization", "Bearer "+p.apiKey)
	}
}
