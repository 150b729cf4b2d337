package adapters

import (
	"context"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go/v3"
	openaioption "github.com/openai/openai-go/v3/option"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/dispatch"
)

// AnthropicUnified forwards through the Anthropic SDK client, which owns
// authentication, API versioning and base URL handling. SDK retries are
// disabled; the dispatcher's retry boundary is the only one.
type AnthropicUnified struct {
	client anthropic.Client
}

// NewAnthropicUnified creates the unified Anthropic adapter.
func NewAnthropicUnified(baseURL, apiKey string, httpClient *http.Client) *AnthropicUnified {
	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(apiKey),
		anthropicoption.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, anthropicoption.WithHTTPClient(httpClient))
	}
	return &AnthropicUnified{client: anthropic.NewClient(opts...)}
}

func (a *AnthropicUnified) Forward(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error) {
	var raw *http.Response
	opts := []anthropicoption.RequestOption{anthropicoption.WithResponseInto(&raw)}
	if v := req.Header.Get("Anthropic-Beta"); v != "" {
		opts = append(opts, anthropicoption.WithHeader("anthropic-beta", v))
	}
	if req.Model != "" {
		opts = append(opts, anthropicoption.WithJSONSet("model", req.Model))
	}

	err := a.client.Execute(ctx, methodOf(req), relative(req.Path), bodyParam(req.Body), nil, opts...)
	if raw == nil {
		return nil, transportError("anthropic", err)
	}
	return fromHTTPResponse("anthropic", raw)
}

// OpenAIUnified forwards through the OpenAI SDK client.
type OpenAIUnified struct {
	client openai.Client
}

// NewOpenAIUnified creates the unified OpenAI adapter. baseURL includes the
// API version prefix, e.g. https://api.openai.com/v1.
func NewOpenAIUnified(baseURL, apiKey string, httpClient *http.Client) *OpenAIUnified {
	opts := []openaioption.RequestOption{
		openaioption.WithAPIKey(apiKey),
		openaioption.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, openaioption.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, openaioption.WithHTTPClient(httpClient))
	}
	return &OpenAIUnified{client: openai.NewClient(opts...)}
}

func (o *OpenAIUnified) Forward(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error) {
	var raw *http.Response
	opts := []openaioption.RequestOption{openaioption.WithResponseInto(&raw)}
	if req.Model != "" {
		opts = append(opts, openaioption.WithJSONSet("model", req.Model))
	}

	// Callers address the unified route with or without the /v1 prefix.
	path := strings.TrimPrefix(relative(req.Path), "v1/")
	err := o.client.Execute(ctx, methodOf(req), path, bodyParam(req.Body), nil, opts...)
	if raw == nil {
		return nil, transportError("openai", err)
	}
	return fromHTTPResponse("openai", raw)
}

func methodOf(req *dispatch.Request) string {
	if req.Method == "" {
		return http.MethodPost
	}
	return req.Method
}

// relative strips the leading slash so the path resolves under the SDK's
// base URL, including any path prefix it carries.
func relative(path string) string {
	return strings.TrimPrefix(path, "/")
}

// bodyParam hands the SDK a raw JSON body, or no body at all.
func bodyParam(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	return body
}
