// Package adapters holds the upstream provider adapters the dispatcher
// selects between. Every adapter speaks its provider's own wire format and
// reports failures as gwerr.UpstreamError so the retry boundary can
// classify them.
package adapters

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/dispatch"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
)

// maxResponseBytes caps how much of an upstream response is buffered.
const maxResponseBytes = 32 << 20

// forwardedHeaders are the caller headers passed upstream. Credentials are
// never forwarded; each adapter authenticates with its own key.
var forwardedHeaders = []string{
	"Content-Type",
	"Accept",
	"Anthropic-Version",
	"Anthropic-Beta",
	"Openai-Organization",
	"Openai-Beta",
}

// transportError classifies a failure that produced no HTTP response.
// Dial failures provably never reached the upstream.
func transportError(target string, err error) *gwerr.UpstreamError {
	ue := &gwerr.UpstreamError{Target: target, Delivered: true, Err: err}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		ue.Delivered = false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		ue.Delivered = false
	}
	return ue
}

func isClientError(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}

// fromHTTPResponse buffers resp and classifies its status. Client errors
// are returned as responses so the caller sees the provider's message.
func fromHTTPResponse(target string, resp *http.Response) (*dispatch.Response, error) {
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &gwerr.UpstreamError{Target: target, StatusCode: resp.StatusCode, Delivered: true, Err: err}
	}
	return classify(target, resp.StatusCode, resp.Header.Clone(), body)
}

func classify(target string, status int, header http.Header, body []byte) (*dispatch.Response, error) {
	if status >= 400 && !isClientError(status) {
		return nil, &gwerr.UpstreamError{
			Target:     target,
			StatusCode: status,
			Delivered:  !rejectedUnprocessed(status, header),
			Err:        errors.Newf("%s", truncate(body, 512)),
		}
	}
	return &dispatch.Response{StatusCode: status, Header: header, Body: body}, nil
}

// rejectedUnprocessed reports a provider refusing a request before doing
// any work: rate limiting, or overload with a Retry-After hint. Such
// requests may be sent again even when the route is not idempotent.
func rejectedUnprocessed(status int, header http.Header) bool {
	switch status {
	case http.StatusTooManyRequests:
		return true
	case http.StatusServiceUnavailable:
		return header.Get("Retry-After") != ""
	}
	return false
}

func copyForwardedHeaders(dst, src http.Header) {
	for _, h := range forwardedHeaders {
		if v := src.Values(h); len(v) > 0 {
			dst[http.CanonicalHeaderKey(h)] = append([]string(nil), v...)
		}
	}
}

// withModel replaces the top-level "model" field of a JSON body.
func withModel(body []byte, model string) ([]byte, error) {
	if model == "" {
		return body, nil
	}
	fields := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, errors.Wrap(err, "request body is not a JSON object")
		}
	}
	m, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	fields["model"] = m
	return json.Marshal(fields)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
