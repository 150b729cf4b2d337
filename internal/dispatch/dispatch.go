// Package dispatch selects the upstream provider adapter for proxied LLM
// calls. The route table is resolved into adapters once at startup and is
// immutable afterwards; callers select a Handle once per request and keep
// it for the rest of that request.
package dispatch

import (
	"context"
	"net/http"
	"sort"

	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/metrics"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/retry"
	"go.uber.org/zap"
)

// Request is a provider call in the provider's own wire format.
type Request struct {
	Method string
	// Path is relative to the provider's base URL, e.g. "/v1/messages".
	Path   string
	Header http.Header
	Body   []byte
	// Model overrides the model named in Body when set.
	Model string
}

// Response is the upstream reply. Client errors (4xx other than 408 and
// 429) are returned as responses; every other failure is an UpstreamError.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Adapter forwards a request to one (provider, version) upstream.
type Adapter interface {
	Forward(ctx context.Context, req *Request) (*Response, error)
}

// Handle is the adapter selected for one request.
type Handle struct {
	Provider string
	Version  string
	Adapter  Adapter
}

// Factory builds the adapter for a route.
type Factory func(r Route) (Adapter, error)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithMetrics records provider requests and retries.
func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// Dispatcher is the immutable (provider, version) to adapter table.
type Dispatcher struct {
	handles    map[routeKey]Handle
	configured map[string]string
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewDispatcher validates table and builds every adapter. Any unknown
// adapter, duplicate route or default naming a missing route is a
// ConfigurationError, which callers treat as fatal at startup.
func NewDispatcher(table RouteTable, factory Factory, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		handles:    make(map[routeKey]Handle, len(table.Routes)),
		configured: make(map[string]string, len(table.Defaults)),
		logger:     zap.NewNop(),
	}
	for _, o := range opts {
		o(d)
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}

	for _, r := range table.Routes {
		k := keyOf(r.Provider, r.Version)
		a, err := factory(r)
		if err != nil {
			return nil, gwerr.WrapConfiguration(err, "building adapter for %s", k)
		}
		policy := retry.DefaultPolicy()
		if r.Retry != nil {
			policy = *r.Retry
		}
		d.handles[k] = Handle{
			Provider: k.provider,
			Version:  k.version,
			Adapter:  &retrying{next: a, key: k, policy: policy, logger: d.logger, metrics: d.metrics},
		}
	}
	for p, v := range table.Defaults {
		k := keyOf(p, v)
		d.configured[k.provider] = k.version
	}

	d.logger.Info("provider routes loaded",
		zap.Strings("routes", d.routeNames()),
		zap.Any("configured_versions", d.configured),
	)
	return d, nil
}

// Select returns the adapter for provider at version.
func (d *Dispatcher) Select(provider, version string) (Handle, error) {
	h, ok := d.handles[keyOf(provider, version)]
	if !ok {
		return Handle{}, gwerr.Configuration("no adapter for provider %q version %q", provider, version)
	}
	return h, nil
}

// SelectConfigured returns the adapter for the provider's configured version.
func (d *Dispatcher) SelectConfigured(provider string) (Handle, error) {
	k := keyOf(provider, "")
	version, ok := d.configured[k.provider]
	if !ok {
		return Handle{}, gwerr.Configuration("no configured adapter version for provider %q", provider)
	}
	return d.Select(provider, version)
}

func (d *Dispatcher) routeNames() []string {
	names := make([]string, 0, len(d.handles))
	for k := range d.handles {
		names = append(names, k.String())
	}
	sort.Strings(names)
	return names
}
