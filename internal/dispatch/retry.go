package dispatch

import (
	"context"
	"time"

	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/metrics"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/retry"
	"go.uber.org/zap"
)

// retrying is the retry boundary wrapped around every adapter.
type retrying struct {
	next    Adapter
	key     routeKey
	policy  retry.Policy
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func (r *retrying) Forward(ctx context.Context, req *Request) (*Response, error) {
	resp, err := retry.Do(ctx, r.policy, r.key.String(), func(attempt int, err error, wait time.Duration) {
		r.metrics.UpstreamRetry("provider")
		r.logger.Warn("provider call failed, retrying",
			zap.String("route", r.key.String()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}, func(ctx context.Context) (*Response, error) {
		return r.next.Forward(ctx, req)
	})
	if err != nil {
		status := 0
		if ue, ok := gwerr.AsUpstream(err); ok {
			status = ue.StatusCode
			r.metrics.UpstreamFailure("provider", ue.Timeout)
		}
		r.metrics.ProviderRequest(r.key.provider, r.key.version, status)
		return nil, err
	}
	r.metrics.ProviderRequest(r.key.provider, r.key.version, resp.StatusCode)
	return resp, nil
}
