package policystore

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// DefaultChannel is the notification channel collaborators publish
// agent-tool invalidations on.
const DefaultChannel = "agent_tool_policy_changed"

// allPayload invalidates every cached snapshot.
const allPayload = "*"

// Invalidator receives invalidations from a Notifier. *Store implements it.
type Invalidator interface {
	Invalidate(agentToolIDs ...string)
	InvalidateAll()
}

// Notifier delivers change notifications keyed by agent-tool id. Listen
// blocks until ctx is done, reconnecting on failures. Implementations
// invalidate everything after (re)connecting, since notifications sent
// while disconnected are lost.
type Notifier interface {
	Listen(ctx context.Context, inv Invalidator) error
}

// Watch runs n until ctx is done, applying its notifications to the store
// and to also, e.g. the server directory and the MCP client pool, which
// share the channel.
func (s *Store) Watch(ctx context.Context, n Notifier, also ...Invalidator) error {
	if len(also) == 0 {
		return n.Listen(ctx, s)
	}
	return n.Listen(ctx, append(Invalidators{s}, also...))
}

// Invalidators fans one notification out to several caches.
type Invalidators []Invalidator

func (all Invalidators) Invalidate(ids ...string) {
	for _, inv := range all {
		inv.Invalidate(ids...)
	}
}

func (all Invalidators) InvalidateAll() {
	for _, inv := range all {
		inv.InvalidateAll()
	}
}

// encodePayload joins ids into one notification payload.
func encodePayload(ids []string) string {
	if len(ids) == 0 {
		return allPayload
	}
	return strings.Join(ids, ",")
}

// applyPayload decodes a payload of comma separated ids, or "*".
func applyPayload(payload string, inv Invalidator) {
	payload = strings.TrimSpace(payload)
	if payload == "" || payload == allPayload {
		inv.InvalidateAll()
		return
	}
	var ids []string
	for _, id := range strings.Split(payload, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	inv.Invalidate(ids...)
}

func newReconnectBackoff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(30*time.Second),
		backoff.WithMaxElapsedTime(0),
	)
}

// reconnectLoop runs listenOnce until ctx is done, sleeping with backoff
// between failed sessions. listenOnce calls connected once it is ready to
// receive, which resets the backoff.
func reconnectLoop(ctx context.Context, name string, logger *zap.Logger, listenOnce func(ctx context.Context, connected func()) error) error {
	b := newReconnectBackoff()
	for {
		err := listenOnce(ctx, b.Reset)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := b.NextBackOff()
		logger.Warn("policy notification listener disconnected, reconnecting",
			zap.String("notifier", name),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
