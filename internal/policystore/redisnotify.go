package policystore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisNotifier carries invalidations over Redis pub/sub, for deployments
// where the persistence collaborator cannot NOTIFY through Postgres. It is
// also a Publisher, so replicas share one channel.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
	logger  *zap.Logger
}

// NewRedisNotifier creates a notifier on channel.
func NewRedisNotifier(client redis.UniversalClient, channel string, logger *zap.Logger) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel, logger: logger}
}

func (n *RedisNotifier) Listen(ctx context.Context, inv Invalidator) error {
	return reconnectLoop(ctx, "redis", n.logger, func(ctx context.Context, connected func()) error {
		sub := n.client.Subscribe(ctx, n.channel)
		defer func() { _ = sub.Close() }()

		// Wait for the subscription confirmation before declaring the
		// listener ready.
		if _, err := sub.Receive(ctx); err != nil {
			return fmt.Errorf("RedisNotifier subscribe: %w", err)
		}
		connected()
		inv.InvalidateAll()
		n.logger.Info("listening for policy changes", zap.String("channel", n.channel))

		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				return fmt.Errorf("RedisNotifier receive: %w", err)
			}
			applyPayload(msg.Payload, inv)
		}
	})
}

func (n *RedisNotifier) Publish(ctx context.Context, agentToolIDs ...string) error {
	if err := n.client.Publish(ctx, n.channel, encodePayload(agentToolIDs)).Err(); err != nil {
		return fmt.Errorf("RedisNotifier publish: %w", err)
	}
	return nil
}
