package policystore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// PGNotifier listens for Postgres NOTIFY messages on a channel. The
// payload is a comma separated list of agent-tool ids or "*".
type PGNotifier struct {
	dsn     string
	channel string
	logger  *zap.Logger
}

// NewPGNotifier creates a notifier holding its own dedicated connection.
func NewPGNotifier(dsn, channel string, logger *zap.Logger) *PGNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PGNotifier{dsn: dsn, channel: channel, logger: logger}
}

func (n *PGNotifier) Listen(ctx context.Context, inv Invalidator) error {
	return reconnectLoop(ctx, "postgres", n.logger, func(ctx context.Context, connected func()) error {
		conn, err := pgx.Connect(ctx, n.dsn)
		if err != nil {
			return fmt.Errorf("PGNotifier connect: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = conn.Close(closeCtx)
		}()

		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{n.channel}.Sanitize()); err != nil {
			return fmt.Errorf("PGNotifier listen: %w", err)
		}
		connected()
		inv.InvalidateAll()
		n.logger.Info("listening for policy changes", zap.String("channel", n.channel))

		for {
			notification, err := conn.WaitForNotification(ctx)
			if err != nil {
				return fmt.Errorf("PGNotifier wait: %w", err)
			}
			applyPayload(notification.Payload, inv)
		}
	})
}

// PGPublisher publishes invalidations with pg_notify so every replica
// listening through a PGNotifier drops its snapshots.
type PGPublisher struct {
	db      *sql.DB
	channel string
}

// NewPGPublisher creates a publisher on channel.
func NewPGPublisher(db *sql.DB, channel string) *PGPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PGPublisher{db: db, channel: channel}
}

func (p *PGPublisher) Publish(ctx context.Context, agentToolIDs ...string) error {
	if _, err := p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, p.channel, encodePayload(agentToolIDs)); err != nil {
		return fmt.Errorf("PGPublisher: %w", err)
	}
	return nil
}
