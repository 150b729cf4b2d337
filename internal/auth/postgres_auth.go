package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/cache"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// KeyStore abstracts DB queries for testability.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error)
}

type keyRow struct {
	AgentID        string
	OrganizationID string
	KeyHash        string
}

// sqlKeyStore is the real implementation using *sql.DB.
type sqlKeyStore struct {
	db *sql.DB
}

func (s *sqlKeyStore) LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT k.agent_id, a.organization_id, k.key_hash
		FROM agent_api_keys k
		JOIN agents a ON a.id = k.agent_id
		WHERE k.key_prefix = $1 AND k.revoked_at IS NULL
	`, prefix)

	var r keyRow
	if err := row.Scan(&r.AgentID, &r.OrganizationID, &r.KeyHash); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresAuthenticator validates agent API keys against the agent_api_keys table.
type PostgresAuthenticator struct {
	store  KeyStore
	cache  *cache.Cache[*AgentContext]
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new PostgresAuthenticator.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	return newPostgresAuthenticatorWithStore(&sqlKeyStore{db: cfg.DB}, cfg.CacheTTL, cfg.Logger)
}

// newPostgresAuthenticatorWithStore creates an authenticator with a custom store (for testing).
func newPostgresAuthenticatorWithStore(store KeyStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresAuthenticator {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresAuthenticator{
		store: store,
		// Revoked keys keep working for at most one TTL plus grace.
		cache:  cache.New[*AgentContext](cacheTTL, cacheTTL),
		logger: logger,
	}
}

// Authenticate never fails open: a key store outage rejects the call.
func (a *PostgresAuthenticator) Authenticate(ctx context.Context, token string) (*AgentContext, error) {
	if _, err := bearer(token); err != nil {
		return nil, err
	}

	// Check cache
	res := a.cache.Get(token)
	if res.Hit && res.Found {
		if res.NeedsRefresh {
			go a.refreshInBackground(token)
		}
		return res.Value, nil
	}

	// Cache miss: authenticate synchronously
	agent, err := a.authenticateFromDB(ctx, token)
	if err != nil {
		if !errors.Is(err, ErrUnauthenticated) {
			a.logger.Error("agent key lookup failed", zap.Error(err))
		}
		return nil, fmt.Errorf("Authenticate: %w", err)
	}

	a.cache.Set(token, agent, true)
	return agent, nil
}

func (a *PostgresAuthenticator) authenticateFromDB(ctx context.Context, token string) (*AgentContext, error) {
	row, err := a.store.LookupByPrefix(ctx, token[:lookupPrefixLen])
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("authenticateFromDB: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(token)); err != nil {
		return nil, ErrUnauthenticated
	}

	return &AgentContext{
		AgentID:        row.AgentID,
		OrganizationID: row.OrganizationID,
	}, nil
}

func (a *PostgresAuthenticator) refreshInBackground(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent, err := a.authenticateFromDB(ctx, token)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			// Revoked or rotated.
			a.cache.Delete(token)
			return
		}
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		return
	}
	a.cache.Set(token, agent, true)
}
