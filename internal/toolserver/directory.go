package toolserver

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/cache"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/policy"
	"go.uber.org/zap"
)

// Directory resolves AgentTools to execution targets, caching server
// records from the mcp_servers table.
type Directory struct {
	store  ServerStore
	cache  *cache.Cache[*Server]
	logger *zap.Logger
}

// DirectoryConfig configures the Directory.
type DirectoryConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewDirectory creates a new Directory.
func NewDirectory(cfg DirectoryConfig) *Directory {
	return newDirectoryWithStore(NewSQLServerStore(cfg.DB), cfg.CacheTTL, cfg.Logger)
}

// newDirectoryWithStore creates a directory with a custom store (for testing).
func newDirectoryWithStore(store ServerStore, cacheTTL time.Duration, logger *zap.Logger) *Directory {
	if cacheTTL == 0 {
		cacheTTL = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		store:  store,
		cache:  cache.New[*Server](cacheTTL, cacheTTL),
		logger: logger,
	}
}

// Resolve returns the execution target of at. An origin that the gateway
// cannot execute, or a source that is missing or incompatible with the
// origin, is a ConfigurationError.
func (d *Directory) Resolve(ctx context.Context, at policy.AgentTool) (Target, error) {
	t := Target{Idempotent: at.Tool.Idempotent}

	switch at.Tool.Origin {
	case policy.OriginMCPLocal:
		if at.ExecutionSourceID == "" {
			return Target{}, gwerr.Configuration("agent tool %s: local tool %s has no execution source", at.ID, at.Tool.Name)
		}
		if at.CredentialSourceID != "" {
			return Target{}, gwerr.Configuration("agent tool %s: local tool %s cannot use a credential source", at.ID, at.Tool.Name)
		}
		srv, err := d.server(ctx, at, at.ExecutionSourceID)
		if err != nil {
			return Target{}, err
		}
		if srv.Kind != KindLocal {
			return Target{}, gwerr.Configuration("agent tool %s: execution source %s is not a local installation", at.ID, srv.ID)
		}
		if at.Tool.CatalogID != "" && srv.CatalogID != at.Tool.CatalogID {
			return Target{}, gwerr.Configuration("agent tool %s: execution source %s installs catalog item %q, tool needs %q",
				at.ID, srv.ID, srv.CatalogID, at.Tool.CatalogID)
		}
		t.Kind, t.Server = TargetLocal, srv

	case policy.OriginMCPRemote:
		if at.CredentialSourceID == "" {
			return Target{}, gwerr.Configuration("agent tool %s: remote tool %s has no credential source", at.ID, at.Tool.Name)
		}
		if at.ExecutionSourceID != "" {
			return Target{}, gwerr.Configuration("agent tool %s: remote tool %s cannot use an execution source", at.ID, at.Tool.Name)
		}
		srv, err := d.server(ctx, at, at.CredentialSourceID)
		if err != nil {
			return Target{}, err
		}
		if srv.Kind != KindRemote {
			return Target{}, gwerr.Configuration("agent tool %s: credential source %s is not a remote server", at.ID, srv.ID)
		}
		t.Kind, t.Server = TargetRemote, srv

	case policy.OriginLLMProxy:
		if at.Tool.Provider == "" {
			return Target{}, gwerr.Configuration("agent tool %s: llm proxied tool %s has no provider", at.ID, at.Tool.Name)
		}
		t.Kind = TargetProvider
		t.Provider = at.Tool.Provider
		t.Version = at.Tool.ProviderVersion
		t.Model = at.Tool.Model

	case policy.OriginIntercepted:
		return Target{}, gwerr.Configuration("agent tool %s: intercepted tool %s is executed by the agent's client", at.ID, at.Tool.Name)

	default:
		return Target{}, gwerr.Configuration("agent tool %s: unknown tool origin %q", at.ID, at.Tool.Origin)
	}
	return t, nil
}

// Invalidate drops cached server records. Ids that name no cached server
// are ignored, so the directory can share a notification channel with
// agent-tool invalidations.
func (d *Directory) Invalidate(serverIDs ...string) {
	for _, id := range serverIDs {
		d.cache.Delete(id)
	}
}

// InvalidateAll drops every cached server record.
func (d *Directory) InvalidateAll() {
	d.cache.Clear()
}

func (d *Directory) server(ctx context.Context, at policy.AgentTool, serverID string) (*Server, error) {
	srv, err := d.GetServer(ctx, serverID)
	if err != nil {
		if errors.Is(err, gwerr.ErrNotFound) {
			return nil, gwerr.WrapConfiguration(err, "agent tool %s", at.ID)
		}
		return nil, err
	}
	return srv, nil
}

// GetServer returns the server record for serverID through the cache.
func (d *Directory) GetServer(ctx context.Context, serverID string) (*Server, error) {
	res := d.cache.Get(serverID)
	if res.Hit {
		if res.NeedsRefresh {
			go d.refreshInBackground(serverID)
		}
		if !res.Found {
			return nil, errors.Mark(errors.Newf("mcp server %s not found", serverID), gwerr.ErrNotFound)
		}
		return res.Value, nil
	}

	gen := d.cache.Generation()
	srv, err := d.store.LookupServer(ctx, serverID)
	if err != nil {
		if errors.Is(err, gwerr.ErrNotFound) {
			// Negative cache: server not found
			d.cache.SetIfCurrent(serverID, nil, false, gen)
			return nil, err
		}
		if errors.Is(err, gwerr.ErrConfiguration) {
			return nil, err
		}
		return nil, errors.Mark(errors.Wrapf(err, "GetServer %s", serverID), gwerr.ErrStoreUnavailable)
	}
	d.cache.SetIfCurrent(serverID, srv, true, gen)
	return srv, nil
}

func (d *Directory) refreshInBackground(serverID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gen := d.cache.Generation()
	srv, err := d.store.LookupServer(ctx, serverID)
	if err != nil {
		if errors.Is(err, gwerr.ErrNotFound) {
			d.cache.SetIfCurrent(serverID, nil, false, gen)
			return
		}
		d.logger.Warn("background mcp server refresh failed",
			zap.String("server_id", serverID),
			zap.Error(err),
		)
		return
	}
	d.cache.SetIfCurrent(serverID, srv, true, gen)
}
