// Package policystore is the read-through, cached accessor over AgentTool
// and override records owned by the persistence collaborator.
//
// Each AgentTool is cached as one immutable policy.Snapshot. Readers load
// snapshots without locks; invalidations replace or drop whole entries, so
// a reader sees either the old snapshot or the new one, never a mix.
package policystore

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/cache"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/metrics"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/policy"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultStaleness = 5 * time.Second
	fetchTimeout     = 5 * time.Second
)

// Publisher fans invalidations out to the other gateway replicas.
type Publisher interface {
	Publish(ctx context.Context, agentToolIDs ...string) error
}

// Store caches policy snapshots keyed by agent-tool id.
type Store struct {
	collab    Collaborator
	cache     *cache.Cache[*policy.Snapshot]
	group     singleflight.Group
	publisher Publisher
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// Config configures the Store.
type Config struct {
	Collaborator Collaborator
	// Staleness bounds how long a snapshot is served without a push
	// invalidation: the first half it is fresh, the second half it is
	// served stale while one caller refreshes it, and after that it is
	// refetched synchronously. Zero uses the default; negative disables
	// expiry and relies on notifications alone.
	Staleness time.Duration
	Publisher Publisher
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// New creates a Store.
func New(cfg Config) *Store {
	staleness := cfg.Staleness
	switch {
	case staleness == 0:
		staleness = defaultStaleness
	case staleness < 0:
		staleness = 0
	}
	ttl := staleness / 2
	grace := staleness - ttl
	if staleness > 0 && ttl == 0 {
		ttl, grace = staleness, 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		collab:    cfg.Collaborator,
		cache:     cache.New[*policy.Snapshot](ttl, grace),
		publisher: cfg.Publisher,
		logger:    logger,
		metrics:   cfg.Metrics,
	}
}

// Snapshot returns the current policy snapshot for agentToolID. Errors are
// policy.ErrAgentToolNotFound, a ConfigurationError for corrupt records,
// or a StoreUnavailable error.
func (s *Store) Snapshot(ctx context.Context, agentToolID string) (*policy.Snapshot, error) {
	res := s.cache.Get(agentToolID)
	if res.Hit {
		if res.NeedsRefresh {
			s.metrics.PolicyCache("stale")
			go s.refreshInBackground(agentToolID)
		} else {
			s.metrics.PolicyCache("hit")
		}
		if !res.Found {
			return nil, policy.ErrAgentToolNotFound
		}
		return res.Value, nil
	}

	// Cache miss: concurrent misses for the same id share one fetch.
	s.metrics.PolicyCache("miss")
	v, err, _ := s.group.Do(agentToolID, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return s.load(fetchCtx, agentToolID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*policy.Snapshot), nil
}

// GetAgentTool returns the stored AgentTool.
func (s *Store) GetAgentTool(ctx context.Context, agentToolID string) (*policy.AgentTool, error) {
	snap, err := s.Snapshot(ctx, agentToolID)
	if err != nil {
		return nil, err
	}
	at := snap.AgentTool
	return &at, nil
}

// GetInvocationOverrides returns the invocation overrides in evaluation
// order; empty, never nil, when there are none.
func (s *Store) GetInvocationOverrides(ctx context.Context, agentToolID string) ([]policy.InvocationPolicy, error) {
	snap, err := s.Snapshot(ctx, agentToolID)
	if err != nil {
		return nil, err
	}
	return append([]policy.InvocationPolicy{}, snap.Invocation...), nil
}

// GetResultOverrides returns the result overrides in evaluation order;
// empty, never nil, when there are none.
func (s *Store) GetResultOverrides(ctx context.Context, agentToolID string) ([]policy.ResultPolicy, error) {
	snap, err := s.Snapshot(ctx, agentToolID)
	if err != nil {
		return nil, err
	}
	return append([]policy.ResultPolicy{}, snap.Result...), nil
}

// Invalidate drops the cached snapshots of the given agent tools.
func (s *Store) Invalidate(agentToolIDs ...string) {
	for _, id := range agentToolIDs {
		s.cache.Delete(id)
		s.metrics.PolicyCache("invalidate")
	}
}

// InvalidateAll drops every cached snapshot.
func (s *Store) InvalidateAll() {
	s.cache.Clear()
	s.metrics.PolicyCache("invalidate")
}

// UpdateDefaults bulk-edits default flags through the collaborator,
// skipping pairings whose default is inert because they carry custom
// overrides, and invalidates every touched pairing locally and on peers.
func (s *Store) UpdateDefaults(ctx context.Context, agentToolIDs []string, patch DefaultsPatch) (*DefaultsUpdate, error) {
	if patch.ToolResultTreatment != nil {
		if _, err := policy.ParseTreatment(string(*patch.ToolResultTreatment)); err != nil {
			return nil, err
		}
	}
	res, err := s.collab.UpdateDefaults(ctx, agentToolIDs, patch)
	if err != nil {
		return nil, gwerr.StoreUnavailable(err, strings.Join(agentToolIDs, ","))
	}
	if len(res.Updated) == 0 {
		return res, nil
	}
	s.Invalidate(res.Updated...)
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, res.Updated...); err != nil {
			s.logger.Warn("publishing policy invalidation failed, peers rely on staleness bound",
				zap.Strings("agent_tool_ids", res.Updated),
				zap.Error(err),
			)
		}
	}
	return res, nil
}

func (s *Store) load(ctx context.Context, agentToolID string) (*policy.Snapshot, error) {
	gen := s.cache.Generation()
	snap, err := s.fetch(ctx, agentToolID)
	if err != nil {
		if errors.Is(err, policy.ErrAgentToolNotFound) {
			// Negative cache: agent tool not found
			s.cache.SetIfCurrent(agentToolID, nil, false, gen)
		}
		return nil, err
	}
	s.cache.SetIfCurrent(agentToolID, snap, true, gen)
	return snap, nil
}

func (s *Store) fetch(ctx context.Context, agentToolID string) (*policy.Snapshot, error) {
	var (
		at  *policy.AgentTool
		inv []policy.InvocationPolicy
		res []policy.ResultPolicy
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		at, err = s.collab.LoadAgentTool(gctx, agentToolID)
		return err
	})
	g.Go(func() (err error) {
		inv, err = s.collab.ListInvocationOverrides(gctx, agentToolID)
		return err
	})
	g.Go(func() (err error) {
		res, err = s.collab.ListResultOverrides(gctx, agentToolID)
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, policy.ErrAgentToolNotFound) {
			return nil, err
		}
		return nil, gwerr.StoreUnavailable(err, agentToolID)
	}
	return policy.NewSnapshot(*at, inv, res)
}

func (s *Store) refreshInBackground(agentToolID string) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	if _, err := s.load(ctx, agentToolID); err != nil && !errors.Is(err, policy.ErrAgentToolNotFound) {
		s.logger.Warn("background policy refresh failed",
			zap.String("agent_tool_id", agentToolID),
			zap.Error(err),
		)
	}
}
