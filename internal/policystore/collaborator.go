package policystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/policy"
)

// Collaborator is the persistence side that owns AgentTool and override
// records. LoadAgentTool returns policy.ErrAgentToolNotFound for unknown
// ids; the list methods return an empty slice when no overrides exist.
type Collaborator interface {
	LoadAgentTool(ctx context.Context, agentToolID string) (*policy.AgentTool, error)
	ListInvocationOverrides(ctx context.Context, agentToolID string) ([]policy.InvocationPolicy, error)
	ListResultOverrides(ctx context.Context, agentToolID string) ([]policy.ResultPolicy, error)
	UpdateDefaults(ctx context.Context, agentToolIDs []string, patch DefaultsPatch) (*DefaultsUpdate, error)
}

// DefaultsPatch is a bulk edit of AgentTool default flags. Nil fields are
// left untouched.
type DefaultsPatch struct {
	AllowUsageWhenUntrustedDataIsPresent *bool             `json:"allow_usage_when_untrusted_data_is_present,omitempty"`
	ToolResultTreatment                  *policy.Treatment `json:"tool_result_treatment,omitempty"`
}

// DefaultsUpdate reports which pairings a bulk edit changed. A pairing is
// skipped for a field when it has custom overrides of that kind, since the
// default would be inert, or when it does not exist.
type DefaultsUpdate struct {
	Updated []string `json:"updated"`
	Skipped []string `json:"skipped"`
}

// sqlCollaborator is the real implementation using *sql.DB.
type sqlCollaborator struct {
	db *sql.DB
}

// NewSQLCollaborator returns a Collaborator over the agent_tools, tools,
// tool_invocation_policies and trusted_data_policies tables.
func NewSQLCollaborator(db *sql.DB) Collaborator {
	return &sqlCollaborator{db: db}
}

type agentToolRow struct {
	ID                 string
	AgentID            string
	ToolID             string
	ToolName           string
	Origin             string
	CatalogID          sql.NullString
	InputSchema        sql.NullString // JSONB as string
	Idempotent         bool
	Provider           sql.NullString
	ProviderVersion    sql.NullString
	Model              sql.NullString
	AllowUntrusted     bool
	Treatment          string
	CredentialSourceID sql.NullString
	ExecutionSourceID  sql.NullString
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (s *sqlCollaborator) LoadAgentTool(ctx context.Context, agentToolID string) (*policy.AgentTool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT at.id, at.agent_id, t.id, t.name, t.origin, t.catalog_id,
		       t.input_schema, t.idempotent, t.provider, t.provider_version, t.model,
		       at.allow_usage_when_untrusted_data_is_present, at.tool_result_treatment,
		       at.credential_source_mcp_server_id, at.execution_source_mcp_server_id,
		       at.created_at, at.updated_at
		FROM agent_tools at
		JOIN tools t ON t.id = at.tool_id
		WHERE at.id = $1
	`, agentToolID)

	var r agentToolRow
	if err := row.Scan(
		&r.ID, &r.AgentID, &r.ToolID, &r.ToolName, &r.Origin, &r.CatalogID,
		&r.InputSchema, &r.Idempotent, &r.Provider, &r.ProviderVersion, &r.Model,
		&r.AllowUntrusted, &r.Treatment,
		&r.CredentialSourceID, &r.ExecutionSourceID,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, policy.ErrAgentToolNotFound
		}
		return nil, fmt.Errorf("LoadAgentTool: %w", err)
	}
	return parseAgentToolRow(&r), nil
}

// parseAgentToolRow copies the row as stored. The treatment is validated
// later by policy.NewSnapshot so a corrupt value surfaces as a
// ConfigurationError instead of a scan failure.
func parseAgentToolRow(r *agentToolRow) *policy.AgentTool {
	at := &policy.AgentTool{
		ID:      r.ID,
		AgentID: r.AgentID,
		Tool: policy.Tool{
			ID:              r.ToolID,
			Name:            r.ToolName,
			Origin:          policy.Origin(r.Origin),
			CatalogID:       r.CatalogID.String,
			Idempotent:      r.Idempotent,
			Provider:        r.Provider.String,
			ProviderVersion: r.ProviderVersion.String,
			Model:           r.Model.String,
		},
		AllowUsageWhenUntrustedDataIsPresent: r.AllowUntrusted,
		ToolResultTreatment:                  policy.Treatment(r.Treatment),
		CredentialSourceID:                   r.CredentialSourceID.String,
		ExecutionSourceID:                    r.ExecutionSourceID.String,
		CreatedAt:                            r.CreatedAt,
		UpdatedAt:                            r.UpdatedAt,
	}
	if r.InputSchema.Valid && r.InputSchema.String != "" && r.InputSchema.String != "null" {
		at.Tool.InputSchema = json.RawMessage(r.InputSchema.String)
	}
	return at
}

func (s *sqlCollaborator) ListInvocationOverrides(ctx context.Context, agentToolID string) ([]policy.InvocationPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_tool_id, argument_name, operator, value, action, reason, created_at
		FROM tool_invocation_policies
		WHERE agent_tool_id = $1
		ORDER BY created_at, id
	`, agentToolID)
	if err != nil {
		return nil, fmt.Errorf("ListInvocationOverrides: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []policy.InvocationPolicy{}
	for rows.Next() {
		var (
			p        policy.InvocationPolicy
			operator string
			action   string
			reason   sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.AgentToolID, &p.ArgumentName, &operator, &p.Value, &action, &reason, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListInvocationOverrides: %w", err)
		}
		p.Operator = policy.Operator(operator)
		p.Action = policy.InvocationAction(action)
		p.Reason = reason.String
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListInvocationOverrides: %w", err)
	}
	return out, nil
}

func (s *sqlCollaborator) ListResultOverrides(ctx context.Context, agentToolID string) ([]policy.ResultPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_tool_id, attribute_path, operator, value, action, created_at
		FROM trusted_data_policies
		WHERE agent_tool_id = $1
		ORDER BY created_at, id
	`, agentToolID)
	if err != nil {
		return nil, fmt.Errorf("ListResultOverrides: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []policy.ResultPolicy{}
	for rows.Next() {
		var (
			p        policy.ResultPolicy
			operator string
			action   string
		)
		if err := rows.Scan(&p.ID, &p.AgentToolID, &p.AttributePath, &operator, &p.Value, &action, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListResultOverrides: %w", err)
		}
		p.Operator = policy.Operator(operator)
		p.Action = policy.ResultAction(action)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListResultOverrides: %w", err)
	}
	return out, nil
}

const (
	updateAllowFlagSQL = `
		UPDATE agent_tools SET allow_usage_when_untrusted_data_is_present = $1, updated_at = now()
		WHERE id = $2
		  AND NOT EXISTS (SELECT 1 FROM tool_invocation_policies p WHERE p.agent_tool_id = agent_tools.id)`
	updateTreatmentSQL = `
		UPDATE agent_tools SET tool_result_treatment = $1, updated_at = now()
		WHERE id = $2
		  AND NOT EXISTS (SELECT 1 FROM trusted_data_policies p WHERE p.agent_tool_id = agent_tools.id)`
)

func (s *sqlCollaborator) UpdateDefaults(ctx context.Context, agentToolIDs []string, patch DefaultsPatch) (*DefaultsUpdate, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("UpdateDefaults: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out := &DefaultsUpdate{Updated: []string{}, Skipped: []string{}}
	for _, id := range agentToolIDs {
		updated, skipped := false, false

		if patch.AllowUsageWhenUntrustedDataIsPresent != nil {
			n, err := execAffected(ctx, tx, updateAllowFlagSQL, *patch.AllowUsageWhenUntrustedDataIsPresent, id)
			if err != nil {
				return nil, fmt.Errorf("UpdateDefaults: %w", err)
			}
			updated, skipped = updated || n > 0, skipped || n == 0
		}
		if patch.ToolResultTreatment != nil {
			n, err := execAffected(ctx, tx, updateTreatmentSQL, string(*patch.ToolResultTreatment), id)
			if err != nil {
				return nil, fmt.Errorf("UpdateDefaults: %w", err)
			}
			updated, skipped = updated || n > 0, skipped || n == 0
		}

		if updated {
			out.Updated = append(out.Updated, id)
		}
		if skipped {
			out.Skipped = append(out.Skipped, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("UpdateDefaults: %w", err)
	}
	return out, nil
}

func execAffected(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
