package toolserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
)

// ServerStore abstracts DB queries for testability. LookupServer returns
// gwerr.ErrNotFound for unknown ids.
type ServerStore interface {
	LookupServer(ctx context.Context, serverID string) (*Server, error)
}

type serverRow struct {
	ID         string
	Name       string
	Kind       string
	CatalogID  sql.NullString
	Command    sql.NullString
	Args       sql.NullString // JSONB as string
	Env        sql.NullString // JSONB as string
	URL        sql.NullString
	Credential sql.NullString
	Headers    sql.NullString // JSONB as string
}

// sqlServerStore is the real implementation using *sql.DB.
type sqlServerStore struct {
	db *sql.DB
}

// NewSQLServerStore returns a ServerStore over the mcp_servers table.
func NewSQLServerStore(db *sql.DB) ServerStore {
	return &sqlServerStore{db: db}
}

func (s *sqlServerStore) LookupServer(ctx context.Context, serverID string) (*Server, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, kind, catalog_id, command, args, env,
		       url, credential, headers
		FROM mcp_servers
		WHERE id = $1
	`, serverID)

	var r serverRow
	if err := row.Scan(
		&r.ID, &r.Name, &r.Kind, &r.CatalogID, &r.Command, &r.Args, &r.Env,
		&r.URL, &r.Credential, &r.Headers,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Mark(errors.Newf("mcp server %s not found", serverID), gwerr.ErrNotFound)
		}
		return nil, fmt.Errorf("LookupServer: %w", err)
	}
	return parseServerRow(&r)
}

func parseServerRow(r *serverRow) (*Server, error) {
	srv := &Server{
		ID:         r.ID,
		Name:       r.Name,
		Kind:       ServerKind(r.Kind),
		CatalogID:  r.CatalogID.String,
		Command:    r.Command.String,
		URL:        r.URL.String,
		Credential: r.Credential.String,
	}
	switch srv.Kind {
	case KindLocal, KindRemote:
	default:
		return nil, gwerr.Configuration("mcp server %s has unknown kind %q", r.ID, r.Kind)
	}

	if err := unmarshalJSONB(r.Args, &srv.Args); err != nil {
		return nil, gwerr.WrapConfiguration(err, "mcp server %s args", r.ID)
	}
	if err := unmarshalJSONB(r.Env, &srv.Env); err != nil {
		return nil, gwerr.WrapConfiguration(err, "mcp server %s env", r.ID)
	}
	if err := unmarshalJSONB(r.Headers, &srv.Headers); err != nil {
		return nil, gwerr.WrapConfiguration(err, "mcp server %s headers", r.ID)
	}
	return srv, nil
}

func unmarshalJSONB(col sql.NullString, v any) error {
	if !col.Valid || col.String == "" || col.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), v)
}
