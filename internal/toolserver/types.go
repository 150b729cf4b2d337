// Package toolserver resolves where an AgentTool executes and invokes it
// there: a local MCP server installation, a remote MCP server reached with
// its stored credential, or a provider route for LLM proxied tools.
package toolserver

import "fmt"

// ServerKind distinguishes locally installed MCP servers from remote ones.
type ServerKind string

const (
	KindLocal  ServerKind = "local"
	KindRemote ServerKind = "remote"
)

// Server is one MCP server record from the mcp_servers table.
type Server struct {
	ID        string
	Name      string
	Kind      ServerKind
	CatalogID string

	// Local servers are spawned over stdio.
	Command string
	Args    []string
	Env     map[string]string

	// Remote servers are reached over streamable HTTP. Credential is sent
	// as a bearer token.
	URL        string
	Credential string
	Headers    map[string]string
}

// TargetKind says which invoker executes a target.
type TargetKind string

const (
	TargetLocal    TargetKind = "mcp_local"
	TargetRemote   TargetKind = "mcp_remote"
	TargetProvider TargetKind = "llm_proxy"
)

// Target is the resolved execution target of one tool call.
type Target struct {
	Kind   TargetKind
	Server *Server

	// Provider targets only.
	Provider string
	Version  string
	Model    string

	// Idempotent targets may be re-run after a delivered failure.
	Idempotent bool
}

// Name identifies the target in logs, metrics and upstream errors.
func (t Target) Name() string {
	switch {
	case t.Server != nil:
		return fmt.Sprintf("%s/%s", t.Kind, t.Server.ID)
	case t.Provider != "":
		return fmt.Sprintf("%s/%s", t.Kind, t.Provider)
	default:
		return string(t.Kind)
	}
}
