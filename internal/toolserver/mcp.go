package toolserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultConnectTimeout = 10 * time.Second

// Dialer opens a started, uninitialized MCP client for srv.
type Dialer func(ctx context.Context, srv *Server) (*client.Client, error)

// MCPInvoker calls tools on MCP servers. One initialized client is kept
// per server id, tagged with the fingerprint of the record it was dialed
// with; a call carrying a changed record (rotated credential, new url or
// command) replaces it. Concurrent first calls to a server share one
// connect.
type MCPInvoker struct {
	dial           Dialer
	connectTimeout time.Duration
	logger         *zap.Logger

	group   singleflight.Group
	mu      sync.Mutex
	clients map[string]pooledClient
}

type pooledClient struct {
	client      *client.Client
	fingerprint string
}

// MCPOption configures an MCPInvoker.
type MCPOption func(*MCPInvoker)

// WithDialer replaces the default stdio / streamable HTTP dialer.
func WithDialer(d Dialer) MCPOption { return func(m *MCPInvoker) { m.dial = d } }

// WithConnectTimeout bounds connecting and initializing a server.
func WithConnectTimeout(d time.Duration) MCPOption {
	return func(m *MCPInvoker) { m.connectTimeout = d }
}

// NewMCPInvoker creates an MCPInvoker.
func NewMCPInvoker(logger *zap.Logger, opts ...MCPOption) *MCPInvoker {
	m := &MCPInvoker{
		dial:           DialServer(nil),
		connectTimeout: defaultConnectTimeout,
		logger:         logger,
		clients:        make(map[string]pooledClient),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// DialServer spawns local servers over stdio and reaches remote servers
// over streamable HTTP, sending the stored credential as a bearer token.
func DialServer(httpClient *http.Client) Dialer {
	return func(ctx context.Context, srv *Server) (*client.Client, error) {
		switch srv.Kind {
		case KindLocal:
			if srv.Command == "" {
				return nil, gwerr.Configuration("local mcp server %s has no command", srv.ID)
			}
			return client.NewStdioMCPClient(srv.Command, envList(srv.Env), srv.Args...)

		case KindRemote:
			if srv.URL == "" {
				return nil, gwerr.Configuration("remote mcp server %s has no url", srv.ID)
			}
			headers := make(map[string]string, len(srv.Headers)+1)
			for k, v := range srv.Headers {
				headers[k] = v
			}
			if srv.Credential != "" {
				headers["Authorization"] = "Bearer " + srv.Credential
			}
			opts := []transport.StreamableHTTPCOption{transport.WithHTTPHeaders(headers)}
			if httpClient != nil {
				opts = append(opts, transport.WithHTTPBasicClient(httpClient))
			}
			c, err := client.NewStreamableHttpClient(srv.URL, opts...)
			if err != nil {
				return nil, err
			}
			if err := c.Start(ctx); err != nil {
				_ = c.Close()
				return nil, err
			}
			return c, nil

		default:
			return nil, gwerr.Configuration("mcp server %s has unknown kind %q", srv.ID, srv.Kind)
		}
	}
}

func (m *MCPInvoker) Invoke(ctx context.Context, toolName string, target Target, args json.RawMessage, timeout time.Duration) (*Response, error) {
	if target.Server == nil {
		return nil, gwerr.Configuration("mcp target for tool %s has no server", toolName)
	}
	callCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	c, err := m.client(callCtx, target)
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	if len(args) > 0 {
		req.Params.Arguments = args
	}
	res, err := c.CallTool(callCtx, req)
	if err != nil {
		// The session may be broken; the next call reconnects.
		m.evict(target.Server.ID, c)
		ue := gwerr.Upstream(target.Name(), err)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			ue.Timeout = true
		}
		return nil, ue
	}

	content, err := resultContent(res)
	if err != nil {
		return nil, gwerr.Upstream(target.Name(), err)
	}
	return &Response{Content: content, IsError: res.IsError}, nil
}

func (m *MCPInvoker) client(ctx context.Context, target Target) (*client.Client, error) {
	id := target.Server.ID
	fp := fingerprint(target.Server)
	if c := m.pooled(id, fp); c != nil {
		return c, nil
	}

	v, err, _ := m.group.Do(id+"@"+fp, func() (any, error) {
		if c := m.pooled(id, fp); c != nil {
			return c, nil
		}
		connectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.connectTimeout)
		defer cancel()

		c, err := m.connect(connectCtx, target.Server)
		if err != nil {
			if errors.Is(err, gwerr.ErrConfiguration) {
				return nil, err
			}
			m.logger.Warn("mcp server connect failed",
				zap.String("server_id", id),
				zap.String("server_kind", string(target.Server.Kind)),
				zap.Error(err),
			)
			return nil, &gwerr.UpstreamError{Target: target.Name(), Delivered: false, Err: err}
		}

		m.mu.Lock()
		prev, replaced := m.clients[id]
		m.clients[id] = pooledClient{client: c, fingerprint: fp}
		m.mu.Unlock()
		if replaced && prev.client != c {
			m.logger.Info("mcp server record changed, replaced pooled client", zap.String("server_id", id))
			_ = prev.client.Close()
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*client.Client), nil
}

func (m *MCPInvoker) connect(ctx context.Context, srv *Server) (*client.Client, error) {
	c, err := m.dial(ctx, srv)
	if err != nil {
		return nil, err
	}
	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "trust-gateway", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, init); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return c, nil
}

// pooled returns the client for id when it was dialed with the record
// fingerprint fp.
func (m *MCPInvoker) pooled(id, fp string) *client.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pc, ok := m.clients[id]; ok && pc.fingerprint == fp {
		return pc.client
	}
	return nil
}

// evict drops c if it is still the pooled client for id.
func (m *MCPInvoker) evict(id string, c *client.Client) {
	m.mu.Lock()
	if pc, ok := m.clients[id]; ok && pc.client == c {
		delete(m.clients, id)
	} else {
		c = nil
	}
	m.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

// Invalidate closes the pooled clients of serverIDs. The next call to each
// server dials again with the record it resolves to.
func (m *MCPInvoker) Invalidate(serverIDs ...string) {
	var stale []*client.Client
	m.mu.Lock()
	for _, id := range serverIDs {
		if pc, ok := m.clients[id]; ok {
			stale = append(stale, pc.client)
			delete(m.clients, id)
		}
	}
	m.mu.Unlock()
	for _, c := range stale {
		_ = c.Close()
	}
}

// InvalidateAll closes every pooled client.
func (m *MCPInvoker) InvalidateAll() {
	_ = m.Close()
}

// Close closes every pooled client.
func (m *MCPInvoker) Close() error {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]pooledClient)
	m.mu.Unlock()

	var errs []error
	for id, pc := range clients {
		if err := pc.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// resultContent flattens a tool result to JSON. Structured content wins;
// otherwise text blocks are joined and kept as JSON when they parse, or
// as a JSON string when they do not. Mixed content keeps the block list.
func resultContent(res *mcp.CallToolResult) (json.RawMessage, error) {
	if res.StructuredContent != nil {
		return json.Marshal(res.StructuredContent)
	}
	texts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		tc, ok := mcp.AsTextContent(c)
		if !ok {
			return json.Marshal(res.Content)
		}
		texts = append(texts, tc.Text)
	}
	text := strings.Join(texts, "\n")
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	return json.Marshal(text)
}

// fingerprint hashes every field of srv that changes how it is dialed.
func fingerprint(srv *Server) string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	write(string(srv.Kind), srv.URL, srv.Credential, srv.Command)
	write(fmt.Sprint(len(srv.Args)))
	write(srv.Args...)
	write(fmt.Sprint(len(srv.Env)))
	write(envList(srv.Env)...)
	write(envList(srv.Headers)...)
	return hex.EncodeToString(h.Sum(nil))
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
