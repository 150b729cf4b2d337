// Package api is the HTTP surface of the trust gateway.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/auth"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/dispatch"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gateway"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/policystore"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/trust"
	"go.uber.org/zap"
)

const maxBodyBytes = 4 << 20

// ToolCaller runs tool calls. *gateway.Router implements it.
type ToolCaller interface {
	HandleToolCall(ctx context.Context, agentToolID string, req gateway.ToolCallRequest, tc *trust.Context) (*gateway.ToolCallResult, error)
}

// ProviderSelector picks the configured adapter of a provider.
type ProviderSelector interface {
	SelectConfigured(provider string) (dispatch.Handle, error)
}

// PolicyAdmin is the write side of the policy cache. *policystore.Store
// implements it.
type PolicyAdmin interface {
	Invalidate(agentToolIDs ...string)
	InvalidateAll()
	UpdateDefaults(ctx context.Context, agentToolIDs []string, patch policystore.DefaultsPatch) (*policystore.DefaultsUpdate, error)
}

// Config wires the handlers.
type Config struct {
	Tools         ToolCaller
	Sessions      *trust.Sessions
	Providers     ProviderSelector
	Policies      PolicyAdmin
	Authenticator auth.Authenticator
	// Publisher, when set, fans invalidations received on the internal
	// endpoint out to the other replicas.
	Publisher     policystore.Publisher
	InternalToken string
	CORSOrigins   []string
	Gatherer      prometheus.Gatherer
	Logger        *zap.Logger
}

// Handler serves the gateway HTTP API.
type Handler struct {
	tools         ToolCaller
	sessions      *trust.Sessions
	providers     ProviderSelector
	policies      PolicyAdmin
	authenticator auth.Authenticator
	publisher     policystore.Publisher
	internalToken string
	logger        *zap.Logger
}

// New builds the router with CORS applied.
func New(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		tools:         cfg.Tools,
		sessions:      cfg.Sessions,
		providers:     cfg.Providers,
		policies:      cfg.Policies,
		authenticator: cfg.Authenticator,
		publisher:     cfg.Publisher,
		internalToken: cfg.InternalToken,
		logger:        logger,
	}

	r := mux.NewRouter()
	r.Use(requestID)
	r.HandleFunc("/healthz", h.Health).Methods("GET")
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	h.RegisterRoutes(r)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", sessionIDHeader, "anthropic-version", "anthropic-beta"},
		ExposedHeaders: []string{"X-Request-ID", sessionStateHeader},
	})
	return c.Handler(requestLogging(r, logger))
}

// RegisterRoutes registers the API routes on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(h.authenticate)
	v1.HandleFunc("/tools/{agent_tool_id}/call", h.CallTool).Methods("POST")
	v1.HandleFunc("/proxy/{provider}/{path:.*}", h.Proxy).Methods("POST")
	v1.HandleFunc("/sessions/{session_id}/trust", h.GetSessionTrust).Methods("GET")
	v1.HandleFunc("/sessions/{session_id}/reset", h.ResetSession).Methods("POST")

	internal := r.PathPrefix("/internal").Subrouter()
	internal.Use(h.internalOnly)
	internal.HandleFunc("/policies/invalidate", h.InvalidatePolicies).Methods("POST")
	internal.HandleFunc("/agent-tools/defaults", h.UpdateDefaults).Methods("PATCH")
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type requestIDKey struct{}

// requestID propagates X-Request-ID, minting one when the caller sent none.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.TokenFromRequest(r)
		if err != nil {
			writeMessage(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
			return
		}
		agent, err := h.authenticator.Authenticate(r.Context(), token)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithAgent(r.Context(), agent)))
	})
}

func (h *Handler) internalOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.internalToken != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(h.internalToken)) != 1 {
				writeMessage(w, http.StatusUnauthorized, "unauthenticated", "invalid internal token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.String("request_id", sw.Header().Get("X-Request-ID")),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid_request", "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
