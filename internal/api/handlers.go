package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/auth"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/dispatch"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gateway"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/policy"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/policystore"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/trust"
	"go.uber.org/zap"
)

// CallToolRequest is the body of a tool call.
type CallToolRequest struct {
	SessionID string          `json:"session_id"`
	CallID    string          `json:"call_id,omitempty"`
	Arguments json.RawMessage `json:"arguments"`
}

// CallTool handles POST /v1/tools/{agent_tool_id}/call
func (h *Handler) CallTool(w http.ResponseWriter, r *http.Request) {
	var req CallToolRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeMessage(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}

	caller, _ := auth.AgentFrom(r.Context())
	tc := h.sessions.Get(caller.SessionKey(req.SessionID))
	res, err := h.tools.HandleToolCall(r.Context(), mux.Vars(r)["agent_tool_id"], gateway.ToolCallRequest{
		RequestID: requestIDFrom(r.Context()),
		CallID:    req.CallID,
		Arguments: req.Arguments,
		Caller:    caller,
	}, tc)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// hopHeaders are not copied from upstream replies.
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
}

// Session headers of the LLM proxy. Model output is untrusted, so every
// proxied call names the session it is delivered into.
const (
	sessionIDHeader    = "X-Session-ID"
	sessionStateHeader = "X-Session-State"
)

// Proxy handles POST /v1/proxy/{provider}/{path}
func (h *Handler) Proxy(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		writeMessage(w, http.StatusBadRequest, "invalid_request", sessionIDHeader+" header is required")
		return
	}
	vars := mux.Vars(r)
	handle, err := h.providers.SelectConfigured(vars["provider"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid_request", "reading request body: "+err.Error())
		return
	}

	path := "/" + vars["path"]
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	resp, err := handle.Adapter.Forward(r.Context(), &dispatch.Request{
		Method: r.Method,
		Path:   path,
		Header: r.Header.Clone(),
		Body:   body,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	caller, _ := auth.AgentFrom(r.Context())
	tc := h.sessions.Get(caller.SessionKey(sessionID))
	state := tc.State()
	if resp.StatusCode < http.StatusBadRequest {
		var tainted bool
		state, tainted = tc.Observe(trust.Observation{
			Label:  trust.Untrusted,
			Source: handle.Provider + "/" + handle.Version,
		})
		if tainted {
			h.logger.Info("session tainted by model output",
				zap.String("session_id", sessionID),
				zap.String("agent_id", caller.AgentID),
				zap.String("provider", handle.Provider),
			)
		}
	}

	h.logger.Debug("proxied provider request",
		zap.String("request_id", requestIDFrom(r.Context())),
		zap.String("provider", handle.Provider),
		zap.String("version", handle.Version),
		zap.Int("status", resp.StatusCode),
		zap.String("session_state", state.String()),
	)
	for k, vs := range resp.Header {
		if hopHeaders[k] {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(sessionStateHeader, state.String())
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// GetSessionTrust handles GET /v1/sessions/{session_id}/trust
func (h *Handler) GetSessionTrust(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["session_id"]
	caller, _ := auth.AgentFrom(r.Context())
	tc, ok := h.sessions.Lookup(caller.SessionKey(id))
	if !ok {
		writeMessage(w, http.StatusNotFound, "not_found", "unknown session")
		return
	}
	snap := tc.Snapshot()
	snap.SessionID = id
	writeJSON(w, http.StatusOK, snap)
}

// ResetSession handles POST /v1/sessions/{session_id}/reset
func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["session_id"]
	caller, _ := auth.AgentFrom(r.Context())
	existed := h.sessions.Reset(caller.SessionKey(id))
	h.logger.Info("session reset",
		zap.String("session_id", id),
		zap.String("agent_id", caller.AgentID),
		zap.Bool("existed", existed),
	)
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "reset": existed})
}

// InvalidateRequest names the snapshots to drop.
type InvalidateRequest struct {
	AgentToolIDs []string `json:"agent_tool_ids"`
	All          bool     `json:"all"`
}

// InvalidatePolicies handles POST /internal/policies/invalidate
func (h *Handler) InvalidatePolicies(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	switch {
	case req.All:
		h.policies.InvalidateAll()
	case len(req.AgentToolIDs) > 0:
		h.policies.Invalidate(req.AgentToolIDs...)
	default:
		writeMessage(w, http.StatusBadRequest, "invalid_request", "agent_tool_ids or all is required")
		return
	}

	if h.publisher != nil {
		ids := req.AgentToolIDs
		if req.All {
			ids = nil
		}
		if err := h.publisher.Publish(r.Context(), ids...); err != nil {
			h.logger.Warn("publishing policy invalidation failed, peers rely on staleness bound", zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateDefaultsRequest is a bulk edit of AgentTool defaults.
type UpdateDefaultsRequest struct {
	AgentToolIDs []string `json:"agent_tool_ids"`
	policystore.DefaultsPatch
}

// UpdateDefaults handles PATCH /internal/agent-tools/defaults
func (h *Handler) UpdateDefaults(w http.ResponseWriter, r *http.Request) {
	var req UpdateDefaultsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.AgentToolIDs) == 0 {
		writeMessage(w, http.StatusBadRequest, "invalid_request", "agent_tool_ids is required")
		return
	}
	if req.AllowUsageWhenUntrustedDataIsPresent == nil && req.ToolResultTreatment == nil {
		writeMessage(w, http.StatusBadRequest, "invalid_request", "nothing to update")
		return
	}
	if req.ToolResultTreatment != nil {
		if _, err := policy.ParseTreatment(string(*req.ToolResultTreatment)); err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}

	res, err := h.policies.UpdateDefaults(r.Context(), req.AgentToolIDs, req.DefaultsPatch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
