package api

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/auth"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
	"go.uber.org/zap"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
	RuleID  string `json:"rule_id,omitempty"`
}

// statusOf maps an error kind to its HTTP status.
func statusOf(err error) int {
	if errors.Is(err, auth.ErrUnauthenticated) {
		return http.StatusUnauthorized
	}
	switch gwerr.Kind(err) {
	case "policy_violation":
		return http.StatusForbidden
	case "invalid_arguments":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "store_unavailable":
		return http.StatusServiceUnavailable
	case "upstream_error":
		if ue, ok := gwerr.AsUpstream(err); ok && ue.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	body := errorBody{Error: gwerr.Kind(err), Message: err.Error()}
	switch {
	case status == http.StatusUnauthorized:
		body.Error, body.Message = "unauthenticated", "invalid api key"
	case status >= 500:
		// Internal detail stays in the logs.
		body.Message = http.StatusText(status)
		h.logger.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.String("error_kind", body.Error),
			zap.Error(err),
		)
	}
	if pv, ok := gwerr.AsPolicyViolation(err); ok {
		body.Reason, body.RuleID = pv.Reason, pv.RuleID
	}
	writeJSON(w, status, body)
}

func writeMessage(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: kind, Message: message})
}
