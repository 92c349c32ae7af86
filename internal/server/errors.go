package server

import (
	"encoding/json"
	"net/http"
)

// Error codes returned by gateway middleware and the proxy. Downstream
// application errors are relayed verbatim and never carry these codes.
const (
	CodeMissingCredential    = "missing_credential"
	CodeInvalidCredential    = "invalid_credential"
	CodeMissingTenantContext = "missing_tenant_context"
	CodeRateLimitExceeded    = "rate_limit_exceeded"
	CodeServiceUnavailable   = "service_unavailable"
	CodeRouteNotFound        = "route_not_found"
	CodeMethodNotAllowed     = "method_not_allowed"
)

type errorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Service       string `json:"service,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// WriteError writes the gateway's JSON error envelope. The correlation id is
// taken from the request context so every error response can be matched to
// backend logs.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeErrorEnvelope(w, r, status, errorBody{Code: code, Message: message})
}

// WriteServiceError is WriteError with the target downstream service named
// in the body, used for rate-limit and proxy failures.
func WriteServiceError(w http.ResponseWriter, r *http.Request, status int, code, message, service string) {
	writeErrorEnvelope(w, r, status, errorBody{Code: code, Message: message, Service: service})
}

func writeErrorEnvelope(w http.ResponseWriter, r *http.Request, status int, body errorBody) {
	body.CorrelationID = GetCorrelationID(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: body})
}
