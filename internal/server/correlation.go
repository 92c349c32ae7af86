package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// CorrelationHeader carries the correlation id on both inbound and outbound
// requests.
const CorrelationHeader = "X-Correlation-ID"

// correlationKey is the context key for correlation ids.
type correlationKey struct{}

// CorrelationMiddleware threads a correlation id through each request. An
// inbound X-Correlation-ID is reused verbatim; otherwise a fresh UUID is
// generated. The id is stored in the context and set as a response header
// before any handler runs.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if id == "" {
			id = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), correlationKey{}, id)
		w.Header().Set(CorrelationHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID retrieves the correlation id from context.
// Returns an empty string if the middleware has not run.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}
