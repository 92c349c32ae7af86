package server

import (
	"net/http"
)

// TenantMiddleware asserts that the authenticated principal carries a tenant
// claim before a tenant-scoped route proceeds. It must run after
// AuthMiddleware. Presence is all it checks; confirming the tenant is active
// belongs to the tenant service.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac := GetAuth(r.Context())
		if ac == nil || ac.TenantID == "" {
			WriteError(w, r, http.StatusBadRequest, CodeMissingTenantContext, "request has no tenant context")
			return
		}
		AddLogField(r.Context(), "tenant_id", ac.TenantID)
		next.ServeHTTP(w, r)
	})
}
