// pkg/middleware/tenant.go
package middleware

import (
	"net/http"
	"strings"

	"attager/pkg/principal"
	"attager/pkg/problems"
)

// RequireAnyTenant admits principals holding at least one of tenants. It must
// run after Authenticate.
func RequireAnyTenant(tenants ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := principal.From(r.Context())
			if !ok {
				problems.Write(w, http.StatusUnauthorized, "unauthenticated", "Authentication required", "")
				return
			}
			if len(tenants) > 0 && !p.HasAnyTenant(tenants...) {
				problems.Write(w, http.StatusForbidden, "tenant-forbidden", "Tenant not granted",
					"requires one of: "+strings.Join(tenants, ", "))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
