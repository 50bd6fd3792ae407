// pkg/middleware/auth.go
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"attager/pkg/principal"
	"attager/pkg/problems"
)

// Verifier turns a bearer token into a principal.
type Verifier interface {
	Verify(ctx context.Context, raw string) (principal.Principal, error)
}

// Authenticate verifies the bearer token and stores the principal on the
// request context. Token and identity problems are 401, a tenant set that no
// longer matches the identity record is 403, and an unreachable identity store
// is 503.
func Authenticate(v Verifier, log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return authenticate(v, log, true)
}

// OptionalAuthenticate admits anonymous requests but still rejects a bearer
// token that does not verify.
func OptionalAuthenticate(v Verifier, log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return authenticate(v, log, false)
}

func authenticate(v Verifier, log *zap.SugaredLogger, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Bypass auth for health and metrics endpoints
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			raw, ok := bearer(r)
			if !ok {
				if !required {
					next.ServeHTTP(w, r)
					return
				}
				w.Header().Set("WWW-Authenticate", "Bearer")
				problems.Write(w, http.StatusUnauthorized, "missing-bearer", "Missing bearer token", "")
				return
			}
			p, err := v.Verify(r.Context(), raw)
			if err != nil {
				status, slug, title := authFailure(err)
				log.Infow("authentication rejected", "path", r.URL.Path, "reason", slug, "reqid", RequestIDFrom(r.Context()))
				if status == http.StatusUnauthorized {
					w.Header().Set("WWW-Authenticate", "Bearer")
				}
				problems.Write(w, status, slug, title, "")
				return
			}
			next.ServeHTTP(w, r.WithContext(principal.With(r.Context(), p)))
		})
	}
}

func bearer(r *http.Request) (string, bool) {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return "", false
	}
	raw := strings.TrimSpace(authz[len("Bearer "):])
	return raw, raw != ""
}

func authFailure(err error) (int, string, string) {
	switch {
	case errors.Is(err, principal.ErrExpired):
		return http.StatusUnauthorized, "credential-expired", "Credential expired"
	case errors.Is(err, principal.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid-signature", "Invalid credential signature"
	case errors.Is(err, principal.ErrMalformed):
		return http.StatusUnauthorized, "malformed-credential", "Malformed credential"
	case errors.Is(err, principal.ErrUnknownSubject):
		return http.StatusUnauthorized, "identity-not-found", "Identity not found"
	case errors.Is(err, principal.ErrTenantMismatch):
		return http.StatusForbidden, "tenant-mismatch", "Tenant mismatch"
	case errors.Is(err, principal.ErrUnavailable):
		return http.StatusServiceUnavailable, "identity-unavailable", "Identity store unavailable"
	default:
		return http.StatusUnauthorized, "invalid-credential", "Invalid credential"
	}
}
