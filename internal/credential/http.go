package credential

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"attager/pkg/principal"
	"attager/pkg/problems"
)

// RegisterHTTP mounts the login endpoint.
// POST /token  form: username, password  ->  { access_token, token_type, expires_in }
func RegisterHTTP(r chi.Router, iss *Issuer) {
	r.Post("/token", func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseForm(); err != nil {
			problems.Write(w, http.StatusBadRequest, "malformed-input", "Malformed form body", "")
			return
		}
		user := strings.TrimSpace(req.PostForm.Get("username"))
		pass := req.PostForm.Get("password")
		if user == "" || pass == "" {
			problems.Write(w, http.StatusBadRequest, "malformed-input", "username and password are required", "")
			return
		}
		cred, err := iss.Issue(req.Context(), user, pass)
		switch {
		case errors.Is(err, ErrIdentityUnavailable):
			problems.Write(w, http.StatusServiceUnavailable, "identity-unavailable", "Identity store unavailable", "")
			return
		case err != nil:
			w.Header().Set("WWW-Authenticate", "Bearer")
			problems.Write(w, http.StatusUnauthorized, "invalid-credentials", "Incorrect username or password", "")
			return
		}
		problems.JSON(w, http.StatusOK, map[string]any{
			"access_token": cred.Token,
			"token_type":   "bearer",
			"expires_in":   int(cred.ExpiresAt.Sub(cred.IssuedAt).Seconds()),
		})
	})
}

// RegisterProtected mounts endpoints that expect an authenticated principal
// on the request context.
// GET /users/me                    -> { email, tenant }
// GET /v1/tenants/{tenant}/access  -> 200 when the caller holds {tenant}
func RegisterProtected(r chi.Router) {
	r.Get("/users/me", func(w http.ResponseWriter, req *http.Request) {
		p, ok := principal.From(req.Context())
		if !ok {
			problems.Write(w, http.StatusUnauthorized, "unauthenticated", "Authentication required", "")
			return
		}
		problems.JSON(w, http.StatusOK, map[string]any{
			"email":  p.Subject,
			"tenant": p.Tenants.Sorted(),
		})
	})
	r.Get("/v1/tenants/{tenant}/access", func(w http.ResponseWriter, req *http.Request) {
		p, ok := principal.From(req.Context())
		if !ok {
			problems.Write(w, http.StatusUnauthorized, "unauthenticated", "Authentication required", "")
			return
		}
		tenant := chi.URLParam(req, "tenant")
		if !p.HasTenant(tenant) {
			problems.Write(w, http.StatusForbidden, "tenant-forbidden", "Tenant not granted", "the credential does not include tenant "+tenant)
			return
		}
		problems.JSON(w, http.StatusOK, map[string]any{"subject": p.Subject, "tenant": tenant, "granted": true})
	})
}
