package credential_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"attager/internal/credential"
	"attager/pkg/keyring"
	"attager/pkg/middleware"
	"attager/pkg/tenants"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := zap.NewNop().Sugar()
	rec := func(sub, pw string, c tenants.Claim) tenants.Record {
		h, err := tenants.HashPassword(pw, bcrypt.MinCost)
		require.NoError(t, err)
		return tenants.Record{Subject: sub, Tenants: c, PasswordHash: h}
	}
	store := tenants.NewMemoryProvider(log,
		rec("user@example.com", "password123", tenants.Single("customer-service")),
		rec("admin@example.com", "admin123", tenants.Multiple("logistics", "customer-service")),
	)
	keys, err := keyring.New("HS256", "k1", "secret", "")
	require.NoError(t, err)
	iss, err := credential.NewIssuer(store, keys, log, credential.WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)
	ver := credential.NewVerifier(store, keys, log)

	r := chi.NewRouter()
	credential.RegisterHTTP(r, iss)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(ver, log))
		credential.RegisterProtected(r)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func login(t *testing.T, srv *httptest.Server, user, pass string) (string, int) {
	t.Helper()
	resp, err := http.PostForm(srv.URL+"/token", url.Values{"username": {user}, "password": {pass}})
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode == http.StatusOK {
		assert.Equal(t, "bearer", body.TokenType)
	}
	return body.AccessToken, resp.StatusCode
}

func get(t *testing.T, srv *httptest.Server, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestTokenEndpoint(t *testing.T) {
	srv := newServer(t)

	tok, code := login(t, srv, "user@example.com", "password123")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, strings.Count(tok, "."))

	_, code = login(t, srv, "user@example.com", "nope")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestUsersMe(t *testing.T) {
	srv := newServer(t)
	tok, _ := login(t, srv, "admin@example.com", "admin123")

	resp := get(t, srv, "/users/me", tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me struct {
		Email  string   `json:"email"`
		Tenant []string `json:"tenant"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	assert.Equal(t, "admin@example.com", me.Email)
	assert.Equal(t, []string{"customer-service", "logistics"}, me.Tenant)

	assert.Equal(t, http.StatusUnauthorized, get(t, srv, "/users/me", "garbage").StatusCode)
}

func TestTenantGatedEndpoint(t *testing.T) {
	srv := newServer(t)
	admin, _ := login(t, srv, "admin@example.com", "admin123")
	user, _ := login(t, srv, "user@example.com", "password123")

	assert.Equal(t, http.StatusOK, get(t, srv, "/v1/tenants/logistics/access", admin).StatusCode)
	assert.Equal(t, http.StatusForbidden, get(t, srv, "/v1/tenants/logistics/access", user).StatusCode)
	assert.Equal(t, http.StatusOK, get(t, srv, "/v1/tenants/customer-service/access", user).StatusCode)
}
