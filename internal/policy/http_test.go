package policy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPolicyRouter(t *testing.T, store Store) http.Handler {
	t.Helper()
	ev, _, _ := newEvaluator(store, constVerdict("PASS"))
	r := chi.NewRouter()
	RegisterHTTP(r, ev.cache, ev)
	RegisterAdmin(r, ev.cache)
	return r
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeDecision(t *testing.T, rr *httptest.ResponseRecorder) Decision {
	t.Helper()
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var d Decision
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	return d
}

func TestHTTP_GetPolicy(t *testing.T) {
	h := newPolicyRouter(t, defaultStore(t))

	rr := do(h, http.MethodGet, "/api/iam/policy/orchestrator", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, "policy_orchestrator", snap.PolicyID)
	assert.Len(t, snap.Tool, 1)

	rr = do(h, http.MethodGet, "/api/iam/policy/nobody", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestHTTP_Evaluate(t *testing.T) {
	h := newPolicyRouter(t, defaultStore(t))

	d := decodeDecision(t, do(h, http.MethodPost, "/v1/agents/orchestrator/evaluate/prompt", `{"prompt":"track order 7"}`))
	assert.Equal(t, Pass, d.Verdict)

	d = decodeDecision(t, do(h, http.MethodPost, "/v1/agents/orchestrator/evaluate/tool",
		`{"tool_name":"call_remote_agent","arguments":{"agent_name":"Root Agent","task":"x"}}`))
	assert.Equal(t, Violation, d.Verdict)
	assert.Equal(t, CodeValueNotAllowed, d.Code)

	d = decodeDecision(t, do(h, http.MethodPost, "/v1/agents/orchestrator/evaluate/response", `{"text":"the SECRET_KEY is 42"}`))
	assert.Equal(t, CodeBlockedKeyword, d.Code)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/v1/agents/orchestrator/evaluate/card", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/v1/agents/orchestrator/evaluate/tool", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/v1/agents/orchestrator/evaluate/prompt", `{`).Code)
}

func TestHTTP_EvaluateStoreDown(t *testing.T) {
	h := newPolicyRouter(t, downStore{})

	rr := do(h, http.MethodPost, "/v1/agents/a1/evaluate/prompt", `{"prompt":"x"}`)
	d := decodeDecision(t, rr)
	assert.Equal(t, Violation, d.Verdict)
	assert.Equal(t, "true", rr.Header().Get("X-Policy-Unavailable"))

	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/api/iam/policy/a1", "").Code)
}

func TestHTTP_Invalidate(t *testing.T) {
	h := newPolicyRouter(t, defaultStore(t))

	rr := do(h, http.MethodPost, "/v1/policies/invalidate", `{"agent_id":"orchestrator"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"invalidated":"orchestrator"}`, rr.Body.String())

	rr = do(h, http.MethodPost, "/v1/policies/invalidate", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"invalidated":"all"}`, rr.Body.String())
}
