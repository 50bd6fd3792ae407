package problems

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestType_UsesProblemBase(t *testing.T) {
	t.Setenv("PROBLEM_BASE_URL", "https://errors.test/p/")
	assert.Equal(t, "https://errors.test/p/expired", Type("expired"))
}

func TestType_FallsBackToPublicURL(t *testing.T) {
	t.Setenv("PROBLEM_BASE_URL", "")
	t.Setenv("BASE_PUBLIC_URL", "https://api.test")
	assert.Equal(t, "https://api.test/problems/x", Type("x"))
}

func TestWrite(t *testing.T) {
	t.Setenv("PROBLEM_BASE_URL", "https://errors.test")
	rec := httptest.NewRecorder()
	Write(rec, http.StatusForbidden, "tenant-mismatch", "Tenant mismatch", "")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "https://errors.test/tenant-mismatch", p.Type)
	assert.Equal(t, http.StatusForbidden, p.Status)
}
