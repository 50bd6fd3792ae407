package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeed_Defaults(t *testing.T) {
	sd, err := ParseSeed(nil)
	require.NoError(t, err)
	assert.Len(t, sd.Rulesets, 3)
	assert.Len(t, sd.Policies, 5)

	agents := map[string]bool{}
	for _, p := range sd.Policies {
		agents[p.AgentID] = p.Enabled
	}
	for _, a := range []string{"orchestrator", "delivery_agent", "item_agent", "quality_agent", "vehicle_agent"} {
		assert.True(t, agents[a], a)
	}
}

func TestLoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	doc := `
rulesets:
  - ruleset_id: rs_limit
    type: tool_validation
    enabled: true
    tool_name: search
    rules:
      max_results: 25
      rego: |
        package tool
        default allow = true
policies:
  - policy_id: p_search
    agent_id: search_agent
    enabled: true
    tool_validation_rulesets: [rs_limit]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	sd, err := LoadSeedFile(path)
	require.NoError(t, err)
	require.Len(t, sd.Rulesets, 1)
	assert.Equal(t, 25, sd.Rulesets[0].Rules.MaxResults)
	assert.Contains(t, sd.Rulesets[0].Rules.Rego, "package tool")

	ms := NewMemoryStore()
	require.NoError(t, Seed(context.Background(), ms, sd))
	p, err := ms.PolicyForAgent(context.Background(), "search_agent")
	require.NoError(t, err)
	assert.Equal(t, []string{"rs_limit"}, p.ToolRulesets)
}

func TestLoadSeedFile_Errors(t *testing.T) {
	_, err := LoadSeedFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = ParseSeed([]byte("rulesets: [unterminated"))
	assert.Error(t, err)

	sd, err := LoadSeedFile("")
	require.NoError(t, err)
	assert.Len(t, sd.Policies, 5)
}

func TestParseSeed_EnabledDefaultsToTrue(t *testing.T) {
	doc := `
rulesets:
  - ruleset_id: rs_a
    type: tool_validation
    tool_name: search
    rules:
      max_results: 5
  - ruleset_id: rs_b
    type: tool_validation
    enabled: false
    tool_name: fetch
policies:
  - policy_id: p_a
    agent_id: search_agent
    tool_validation_rulesets: [rs_a, rs_b]
`
	sd, err := ParseSeed([]byte(doc))
	require.NoError(t, err)
	assert.True(t, sd.Rulesets[0].Enabled)
	assert.False(t, sd.Rulesets[1].Enabled)
	assert.True(t, sd.Policies[0].Enabled)

	ms := NewMemoryStore()
	require.NoError(t, Seed(context.Background(), ms, sd))
	snap, err := Resolve(context.Background(), ms, "search_agent", time.Now())
	require.NoError(t, err)
	require.True(t, snap.Enabled)
	_, ok := snap.ToolRuleFor("search")
	assert.True(t, ok)
	_, ok = snap.ToolRuleFor("fetch")
	assert.False(t, ok)
}
