package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func seededRedisStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr, rdb := newRedis(t)
	rs := NewRedisStore(rdb)
	sd, err := ParseSeed(nil)
	require.NoError(t, err)
	require.NoError(t, Seed(context.Background(), rs, sd))
	return mr, rs
}

func TestRedisStore_SeedAndResolve(t *testing.T) {
	_, rs := seededRedisStore(t)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	snap, err := Resolve(context.Background(), rs, "orchestrator", now)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "policy_orchestrator", snap.PolicyID)
	assert.True(t, snap.Enabled)
	require.Len(t, snap.Prompt, 1)
	assert.Contains(t, snap.Prompt[0].Template, "{prompt}")

	tr, ok := snap.ToolRuleFor("call_remote_agent")
	require.True(t, ok)
	assert.Equal(t, []string{"Delivery Agent", "Item Agent", "Quality Agent", "Vehicle Agent"}, tr.AllowedValues)
	assert.Equal(t, "agent_name", tr.ValuesArgument)
	assert.Equal(t, 500, tr.MaxLength)
	assert.Equal(t, "task", tr.LengthArgument)
	assert.Equal(t, 10, tr.RateLimit)
	assert.Equal(t, time.Minute, tr.RateWindow)

	require.Len(t, snap.Response, 1)
	assert.Contains(t, snap.Response[0].BlockedKeywords, "password")
}

func TestRedisStore_AgentWithoutRulesets(t *testing.T) {
	_, rs := seededRedisStore(t)
	snap, err := Resolve(context.Background(), rs, "vehicle_agent", time.Now())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Empty(t, snap.Prompt)
	assert.Empty(t, snap.Tool)
}

func TestRedisStore_UnknownAgent(t *testing.T) {
	_, rs := seededRedisStore(t)
	snap, err := Resolve(context.Background(), rs, "nobody", time.Now())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestRedisStore_FallsBackToScanWithoutIndex(t *testing.T) {
	mr, rs := seededRedisStore(t)
	mr.Del("policies:agent:orchestrator")

	p, err := rs.PolicyForAgent(context.Background(), "orchestrator")
	require.NoError(t, err)
	assert.Equal(t, "policy_orchestrator", p.ID)
}

func TestRedisStore_DashboardWrittenHashes(t *testing.T) {
	mr, rdb := newRedis(t)
	mr.HSet("rulesets:r1", "type", "tool_validation", "tool_name", "lookup", "rules", `{"max_results":20}`)
	mr.HSet("policies:p1", "agent_id", "item_agent", "tool_validation_rulesets", `["r1","missing"]`)
	_, err := mr.SAdd("policies:all", "p1")
	require.NoError(t, err)

	snap, err := Resolve(context.Background(), NewRedisStore(rdb), "item_agent", time.Now())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, snap.Enabled, "enabled defaults to true")
	tr, ok := snap.ToolRuleFor("lookup")
	require.True(t, ok)
	assert.Equal(t, 20, tr.MaxResults)
	assert.Len(t, snap.Tool, 1, "dangling ids are skipped")
}

func TestRedisStore_SkipsDisabledRulesets(t *testing.T) {
	mr, rs := seededRedisStore(t)
	mr.HSet("rulesets:ruleset_prompt_orchestrator", "enabled", "false")

	snap, err := Resolve(context.Background(), rs, "orchestrator", time.Now())
	require.NoError(t, err)
	assert.Empty(t, snap.Prompt)
	assert.Len(t, snap.Tool, 1)
	assert.Len(t, snap.Response, 1)
}

func TestRedisStore_UnreadableRulesDenyTheirCalls(t *testing.T) {
	mr, rs := seededRedisStore(t)
	mr.HSet("rulesets:ruleset_tool_call_remote_agent", "rules", "{not json")

	snap, err := Resolve(context.Background(), rs, "orchestrator", time.Now())
	require.NoError(t, err)
	tr, ok := snap.ToolRuleFor("call_remote_agent")
	require.True(t, ok, "unreadable rulesets stay in the snapshot")
	assert.NotEmpty(t, tr.Invalid)

	ev, _, _ := newEvaluator(rs, constVerdict("PASS"))
	d := ev.EvaluateTool(context.Background(), "orchestrator", "call_remote_agent", map[string]any{"agent_name": "Evil Agent"})
	assert.Equal(t, Violation, d.Verdict)
	assert.Equal(t, CodeInvalidRule, d.Code)
	assert.Equal(t, "ruleset_tool_call_remote_agent", d.RulesetID)
}

func TestRedisStore_UnreadableRulesetListFailsClosed(t *testing.T) {
	mr, rs := seededRedisStore(t)
	mr.HSet("policies:policy_orchestrator", "tool_validation_rulesets", "ruleset_tool_call_remote_agent")

	_, err := Resolve(context.Background(), rs, "orchestrator", time.Now())
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	ev, _, _ := newEvaluator(rs, constVerdict("PASS"))
	d := ev.EvaluateTool(context.Background(), "orchestrator", "call_remote_agent", map[string]any{"agent_name": "Evil Agent"})
	assert.Equal(t, Violation, d.Verdict)
	assert.Equal(t, CodePolicyUnavailable, d.Code)

	// a corrupt policy of another agent does not block the scan
	mr.Del("policies:agent:item_agent")
	snap, err := Resolve(context.Background(), rs, "item_agent", time.Now())
	require.NoError(t, err)
	assert.NotNil(t, snap)
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr, rs := seededRedisStore(t)
	mr.SetError("LOADING")

	_, err := Resolve(context.Background(), rs, "orchestrator", time.Now())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestRedisCounter_FixedWindow(t *testing.T) {
	mr, rdb := newRedis(t)
	c := NewRedisCounter(rdb)
	ctx := context.Background()
	start := time.Unix(1_700_000_040, 0)

	for want := int64(1); want <= 3; want++ {
		n, err := c.Incr(ctx, rateKey("orchestrator", "call_remote_agent"), start, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	key := "ratelimit:12:orchestrator|call_remote_agent:1700000040"
	assert.True(t, mr.Exists(key))
	ttl := mr.TTL(key)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)

	n, err := c.Incr(ctx, rateKey("orchestrator", "call_remote_agent"), start.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists(key), "windows expire on their own")
}

func TestRedisCounter_Unavailable(t *testing.T) {
	mr, rdb := newRedis(t)
	mr.SetError("READONLY")
	_, err := NewRedisCounter(rdb).Incr(context.Background(), "k", time.Now(), time.Minute)
	assert.Error(t, err)
}

func TestMemoryCounter_ConcurrentIncrements(t *testing.T) {
	c := NewMemoryCounter()
	start := windowStart(time.Now(), time.Minute)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var highest int64
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, _ := c.Incr(context.Background(), "a|t", start, time.Minute)
			mu.Lock()
			if n > highest {
				highest = n
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), highest)
}

func TestMemoryCounter_WindowsAndSweep(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()
	w0 := time.Unix(1_700_000_040, 0)

	n, _ := c.Incr(ctx, "a|t", w0, time.Minute)
	assert.Equal(t, int64(1), n)
	n, _ = c.Incr(ctx, "b|t", w0, time.Minute)
	assert.Equal(t, int64(1), n, "keys are independent")

	n, _ = c.Incr(ctx, "a|t", w0.Add(time.Minute), time.Minute)
	assert.Equal(t, int64(1), n)

	slots := 0
	c.slots.Range(func(_, _ any) bool { slots++; return true })
	assert.Equal(t, 1, slots, "expired windows are swept")
}

func TestRateKey_SeparatorInIDs(t *testing.T) {
	assert.NotEqual(t, rateKey("a|b", "c"), rateKey("a", "b|c"))

	c := NewMemoryCounter()
	start := windowStart(time.Now(), time.Minute)
	n, _ := c.Incr(context.Background(), rateKey("a|b", "c"), start, time.Minute)
	assert.Equal(t, int64(1), n)
	n, _ = c.Incr(context.Background(), rateKey("a", "b|c"), start, time.Minute)
	assert.Equal(t, int64(1), n)
}

func TestWindowStart(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 59, 999, time.UTC)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), windowStart(ts, time.Minute))
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 50, 0, time.UTC), windowStart(ts, 10*time.Second))
}

func TestSeedIfEmpty(t *testing.T) {
	_, rdb := newRedis(t)
	rs := NewRedisStore(rdb)
	ctx := context.Background()
	sd, err := ParseSeed(nil)
	require.NoError(t, err)

	applied, err := SeedIfEmpty(ctx, rs, sd)
	require.NoError(t, err)
	assert.True(t, applied)

	require.NoError(t, rs.PutPolicy(ctx, Policy{ID: "policy_orchestrator", AgentID: "orchestrator", Enabled: false}))
	applied, err = SeedIfEmpty(ctx, rs, sd)
	require.NoError(t, err)
	assert.False(t, applied)

	p, err := rs.PolicyForAgent(ctx, "orchestrator")
	require.NoError(t, err)
	assert.False(t, p.Enabled, "operator edits survive a second seed")
}
