package policy

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter is a fixed-window call counter. Incr adds one to the counter for
// key in the window beginning at windowStart and returns the new count.
// Denied calls are counted too; nothing is ever decremented.
type Counter interface {
	Incr(ctx context.Context, key string, windowStart time.Time, window time.Duration) (int64, error)
}

// rateKey length-prefixes the agent id so ids containing the separator cannot
// share a counter.
func rateKey(agentID, toolName string) string {
	return strconv.Itoa(len(agentID)) + ":" + agentID + "|" + toolName
}

// windowStart aligns t to the start of its fixed window.
func windowStart(t time.Time, window time.Duration) time.Time { return t.Truncate(window) }

// MemoryCounter keeps counters in process. Each (key, window) slot is an
// independent atomic, so different agents and tools never contend.
type MemoryCounter struct {
	slots     sync.Map // slotKey -> *slot
	lastSweep atomic.Int64
}

type slotKey struct {
	key   string
	start int64
}

type slot struct {
	n       atomic.Int64
	expires int64
}

func NewMemoryCounter() *MemoryCounter { return &MemoryCounter{} }

func (m *MemoryCounter) Incr(_ context.Context, key string, start time.Time, window time.Duration) (int64, error) {
	sk := slotKey{key: key, start: start.UnixNano()}
	v, ok := m.slots.Load(sk)
	if !ok {
		v, _ = m.slots.LoadOrStore(sk, &slot{expires: start.Add(window).UnixNano()})
	}
	n := v.(*slot).n.Add(1)
	m.sweep(start)
	return n, nil
}

// sweep drops slots whose window ended before now, at most once per window
// start observed.
func (m *MemoryCounter) sweep(now time.Time) {
	ts := now.UnixNano()
	last := m.lastSweep.Load()
	if ts <= last || !m.lastSweep.CompareAndSwap(last, ts) {
		return
	}
	m.slots.Range(func(k, v any) bool {
		if v.(*slot).expires <= ts {
			m.slots.Delete(k)
		}
		return true
	})
}

// fixedWindowScript increments a window counter and sets its expiry on first
// use so abandoned windows clean themselves up.
// KEYS[1] = counter key, ARGV[1] = window length in milliseconds
var fixedWindowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisCounter shares counters between policy-service replicas.
type RedisCounter struct {
	rdb *redis.Client
}

func NewRedisCounter(rdb *redis.Client) *RedisCounter { return &RedisCounter{rdb: rdb} }

func (r *RedisCounter) Incr(ctx context.Context, key string, start time.Time, window time.Duration) (int64, error) {
	k := "ratelimit:" + key + ":" + strconv.FormatInt(start.Unix(), 10)
	n, err := fixedWindowScript.Run(ctx, r.rdb, []string{k}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis rate counter: %w", err)
	}
	return n, nil
}
