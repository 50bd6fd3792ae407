package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func rec(agent, verdict string) Record {
	return Record{AgentID: agent, PolicyType: "tool", Verdict: verdict, Timestamp: time.Unix(1_700_000_000, 0).UTC()}
}

func fastOpts() []Option {
	return []Option{WithBackoff(time.Millisecond, 5*time.Millisecond), WithTimeout(time.Second)}
}

func closeEmitter(t *testing.T, e *Emitter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))
}

func TestHTTPSink_RetriesThenDelivers(t *testing.T) {
	var calls atomic.Int32
	var got Record
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	e := NewEmitter(zap.NewNop().Sugar(), []Sink{NewHTTPSink(srv.URL+"/api/logs", srv.Client())},
		append(fastOpts(), WithRetries(3))...)
	e.Emit(Record{AgentID: "orchestrator", PolicyType: "prompt", Verdict: "VIOLATION", Reason: "unparseable verdict", TargetAgent: "delivery_agent"})
	closeEmitter(t, e)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, uint64(0), e.Failures())
	assert.Equal(t, "delivery_agent", got.TargetAgent)
}

func TestHTTPSink_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e := NewEmitter(zap.NewNop().Sugar(), []Sink{NewHTTPSink(srv.URL, srv.Client())}, append(fastOpts(), WithRetries(2))...)
	e.Emit(rec("a", "PASS"))
	closeEmitter(t, e)

	assert.Equal(t, int32(3), calls.Load(), "first attempt plus two retries")
	assert.Equal(t, uint64(1), e.Failures())
}

func TestHTTPSink_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	e := NewEmitter(zap.NewNop().Sugar(), []Sink{NewHTTPSink(srv.URL, srv.Client())}, append(fastOpts(), WithRetries(5))...)
	e.Emit(rec("a", "PASS"))
	closeEmitter(t, e)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(1), e.Failures())
}

type blockingSink struct {
	started chan struct{}
	release chan struct{}
}

func (blockingSink) Name() string { return "blocking" }

func (b blockingSink) Send(ctx context.Context, _ Record) error {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-b.release
	return nil
}

func TestEmit_NeverBlocksWhenQueueFull(t *testing.T) {
	sink := blockingSink{started: make(chan struct{}, 1), release: make(chan struct{})}
	e := NewEmitter(zap.NewNop().Sugar(), []Sink{sink}, append(fastOpts(), WithQueueSize(1))...)

	e.Emit(rec("a", "PASS"))
	<-sink.started
	e.Emit(rec("b", "PASS")) // queued
	start := time.Now()
	e.Emit(rec("c", "PASS")) // dropped
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, uint64(1), e.Failures())

	close(sink.release)
	closeEmitter(t, e)

	e.Emit(rec("d", "PASS"))
	assert.Equal(t, uint64(2), e.Failures(), "emit after close is dropped")
}

func TestRedisSink_PushesAndTrims(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	sink := NewRedisSink(rdb)
	sink.maxEntries = 2
	e := NewEmitter(zap.NewNop().Sugar(), []Sink{sink, NewLogSink(zap.NewNop().Sugar())}, fastOpts()...)
	for _, a := range []string{"a1", "a2", "a3"} {
		e.Emit(rec(a, "PASS"))
	}
	closeEmitter(t, e)

	items, err := rdb.LRange(context.Background(), "logs:all", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, items, 2)
	var newest Record
	require.NoError(t, json.Unmarshal([]byte(items[0]), &newest))
	assert.Equal(t, "a3", newest.AgentID)
	assert.Equal(t, uint64(0), e.Failures())
}
