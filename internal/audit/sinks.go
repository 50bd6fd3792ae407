package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// HTTPSink posts each record as JSON to the log server.
type HTTPSink struct {
	url string
	hc  *http.Client
}

func NewHTTPSink(url string, hc *http.Client) *HTTPSink {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPSink{url: url, hc: hc}
}

func (s *HTTPSink) Name() string { return "http" }

func (s *HTTPSink) Send(ctx context.Context, r Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode/100 == 2:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("log sink status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("log sink rejected record: status %d", resp.StatusCode))
	}
}

// RedisSink prepends records to the logs:all list, keeping the newest
// maxEntries.
type RedisSink struct {
	rdb        *redis.Client
	key        string
	maxEntries int64
}

func NewRedisSink(rdb *redis.Client) *RedisSink {
	return &RedisSink{rdb: rdb, key: "logs:all", maxEntries: 10000}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, r Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return backoff.Permanent(err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, s.key, body)
		pipe.LTrim(ctx, s.key, 0, s.maxEntries-1)
		return nil
	})
	return err
}

// LogSink writes records to the service log. It is the fallback when no
// other sink is configured.
type LogSink struct {
	log *zap.SugaredLogger
}

func NewLogSink(log *zap.SugaredLogger) *LogSink { return &LogSink{log: log} }

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, r Record) error {
	s.log.Infow("policy decision",
		"agent", r.AgentID, "policy_type", r.PolicyType, "verdict", r.Verdict,
		"reason", r.Reason, "code", r.Code, "tool", r.ToolName, "reqid", r.RequestID)
	return nil
}
