package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore reads the layout written by the admin dashboard:
//
//	rulesets:<id>        hash, "rules" is a JSON object
//	policies:<id>        hash, *_rulesets are JSON arrays of ruleset ids
//	rulesets:all         set of ruleset ids
//	policies:all         set of policy ids
//	policies:agent:<id>  policy id for an agent (written by PutPolicy)
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore { return &RedisStore{rdb: rdb} }

func (s *RedisStore) PolicyForAgent(ctx context.Context, agentID string) (Policy, error) {
	id, err := s.rdb.Get(ctx, "policies:agent:"+agentID).Result()
	switch {
	case err == nil:
		p, err := s.policy(ctx, id)
		if err == nil && p.AgentID == agentID {
			return p, nil
		}
		if err != nil && !errors.Is(err, ErrPolicyNotFound) {
			return Policy{}, err
		}
	case !errors.Is(err, redis.Nil):
		return Policy{}, unavailable(err)
	}

	// index missing or stale: scan like the dashboard does
	ids, err := s.rdb.SMembers(ctx, "policies:all").Result()
	if err != nil {
		return Policy{}, unavailable(err)
	}
	for _, id := range ids {
		p, err := s.policy(ctx, id)
		if errors.Is(err, ErrPolicyNotFound) {
			continue
		}
		if err != nil {
			if p.AgentID != "" && p.AgentID != agentID {
				continue
			}
			return Policy{}, err
		}
		if p.AgentID == agentID {
			return p, nil
		}
	}
	return Policy{}, ErrPolicyNotFound
}

func (s *RedisStore) policy(ctx context.Context, id string) (Policy, error) {
	h, err := s.rdb.HGetAll(ctx, "policies:"+id).Result()
	if err != nil {
		return Policy{}, unavailable(err)
	}
	if len(h) == 0 {
		return Policy{}, ErrPolicyNotFound
	}
	p := Policy{
		ID:      firstNonEmpty(h["policy_id"], id),
		AgentID: h["agent_id"],
		Name:    h["name"],
		Enabled: parseBool(h["enabled"], true),
	}
	for _, f := range []struct {
		field string
		dst   *[]string
	}{
		{"prompt_validation_rulesets", &p.PromptRulesets},
		{"tool_validation_rulesets", &p.ToolRulesets},
		{"response_filtering_rulesets", &p.ResponseRulesets},
	} {
		ids, err := idList(h[f.field])
		if err != nil {
			// the agent id is still returned so a scan can tell whose policy is unreadable
			return Policy{AgentID: p.AgentID}, unavailable(fmt.Errorf("policy %s: %s: %v", p.ID, f.field, err))
		}
		*f.dst = ids
	}
	return p, nil
}

func (s *RedisStore) Ruleset(ctx context.Context, id string) (Ruleset, error) {
	h, err := s.rdb.HGetAll(ctx, "rulesets:"+id).Result()
	if err != nil {
		return Ruleset{}, unavailable(err)
	}
	if len(h) == 0 {
		return Ruleset{}, ErrRulesetNotFound
	}
	rs := Ruleset{
		ID:          firstNonEmpty(h["ruleset_id"], id),
		Name:        h["name"],
		Type:        RulesetType(h["type"]),
		Description: h["description"],
		Enabled:     parseBool(h["enabled"], true),
		Template:    h["system_prompt"],
		Model:       h["model"],
		ToolName:    h["tool_name"],
	}
	if raw := h["rules"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rs.Rules); err != nil {
			rs.Rules = Rules{}
			rs.Invalid = "unreadable rules: " + err.Error()
		}
	}
	return rs, nil
}

func (s *RedisStore) PutRuleset(ctx context.Context, rs Ruleset) error {
	rules, err := json.Marshal(rs.Rules)
	if err != nil {
		return err
	}
	fields := map[string]any{
		"ruleset_id":    rs.ID,
		"name":          rs.Name,
		"type":          string(rs.Type),
		"description":   rs.Description,
		"enabled":       strconv.FormatBool(rs.Enabled),
		"system_prompt": rs.Template,
		"model":         rs.Model,
		"tool_name":     rs.ToolName,
		"rules":         string(rules),
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, "rulesets:"+rs.ID, fields)
		pipe.SAdd(ctx, "rulesets:all", rs.ID)
		return nil
	})
	return err
}

func (s *RedisStore) PutPolicy(ctx context.Context, p Policy) error {
	enc := func(ids []string) string {
		if ids == nil {
			ids = []string{}
		}
		b, _ := json.Marshal(ids)
		return string(b)
	}
	fields := map[string]any{
		"policy_id":                   p.ID,
		"agent_id":                    p.AgentID,
		"name":                        p.Name,
		"enabled":                     strconv.FormatBool(p.Enabled),
		"prompt_validation_rulesets":  enc(p.PromptRulesets),
		"tool_validation_rulesets":    enc(p.ToolRulesets),
		"response_filtering_rulesets": enc(p.ResponseRulesets),
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, "policies:"+p.ID, fields)
		pipe.SAdd(ctx, "policies:all", p.ID)
		pipe.Set(ctx, "policies:agent:"+p.AgentID, p.ID, 0)
		return nil
	})
	return err
}

func (s *RedisStore) HasPolicies(ctx context.Context) (bool, error) {
	n, err := s.rdb.SCard(ctx, "policies:all").Result()
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

func idList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func parseBool(v string, def bool) bool {
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return def
	}
	return b
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
