package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrPolicyNotFound   = errors.New("policy not found")
	ErrRulesetNotFound  = errors.New("ruleset not found")
	ErrStoreUnavailable = errors.New("policy store unavailable")
)

// Store is the read side of the policy store.
type Store interface {
	// PolicyForAgent returns ErrPolicyNotFound when the agent has no policy.
	PolicyForAgent(ctx context.Context, agentID string) (Policy, error)
	// Ruleset returns ErrRulesetNotFound for dangling ids.
	Ruleset(ctx context.Context, id string) (Ruleset, error)
}

// Writer is implemented by stores that can be seeded.
type Writer interface {
	PutRuleset(ctx context.Context, rs Ruleset) error
	PutPolicy(ctx context.Context, p Policy) error
}

// Resolve loads an agent's policy and its enabled rulesets. It returns
// (nil, nil) when the agent has no policy. Dangling and disabled rulesets and
// rulesets filed under the wrong type are skipped. Unreadable rulesets are
// kept with Invalid set.
func Resolve(ctx context.Context, s Store, agentID string, now time.Time) (*Snapshot, error) {
	p, err := s.PolicyForAgent(ctx, agentID)
	if errors.Is(err, ErrPolicyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	snap := &Snapshot{AgentID: agentID, PolicyID: p.ID, Enabled: p.Enabled, FetchedAt: now}

	load := func(ids []string, want RulesetType, add func(Ruleset)) error {
		for _, id := range ids {
			rs, err := s.Ruleset(ctx, id)
			if errors.Is(err, ErrRulesetNotFound) {
				continue
			}
			if err != nil {
				return unavailable(err)
			}
			if !rs.Enabled || rs.Type != want {
				continue
			}
			add(rs)
		}
		return nil
	}
	if err := load(p.PromptRulesets, PromptValidation, func(rs Ruleset) {
		snap.Prompt = append(snap.Prompt, PromptRule{RulesetID: rs.ID, Template: rs.Template, Model: rs.Model, Invalid: rs.Invalid})
	}); err != nil {
		return nil, err
	}
	if err := load(p.ToolRulesets, ToolValidation, func(rs Ruleset) {
		if rs.ToolName != "" {
			snap.Tool = append(snap.Tool, rs.toolRule())
		}
	}); err != nil {
		return nil, err
	}
	if err := load(p.ResponseRulesets, ResponseFiltering, func(rs Ruleset) {
		snap.Response = append(snap.Response, ResponseRule{RulesetID: rs.ID, BlockedKeywords: rs.Rules.BlockedKeywords, Invalid: rs.Invalid})
	}); err != nil {
		return nil, err
	}
	return snap, nil
}

func unavailable(err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// MemoryStore keeps policies in process. It backs tests and single-node dev
// setups without Redis.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]Policy // by agent id
	rulesets map[string]Ruleset
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: map[string]Policy{}, rulesets: map[string]Ruleset{}}
}

func (m *MemoryStore) PolicyForAgent(_ context.Context, agentID string) (Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[agentID]
	if !ok {
		return Policy{}, ErrPolicyNotFound
	}
	return p, nil
}

func (m *MemoryStore) Ruleset(_ context.Context, id string) (Ruleset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs, ok := m.rulesets[id]
	if !ok {
		return Ruleset{}, ErrRulesetNotFound
	}
	return rs, nil
}

func (m *MemoryStore) PutRuleset(_ context.Context, rs Ruleset) error {
	m.mu.Lock()
	m.rulesets[rs.ID] = rs
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) PutPolicy(_ context.Context, p Policy) error {
	m.mu.Lock()
	m.policies[p.AgentID] = p
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) HasPolicies(context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.policies) > 0, nil
}
