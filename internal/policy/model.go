package policy

import (
	"time"
)

type RulesetType string

const (
	PromptValidation  RulesetType = "prompt_validation"
	ToolValidation    RulesetType = "tool_validation"
	ResponseFiltering RulesetType = "response_filtering"
)

// Ruleset is one stored rule bundle. Which fields apply depends on Type.
type Ruleset struct {
	ID          string      `json:"ruleset_id" yaml:"ruleset_id"`
	Name        string      `json:"name,omitempty" yaml:"name"`
	Type        RulesetType `json:"type" yaml:"type"`
	Description string      `json:"description,omitempty" yaml:"description"`
	Enabled     bool        `json:"enabled" yaml:"enabled"`

	// prompt_validation: Template holds a {prompt} placeholder.
	Template string `json:"system_prompt,omitempty" yaml:"system_prompt"`
	Model    string `json:"model,omitempty" yaml:"model"`

	// tool_validation
	ToolName string `json:"tool_name,omitempty" yaml:"tool_name"`

	// tool_validation and response_filtering parameters.
	Rules Rules `json:"rules" yaml:"rules"`

	// Invalid is set when the stored ruleset could not be read. Such a
	// ruleset still resolves and denies every call it covers.
	Invalid string `json:"-" yaml:"-"`
}

// Rules are the tunables of tool and response rulesets. Argument paths are
// JMESPath expressions evaluated against the tool call arguments.
type Rules struct {
	AllowedValues  []string `json:"allowed_values,omitempty" yaml:"allowed_values"`
	ValuesArgument string   `json:"values_argument,omitempty" yaml:"values_argument"`
	MaxLength      int      `json:"max_length,omitempty" yaml:"max_length"`
	LengthArgument string   `json:"length_argument,omitempty" yaml:"length_argument"`
	MaxResults     int      `json:"max_results,omitempty" yaml:"max_results"`
	RequiresAuth   bool     `json:"requires_auth,omitempty" yaml:"requires_auth"`
	RateLimit      int      `json:"rate_limit,omitempty" yaml:"rate_limit"`
	RateWindowSec  int      `json:"rate_window_sec,omitempty" yaml:"rate_window_sec"`
	Rego           string   `json:"rego,omitempty" yaml:"rego"`

	// legacy keys: allowed_agents constrains the agent_name argument and
	// max_task_length the task argument
	AllowedAgents []string `json:"allowed_agents,omitempty" yaml:"allowed_agents"`
	MaxTaskLength int      `json:"max_task_length,omitempty" yaml:"max_task_length"`

	BlockedKeywords []string `json:"blocked_keywords,omitempty" yaml:"blocked_keywords"`
}

const (
	defaultRateWindow = 60 * time.Second
	legacyValuesArg   = "agent_name"
	legacyLengthArg   = "task"
	resultsArgument   = "limit"
	authTokenArgument = "auth_token"
)

// ToolRule is a tool ruleset with legacy keys folded in.
type ToolRule struct {
	RulesetID      string        `json:"ruleset_id"`
	ToolName       string        `json:"tool_name"`
	AllowedValues  []string      `json:"allowed_values,omitempty"`
	ValuesArgument string        `json:"values_argument,omitempty"`
	MaxLength      int           `json:"max_length,omitempty"`
	LengthArgument string        `json:"length_argument,omitempty"`
	MaxResults     int           `json:"max_results,omitempty"`
	RequiresAuth   bool          `json:"requires_auth,omitempty"`
	RateLimit      int           `json:"rate_limit,omitempty"`
	RateWindow     time.Duration `json:"rate_window,omitempty"`
	Rego           string        `json:"rego,omitempty"`
	Invalid        string        `json:"invalid,omitempty"`
}

func (rs Ruleset) toolRule() ToolRule {
	r := rs.Rules
	tr := ToolRule{
		RulesetID:      rs.ID,
		ToolName:       rs.ToolName,
		AllowedValues:  r.AllowedValues,
		ValuesArgument: r.ValuesArgument,
		MaxLength:      r.MaxLength,
		LengthArgument: r.LengthArgument,
		MaxResults:     r.MaxResults,
		RequiresAuth:   r.RequiresAuth,
		RateLimit:      r.RateLimit,
		RateWindow:     time.Duration(r.RateWindowSec) * time.Second,
		Rego:           r.Rego,
		Invalid:        rs.Invalid,
	}
	if len(tr.AllowedValues) == 0 && len(r.AllowedAgents) > 0 {
		tr.AllowedValues = r.AllowedAgents
		if tr.ValuesArgument == "" {
			tr.ValuesArgument = legacyValuesArg
		}
	}
	if tr.MaxLength == 0 && r.MaxTaskLength > 0 {
		tr.MaxLength = r.MaxTaskLength
		if tr.LengthArgument == "" {
			tr.LengthArgument = legacyLengthArg
		}
	}
	if tr.RateWindow <= 0 {
		tr.RateWindow = defaultRateWindow
	}
	return tr
}

// PromptRule is a resolved prompt_validation ruleset.
type PromptRule struct {
	RulesetID string `json:"ruleset_id"`
	Template  string `json:"system_prompt"`
	Model     string `json:"model,omitempty"`
	Invalid   string `json:"invalid,omitempty"`
}

// ResponseRule is a resolved response_filtering ruleset.
type ResponseRule struct {
	RulesetID       string   `json:"ruleset_id"`
	BlockedKeywords []string `json:"blocked_keywords"`
	Invalid         string   `json:"invalid,omitempty"`
}

// Policy maps an agent to ordered ruleset ids per type.
type Policy struct {
	ID               string   `json:"policy_id" yaml:"policy_id"`
	AgentID          string   `json:"agent_id" yaml:"agent_id"`
	Name             string   `json:"name,omitempty" yaml:"name"`
	Enabled          bool     `json:"enabled" yaml:"enabled"`
	PromptRulesets   []string `json:"prompt_validation_rulesets" yaml:"prompt_validation_rulesets"`
	ToolRulesets     []string `json:"tool_validation_rulesets" yaml:"tool_validation_rulesets"`
	ResponseRulesets []string `json:"response_filtering_rulesets" yaml:"response_filtering_rulesets"`
}

// Snapshot is the read-only view of an agent's policy with its enabled
// rulesets resolved, in policy order. A nil *Snapshot means no policy.
type Snapshot struct {
	AgentID   string         `json:"agent_id"`
	PolicyID  string         `json:"policy_id"`
	Enabled   bool           `json:"enabled"`
	Prompt    []PromptRule   `json:"prompt_validation"`
	Tool      []ToolRule     `json:"tool_validation"`
	Response  []ResponseRule `json:"response_filtering"`
	FetchedAt time.Time      `json:"fetched_at"`
}

// ToolRuleFor returns the first tool rule configured for toolName.
func (s *Snapshot) ToolRuleFor(toolName string) (ToolRule, bool) {
	for _, r := range s.Tool {
		if r.ToolName == toolName {
			return r, true
		}
	}
	return ToolRule{}, false
}

type Verdict string

const (
	Pass      Verdict = "PASS"
	Violation Verdict = "VIOLATION"
)

type PolicyType string

const (
	PromptPolicy   PolicyType = "prompt"
	ToolPolicy     PolicyType = "tool"
	ResponsePolicy PolicyType = "response"
)

// Reason codes let callers tell a rule violation from a failure to evaluate.
const (
	CodeRuleViolation      = "rule_violation"
	CodeUnparseableVerdict = "unparseable_verdict"
	CodeVerdictUnavailable = "verdict_unavailable"
	CodePolicyUnavailable  = "policy_unavailable"
	CodeValueNotAllowed    = "value_not_allowed"
	CodeLengthExceeded     = "length_exceeded"
	CodeResultsExceeded    = "results_exceeded"
	CodeAuthRequired       = "auth_required"
	CodeRegoDenied         = "rego_denied"
	CodeRateLimited        = "rate_limited"
	CodeBlockedKeyword     = "blocked_keyword"
	CodeRateLimiterDown    = "rate_limiter_unavailable"
	CodeInvalidRule        = "invalid_rule"
)

// Decision is produced once per evaluation and never mutated.
type Decision struct {
	Verdict    Verdict    `json:"verdict"`
	Reason     string     `json:"reason,omitempty"`
	Code       string     `json:"code,omitempty"`
	PolicyType PolicyType `json:"policy_type"`
	AgentID    string     `json:"agent_id"`
	RulesetID  string     `json:"ruleset_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Unavailable reports whether the decision is a fail-closed VIOLATION caused
// by an unreachable collaborator rather than by a rule.
func (d Decision) Unavailable() bool {
	switch d.Code {
	case CodePolicyUnavailable, CodeVerdictUnavailable, CodeRateLimiterDown:
		return true
	}
	return false
}
