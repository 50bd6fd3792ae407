package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	jmes "github.com/jmespath/go-jmespath"
	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"attager/internal/audit"
	"attager/pkg/middleware"
	"attager/pkg/principal"
)

// AuditEmitter receives one record per decision. *audit.Emitter satisfies it.
type AuditEmitter interface {
	Emit(r audit.Record)
}

// CallContext carries the audit fields that are not part of a decision.
type CallContext struct {
	TargetAgent string `json:"target_agent,omitempty"`
	Plugin      string `json:"plugin,omitempty"`
}

type callCtxKey struct{}

func WithCallContext(ctx context.Context, cc CallContext) context.Context {
	return context.WithValue(ctx, callCtxKey{}, cc)
}

// Evaluator gates prompts, tool calls and responses against an agent's
// policy. Every evaluation returns a Decision; failures to reach the policy
// store, verdict source or rate counter come back as VIOLATION.
type Evaluator struct {
	cache          *Cache
	verdicts       VerdictSource
	counter        Counter
	audit          AuditEmitter
	log            *zap.SugaredLogger
	now            func() time.Time
	verdictTimeout time.Duration
	counterTimeout time.Duration
	defaultModel   string

	regoQueries sync.Map // module source -> rego.PreparedEvalQuery
}

type EvalOption func(*Evaluator)

func WithEvalClock(now func() time.Time) EvalOption { return func(e *Evaluator) { e.now = now } }

// WithVerdictTimeout bounds each verdict source call.
func WithVerdictTimeout(d time.Duration) EvalOption {
	return func(e *Evaluator) { e.verdictTimeout = d }
}

// WithCounter replaces the in-process rate counter.
func WithCounter(c Counter) EvalOption { return func(e *Evaluator) { e.counter = c } }

// WithCounterTimeout bounds each rate counter increment.
func WithCounterTimeout(d time.Duration) EvalOption {
	return func(e *Evaluator) { e.counterTimeout = d }
}

func WithAudit(a AuditEmitter) EvalOption { return func(e *Evaluator) { e.audit = a } }

// WithDefaultModel is used for prompt rulesets that name no model.
func WithDefaultModel(m string) EvalOption { return func(e *Evaluator) { e.defaultModel = m } }

func NewEvaluator(cache *Cache, verdicts VerdictSource, log *zap.SugaredLogger, opts ...EvalOption) *Evaluator {
	e := &Evaluator{
		cache:          cache,
		verdicts:       verdicts,
		log:            log,
		now:            time.Now,
		verdictTimeout: 10 * time.Second,
		counterTimeout: 2 * time.Second,
	}
	for _, fn := range opts {
		fn(e)
	}
	if e.verdicts == nil {
		e.verdicts = VerdictFunc(func(context.Context, string, string) (string, error) {
			return "", fmt.Errorf("%w: none configured", ErrVerdictUnavailable)
		})
	}
	if e.counter == nil {
		e.counter = NewMemoryCounter()
	}
	return e
}

// EvaluatePrompt runs the agent's prompt rulesets in order and stops at the
// first VIOLATION.
func (e *Evaluator) EvaluatePrompt(ctx context.Context, agentID, prompt string) Decision {
	d := e.decision(PromptPolicy, agentID)
	snap, ok := e.load(ctx, &d)
	if !ok || snap == nil || !snap.Enabled {
		return e.record(ctx, d, "", nil)
	}
	for _, r := range snap.Prompt {
		if e.checkPrompt(ctx, &d, r, prompt) {
			break
		}
	}
	return e.record(ctx, d, "", nil)
}

func (e *Evaluator) checkPrompt(ctx context.Context, d *Decision, r PromptRule, prompt string) bool {
	if r.Invalid != "" {
		return deny(d, r.RulesetID, CodeInvalidRule, r.Invalid)
	}
	model := r.Model
	if model == "" {
		model = e.defaultModel
	}
	vctx, cancel := context.WithTimeout(ctx, e.verdictTimeout)
	defer cancel()
	start := time.Now()
	out, err := e.verdicts.Verdict(vctx, fillTemplate(r.Template, prompt), model)
	verdictLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		e.log.Warnw("verdict source failed", "agent", d.AgentID, "ruleset", r.RulesetID, "err", err)
		return deny(d, r.RulesetID, CodeVerdictUnavailable, "verdict source unavailable")
	}
	switch Verdict(strings.TrimSpace(out)) {
	case Pass:
		return false
	case Violation:
		return deny(d, r.RulesetID, CodeRuleViolation, "prompt rejected by ruleset "+r.RulesetID)
	default:
		return deny(d, r.RulesetID, CodeUnparseableVerdict, "unparseable verdict")
	}
}

func fillTemplate(tpl, prompt string) string {
	if strings.Contains(tpl, "{prompt}") {
		return strings.ReplaceAll(tpl, "{prompt}", prompt)
	}
	return tpl + "\n\n" + prompt
}

// EvaluateTool checks a tool call against the first tool ruleset configured
// for toolName. Tools without a ruleset pass.
func (e *Evaluator) EvaluateTool(ctx context.Context, agentID, toolName string, args map[string]any) Decision {
	d := e.decision(ToolPolicy, agentID)
	snap, ok := e.load(ctx, &d)
	if !ok || snap == nil || !snap.Enabled {
		return e.record(ctx, d, toolName, args)
	}
	rule, found := snap.ToolRuleFor(toolName)
	if !found {
		return e.record(ctx, d, toolName, args)
	}
	checks := []func(context.Context, *Decision, ToolRule, map[string]any) bool{
		e.checkReadable,
		e.checkAllowedValues,
		e.checkMaxLength,
		e.checkMaxResults,
		e.checkAuth,
		e.checkRego,
		e.checkRate,
	}
	for _, check := range checks {
		if check(ctx, &d, rule, args) {
			break
		}
	}
	return e.record(ctx, d, toolName, args)
}

func (e *Evaluator) checkReadable(_ context.Context, d *Decision, r ToolRule, _ map[string]any) bool {
	if r.Invalid == "" {
		return false
	}
	return deny(d, r.RulesetID, CodeInvalidRule, r.Invalid)
}

func (e *Evaluator) checkAllowedValues(_ context.Context, d *Decision, r ToolRule, args map[string]any) bool {
	if len(r.AllowedValues) == 0 {
		return false
	}
	vals, err := argStrings(r.ValuesArgument, args)
	if err != nil {
		return deny(d, r.RulesetID, CodeInvalidRule, "invalid values_argument: "+err.Error())
	}
	allowed := make(map[string]struct{}, len(r.AllowedValues))
	for _, v := range r.AllowedValues {
		allowed[v] = struct{}{}
	}
	for _, v := range vals {
		if _, ok := allowed[v.value]; !ok {
			return deny(d, r.RulesetID, CodeValueNotAllowed, fmt.Sprintf("value %q for %s is not allowed", v.value, v.name))
		}
	}
	return false
}

func (e *Evaluator) checkMaxLength(_ context.Context, d *Decision, r ToolRule, args map[string]any) bool {
	if r.MaxLength <= 0 {
		return false
	}
	vals, err := argStrings(r.LengthArgument, args)
	if err != nil {
		return deny(d, r.RulesetID, CodeInvalidRule, "invalid length_argument: "+err.Error())
	}
	for _, v := range vals {
		if n := utf8.RuneCountInString(v.value); n > r.MaxLength {
			return deny(d, r.RulesetID, CodeLengthExceeded, fmt.Sprintf("%s length %d exceeds max %d", v.name, n, r.MaxLength))
		}
	}
	return false
}

func (e *Evaluator) checkMaxResults(_ context.Context, d *Decision, r ToolRule, args map[string]any) bool {
	if r.MaxResults <= 0 {
		return false
	}
	raw, present := args[resultsArgument]
	if !present || raw == nil {
		return false
	}
	n, ok := toFloat(raw)
	if !ok {
		return deny(d, r.RulesetID, CodeResultsExceeded, resultsArgument+" must be a number")
	}
	if n > float64(r.MaxResults) {
		return deny(d, r.RulesetID, CodeResultsExceeded, fmt.Sprintf("%s %v exceeds max %d", resultsArgument, raw, r.MaxResults))
	}
	return false
}

func (e *Evaluator) checkAuth(ctx context.Context, d *Decision, r ToolRule, args map[string]any) bool {
	if !r.RequiresAuth {
		return false
	}
	if p, ok := principal.From(ctx); ok && p.Subject != "" {
		return false
	}
	if tok, _ := args[authTokenArgument].(string); strings.TrimSpace(tok) != "" {
		return false
	}
	return deny(d, r.RulesetID, CodeAuthRequired, "authentication required")
}

func (e *Evaluator) checkRego(ctx context.Context, d *Decision, r ToolRule, args map[string]any) bool {
	if strings.TrimSpace(r.Rego) == "" {
		return false
	}
	pq, err := e.prepared(ctx, r)
	if err != nil {
		e.log.Warnw("rego compile failed", "ruleset", r.RulesetID, "err", err)
		return deny(d, r.RulesetID, CodeInvalidRule, "rego module does not compile")
	}
	input := map[string]any{"agent_id": d.AgentID, "tool_name": r.ToolName, "arguments": args}
	rs, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		e.log.Warnw("rego eval failed", "ruleset", r.RulesetID, "err", err)
		return deny(d, r.RulesetID, CodeInvalidRule, "rego evaluation failed")
	}
	if !rs.Allowed() {
		return deny(d, r.RulesetID, CodeRegoDenied, "denied by rego rule in "+r.RulesetID)
	}
	return false
}

func (e *Evaluator) prepared(ctx context.Context, r ToolRule) (rego.PreparedEvalQuery, error) {
	if v, ok := e.regoQueries.Load(r.Rego); ok {
		return v.(rego.PreparedEvalQuery), nil
	}
	pq, err := rego.New(
		rego.Query("data.tool.allow"),
		rego.Module(r.RulesetID+".rego", r.Rego),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, err
	}
	e.regoQueries.Store(r.Rego, pq)
	return pq, nil
}

// checkRate counts the call before comparing, so denied calls use up the
// window too.
func (e *Evaluator) checkRate(ctx context.Context, d *Decision, r ToolRule, _ map[string]any) bool {
	if r.RateLimit <= 0 {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, e.counterTimeout)
	defer cancel()
	n, err := e.counter.Incr(cctx, rateKey(d.AgentID, r.ToolName), windowStart(e.now(), r.RateWindow), r.RateWindow)
	if err != nil {
		e.log.Warnw("rate counter failed", "agent", d.AgentID, "tool", r.ToolName, "err", err)
		return deny(d, r.RulesetID, CodeRateLimiterDown, "rate limiter unavailable")
	}
	if n > int64(r.RateLimit) {
		return deny(d, r.RulesetID, CodeRateLimited, "rate limit exceeded")
	}
	return false
}

// EvaluateResponse rejects text containing any blocked keyword, compared
// case-insensitively.
func (e *Evaluator) EvaluateResponse(ctx context.Context, agentID, text string) Decision {
	d := e.decision(ResponsePolicy, agentID)
	snap, ok := e.load(ctx, &d)
	if !ok || snap == nil || !snap.Enabled {
		return e.record(ctx, d, "", nil)
	}
	fold := cases.Fold()
	folded := fold.String(text)
scan:
	for _, r := range snap.Response {
		if r.Invalid != "" {
			deny(&d, r.RulesetID, CodeInvalidRule, r.Invalid)
			break
		}
		for _, kw := range r.BlockedKeywords {
			if kw == "" {
				continue
			}
			if strings.Contains(folded, fold.String(kw)) {
				deny(&d, r.RulesetID, CodeBlockedKeyword, fmt.Sprintf("response contains blocked keyword %q", kw))
				break scan
			}
		}
	}
	return e.record(ctx, d, "", nil)
}

func (e *Evaluator) decision(pt PolicyType, agentID string) Decision {
	return Decision{Verdict: Pass, PolicyType: pt, AgentID: agentID, Timestamp: e.now().UTC()}
}

// load fetches the snapshot; on failure d becomes a fail-closed VIOLATION.
func (e *Evaluator) load(ctx context.Context, d *Decision) (*Snapshot, bool) {
	snap, err := e.cache.Get(ctx, d.AgentID)
	if err != nil {
		deny(d, "", CodePolicyUnavailable, "policy unavailable")
		return nil, false
	}
	return snap, true
}

func deny(d *Decision, rulesetID, code, reason string) bool {
	d.Verdict = Violation
	d.RulesetID = rulesetID
	d.Code = code
	d.Reason = reason
	return true
}

func (e *Evaluator) record(ctx context.Context, d Decision, toolName string, args map[string]any) Decision {
	decisionsTotal.WithLabelValues(string(d.PolicyType), string(d.Verdict), d.Code).Inc()
	if d.Verdict == Violation {
		e.log.Infow("policy violation", "agent", d.AgentID, "policy_type", d.PolicyType,
			"ruleset", d.RulesetID, "code", d.Code, "reason", d.Reason, "tool", toolName)
	}
	if e.audit == nil {
		return d
	}
	cc, _ := ctx.Value(callCtxKey{}).(CallContext)
	if cc.TargetAgent == "" {
		cc.TargetAgent, _ = args[legacyValuesArg].(string)
	}
	e.audit.Emit(audit.Record{
		AgentID:     d.AgentID,
		PolicyType:  string(d.PolicyType),
		Verdict:     string(d.Verdict),
		Reason:      d.Reason,
		Code:        d.Code,
		RulesetID:   d.RulesetID,
		ToolName:    toolName,
		Timestamp:   d.Timestamp,
		TargetAgent: cc.TargetAgent,
		Plugin:      cc.Plugin,
		RequestID:   middleware.RequestIDFrom(ctx),
	})
	return d
}

type argValue struct {
	name  string
	value string
}

// argStrings selects the string values a rule applies to: the result of the
// JMESPath expression path, or every top-level string argument when path is
// empty.
func argStrings(path string, args map[string]any) ([]argValue, error) {
	if path == "" {
		keys := make([]string, 0, len(args))
		for k, v := range args {
			if _, ok := v.(string); ok {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		out := make([]argValue, 0, len(keys))
		for _, k := range keys {
			out = append(out, argValue{name: k, value: args[k].(string)})
		}
		return out, nil
	}
	res, err := jmes.Search(path, args)
	if err != nil {
		return nil, err
	}
	return flattenStrings(path, res, nil), nil
}

func flattenStrings(name string, v any, out []argValue) []argValue {
	switch t := v.(type) {
	case string:
		out = append(out, argValue{name: name, value: t})
	case []string:
		for _, s := range t {
			out = append(out, argValue{name: name, value: s})
		}
	case []any:
		for _, el := range t {
			out = flattenStrings(name, el, out)
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
