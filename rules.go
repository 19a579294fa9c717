package sagex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"
)

// Protocol methods spoken by the rules engine.
const (
	methodRulesList      = "rules/list"
	methodResultsPublish = "results/publish"
)

// rulesCacheKey is the cache key for the rule-set payload.
const rulesCacheKey = "rules/list"

// Condition operators.
const (
	OpEquals    = "eq"
	OpNotEquals = "ne"
	OpGreater   = "gt"
	OpLess      = "lt"
	OpContains  = "contains"
	OpMatches   = "matches"
	OpExists    = "exists"
)

// Action types.
const (
	ActionSet    = "set"
	ActionClear  = "clear"
	ActionNotify = "notify"
)

// RuleCondition is the predicate a rule evaluates against the fact map.
// OpMatches compiles Value as a glob pattern and matches it against the
// fact's string form.
type RuleCondition struct {
	Fact     string `json:"fact"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
	Negate   bool   `json:"negate,omitempty"`
}

// RuleAction describes what a rule does when its condition holds: set or
// clear a fact, or notify an external collaborator through the bridge.
type RuleAction struct {
	Type  string `json:"type"`
	Key   string `json:"key,omitempty"`
	Value any    `json:"value,omitempty"`
}

// Rule is one fetched rule. Rules are immutable once fetched; a new fetch
// replaces the whole set as a unit.
type Rule struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	Category  string        `json:"category,omitempty"`
	Priority  int           `json:"priority"`
	Condition RuleCondition `json:"condition"`
	Action    RuleAction    `json:"action"`
	Disabled  bool          `json:"disabled,omitempty"`
}

// RuleSet is a versioned snapshot of the server's rules.
type RuleSet struct {
	Version string
	Rules   []Rule

	raw json.RawMessage
}

// Raw returns the payload bytes exactly as the server sent them. A fresh
// cache hit returns the identical bytes without re-parsing.
func (rs *RuleSet) Raw() []byte { return rs.raw }

// Len returns the number of rules in the set.
func (rs *RuleSet) Len() int { return len(rs.Rules) }

// RuleResult is the outcome of one rule in an evaluation pass.
type RuleResult struct {
	RuleID  string `json:"ruleId"`
	Key     string `json:"key,omitempty"`
	Value   any    `json:"value,omitempty"`
	Applied bool   `json:"applied"`
	Err     string `json:"error,omitempty"`
}

// ResultSet is the outcome of one evaluation pass over an agent context, in
// evaluation order.
type ResultSet struct {
	AgentID string       `json:"agentId"`
	Results []RuleResult `json:"results"`
}

// AgentContext is the fact and result state one rule set is evaluated
// against. It is created by the Client facade and mutated only by the
// Engine; the internal lock serializes applies, so concurrent callers never
// interleave an evaluation pass.
type AgentContext struct {
	id   string
	name string

	mu      sync.Mutex
	facts   map[string]any
	results map[string]RuleResult
	lastSet ResultSet
}

// NewAgentContext creates a context for the given agent.
func NewAgentContext(id, name string) *AgentContext {
	return &AgentContext{
		id:      id,
		name:    name,
		facts:   make(map[string]any),
		results: make(map[string]RuleResult),
	}
}

// ID returns the agent identifier.
func (a *AgentContext) ID() string { return a.id }

// Name returns the agent display name.
func (a *AgentContext) Name() string { return a.name }

// SetFact records a fact value, seeding or updating the context.
func (a *AgentContext) SetFact(key string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.facts[key] = value
}

// Fact returns a fact value.
func (a *AgentContext) Fact(key string) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.facts[key]
	return v, ok
}

// Facts returns a copy of the fact map.
func (a *AgentContext) Facts() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]any, len(a.facts))
	for k, v := range a.facts {
		out[k] = v
	}
	return out
}

// LastResults returns a copy of the per-rule results of the latest pass.
func (a *AgentContext) LastResults() map[string]RuleResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]RuleResult, len(a.results))
	for k, v := range a.results {
		out[k] = v
	}
	return out
}

// Engine fetches rules through the session (honoring the cache store),
// evaluates them against an agent context, and reacts to events pushed by
// the stream listener.
type Engine struct {
	session *SessionManager
	cache   *CacheStore
	cfg     RulesConfig
	logger  *slog.Logger
	bridge  Bridge

	mu        sync.Mutex
	ruleset   *RuleSet
	seen      map[string]struct{}
	seenOrder []string

	parses          atomic.Int64
	rulesApplied    atomic.Int64
	eventsProcessed atomic.Int64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger used for engine diagnostics.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithEngineBridge routes notify actions through the given call boundary.
func WithEngineBridge(b Bridge) EngineOption {
	return func(e *Engine) {
		e.bridge = b
	}
}

// NewEngine creates an engine bound to one session and cache store.
func NewEngine(session *SessionManager, cache *CacheStore, cfg RulesConfig, options ...EngineOption) *Engine {
	e := &Engine{
		session: session,
		cache:   cache,
		cfg:     cfg,
		logger:  slog.Default(),
		seen:    make(map[string]struct{}),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

type fetchRulesParams struct {
	Version string `json:"version,omitempty"`
}

type rulesPayload struct {
	NotModified bool            `json:"notModified,omitempty"`
	Version     string          `json:"version,omitempty"`
	Rules       json.RawMessage `json:"rules,omitempty"`
}

// FetchRules issues a conditional rules request carrying the cached version
// tag. When the server answers "not modified", the cached rule set is
// returned without re-parsing the payload; otherwise the new set replaces
// the old one atomically and is returned.
func (e *Engine) FetchRules(ctx context.Context) (*RuleSet, error) {
	// Two passes at most: a corrupt cache state degrades to one forced
	// unconditional re-fetch.
	for attempt := 0; attempt < 2; attempt++ {
		// The version tag is only presented while the entry is inside its
		// TTL; a stale entry forces an unconditional fetch.
		var version string
		if entry, ok := e.cache.Get(rulesCacheKey); ok && e.cache.IsFresh(rulesCacheKey, entry.Version) {
			version = entry.Version
		}

		res, err := e.session.Request(ctx, methodRulesList, fetchRulesParams{Version: version})
		if err != nil {
			return nil, err
		}
		if res.Error != nil {
			return nil, fmt.Errorf("rules fetch error: %w", *res.Error)
		}

		var payload rulesPayload
		if err := json.Unmarshal(res.Result, &payload); err != nil {
			return nil, &ProtocolError{MsgID: string(res.ID), Reason: "malformed rules payload", Err: err}
		}

		if payload.NotModified {
			e.mu.Lock()
			rs := e.ruleset
			e.mu.Unlock()
			if rs != nil && rs.Version == version {
				return rs, nil
			}

			// The server considers our version current but we hold no
			// parsed copy. Degrade to a forced re-fetch.
			cerr := &CacheError{Key: rulesCacheKey, Err: errors.New("not-modified response without cached rule set")}
			e.logger.Warn("cache degraded, forcing re-fetch", slog.String("err", cerr.Error()))
			e.cache.Invalidate(rulesCacheKey)
			continue
		}

		rules, err := e.parseRules(payload.Rules)
		if err != nil {
			return nil, err
		}

		rs := &RuleSet{Version: payload.Version, Rules: rules, raw: payload.Rules}
		e.cache.Put(rulesCacheKey, payload.Version, payload.Rules)
		e.mu.Lock()
		e.ruleset = rs
		e.mu.Unlock()
		return rs, nil
	}

	return nil, &CacheError{Key: rulesCacheKey, Err: errors.New("forced re-fetch still reported not modified")}
}

func (e *Engine) parseRules(raw json.RawMessage) ([]Rule, error) {
	e.parses.Add(1)
	var rules []Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, &ProtocolError{Reason: "malformed rules payload", Err: err}
	}
	return rules, nil
}

// RuleSet returns the currently loaded rule set, if any.
func (e *Engine) RuleSet() *RuleSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ruleset
}

// ApplyRules evaluates the loaded rule set against the context's facts.
// Rules run in descending priority order (ties keep fetch order); the first
// rule whose condition holds for a given target key wins that key, and a
// failed action is recorded as a per-rule failure without aborting the pass.
// Evaluation always proceeds against the snapshot taken at entry, so a fetch
// completing mid-pass never mixes two rule sets.
func (e *Engine) ApplyRules(ctx context.Context, actx *AgentContext) (ResultSet, error) {
	e.mu.Lock()
	rs := e.ruleset
	e.mu.Unlock()
	if rs == nil {
		return ResultSet{}, errors.New("no rule set loaded, call FetchRules first")
	}

	actx.mu.Lock()
	defer actx.mu.Unlock()

	ordered := make([]Rule, len(rs.Rules))
	copy(ordered, rs.Rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	dryRun := e.cfg.ExecutionMode == ExecutionDryRun
	claimed := make(map[string]bool)
	newResults := make(map[string]RuleResult)
	out := ResultSet{AgentID: actx.id}

	for _, rule := range ordered {
		if rule.Disabled {
			continue
		}

		hold, err := evalCondition(rule.Condition, actx.facts)
		if err != nil {
			rerr := &RuleError{RuleID: rule.ID, Reason: "condition evaluation failed", Err: err}
			rr := RuleResult{RuleID: rule.ID, Applied: false, Err: rerr.Error()}
			out.Results = append(out.Results, rr)
			newResults[rule.ID] = rr
			continue
		}
		if !hold {
			continue
		}

		// Highest priority wins per target key; later holders are
		// superseded and produce no result.
		if rule.Action.Key != "" {
			if claimed[rule.Action.Key] {
				continue
			}
			claimed[rule.Action.Key] = true
		}

		rr := e.runAction(ctx, rule, actx, dryRun)
		out.Results = append(out.Results, rr)
		newResults[rule.ID] = rr
		if rr.Applied {
			e.rulesApplied.Add(1)
		}
	}

	actx.results = newResults
	actx.lastSet = out
	return out, nil
}

func (e *Engine) runAction(ctx context.Context, rule Rule, actx *AgentContext, dryRun bool) RuleResult {
	switch rule.Action.Type {
	case ActionSet:
		if !dryRun {
			actx.facts[rule.Action.Key] = rule.Action.Value
		}
		return RuleResult{RuleID: rule.ID, Key: rule.Action.Key, Value: rule.Action.Value, Applied: true}
	case ActionClear:
		if !dryRun {
			delete(actx.facts, rule.Action.Key)
		}
		return RuleResult{RuleID: rule.ID, Key: rule.Action.Key, Applied: true}
	case ActionNotify:
		if e.bridge != nil && !dryRun {
			if _, err := e.bridge.Call(ctx, "notify", rule.ID, rule.Action.Value); err != nil {
				rerr := &RuleError{RuleID: rule.ID, Reason: "notify action failed", Err: err}
				return RuleResult{RuleID: rule.ID, Applied: false, Err: rerr.Error()}
			}
		}
		return RuleResult{RuleID: rule.ID, Value: rule.Action.Value, Applied: true}
	default:
		rerr := &RuleError{RuleID: rule.ID, Reason: fmt.Sprintf("unknown action type %q", rule.Action.Type)}
		return RuleResult{RuleID: rule.ID, Applied: false, Err: rerr.Error()}
	}
}

// SendResults serializes the latest ResultSet and publishes it to the
// server. A failure is reported to the caller but never undoes the local
// context mutation.
func (e *Engine) SendResults(ctx context.Context, actx *AgentContext) error {
	actx.mu.Lock()
	set := actx.lastSet
	actx.mu.Unlock()

	if set.AgentID == "" {
		return errors.New("no results to send, call ApplyRules first")
	}
	return e.publish(ctx, set)
}

func (e *Engine) publish(ctx context.Context, set ResultSet) error {
	res, err := e.session.Request(ctx, methodResultsPublish, set)
	if err != nil {
		return fmt.Errorf("failed to publish results: %w", err)
	}
	if res.Error != nil {
		return fmt.Errorf("results rejected: %w", *res.Error)
	}
	return nil
}

// HandleEvent merges the event's facts into the context, re-evaluates the
// rule set, and publishes only the delta of results changed since the
// previous pass. Replaying an already-processed event identifier is a no-op,
// which makes stream resumption idempotent.
func (e *Engine) HandleEvent(ctx context.Context, actx *AgentContext, ev StreamEvent) (ResultSet, error) {
	if ev.ID != "" && !e.markSeen(ev.ID) {
		return ResultSet{AgentID: actx.id}, nil
	}
	e.eventsProcessed.Add(1)

	actx.mu.Lock()
	prev := make(map[string]RuleResult, len(actx.results))
	for k, v := range actx.results {
		prev[k] = v
	}
	for k, v := range ev.Facts {
		actx.facts[k] = v
	}
	actx.mu.Unlock()

	cur, err := e.ApplyRules(ctx, actx)
	if err != nil {
		return ResultSet{}, err
	}

	delta := diffResults(prev, cur)
	if len(delta.Results) == 0 {
		return delta, nil
	}
	if err := e.publish(ctx, delta); err != nil {
		// Local state stays mutated; the next delta carries it forward.
		return delta, err
	}
	return delta, nil
}

// seenEventCap bounds the replay-suppression window. Stream resumption only
// replays from the last seen identifier, so remembering the most recent
// identifiers is enough; the oldest are evicted first.
const seenEventCap = 1024

// markSeen records an event identifier and reports whether it was new.
func (e *Engine) markSeen(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.seen[id]; dup {
		return false
	}
	if len(e.seenOrder) >= seenEventCap {
		oldest := e.seenOrder[0]
		e.seenOrder = e.seenOrder[1:]
		delete(e.seen, oldest)
	}
	e.seen[id] = struct{}{}
	e.seenOrder = append(e.seenOrder, id)
	return true
}

// diffResults returns the entries of cur that are new or changed relative to
// the previous pass, preserving evaluation order.
func diffResults(prev map[string]RuleResult, cur ResultSet) ResultSet {
	delta := ResultSet{AgentID: cur.AgentID}
	for _, rr := range cur.Results {
		old, ok := prev[rr.RuleID]
		if ok && old.Key == rr.Key && old.Applied == rr.Applied && old.Err == rr.Err && equalValues(old.Value, rr.Value) {
			continue
		}
		delta.Results = append(delta.Results, rr)
	}
	return delta
}

// Stats returns the engine counters: payload parses, rules applied, and
// events processed.
func (e *Engine) Stats() (parses, applied, events int64) {
	return e.parses.Load(), e.rulesApplied.Load(), e.eventsProcessed.Load()
}

func evalCondition(cond RuleCondition, facts map[string]any) (bool, error) {
	v, exists := facts[cond.Fact]

	var hold bool
	switch cond.Operator {
	case OpExists:
		hold = exists
	case OpEquals:
		hold = exists && equalValues(v, cond.Value)
	case OpNotEquals:
		hold = exists && !equalValues(v, cond.Value)
	case OpGreater, OpLess:
		if exists {
			cmp, err := compareValues(v, cond.Value)
			if err != nil {
				return false, err
			}
			if cond.Operator == OpGreater {
				hold = cmp > 0
			} else {
				hold = cmp < 0
			}
		}
	case OpContains:
		hold = exists && strings.Contains(fmt.Sprint(v), fmt.Sprint(cond.Value))
	case OpMatches:
		g, err := glob.Compile(fmt.Sprint(cond.Value))
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q: %w", cond.Value, err)
		}
		hold = exists && g.Match(fmt.Sprint(v))
	default:
		return false, fmt.Errorf("unknown operator %q", cond.Operator)
	}

	if cond.Negate {
		hold = !hold
	}
	return hold, nil
}

// equalValues compares two fact values, treating all numeric types as
// float64 the way JSON decoding does.
func equalValues(a, b any) bool {
	return reflect.DeepEqual(normalizeValue(a), normalizeValue(b))
}

func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return v
}

func compareValues(a, b any) (int, error) {
	na, aNum := normalizeValue(a).(float64)
	nb, bNum := normalizeValue(b).(float64)
	if aNum && bNum {
		switch {
		case na < nb:
			return -1, nil
		case na > nb:
			return 1, nil
		default:
			return 0, nil
		}
	}

	sa, aStr := a.(string)
	sb, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(sa, sb), nil
	}

	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}
