package sagex

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// rulesServer scripts the server side of the rules protocol on top of a
// MockTransport handler.
type rulesServer struct {
	mu      sync.Mutex
	version string
	rules   []Rule

	listCalls   int
	notModified int
	published   []ResultSet
}

func (s *rulesServer) setRules(version string, rules []Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = version
	s.rules = rules
}

func (s *rulesServer) publishedSets() []ResultSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ResultSet, len(s.published))
	copy(out, s.published)
	return out
}

func (s *rulesServer) handler(msg Message) []Message {
	switch msg.Method {
	case methodInitialize:
		res, _ := NewResponse(string(msg.ID), initializeResult{
			ProtocolVersion: protocolVersion,
			SessionToken:    "session-token-1",
			ServerInfo:      Info{Name: "rules-server", Version: "1.0.0"},
		})
		return []Message{res}
	case methodRulesList:
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listCalls++

		var p fetchRulesParams
		_ = json.Unmarshal(msg.Params, &p)
		if p.Version != "" && p.Version == s.version {
			s.notModified++
			res, _ := NewResponse(string(msg.ID), rulesPayload{NotModified: true, Version: s.version})
			return []Message{res}
		}

		raw, _ := json.Marshal(s.rules)
		res, _ := NewResponse(string(msg.ID), rulesPayload{Version: s.version, Rules: raw})
		return []Message{res}
	case methodResultsPublish:
		var set ResultSet
		_ = json.Unmarshal(msg.Params, &set)
		s.mu.Lock()
		s.published = append(s.published, set)
		s.mu.Unlock()
		res, _ := NewResponse(string(msg.ID), map[string]string{"status": "accepted"})
		return []Message{res}
	default:
		return nil
	}
}

func newTestEngine(t *testing.T, srv *rulesServer, cfg RulesConfig) *Engine {
	t.Helper()

	transport := NewMockTransport()
	transport.SetHandler(srv.handler)
	sess := NewSessionManager(transport, testConfig())
	require.NoError(t, sess.Connect(context.Background()))
	t.Cleanup(func() { _ = sess.Close() })

	return NewEngine(sess, NewCacheStore(0), cfg)
}

func setRule(id string, priority int, fact string, value any, key string, out any) Rule {
	return Rule{
		ID:        id,
		Priority:  priority,
		Condition: RuleCondition{Fact: fact, Operator: OpEquals, Value: value},
		Action:    RuleAction{Type: ActionSet, Key: key, Value: out},
	}
}

func TestFetchRulesParsesAndCaches(t *testing.T) {
	srv := &rulesServer{}
	srv.setRules("v1", []Rule{setRule("r1", 5, "x", float64(1), "y", float64(1))})
	engine := newTestEngine(t, srv, RulesConfig{})

	rs, err := engine.FetchRules(context.Background())
	require.NoError(t, err)
	require.Equal(t, "v1", rs.Version)
	require.Equal(t, 1, rs.Len())

	parses, _, _ := engine.Stats()
	require.Equal(t, int64(1), parses)

	// Unchanged version: served from cache, byte-identical, no re-parse.
	rs2, err := engine.FetchRules(context.Background())
	require.NoError(t, err)
	require.Same(t, rs, rs2)
	require.Equal(t, rs.Raw(), rs2.Raw())

	parses, _, _ = engine.Stats()
	require.Equal(t, int64(1), parses)
	require.Equal(t, 1, srv.notModified)
}

func TestFetchRulesPicksUpNewVersion(t *testing.T) {
	srv := &rulesServer{}
	srv.setRules("v1", []Rule{setRule("r1", 5, "x", float64(1), "y", float64(1))})
	engine := newTestEngine(t, srv, RulesConfig{})

	_, err := engine.FetchRules(context.Background())
	require.NoError(t, err)

	srv.setRules("v2", []Rule{
		setRule("r1", 5, "x", float64(1), "y", float64(1)),
		setRule("r2", 1, "x", float64(2), "z", float64(2)),
	})

	rs, err := engine.FetchRules(context.Background())
	require.NoError(t, err)
	require.Equal(t, "v2", rs.Version)
	require.Equal(t, 2, rs.Len())

	parses, _, _ := engine.Stats()
	require.Equal(t, int64(2), parses)
}

func TestFetchRulesTTLExpiryForcesUnconditionalFetch(t *testing.T) {
	srv := &rulesServer{}
	srv.setRules("v1", []Rule{setRule("r1", 5, "x", float64(1), "y", float64(1))})

	transport := NewMockTransport()
	transport.SetHandler(srv.handler)
	sess := NewSessionManager(transport, testConfig())
	require.NoError(t, sess.Connect(context.Background()))
	t.Cleanup(func() { _ = sess.Close() })

	now := time.Now()
	cache := NewCacheStore(time.Minute)
	cache.now = func() time.Time { return now }
	engine := NewEngine(sess, cache, RulesConfig{})

	_, err := engine.FetchRules(context.Background())
	require.NoError(t, err)

	// Within the TTL the fetch is conditional and served from cache.
	_, err = engine.FetchRules(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, srv.notModified)
	parses, _, _ := engine.Stats()
	require.Equal(t, int64(1), parses)

	// Past the TTL the version tag is withheld even though it still
	// matches, forcing a full payload and a re-parse.
	now = now.Add(2 * time.Minute)
	_, err = engine.FetchRules(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, srv.notModified)
	parses, _, _ = engine.Stats()
	require.Equal(t, int64(2), parses)

	// The refetch restarted the TTL clock; conditional again.
	_, err = engine.FetchRules(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, srv.notModified)
}

func TestApplyRulesSetsFactWhenConditionHolds(t *testing.T) {
	srv := &rulesServer{}
	srv.setRules("v1", []Rule{setRule("r1", 5, "x", float64(1), "y", float64(1))})
	engine := newTestEngine(t, srv, RulesConfig{})

	_, err := engine.FetchRules(context.Background())
	require.NoError(t, err)

	actx := NewAgentContext("agent-1", "tester")
	actx.SetFact("x", float64(1))

	set, err := engine.ApplyRules(context.Background(), actx)
	require.NoError(t, err)
	require.Len(t, set.Results, 1)
	require.Equal(t, "r1", set.Results[0].RuleID)
	require.True(t, set.Results[0].Applied)

	y, ok := actx.Fact("y")
	require.True(t, ok)
	require.Equal(t, float64(1), y)

	// Same inputs twice give the same outcome.
	again, err := engine.ApplyRules(context.Background(), actx)
	require.NoError(t, err)
	require.Equal(t, set, again)

	// Condition no longer holds: no result for the rule, and the earlier
	// mutation stays.
	actx.SetFact("x", float64(2))
	set, err = engine.ApplyRules(context.Background(), actx)
	require.NoError(t, err)
	require.Empty(t, set.Results)
	_, ok = actx.Fact("y")
	require.True(t, ok)
}

func TestApplyRulesNoRuleSetLoaded(t *testing.T) {
	srv := &rulesServer{}
	engine := newTestEngine(t, srv, RulesConfig{})

	_, err := engine.ApplyRules(context.Background(), NewAgentContext("agent-1", ""))
	require.Error(t, err)
}

func TestApplyRulesPriorityWinsPerKey(t *testing.T) {
	srv := &rulesServer{}
	srv.setRules("v1", []Rule{
		setRule("low", 1, "x", float64(1), "mode", "low"),
		setRule("high", 9, "x", float64(1), "mode", "high"),
	})
	engine := newTestEngine(t, srv, RulesConfig{})
	_, err := engine.FetchRules(context.Background())
	require.NoError(t, err)

	actx := NewAgentContext("agent-1", "")
	actx.SetFact("x", float64(1))

	set, err := engine.ApplyRules(context.Background(), actx)
	require.NoError(t, err)
	require.Len(t, set.Results, 1)
	require.Equal(t, "high", set.Results[0].RuleID)

	mode, _ := actx.Fact("mode")
	require.Equal(t, "high", mode)
}

func TestApplyRulesEqualPriorityKeepsFetchOrder(t *testing.T) {
	srv := &rulesServer{}
	srv.setRules("v1", []Rule{
		setRule("first", 5, "x", float64(1), "mode", "first"),
		setRule("second", 5, "x", float64(1), "mode", "second"),
	})
	engine := newTestEngine(t, srv, RulesConfig{})
	_, err := engine.FetchRules(context.Background())
	require.NoError(t, err)

	actx := NewAgentContext("agent-1", "")
	actx.SetFact("x", float64(1))

	set, err := engine.ApplyRules(context.Background(), actx)
	require.NoError(t, err)
	require.Len(t, set.Results, 1)
	require.Equal(t, "first", set.Results[0].RuleID)
}

func TestApplyRulesFailureIsScopedToRule(t *testing.T) {
	srv := &rulesServer{}
	srv.setRules("v1", []Rule{
		{
			ID:        "bad",
			Priority:  9,
			Condition: RuleCondition{Fact: "x", Operator: "between", Value: float64(1)},
			Action:    RuleAction{Type: ActionSet, Key: "a", Value: float64(1)},
		},
		setRule("good", 1, "x", float64(1), "b", float64(2)),
	})
	engine := newTestEngine(t, srv, RulesConfig{})
	_, err := engine.FetchRules(context.Background())
	require.NoError(t, err)

	actx := NewAgentContext("agent-1", "")
	actx.SetFact("x", float64(1))

	set, err := engine.ApplyRules(context.Background(), actx)
	require.NoError(t, err)
	require.Len(t, set.Results, 2)

	require.Equal(t, "bad", set.Results[0].RuleID)
	require.False(t, set.Results[0].Applied)
	require.NotEmpty(t, set.Results[0].Err)

	require.Equal(t, "good", set.Results[1].RuleID)
	require.True(t, set.Results[1].Applied)

	_, ok := actx.Fact("a")
	require.False(t, ok, "failed rule must not mutate facts")
	b, _ := actx.Fact("b")
	require.Equal(t, float64(2), b)
}

func TestApplyRulesSkipsDisabled(t *testing.T) {
	srv := &rulesServer{}
	rule := setRule("r1", 5, "x", float64(1), "y", float64(1))
	rule.Disabled = true
	srv.setRules("v1", []Rule{rule})
	engine := newTestEngine(t, srv, RulesConfig{})
	_, err := engine.FetchRules(context.Background())
	require.NoError(t, err)

	actx := NewAgentContext("agent-1", "")
	actx.SetFact("x", float64(1))

	set, err := engine.ApplyRules(context.Background(), actx)
	require.NoError(t, err)
	require.Empty(t, set.Results)
}

func TestApplyRulesDryRun(t *testing.T) {
	srv := &rulesServer{}
	srv.setRules("v1", []Rule{setRule("r1", 5, "x", float64(1), "y", float64(1))})
	engine := newTestEngine(t, srv, RulesConfig{ExecutionMode: ExecutionDryRun})
	_, err := engine.FetchRules(context.Background())
	require.NoError(t, err)

	actx := NewAgentContext("agent-1", "")
	actx.SetFact("x", float64(1))

	set, err := engine.ApplyRules(context.Background(), actx)
	require.NoError(t, err)
	require.Len(t, set.Results, 1)
	require.True(t, set.Results[0].Applied)

	_, ok := actx.Fact("y")
	require.False(t, ok, "dry-run must not mutate facts")
}

func TestApplyRulesClearAction(t *testing.T) {
	srv := &rulesServer{}
	srv.setRules("v1", []Rule{{
		ID:        "clear-flag",
		Priority:  5,
		Condition: RuleCondition{Fact: "done", Operator: OpEquals, Value: true},
		Action:    RuleAction{Type: ActionClear, Key: "flag"},
	}})
	engine := newTestEngine(t, srv, RulesConfig{})
	_, err := engine.FetchRules(context.Background())
	require.NoError(t, err)

	actx := NewAgentContext("agent-1", "")
	actx.SetFact("done", true)
	actx.SetFact("flag", "set")

	_, err = engine.ApplyRules(context.Background(), actx)
	require.NoError(t, err)
	_, ok := actx.Fact("flag")
	require.False(t, ok)
}

func TestApplyRulesNotifyThroughBridge(t *testing.T) {
	srv := &rulesServer{}
	srv.setRules("v1", []Rule{{
		ID:        "alert",
		Priority:  5,
		Condition: RuleCondition{Fact: "level", Operator: OpGreater, Value: float64(3)},
		Action:    RuleAction{Type: ActionNotify, Value: "level high"},
	}})

	var mu sync.Mutex
	var calls []BridgeCall
	bridge := BridgeFunc(func(_ context.Context, fn string, args ...any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, BridgeCall{Fn: fn, Args: args})
		return nil, nil
	})

	transport := NewMockTransport()
	transport.SetHandler(srv.handler)
	sess := NewSessionManager(transport, testConfig())
	require.NoError(t, sess.Connect(context.Background()))
	t.Cleanup(func() { _ = sess.Close() })

	engine := NewEngine(sess, NewCacheStore(0), RulesConfig{}, WithEngineBridge(bridge))
	_, err := engine.FetchRules(context.Background())
	require.NoError(t, err)

	actx := NewAgentContext("agent-1", "")
	actx.SetFact("level", float64(5))

	set, err := engine.ApplyRules(context.Background(), actx)
	require.NoError(t, err)
	require.Len(t, set.Results, 1)
	require.True(t, set.Results[0].Applied)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 1)
	require.Equal(t, "notify", calls[0].Fn)
	require.Equal(t, []any{"alert", "level high"}, calls[0].Args)
}

func TestEvalConditionOperators(t *testing.T) {
	facts := map[string]any{
		"count":  float64(5),
		"name":   "prod-eu-1",
		"status": "running",
	}

	tests := []struct {
		name string
		cond RuleCondition
		want bool
	}{
		{"eq", RuleCondition{Fact: "count", Operator: OpEquals, Value: float64(5)}, true},
		{"eq int value", RuleCondition{Fact: "count", Operator: OpEquals, Value: 5}, true},
		{"ne", RuleCondition{Fact: "status", Operator: OpNotEquals, Value: "stopped"}, true},
		{"gt", RuleCondition{Fact: "count", Operator: OpGreater, Value: float64(3)}, true},
		{"lt", RuleCondition{Fact: "count", Operator: OpLess, Value: float64(3)}, false},
		{"contains", RuleCondition{Fact: "name", Operator: OpContains, Value: "eu"}, true},
		{"matches", RuleCondition{Fact: "name", Operator: OpMatches, Value: "prod-*"}, true},
		{"matches miss", RuleCondition{Fact: "name", Operator: OpMatches, Value: "dev-*"}, false},
		{"exists", RuleCondition{Fact: "status", Operator: OpExists}, true},
		{"exists miss", RuleCondition{Fact: "absent", Operator: OpExists}, false},
		{"negate", RuleCondition{Fact: "status", Operator: OpEquals, Value: "stopped", Negate: true}, true},
		{"missing fact eq", RuleCondition{Fact: "absent", Operator: OpEquals, Value: float64(1)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evalCondition(tt.cond, facts)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestEvalConditionErrors(t *testing.T) {
	facts := map[string]any{"a": "str", "b": float64(1)}

	_, err := evalCondition(RuleCondition{Fact: "a", Operator: "between"}, facts)
	require.Error(t, err)

	_, err = evalCondition(RuleCondition{Fact: "a", Operator: OpGreater, Value: float64(1)}, facts)
	require.Error(t, err, "string vs number is incomparable")

	_, err = evalCondition(RuleCondition{Fact: "b", Operator: OpMatches, Value: "[unclosed"}, facts)
	require.Error(t, err)
}

func TestSendResults(t *testing.T) {
	srv := &rulesServer{}
	srv.setRules("v1", []Rule{setRule("r1", 5, "x", float64(1), "y", float64(1))})
	engine := newTestEngine(t, srv, RulesConfig{})
	_, err := engine.FetchRules(context.Background())
	require.NoError(t, err)

	actx := NewAgentContext("agent-1", "")

	// Nothing applied yet.
	require.Error(t, engine.SendResults(context.Background(), actx))

	actx.SetFact("x", float64(1))
	_, err = engine.ApplyRules(context.Background(), actx)
	require.NoError(t, err)
	require.NoError(t, engine.SendResults(context.Background(), actx))

	sets := srv.publishedSets()
	require.Len(t, sets, 1)
	require.Equal(t, "agent-1", sets[0].AgentID)
	require.Len(t, sets[0].Results, 1)
}

func TestHandleEventPublishesDelta(t *testing.T) {
	srv := &rulesServer{}
	srv.setRules("v1", []Rule{setRule("r1", 5, "x", float64(1), "y", float64(1))})
	engine := newTestEngine(t, srv, RulesConfig{})
	_, err := engine.FetchRules(context.Background())
	require.NoError(t, err)

	actx := NewAgentContext("agent-1", "")

	delta, err := engine.HandleEvent(context.Background(), actx, StreamEvent{
		ID:    "ev-1",
		Facts: map[string]any{"x": float64(1)},
	})
	require.NoError(t, err)
	require.Len(t, delta.Results, 1)
	require.Len(t, srv.publishedSets(), 1)

	// An event that changes nothing produces no publish.
	delta, err = engine.HandleEvent(context.Background(), actx, StreamEvent{
		ID:    "ev-2",
		Facts: map[string]any{"unrelated": "noise"},
	})
	require.NoError(t, err)
	require.Empty(t, delta.Results)
	require.Len(t, srv.publishedSets(), 1)
}

func TestHandleEventReplayIsIdempotent(t *testing.T) {
	srv := &rulesServer{}
	srv.setRules("v1", []Rule{setRule("r1", 5, "x", float64(1), "y", float64(1))})
	engine := newTestEngine(t, srv, RulesConfig{})
	_, err := engine.FetchRules(context.Background())
	require.NoError(t, err)

	actx := NewAgentContext("agent-1", "")
	ev := StreamEvent{ID: "ev-1", Facts: map[string]any{"x": float64(1)}}

	_, err = engine.HandleEvent(context.Background(), actx, ev)
	require.NoError(t, err)

	// Replaying the same identifier after a stream resume is a no-op.
	delta, err := engine.HandleEvent(context.Background(), actx, ev)
	require.NoError(t, err)
	require.Empty(t, delta.Results)
	require.Len(t, srv.publishedSets(), 1)

	_, _, events := engine.Stats()
	require.Equal(t, int64(1), events)
}

func TestHandleEventSeenWindowIsBounded(t *testing.T) {
	srv := &rulesServer{}
	srv.setRules("v1", []Rule{setRule("r1", 5, "x", float64(1), "y", float64(1))})
	engine := newTestEngine(t, srv, RulesConfig{})
	_, err := engine.FetchRules(context.Background())
	require.NoError(t, err)

	actx := NewAgentContext("agent-1", "")
	total := seenEventCap + 50
	for i := 0; i < total; i++ {
		_, err := engine.HandleEvent(context.Background(), actx, StreamEvent{
			ID:    fmt.Sprintf("ev-%d", i),
			Facts: map[string]any{"noise": i},
		})
		require.NoError(t, err)
	}

	engine.mu.Lock()
	seenLen := len(engine.seen)
	orderLen := len(engine.seenOrder)
	engine.mu.Unlock()
	require.Equal(t, seenEventCap, seenLen)
	require.Equal(t, seenEventCap, orderLen)

	// A recent identifier is still suppressed; an evicted one is processed
	// again.
	_, _, events := engine.Stats()
	require.Equal(t, int64(total), events)

	_, err = engine.HandleEvent(context.Background(), actx, StreamEvent{ID: fmt.Sprintf("ev-%d", total-1)})
	require.NoError(t, err)
	_, _, events = engine.Stats()
	require.Equal(t, int64(total), events)

	_, err = engine.HandleEvent(context.Background(), actx, StreamEvent{ID: "ev-0"})
	require.NoError(t, err)
	_, _, events = engine.Stats()
	require.Equal(t, int64(total+1), events)
}
