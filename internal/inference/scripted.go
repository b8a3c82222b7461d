package inference

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/npc-world/internal/apperr"
)

// Rule answers queries it matches. Empty Caller matches any caller; empty
// Contains matches any prompt.
type Rule struct {
	Caller   string
	Contains string
	Reply    string
	Err      error
	Delay    time.Duration
}

// ScriptedGateway is a deterministic Gateway for offline runs and tests.
// The first matching rule answers.
type ScriptedGateway struct {
	rules []Rule
	calls map[string]int
	mu    sync.Mutex
}

// NewScriptedGateway creates a gateway with the given rules.
func NewScriptedGateway(rules ...Rule) *ScriptedGateway {
	return &ScriptedGateway{rules: rules, calls: make(map[string]int)}
}

// On appends a rule answering caller's prompts containing contains.
func (g *ScriptedGateway) On(caller, contains, reply string) *ScriptedGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = append(g.rules, Rule{Caller: caller, Contains: contains, Reply: reply})
	return g
}

// Fail appends a rule failing caller's prompts containing contains.
func (g *ScriptedGateway) Fail(caller, contains string, err error) *ScriptedGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = append(g.rules, Rule{Caller: caller, Contains: contains, Err: err})
	return g
}

// Calls returns how many queries caller has made.
func (g *ScriptedGateway) Calls(caller string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[caller]
}

// Query implements Gateway.
func (g *ScriptedGateway) Query(ctx context.Context, caller, prompt string) (string, error) {
	g.mu.Lock()
	g.calls[caller]++
	var rule *Rule
	for i := range g.rules {
		r := g.rules[i]
		if (r.Caller == "" || r.Caller == caller) && strings.Contains(prompt, r.Contains) {
			rule = &r
			break
		}
	}
	g.mu.Unlock()

	if rule == nil {
		return "", apperr.Backend("query "+caller, fmt.Errorf("no scripted reply"))
	}
	if rule.Delay > 0 {
		select {
		case <-time.After(rule.Delay):
		case <-ctx.Done():
			return "", apperr.Backend("query "+caller, ctx.Err())
		}
	}
	if rule.Err != nil {
		return "", apperr.Backend("query "+caller, rule.Err)
	}
	return rule.Reply, nil
}
