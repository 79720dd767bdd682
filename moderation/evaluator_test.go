package moderation

import (
	"context"
	"strings"
	"testing"
	"time"
)

func msgAt(text string, at time.Time) Message {
	return Message{
		TenantID:   "t1",
		Platform:   PlatformTwitch,
		UserID:     "u1",
		Username:   "alice",
		Text:       text,
		ReceivedAt: at,
	}
}

func enabledRule(t RuleType, a Action) Rule {
	return Rule{TenantID: "t1", Type: t, Enabled: true, Severity: SeverityMedium, Action: a}
}

func TestEvaluateNoRules(t *testing.T) {
	e := NewEvaluator()
	v := e.Evaluate(context.Background(), msgAt("HELLO WORLD!!!", time.Now()), TenantConfig{})
	if v != nil {
		t.Fatalf("expected no verdict with empty config, got %+v", v)
	}
}

func TestLinksRule(t *testing.T) {
	e := NewEvaluator()
	cfg := TenantConfig{
		Rules:     []Rule{enabledRule(RuleLinks, ActionWarn)},
		Whitelist: []string{"youtube.com"},
	}
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"whitelisted", "check out https://youtube.com/x", false},
		{"mixed case not whitelisted", "http://Example.COM/x", true},
		{"not whitelisted", "check out https://evil.example/x", true},
		{"no url", "just chatting", false},
		{"www prefix whitelisted", "www.youtube.com/watch?v=1", false},
		{"subdomain of whitelisted", "https://music.youtube.com/abc", false},
		{"trailing punctuation", "look: https://youtube.com/x!", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := e.Evaluate(context.Background(), msgAt(tt.text, time.Now()), cfg)
			if got := v != nil; got != tt.want {
				t.Errorf("Evaluate(%q) verdict=%v, want %v", tt.text, got, tt.want)
			}
			if v != nil && v.Rule != RuleLinks {
				t.Errorf("rule = %v, want links", v.Rule)
			}
		})
	}
}

func TestLinksWhitelistCaseInsensitive(t *testing.T) {
	e := NewEvaluator()
	cfg := TenantConfig{
		Rules:     []Rule{enabledRule(RuleLinks, ActionWarn)},
		Whitelist: []string{"example.com"},
	}
	v := e.Evaluate(context.Background(), msgAt("http://Example.COM/x", time.Now()), cfg)
	if v != nil {
		t.Fatalf("whitelisted domain triggered links rule despite case difference: %+v", v)
	}
}

func TestBannedWords(t *testing.T) {
	e := NewEvaluator()
	cfg := TenantConfig{
		Rules:       []Rule{enabledRule(RuleBannedWords, ActionTimeout)},
		BannedWords: []string{"heck", "buy followers"},
	}
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"token match", "what the HECK is this", true},
		{"token inside word ignored", "checkered heckler? no: hecklers", false},
		{"phrase substring", "DM me to buy followers cheap", true},
		{"clean", "hello there", false},
		{"token with punctuation boundary", "heck!", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := e.Evaluate(context.Background(), msgAt(tt.text, time.Now()), cfg)
			if got := v != nil; got != tt.want {
				t.Errorf("Evaluate(%q) verdict=%v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestCustomPattern(t *testing.T) {
	e := NewEvaluator()
	rule := enabledRule(RuleCustomPattern, ActionWarn)
	rule.CustomPattern = `(?i)free\s+nitro`
	cfg := TenantConfig{Rules: []Rule{rule}}

	if v := e.Evaluate(context.Background(), msgAt("claim your FREE nitro now", time.Now()), cfg); v == nil {
		t.Error("custom pattern did not trigger")
	}
	if v := e.Evaluate(context.Background(), msgAt("nitro is cool", time.Now()), cfg); v != nil {
		t.Errorf("custom pattern false positive: %+v", v)
	}
}

func TestCustomPatternMalformedIsInactive(t *testing.T) {
	e := NewEvaluator()
	rule := enabledRule(RuleCustomPattern, ActionWarn)
	rule.CustomPattern = `([unclosed`
	cfg := TenantConfig{Rules: []Rule{rule}}
	// must not panic and must not trigger
	if v := e.Evaluate(context.Background(), msgAt("anything", time.Now()), cfg); v != nil {
		t.Errorf("malformed pattern produced verdict: %+v", v)
	}
}

func TestCapsBoundary(t *testing.T) {
	e := NewEvaluator()
	cfg := TenantConfig{Rules: []Rule{enabledRule(RuleCaps, ActionWarn)}}

	tests := []struct {
		name string
		text string
		want bool
	}{
		{"below min length all caps", "SHORT", false},
		{"exactly 50 percent", strings.Repeat("A", 5) + strings.Repeat("a", 5), true},
		{"49 percent", strings.Repeat("A", 49) + strings.Repeat("a", 51), false},
		{"51 percent", strings.Repeat("A", 51) + strings.Repeat("a", 49), true},
		{"long lowercase", strings.Repeat("a", 40), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := e.Evaluate(context.Background(), msgAt(tt.text, time.Now()), cfg)
			if got := v != nil; got != tt.want {
				t.Errorf("caps(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestSymbolsRatio(t *testing.T) {
	e := NewEvaluator()
	cfg := TenantConfig{Rules: []Rule{enabledRule(RuleSymbols, ActionWarn)}}

	tests := []struct {
		name string
		text string
		want bool
	}{
		{"mostly symbols", "!!!$$$###%%%", true},
		{"short symbol burst ignored", "?!", false},
		{"normal sentence", "hello there friend", false},
		{"exactly 30 percent does not trigger", "aaaaaaa!!!", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := e.Evaluate(context.Background(), msgAt(tt.text, time.Now()), cfg)
			if got := v != nil; got != tt.want {
				t.Errorf("symbols(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestPriorityOrdering(t *testing.T) {
	// message matches banned word AND is all caps; banned word must win
	e := NewEvaluator()
	cfg := TenantConfig{
		Rules: []Rule{
			enabledRule(RuleCaps, ActionWarn),
			enabledRule(RuleBannedWords, ActionTimeout),
		},
		BannedWords: []string{"heck"},
	}
	v := e.Evaluate(context.Background(), msgAt("WHAT THE HECK IS THIS", time.Now()), cfg)
	if v == nil {
		t.Fatal("expected verdict")
	}
	if v.Rule != RuleBannedWords {
		t.Errorf("rule = %v, want banned_words (priority)", v.Rule)
	}
	if v.Action != ActionTimeout {
		t.Errorf("action = %v, want timeout (from matching rule)", v.Action)
	}
}

func TestDisabledRuleSkipped(t *testing.T) {
	e := NewEvaluator()
	rule := enabledRule(RuleBannedWords, ActionBan)
	rule.Enabled = false
	cfg := TenantConfig{Rules: []Rule{rule}, BannedWords: []string{"heck"}}
	if v := e.Evaluate(context.Background(), msgAt("heck", time.Now()), cfg); v != nil {
		t.Errorf("disabled rule produced verdict: %+v", v)
	}
}

type stubClassifier struct {
	toxic bool
	err   error
	block bool // block until ctx is done
}

func (s stubClassifier) Classify(ctx context.Context, text string) (bool, error) {
	if s.block {
		<-ctx.Done()
		return false, ctx.Err()
	}
	return s.toxic, s.err
}

func TestToxicClassifier(t *testing.T) {
	cfg := TenantConfig{Rules: []Rule{enabledRule(RuleToxic, ActionBan)}}

	e := NewEvaluator(WithClassifier(stubClassifier{toxic: true}, time.Second))
	v := e.Evaluate(context.Background(), msgAt("you are awful", time.Now()), cfg)
	if v == nil || v.Rule != RuleToxic {
		t.Fatalf("expected toxic verdict, got %+v", v)
	}

	e = NewEvaluator(WithClassifier(stubClassifier{toxic: false}, time.Second))
	if v := e.Evaluate(context.Background(), msgAt("nice stream", time.Now()), cfg); v != nil {
		t.Errorf("clean message produced verdict: %+v", v)
	}
}

func TestToxicClassifierTimeoutFailsOpen(t *testing.T) {
	cfg := TenantConfig{Rules: []Rule{enabledRule(RuleToxic, ActionBan)}}
	e := NewEvaluator(WithClassifier(stubClassifier{block: true}, 20*time.Millisecond))

	start := time.Now()
	v := e.Evaluate(context.Background(), msgAt("whatever", time.Now()), cfg)
	if v != nil {
		t.Fatalf("timed-out classifier must fail open, got %+v", v)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("evaluation blocked for %v, timeout not applied", elapsed)
	}
}

func TestAtMostOneVerdict(t *testing.T) {
	// everything enabled; a message matching several rules still yields a
	// single verdict with the highest-priority rule
	e := NewEvaluator(WithClassifier(stubClassifier{toxic: true}, time.Second))
	cfg := TenantConfig{
		Rules: []Rule{
			enabledRule(RuleLinks, ActionWarn),
			enabledRule(RuleBannedWords, ActionWarn),
			enabledRule(RuleToxic, ActionBan),
			enabledRule(RuleSpam, ActionTimeout),
			enabledRule(RuleCaps, ActionWarn),
			enabledRule(RuleSymbols, ActionWarn),
		},
		BannedWords: []string{"heck"},
	}
	v := e.Evaluate(context.Background(), msgAt("HECK!!! https://evil.example SPAM SPAM", time.Now()), cfg)
	if v == nil {
		t.Fatal("expected verdict")
	}
	if v.Rule != RuleLinks {
		t.Errorf("rule = %v, want links (first in priority order)", v.Rule)
	}
}
