package moderation

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/onnwee/streamwarden/telemetry"
)

// Shape-heuristic thresholds. Minimum lengths avoid false positives on
// short strings like "OK" or "?!".
const (
	capsMinRunes    = 10
	symbolsMinRunes = 6
)

// evalOrder fixes rule priority: cheap deterministic checks short-circuit
// before the probabilistic classifier, heuristics run last. First triggered
// rule wins; at most one verdict per message.
var evalOrder = [...]RuleType{
	RuleLinks,
	RuleBannedWords,
	RuleCustomPattern,
	RuleToxic,
	RuleSpam,
	RuleCaps,
	RuleSymbols,
}

// Classifier scores a message for toxic language. Implementations are
// expected to involve external I/O; the evaluator bounds each call with a
// timeout and fails open on error.
type Classifier interface {
	Classify(ctx context.Context, text string) (bool, error)
}

// Evaluator scores single messages against a tenant's active rule set.
// It owns the per-key spam counters and the compiled custom-pattern cache;
// no ambient global state, so independent instances never interfere.
type Evaluator struct {
	classifier        Classifier
	classifierTimeout time.Duration
	spam              *spamTracker

	patternMu sync.Mutex
	patterns  map[string]*regexp.Regexp
	badPat    map[string]bool // patterns that failed to compile, logged once
}

type EvaluatorOption func(*Evaluator)

// WithClassifier wires the toxic-language classifier. timeout bounds each
// classification call; zero keeps the default.
func WithClassifier(c Classifier, timeout time.Duration) EvaluatorOption {
	return func(e *Evaluator) {
		e.classifier = c
		if timeout > 0 {
			e.classifierTimeout = timeout
		}
	}
}

// WithSpamPolicy overrides the default spam window/thresholds.
func WithSpamPolicy(p SpamPolicy) EvaluatorOption {
	return func(e *Evaluator) { e.spam = newSpamTracker(p) }
}

func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		classifierTimeout: 2 * time.Second,
		spam:              newSpamTracker(DefaultSpamPolicy()),
		patterns:          make(map[string]*regexp.Regexp),
		badPat:            make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate scores msg against cfg and returns the first triggered rule's
// verdict, or nil when the message is clean. The spam counters observe
// every message regardless of which rule (if any) fires.
func (e *Evaluator) Evaluate(ctx context.Context, msg Message, cfg TenantConfig) *Verdict {
	start := time.Now()
	defer func() {
		if telemetry.EvaluateDuration != nil {
			telemetry.EvaluateDuration.Observe(time.Since(start).Seconds())
		}
	}()

	spamHit := e.spam.Observe(spamKey(msg), msg.Text, msg.ReceivedAt)

	for _, rt := range evalOrder {
		rule, ok := activeRule(cfg.Rules, rt)
		if !ok {
			continue
		}
		var triggered bool
		switch rt {
		case RuleLinks:
			triggered = matchLinks(msg.Text, cfg.Whitelist)
		case RuleBannedWords:
			triggered = matchBannedWords(msg.Text, cfg.BannedWords)
		case RuleCustomPattern:
			triggered = e.matchPattern(rule, msg.Text)
		case RuleToxic:
			triggered = e.classify(ctx, msg.Text)
		case RuleSpam:
			triggered = spamHit
		case RuleCaps:
			triggered = matchCaps(msg.Text)
		case RuleSymbols:
			triggered = matchSymbols(msg.Text)
		}
		if triggered {
			if telemetry.Verdicts != nil {
				telemetry.Verdicts.WithLabelValues(rt.String()).Inc()
			}
			return &Verdict{Rule: rt, Severity: rule.Severity, Action: rule.Action}
		}
	}
	return nil
}

// activeRule returns the first enabled rule of the given type. Multiple
// disabled duplicates may exist in storage; they are never evaluated.
func activeRule(rules []Rule, t RuleType) (Rule, bool) {
	for _, r := range rules {
		if r.Type == t && r.Enabled {
			return r, true
		}
	}
	return Rule{}, false
}

var urlPattern = regexp.MustCompile(`(?i)\bhttps?://\S+|\bwww\.\S+`)

// matchLinks triggers when the message contains a URL whose domain is not
// covered by the whitelist. Domain comparison is case-insensitive and
// suffix-based, so "clips.twitch.tv" is covered by "twitch.tv".
func matchLinks(text string, whitelist []string) bool {
	for _, raw := range urlPattern.FindAllString(text, -1) {
		host := hostOf(raw)
		if host == "" {
			continue
		}
		if !domainWhitelisted(host, whitelist) {
			return true
		}
	}
	return false
}

func hostOf(raw string) string {
	raw = strings.TrimRight(raw, ".,!?)")
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

func domainWhitelisted(host string, whitelist []string) bool {
	for _, d := range whitelist {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// matchBannedWords is case-insensitive. Single-token entries match on word
// boundaries so "ass" does not flag "class"; entries containing whitespace
// are matched as plain substrings.
func matchBannedWords(text string, words []string) bool {
	lower := strings.ToLower(text)
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if strings.ContainsAny(w, " \t") {
			if strings.Contains(lower, w) {
				return true
			}
			continue
		}
		if containsToken(lower, w) {
			return true
		}
	}
	return false
}

func containsToken(haystack, token string) bool {
	for i := 0; ; {
		j := strings.Index(haystack[i:], token)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(token)
		if boundaryAt(haystack, start-1) && boundaryAt(haystack, end) {
			return true
		}
		i = start + 1
	}
}

func boundaryAt(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	r := rune(s[i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func (e *Evaluator) matchPattern(rule Rule, text string) bool {
	if rule.CustomPattern == "" {
		return false
	}
	e.patternMu.Lock()
	re, ok := e.patterns[rule.CustomPattern]
	if !ok {
		if e.badPat[rule.CustomPattern] {
			e.patternMu.Unlock()
			return false
		}
		var err error
		re, err = regexp.Compile(rule.CustomPattern)
		if err != nil {
			// malformed config disables the rule rather than crashing evaluation
			e.badPat[rule.CustomPattern] = true
			e.patternMu.Unlock()
			slog.Warn("invalid custom pattern, rule treated as inactive",
				slog.String("tenant_id", rule.TenantID),
				slog.String("pattern", rule.CustomPattern),
				slog.Any("err", err))
			return false
		}
		e.patterns[rule.CustomPattern] = re
	}
	e.patternMu.Unlock()
	return re.MatchString(text)
}

// classify calls the external classifier with a bounded timeout. Timeouts
// and failures fail open: the message is treated as not toxic so an
// unreliable external call can never block the chat pipeline.
func (e *Evaluator) classify(ctx context.Context, text string) bool {
	if e.classifier == nil {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, e.classifierTimeout)
	defer cancel()
	toxic, err := e.classifier.Classify(cctx, text)
	if err != nil {
		if telemetry.ClassifierFailures != nil {
			telemetry.ClassifierFailures.Inc()
		}
		slog.Warn("toxicity classifier failed, failing open", slog.Any("err", err))
		return false
	}
	return toxic
}

// matchCaps triggers when at least half of the alphabetic runes are
// uppercase. Messages shorter than capsMinRunes never trigger.
func matchCaps(text string) bool {
	runes := []rune(text)
	if len(runes) < capsMinRunes {
		return false
	}
	var letters, upper int
	for _, r := range runes {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters > 0 && upper*2 >= letters
}

// matchSymbols triggers when more than 30% of the non-space runes are
// neither letters nor digits. Messages shorter than symbolsMinRunes never
// trigger.
func matchSymbols(text string) bool {
	var total, symbols int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			symbols++
		}
	}
	if total < symbolsMinRunes {
		return false
	}
	return float64(symbols) > 0.30*float64(total)
}
