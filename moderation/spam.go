package moderation

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SpamPolicy bounds per-key message rate and repeated content over a
// trailing window. A message is spam when either the rate limit is
// exceeded or the window holds RepeatThreshold identical messages
// (including the current one).
type SpamPolicy struct {
	Window          time.Duration
	MaxMessages     int
	RepeatThreshold int
}

func DefaultSpamPolicy() SpamPolicy {
	return SpamPolicy{Window: 10 * time.Second, MaxMessages: 5, RepeatThreshold: 3}
}

// maxTrackedKeys caps the spam state map; stale keys are swept once the cap
// is exceeded.
const maxTrackedKeys = 4096

// spamTracker holds short-lived counters keyed by (tenant, platform, user).
// The rate limit uses a token bucket (rate = MaxMessages/Window, burst =
// MaxMessages), which approximates a sliding window; repeated-content
// detection uses an exact trailing window of recent message texts.
type spamTracker struct {
	policy SpamPolicy

	mu   sync.Mutex
	keys map[string]*spamState
}

type spamState struct {
	limiter *rate.Limiter
	recent  []spamMsg
	touched time.Time
}

type spamMsg struct {
	text string
	at   time.Time
}

func newSpamTracker(p SpamPolicy) *spamTracker {
	if p.Window <= 0 {
		p.Window = 10 * time.Second
	}
	if p.MaxMessages <= 0 {
		p.MaxMessages = 5
	}
	if p.RepeatThreshold <= 0 {
		p.RepeatThreshold = 3
	}
	return &spamTracker{policy: p, keys: make(map[string]*spamState)}
}

func spamKey(msg Message) string {
	return msg.TenantID + "|" + string(msg.Platform) + "|" + msg.UserID
}

// Observe records one message and reports whether it crosses a spam
// threshold. Timestamps are taken from the message so tests can drive
// deterministic clocks.
func (t *spamTracker) Observe(key, text string, at time.Time) bool {
	if at.IsZero() {
		at = time.Now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.keys[key]
	if st == nil {
		perSecond := float64(t.policy.MaxMessages) / t.policy.Window.Seconds()
		st = &spamState{limiter: rate.NewLimiter(rate.Limit(perSecond), t.policy.MaxMessages)}
		t.keys[key] = st
	}
	st.touched = at

	// prune the trailing window and count identical texts still inside it
	cutoff := at.Add(-t.policy.Window)
	kept := st.recent[:0]
	repeats := 1 // the current message
	for _, m := range st.recent {
		if m.at.Before(cutoff) {
			continue
		}
		kept = append(kept, m)
		if strings.EqualFold(m.text, text) {
			repeats++
		}
	}
	st.recent = append(kept, spamMsg{text: text, at: at})

	rateExceeded := !st.limiter.AllowN(at, 1)

	if len(t.keys) > maxTrackedKeys {
		t.sweepLocked(at)
	}
	return rateExceeded || repeats >= t.policy.RepeatThreshold
}

// sweepLocked drops keys idle for several windows. Caller holds t.mu.
func (t *spamTracker) sweepLocked(now time.Time) {
	stale := now.Add(-10 * t.policy.Window)
	for k, st := range t.keys {
		if st.touched.Before(stale) {
			delete(t.keys, k)
		}
	}
}
