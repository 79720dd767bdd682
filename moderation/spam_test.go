package moderation

import (
	"fmt"
	"testing"
	"time"
)

func TestSpamRepeatThreshold(t *testing.T) {
	tr := newSpamTracker(SpamPolicy{Window: 10 * time.Second, MaxMessages: 100, RepeatThreshold: 3})
	base := time.Now()

	if tr.Observe("k", "buy now", base) {
		t.Error("first message flagged")
	}
	if tr.Observe("k", "buy now", base.Add(time.Second)) {
		t.Error("second identical message flagged")
	}
	if !tr.Observe("k", "buy now", base.Add(2*time.Second)) {
		t.Error("third identical message within window not flagged")
	}
}

func TestSpamRepeatCaseInsensitive(t *testing.T) {
	tr := newSpamTracker(SpamPolicy{Window: 10 * time.Second, MaxMessages: 100, RepeatThreshold: 3})
	base := time.Now()
	tr.Observe("k", "Buy Now", base)
	tr.Observe("k", "BUY NOW", base.Add(time.Second))
	if !tr.Observe("k", "buy now", base.Add(2*time.Second)) {
		t.Error("case variants of identical message not counted together")
	}
}

func TestSpamRepeatWindowExpiry(t *testing.T) {
	tr := newSpamTracker(SpamPolicy{Window: 10 * time.Second, MaxMessages: 100, RepeatThreshold: 3})
	base := time.Now()
	tr.Observe("k", "hi", base)
	tr.Observe("k", "hi", base.Add(time.Second))
	// third repeat lands after the first two fell out of the window
	if tr.Observe("k", "hi", base.Add(30*time.Second)) {
		t.Error("repeat outside trailing window flagged")
	}
}

func TestSpamRateLimit(t *testing.T) {
	tr := newSpamTracker(SpamPolicy{Window: 10 * time.Second, MaxMessages: 5, RepeatThreshold: 100})
	base := time.Now()
	for i := 0; i < 5; i++ {
		if tr.Observe("k", fmt.Sprintf("msg %d", i), base.Add(time.Duration(i)*10*time.Millisecond)) {
			t.Fatalf("message %d within budget flagged", i)
		}
	}
	if !tr.Observe("k", "msg 6", base.Add(60*time.Millisecond)) {
		t.Error("burst beyond MaxMessages not flagged")
	}
}

func TestSpamKeysIsolated(t *testing.T) {
	tr := newSpamTracker(SpamPolicy{Window: 10 * time.Second, MaxMessages: 2, RepeatThreshold: 100})
	base := time.Now()
	tr.Observe("a", "x", base)
	tr.Observe("a", "x", base.Add(time.Millisecond))
	// a's budget is spent; b is unaffected
	if tr.Observe("b", "x", base.Add(2*time.Millisecond)) {
		t.Error("rate state leaked across keys")
	}
}

func TestSpamKeyIncludesPlatform(t *testing.T) {
	m := Message{TenantID: "t", Platform: PlatformTwitch, UserID: "u"}
	twitchKey := spamKey(m)
	m.Platform = PlatformDiscord
	if spamKey(m) == twitchKey {
		t.Error("spam key must separate platforms for the same (tenant, user)")
	}
}
