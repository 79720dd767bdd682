package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestMetricsInitialized(t *testing.T) {
	Init()

	if MessagesProcessed == nil {
		t.Error("MessagesProcessed counter not initialized")
	}
	if Verdicts == nil {
		t.Error("Verdicts counter vec not initialized")
	}
	if EvaluateDuration == nil {
		t.Error("EvaluateDuration histogram not initialized")
	}
	if ScanDuration == nil {
		t.Error("ScanDuration histogram not initialized")
	}
	if TrackedUsersGauge == nil {
		t.Error("TrackedUsersGauge not initialized")
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	first := MessagesProcessed
	Init()
	if MessagesProcessed != first {
		t.Error("Init re-registered metrics")
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	Init()

	ran := false
	d := TimeFunc(EvaluateDuration, func() {
		ran = true
		time.Sleep(time.Millisecond)
	})
	if !ran {
		t.Fatal("TimeFunc did not invoke fn")
	}
	if d <= 0 {
		t.Errorf("TimeFunc returned non-positive duration %v", d)
	}
}

func TestTimeFuncNilObserver(t *testing.T) {
	// must not panic
	TimeFunc(nil, func() {})
}

func TestCorrelationRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("empty context returned correlation %q", got)
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("GetCorrelation = %q, want abc-123", got)
	}
}
