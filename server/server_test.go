package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/streamwarden/db"
	"github.com/onnwee/streamwarden/detect"
	"github.com/onnwee/streamwarden/moderation"
	"github.com/onnwee/streamwarden/realtime"
	"github.com/onnwee/streamwarden/testutil"
)

type fakeScheduler struct {
	lastGuild string
	res       detect.ScanResult
	err       error
}

func (f *fakeScheduler) RunGuild(ctx context.Context, guildID string) (detect.ScanResult, error) {
	f.lastGuild = guildID
	return f.res, f.err
}

func testDeps(t *testing.T) (Deps, *fakeScheduler) {
	t.Helper()
	sqlDB := testutil.SetupTestDB(t)
	sched := &fakeScheduler{res: detect.ScanResult{TotalMembers: 3, NewlyAdded: 1}}
	return Deps{
		DB:    sqlDB,
		Store: db.NewStore(sqlDB),
		Hub:   realtime.NewHub(),
		Sched: sched,
	}, sched
}

func TestHealthzEndpoint(t *testing.T) {
	deps, _ := testDeps(t)
	handler := NewMux(context.Background(), deps)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestReadyzEndpoint(t *testing.T) {
	deps, _ := testDeps(t)
	handler := NewMux(context.Background(), deps)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("readyz status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ready" {
		t.Errorf("status = %q", body["status"])
	}
}

func TestCORSPreflight(t *testing.T) {
	deps, _ := testDeps(t)
	handler := NewMux(context.Background(), deps)

	req := httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("OPTIONS status = %d, want %d", w.Code, http.StatusNoContent)
	}
	for _, h := range []string{"Access-Control-Allow-Origin", "Access-Control-Allow-Methods", "Access-Control-Allow-Headers"} {
		if w.Header().Get(h) == "" {
			t.Errorf("missing CORS header %s", h)
		}
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	deps, _ := testDeps(t)
	handler := NewMux(context.Background(), deps)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Errorf("correlation header = %q", got)
	}
}

func TestModerationLogsEndpoint(t *testing.T) {
	deps, _ := testDeps(t)
	ctx := context.Background()
	entry := moderation.LogEntry{
		TenantID: "somechannel",
		Platform: moderation.PlatformTwitch,
		UserID:   "u1",
		Username: "spammer",
		Message:  "buy followers at spam.example",
		Rule:     moderation.RuleLinks,
		Action:   moderation.ActionWarn,
		ActionOK: true,
	}
	if err := deps.Store.AppendModerationLog(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}

	handler := NewMux(ctx, deps)
	req := httptest.NewRequest(http.MethodGet, "/api/moderation/logs?tenant=somechannel", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var body struct {
		Entries []moderation.LogEntry `json:"entries"`
		Count   int                   `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count < 1 {
		t.Fatal("expected at least one entry")
	}
	if body.Entries[0].Rule != moderation.RuleLinks {
		t.Errorf("rule = %v", body.Entries[0].Rule)
	}
}

func TestModerationLogsRequiresTenant(t *testing.T) {
	deps, _ := testDeps(t)
	handler := NewMux(context.Background(), deps)

	req := httptest.NewRequest(http.MethodGet, "/api/moderation/logs", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestTrackedUsersEndpoint(t *testing.T) {
	deps, _ := testDeps(t)
	ctx := context.Background()
	u := detect.TrackedUser{
		GuildID:           "g1",
		UserID:            "u1",
		Username:          "streamer",
		IsActive:          true,
		AutoDetected:      true,
		Platforms:         []string{"twitch"},
		PlatformUsernames: map[string]string{"twitch": "streamer"},
	}
	if err := deps.Store.UpsertTrackedUser(ctx, u); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	handler := NewMux(ctx, deps)
	req := httptest.NewRequest(http.MethodGet, "/api/tracked-users?guild=g1", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var body struct {
		Users []detect.TrackedUser `json:"users"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	found := false
	for _, got := range body.Users {
		if got.UserID == "u1" && got.PlatformUsernames["twitch"] == "streamer" {
			found = true
		}
	}
	if !found {
		t.Errorf("tracked user not returned: %+v", body.Users)
	}
}

func TestDetectionScanEndpoint(t *testing.T) {
	deps, sched := testDeps(t)
	handler := NewMux(context.Background(), deps)

	req := httptest.NewRequest(http.MethodPost, "/api/detection/scan?guild=g1", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if sched.lastGuild != "g1" {
		t.Errorf("scan guild = %q", sched.lastGuild)
	}
	var res detect.ScanResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.TotalMembers != 3 || res.NewlyAdded != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestDetectionScanRejectsGet(t *testing.T) {
	deps, _ := testDeps(t)
	handler := NewMux(context.Background(), deps)

	req := httptest.NewRequest(http.MethodGet, "/api/detection/scan?guild=g1", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestDetectionScanAuthEnforced(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "sekrit")
	deps, _ := testDeps(t)
	handler := NewMux(context.Background(), deps)

	req := httptest.NewRequest(http.MethodPost, "/api/detection/scan?guild=g1", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/detection/scan?guild=g1", nil)
	req.Header.Set("X-Admin-Token", "sekrit")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestStatusEndpoint(t *testing.T) {
	deps, _ := testDeps(t)
	handler := NewMux(context.Background(), deps)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["uptime_seconds"]; !ok {
		t.Error("missing uptime_seconds")
	}
	if _, ok := body["ws_clients"]; !ok {
		t.Error("missing ws_clients")
	}
	if _, ok := body["tracing_enabled"]; !ok {
		t.Error("missing tracing_enabled")
	}
}

func TestRateLimiterBlocksAfterLimit(t *testing.T) {
	cfg := &rateLimiterConfig{enabled: true, requestsPerIP: 2, window: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := newIPRateLimiter(ctx, cfg)

	if !rl.allow("1.2.3.4") || !rl.allow("1.2.3.4") {
		t.Fatal("first two requests should pass")
	}
	if rl.allow("1.2.3.4") {
		t.Error("third request should be limited")
	}
	if !rl.allow("5.6.7.8") {
		t.Error("other IPs unaffected")
	}
}
