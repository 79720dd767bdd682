package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/streamwarden/telemetry"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps    Deps
	started time.Time
}

// HandleHealthz responds to liveness probes by checking database
// connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.DB.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes with per-check detail.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.deps.DB.PingContext(r.Context()) }},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus returns a lightweight status summary: uptime, connected
// dashboard clients, tracked user counts, and background job heartbeats.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{
		"uptime_seconds":  int(time.Since(h.started).Seconds()),
		"tracing_enabled": telemetry.IsTracingEnabled(),
	}
	if h.deps.Hub != nil {
		resp["ws_clients"] = h.deps.Hub.ClientCount()
	}
	if n, err := h.deps.Store.ActiveTrackedUserCount(ctx); err == nil {
		resp["tracked_users_active"] = n
	}
	if hb, err := h.deps.Store.JobHeartbeat(ctx, "job_detect_last"); err == nil && hb != "" {
		resp["job_detect_last"] = hb
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleModerationLogs returns recent moderation log entries for one tenant,
// newest first.
func (h *Handlers) HandleModerationLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		http.Error(w, "missing tenant parameter", http.StatusBadRequest)
		return
	}
	limit := parseIntQuery(r, "limit", 100)
	entries, err := h.deps.Store.RecentModerationLogs(r.Context(), tenant, limit)
	if err != nil {
		http.Error(w, "failed to load logs", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"entries": entries, "count": len(entries)})
}

// HandleTrackedUsers lists tracked streaming accounts for one guild.
func (h *Handlers) HandleTrackedUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	guild := r.URL.Query().Get("guild")
	if guild == "" {
		http.Error(w, "missing guild parameter", http.StatusBadRequest)
		return
	}
	users, err := h.deps.Store.TrackedUsers(r.Context(), guild)
	if err != nil {
		http.Error(w, "failed to load tracked users", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"users": users, "count": len(users)})
}

// HandleDetectionScan triggers an immediate detection scan for one guild.
func (h *Handlers) HandleDetectionScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	guild := r.URL.Query().Get("guild")
	if guild == "" {
		http.Error(w, "missing guild parameter", http.StatusBadRequest)
		return
	}
	if h.deps.Sched == nil {
		http.Error(w, "detection not enabled", http.StatusServiceUnavailable)
		return
	}
	res, err := h.deps.Sched.RunGuild(r.Context(), guild)
	if err != nil {
		http.Error(w, "scan failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

// parseIntQuery extracts an int query parameter with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
