// Package server exposes the HTTP API: health, status, metrics, the
// moderation dashboard endpoints, and the WebSocket feed. It includes
// permissive CORS for development and injects correlation IDs into request
// contexts for consistent logging.
package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/streamwarden/db"
	"github.com/onnwee/streamwarden/detect"
	"github.com/onnwee/streamwarden/realtime"
	"github.com/onnwee/streamwarden/telemetry"
)

// scanRunner triggers a detection scan for one guild. Satisfied by
// *detect.Scheduler.
type scanRunner interface {
	RunGuild(ctx context.Context, guildID string) (detect.ScanResult, error)
}

// Deps carries the dependencies the HTTP handlers need.
type Deps struct {
	DB    *sql.DB
	Store *db.Store
	Hub   *realtime.Hub
	Sched scanRunner
}

// NewMux returns the HTTP handler with all routes.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
	h := &Handlers{deps: deps, started: time.Now()}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)
	if deps.Hub != nil {
		mux.HandleFunc("/ws", deps.Hub.ServeWS)
	}
	mux.HandleFunc("/api/moderation/logs", h.HandleModerationLogs)
	mux.HandleFunc("/api/tracked-users", h.HandleTrackedUsers)
	mux.Handle("/api/detection/scan", adminAuth(rateLimit(http.HandlerFunc(h.HandleDetectionScan), limiter), authCfg))

	// correlation ID injection around every request
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)
		telemetry.LoggerWithCorr(ctx).Debug("request start",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("component", "http"))
		mux.ServeHTTP(w, r.WithContext(ctx))
	})
	return withCORS(handler)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(ctx, deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
