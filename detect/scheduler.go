package detect

import (
	"context"
	"log/slog"
	"time"
)

// jobToucher is implemented by stores that keep a job heartbeat (kv table).
type jobToucher interface {
	TouchJob(ctx context.Context, name string) error
}

// Scheduler periodically scans every guild with auto-detection enabled.
// The fixed tick only bounds the drift between "due" and "actually
// scanned"; each guild's own sync interval decides whether it is due.
type Scheduler struct {
	det   *Detector
	store Store
	tick  time.Duration
	now   func() time.Time
}

func NewScheduler(det *Detector, store Store, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = 30 * time.Minute
	}
	return &Scheduler{det: det, store: store, tick: tick, now: time.Now}
}

// Start runs the polling loop until ctx is cancelled. The first pass runs
// immediately so a restart doesn't wait a full tick.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("detection scheduler starting", slog.Duration("tick", s.tick))
	if err := s.runOnce(ctx); err != nil {
		slog.Warn("detection pass failed", slog.Any("err", err))
	}
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("detection scheduler stopped")
			return
		case <-ticker.C:
			if err := s.runOnce(ctx); err != nil {
				slog.Warn("detection pass failed", slog.Any("err", err))
			}
		}
	}
}

// runOnce checks every configured guild and scans the due ones. A failure
// scanning one guild is logged and does not stop the pass.
func (s *Scheduler) runOnce(ctx context.Context) error {
	if t, ok := s.store.(jobToucher); ok {
		if err := t.TouchJob(ctx, "job_detect_last"); err != nil {
			slog.Debug("job heartbeat write failed", slog.Any("err", err))
		}
	}
	settings, err := s.store.AllNotificationSettings(ctx)
	if err != nil {
		return err
	}
	for _, st := range settings {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !st.AutoDetectEnabled {
			continue
		}
		if !s.due(st) {
			continue
		}
		if _, err := s.det.Scan(ctx, st.GuildID); err != nil {
			slog.Error("guild scan failed, continuing with next guild",
				slog.String("guild_id", st.GuildID), slog.Any("err", err))
		}
	}
	return nil
}

func (s *Scheduler) due(st Settings) bool {
	if st.LastAutoSyncAt.IsZero() {
		return true
	}
	interval := st.AutoSyncInterval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return s.now().Sub(st.LastAutoSyncAt) >= interval
}

// RunGuild is the manual/administrative trigger: it scans one guild
// immediately, outside the schedule. Only that guild's bookkeeping is
// touched (the scan itself records its last-sync time).
func (s *Scheduler) RunGuild(ctx context.Context, guildID string) (ScanResult, error) {
	return s.det.Scan(ctx, guildID)
}
