// Package detect implements passive streaming-account detection: it walks a
// guild's members, extracts platform handles from streaming presence
// activities, and reconciles the results against persisted tracked-user
// records. Detection is best-effort by design; there is no OAuth-based
// comprehensive lookup.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/streamwarden/telemetry"
)

// Activity is one presence activity of a guild member, already reduced to
// what detection needs.
type Activity struct {
	Streaming bool
	URL       string
	Name      string
}

// Member is a guild member with presence data.
type Member struct {
	UserID     string
	Username   string
	Bot        bool
	Activities []Activity
}

// GuildSource enumerates guild members with presence data. Implemented by
// the Discord adapter.
type GuildSource interface {
	Members(ctx context.Context, guildID string) ([]Member, error)
}

// TrackedUser is a persisted streaming-account record. AutoDetected=false
// marks a record a human operator created manually; scans never overwrite
// those.
type TrackedUser struct {
	GuildID           string            `json:"guild_id"`
	UserID            string            `json:"user_id"`
	Username          string            `json:"username"`
	IsActive          bool              `json:"is_active"`
	AutoDetected      bool              `json:"auto_detected"`
	Platforms         []string          `json:"platforms"`
	PlatformUsernames map[string]string `json:"platform_usernames"`
	LastNotifiedAt    time.Time         `json:"last_notified_at,omitzero"`
}

// Settings is the per-guild detection/notification configuration. The
// detector mutates only LastAutoSyncAt.
type Settings struct {
	GuildID           string
	AutoDetectEnabled bool
	AutoSyncInterval  time.Duration
	LastAutoSyncAt    time.Time
	Cooldown          time.Duration
	NotifyAllMembers  bool
	GameFilter        string
	StreamingRoleID   string
	RequiredRoleID    string
}

// Store is the persistence contract the detector and scheduler need.
// Upserts must be single-statement insert-or-update so concurrent scans
// cannot lose updates.
type Store interface {
	TrackedUsers(ctx context.Context, guildID string) ([]TrackedUser, error)
	UpsertTrackedUser(ctx context.Context, u TrackedUser) error
	DeactivateTrackedUser(ctx context.Context, guildID, userID string) error
	NotificationSettings(ctx context.Context, guildID string) (Settings, error)
	AllNotificationSettings(ctx context.Context) ([]Settings, error)
	SetLastAutoSync(ctx context.Context, guildID string, at time.Time) error
}

// ScanResult summarizes one reconciliation pass.
type ScanResult struct {
	TotalMembers         int `json:"total_members"`
	MembersWithStreaming int `json:"members_with_streaming"`
	NewlyAdded           int `json:"newly_added"`
	Updated              int `json:"updated"`
	Deactivated          int `json:"deactivated"`
	Errors               int `json:"errors"`
}

var platformPatterns = []struct {
	platform string
	re       *regexp.Regexp
}{
	{"twitch", regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?twitch\.tv(?:/([A-Za-z0-9_]+))?`)},
	{"youtube", regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?youtube\.com(?:/(?:c/|channel/|@)([A-Za-z0-9_\-.]+))?`)},
	{"kick", regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?kick\.com(?:/([A-Za-z0-9_\-]+))?`)},
}

// detectPlatforms extracts platform-to-handle pairs from a member's
// streaming activities. URLs that match no known platform domain are
// ignored; a matching domain without an extractable handle falls back to
// the activity's display name, and yields nothing when that is empty too.
func detectPlatforms(m Member) map[string]string {
	out := make(map[string]string)
	for _, act := range m.Activities {
		if !act.Streaming || act.URL == "" {
			continue
		}
		for _, p := range platformPatterns {
			sub := p.re.FindStringSubmatch(act.URL)
			if sub == nil {
				continue
			}
			handle := sub[1]
			if handle == "" {
				handle = strings.TrimSpace(act.Name)
			}
			if handle != "" {
				out[p.platform] = handle
			}
			break
		}
	}
	return out
}

// Detector reconciles guild presence against tracked-user records.
type Detector struct {
	source GuildSource
	store  Store
	now    func() time.Time
}

func NewDetector(source GuildSource, store Store) *Detector {
	return &Detector{source: source, store: store, now: time.Now}
}

// Scan runs one reconciliation pass for a guild. Per-member failures are
// counted and skipped, never aborting the batch. The guild's
// last-auto-sync timestamp is written only after the scan body completes,
// so a cancelled scan leaves bookkeeping untouched. Scanning twice with no
// presence changes in between yields zero additional adds/updates.
func (d *Detector) Scan(ctx context.Context, guildID string) (ScanResult, error) {
	var res ScanResult
	start := d.now()
	logger := slog.Default().With(slog.String("guild_id", guildID), slog.String("component", "detect"))

	ctx, span := telemetry.StartSpan(ctx, "detect", "detector.scan",
		attribute.String("guild_id", guildID))
	defer span.End()

	members, err := d.source.Members(ctx, guildID)
	if err != nil {
		telemetry.RecordError(span, err)
		return res, fmt.Errorf("list members: %w", err)
	}

	tracked, err := d.store.TrackedUsers(ctx, guildID)
	if err != nil {
		telemetry.RecordError(span, err)
		return res, fmt.Errorf("load tracked users: %w", err)
	}
	trackedByID := make(map[string]TrackedUser, len(tracked))
	for _, u := range tracked {
		trackedByID[u.UserID] = u
	}

	memberIDs := make(map[string]bool, len(members))
	for _, m := range members {
		if m.Bot {
			continue
		}
		res.TotalMembers++
		memberIDs[m.UserID] = true

		if err := ctx.Err(); err != nil {
			telemetry.RecordError(span, err)
			return res, err
		}
		if err := d.syncMember(ctx, guildID, m, trackedByID, &res); err != nil {
			res.Errors++
			if telemetry.ScanErrors != nil {
				telemetry.ScanErrors.Inc()
			}
			logger.Warn("member sync failed", slog.String("user_id", m.UserID), slog.Any("err", err))
		}
	}

	// Deactivate auto-detected records for users who left the guild. Users
	// still present but currently offline are left untouched: absence of
	// presence activity is not evidence of disconnection.
	for _, u := range tracked {
		if !u.AutoDetected || !u.IsActive || memberIDs[u.UserID] {
			continue
		}
		if err := d.store.DeactivateTrackedUser(ctx, guildID, u.UserID); err != nil {
			res.Errors++
			logger.Warn("deactivate failed", slog.String("user_id", u.UserID), slog.Any("err", err))
			continue
		}
		res.Deactivated++
	}

	if err := d.store.SetLastAutoSync(ctx, guildID, d.now()); err != nil {
		logger.Warn("failed to record last sync time", slog.Any("err", err))
	}
	if telemetry.ScanCycles != nil {
		telemetry.ScanCycles.Inc()
	}
	if telemetry.ScanDuration != nil {
		telemetry.ScanDuration.Observe(d.now().Sub(start).Seconds())
	}
	d.updateGauge(ctx)
	span.SetAttributes(
		attribute.Int("members", res.TotalMembers),
		attribute.Int("added", res.NewlyAdded),
		attribute.Int("deactivated", res.Deactivated),
		attribute.Int("errors", res.Errors))
	telemetry.SetSpanSuccess(span)
	logger.Info("scan complete",
		slog.Int("total_members", res.TotalMembers),
		slog.Int("with_streaming", res.MembersWithStreaming),
		slog.Int("added", res.NewlyAdded),
		slog.Int("updated", res.Updated),
		slog.Int("deactivated", res.Deactivated),
		slog.Int("errors", res.Errors))
	return res, nil
}

func (d *Detector) syncMember(ctx context.Context, guildID string, m Member, tracked map[string]TrackedUser, res *ScanResult) error {
	detected := detectPlatforms(m)
	if len(detected) == 0 {
		return nil
	}
	res.MembersWithStreaming++

	existing, ok := tracked[m.UserID]
	if !ok {
		err := d.store.UpsertTrackedUser(ctx, TrackedUser{
			GuildID:           guildID,
			UserID:            m.UserID,
			Username:          m.Username,
			IsActive:          true,
			AutoDetected:      true,
			Platforms:         platformNames(detected),
			PlatformUsernames: detected,
		})
		if err != nil {
			return err
		}
		res.NewlyAdded++
		d.notify(ctx, guildID, m.UserID, detected)
		return nil
	}

	// A record the operator created manually is never overwritten by the
	// passive scan.
	if !existing.AutoDetected {
		return nil
	}
	if existing.IsActive && existing.Username == m.Username && handlesEqual(existing.PlatformUsernames, detected) {
		return nil // already in sync; keeps the scan idempotent
	}
	existing.Username = m.Username
	existing.IsActive = true
	existing.Platforms = platformNames(detected)
	existing.PlatformUsernames = detected
	if err := d.store.UpsertTrackedUser(ctx, existing); err != nil {
		return err
	}
	res.Updated++
	return nil
}

// activeCounter is implemented by stores that can count active tracked
// users across all guilds.
type activeCounter interface {
	ActiveTrackedUserCount(ctx context.Context) (int, error)
}

// updateGauge refreshes the tracked-users gauge after a scan. Best effort.
func (d *Detector) updateGauge(ctx context.Context) {
	ac, ok := d.store.(activeCounter)
	if !ok {
		return
	}
	n, err := ac.ActiveTrackedUserCount(ctx)
	if err != nil {
		slog.Debug("tracked-user count failed", slog.Any("err", err))
		return
	}
	telemetry.SetTrackedUsers(n)
}

// notificationLogger is implemented by stores that keep an audit trail of
// detection events.
type notificationLogger interface {
	AppendNotificationLog(ctx context.Context, guildID, userID, platform, kind, detail string) error
}

// notify records one notification-log row per detected platform for a newly
// added user. Best effort; failures do not affect the scan result.
func (d *Detector) notify(ctx context.Context, guildID, userID string, detected map[string]string) {
	nl, ok := d.store.(notificationLogger)
	if !ok {
		return
	}
	for platform, handle := range detected {
		if err := nl.AppendNotificationLog(ctx, guildID, userID, platform, "auto_detected", handle); err != nil {
			slog.Warn("failed to append notification log",
				slog.String("guild_id", guildID),
				slog.String("user_id", userID),
				slog.Any("err", err))
		}
	}
}

func platformNames(handles map[string]string) []string {
	names := make([]string, 0, len(handles))
	for p := range handles {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

func handlesEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
