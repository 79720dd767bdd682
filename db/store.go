package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/streamwarden/detect"
	"github.com/onnwee/streamwarden/moderation"
)

// Store wraps *sql.DB with the data access the core needs. It implements
// moderation.ConfigSource, moderation.LogSink, and detect.Store. All writes
// keyed by natural identity are single-statement upserts so concurrent
// handlers cannot lose updates.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

var _ detect.Store = (*Store)(nil)

// --- moderation configuration ---------------------------------------------

// GetRules returns all rules configured for a tenant. Rows with unknown
// enum values are logged and skipped rather than failing the load.
func (s *Store) GetRules(ctx context.Context, tenantID string) ([]moderation.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, rule_type, enabled, severity, action, COALESCE(custom_pattern,'')
		FROM moderation_rules WHERE tenant_id=$1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []moderation.Rule
	for rows.Next() {
		var (
			r                           moderation.Rule
			ruleType, severity, action string
		)
		if err := rows.Scan(&r.ID, &ruleType, &r.Enabled, &severity, &action, &r.CustomPattern); err != nil {
			return nil, err
		}
		r.TenantID = tenantID
		var convErr error
		if r.Type, convErr = moderation.ParseRuleType(ruleType); convErr == nil {
			if r.Severity, convErr = moderation.ParseSeverity(severity); convErr == nil {
				r.Action, convErr = moderation.ParseAction(action)
			}
		}
		if convErr != nil {
			slog.Warn("skipping malformed rule row",
				slog.String("tenant_id", tenantID), slog.Int64("rule_id", r.ID), slog.Any("err", convErr))
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetBannedWords(ctx context.Context, tenantID string) ([]string, error) {
	return s.stringColumn(ctx, `SELECT word FROM banned_words WHERE tenant_id=$1 ORDER BY word`, tenantID)
}

func (s *Store) GetWhitelist(ctx context.Context, tenantID string) ([]string, error) {
	return s.stringColumn(ctx, `SELECT domain FROM link_whitelist WHERE tenant_id=$1 ORDER BY domain`, tenantID)
}

func (s *Store) stringColumn(ctx context.Context, query, arg string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// TenantConfig implements moderation.ConfigSource.
func (s *Store) TenantConfig(ctx context.Context, tenantID string) (moderation.TenantConfig, error) {
	var cfg moderation.TenantConfig
	var err error
	if cfg.Rules, err = s.GetRules(ctx, tenantID); err != nil {
		return cfg, fmt.Errorf("load rules: %w", err)
	}
	if cfg.BannedWords, err = s.GetBannedWords(ctx, tenantID); err != nil {
		return cfg, fmt.Errorf("load banned words: %w", err)
	}
	if cfg.Whitelist, err = s.GetWhitelist(ctx, tenantID); err != nil {
		return cfg, fmt.Errorf("load whitelist: %w", err)
	}
	return cfg, nil
}

// --- log sinks --------------------------------------------------------------

// AppendModerationLog implements moderation.LogSink. Entries are append-only.
func (s *Store) AppendModerationLog(ctx context.Context, e moderation.LogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO moderation_log
		(id, tenant_id, platform, user_id, username, message, rule_triggered, action, severity, action_ok, action_error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		e.ID, e.TenantID, string(e.Platform), e.UserID, e.Username, e.Message,
		e.Rule.String(), e.Action.String(), e.Severity.String(), e.ActionOK, e.ActionError, e.CreatedAt)
	return err
}

// AppendNotificationLog records a detection/notification event.
func (s *Store) AppendNotificationLog(ctx context.Context, guildID, userID, platform, kind, detail string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO notification_log (id, guild_id, user_id, platform, kind, detail)
		VALUES ($1,$2,$3,$4,$5,$6)`, uuid.New(), guildID, userID, platform, kind, detail)
	return err
}

// RecentModerationLogs returns the newest entries for a tenant, newest first.
func (s *Store) RecentModerationLogs(ctx context.Context, tenantID string, limit int) ([]moderation.LogEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, platform, user_id, COALESCE(username,''), COALESCE(message,''),
		rule_triggered, action, severity, action_ok, COALESCE(action_error,''), created_at
		FROM moderation_log WHERE tenant_id=$1 ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []moderation.LogEntry
	for rows.Next() {
		var (
			e                          moderation.LogEntry
			platform, rule, action, sev string
		)
		if err := rows.Scan(&e.ID, &platform, &e.UserID, &e.Username, &e.Message,
			&rule, &action, &sev, &e.ActionOK, &e.ActionError, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TenantID = tenantID
		e.Platform = moderation.Platform(platform)
		if e.Rule, err = moderation.ParseRuleType(rule); err != nil {
			continue
		}
		if e.Action, err = moderation.ParseAction(action); err != nil {
			continue
		}
		if e.Severity, err = moderation.ParseSeverity(sev); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- tracked users / detection ---------------------------------------------

// UpsertTrackedUser implements detect.Store with a single INSERT ... ON
// CONFLICT statement keyed by (guild_id, user_id).
func (s *Store) UpsertTrackedUser(ctx context.Context, u detect.TrackedUser) error {
	handles, err := json.Marshal(u.PlatformUsernames)
	if err != nil {
		return fmt.Errorf("encode platform usernames: %w", err)
	}
	var lastNotified any
	if !u.LastNotifiedAt.IsZero() {
		lastNotified = u.LastNotifiedAt
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO stream_tracked_users
		(guild_id, user_id, username, is_active, auto_detected, platforms, platform_usernames, last_notified_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
		ON CONFLICT (guild_id, user_id) DO UPDATE SET
			username=EXCLUDED.username,
			is_active=EXCLUDED.is_active,
			auto_detected=EXCLUDED.auto_detected,
			platforms=EXCLUDED.platforms,
			platform_usernames=EXCLUDED.platform_usernames,
			updated_at=NOW()`,
		u.GuildID, u.UserID, u.Username, u.IsActive, u.AutoDetected,
		strings.Join(u.Platforms, ","), string(handles), lastNotified)
	return err
}

func (s *Store) TrackedUsers(ctx context.Context, guildID string) ([]detect.TrackedUser, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, COALESCE(username,''), is_active, auto_detected,
		COALESCE(platforms,''), COALESCE(platform_usernames::text,'{}'), last_notified_at
		FROM stream_tracked_users WHERE guild_id=$1 ORDER BY user_id`, guildID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []detect.TrackedUser
	for rows.Next() {
		var (
			u            detect.TrackedUser
			platforms    string
			handles      string
			lastNotified sql.NullTime
		)
		if err := rows.Scan(&u.UserID, &u.Username, &u.IsActive, &u.AutoDetected, &platforms, &handles, &lastNotified); err != nil {
			return nil, err
		}
		u.GuildID = guildID
		if platforms != "" {
			u.Platforms = strings.Split(platforms, ",")
		}
		if err := json.Unmarshal([]byte(handles), &u.PlatformUsernames); err != nil {
			slog.Warn("malformed platform_usernames, treating as empty",
				slog.String("guild_id", guildID), slog.String("user_id", u.UserID), slog.Any("err", err))
			u.PlatformUsernames = map[string]string{}
		}
		if lastNotified.Valid {
			u.LastNotifiedAt = lastNotified.Time
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) DeactivateTrackedUser(ctx context.Context, guildID, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE stream_tracked_users SET is_active=FALSE, updated_at=NOW()
		WHERE guild_id=$1 AND user_id=$2`, guildID, userID)
	return err
}

// ActiveTrackedUserCount is used by the status endpoint and metrics.
func (s *Store) ActiveTrackedUserCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM stream_tracked_users WHERE is_active`).Scan(&n)
	return n, err
}

// --- notification settings ---------------------------------------------------

func scanSettings(scan func(dest ...any) error) (detect.Settings, error) {
	var (
		st           detect.Settings
		intervalMin  int
		cooldownMin  int
		lastAutoSync sql.NullTime
	)
	err := scan(&st.GuildID, &st.AutoDetectEnabled, &intervalMin, &lastAutoSync,
		&cooldownMin, &st.NotifyAllMembers, &st.GameFilter, &st.StreamingRoleID, &st.RequiredRoleID)
	if err != nil {
		return st, err
	}
	st.AutoSyncInterval = time.Duration(intervalMin) * time.Minute
	st.Cooldown = time.Duration(cooldownMin) * time.Minute
	if lastAutoSync.Valid {
		st.LastAutoSyncAt = lastAutoSync.Time
	}
	return st, nil
}

const settingsColumns = `guild_id, auto_detect_enabled, auto_sync_interval_minutes, last_auto_sync_at,
	cooldown_minutes, notify_all_members, COALESCE(game_filter,''), COALESCE(streaming_role_id,''), COALESCE(required_role_id,'')`

func (s *Store) NotificationSettings(ctx context.Context, guildID string) (detect.Settings, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+settingsColumns+`
		FROM stream_notification_settings WHERE guild_id=$1`, guildID)
	st, err := scanSettings(row.Scan)
	if err == sql.ErrNoRows {
		return detect.Settings{GuildID: guildID}, nil
	}
	return st, err
}

func (s *Store) AllNotificationSettings(ctx context.Context) ([]detect.Settings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+settingsColumns+` FROM stream_notification_settings`)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []detect.Settings
	for rows.Next() {
		st, err := scanSettings(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SetLastAutoSync records a completed scan. The settings row is created on
// demand so a guild scanned before any operator configuration still gets
// bookkeeping.
func (s *Store) SetLastAutoSync(ctx context.Context, guildID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO stream_notification_settings (guild_id, last_auto_sync_at)
		VALUES ($1,$2)
		ON CONFLICT (guild_id) DO UPDATE SET last_auto_sync_at=EXCLUDED.last_auto_sync_at`, guildID, at)
	return err
}

// --- job bookkeeping ----------------------------------------------------------

// TouchJob records a job heartbeat in the kv table.
func (s *Store) TouchJob(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value, updated_at)
		VALUES ($1, to_char(NOW() AT TIME ZONE 'UTC','YYYY-MM-DD"T"HH24:MI:SS.MS"Z"'), NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, name)
	return err
}

// JobHeartbeat returns the stored heartbeat value for a job, or empty string.
func (s *Store) JobHeartbeat(ctx context.Context, name string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, name).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}
