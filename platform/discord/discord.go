// Package discord adapts a Discord bot session to the moderation pipeline
// and to streamer auto-detection. A guild is a tenant; guild presences feed
// the detection scans.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/streamwarden/detect"
	"github.com/onnwee/streamwarden/moderation"
)

// Adapter owns the bot session. It is an Actioner and Exempter for the
// moderation coordinator and a GuildSource for the detector.
type Adapter struct {
	Token       string
	ModRoleIDs  []string // roles exempt from moderation, beyond owner/admin
	Coordinator *moderation.Coordinator

	session *discordgo.Session

	// last channel each user posted in, used as the reply target for
	// warnings since moderation actions carry no channel
	mu           sync.RWMutex
	lastChannels map[string]string // guildID|userID -> channelID
}

func NewAdapter(token string, modRoleIDs []string, coord *moderation.Coordinator) *Adapter {
	return &Adapter{
		Token:        token,
		ModRoleIDs:   modRoleIDs,
		Coordinator:  coord,
		lastChannels: make(map[string]string),
	}
}

// Start opens the gateway session and blocks until ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) error {
	token := strings.TrimSpace(a.Token)
	if !strings.HasPrefix(strings.ToLower(token), "bot ") {
		token = "Bot " + token
	}
	s, err := discordgo.New(token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildPresences |
		discordgo.IntentsMessageContent
	s.State.TrackPresences = true

	s.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		a.onMessage(ctx, m)
	})

	if err := s.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	a.session = s
	slog.Info("discord connected",
		slog.String("component", "discord"),
		slog.String("user", s.State.User.Username))

	<-ctx.Done()
	if err := s.Close(); err != nil {
		slog.Warn("discord close", slog.String("component", "discord"), slog.Any("err", err))
	}
	return nil
}

func (a *Adapter) onMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	a.mu.Lock()
	a.lastChannels[m.GuildID+"|"+m.Author.ID] = m.ChannelID
	a.mu.Unlock()

	a.Coordinator.Handle(ctx, moderation.Message{
		TenantID:   m.GuildID,
		Platform:   moderation.PlatformDiscord,
		ChannelID:  m.ChannelID,
		UserID:     m.Author.ID,
		Username:   m.Author.Username,
		Text:       m.Content,
		ReceivedAt: time.Now().UTC(),
	})
}

func (a *Adapter) replyChannel(tenantID, userID string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ch, ok := a.lastChannels[tenantID+"|"+userID]
	return ch, ok
}

// SendWarning posts the warning into the channel the user last posted in.
func (a *Adapter) SendWarning(ctx context.Context, tenantID, userID, text string) error {
	ch, ok := a.replyChannel(tenantID, userID)
	if !ok {
		return fmt.Errorf("no known channel for user %s in guild %s", userID, tenantID)
	}
	_, err := a.session.ChannelMessageSend(ch, text, discordgo.WithContext(ctx))
	return err
}

// TimeoutUser applies a communication timeout to the guild member.
func (a *Adapter) TimeoutUser(ctx context.Context, tenantID, userID string, duration time.Duration) error {
	until := time.Now().Add(duration)
	return a.session.GuildMemberTimeout(tenantID, userID, &until, discordgo.WithContext(ctx))
}

// BanUser bans the member from the guild.
func (a *Adapter) BanUser(ctx context.Context, tenantID, userID string) error {
	return a.session.GuildBanCreateWithReason(tenantID, userID, "chat moderation", 0, discordgo.WithContext(ctx))
}

// IsExempt reports whether the user is the guild owner, holds the
// Administrator permission, or carries one of the configured mod roles.
func (a *Adapter) IsExempt(ctx context.Context, tenantID, userID string) (bool, error) {
	if g, _ := a.session.State.Guild(tenantID); g != nil && g.OwnerID == userID {
		return true, nil
	}
	member, err := a.session.GuildMember(tenantID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("fetch member: %w", err)
	}
	roles, err := a.session.GuildRoles(tenantID, discordgo.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("fetch roles: %w", err)
	}
	return memberExempt(member, roles, a.ModRoleIDs), nil
}

func memberExempt(member *discordgo.Member, roles []*discordgo.Role, modRoleIDs []string) bool {
	has := make(map[string]struct{}, len(member.Roles))
	for _, rid := range member.Roles {
		has[rid] = struct{}{}
	}
	for _, ro := range roles {
		if _, ok := has[ro.ID]; !ok {
			continue
		}
		if ro.Permissions&discordgo.PermissionAdministrator != 0 {
			return true
		}
	}
	for _, want := range modRoleIDs {
		if _, ok := has[want]; ok {
			return true
		}
	}
	return false
}

// Members lists all guild members with their streaming activities, for the
// auto-detection scan. Presences come from gateway state; members without a
// tracked presence are reported with no activities.
func (a *Adapter) Members(ctx context.Context, guildID string) ([]detect.Member, error) {
	var out []detect.Member
	after := ""
	for {
		page, err := a.session.GuildMembers(guildID, after, 1000, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("list members: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			if m.User == nil {
				continue
			}
			out = append(out, detect.Member{
				UserID:     m.User.ID,
				Username:   m.User.Username,
				Bot:        m.User.Bot,
				Activities: a.activities(guildID, m.User.ID),
			})
			after = m.User.ID
		}
		if len(page) < 1000 {
			break
		}
	}
	return out, nil
}

func (a *Adapter) activities(guildID, userID string) []detect.Activity {
	p, err := a.session.State.Presence(guildID, userID)
	if err != nil || p == nil {
		return nil
	}
	var acts []detect.Activity
	for _, act := range p.Activities {
		if act == nil {
			continue
		}
		acts = append(acts, detect.Activity{
			Streaming: act.Type == discordgo.ActivityTypeStreaming,
			URL:       act.URL,
			Name:      act.Name,
		})
	}
	return acts
}
