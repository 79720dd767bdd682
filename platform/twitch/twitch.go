// Package twitch adapts Twitch IRC chat to the moderation pipeline. Messages
// arrive over IRC (gempir go-twitch-irc); moderation actions go out over the
// Helix API using an app access token.
package twitch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	irc "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/streamwarden/moderation"
	"github.com/onnwee/streamwarden/twitchapi"
)

// Adapter joins the configured channels, feeds chat into the coordinator,
// and executes warn/timeout/ban actions via Helix. The tenant ID for a
// message is the channel login it was posted in.
type Adapter struct {
	BotUsername string
	OAuthToken  string
	Channels    []string
	Helix       *twitchapi.HelixClient
	Coordinator *moderation.Coordinator

	mu    sync.Mutex
	ids   map[string]string // login -> user id
	botID string
}

func NewAdapter(botUsername, oauthToken string, channels []string, helix *twitchapi.HelixClient, coord *moderation.Coordinator) *Adapter {
	return &Adapter{
		BotUsername: botUsername,
		OAuthToken:  oauthToken,
		Channels:    channels,
		Helix:       helix,
		Coordinator: coord,
		ids:         make(map[string]string),
	}
}

// Start connects to Twitch IRC and blocks until ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) error {
	client := irc.NewClient(a.BotUsername, a.OAuthToken)

	client.OnPrivateMessage(func(msg irc.PrivateMessage) {
		a.Coordinator.Handle(ctx, moderation.Message{
			TenantID:   strings.ToLower(msg.Channel),
			Platform:   moderation.PlatformTwitch,
			ChannelID:  msg.Channel,
			UserID:     msg.User.ID,
			Username:   msg.User.Name,
			Text:       msg.Message,
			ReceivedAt: time.Now().UTC(),
		})
	})

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		if err := client.Disconnect(); err != nil {
			slog.Warn("twitch disconnect", slog.String("component", "twitch"), slog.Any("err", err))
		}
		close(done)
	}()

	for _, ch := range a.Channels {
		client.Join(ch)
	}
	slog.Info("twitch chat connecting", slog.String("component", "twitch"), slog.Int("channels", len(a.Channels)))
	if err := client.Connect(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("twitch chat connect: %w", err)
	}
	<-done
	return nil
}

// userID resolves a channel login to its Helix user ID, caching the result.
func (a *Adapter) userID(ctx context.Context, login string) (string, error) {
	login = strings.ToLower(login)
	a.mu.Lock()
	if id, ok := a.ids[login]; ok {
		a.mu.Unlock()
		return id, nil
	}
	a.mu.Unlock()

	id, err := a.Helix.GetUserID(ctx, login)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.ids[login] = id
	a.mu.Unlock()
	return id, nil
}

// moderatorID is the bot's own user ID, used as the acting moderator for
// Helix moderation calls.
func (a *Adapter) moderatorID(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.botID != "" {
		id := a.botID
		a.mu.Unlock()
		return id, nil
	}
	a.mu.Unlock()

	id, err := a.Helix.GetUserID(ctx, a.BotUsername)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.botID = id
	a.mu.Unlock()
	return id, nil
}

// SendWarning posts the warning text into the tenant's chat.
func (a *Adapter) SendWarning(ctx context.Context, tenantID, userID, text string) error {
	broadcaster, err := a.userID(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("resolve broadcaster %q: %w", tenantID, err)
	}
	sender, err := a.moderatorID(ctx)
	if err != nil {
		return fmt.Errorf("resolve bot user: %w", err)
	}
	return a.Helix.SendChatMessage(ctx, broadcaster, sender, text)
}

// TimeoutUser issues a timed ban in the tenant's channel.
func (a *Adapter) TimeoutUser(ctx context.Context, tenantID, userID string, duration time.Duration) error {
	broadcaster, err := a.userID(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("resolve broadcaster %q: %w", tenantID, err)
	}
	mod, err := a.moderatorID(ctx)
	if err != nil {
		return fmt.Errorf("resolve bot user: %w", err)
	}
	return a.Helix.BanUser(ctx, broadcaster, mod, userID, duration)
}

// BanUser issues a permanent ban in the tenant's channel.
func (a *Adapter) BanUser(ctx context.Context, tenantID, userID string) error {
	broadcaster, err := a.userID(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("resolve broadcaster %q: %w", tenantID, err)
	}
	mod, err := a.moderatorID(ctx)
	if err != nil {
		return fmt.Errorf("resolve bot user: %w", err)
	}
	return a.Helix.BanUser(ctx, broadcaster, mod, userID, 0)
}
