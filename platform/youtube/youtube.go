// Package youtube adapts a YouTube live chat to the moderation pipeline.
// Messages are polled from the liveChatMessages endpoint; warnings, timeouts,
// and bans go through liveChatMessages.insert and liveChatBans.insert (both
// require OAuth credentials on the chat owner's channel).
package youtube

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/streamwarden/moderation"
)

const (
	minPollInterval     = 2 * time.Second
	defaultPollInterval = 5 * time.Second
)

// Adapter polls one live chat and feeds its messages into the coordinator.
// The tenant ID is fixed per adapter instance since a live chat belongs to
// exactly one channel.
type Adapter struct {
	Service     *yt.Service
	LiveChatID  string
	TenantID    string
	Coordinator *moderation.Coordinator

	mu      sync.RWMutex
	exempt  map[string]bool // author channel id -> owner/moderator
	lastTok string
}

func NewAdapter(svc *yt.Service, liveChatID, tenantID string, coord *moderation.Coordinator) *Adapter {
	return &Adapter{
		Service:     svc,
		LiveChatID:  liveChatID,
		TenantID:    tenantID,
		Coordinator: coord,
		exempt:      make(map[string]bool),
	}
}

// Start polls the live chat until ctx is cancelled. The polling interval
// follows the API's suggested interval, clamped to a sane floor.
func (a *Adapter) Start(ctx context.Context) error {
	slog.Info("youtube live chat polling",
		slog.String("component", "youtube"),
		slog.String("live_chat_id", a.LiveChatID))

	// skip the backlog: the first page establishes a cursor, messages
	// posted before startup are not moderated
	first := true
	interval := defaultPollInterval
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
		next, err := a.poll(ctx, first)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("youtube poll failed", slog.String("component", "youtube"), slog.Any("err", err))
			continue
		}
		first = false
		if next > 0 {
			interval = next
		}
	}
}

func (a *Adapter) poll(ctx context.Context, skip bool) (time.Duration, error) {
	call := a.Service.LiveChatMessages.List(a.LiveChatID, []string{"snippet", "authorDetails"}).
		Context(ctx).
		MaxResults(200)
	if a.lastTok != "" {
		call = call.PageToken(a.lastTok)
	}
	resp, err := call.Do()
	if err != nil {
		return 0, err
	}
	a.lastTok = resp.NextPageToken

	if !skip {
		for _, item := range resp.Items {
			a.handle(ctx, item)
		}
	}

	next := time.Duration(resp.PollingIntervalMillis) * time.Millisecond
	if next < minPollInterval {
		next = minPollInterval
	}
	return next, nil
}

func (a *Adapter) handle(ctx context.Context, item *yt.LiveChatMessage) {
	if item.Snippet == nil || item.AuthorDetails == nil {
		return
	}
	author := item.AuthorDetails
	a.mu.Lock()
	a.exempt[author.ChannelId] = author.IsChatOwner || author.IsChatModerator
	a.mu.Unlock()

	received := time.Now().UTC()
	if t, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt); err == nil {
		received = t
	}
	a.Coordinator.Handle(ctx, moderation.Message{
		TenantID:   a.TenantID,
		Platform:   moderation.PlatformYouTube,
		ChannelID:  a.LiveChatID,
		UserID:     author.ChannelId,
		Username:   author.DisplayName,
		Text:       item.Snippet.DisplayMessage,
		ReceivedAt: received,
	})
}

// IsExempt reports whether the author was seen as chat owner or moderator.
func (a *Adapter) IsExempt(ctx context.Context, tenantID, userID string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.exempt[userID], nil
}

// SendWarning posts the warning text into the live chat.
func (a *Adapter) SendWarning(ctx context.Context, tenantID, userID, text string) error {
	_, err := a.Service.LiveChatMessages.Insert([]string{"snippet"}, &yt.LiveChatMessage{
		Snippet: &yt.LiveChatMessageSnippet{
			LiveChatId: a.LiveChatID,
			Type:       "textMessageEvent",
			TextMessageDetails: &yt.LiveChatTextMessageDetails{
				MessageText: text,
			},
		},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

// TimeoutUser issues a temporary live chat ban.
func (a *Adapter) TimeoutUser(ctx context.Context, tenantID, userID string, duration time.Duration) error {
	return a.ban(ctx, userID, "temporary", uint64(duration.Seconds()))
}

// BanUser issues a permanent live chat ban.
func (a *Adapter) BanUser(ctx context.Context, tenantID, userID string) error {
	return a.ban(ctx, userID, "permanent", 0)
}

func (a *Adapter) ban(ctx context.Context, userID, banType string, seconds uint64) error {
	snippet := &yt.LiveChatBanSnippet{
		LiveChatId: a.LiveChatID,
		Type:       banType,
		BannedUserDetails: &yt.ChannelProfileDetails{
			ChannelId: userID,
		},
	}
	if banType == "temporary" {
		snippet.BanDurationSeconds = seconds
	}
	_, err := a.Service.LiveChatBans.Insert([]string{"snippet"}, &yt.LiveChatBan{Snippet: snippet}).
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("insert live chat ban: %w", err)
	}
	return nil
}
