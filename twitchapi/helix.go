// Package twitchapi contains minimal helpers to interact with Twitch Helix
// APIs for user id resolution, chat messages, and moderation actions, using
// an app access token.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HelixClient provides the few Helix endpoints the moderation pipeline needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	BaseURL        string // override for tests; default https://api.twitch.tv
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return "https://api.twitch.tv"
}

func (hc *HelixClient) authorize(ctx context.Context, req *http.Request) error {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+"/helix/users", nil)
	q := req.URL.Query()
	q.Set("login", login)
	req.URL.RawQuery = q.Encode()
	if err := hc.authorize(ctx, req); err != nil {
		return "", err
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// SendChatMessage posts a message to a broadcaster's chat as the bot user.
func (hc *HelixClient) SendChatMessage(ctx context.Context, broadcasterID, senderID, message string) error {
	payload := map[string]string{
		"broadcaster_id": broadcasterID,
		"sender_id":      senderID,
		"message":        message,
	}
	return hc.postJSON(ctx, "/helix/chat/messages", payload)
}

// BanUser bans (duration zero) or times out (duration > 0) a user in a
// broadcaster's channel.
func (hc *HelixClient) BanUser(ctx context.Context, broadcasterID, moderatorID, userID string, duration time.Duration) error {
	data := map[string]any{"user_id": userID}
	if duration > 0 {
		data["duration"] = int(duration.Seconds())
	}
	path := fmt.Sprintf("/helix/moderation/bans?broadcaster_id=%s&moderator_id=%s", broadcasterID, moderatorID)
	return hc.postJSON(ctx, path, map[string]any{"data": data})
}

func (hc *HelixClient) postJSON(ctx context.Context, path string, payload any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hc.base()+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := hc.authorize(ctx, req); err != nil {
		return err
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("helix %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}
