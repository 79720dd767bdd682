package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// NOTE: This token CANNOT be used for IRC chat; chat requires a user (bot) OAuth token with chat:read/chat:edit scopes.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	TokenURL     string // override for tests; default Twitch
	HTTPClient   *http.Client

	once sync.Once
	src  oauth2.TokenSource
}

// Get returns a valid (fresh or cached) app access token. Caching and
// refresh are handled by the oauth2 client-credentials token source.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	ts.once.Do(func() {
		tokenURL := ts.TokenURL
		if tokenURL == "" {
			tokenURL = "https://id.twitch.tv/oauth2/token"
		}
		cc := &clientcredentials.Config{
			ClientID:     ts.ClientID,
			ClientSecret: ts.ClientSecret,
			TokenURL:     tokenURL,
		}
		bg := context.Background()
		if ts.HTTPClient != nil {
			bg = context.WithValue(bg, oauth2.HTTPClient, ts.HTTPClient)
		}
		ts.src = cc.TokenSource(bg)
	})
	tok, err := ts.src.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}
