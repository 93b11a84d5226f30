package marketapi

import (
	"context"
	"errors"
	"net/http"
)

// Session is the token set returned by CreateSession.
type Session struct {
	AccessToken string `json:"access_token"`
	FeedToken   string `json:"feed_token"`
	ClientCode  string `json:"client_code"`
}

// CreateSession logs in with a client code, password and TOTP code, and
// stores the returned tokens on the client.
func (c *Client) CreateSession(ctx context.Context, clientCode, password, totp string) (Session, error) {
	body := map[string]string{"client_code": clientCode, "password": password, "totp": totp}
	var s Session
	if err := c.doRequest(ctx, http.MethodPost, "auth.session", nil, body, &s); err != nil {
		return Session{}, err
	}
	if s.AccessToken == "" {
		return Session{}, errors.New("login failed: empty access token")
	}

	c.mu.Lock()
	c.accessToken = s.AccessToken
	c.feedToken = s.FeedToken
	c.mu.Unlock()
	return s, nil
}
