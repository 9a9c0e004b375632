package rest

import (
	"context"
	"net/http"
	"net/url"

	"planner/backend"
	"planner/internal/gateway"
)

// RefreshResult is the response of the token refresh endpoint.
// Refresh is empty unless the server rotated the refresh token.
type RefreshResult struct {
	User    string `json:"user"`
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// Login exchanges a username and password for tokens
func (c *Client) Login(ctx context.Context, username, password string) (*backend.LoginResult, error) {
	body := map[string]string{"username": username, "password": password}

	var out backend.LoginResult
	if err := c.Do(gateway.Anonymous(ctx), Request{Method: http.MethodPost, Path: "/auth/login/", Body: body}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh exchanges a refresh token for a new access token.
// The token travels both as the bearer credential and in the body.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+refreshToken)
	body := map[string]string{"refresh": refreshToken}

	var out RefreshResult
	err := c.Do(gateway.MarkRefresh(ctx), Request{
		Method: http.MethodPost,
		Path:   "/auth/refresh/",
		Body:   body,
		Header: header,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout ends the server-side session of user
func (c *Client) Logout(ctx context.Context, user string) error {
	body := map[string]string{"user": user}
	return c.Do(gateway.Anonymous(ctx), Request{Method: http.MethodPost, Path: "/auth/logout/", Body: body}, nil)
}

// TelegramLoginURL is the browser entry point of the Telegram login flow.
// After login the API redirects to redirectURL with the tokens in the query.
func (c *Client) TelegramLoginURL(redirectURL string) string {
	q := url.Values{}
	q.Set("redirect_url", redirectURL)
	return c.baseURL + "/auth/telegram/login?" + q.Encode()
}
