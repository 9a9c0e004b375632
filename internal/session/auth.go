package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"planner/backend"
	"planner/internal/credentials"
	"planner/internal/utils"
)

// Authenticator signs the user in and out
type Authenticator struct {
	api   API
	store *credentials.Store
}

// NewAuthenticator creates an authenticator writing to store
func NewAuthenticator(api API, store *credentials.Store) *Authenticator {
	return &Authenticator{api: api, store: store}
}

// Login signs in with a username and password.
// Empty fields are rejected before any request is sent. On failure the
// store is not modified.
func (a *Authenticator) Login(ctx context.Context, username, password string) error {
	if strings.TrimSpace(username) == "" {
		return &backend.ValidationError{Field: "username", Message: "username is required"}
	}
	if password == "" {
		return &backend.ValidationError{Field: "password", Message: "password is required"}
	}

	res, err := a.api.Login(ctx, username, password)
	if err != nil {
		return utils.ErrAuthenticationFailed(err)
	}
	if res.Access == "" || res.Refresh == "" {
		return utils.ErrAuthenticationFailed(errors.New("server returned no tokens"))
	}

	user := res.User
	if user == "" {
		user = username
	}
	a.store.Set(credentials.Update{
		AccessToken:  credentials.Str(res.Access),
		RefreshToken: credentials.Str(res.Refresh),
		UserID:       credentials.Str(user),
	})
	utils.Infof("Logged in as %s", user)
	return nil
}

// TelegramLoginURL is the browser URL that starts the Telegram login.
// The API redirects to redirectURL with the tokens when it completes.
func (a *Authenticator) TelegramLoginURL(redirectURL string) string {
	return a.api.TelegramLoginURL(redirectURL)
}

// CompleteCallback stores the tokens delivered to the Telegram redirect URL
func (a *Authenticator) CompleteCallback(values url.Values) error {
	if msg := values.Get("error"); msg != "" {
		return utils.ErrAuthenticationFailed(errors.New(msg))
	}
	if p := missingParam(values); p != "" {
		return &backend.ValidationError{Field: p, Message: "missing from login callback"}
	}

	a.store.Set(credentials.Update{
		AccessToken:  credentials.Str(values.Get("access_token")),
		RefreshToken: credentials.Str(values.Get("refresh_token")),
		UserID:       credentials.Str(values.Get("user_id")),
	})
	utils.Infof("Logged in via Telegram as %s", values.Get("user_id"))
	return nil
}

// LoginWithTelegram runs the browser flow: open receives the login URL
// (typically printed or passed to a browser), then the tokens are awaited
// on cb and stored.
func (a *Authenticator) LoginWithTelegram(ctx context.Context, cb *CallbackServer, open func(loginURL string) error) error {
	if err := open(a.TelegramLoginURL(cb.URL())); err != nil {
		return fmt.Errorf("failed to open login page: %w", err)
	}

	values, err := cb.Wait(ctx)
	if err != nil {
		return err
	}
	return a.CompleteCallback(values)
}

// Logout tells the server and clears the local session.
// The local session is cleared even when the server call fails.
func (a *Authenticator) Logout(ctx context.Context) error {
	user := a.store.Get().UserID

	var err error
	if user != "" {
		if err = a.api.Logout(ctx, user); err != nil {
			utils.Warnf("Server logout failed: %v", err)
		}
	}
	a.store.Clear()
	return err
}
