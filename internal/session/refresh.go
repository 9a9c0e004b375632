// Package session implements sign-in, sign-out and access token renewal.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"planner/backend"
	"planner/backend/rest"
	"planner/internal/credentials"
	"planner/internal/utils"
)

// API is the subset of the REST client used for authentication
type API interface {
	Login(ctx context.Context, username, password string) (*backend.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (*rest.RefreshResult, error)
	Logout(ctx context.Context, user string) error
	TelegramLoginURL(redirectURL string) string
}

// RefreshErrorKind classifies refresh failures
type RefreshErrorKind int

const (
	// KindMissingToken means no refresh token was stored
	KindMissingToken RefreshErrorKind = iota
	// KindRejected means the server or network refused the refresh
	KindRejected
	// KindSuperseded means a login or logout replaced the session mid-refresh.
	// The store holds the newer session and was not touched.
	KindSuperseded
)

func (k RefreshErrorKind) String() string {
	switch k {
	case KindMissingToken:
		return "missing refresh token"
	case KindRejected:
		return "refresh rejected"
	case KindSuperseded:
		return "session superseded"
	}
	return "unknown"
}

// Sentinels matched by errors.Is against a *RefreshError
var (
	ErrMissingToken = errors.New("missing refresh token")
	ErrRejected     = errors.New("refresh rejected")
	ErrSuperseded   = errors.New("session superseded")
)

// RefreshError is returned by Refresher.Refresh
type RefreshError struct {
	Kind RefreshErrorKind
	Err  error
}

func (e *RefreshError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Is lets errors.Is match the kind sentinels
func (e *RefreshError) Is(target error) bool {
	switch target {
	case ErrMissingToken:
		return e.Kind == KindMissingToken
	case ErrRejected:
		return e.Kind == KindRejected
	case ErrSuperseded:
		return e.Kind == KindSuperseded
	}
	return false
}

// Refresher renews the access token using the stored refresh token
type Refresher struct {
	api   API
	store *credentials.Store
}

// NewRefresher creates a refresher
func NewRefresher(api API, store *credentials.Store) *Refresher {
	return &Refresher{api: api, store: store}
}

// Refresh calls the renewal endpoint once and stores the new access token,
// plus the new refresh token when the server rotates it. On failure the store
// is left untouched; deciding to sign out is up to the caller.
func (r *Refresher) Refresh(ctx context.Context) (string, error) {
	used := r.store.Get().RefreshToken
	if used == "" {
		return "", &RefreshError{Kind: KindMissingToken}
	}

	res, err := r.api.Refresh(ctx, used)

	// A logout or a new login while the call was in flight wins, whatever
	// the server answered for the old token.
	if r.store.Get().RefreshToken != used {
		utils.Debugf("Session changed during refresh, discarding result")
		return "", &RefreshError{Kind: KindSuperseded, Err: err}
	}
	if err != nil {
		return "", &RefreshError{Kind: KindRejected, Err: err}
	}
	if res.Access == "" {
		return "", &RefreshError{Kind: KindRejected, Err: errors.New("response carried no access token")}
	}

	update := credentials.Update{AccessToken: credentials.Str(res.Access)}
	if res.Refresh != "" {
		update.RefreshToken = credentials.Str(res.Refresh)
	}
	r.store.Set(update)

	utils.Debugf("Access token refreshed (rotated refresh token: %v)", res.Refresh != "")
	return res.Access, nil
}

// callbackParams are the query parameters of the Telegram login redirect
var callbackParams = []string{"access_token", "refresh_token", "user_id"}

// missingParam returns the first required callback parameter absent from values
func missingParam(values url.Values) string {
	for _, p := range callbackParams {
		if values.Get(p) == "" {
			return p
		}
	}
	return ""
}
