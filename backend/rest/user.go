package rest

import (
	"context"
	"net/http"

	"planner/backend"
	"planner/internal/gateway"
)

// GetPreferences returns the raw preference document.
// Decoding is left to the preference synchronizer, which tolerates malformed data.
func (c *Client) GetPreferences(ctx context.Context) ([]byte, error) {
	var raw []byte
	if err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/user-preferences/"}, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// SavePreferences replaces the preference document
func (c *Client) SavePreferences(ctx context.Context, p backend.Preferences) error {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: "/user-preferences/", Body: p}, nil)
}

// GetLanguage returns the user's interface language
func (c *Client) GetLanguage(ctx context.Context) (string, error) {
	var out struct {
		Language string `json:"language"`
	}
	if err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/user/language"}, &out); err != nil {
		return "", err
	}
	return out.Language, nil
}

// SetLanguage changes the user's interface language
func (c *Client) SetLanguage(ctx context.Context, language string) error {
	if language == "" {
		return &backend.ValidationError{Field: "language", Message: "language is required"}
	}
	body := map[string]string{"language": language}
	return c.Do(ctx, Request{Method: http.MethodPost, Path: "/user/language", Body: body}, nil)
}

// GetTimezone returns the user's timezone name
func (c *Client) GetTimezone(ctx context.Context) (string, error) {
	var out struct {
		Timezone string `json:"timezone"`
	}
	if err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/user/timezone"}, &out); err != nil {
		return "", err
	}
	return out.Timezone, nil
}

// SetTimezone changes the user's timezone
func (c *Client) SetTimezone(ctx context.Context, timezone string) error {
	if timezone == "" {
		return &backend.ValidationError{Field: "timezone", Message: "timezone is required"}
	}
	body := map[string]string{"timezone": timezone}
	return c.Do(ctx, Request{Method: http.MethodPost, Path: "/user/timezone", Body: body}, nil)
}

// ListTimezones returns the timezones the API accepts
func (c *Client) ListTimezones(ctx context.Context) ([]backend.Timezone, error) {
	var out []backend.Timezone
	if err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/timezones"}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health checks that the API is up. It needs no credentials.
func (c *Client) Health(ctx context.Context) error {
	return c.Do(gateway.Anonymous(ctx), Request{Method: http.MethodGet, Path: "/health"}, nil)
}
