// Package ratelimit retries API calls the server answered with 429 Too Many Requests.
package ratelimit

import (
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// Defaults
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// Config holds the retry policy.
type Config struct {
	// MaxRetries is the number of retries after a 429. Negative disables retries.
	// Default: 3
	MaxRetries int

	// BaseDelay is the delay before the first retry when the server sends no Retry-After.
	// Default: 1 second
	BaseDelay time.Duration

	// MaxDelay caps every delay, Retry-After included.
	// Default: 30 seconds
	MaxDelay time.Duration

	// EnableJitter spreads delays by ±20%.
	EnableJitter bool

	// OnRetry is called before each wait.
	OnRetry func(req *http.Request, attempt int, delay time.Duration)
}

// Transport is an http.RoundTripper that retries 429 responses with
// exponential backoff. Once retries run out the last 429 is returned, so
// callers see an ordinary API error.
type Transport struct {
	base         http.RoundTripper
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	enableJitter bool
	onRetry      func(req *http.Request, attempt int, delay time.Duration)
}

// NewTransport wraps base. A nil base means http.DefaultTransport.
func NewTransport(base http.RoundTripper, cfg Config) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}

	maxRetries := cfg.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = DefaultMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}

	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}

	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	return &Transport{
		base:         base,
		maxRetries:   maxRetries,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		enableJitter: cfg.EnableJitter,
		onRetry:      cfg.OnRetry,
	}
}

// RoundTrip sends req and retries it while the server answers 429.
// Requests whose body cannot be replayed are sent once.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	replayable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	attempt := 0
	for {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests || !replayable || attempt >= t.maxRetries {
			return resp, nil
		}

		delay := t.calculateBackoff(attempt, ParseRetryAfter(resp.Header.Get("Retry-After")))
		_ = resp.Body.Close()
		if t.onRetry != nil {
			t.onRetry(req, attempt+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		next := req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			next.Body = body
		}
		req = next
		attempt++
	}
}

// calculateBackoff returns the wait before retry number attempt+1.
// A Retry-After value wins over the exponential schedule; both are capped.
func (t *Transport) calculateBackoff(attempt int, retryAfter *time.Duration) time.Duration {
	if retryAfter != nil {
		return min(*retryAfter, t.maxDelay)
	}

	delay := t.baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > t.maxDelay || delay <= 0 {
		delay = t.maxDelay
	}

	if t.enableJitter {
		jitterFactor := 0.8 + rand.Float64()*0.4
		delay = time.Duration(float64(delay) * jitterFactor)
	}
	return delay
}

// ParseRetryAfter parses the Retry-After header value.
// It supports both seconds format (integer) and HTTP-date format.
// Returns nil if the value is invalid or empty.
func ParseRetryAfter(value string) *time.Duration {
	if value == "" {
		return nil
	}

	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds < 0 {
			return nil
		}
		d := time.Duration(seconds) * time.Second
		return &d
	}

	if t, err := http.ParseTime(value); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return &d
	}

	return nil
}
