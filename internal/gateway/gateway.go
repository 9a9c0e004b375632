// Package gateway is the single choke point for authorized API calls.
//
// It attaches the bearer token from the credential store and, when a request
// comes back 401, refreshes the session once and retries the request once.
// Concurrent 401s share a single refresh.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"planner/internal/credentials"
	"planner/internal/metrics"
	"planner/internal/ratelimit"
	"planner/internal/utils"
)

// DefaultTimeout bounds each request
const DefaultTimeout = 15 * time.Second

// RequestIDHeader carries a per-request identifier
const RequestIDHeader = "X-Request-ID"

// expirySkew treats tokens this close to expiry as expired
const expirySkew = 5 * time.Second

// ErrSessionExpired is returned when the session could not be renewed.
// The credential store has been cleared by the time the caller sees it.
var ErrSessionExpired = errors.New("session expired")

// Refresher renews the access token and stores it in the credential store
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// Doer sends an HTTP request
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type ctxKey int

const (
	refreshKey ctxKey = iota
	anonymousKey
)

// MarkRefresh marks requests made with ctx as the token refresh request.
// The gateway never tries to refresh in response to one.
func MarkRefresh(ctx context.Context) context.Context {
	return context.WithValue(ctx, refreshKey, true)
}

// IsRefreshRequest reports whether ctx was marked by MarkRefresh
func IsRefreshRequest(ctx context.Context) bool {
	v, _ := ctx.Value(refreshKey).(bool)
	return v
}

// Anonymous marks requests made with ctx as not needing credentials (login, logout)
func Anonymous(ctx context.Context) context.Context {
	return context.WithValue(ctx, anonymousKey, true)
}

func isAnonymous(ctx context.Context) bool {
	v, _ := ctx.Value(anonymousKey).(bool)
	return v
}

// Gateway sends requests on behalf of the signed-in user
type Gateway struct {
	store     *credentials.Store
	client    *http.Client
	base      http.RoundTripper
	rateLimit ratelimit.Config
	timeout   time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
	log       *zap.Logger

	mu        sync.RWMutex
	refresher Refresher
	onExpired func(error)

	group singleflight.Group
}

// Option configures a Gateway
type Option func(*Gateway)

// WithTransport sets the base transport. It is wrapped for 429 retries and tracing.
func WithTransport(rt http.RoundTripper) Option {
	return func(g *Gateway) {
		g.base = rt
	}
}

// WithRateLimit sets the retry policy for 429 responses
func WithRateLimit(cfg ratelimit.Config) Option {
	return func(g *Gateway) {
		g.rateLimit = cfg
	}
}

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithMetrics records requests, refreshes and retries on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithRefresher sets the session refresher
func WithRefresher(r Refresher) Option {
	return func(g *Gateway) {
		g.refresher = r
	}
}

// WithOnSessionExpired sets the hook called once when a refresh is rejected
func WithOnSessionExpired(fn func(error)) Option {
	return func(g *Gateway) {
		g.onExpired = fn
	}
}

// WithClock overrides the clock used to check token expiry
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// New creates a gateway reading tokens from store
func New(store *credentials.Store, opts ...Option) *Gateway {
	g := &Gateway{
		store:   store,
		client:  &http.Client{},
		base:    http.DefaultTransport,
		timeout: DefaultTimeout,
		now:     time.Now,
		log:     utils.GetLogger().With(zap.String("component", "gateway")),
	}
	for _, opt := range opts {
		opt(g)
	}

	limit := g.rateLimit
	onRetry := limit.OnRetry
	limit.OnRetry = func(req *http.Request, attempt int, delay time.Duration) {
		if g.metrics != nil {
			g.metrics.RateLimited.Inc()
		}
		g.log.Debug("rate limited, backing off",
			zap.String("path", req.URL.Path),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)
		if onRetry != nil {
			onRetry(req, attempt, delay)
		}
	}
	g.client.Transport = otelhttp.NewTransport(ratelimit.NewTransport(g.base, limit))
	g.client.Timeout = g.timeout
	return g
}

// SetRefresher installs the refresher after construction.
// The refresher usually sends through the gateway itself.
func (g *Gateway) SetRefresher(r Refresher) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refresher = r
}

// OnSessionExpired replaces the session expiry hook
func (g *Gateway) OnSessionExpired(fn func(error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onExpired = fn
}

func (g *Gateway) getRefresher() Refresher {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.refresher
}

// Do sends req. For authorized requests a 401 triggers at most one refresh and
// one retry; the retry's response is returned whatever its status.
func (g *Gateway) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if req.Header.Get(RequestIDHeader) == "" {
		req.Header.Set(RequestIDHeader, uuid.NewString())
	}

	if IsRefreshRequest(ctx) || isAnonymous(ctx) {
		return g.send(req)
	}

	if err := bufferBody(req); err != nil {
		return nil, err
	}

	creds := g.store.Get()
	token := creds.AccessToken
	refreshed := false
	if token != "" && creds.RefreshToken != "" && g.getRefresher() != nil && tokenExpired(token, g.now()) {
		g.log.Debug("access token expired, refreshing before send")
		fresh, err := g.refresh(ctx, token)
		if err != nil {
			return nil, err
		}
		token = fresh
		refreshed = true
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.send(req)
	if err != nil {
		return nil, err
	}
	// A call gets one refresh at most, proactive or not.
	if resp.StatusCode != http.StatusUnauthorized || refreshed || g.getRefresher() == nil {
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	fresh, err := g.refresh(ctx, token)
	if err != nil {
		return nil, err
	}

	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", "Bearer "+fresh)
	retry.Header.Set(RequestIDHeader, uuid.NewString())

	if g.metrics != nil {
		g.metrics.Retries.Inc()
	}
	g.log.Debug("retrying after refresh",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
	)
	return g.send(retry)
}

// errAlreadyExpired means there is no session left to renew, usually because
// another caller's refresh failed and cleared it
var errAlreadyExpired = errors.New("session already cleared")

// refresh runs one shared refresh. stale is the token the caller sent; if the
// store already holds a different one, that token is returned without a call.
func (g *Gateway) refresh(ctx context.Context, stale string) (string, error) {
	v, err, shared := g.group.Do("refresh", func() (interface{}, error) {
		current := g.store.Get()
		if current.AccessToken != "" && current.AccessToken != stale {
			return current.AccessToken, nil
		}
		if (current.AccessToken == "" && stale != "") || current.IsZero() {
			return "", errAlreadyExpired
		}

		refresher := g.getRefresher()
		if refresher == nil {
			return "", errors.New("no refresher configured")
		}

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()

		token, err := refresher.Refresh(rctx)
		if err != nil {
			if next, ok := g.superseded(current); ok {
				return next, nil
			}
			if g.store.Get().RefreshToken != current.RefreshToken {
				return "", errAlreadyExpired
			}
			g.expire(err)
			return "", err
		}
		if g.metrics != nil {
			g.metrics.Refreshes.WithLabelValues(metrics.RefreshSucceeded).Inc()
		}
		return token, nil
	})
	if shared {
		g.log.Debug("joined in-flight refresh")
	}
	if err != nil {
		if errors.Is(err, errAlreadyExpired) {
			return "", ErrSessionExpired
		}
		return "", fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	return v.(string), nil
}

// superseded reports whether a login replaced the session the refresh started
// from, returning the new access token to retry with
func (g *Gateway) superseded(started credentials.Credentials) (string, bool) {
	now := g.store.Get()
	if now.RefreshToken == started.RefreshToken || now.AccessToken == "" {
		return "", false
	}
	g.log.Debug("session replaced during refresh, using the new token")
	return now.AccessToken, true
}

// expire ends the session after a rejected refresh
func (g *Gateway) expire(cause error) {
	g.log.Warn("session refresh failed, signing out", zap.Error(cause))
	if g.metrics != nil {
		g.metrics.Refreshes.WithLabelValues(metrics.RefreshFailed).Inc()
		g.metrics.SessionExpired.Inc()
	}

	g.store.Clear()

	g.mu.RLock()
	hook := g.onExpired
	g.mu.RUnlock()
	if hook != nil {
		hook(cause)
	}
}

// send performs one round trip with logging and metrics
func (g *Gateway) send(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := g.client.Do(req)
	elapsed := time.Since(start)

	code := "error"
	if err == nil {
		code = strconv.Itoa(resp.StatusCode)
	}
	if g.metrics != nil {
		g.metrics.Requests.WithLabelValues(req.Method, code).Inc()
		g.metrics.RequestDuration.WithLabelValues(req.Method).Observe(elapsed.Seconds())
	}
	g.log.Debug("api request",
		zap.String("request_id", req.Header.Get(RequestIDHeader)),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.String("code", code),
		zap.Duration("elapsed", elapsed),
	)

	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

// bufferBody makes the request body replayable for the retry
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil
}

// tokenExpired reports whether token is a JWT whose exp has passed.
// Tokens that are not JWTs, or carry no exp, are treated as valid.
func tokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !now.Before(exp.Add(-expirySkew))
}
