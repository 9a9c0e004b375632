package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"planner/internal/credentials"
	"planner/internal/metrics"
	"planner/internal/ratelimit"
)

// stubRefresher stores token on success, like the real session refresher
type stubRefresher struct {
	store  *credentials.Store
	token  string
	err    error
	delay  time.Duration
	during func()
	calls  atomic.Int32
}

func (s *stubRefresher) Refresh(ctx context.Context) (string, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.during != nil {
		s.during()
	}
	if s.err != nil {
		return "", s.err
	}
	s.store.Set(credentials.Update{AccessToken: credentials.Str(s.token)})
	return s.token, nil
}

// tokenServer answers 200 for validToken and 401 otherwise, and logs each request
type tokenServer struct {
	*httptest.Server
	mu         sync.Mutex
	validToken string
	requests   []recorded
}

type recorded struct {
	auth      string
	requestID string
	body      string
}

func newTokenServer(t *testing.T, validToken string) *tokenServer {
	t.Helper()
	ts := &tokenServer{validToken: validToken}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		auth := r.Header.Get("Authorization")

		ts.mu.Lock()
		ts.requests = append(ts.requests, recorded{auth: auth, requestID: r.Header.Get(RequestIDHeader), body: string(body)})
		valid := ts.validToken
		ts.mu.Unlock()

		if auth != "Bearer "+valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) count() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.requests)
}

func (ts *tokenServer) get(i int) recorded {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.requests[i]
}

func loggedInStore(access string) *credentials.Store {
	s := credentials.New()
	s.Set(credentials.Update{
		AccessToken:  credentials.Str(access),
		RefreshToken: credentials.Str("refresh-1"),
		UserID:       credentials.Str("alice"),
	})
	return s
}

func get(t *testing.T, g *Gateway, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	return g.Do(req)
}

func TestAttachesBearerAndRequestID(t *testing.T) {
	ts := newTokenServer(t, "access-1")
	g := New(loggedInStore("access-1"))

	resp, err := get(t, g, ts.URL+"/tasks/")
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	r := ts.get(0)
	if r.auth != "Bearer access-1" {
		t.Errorf("Authorization = %q", r.auth)
	}
	if len(r.requestID) != 36 {
		t.Errorf("X-Request-ID = %q, want a uuid", r.requestID)
	}
}

func TestAnonymousRequestSkipsCredentials(t *testing.T) {
	ts := newTokenServer(t, "access-1")
	refresher := &stubRefresher{}
	g := New(loggedInStore("access-1"), WithRefresher(refresher))

	req, _ := http.NewRequestWithContext(Anonymous(context.Background()), http.MethodPost, ts.URL+"/auth/login/", strings.NewReader(`{}`))
	resp, err := g.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	_ = resp.Body.Close()

	if ts.get(0).auth != "" {
		t.Errorf("anonymous request carried %q", ts.get(0).auth)
	}
	if resp.StatusCode != http.StatusUnauthorized || refresher.calls.Load() != 0 {
		t.Errorf("anonymous 401 should be returned untouched, refresh calls = %d", refresher.calls.Load())
	}
}

func TestRefreshesOnceAndRetriesOnce(t *testing.T) {
	ts := newTokenServer(t, "access-2")
	store := loggedInStore("access-1")
	refresher := &stubRefresher{store: store, token: "access-2"}
	m := metrics.New()
	g := New(store, WithRefresher(refresher), WithMetrics(m))

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, ts.URL+"/tasks/", strings.NewReader(`{"title":"x"}`))
	resp, err := g.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if got := refresher.calls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	if ts.count() != 2 {
		t.Fatalf("server saw %d requests, want 2", ts.count())
	}
	retry := ts.get(1)
	if retry.auth != "Bearer access-2" {
		t.Errorf("retry Authorization = %q", retry.auth)
	}
	if retry.body != `{"title":"x"}` {
		t.Errorf("retry body = %q, want the original body", retry.body)
	}
	if retry.requestID == ts.get(0).requestID {
		t.Error("retry should carry a fresh request id")
	}

	if got := testutil.ToFloat64(m.Retries); got != 1 {
		t.Errorf("retries metric = %v", got)
	}
	if got := testutil.ToFloat64(m.Refreshes.WithLabelValues(metrics.RefreshSucceeded)); got != 1 {
		t.Errorf("refresh success metric = %v", got)
	}
}

func TestSecondUnauthorizedDoesNotLoop(t *testing.T) {
	ts := newTokenServer(t, "never-valid")
	store := loggedInStore("access-1")
	refresher := &stubRefresher{store: store, token: "access-2"}
	g := New(store, WithRefresher(refresher))

	resp, err := get(t, g, ts.URL+"/tasks/")
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want the retry's 401", resp.StatusCode)
	}
	if refresher.calls.Load() != 1 || ts.count() != 2 {
		t.Errorf("refresh calls = %d, requests = %d; want 1 and 2", refresher.calls.Load(), ts.count())
	}
	if !store.IsAuthenticated() {
		t.Error("a 401 after a successful refresh must not sign out")
	}
}

func TestConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	const n = 10
	ts := newTokenServer(t, "access-2")
	store := loggedInStore("access-1")
	refresher := &stubRefresher{store: store, token: "access-2", delay: 50 * time.Millisecond}
	g := New(store, WithRefresher(refresher))

	var wg sync.WaitGroup
	statuses := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := get(t, g, ts.URL+"/tasks/")
			errs[i] = err
			if err == nil {
				statuses[i] = resp.StatusCode
				_ = resp.Body.Close()
			}
		}(i)
	}
	wg.Wait()

	if got := refresher.calls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil || statuses[i] != http.StatusOK {
			t.Errorf("call %d: status %d, err %v", i, statuses[i], errs[i])
		}
	}
}

func TestRejectedRefreshSignsOutOnce(t *testing.T) {
	const n = 8
	ts := newTokenServer(t, "access-2")
	store := loggedInStore("access-1")
	refresher := &stubRefresher{store: store, err: errors.New("rejected"), delay: 20 * time.Millisecond}

	var hookCalls atomic.Int32
	m := metrics.New()
	g := New(store,
		WithRefresher(refresher),
		WithMetrics(m),
		WithOnSessionExpired(func(error) { hookCalls.Add(1) }),
	)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := get(t, g, ts.URL+"/tasks/")
			if resp != nil {
				_ = resp.Body.Close()
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrSessionExpired) {
			t.Errorf("call %d: err = %v, want ErrSessionExpired", i, err)
		}
	}
	if got := hookCalls.Load(); got != 1 {
		t.Errorf("session expired hook called %d times, want 1", got)
	}
	if got := refresher.calls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	if store.IsAuthenticated() || store.Get().RefreshToken != "" {
		t.Errorf("store should be cleared, got %+v", store.Get())
	}
	if got := testutil.ToFloat64(m.SessionExpired); got != 1 {
		t.Errorf("session expired metric = %v", got)
	}
}

func TestOtherErrorStatusesAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := loggedInStore("access-1")
	refresher := &stubRefresher{store: store, token: "access-2"}
	g := New(store, WithRefresher(refresher))

	resp, err := get(t, g, srv.URL+"/tasks/")
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if hits.Load() != 1 || refresher.calls.Load() != 0 {
		t.Errorf("hits = %d, refresh calls = %d; want 1 and 0", hits.Load(), refresher.calls.Load())
	}
}

func TestTooManyRequestsIsRetriedWithToken(t *testing.T) {
	var hits atomic.Int32
	var auths []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := metrics.New()
	store := loggedInStore("access-1")
	refresher := &stubRefresher{store: store, token: "access-2"}
	g := New(store,
		WithRefresher(refresher),
		WithMetrics(m),
		WithRateLimit(ratelimit.Config{BaseDelay: time.Millisecond}),
	)

	resp, err := get(t, g, srv.URL+"/tasks/")
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK || hits.Load() != 2 {
		t.Errorf("status = %d after %d hits, want 200 after 2", resp.StatusCode, hits.Load())
	}
	if refresher.calls.Load() != 0 {
		t.Error("a 429 must not trigger a refresh")
	}
	for _, a := range auths {
		if a != "Bearer access-1" {
			t.Errorf("retry lost the bearer token: %q", a)
		}
	}
	if got := testutil.ToFloat64(m.RateLimited); got != 1 {
		t.Errorf("rate limited counter = %v, want 1", got)
	}
}

func TestRefreshRequestIsNeverRefreshed(t *testing.T) {
	ts := newTokenServer(t, "nothing")
	store := loggedInStore("access-1")
	refresher := &stubRefresher{store: store, token: "access-2"}
	g := New(store, WithRefresher(refresher))

	req, _ := http.NewRequestWithContext(MarkRefresh(context.Background()), http.MethodPost, ts.URL+"/auth/refresh/", nil)
	req.Header.Set("Authorization", "Bearer refresh-1")
	resp, err := g.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if refresher.calls.Load() != 0 {
		t.Error("refresh request must not trigger a refresh")
	}
	if ts.get(0).auth != "Bearer refresh-1" {
		t.Errorf("refresh request Authorization overwritten: %q", ts.get(0).auth)
	}
}

func TestExpiredJWTIsRefreshedBeforeSend(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expired := signedToken(t, now.Add(-time.Minute))

	ts := newTokenServer(t, "access-2")
	store := loggedInStore(expired)
	refresher := &stubRefresher{store: store, token: "access-2"}
	g := New(store, WithRefresher(refresher), WithClock(func() time.Time { return now }))

	resp, err := get(t, g, ts.URL+"/tasks/")
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK || ts.count() != 1 {
		t.Errorf("status = %d after %d requests; want 200 after 1", resp.StatusCode, ts.count())
	}
	if refresher.calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", refresher.calls.Load())
	}
}

func TestTokenExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"opaque", "not-a-jwt", false},
		{"expired jwt", signedToken(t, now.Add(-time.Hour)), true},
		{"within skew", signedToken(t, now.Add(2*time.Second)), true},
		{"valid jwt", signedToken(t, now.Add(time.Hour)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tokenExpired(tt.token, now); got != tt.want {
				t.Errorf("tokenExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransportErrorsAreWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	g := New(loggedInStore("access-1"), WithTimeout(time.Second))
	_, err := get(t, g, url+"/tasks/")
	if err == nil || !strings.Contains(err.Error(), "GET /tasks/") {
		t.Errorf("expected wrapped transport error, got %v", err)
	}
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSignedOutStoreDoesNotRefresh(t *testing.T) {
	ts := newTokenServer(t, "access-1")
	store := credentials.New()
	refresher := &stubRefresher{store: store, token: "access-2"}
	var hookCalls atomic.Int32
	g := New(store, WithRefresher(refresher), WithOnSessionExpired(func(error) { hookCalls.Add(1) }))

	_, err := get(t, g, ts.URL+"/tasks/")
	if !errors.Is(err, ErrSessionExpired) {
		t.Errorf("err = %v, want ErrSessionExpired", err)
	}
	if refresher.calls.Load() != 0 || hookCalls.Load() != 0 {
		t.Errorf("refresh calls = %d, hook calls = %d; want 0 and 0", refresher.calls.Load(), hookCalls.Load())
	}
}

func TestLoginDuringRefreshIsKept(t *testing.T) {
	ts := newTokenServer(t, "bob-access")
	store := loggedInStore("access-1")
	login := func() {
		store.Set(credentials.Update{
			AccessToken:  credentials.Str("bob-access"),
			RefreshToken: credentials.Str("bob-refresh"),
			UserID:       credentials.Str("bob"),
		})
	}
	refresher := &stubRefresher{store: store, err: errors.New("refresh token revoked"), during: login}
	var hookCalls atomic.Int32
	g := New(store, WithRefresher(refresher), WithOnSessionExpired(func(error) { hookCalls.Add(1) }))

	resp, err := get(t, g, ts.URL+"/tasks/")
	if err != nil {
		t.Fatalf("expected the retry to use the new login, got %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if got := store.Get(); got.UserID != "bob" || got.RefreshToken != "bob-refresh" {
		t.Errorf("new login was overwritten: %+v", got)
	}
	if hookCalls.Load() != 0 {
		t.Error("session expired hook must not fire for a replaced session")
	}
	if last := ts.get(ts.count() - 1); last.auth != "Bearer bob-access" {
		t.Errorf("retry sent %q, want the new token", last.auth)
	}
}

func TestLogoutDuringRefreshDoesNotFireHook(t *testing.T) {
	ts := newTokenServer(t, "access-2")
	store := loggedInStore("access-1")
	refresher := &stubRefresher{store: store, err: errors.New("rejected"), during: store.Clear}
	var hookCalls atomic.Int32
	g := New(store, WithRefresher(refresher), WithOnSessionExpired(func(error) { hookCalls.Add(1) }))

	_, err := get(t, g, ts.URL+"/tasks/")
	if !errors.Is(err, ErrSessionExpired) {
		t.Errorf("err = %v, want ErrSessionExpired", err)
	}
	if hookCalls.Load() != 0 {
		t.Error("an explicit logout is not a session expiry")
	}
}
