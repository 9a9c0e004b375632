package ratelimit

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newClient(cfg Config) *http.Client {
	return &http.Client{Transport: NewTransport(nil, cfg)}
}

// TestRateLimitRetry tests that a 429 response is retried after the backoff period
func TestRateLimitRetry(t *testing.T) {
	requestCount := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requestCount, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("success"))
	}))
	defer server.Close()

	var retries []int
	client := newClient(Config{
		BaseDelay: 10 * time.Millisecond,
		OnRetry: func(_ *http.Request, attempt int, _ time.Duration) {
			retries = append(retries, attempt)
		},
	})

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if requestCount != 2 {
		t.Errorf("expected 2 requests (1 retry), got %d", requestCount)
	}
	if len(retries) != 1 || retries[0] != 1 {
		t.Errorf("OnRetry attempts = %v, want [1]", retries)
	}
}

// TestRateLimitMaxRetries tests that the last 429 is returned once retries run out
func TestRateLimitMaxRetries(t *testing.T) {
	requestCount := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newClient(Config{MaxRetries: 2, BaseDelay: 5 * time.Millisecond})

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("expected the final response, got error: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", resp.StatusCode)
	}
	if requestCount != 3 {
		t.Errorf("expected 3 requests (2 retries), got %d", requestCount)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	requestCount := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	resp, err := newClient(Config{MaxRetries: -1}).Get(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if requestCount != 1 {
		t.Errorf("expected a single request, got %d", requestCount)
	}
}

// TestRateLimitHeaderRespect tests that Retry-After overrides the exponential schedule
func TestRateLimitHeaderRespect(t *testing.T) {
	requestCount := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requestCount, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var delay time.Duration
	client := newClient(Config{
		BaseDelay: 5 * time.Millisecond,
		MaxDelay:  50 * time.Millisecond,
		OnRetry: func(_ *http.Request, _ int, d time.Duration) {
			delay = d
		},
	})

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	if delay != 50*time.Millisecond {
		t.Errorf("Retry-After of 1s should be capped at MaxDelay, got %v", delay)
	}
}

// TestRateLimitWithBody tests that the body is sent again on retry
func TestRateLimitWithBody(t *testing.T) {
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(data))
		if len(bodies) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := newClient(Config{BaseDelay: 5 * time.Millisecond})
	resp, err := client.Post(server.URL, "application/json", strings.NewReader(`{"title":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	if len(bodies) != 2 || bodies[0] != bodies[1] || bodies[1] != `{"title":"x"}` {
		t.Errorf("expected the same body twice, got %q", bodies)
	}
}

// TestRateLimitUnreplayableBody tests that a streaming body is not resent
func TestRateLimitUnreplayableBody(t *testing.T) {
	requestCount := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodPost, server.URL, io.NopCloser(strings.NewReader("stream")))
	if err != nil {
		t.Fatal(err)
	}
	req.GetBody = nil

	resp, err := newClient(Config{BaseDelay: 5 * time.Millisecond}).Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if requestCount != 1 {
		t.Errorf("expected one request, got %d", requestCount)
	}
}

// TestRateLimitContextCancellation tests that cancellation interrupts the wait
func TestRateLimitContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	start := time.Now()
	_, err := newClient(Config{BaseDelay: 10 * time.Second}).Do(req)
	if err == nil {
		t.Fatal("expected an error after cancellation")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancellation took %v", elapsed)
	}
}

func TestRateLimitNon429Passthrough(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable} {
		requestCount := int32(0)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			w.WriteHeader(status)
		}))

		resp, err := newClient(Config{BaseDelay: 5 * time.Millisecond}).Get(server.URL)
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		server.Close()

		if resp.StatusCode != status || requestCount != 1 {
			t.Errorf("status %d: got %d after %d requests", status, resp.StatusCode, requestCount)
		}
	}
}

func TestCalculateBackoff(t *testing.T) {
	tr := NewTransport(nil, Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{40, time.Second},
	}
	for _, tt := range tests {
		if got := tr.calculateBackoff(tt.attempt, nil); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	jittered := NewTransport(nil, Config{BaseDelay: 100 * time.Millisecond, EnableJitter: true})
	for i := 0; i < 50; i++ {
		got := jittered.calculateBackoff(0, nil)
		if got < 80*time.Millisecond || got > 120*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±20%%", got)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  *time.Duration
	}{
		{"empty", "", nil},
		{"seconds", "5", durationPtr(5 * time.Second)},
		{"zero", "0", durationPtr(0)},
		{"negative", "-1", nil},
		{"garbage", "soon", nil},
		{"past date", "Mon, 02 Jan 2006 15:04:05 GMT", durationPtr(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseRetryAfter(tt.value)
			if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
				t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}

	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	if got := ParseRetryAfter(future); got == nil || *got < 58*time.Minute {
		t.Errorf("ParseRetryAfter(future date) = %v", got)
	}
}

func TestNewTransportDefaults(t *testing.T) {
	tr := NewTransport(nil, Config{})
	if tr.maxRetries != DefaultMaxRetries || tr.baseDelay != DefaultBaseDelay || tr.maxDelay != DefaultMaxDelay {
		t.Errorf("unexpected defaults: %+v", tr)
	}
	if tr.base != http.DefaultTransport {
		t.Error("nil base should fall back to http.DefaultTransport")
	}
}

func durationPtr(d time.Duration) *time.Duration { return &d }
