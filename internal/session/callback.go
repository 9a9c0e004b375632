package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"planner/internal/utils"
)

// CallbackPath is where the API redirects after a Telegram login
const CallbackPath = "/auth/callback"

const callbackPage = `<!doctype html>
<html><body><p>Login complete. You can close this window and return to the terminal.</p></body></html>`

// CallbackServer captures the Telegram login redirect on a local port
type CallbackServer struct {
	listener net.Listener
	server   *http.Server
	result   chan url.Values
	once     sync.Once
}

// NewCallbackServer listens on addr (e.g. 127.0.0.1:8976, or port 0 for any)
// and starts serving the callback route.
func NewCallbackServer(addr string) (*CallbackServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for login callback: %w", err)
	}

	s := &CallbackServer{
		listener: ln,
		result:   make(chan url.Values, 1),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(CallbackPath, s.handleCallback)

	s.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.Errorf("Login callback server error: %v", err)
		}
	}()
	return s, nil
}

// URL is the redirect URL to hand to the API
func (s *CallbackServer) URL() string {
	return "http://" + s.listener.Addr().String() + CallbackPath
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()

	delivered := false
	s.once.Do(func() {
		s.result <- values
		delivered = true
	})
	if !delivered {
		http.Error(w, "login already completed", http.StatusConflict)
		return
	}

	if p := missingParam(values); p != "" && values.Get("error") == "" {
		http.Error(w, "missing "+p, http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(callbackPage))
}

// Wait blocks until the callback arrives or ctx ends, then shuts the server down
func (s *CallbackServer) Wait(ctx context.Context) (url.Values, error) {
	defer func() { _ = s.Close() }()

	select {
	case v := <-s.result:
		return v, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for login callback: %w", ctx.Err())
	}
}

// Close stops the server
func (s *CallbackServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
