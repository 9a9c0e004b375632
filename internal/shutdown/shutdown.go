// Package shutdown coordinates the end of a CLI run: it turns SIGINT and
// SIGTERM into context cancellation and runs registered cleanups in reverse
// registration order.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"planner/internal/utils"
)

// DefaultTimeout bounds all cleanups together
const DefaultTimeout = 10 * time.Second

// CleanupFunc releases one resource. ctx expires when the cleanup timeout passes.
type CleanupFunc func(ctx context.Context) error

type cleanupEntry struct {
	name string
	fn   CleanupFunc
}

// Manager owns the run context and the cleanup stack
type Manager struct {
	mu       sync.Mutex
	cleanups []cleanupEntry
	closed   bool

	ctx  context.Context
	stop context.CancelFunc
	log  *zap.Logger
}

// New returns a manager whose Context is cancelled on SIGINT, SIGTERM or Shutdown
func New(parent context.Context) *Manager {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	return &Manager{
		ctx:  ctx,
		stop: stop,
		log:  utils.GetLogger().With(zap.String("component", "shutdown")),
	}
}

// Context is cancelled when shutdown starts
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Register adds a cleanup. Cleanups run last-registered first.
// Registering after Close runs nothing and returns an error.
func (m *Manager) Register(name string, fn CleanupFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("cleanup %q registered after shutdown", name)
	}
	m.cleanups = append(m.cleanups, cleanupEntry{name: name, fn: fn})
	return nil
}

// Shutdown cancels the run context without running cleanups
func (m *Manager) Shutdown() {
	m.stop()
}

// IsShutdown reports whether the run context has been cancelled
func (m *Manager) IsShutdown() bool {
	return m.ctx.Err() != nil
}

// Close cancels the run context and runs every cleanup within timeout.
// Every cleanup runs even when an earlier one fails; the failures are joined.
// A second call does nothing.
func (m *Manager) Close(timeout time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cleanups := m.cleanups
	m.cleanups = nil
	m.mu.Unlock()

	m.stop()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var errs []error
		for i := len(cleanups) - 1; i >= 0; i-- {
			c := cleanups[i]
			if err := c.fn(ctx); err != nil {
				m.log.Warn("cleanup failed", zap.String("cleanup", c.name), zap.Error(err))
				errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			}
		}
		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("cleanup timed out: %w", ctx.Err())
	}
}
