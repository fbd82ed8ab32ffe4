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

	"github.com/psantana5/lambda-runtime/pkg/logging"
)

// Manager cancels the runtime context on SIGTERM/SIGINT and runs cleanup
// hooks afterwards.
type Manager struct {
	hooks    []hook
	mu       sync.Mutex
	timeout  time.Duration
	logger   *logging.Logger
	doneChan chan struct{}
	once     sync.Once
	signals  chan os.Signal
}

type hook struct {
	name string
	fn   func(context.Context) error
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		timeout:  timeout,
		logger:   logger,
		doneChan: make(chan struct{}),
	}
}

// Register adds a named cleanup hook.
// Hooks run in reverse order (LIFO)
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// Context returns a child of parent that is cancelled on the first
// SIGTERM or SIGINT, or when Trigger is called.
func (m *Manager) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	m.mu.Lock()
	if m.signals == nil {
		m.signals = make(chan os.Signal, 1)
		signal.Notify(m.signals, syscall.SIGTERM, syscall.SIGINT)
	}
	sigChan := m.signals
	m.mu.Unlock()

	go func() {
		select {
		case sig := <-sigChan:
			m.logger.Info("Received signal, initiating graceful shutdown", map[string]interface{}{"signal": sig.String()})
			m.Trigger()
		case <-m.doneChan:
		case <-ctx.Done():
			return
		}
		cancel()
	}()

	return ctx, func() {
		m.stopSignals()
		cancel()
	}
}

// Trigger starts shutdown without a signal
func (m *Manager) Trigger() {
	m.once.Do(func() {
		close(m.doneChan)
	})
}

// Done returns a channel that is closed when shutdown is initiated
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

func (m *Manager) stopSignals() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signals != nil {
		signal.Stop(m.signals)
	}
}

// Shutdown runs every registered hook within the manager timeout and
// returns their joined errors.
func (m *Manager) Shutdown() error {
	m.Trigger()

	m.mu.Lock()
	hooks := make([]hook, len(m.hooks))
	copy(hooks, m.hooks)
	m.hooks = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := h.fn(ctx); err != nil {
			m.logger.Error("Shutdown hook failed", map[string]interface{}{"hook": h.name, "error": err})
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		m.logger.Debug("Shutdown hook completed", map[string]interface{}{"hook": h.name})
	}

	m.logger.Info("Graceful shutdown complete")
	return errors.Join(errs...)
}

// StopHTTPServer creates a hook for an http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop HTTP server: %w", err)
		}
		return nil
	}
}
