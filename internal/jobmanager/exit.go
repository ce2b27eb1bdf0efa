package jobmanager

import (
	"context"
	"log/slog"
	"sync"
)

// Coordinator is the registry of every manager in a process. Setting
// ShouldExit stops all of them, then waits for each to finish.
type Coordinator struct {
	log *slog.Logger

	mu       sync.Mutex
	managers []*Manager
	exiting  bool
}

// NewCoordinator returns an empty registry.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{log: logger}
}

// NewManager creates a manager and registers it.
func (c *Coordinator) NewManager(name string, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = c.log
	}
	m := New(name, opts)
	c.Register(m)
	return m
}

// Register adds m to the registry. A manager registered after shutdown began
// is stopped immediately.
func (c *Coordinator) Register(m *Manager) {
	c.mu.Lock()
	c.managers = append(c.managers, m)
	exiting := c.exiting
	c.mu.Unlock()

	if exiting {
		m.Stop()
	}
}

// Managers returns the registered managers in registration order.
func (c *Coordinator) Managers() []*Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Manager, len(c.managers))
	copy(out, c.managers)
	return out
}

// ShouldExit reports whether shutdown has been requested. Long-running jobs
// may poll it in addition to their own cancellation signal.
func (c *Coordinator) ShouldExit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exiting
}

// SetShouldExit with true stops every manager and blocks until all of them
// have finished. Setting it again is a no-op.
func (c *Coordinator) SetShouldExit(v bool) {
	if !v {
		c.mu.Lock()
		c.exiting = false
		c.mu.Unlock()
		return
	}
	_ = c.Exit(context.Background())
}

// Exit is SetShouldExit(true) with a bound on the wait.
func (c *Coordinator) Exit(ctx context.Context) error {
	c.mu.Lock()
	first := !c.exiting
	c.exiting = true
	managers := make([]*Manager, len(c.managers))
	copy(managers, c.managers)
	c.mu.Unlock()

	if first {
		c.log.Info("shutting down job managers", "count", len(managers))
		// broadcast before waiting on anyone
		for _, m := range managers {
			m.Stop()
		}
	}

	for _, m := range managers {
		select {
		case <-m.Done():
		case <-ctx.Done():
			c.log.Warn("gave up waiting for job manager", "manager", m.Name(), "error", ctx.Err())
			return ctx.Err()
		}
	}

	if first {
		c.log.Info("all job managers finished")
	}
	return nil
}
